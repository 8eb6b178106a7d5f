package httpchannel

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sammck-go/muxchan/pkg/channel"
	"github.com/sammck-go/muxchan/pkg/metrics"
	"golang.org/x/sync/semaphore"
)

// engine is the shared transfer engine of a group: one connection-pooling
// transport and the slot ceiling every member request waits on.
type engine struct {
	transport      *http.Transport
	slots          *semaphore.Weighted
	maxConnections int
	timeout        time.Duration

	lock   sync.Mutex
	clones []*http.Transport
}

// newEngine builds an engine from the group options:
//
//	max-connections  concurrent exchanges, 0 for no limit
//	proxy            http://, https:// or socks5:// proxy url
//	connect-timeout  dial timeout
//	expect-timeout   how long to wait for 100 Continue
//	timeout          whole-exchange timeout, 0 for none
func newEngine(props channel.Props) (*engine, error) {
	maxConnections, err := props.GetInt("max-connections", 0)
	if err != nil {
		return nil, err
	}
	if maxConnections < 0 {
		return nil, channel.Configf("max-connections must not be negative, got %d", maxConnections)
	}
	connectTimeout, err := props.GetDuration("connect-timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}
	expectTimeout, err := props.GetDuration("expect-timeout", time.Second)
	if err != nil {
		return nil, err
	}
	timeout, err := props.GetDuration("timeout", 0)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: expectTimeout,
	}
	if proxy := props.GetString("proxy", ""); proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil || u.Host == "" {
			return nil, channel.Configf("invalid proxy %q", proxy)
		}
		tr.Proxy = http.ProxyURL(u)
	}

	e := &engine{transport: tr, maxConnections: maxConnections, timeout: timeout}
	if maxConnections > 0 {
		e.slots = semaphore.NewWeighted(int64(maxConnections))
		tr.MaxConnsPerHost = maxConnections
	}
	return e, nil
}

// client returns an http.Client for a member channel. Channels that ask for a
// different expect-timeout get their own copy of the transport.
func (e *engine) client(expectTimeout time.Duration) *http.Client {
	tr := e.transport
	if expectTimeout != tr.ExpectContinueTimeout {
		tr = tr.Clone()
		tr.ExpectContinueTimeout = expectTimeout
		e.lock.Lock()
		e.clones = append(e.clones, tr)
		e.lock.Unlock()
	}
	return &http.Client{
		Transport: tr,
		Timeout:   e.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// acquire waits for a free slot. Waiters are admitted in arrival order.
func (e *engine) acquire(ctx context.Context) error {
	if e.slots == nil {
		return nil
	}
	start := time.Now()
	err := e.slots.Acquire(ctx, 1)
	metrics.SlotWaitDuration.Observe(time.Since(start).Seconds())
	return err
}

func (e *engine) release() {
	if e.slots != nil {
		e.slots.Release(1)
	}
}

// close drops idle connections
func (e *engine) close() {
	e.transport.CloseIdleConnections()
	e.lock.Lock()
	clones := e.clones
	e.clones = nil
	e.lock.Unlock()
	for _, tr := range clones {
		tr.CloseIdleConnections()
	}
}

// publish echoes the engine settings into a channel's info
func (e *engine) publish(set func(key, value string)) {
	set("max-connections", strconv.Itoa(e.maxConnections))
}
