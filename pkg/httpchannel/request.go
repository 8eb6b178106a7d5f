package httpchannel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sammck-go/muxchan/pkg/channel"
	"github.com/sammck-go/muxchan/pkg/metrics"
)

// Bodies larger than this ask for 100 Continue before they are sent.
const expectThreshold = 1024

// options are the request channel settings fixed at open
type options struct {
	base          string
	method        channel.Method
	control       bool
	autoclose     bool
	headers       []channel.Header
	expectTimeout time.Duration
	chunk         int64
}

func parseOptions(cfg *channel.Config) (*options, error) {
	o := &options{headers: cfg.Headers()}
	if cfg.Protocol != "http" && cfg.Protocol != "https" {
		return nil, channel.Configf("unsupported protocol %q, expected http or https", cfg.Protocol)
	}
	o.base = cfg.Protocol + "://" + cfg.Host
	if u, err := url.Parse(o.base); err != nil || u.Host == "" {
		return nil, channel.Configf("invalid url %q", o.base)
	}
	transfer, err := cfg.Props.GetEnum("transfer", "data", "control")
	if err != nil {
		return nil, err
	}
	o.control = transfer == "control"
	if o.method, err = channel.ParseMethod(cfg.Props.GetString("method", "GET")); err != nil {
		return nil, err
	}
	if o.method == channel.MethodUndefined {
		return nil, channel.Configf("method must be set")
	}
	if o.autoclose, err = cfg.Props.GetBool("autoclose", false); err != nil {
		return nil, err
	}
	if o.expectTimeout, err = cfg.Props.GetDuration("expect-timeout", time.Second); err != nil {
		return nil, err
	}
	if o.chunk, err = cfg.Props.GetSize("chunk-size", 64*1024); err != nil {
		return nil, err
	}
	if o.chunk <= 0 {
		return nil, channel.Configf("chunk-size must be positive")
	}
	return o, nil
}

// pending is one in-flight exchange
type pending struct {
	addr   channel.Addr
	ctx    context.Context
	cancel context.CancelFunc

	// body and remaining are set for control-mode requests whose body is still
	// being posted. remaining is -1 for a streamed body of unknown size.
	body      *bodyQueue
	remaining int64

	// silenced is set when the address was cancelled by the caller; nothing more
	// is delivered for it
	silenced atomic.Bool
}

// request describes one exchange to start
type request struct {
	method  channel.Method
	path    string
	headers []channel.Header
	size    int64
	body    io.Reader

	// queue is the body of a control-mode request fed by later Data posts
	queue *bodyQueue
}

// Request is an HTTP client channel, httpc+http://host/path or
// httpc+https://host/path. Every address is one exchange; any number of
// addresses may be in flight at once, each completing independently.
//
// With transfer=data (the default) a Data post starts an exchange on its
// address with the posted bytes as the body; method, path and headers are the
// ones configured on the channel. With transfer=control the caller first posts
// a Connect on a fresh address carrying the method, a path appended to the
// channel path, extra headers and the body size: 0 sends at once, a positive
// size is sent once that many bytes of Data have been posted, and -1 streams
// Data until an empty Data post ends the body.
//
// For every exchange the channel delivers a Connect with the response code,
// size and headers, the body as Data, then Disconnect. A zero code Disconnect
// is normal completion. A failed exchange delivers only a Disconnect whose code
// says what failed. Posting a Disconnect cancels that address silently.
//
// With autoclose=yes an exchange is started on address 0 at open and the
// channel closes itself once every outstanding address has completed.
type Request struct {
	channel.Base
	group *Group

	lock    sync.Mutex
	opts    *options
	engine  *engine
	private bool
	client  *http.Client
	cancel  context.CancelFunc
	ctx     context.Context
	pending map[channel.Addr]*pending
	wg      sync.WaitGroup
}

func newRequest(ctx *channel.Context, cfg *channel.Config, master channel.Channel) (channel.Channel, error) {
	var group *Group
	if master != nil {
		g, ok := master.(*Group)
		if !ok {
			return nil, ctx.Logger().Errorf("%s: master of %s must be an httpc:// group: %w", cfg.Name, cfg.Proto, channel.ErrConfig)
		}
		group = g
	}
	if _, err := parseOptions(cfg); err != nil {
		return nil, ctx.Logger().Errorf("%s: %w", cfg.Name, err)
	}
	r := &Request{group: group}
	r.InitBase(ctx, cfg, master, r, r)
	return r, nil
}

// OnOpen binds the channel to its group's engine, or to a private one
func (r *Request) OnOpen(cfg *channel.Config) error {
	opts, err := parseOptions(cfg)
	if err != nil {
		return err
	}
	var e *engine
	private := r.group == nil
	if private {
		if e, err = newEngine(cfg.Props); err != nil {
			return err
		}
	} else if e, err = r.group.currentEngine(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.lock.Lock()
	r.opts = opts
	r.engine = e
	r.private = private
	r.client = e.client(opts.expectTimeout)
	r.ctx = ctx
	r.cancel = cancel
	r.pending = make(map[channel.Addr]*pending)
	r.lock.Unlock()

	r.SetInfo("url", opts.base)
	r.SetInfo("method", opts.method.String())
	r.SetInfo("transfer", map[bool]string{false: "data", true: "control"}[opts.control])
	if private {
		e.publish(r.SetInfo)
	}

	if !opts.autoclose {
		return nil
	}
	r.SetActive()
	_, err = r.start(0, &request{})
	return err
}

// OnClose cancels every address and waits for the exchanges to unwind. No
// messages are delivered for cancelled addresses.
func (r *Request) OnClose() error {
	r.lock.Lock()
	ps := r.pending
	r.pending = nil
	cancel := r.cancel
	r.cancel = nil
	e := r.engine
	private := r.private
	r.engine = nil
	r.client = nil
	for _, p := range ps {
		p.silenced.Store(true)
		if p.body != nil {
			p.body.finish(context.Canceled)
		}
	}
	r.lock.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	if private && e != nil {
		e.close()
	}
	return nil
}

// OnPost starts, feeds or cancels the exchange on the message's address
func (r *Request) OnPost(m *channel.Message) error {
	switch m.Type {
	case channel.MsgTypeData:
		return r.postData(m)
	case channel.MsgTypeControl:
		if c, ok := m.Connect(); ok {
			return r.postConnect(m.Addr, c)
		}
		if _, ok := m.Disconnect(); ok {
			r.cancelAddr(m.Addr)
			return nil
		}
	}
	return r.Logger().Errorf("can not post %s: %w", m, channel.ErrProtocol)
}

func (r *Request) postData(m *channel.Message) error {
	r.lock.Lock()
	opts := r.opts
	p := r.pending[m.Addr]
	if p != nil {
		defer r.lock.Unlock()
		return r.feed(p, m.Data)
	}
	r.lock.Unlock()
	if opts.control {
		return r.Logger().Errorf("data on address %d without Connect: %w", int64(m.Addr), channel.ErrProtocol)
	}
	req := &request{size: int64(len(m.Data))}
	if len(m.Data) > 0 {
		req.body = bytes.NewReader(bytes.Clone(m.Data))
	}
	_, err := r.start(m.Addr, req)
	return err
}

// feed must be called with r.lock held
func (r *Request) feed(p *pending, data []byte) error {
	if p.body == nil {
		return r.Logger().Errorf("request on address %d is already in progress: %w", int64(p.addr), channel.ErrInvalidState)
	}
	if p.remaining < 0 {
		if len(data) == 0 {
			p.body.finish(nil)
			p.body = nil
			return nil
		}
		p.body.push(data)
		return nil
	}
	if int64(len(data)) > p.remaining {
		return r.Logger().Errorf("%d bytes posted on address %d, only %d left of the announced size: %w", len(data), int64(p.addr), p.remaining, channel.ErrProtocol)
	}
	p.body.push(data)
	p.remaining -= int64(len(data))
	if p.remaining == 0 {
		p.body.finish(nil)
		p.body = nil
	}
	return nil
}

func (r *Request) postConnect(addr channel.Addr, c *channel.Connect) error {
	r.lock.Lock()
	opts := r.opts
	r.lock.Unlock()
	if !opts.control {
		return r.Logger().Errorf("Connect posted with transfer=data: %w", channel.ErrProtocol)
	}
	if c.Size < -1 {
		return r.Logger().Errorf("invalid body size %d: %w", c.Size, channel.ErrProtocol)
	}
	req := &request{method: c.Method, path: c.Path, headers: c.Headers, size: c.Size}
	if c.Size != 0 {
		req.queue = newBodyQueue()
		req.body = req.queue
	}
	_, err := r.start(addr, req)
	return err
}

// cancelAddr drops an address. The address may be reused at once.
func (r *Request) cancelAddr(addr channel.Addr) {
	r.lock.Lock()
	p := r.pending[addr]
	delete(r.pending, addr)
	if p != nil && p.body != nil {
		p.body.finish(context.Canceled)
	}
	r.lock.Unlock()
	if p == nil {
		r.Logger().DLogf("Disconnect for idle address %d", int64(addr))
		return
	}
	r.Logger().DLogf("cancelling address %d", int64(addr))
	p.silenced.Store(true)
	p.cancel()
}

// start builds the exchange for req and runs it in its own goroutine
func (r *Request) start(addr channel.Addr, req *request) (*pending, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.pending == nil {
		return nil, r.Logger().Errorf("channel is closed: %w", channel.ErrInvalidState)
	}
	if _, busy := r.pending[addr]; busy {
		return nil, r.Logger().Errorf("request on address %d is already in progress: %w", int64(addr), channel.ErrInvalidState)
	}
	opts := r.opts

	ctx, cancel := context.WithCancel(r.ctx)
	method := req.method.Or(opts.method)
	hreq, err := http.NewRequestWithContext(ctx, method.String(), opts.base+req.path, req.body)
	if err != nil {
		cancel()
		return nil, r.Logger().Errorf("address %d: %s: %w", int64(addr), err, channel.ErrProtocol)
	}
	if req.body == nil {
		hreq.Body = http.NoBody
		hreq.ContentLength = 0
	} else {
		hreq.ContentLength = req.size
	}
	if opts.expectTimeout > 0 && (req.size > expectThreshold || req.size < 0) {
		hreq.Header.Set("Expect", "100-continue")
	}
	channel.ApplyHeaders(hreq.Header, opts.headers)
	channel.ApplyHeaders(hreq.Header, req.headers)
	if host := hreq.Header.Get("Host"); host != "" {
		hreq.Host = host
		hreq.Header.Del("Host")
	}

	p := &pending{addr: addr, ctx: ctx, cancel: cancel, body: req.queue, remaining: req.size}
	r.pending[addr] = p
	r.wg.Add(1)
	go r.run(p, hreq, r.client, r.engine, opts.chunk)
	return p, nil
}

// run performs one exchange and retires its address before the terminal
// Disconnect is delivered, so the address can be reused as soon as the caller
// sees it.
func (r *Request) run(p *pending, req *http.Request, client *http.Client, e *engine, chunk int64) {
	defer r.wg.Done()
	final := r.exchange(p, req, client, e, chunk)
	p.cancel()
	idle, autoclose := r.retire(p)
	if final != nil {
		if final.Code != 0 {
			r.Logger().DLogf("address %d failed with code %d: %s", int64(p.addr), final.Code, final.Error)
		}
		r.deliver(p, channel.NewControl(p.addr, final))
	}
	if autoclose && idle {
		r.Logger().DLogf("all requests complete, closing")
		r.CloseAsync()
	}
}

// exchange waits for a slot, sends the request and delivers the response
// metadata and body. It returns the terminal Disconnect, or nil if the address
// was cancelled.
func (r *Request) exchange(p *pending, req *http.Request, client *http.Client, e *engine, chunk int64) *channel.Disconnect {
	if err := e.acquire(p.ctx); err != nil {
		return disconnectFor(err)
	}
	defer e.release()

	r.Logger().DLogf("address %d: %s %s", int64(p.addr), req.Method, req.URL)
	start := time.Now()
	defer func() {
		metrics.HTTPRequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	}()
	resp, err := client.Do(req)
	if err != nil {
		metrics.HTTPRequestsTotal.WithLabelValues(req.Method, "error").Inc()
		return disconnectFor(err)
	}
	defer resp.Body.Close()
	metrics.HTTPRequestsTotal.WithLabelValues(req.Method, metrics.StatusClass(resp.StatusCode)).Inc()

	if !r.deliver(p, channel.NewControl(p.addr, &channel.Connect{
		Code:    resp.StatusCode,
		Size:    resp.ContentLength,
		Path:    req.URL.String(),
		Headers: channel.NormalizeHeaders(resp.Header),
	})) {
		return nil
	}

	buf := make([]byte, chunk)
	for {
		k, err := io.ReadFull(resp.Body, buf)
		if k > 0 && !r.deliver(p, channel.NewData(p.addr, bytes.Clone(buf[:k]))) {
			return nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return &channel.Disconnect{}
		}
		if err != nil {
			return disconnectFor(err)
		}
	}
}

// deliver passes m on unless the address has been cancelled. The check runs
// under the delivery lock, so after cancelAddr and SyncDelivery nothing from
// p reaches a callback.
func (r *Request) deliver(p *pending, m *channel.Message) bool {
	return r.DeliverIf(m, func() bool { return !p.silenced.Load() })
}

// retire removes p from the address table. It reports whether nothing is left
// in flight and whether the channel should then close itself.
func (r *Request) retire(p *pending) (idle bool, autoclose bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.pending == nil {
		return false, false
	}
	if r.pending[p.addr] == p {
		delete(r.pending, p.addr)
	}
	return len(r.pending) == 0, r.opts.autoclose
}

// Outstanding returns the number of addresses in flight
func (r *Request) Outstanding() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.pending)
}
