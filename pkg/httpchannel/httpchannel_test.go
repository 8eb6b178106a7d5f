package httpchannel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	socks5 "github.com/armon/go-socks5"
	"github.com/sammck-go/muxchan/pkg/asyncloop"
	"github.com/sammck-go/muxchan/pkg/channel"
	"github.com/sammck-go/muxchan/pkg/metrics"
	"github.com/sammck-go/muxchan/share"
)

const waitTimeout = 5 * time.Second

type collector struct {
	ch chan *channel.Message
}

func collect(c channel.Channel) *collector {
	col := &collector{ch: make(chan *channel.Message, 256)}
	c.AddCallback(func(_ channel.Channel, m *channel.Message) {
		if m.Type != channel.MsgTypeState {
			col.ch <- m
		}
	})
	return col
}

func (c *collector) next(t *testing.T) *channel.Message {
	t.Helper()
	select {
	case m := <-c.ch:
		return m
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for a message")
		return nil
	}
}

func (c *collector) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-c.ch:
		t.Fatalf("unexpected message %s", m)
	case <-time.After(d):
	}
}

// result is what one address delivered, in order
type result struct {
	conn *channel.Connect
	body string
	disc *channel.Disconnect
}

// exchange reads the Connect, Data and Disconnect of one address
func (c *collector) exchange(t *testing.T, addr channel.Addr) *result {
	t.Helper()
	res := &result{}
	for res.disc == nil {
		m := c.next(t)
		if m.Addr != addr {
			t.Fatalf("expected a message for address %d, got %s", int64(addr), m)
		}
		res.add(t, m)
	}
	return res
}

func (res *result) add(t *testing.T, m *channel.Message) {
	t.Helper()
	if res.disc != nil {
		t.Fatalf("message after Disconnect: %s", m)
	}
	if conn, ok := m.Connect(); ok {
		if res.conn != nil || res.body != "" {
			t.Fatalf("Connect out of order: %s", m)
		}
		res.conn = conn
		return
	}
	if d, ok := m.Disconnect(); ok {
		res.disc = d
		return
	}
	if res.conn == nil {
		t.Fatalf("Data before Connect: %s", m)
	}
	res.body += string(m.Data)
}

func header(headers []channel.Header, name string) (string, bool) {
	for _, h := range headers {
		if h.Header == name {
			return h.Value, true
		}
	}
	return "", false
}

// echo answers GET with "GET <path>" and 200, anything else with
// "<METHOD> <path> :<body>" and 500. X-Test-Header is copied to the response.
// A body of "hang" blocks until the client goes away.
func echo(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if string(body) == "hang" {
		<-r.Context().Done()
		return
	}
	if v := r.Header.Get("X-Test-Header"); v != "" {
		w.Header().Set("X-Test-Header", v)
	}
	if r.Method == http.MethodGet {
		fmt.Fprintf(w, "GET %s", r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, "%s %s :%s", r.Method, r.URL.Path, body)
}

func newEchoServer(t *testing.T) string {
	srv := httptest.NewServer(http.HandlerFunc(echo))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func newContext(t *testing.T) *channel.Context {
	t.Helper()
	ctx := channel.NewContext(share.NewDiscardLogger())
	if err := Register(ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func openChannel(t *testing.T, ctx *channel.Context, url string, props channel.Props) (channel.Channel, *collector) {
	t.Helper()
	c, err := ctx.Channel(url, nil, props)
	if err != nil {
		t.Fatalf("channel %s: %v", url, err)
	}
	col := collect(c)
	if err := c.Open(nil); err != nil {
		t.Fatalf("open %s: %v", url, err)
	}
	return c, col
}

func awaitState(t *testing.T, c channel.Channel, want channel.State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if _, err := c.AwaitState(ctx, want); err != nil {
		t.Fatalf("%s: %v", c.Name(), err)
	}
}

func post(t *testing.T, c channel.Channel, m *channel.Message) {
	t.Helper()
	if err := c.Post(m); err != nil {
		t.Fatalf("post %s: %v", m, err)
	}
}

func TestAutocloseGet(t *testing.T) {
	host := newEchoServer(t)
	ctx := newContext(t)
	before := metrics.CounterValue(metrics.HTTPRequestsTotal, "GET", "2xx")
	c, col := openChannel(t, ctx, "httpc+http://"+host+"/some/path;autoclose=yes;dump=text;name=http", nil)

	res := col.exchange(t, 0)
	if res.conn.Code != 200 || res.conn.Method != channel.MethodUndefined {
		t.Errorf("unexpected Connect %+v", res.conn)
	}
	if want := "http://" + host + "/some/path"; res.conn.Path != want {
		t.Errorf("expected path %s, got %s", want, res.conn.Path)
	}
	if res.body != "GET /some/path" {
		t.Errorf("unexpected body %q", res.body)
	}
	if res.disc.Code != 0 || res.disc.Error != "" {
		t.Errorf("expected clean Disconnect, got %+v", res.disc)
	}
	awaitState(t, c, channel.StateClosed)
	if got := metrics.CounterValue(metrics.HTTPRequestsTotal, "GET", "2xx"); got < before+1 {
		t.Errorf("expected the request to be counted, %v -> %v", before, got)
	}
}

func TestAutocloseGroupMembers(t *testing.T) {
	host := newEchoServer(t)
	ctx := newContext(t)
	group, _ := openChannel(t, ctx, "httpc://;name=multi;max-connections=2", nil)
	c0, col0 := openChannel(t, ctx, "httpc+http://"+host+"/c0;autoclose=yes;name=c0;master=multi", nil)
	c1, col1 := openChannel(t, ctx, "httpc+http://"+host+"/c1;autoclose=yes;name=c1;method=POST", channel.Props{"master": "multi"})

	if c0.Master() != group || c1.Master() != group {
		t.Fatalf("expected both channels to be members of the group")
	}
	if res := col0.exchange(t, 0); res.conn.Code != 200 || res.body != "GET /c0" {
		t.Errorf("c0: unexpected exchange %+v %q", res.conn, res.body)
	}
	res := col1.exchange(t, 0)
	if res.conn.Code != 500 || res.conn.Size != 10 || res.body != "POST /c1 :" {
		t.Errorf("c1: unexpected exchange %+v %q", res.conn, res.body)
	}
	if v, _ := header(res.conn.Headers, "content-length"); v != "10" {
		t.Errorf("c1: expected content-length 10, got %q", v)
	}
	awaitState(t, c0, channel.StateClosed)
	awaitState(t, c1, channel.StateClosed)
	if s := group.State(); s != channel.StateActive {
		t.Errorf("expected the group to stay Active, got %s", s)
	}
	if v, _ := group.Info().Get("max-connections"); v != "2" {
		t.Errorf("expected max-connections info 2, got %q", v)
	}
}

func TestDataTransfer(t *testing.T) {
	host := newEchoServer(t)
	ctx := newContext(t)
	c, col := openChannel(t, ctx, "httpc+http://"+host+"/post;transfer=data;method=POST;expect-timeout=1000ms;header.Expect=;header.X-Test-Header=value", nil)
	col.none(t, 20*time.Millisecond)

	check := func(addr channel.Addr, data string, res *result) {
		t.Helper()
		want := "POST /post :" + data
		if res.conn.Code != 500 || res.conn.Method != channel.MethodUndefined || res.conn.Size != int64(len(want)) {
			t.Errorf("address %d: unexpected Connect %+v", int64(addr), res.conn)
		}
		if v, _ := header(res.conn.Headers, "content-length"); v != strconv.Itoa(len(want)) {
			t.Errorf("address %d: unexpected content-length %q", int64(addr), v)
		}
		if v, _ := header(res.conn.Headers, "x-test-header"); v != "value" {
			t.Errorf("address %d: expected x-test-header, got %v", int64(addr), res.conn.Headers)
		}
		if res.body != want {
			t.Errorf("address %d: expected %q, got %q", int64(addr), want, res.body)
		}
		if res.disc.Code != 0 {
			t.Errorf("address %d: expected clean Disconnect, got %+v", int64(addr), res.disc)
		}
	}

	// one address, reused after each completion
	for _, data := range []string{"xxx", "zzzz"} {
		post(t, c, channel.NewData(0, []byte(data)))
		check(0, data, col.exchange(t, 0))
		if s := c.State(); s != channel.StateActive {
			t.Fatalf("expected Active, got %s", s)
		}
	}

	// two addresses in flight at once
	data := []string{"xxx", "zzzz"}
	for i, d := range data {
		post(t, c, channel.NewData(channel.Addr(i), []byte(d)))
	}
	results := map[channel.Addr]*result{0: {}, 1: {}}
	for done := 0; done < len(data); {
		m := col.next(t)
		res, ok := results[m.Addr]
		if !ok {
			t.Fatalf("message for unexpected address: %s", m)
		}
		res.add(t, m)
		if res.disc != nil {
			done++
		}
	}
	for i, d := range data {
		check(channel.Addr(i), d, results[channel.Addr(i)])
	}
	if v, _ := c.Info().Get("transfer"); v != "data" {
		t.Errorf("expected transfer info data, got %q", v)
	}
}

func TestControlTransfer(t *testing.T) {
	host := newEchoServer(t)
	ctx := newContext(t)
	c, col := openChannel(t, ctx, "httpc+http://"+host+"/post;transfer=control;method=POST;expect-timeout=1000ms;header.Expect=", nil)

	data := []string{"xxx", "zzzzzzz"}
	for i, d := range data {
		post(t, c, channel.NewControl(channel.Addr(i), &channel.Connect{
			Path:    fmt.Sprintf("/extra/%d", i),
			Size:    int64(len(d)),
			Headers: []channel.Header{{Header: "X-Test-Header", Value: strconv.Itoa(i)}},
		}))
	}
	for i, d := range data {
		post(t, c, channel.NewData(channel.Addr(i), []byte(d)))
	}

	results := map[channel.Addr]*result{0: {}, 1: {}}
	for done := 0; done < len(data); {
		m := col.next(t)
		res := results[m.Addr]
		if res == nil {
			t.Fatalf("message for unexpected address: %s", m)
		}
		res.add(t, m)
		if res.disc != nil {
			done++
		}
	}
	for i, d := range data {
		res := results[channel.Addr(i)]
		want := fmt.Sprintf("POST /post/extra/%d :%s", i, d)
		if res.conn.Code != 500 || res.conn.Size != int64(len(want)) {
			t.Errorf("address %d: unexpected Connect %+v", i, res.conn)
		}
		if wantPath := fmt.Sprintf("http://%s/post/extra/%d", host, i); res.conn.Path != wantPath {
			t.Errorf("address %d: expected path %s, got %s", i, wantPath, res.conn.Path)
		}
		if v, _ := header(res.conn.Headers, "x-test-header"); v != strconv.Itoa(i) {
			t.Errorf("address %d: expected x-test-header %d, got %q", i, i, v)
		}
		if res.body != want {
			t.Errorf("address %d: expected %q, got %q", i, want, res.body)
		}
	}
}

func TestControlStreamedAndEmptyBodies(t *testing.T) {
	host := newEchoServer(t)
	ctx := newContext(t)
	c, col := openChannel(t, ctx, "httpc+http://"+host+"/post;transfer=control;method=POST", nil)

	post(t, c, channel.NewControl(0, &channel.Connect{Size: -1}))
	for _, d := range []string{"ab", "cd", ""} {
		post(t, c, channel.NewData(0, []byte(d)))
	}
	if res := col.exchange(t, 0); res.body != "POST /post :abcd" {
		t.Errorf("streamed body: got %q", res.body)
	}

	post(t, c, channel.NewControl(0, &channel.Connect{Method: channel.MethodGet, Path: "/x"}))
	if res := col.exchange(t, 0); res.conn.Code != 200 || res.body != "GET /post/x" {
		t.Errorf("empty body: unexpected exchange %+v %q", res.conn, res.body)
	}
}

func TestUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echo))
	host := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	ctx := newContext(t)
	c, col := openChannel(t, ctx, "httpc+http://"+host+"/;autoclose=yes;transfer=control;connect-timeout=2s", nil)
	m := col.next(t)
	d, ok := m.Disconnect()
	if !ok {
		t.Fatalf("expected only a Disconnect, got %s", m)
	}
	if d.Code != CodeConnect || d.Error == "" {
		t.Errorf("expected connect failure code %d, got %+v", CodeConnect, d)
	}
	awaitState(t, c, channel.StateClosed)
	col.none(t, 20*time.Millisecond)
}

func TestDisconnectCancelsOneAddress(t *testing.T) {
	host := newEchoServer(t)
	ctx := newContext(t)
	c, col := openChannel(t, ctx, "httpc+http://"+host+"/post;transfer=data;method=POST", nil)

	post(t, c, channel.NewData(0, []byte("hang")))
	post(t, c, channel.NewData(1, []byte("zzz")))
	if err := c.Post(channel.NewData(0, []byte("more"))); !errors.Is(err, channel.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState posting to a busy address, got %v", err)
	}
	post(t, c, channel.NewControl(0, &channel.Disconnect{}))

	if res := col.exchange(t, 1); res.body != "POST /post :zzz" || res.disc.Code != 0 {
		t.Errorf("address 1: unexpected exchange %+v %q %+v", res.conn, res.body, res.disc)
	}
	col.none(t, 50*time.Millisecond)

	// a cancelled address is free for a new exchange
	post(t, c, channel.NewData(0, []byte("again")))
	if res := col.exchange(t, 0); res.body != "POST /post :again" {
		t.Errorf("address 0 reuse: got %q", res.body)
	}
	if err := c.Post(channel.NewControl(5, &channel.Disconnect{})); err != nil {
		t.Errorf("Disconnect for an idle address: %v", err)
	}
}

func TestCancelledAddressReusedWithoutStaleData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stream" {
			fmt.Fprint(w, "fresh")
			return
		}
		for _, part := range []string{"a", "b", "c"} {
			fmt.Fprint(w, part)
			w.(http.Flusher).Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	host := strings.TrimPrefix(srv.URL, "http://")

	loop := asyncloop.New(newContext(t))
	t.Cleanup(func() { loop.Close() })
	c, err := loop.Channel("httpc+http://"+host+";transfer=control;chunk-size=1", nil, nil)
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	if err := c.Open(nil); err != nil {
		t.Fatalf("open: %v", err)
	}

	post(t, c, channel.NewControl(0, &channel.Connect{Path: "/stream"}))
	deadline := time.Now().Add(waitTimeout)
	for c.Pending() < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("expected Connect and 3 Data queued, got %d", c.Pending())
		}
		time.Sleep(time.Millisecond)
	}
	post(t, c, channel.NewControl(0, &channel.Disconnect{}))
	post(t, c, channel.NewControl(0, &channel.Connect{Path: "/new"}))

	res := &result{}
	for res.disc == nil {
		m, err := c.Recv(waitTimeout)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if m.Addr != 0 {
			t.Fatalf("message for unexpected address: %s", m)
		}
		res.add(t, m)
	}
	if want := "http://" + host + "/new"; res.conn.Path != want {
		t.Errorf("expected the new exchange at %s, got %s", want, res.conn.Path)
	}
	if res.body != "fresh" || res.disc.Code != 0 {
		t.Errorf("unexpected exchange %+v %q %+v", res.conn, res.body, res.disc)
	}
}

func TestAutocloseWaitsForEveryAddress(t *testing.T) {
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if len(body) == 0 {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
			fmt.Fprint(w, "held")
			return
		}
		fmt.Fprintf(w, "quick :%s", body)
	}))
	t.Cleanup(srv.Close)
	host := strings.TrimPrefix(srv.URL, "http://")

	ctx := newContext(t)
	c, col := openChannel(t, ctx, "httpc+http://"+host+"/;autoclose=yes;transfer=data", nil)
	post(t, c, channel.NewData(1, []byte("zzz")))
	if res := col.exchange(t, 1); res.body != "quick :zzz" || res.disc.Code != 0 {
		t.Errorf("address 1: unexpected exchange %+v %q %+v", res.conn, res.body, res.disc)
	}
	col.none(t, 50*time.Millisecond)
	if s := c.State(); s != channel.StateActive {
		t.Fatalf("expected Active while address 0 is in flight, got %s", s)
	}

	close(gate)
	if res := col.exchange(t, 0); res.body != "held" || res.disc.Code != 0 {
		t.Errorf("address 0: unexpected exchange %+v %q %+v", res.conn, res.body, res.disc)
	}
	awaitState(t, c, channel.StateClosed)
}

func TestSlotCeiling(t *testing.T) {
	var inflight, peak atomic.Int32
	gate := make(chan struct{})
	started := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		started <- struct{}{}
		select {
		case <-gate:
		case <-r.Context().Done():
		}
		fmt.Fprint(w, "ok")
	}))
	t.Cleanup(srv.Close)
	host := strings.TrimPrefix(srv.URL, "http://")

	ctx := newContext(t)
	openChannel(t, ctx, "httpc://;name=multi;max-connections=1", nil)
	c0, col0 := openChannel(t, ctx, "httpc+http://"+host+"/a;master=multi;name=a", nil)
	c1, col1 := openChannel(t, ctx, "httpc+http://"+host+"/b;master=multi;name=b", nil)
	post(t, c0, channel.NewData(0, nil))
	post(t, c1, channel.NewData(0, nil))

	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatalf("no request reached the server")
	}
	select {
	case <-started:
		t.Fatalf("second request started while the only slot was taken")
	case <-time.After(100 * time.Millisecond):
	}
	close(gate)
	for _, col := range []*collector{col0, col1} {
		if res := col.exchange(t, 0); res.body != "ok" {
			t.Errorf("unexpected body %q", res.body)
		}
	}
	if p := peak.Load(); p != 1 {
		t.Errorf("expected at most one request in flight, saw %d", p)
	}
}

func TestSocksProxy(t *testing.T) {
	host := newEchoServer(t)
	proxy, err := socks5.New(&socks5.Config{})
	if err != nil {
		t.Fatalf("socks5: %v", err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go proxy.Serve(l)

	ctx := newContext(t)
	openChannel(t, ctx, "httpc://;name=proxied;proxy=socks5://"+l.Addr().String(), nil)
	c, col := openChannel(t, ctx, "httpc+http://"+host+"/via/proxy;master=proxied", nil)
	post(t, c, channel.NewData(0, nil))
	if res := col.exchange(t, 0); res.conn.Code != 200 || res.body != "GET /via/proxy" {
		t.Errorf("unexpected exchange through proxy %+v %q", res.conn, res.body)
	}

	// a dead proxy fails the exchange even though the target is up
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := dead.Addr().String()
	dead.Close()
	openChannel(t, ctx, "httpc://;name=dead;proxy=socks5://"+deadAddr, nil)
	c2, col2 := openChannel(t, ctx, "httpc+http://"+host+"/;master=dead", nil)
	post(t, c2, channel.NewData(0, nil))
	m := col2.next(t)
	if d, ok := m.Disconnect(); !ok || d.Code == 0 {
		t.Errorf("expected a failed Disconnect, got %s", m)
	}
}

func TestCloseCancelsInFlight(t *testing.T) {
	host := newEchoServer(t)
	ctx := newContext(t)
	group, _ := openChannel(t, ctx, "httpc://;name=multi", nil)
	c, col := openChannel(t, ctx, "httpc+http://"+host+"/;master=multi;method=POST", nil)
	post(t, c, channel.NewData(0, []byte("hang")))
	post(t, c, channel.NewData(1, []byte("hang")))

	if err := group.Close(); err != nil {
		t.Fatalf("close group: %v", err)
	}
	if s := c.State(); s != channel.StateClosed {
		t.Errorf("expected member Closed after group close, got %s", s)
	}
	if n := c.(*Request).Outstanding(); n != 0 {
		t.Errorf("expected no outstanding requests, got %d", n)
	}
	col.none(t, 50*time.Millisecond)

	if err := c.Open(nil); !errors.Is(err, channel.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState opening with a closed group, got %v", err)
	}
	if s := c.State(); s != channel.StateError {
		t.Errorf("expected Error, got %s", s)
	}
}

func TestPostAndConfigErrors(t *testing.T) {
	host := newEchoServer(t)
	ctx := newContext(t)

	data, _ := openChannel(t, ctx, "httpc+http://"+host+"/;name=data", nil)
	if err := data.Post(channel.NewControl(0, &channel.Connect{})); !errors.Is(err, channel.ErrProtocol) {
		t.Errorf("expected ErrProtocol for Connect in data mode, got %v", err)
	}

	control, _ := openChannel(t, ctx, "httpc+http://"+host+"/;name=control;transfer=control;method=POST", nil)
	if err := control.Post(channel.NewData(0, []byte("x"))); !errors.Is(err, channel.ErrProtocol) {
		t.Errorf("expected ErrProtocol for Data without Connect, got %v", err)
	}
	post(t, control, channel.NewControl(1, &channel.Connect{Size: 2}))
	if err := control.Post(channel.NewData(1, []byte("xyz"))); !errors.Is(err, channel.ErrProtocol) {
		t.Errorf("expected ErrProtocol for a body over the announced size, got %v", err)
	}
	if err := control.Post(channel.NewControl(1, &channel.Connect{})); !errors.Is(err, channel.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for Connect on a busy address, got %v", err)
	}
	if err := control.Post(channel.NewControl(2, &channel.Connect{Size: -5})); !errors.Is(err, channel.ErrProtocol) {
		t.Errorf("expected ErrProtocol for a negative size, got %v", err)
	}

	for _, url := range []string{
		"httpc+http://" + host + "/;transfer=bogus",
		"httpc+http://" + host + "/;method=FETCH",
		"httpc+http://" + host + "/;chunk-size=0",
		"httpc+http://;name=nohost",
		"httpc://;max-connections=-1",
		"httpc://;proxy=::bad",
	} {
		if _, err := ctx.Channel(url, nil, nil); !errors.Is(err, channel.ErrConfig) {
			t.Errorf("%s: expected ErrConfig, got %v", url, err)
		}
	}
	if _, err := ctx.Channel("httpc+http://"+host+"/;name=sub", data, nil); !errors.Is(err, channel.ErrConfig) {
		t.Errorf("expected ErrConfig for a non-group master, got %v", err)
	}
	if data.(*Request).group != nil {
		t.Errorf("expected a private engine without a master")
	}
}

func TestCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&net.DNSError{Err: "no such host", Name: "x"}, CodeResolve},
		{&net.DNSError{Err: "timeout", Name: "x", IsTimeout: true}, CodeTimeout},
		{context.DeadlineExceeded, CodeTimeout},
		{&net.OpError{Op: "dial", Err: errors.New("connection refused")}, CodeConnect},
		{&net.OpError{Op: "proxyconnect", Err: errors.New("connection refused")}, CodeConnect},
		{&net.OpError{Op: "write", Err: errors.New("broken pipe")}, CodeSend},
		{context.Canceled, CodeAborted},
		{io.ErrUnexpectedEOF, CodeRecv},
	}
	for _, test := range tests {
		if got := codeFor(test.err); got != test.want {
			t.Errorf("codeFor(%v) = %d, want %d", test.err, got, test.want)
		}
	}
}

func TestBodyQueue(t *testing.T) {
	q := newBodyQueue()
	done := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(q)
		done <- string(b)
	}()
	q.push([]byte("ab"))
	q.push(nil)
	q.push([]byte("cd"))
	q.finish(nil)
	q.push([]byte("ignored"))
	select {
	case got := <-done:
		if got != "abcd" {
			t.Errorf("expected abcd, got %q", got)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("reader did not finish")
	}

	q = newBodyQueue()
	q.finish(context.Canceled)
	if _, err := q.Read(make([]byte, 4)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected the finish error, got %v", err)
	}
}
