package wschannel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sammck-go/muxchan/pkg/channel"
	"github.com/sammck-go/muxchan/share"
)

const waitTimeout = 5 * time.Second

// collector records every non-state message a channel delivers
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

func (c *collector) connect(t *testing.T) (*channel.Connect, channel.Addr) {
	t.Helper()
	m := c.next(t)
	conn, ok := m.Connect()
	if !ok {
		t.Fatalf("expected Connect, got %s", m)
	}
	return conn, m.Addr
}

func (c *collector) data(t *testing.T, addr channel.Addr) string {
	t.Helper()
	m := c.next(t)
	if m.Type != channel.MsgTypeData || m.Addr != addr {
		t.Fatalf("expected Data at 0x%x, got %s", int64(addr), m)
	}
	return string(m.Data)
}

func (c *collector) disconnect(t *testing.T, addr channel.Addr) *channel.Disconnect {
	t.Helper()
	m := c.next(t)
	d, ok := m.Disconnect()
	if !ok || m.Addr != addr {
		t.Fatalf("expected Disconnect at 0x%x, got %s", int64(addr), m)
	}
	return d
}

type testServer struct {
	ctx    *channel.Context
	server channel.Channel
	host   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := channel.NewContext(share.NewDiscardLogger())
	if err := Register(ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	server, err := ctx.Channel("ws://127.0.0.1:0;mode=server;name=server", nil, nil)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	if err := server.Open(nil); err != nil {
		t.Fatalf("open server: %v", err)
	}
	port, _ := server.Info().Get("local.port")
	ts := &testServer{ctx: ctx, server: server, host: "127.0.0.1:" + port}
	t.Cleanup(func() {
		if err := server.Close(); err != nil {
			t.Errorf("close server: %v", err)
		}
	})
	return ts
}

func (ts *testServer) sub(t *testing.T, url string) (channel.Channel, *collector) {
	t.Helper()
	sub, err := ts.ctx.Channel(url, ts.server, nil)
	if err != nil {
		t.Fatalf("sub %s: %v", url, err)
	}
	col := collect(sub)
	if err := sub.Open(nil); err != nil {
		t.Fatalf("open sub %s: %v", url, err)
	}
	return sub, col
}

func httpClient(t *testing.T) *http.Client {
	tr := &http.Transport{}
	t.Cleanup(tr.CloseIdleConnections)
	return &http.Client{Transport: tr, Timeout: waitTimeout}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestHTTPNodeRequestResponse(t *testing.T) {
	ts := newTestServer(t)
	sub, col := ts.sub(t, "ws+http:///hello")
	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := httpClient(t).Post("http://"+ts.host+"/hello?x=1", "text/plain", strings.NewReader("ping"))
		done <- result{resp, err}
	}()

	conn, addr := col.connect(t)
	if conn.Method != channel.MethodPost || conn.Path != "/hello?x=1" || conn.Size != 4 {
		t.Errorf("unexpected Connect %+v", conn)
	}
	if addr < 1 {
		t.Errorf("expected server address >= 1, got %d", addr)
	}
	found := false
	for _, h := range conn.Headers {
		if h.Header == "content-type" && h.Value == "text/plain" {
			found = true
		}
	}
	if !found {
		t.Errorf("content-type header missing from %v", conn.Headers)
	}
	if got := col.data(t, addr); got != "ping" {
		t.Errorf("expected body ping, got %q", got)
	}
	if err := sub.Post(channel.NewControl(addr, &channel.Connect{Code: 201, Headers: []channel.Header{{Header: "X-Reply", Value: "yes"}}})); err != nil {
		t.Fatalf("post connect: %v", err)
	}
	if err := sub.Post(channel.NewData(addr, []byte("pong"))); err != nil {
		t.Fatalf("post data: %v", err)
	}
	r := <-done
	if r.err != nil {
		t.Fatalf("request: %v", r.err)
	}
	if r.resp.StatusCode != 201 || r.resp.Header.Get("X-Reply") != "yes" {
		t.Errorf("unexpected response %d %v", r.resp.StatusCode, r.resp.Header)
	}
	if body := readBody(t, r.resp); body != "pong" {
		t.Errorf("expected pong, got %q", body)
	}
	if d := col.disconnect(t, addr); d.Code != 0 {
		t.Errorf("expected clean Disconnect, got %+v", d)
	}
	if err := sub.Post(channel.NewData(addr, []byte("late"))); !errors.Is(err, channel.ErrNotFound) {
		t.Errorf("expected ErrNotFound posting to a finished request, got %v", err)
	}
}

func TestHTTPNodeEmptyBodyAndDisconnectReply(t *testing.T) {
	ts := newTestServer(t)
	sub, col := ts.sub(t, "ws+http:///empty")
	done := make(chan *http.Response, 1)
	go func() {
		resp, err := httpClient(t).Get("http://" + ts.host + "/empty")
		if err != nil {
			t.Errorf("get: %v", err)
		}
		done <- resp
	}()
	conn, addr := col.connect(t)
	if conn.Method != channel.MethodGet {
		t.Errorf("expected GET, got %s", conn.Method)
	}
	if got := col.data(t, addr); got != "" {
		t.Errorf("expected empty body, got %q", got)
	}
	sub.Post(channel.NewControl(addr, &channel.Disconnect{}))
	resp := <-done
	if resp == nil {
		return
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "" {
		t.Errorf("expected empty response, got %q", body)
	}
	col.disconnect(t, addr)
}

func TestUnknownPathIs404(t *testing.T) {
	ts := newTestServer(t)
	_, col := ts.sub(t, "ws+http:///known")
	resp, err := httpClient(t).Get("http://" + ts.host + "/unknown")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "Requested url not found") {
		t.Errorf("unexpected 404 body %q", body)
	}
	col.none(t, 50*time.Millisecond)
}

func TestExactRouteBeatsWildcard(t *testing.T) {
	ts := newTestServer(t)
	exact, exactCol := ts.sub(t, "ws+http:///path;name=exact")
	wild, wildCol := ts.sub(t, "ws+http:///pa*;name=wild")
	client := httpClient(t)

	get := func(path string) chan string {
		out := make(chan string, 1)
		go func() {
			resp, err := client.Get("http://" + ts.host + path)
			if err != nil {
				out <- "error: " + err.Error()
				return
			}
			out <- readBody(t, resp)
		}()
		return out
	}

	r1 := get("/path")
	_, a1 := exactCol.connect(t)
	exactCol.data(t, a1)
	exact.Post(channel.NewData(a1, []byte("exact")))
	if got := <-r1; got != "exact" {
		t.Errorf("/path routed wrong: %q", got)
	}

	r2 := get("/pathx")
	_, a2 := wildCol.connect(t)
	wildCol.data(t, a2)
	wild.Post(channel.NewData(a2, []byte("wild")))
	if got := <-r2; got != "wild" {
		t.Errorf("/pathx routed wrong: %q", got)
	}
	if a2 <= a1 {
		t.Errorf("expected increasing addresses, got %d then %d", a1, a2)
	}
}

func TestNodeURLWithoutLeadingSlash(t *testing.T) {
	ts := newTestServer(t)
	plain, plainCol := ts.sub(t, "ws+http://path;name=plain")
	root, rootCol := ts.sub(t, "ws+http://;name=root")
	client := httpClient(t)

	for _, tc := range []struct {
		path  string
		sub   channel.Channel
		col   *collector
		reply string
	}{
		{"/path", plain, plainCol, "plain"},
		{"/", root, rootCol, "root"},
	} {
		out := make(chan string, 1)
		go func(path string) {
			resp, err := client.Get("http://" + ts.host + path)
			if err != nil {
				out <- "error: " + err.Error()
				return
			}
			out <- fmt.Sprintf("%d %s", resp.StatusCode, readBody(t, resp))
		}(tc.path)
		_, addr := tc.col.connect(t)
		tc.col.data(t, addr)
		tc.sub.Post(channel.NewData(addr, []byte(tc.reply)))
		if got := <-out; got != "200 "+tc.reply {
			t.Errorf("%s: expected 200 %s, got %q", tc.path, tc.reply, got)
		}
	}
	routes := ts.server.(*Server).Routes()
	if len(routes) != 2 || routes[0] != "/" || routes[1] != "/path" {
		t.Errorf("unexpected routes %v", routes)
	}
}

func TestDuplicateRouteRejected(t *testing.T) {
	ts := newTestServer(t)
	ts.sub(t, "ws+http:///dup;name=first")
	second, err := ts.ctx.Channel("ws+ws:///dup;name=second", ts.server, nil)
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	if err := second.Open(nil); !errors.Is(err, channel.ErrRoutingConflict) {
		t.Fatalf("expected ErrRoutingConflict, got %v", err)
	}
	if second.State() != channel.StateError {
		t.Errorf("expected Error, got %s", second.State())
	}
	second.Close()
}

func TestNodeKindMismatchIs400(t *testing.T) {
	ts := newTestServer(t)
	ts.sub(t, "ws+ws:///socket")
	ts.sub(t, "ws+http:///plain")
	resp, err := httpClient(t).Get("http://" + ts.host + "/socket")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for HTTP to ws node, got %d", resp.StatusCode)
	}
	readBody(t, resp)

	_, resp, err = websocket.DefaultDialer.Dial("ws://"+ts.host+"/plain", nil)
	if err == nil {
		t.Fatalf("expected websocket handshake to http node to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for upgrade to http node, got %v", resp)
	}
}

func openClient(t *testing.T, ctx *channel.Context, url string) (channel.Channel, *collector) {
	t.Helper()
	client, err := ctx.Channel(url, nil, nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	col := collect(client)
	if err := client.Open(nil); err != nil {
		t.Fatalf("open client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, col
}

func awaitState(t *testing.T, c channel.Channel, want ...channel.State) channel.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	s, err := c.AwaitState(ctx, want...)
	if err != nil {
		t.Fatalf("await %v: %v", want, err)
	}
	return s
}

func TestWebsocketClientServerExchange(t *testing.T) {
	ts := newTestServer(t)
	sub, serverCol := ts.sub(t, "ws+ws:///ws")
	client, clientCol := openClient(t, ts.ctx, "ws://"+ts.host+"/ws;header.X-A=a")

	awaitState(t, client, channel.StateActive)
	cc, _ := clientCol.connect(t)
	if cc.Code != http.StatusSwitchingProtocols {
		t.Errorf("expected 101 in client Connect, got %d", cc.Code)
	}
	if v, ok := client.Info().Get("remote.port"); !ok || v == "" {
		t.Errorf("remote.port missing from client info")
	}

	sc, addr := serverCol.connect(t)
	found := false
	for _, h := range sc.Headers {
		if h.Header == "x-a" && h.Value == "a" {
			found = true
		}
	}
	if !found {
		t.Errorf("x-a header missing from server Connect %v", sc.Headers)
	}

	client.Post(channel.NewData(0, []byte("xxx")))
	client.Post(channel.NewData(0, []byte("yyy")))
	if got := serverCol.data(t, addr); got != "xxx" {
		t.Errorf("expected xxx, got %q", got)
	}
	if got := serverCol.data(t, addr); got != "yyy" {
		t.Errorf("expected yyy, got %q", got)
	}

	sub.Post(channel.NewData(addr, []byte("zzz")))
	if got := clientCol.data(t, 0); got != "zzz" {
		t.Errorf("expected zzz, got %q", got)
	}

	client.Close()
	if d := serverCol.disconnect(t, addr); d.Code != 0 && d.Code != websocket.CloseNormalClosure {
		t.Errorf("unexpected Disconnect %+v", d)
	}
}

func TestServerDisconnectClosesClient(t *testing.T) {
	ts := newTestServer(t)
	sub, serverCol := ts.sub(t, "ws+ws:///ws")
	client, clientCol := openClient(t, ts.ctx, "ws://"+ts.host+"/ws")
	awaitState(t, client, channel.StateActive)
	clientCol.connect(t)
	_, addr := serverCol.connect(t)

	if err := sub.Post(channel.NewControl(addr, &channel.Disconnect{})); err != nil {
		t.Fatalf("post disconnect: %v", err)
	}
	if d := clientCol.disconnect(t, 0); d.Code != 0 {
		t.Errorf("expected clean client Disconnect, got %+v", d)
	}
	awaitState(t, client, channel.StateClosed)
	serverCol.disconnect(t, addr)
}

func TestRequiredHeaderMismatch(t *testing.T) {
	ts := newTestServer(t)
	_, serverCol := ts.sub(t, "ws+ws:///ws;require.X-A=a")
	client, _ := openClient(t, ts.ctx, "ws://"+ts.host+"/ws;header.X-A=b")
	if s := awaitState(t, client, channel.StateActive, channel.StateError); s != channel.StateError {
		t.Fatalf("expected Error, got %s", s)
	}
	serverCol.none(t, 50*time.Millisecond)
}

func TestClientToUnknownPathFails(t *testing.T) {
	ts := newTestServer(t)
	client, _ := openClient(t, ts.ctx, "ws://"+ts.host+"/nowhere")
	if s := awaitState(t, client, channel.StateActive, channel.StateError); s != channel.StateError {
		t.Fatalf("expected Error, got %s", s)
	}
}

func TestMasterCloseClosesNodes(t *testing.T) {
	ts := newTestServer(t)
	sub, serverCol := ts.sub(t, "ws+ws:///ws")
	client, _ := openClient(t, ts.ctx, "ws://"+ts.host+"/ws")
	awaitState(t, client, channel.StateActive)
	_, addr := serverCol.connect(t)

	if err := ts.server.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sub.State() != channel.StateClosed {
		t.Errorf("expected sub Closed, got %s", sub.State())
	}
	serverCol.disconnect(t, addr)
	if s := awaitState(t, client, channel.StateClosed, channel.StateError); s == channel.StateActive {
		t.Errorf("client still active")
	}
	if len(ts.server.(*Server).Routes()) != 0 {
		t.Errorf("routes left after close: %v", ts.server.(*Server).Routes())
	}
}

func TestPublisherBroadcast(t *testing.T) {
	ts := newTestServer(t)
	pub, pubCol := ts.sub(t, "ws+pub:///feed;binary=no")
	c1, col1 := openClient(t, ts.ctx, "ws://"+ts.host+"/feed;binary=no")
	c2, col2 := openClient(t, ts.ctx, "ws://"+ts.host+"/feed;binary=no")
	awaitState(t, c1, channel.StateActive)
	awaitState(t, c2, channel.StateActive)
	col1.connect(t)
	col2.connect(t)
	pubCol.connect(t)
	pubCol.connect(t)

	if err := pub.Post(channel.NewData(0, []byte("tick"))); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := col1.data(t, 0); got != "tick" {
		t.Errorf("client 1 got %q", got)
	}
	if got := col2.data(t, 0); got != "tick" {
		t.Errorf("client 2 got %q", got)
	}
	big := make([]byte, 1<<20)
	if err := pub.Post(channel.NewData(0, big)); !errors.Is(err, channel.ErrConfig) {
		t.Errorf("expected oversize publish to fail, got %v", err)
	}
}

// failingSession refuses every post
type failingSession struct {
	share.ShutdownHelper
}

func newFailingSession() *failingSession {
	s := &failingSession{}
	s.InitShutdownHelper(share.NewDiscardLogger(), s)
	return s
}

func (s *failingSession) HandleOnceShutdown(completionErr error) error {
	return completionErr
}

func (s *failingSession) post(m *channel.Message) error {
	return channel.ErrQueueFull
}

func TestPublisherSkipsFailingSession(t *testing.T) {
	ts := newTestServer(t)
	pub, pubCol := ts.sub(t, "ws+pub:///feed;binary=no")
	c1, col1 := openClient(t, ts.ctx, "ws://"+ts.host+"/feed;binary=no")
	awaitState(t, c1, channel.StateActive)
	col1.connect(t)
	pubCol.connect(t)

	n := pub.(*wsNode)
	bad := channel.Addr(1 << 40)
	if err := n.addSession(bad, newFailingSession()); err != nil {
		t.Fatalf("add session: %v", err)
	}
	defer n.removeSession(bad)

	if err := pub.Post(channel.NewData(0, []byte("tick"))); err != nil {
		t.Fatalf("publish with a failing session: %v", err)
	}
	if got := col1.data(t, 0); got != "tick" {
		t.Errorf("healthy client got %q", got)
	}
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t)
	sub, col := ts.sub(t, "ws+sse:///events")
	resp, err := httpClient(t).Get("http://" + ts.host + "/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("unexpected content type %q", ct)
	}
	_, addr := col.connect(t)
	sub.Post(channel.NewData(addr, []byte("one")))
	sub.Post(channel.NewData(addr, []byte("two\nlines")))
	sub.Post(channel.NewControl(addr, &channel.Disconnect{}))

	body, err := io.ReadAll(bufio.NewReader(resp.Body))
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	want := "data: one\n\ndata: two\ndata: lines\n\n"
	if string(body) != want {
		t.Errorf("expected %q, got %q", want, body)
	}
	col.disconnect(t, addr)
}

func TestListeningChannelRejectsPost(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.server.Post(channel.NewData(1, nil)); !errors.Is(err, channel.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if _, err := ts.ctx.Channel("ws+http:///x", nil, nil); !errors.Is(err, channel.ErrConfig) {
		t.Errorf("expected ErrConfig for node without master, got %v", err)
	}
	if _, err := ts.ctx.Channel("ws://*;mode=server", nil, nil); !errors.Is(err, channel.ErrConfig) {
		t.Errorf("expected ErrConfig for missing port, got %v", err)
	}
}

func TestCompressedHTTPResponse(t *testing.T) {
	ctx := channel.NewContext(share.NewDiscardLogger())
	if err := Register(ctx); err != nil {
		t.Fatalf("register: %v", err)
	}
	server, err := ctx.Channel("ws://127.0.0.1:0;mode=server;compress=yes", nil, nil)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	if err := server.Open(nil); err != nil {
		t.Fatalf("open server: %v", err)
	}
	defer server.Close()
	port, _ := server.Info().Get("local.port")
	ts := &testServer{ctx: ctx, server: server, host: "127.0.0.1:" + port}
	sub, col := ts.sub(t, "ws+http:///big")

	payload := strings.Repeat("compressible ", 1024)
	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := httpClient(t).Get("http://" + ts.host + "/big")
		done <- result{resp, err}
	}()
	_, addr := col.connect(t)
	col.data(t, addr)
	sub.Post(channel.NewControl(addr, &channel.Connect{Headers: []channel.Header{{Header: "Content-Type", Value: "text/plain"}}}))
	sub.Post(channel.NewData(addr, []byte(payload)))

	r := <-done
	if r.err != nil {
		t.Fatalf("get: %v", r.err)
	}
	if !r.resp.Uncompressed {
		t.Errorf("expected a gzip response, got headers %v", r.resp.Header)
	}
	if body := readBody(t, r.resp); body != payload {
		t.Errorf("body mismatch, got %d bytes", len(body))
	}

	// websocket upgrades still pass through the compressing handler
	_, wcol := ts.sub(t, "ws+ws:///sock")
	dialer := websocket.Dialer{HandshakeTimeout: waitTimeout}
	ws, _, err := dialer.Dial("ws://"+ts.host+"/sock", http.Header{"Accept-Encoding": {"gzip"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if _, addr := wcol.connect(t); addr < 1 {
		t.Errorf("expected a session address, got %d", addr)
	}
}

func TestDisconnectReplyWithErrorStatus(t *testing.T) {
	ts := newTestServer(t)
	sub, col := ts.sub(t, "ws+http:///denied")
	done := make(chan *http.Response, 1)
	go func() {
		resp, err := httpClient(t).Get("http://" + ts.host + "/denied")
		if err != nil {
			t.Errorf("get: %v", err)
		}
		done <- resp
	}()
	_, addr := col.connect(t)
	col.data(t, addr)
	sub.Post(channel.NewControl(addr, &channel.Connect{Code: http.StatusForbidden}))
	sub.Post(channel.NewControl(addr, &channel.Disconnect{}))
	resp := <-done
	if resp == nil {
		return
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "Forbidden" {
		t.Errorf("expected the reason phrase, got %q", body)
	}
	col.disconnect(t, addr)
}
