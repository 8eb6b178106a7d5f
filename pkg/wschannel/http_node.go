package wschannel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sammck-go/muxchan/pkg/channel"
	"github.com/sammck-go/muxchan/share"
)

// Disconnect code reported when the HTTP peer goes away before the response is
// complete (curl's "aborted by callback").
const codeAborted = 42

// httpSession is one in-flight HTTP request of an http or sse node. Replies
// posted by the sub are handed to the serving goroutine through a channel.
type httpSession struct {
	share.ShutdownHelper
	addr    channel.Addr
	replies chan *channel.Message
}

func newHTTPSession(logger share.Logger, addr channel.Addr) *httpSession {
	s := &httpSession{addr: addr, replies: make(chan *channel.Message, 16)}
	s.InitShutdownHelper(logger.Fork("addr 0x%x", int64(addr)), s)
	return s
}

func (s *httpSession) String() string {
	return s.Prefix()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. The
// serving goroutine watches ShutdownStartedChan and finishes the response.
func (s *httpSession) HandleOnceShutdown(completionErr error) error {
	return completionErr
}

func (s *httpSession) post(m *channel.Message) error {
	select {
	case s.replies <- m:
		return nil
	case <-s.ShutdownStartedChan():
		return s.Errorf("session finished: %w", channel.ErrNotFound)
	}
}

// httpNode is a plain HTTP endpoint sub, ws+http://path. Each request gets its
// own address and is delivered as a Connect (method, path, size, headers)
// followed by the request body as Data; an empty body is delivered as one empty
// Data message. The sub answers on the same address: an optional Connect
// chooses the status code and response headers, then a Data message is sent as
// the response body, or a Disconnect ends the response without a body. Every
// request ends with exactly one Disconnect delivered to the sub.
//
// ws+sse://path is the server-sent-events variant: the response is an event
// stream, each posted Data is written as one event, and the stream stays open
// until the sub posts a Disconnect or the client goes away.
type httpNode struct {
	nodeBase
	events bool
	chunk  int64
}

func newHTTPNode(events bool) channel.Factory {
	return func(ctx *channel.Context, cfg *channel.Config, master channel.Channel) (channel.Channel, error) {
		n := &httpNode{events: events}
		if err := n.parse(cfg); err != nil {
			return nil, ctx.Logger().Errorf("%s: %w", cfg.Name, err)
		}
		if err := n.initNode(ctx, cfg, master, n, n); err != nil {
			return nil, err
		}
		return n, nil
	}
}

func (n *httpNode) parse(cfg *channel.Config) error {
	var err error
	n.chunk, err = cfg.Props.GetSize("chunk-size", 64*1024)
	if err == nil && n.chunk <= 0 {
		err = channel.Configf("chunk-size must be positive")
	}
	return err
}

func (n *httpNode) websocketNode() bool {
	return false
}

// OnOpen registers the path with the master
func (n *httpNode) OnOpen(cfg *channel.Config) error {
	if err := n.parse(cfg); err != nil {
		return err
	}
	return n.openNode(cfg, n)
}

// OnClose ends every in-flight request
func (n *httpNode) OnClose() error {
	return n.closeNode(n)
}

// OnPost hands a reply to the request with the message's address
func (n *httpNode) OnPost(m *channel.Message) error {
	return n.postToSession(m)
}

func (n *httpNode) serve(w http.ResponseWriter, r *http.Request) {
	if !n.checkRequired(w, r) {
		return
	}
	addr := n.server.allocAddr()
	s := newHTTPSession(n.Logger(), addr)
	s.ShutdownWG().Add(1)
	defer s.ShutdownWG().Done()
	if err := n.addSession(addr, s); err != nil {
		s.StartShutdown(err)
		http.Error(w, "Service closing", http.StatusServiceUnavailable)
		return
	}

	n.Deliver(channel.NewControl(addr, connectFor(r)))
	var disc *channel.Disconnect
	if n.events {
		disc = n.streamEvents(s, w, r)
	} else {
		disc = n.exchange(s, w, r)
	}
	n.removeSession(addr)
	s.StartShutdown(nil)
	n.Deliver(channel.NewControl(addr, disc))
}

// deliverBody delivers the request body in chunk-sized Data messages
func (n *httpNode) deliverBody(addr channel.Addr, r *http.Request) error {
	buf := make([]byte, n.chunk)
	sent := false
	for {
		k, err := io.ReadFull(r.Body, buf)
		if k > 0 {
			n.Deliver(channel.NewData(addr, bytes.Clone(buf[:k])))
			sent = true
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	if !sent {
		n.Deliver(channel.NewData(addr, []byte{}))
	}
	return nil
}

// exchange delivers the request body, then waits for the sub's reply
func (n *httpNode) exchange(s *httpSession, w http.ResponseWriter, r *http.Request) *channel.Disconnect {
	if err := n.deliverBody(s.addr, r); err != nil {
		return &channel.Disconnect{Code: codeAborted, Error: fmt.Sprintf("read request body: %s", err)}
	}
	code := http.StatusOK
	for {
		select {
		case m := <-s.replies:
			if c, ok := m.Connect(); ok {
				if c.Code != 0 {
					code = c.Code
				}
				channel.ApplyHeaders(w.Header(), c.Headers)
				continue
			}
			if _, ok := m.Disconnect(); ok {
				writeEmpty(w, code)
				return &channel.Disconnect{}
			}
			if m.Type == channel.MsgTypeData {
				w.WriteHeader(code)
				if _, err := w.Write(m.Data); err != nil {
					return &channel.Disconnect{Code: codeAborted, Error: err.Error()}
				}
				return &channel.Disconnect{}
			}
		case <-r.Context().Done():
			return &channel.Disconnect{Code: codeAborted, Error: "client disconnected"}
		case <-s.ShutdownStartedChan():
			http.Error(w, "Service closing", http.StatusServiceUnavailable)
			return &channel.Disconnect{Code: http.StatusServiceUnavailable, Error: "node closed"}
		}
	}
}

// writeEmpty answers a request the sub ended without a body. Error statuses
// get their reason phrase as the body.
func writeEmpty(w http.ResponseWriter, code int) {
	if code < http.StatusBadRequest {
		w.WriteHeader(code)
		return
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(code)
	io.WriteString(w, http.StatusText(code))
}

// streamEvents serves a text/event-stream response until Disconnect
func (n *httpNode) streamEvents(s *httpSession, w http.ResponseWriter, r *http.Request) *channel.Disconnect {
	flusher, _ := w.(http.Flusher)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}
	for {
		select {
		case m := <-s.replies:
			if _, ok := m.Disconnect(); ok {
				return &channel.Disconnect{}
			}
			if m.Type != channel.MsgTypeData {
				continue
			}
			if _, err := w.Write(formatEvent(m.Data)); err != nil {
				return &channel.Disconnect{Code: codeAborted, Error: err.Error()}
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return &channel.Disconnect{Code: codeAborted, Error: "client disconnected"}
		case <-s.ShutdownStartedChan():
			return &channel.Disconnect{}
		}
	}
}

// formatEvent renders data as one server-sent event; each line of the payload
// becomes a "data:" field.
func formatEvent(data []byte) []byte {
	var b bytes.Buffer
	for _, line := range bytes.Split(data, []byte("\n")) {
		b.WriteString("data: ")
		b.Write(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}

func (n *httpNode) String() string {
	return fmt.Sprintf("%s://%s", n.Proto(), n.pattern)
}
