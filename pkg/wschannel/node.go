package wschannel

import (
	"net/http"
	"strings"
	"sync"

	"github.com/sammck-go/muxchan/pkg/channel"
	"github.com/sammck-go/muxchan/pkg/metrics"
	"github.com/sammck-go/muxchan/pkg/router"
	"github.com/sammck-go/muxchan/share"
)

// session is one accepted connection or request of a node
type session interface {
	share.AsyncShutdowner

	// post handles a message posted by the sub for this session's address
	post(m *channel.Message) error
}

// nodeBase holds what every Server sub shares: its path pattern, its session
// table and the session group of the current open cycle.
type nodeBase struct {
	channel.Base
	server  *Server
	pattern string

	lock     sync.Mutex
	sessions map[channel.Addr]session
	group    *group
	required []channel.Header
	stats    share.ConnStats
}

func (n *nodeBase) initNode(ctx *channel.Context, cfg *channel.Config, master channel.Channel, self node, impl channel.Impl) error {
	server, ok := master.(*Server)
	if !ok {
		return ctx.Logger().Errorf("%s: %s requires a listening ws:// master: %w", cfg.Name, cfg.Proto, channel.ErrConfig)
	}
	pattern := nodePattern(cfg.Host)
	if err := router.ValidatePattern(pattern); err != nil {
		return ctx.Logger().Errorf("%s: %w", cfg.Name, err)
	}
	n.server = server
	n.pattern = pattern
	n.sessions = make(map[channel.Addr]session)
	n.InitBase(ctx, cfg, master, self, impl)
	return nil
}

// nodePattern turns the host part of a node url into a routing pattern:
// "path" and "/path" both route "/path", and an empty host routes "/".
func nodePattern(host string) string {
	if !strings.HasPrefix(host, "/") {
		host = "/" + host
	}
	return host
}

// openNode registers the node with its master for this open cycle
func (n *nodeBase) openNode(cfg *channel.Config, self node) error {
	sub := cfg.Props.Sub("require")
	var required []channel.Header
	for _, k := range sub.Keys() {
		required = append(required, channel.Header{Header: k, Value: sub[k]})
	}
	n.lock.Lock()
	n.required = required
	n.group = newGroup(n.Logger().Fork("sessions"))
	n.lock.Unlock()
	if err := n.server.routes.Register(n.pattern, self); err != nil {
		return err
	}
	n.Logger().DLogf("routing %q", n.pattern)
	return nil
}

// closeNode unregisters the node and closes every session, waiting for them to
// finish delivering their Disconnect messages.
func (n *nodeBase) closeNode(self node) error {
	n.server.routes.Unregister(n.pattern, self)
	n.lock.Lock()
	g := n.group
	n.group = nil
	n.lock.Unlock()
	if g == nil {
		return nil
	}
	g.Shutdown(nil)
	n.Logger().DLogf("closed %s sessions", n.stats.String())
	return nil
}

// addSession makes s reachable by address and ties its life to the node
func (n *nodeBase) addSession(addr channel.Addr, s session) error {
	n.lock.Lock()
	g := n.group
	n.lock.Unlock()
	if g == nil {
		return n.Logger().Errorf("node is closed: %w", channel.ErrInvalidState)
	}
	if err := g.add(s); err != nil {
		return err
	}
	n.lock.Lock()
	n.sessions[addr] = s
	n.lock.Unlock()
	n.stats.New()
	n.stats.Open()
	metrics.ActiveSessions.WithLabelValues(n.Proto()).Inc()
	return nil
}

func (n *nodeBase) removeSession(addr channel.Addr) {
	n.lock.Lock()
	_, ok := n.sessions[addr]
	delete(n.sessions, addr)
	n.lock.Unlock()
	if ok {
		n.stats.Close()
		metrics.ActiveSessions.WithLabelValues(n.Proto()).Dec()
	}
}

func (n *nodeBase) session(addr channel.Addr) (session, error) {
	n.lock.Lock()
	defer n.lock.Unlock()
	s, ok := n.sessions[addr]
	if !ok {
		return nil, n.Logger().Errorf("session 0x%x not found: %w", int64(addr), channel.ErrNotFound)
	}
	return s, nil
}

func (n *nodeBase) eachSession(f func(addr channel.Addr, s session)) {
	n.lock.Lock()
	snapshot := make(map[channel.Addr]session, len(n.sessions))
	for a, s := range n.sessions {
		snapshot[a] = s
	}
	n.lock.Unlock()
	for a, s := range snapshot {
		f(a, s)
	}
}

// postToSession routes a posted message to the session for its address
func (n *nodeBase) postToSession(m *channel.Message) error {
	s, err := n.session(m.Addr)
	if err != nil {
		return err
	}
	return s.post(m)
}

// checkRequired rejects a request whose headers do not match every require.<Name>
// option with a 400 response.
func (n *nodeBase) checkRequired(w http.ResponseWriter, r *http.Request) bool {
	n.lock.Lock()
	required := n.required
	n.lock.Unlock()
	for _, h := range required {
		if got := r.Header.Get(h.Header); got != h.Value {
			n.Logger().DLogf("header %s mismatch: %q != %q", h.Header, got, h.Value)
			http.Error(w, "Header "+h.Header+" mismatch", http.StatusBadRequest)
			return false
		}
	}
	return true
}

// connectFor builds the Connect record delivered when a request is accepted
func connectFor(r *http.Request) *channel.Connect {
	method, err := channel.ParseMethod(r.Method)
	if err != nil {
		method = channel.MethodUndefined
	}
	return &channel.Connect{
		Method:  method,
		Path:    r.URL.RequestURI(),
		Size:    r.ContentLength,
		Headers: channel.NormalizeHeaders(r.Header),
	}
}
