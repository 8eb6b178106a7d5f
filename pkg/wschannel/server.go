package wschannel

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sammck-go/muxchan/pkg/channel"
	"github.com/sammck-go/muxchan/pkg/metrics"
	"github.com/sammck-go/muxchan/pkg/router"
	"github.com/sammck-go/muxchan/share"
)

// node is a sub of a Server that accepts requests for its path pattern.
type node interface {
	channel.Channel

	// websocketNode reports whether the node accepts websocket upgrades (true)
	// or plain HTTP requests (false)
	websocketNode() bool

	// serve handles one routed request. It blocks for the life of the session.
	serve(w http.ResponseWriter, r *http.Request)
}

// Server is a listening websocket/HTTP master channel:
//
//	ws://*:8080
//	ws://127.0.0.1:0;mode=server
//
// Requests are dispatched by URL path to the ws+ws, ws+http, ws+pub and ws+sse
// subs registered with it. Unmatched paths get a 404 response.
type Server struct {
	channel.Base
	routes   *router.Table
	nextAddr int64

	lock       sync.Mutex
	httpServer *share.HTTPServer
	cancel     context.CancelFunc
}

func newServer(ctx *channel.Context, cfg *channel.Config, master channel.Channel) (channel.Channel, error) {
	if master != nil {
		return nil, ctx.Logger().Errorf("%s: listening channel can not have a master: %w", cfg.Name, channel.ErrConfig)
	}
	if _, err := listenAddr(cfg.Host); err != nil {
		return nil, err
	}
	s := &Server{}
	s.InitBase(ctx, cfg, nil, s, s)
	s.routes = router.New(s.Logger())
	return s, nil
}

// listenAddr converts "*:port" or "host:port" into a net.Listen address
func listenAddr(host string) (string, error) {
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	sep := strings.LastIndexByte(host, ':')
	if sep < 0 {
		return "", channel.Configf("invalid host:port pair %q", host)
	}
	if host[:sep] == "*" {
		return host[sep:], nil
	}
	return host, nil
}

// allocAddr returns the next session address. Addresses start at 1 and are never
// reused within the life of the Server.
func (s *Server) allocAddr() channel.Addr {
	return channel.Addr(atomic.AddInt64(&s.nextAddr, 1))
}

// OnOpen binds the listener and starts serving
func (s *Server) OnOpen(cfg *channel.Config) error {
	addr, err := listenAddr(cfg.Host)
	if err != nil {
		return err
	}
	withMetrics, err := cfg.Props.GetBool("metrics", false)
	if err != nil {
		return err
	}

	compress, err := cfg.Props.GetBool("compress", false)
	if err != nil {
		return err
	}

	var h http.Handler = http.HandlerFunc(s.handle)
	if compress {
		h = gzipPlain(h)
	}
	if withMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/", h)
		h = mux
	}
	if cfg.Dump != channel.DumpNo || s.Logger().GetLogLevel() >= share.LogLevelDebug {
		h = requestlog.Wrap(h)
	}

	ctx, cancel := context.WithCancel(context.Background())
	httpServer := share.NewHTTPServer(s.Logger().Fork("http"))
	if err := httpServer.Start(ctx, addr, h); err != nil {
		cancel()
		return channel.Transportf("listen on %s: %s", addr, err)
	}
	s.lock.Lock()
	s.httpServer = httpServer
	s.cancel = cancel
	s.lock.Unlock()

	publishAddr(s.SetInfo, "local", httpServer.Addr())
	s.Logger().ILogf("Listening on %s", httpServer.Addr())
	return nil
}

// OnClose stops the listener. Subs have already been closed.
func (s *Server) OnClose() error {
	s.lock.Lock()
	httpServer := s.httpServer
	cancel := s.cancel
	s.httpServer = nil
	s.cancel = nil
	s.lock.Unlock()
	if httpServer == nil {
		return nil
	}
	err := httpServer.Close()
	cancel()
	return err
}

// OnPost is not supported on the listening channel; replies are posted on the sub
// that received the request.
func (s *Server) OnPost(m *channel.Message) error {
	return s.Logger().Errorf("post to listening channel, use the sub channel: %w", channel.ErrInvalidState)
}

// Routes returns the registered path patterns
func (s *Server) Routes() []string {
	return s.routes.Patterns()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	m, ok := s.routes.Lookup(path)
	if !ok {
		s.Logger().DLogf("Requested url not found: %q", path)
		metrics.RoutingMissesTotal.Inc()
		http.Error(w, "Requested url not found", http.StatusNotFound)
		return
	}
	n := m.Handler.(node)
	upgrade := websocket.IsWebSocketUpgrade(r)
	switch {
	case upgrade && !n.websocketNode():
		s.Logger().DLogf("WS request to HTTP endpoint %q", path)
		http.Error(w, "HTTP node", http.StatusBadRequest)
		return
	case !upgrade && n.websocketNode():
		s.Logger().DLogf("HTTP request to WS endpoint %q", path)
		http.Error(w, "WebSocket node", http.StatusBadRequest)
		return
	}
	n.serve(w, r)
}

// gzipPlain compresses plain HTTP responses for clients that accept gzip.
// Websocket upgrades bypass it since the hijacked connection can not be
// wrapped.
func gzipPlain(h http.Handler) http.Handler {
	gz := gzhttp.GzipHandler(h)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			h.ServeHTTP(w, r)
			return
		}
		gz.ServeHTTP(w, r)
	})
}
