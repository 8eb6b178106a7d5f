package share

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// HTTPServer extends net/http Server with a listener that is bound
// synchronously and graceful asynchronous shutdown
type HTTPServer struct {
	ShutdownHelper
	*http.Server
	listener net.Listener
}

// NewHTTPServer creates a new HTTPServer
func NewHTTPServer(logger Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	h.InitShutdownHelper(logger, h)
	return h
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	var err error
	if h.listener != nil {
		// Close stops the listener and drops idle and active plain HTTP
		// connections; hijacked websocket connections belong to their sessions.
		err = h.Server.Close()
		if err != nil {
			h.DLogf("HTTPServer: close failed, ignoring: %s", err)
		}
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Start binds addr and begins serving handler in the background. Bind errors are
// returned synchronously. The server runs until ctx is done or Shutdown is called.
func (h *HTTPServer) Start(ctx context.Context, addr string, handler http.Handler) error {
	return h.DoOnceActivate(
		func() error {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				return h.DLogErrorf("Listen on %s failed: %w", addr, err)
			}
			h.Handler = handler
			h.listener = l
			h.ShutdownOnContext(ctx)

			go func() {
				err := h.Serve(l)
				if errors.Is(err, http.ErrServerClosed) {
					err = nil
				}
				h.StartShutdown(err)
			}()

			return nil
		},
		true,
	)
}

// Addr returns the bound listener address, or nil before Start succeeds
func (h *HTTPServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Close completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Close() error {
	return h.ShutdownHelper.Close()
}
