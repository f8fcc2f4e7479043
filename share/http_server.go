package wbshare

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// HTTPServer is a net/http server whose lifetime is managed by a ShutdownHelper.
// Hijacked (upgraded) connections are not tracked here; their owners shut
// them down.
type HTTPServer struct {
	ShutdownHelper
	server   *http.Server
	listener net.Listener
}

// NewHTTPServer creates a new HTTPServer
func NewHTTPServer(logger Logger) *HTTPServer {
	h := &HTTPServer{
		server: &http.Server{ReadHeaderTimeout: 30 * time.Second},
	}
	h.InitShutdownHelper(logger.Fork("http"), h)
	return h
}

// HandleOnceShutdown closes the listener and every idle or active
// non-hijacked connection.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	var err error
	if h.listener != nil {
		err = h.server.Close()
		if err != nil {
			h.DLogf("close failed, ignoring: %s", err)
		}
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Start binds addr and begins serving handler in the background. It returns
// once the listener is bound. The server stops when ctx is done or the
// server is shut down.
func (h *HTTPServer) Start(ctx context.Context, addr string, handler http.Handler) error {
	return h.DoOnceActivate(
		func() error {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				return h.DLogErrorf("listen on %s failed: %s", addr, err)
			}
			h.listener = l
			h.server.Handler = handler
			h.ShutdownOnContext(ctx)
			go func() {
				err := h.server.Serve(l)
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

// ListenAndServe runs the server on addr until ctx is done or the server is
// shut down, and returns the final completion status.
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	if err := h.Start(ctx, addr, handler); err != nil {
		return err
	}
	return h.WaitShutdown()
}

// Addr returns the bound listener address, or nil before Start
func (h *HTTPServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}
