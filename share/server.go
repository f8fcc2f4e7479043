package wbshare

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/sammck-go/wsbridge/pkg/wbchannel"
)

// ProxyServer accepts WebSocket connections at /proxy/<id> and relays each one
// to its own TCP connection to port <id> on the backend host.
type ProxyServer struct {
	ShutdownHelper
	config     *ServerConfig
	registry   *wbchannel.Registry
	connStats  ConnStats
	httpServer *HTTPServer
	upgrader   websocket.Upgrader
	handler    http.Handler
}

// NewProxyServer creates a ProxyServer. registry names the known channels;
// unless config.StrictChannels is set, ids outside it are relayed too.
func NewProxyServer(logger Logger, config *ServerConfig, registry *wbchannel.Registry) (*ProxyServer, error) {
	if config.BackendHost == "" {
		return nil, logger.Errorf("backend host must be set")
	}
	s := &ProxyServer{
		config:     config,
		registry:   registry,
		httpServer: NewHTTPServer(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.InitShutdownHelper(logger.Fork("server"), s)
	s.handler = s.buildHandler()
	return s, nil
}

func (s *ProxyServer) buildHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/proxy/{channel}", s.handleProxy)
	r.PathPrefix("/proxy").HandlerFunc(s.handleBadProxyPath)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/channels", s.handleChannels).Methods(http.MethodGet)
	h := http.Handler(r)
	if s.GetLogLevel() >= LogLevelDebug {
		h = requestlog.Wrap(h)
	}
	return h
}

// Handler returns the server's HTTP handler, for mounting on an external
// http.Server
func (s *ProxyServer) Handler() http.Handler {
	return s.handler
}

// Start binds the configured listen address and serves in the background
func (s *ProxyServer) Start(ctx context.Context) error {
	return s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)
			s.AddShutdownChild(s.httpServer)
			if err := s.httpServer.Start(ctx, s.config.Listen, s.handler); err != nil {
				return err
			}
			s.ILogf("Listening on %s, relaying to backend host %s", s.httpServer.Addr(), s.config.BackendHost)
			go func() {
				// the listener going away takes the server with it
				<-s.httpServer.ShutdownDoneChan()
				s.StartShutdown(s.httpServer.WaitShutdown())
			}()
			return nil
		},
		true,
	)
}

// Run starts the server and blocks until it has shut down
func (s *ProxyServer) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	err := s.WaitShutdown()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Addr returns the bound listener address, or nil before Start
func (s *ProxyServer) Addr() net.Addr {
	return s.httpServer.Addr()
}

// ConnStats returns the session counters
func (s *ProxyServer) ConnStats() *ConnStats {
	return &s.connStats
}

// Registry returns the channel table the server was created with
func (s *ProxyServer) Registry() *wbchannel.Registry {
	return s.registry
}

// HandleOnceShutdown stops the listener. Live sessions are shutdown children
// and are torn down after this returns.
func (s *ProxyServer) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	s.httpServer.StartShutdown(completionErr)
	return completionErr
}
