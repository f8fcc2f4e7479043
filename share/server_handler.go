package wbshare

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sammck-go/wsbridge/pkg/wbchannel"
)

// handleProxy upgrades a /proxy/<id> request and relays it to the backend
// until either side closes. It does not return until the session is over.
func (s *ProxyServer) handleProxy(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		s.DLogf("Failed to upgrade to websocket: %s", err)
		return
	}

	idStr := mux.Vars(r)["channel"]
	channelID, err := wbchannel.ParseID(idStr)
	if err != nil {
		s.DLogf("Rejecting %s: %s", r.URL.Path, err)
		s.rejectInbound(wsConn, websocket.CloseProtocolError, "invalid channel id")
		return
	}
	channelName := "?"
	if c, err := s.registry.ByID(channelID); err == nil {
		channelName = c.Name
	} else if s.config.StrictChannels {
		s.DLogf("Rejecting %s: %s", r.URL.Path, err)
		s.rejectInbound(wsConn, websocket.CloseProtocolError, "unknown channel")
		return
	}

	if s.IsStartedShutdown() {
		s.rejectInbound(wsConn, websocket.CloseGoingAway, "server shutting down")
		return
	}

	logger := s.Fork("%s(%d)", channelName, channelID)
	ctx := r.Context()
	backend, err := DialBackend(ctx, logger, s.config.BackendHost, channelID, s.config.DialTimeout)
	if err != nil {
		logger.ILogf("Backend unavailable: %s", err)
		s.rejectInbound(wsConn, websocket.CloseTryAgainLater, "backend unavailable")
		return
	}

	session := NewRelaySession(logger, &s.connStats, channelID, wsConn, backend, s.config)
	s.connStats.Accept()
	s.AddShutdownChild(session)
	if err := session.Run(ctx); err != nil {
		logger.DLogf("Session ended: %s", err)
	}
}

// handleBadProxyPath rejects /proxy paths that do not carry exactly one
// channel id segment
func (s *ProxyServer) handleBadProxyPath(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.DLogf("Failed to upgrade to websocket: %s", err)
		return
	}
	s.DLogf("Rejecting malformed proxy path %s", r.URL.Path)
	s.rejectInbound(wsConn, websocket.CloseProtocolError, "expected /proxy/<channel id>")
}

// rejectInbound closes a connection that never got a session
func (s *ProxyServer) rejectInbound(wsConn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := wsConn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		s.DLogf("Unable to send close frame, ignoring: %s", err)
	}
	wsConn.Close()
}

func (s *ProxyServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK\n"))
}

func (s *ProxyServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(BuildVersion))
}

func (s *ProxyServer) handleChannels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.registry.List()); err != nil {
		s.DLogf("Failed to write channel list: %s", err)
	}
}
