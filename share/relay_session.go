package wbshare

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"
	"golang.org/x/sync/errgroup"
)

// Time allowed to write one message or control frame to the browser side
const writeWait = 10 * time.Second

var utf8Replacement = []byte("\uFFFD")

var (
	errBackendClosed = errors.New("backend closed")
	errInboundClosed = errors.New("inbound closed")
)

// RelaySession relays between one inbound WebSocket connection and the one
// backend connection dialed for it. Backend chunks become text messages
// verbatim; inbound messages are written to the backend with a trailing
// newline. When either side ends, both are torn down.
type RelaySession struct {
	ShutdownHelper
	id         string
	channelID  int
	ws         *websocket.Conn
	backend    *BackendConn
	readBuffer int
	maxMessage int64
	pingPeriod time.Duration
	connStats  *ConnStats

	messagesIn  int64
	messagesOut int64
}

// NewRelaySession creates a session that owns ws and backend. Neither may be
// used by anything else afterwards.
func NewRelaySession(
	logger Logger,
	connStats *ConnStats,
	channelID int,
	ws *websocket.Conn,
	backend *BackendConn,
	config *ServerConfig,
) *RelaySession {
	s := &RelaySession{
		id:         uuid.NewString(),
		channelID:  channelID,
		ws:         ws,
		backend:    backend,
		readBuffer: config.ReadBuffer,
		maxMessage: config.MaxMessageSize,
		pingPeriod: config.PingPeriod,
		connStats:  connStats,
	}
	if s.readBuffer < 1 {
		s.readBuffer = DefaultReadBuffer
	}
	if s.maxMessage < 1 {
		s.maxMessage = DefaultMaxMessageSize
	}
	s.InitShutdownHelper(logger.Fork("session %s [%d]", s.id[:8], channelID), s)
	s.AddShutdownChild(backend)
	return s
}

// ID returns the session's unique id
func (s *RelaySession) ID() string {
	return s.id
}

// ChannelID returns the channel (backend port) this session relays
func (s *RelaySession) ChannelID() int {
	return s.channelID
}

// Run relays until either side closes, ctx is done or the session is shut
// down, then tears down both connections. A session ended by a normal close
// of either side returns nil.
func (s *RelaySession) Run(ctx context.Context) error {
	var g *errgroup.Group
	var gctx context.Context
	err := s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)
			s.connStats.Begin()
			s.DLogf("%s: Open (backend %s, client %s)", s.connStats, s.backend.RemoteAddr(), s.ws.RemoteAddr())
			g, gctx = errgroup.WithContext(ctx)
			g.Go(s.backendToInbound)
			g.Go(s.inboundToBackend)
			if s.pingPeriod > 0 {
				g.Go(func() error { return s.pingLoop(gctx) })
			}
			return nil
		},
		true,
	)
	if err != nil {
		s.backend.Close()
		s.ws.Close()
		return err
	}

	g.Wait()
	err = s.WaitShutdown()
	s.connStats.End()
	s.DLogf("%s: Close (sent %s received %s, %d messages in, %d out)",
		s.connStats,
		sizestr.ToString(s.backend.NumBytesWritten()),
		sizestr.ToString(s.backend.NumBytesRead()),
		atomic.LoadInt64(&s.messagesIn),
		atomic.LoadInt64(&s.messagesOut),
	)
	if errors.Is(err, errBackendClosed) || errors.Is(err, errInboundClosed) {
		err = nil
	}
	return err
}

// HandleOnceShutdown sends a close frame to the browser side when it is still
// there and closes the WebSocket. The backend, a shutdown child, is aborted
// once this returns.
func (s *RelaySession) HandleOnceShutdown(completionErr error) error {
	if !errors.Is(completionErr, errInboundClosed) {
		code, text := websocket.CloseNormalClosure, "backend closed"
		if !errors.Is(completionErr, errBackendClosed) {
			code, text = websocket.CloseGoingAway, "relay shutting down"
		}
		msg := websocket.FormatCloseMessage(code, text)
		if err := s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			s.DLogf("Unable to send close frame, ignoring: %s", err)
		}
	}
	if err := s.ws.Close(); err != nil {
		s.DLogf("WebSocket close failed, ignoring: %s", err)
	}
	return completionErr
}

// backendToInbound forwards each chunk read from the backend as one text
// message, with no reframing. Bytes that are not valid UTF-8 in the chunk,
// including a character split across two reads, become U+FFFD.
func (s *RelaySession) backendToInbound() error {
	buf := make([]byte, s.readBuffer)
	for {
		n, err := s.backend.Read(buf)
		if n > 0 {
			s.TLogf("backend -> client: %d bytes", n)
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			text := bytes.ToValidUTF8(buf[:n], utf8Replacement)
			if werr := s.ws.WriteMessage(websocket.TextMessage, text); werr != nil {
				werr = s.DLogErrorf("write to client failed: %s", werr)
				s.StartShutdown(werr)
				return werr
			}
			atomic.AddInt64(&s.messagesOut, 1)
		}
		if err != nil {
			if err == io.EOF {
				s.DLogf("Backend closed the connection")
				err = errBackendClosed
			} else {
				err = s.DLogErrorf("read from backend failed: %s", err)
			}
			s.StartShutdown(err)
			return err
		}
	}
}

// inboundToBackend writes each inbound message to the backend followed by a
// newline
func (s *RelaySession) inboundToBackend() error {
	s.ws.SetReadLimit(s.maxMessage)
	if s.pingPeriod > 0 {
		pongWait := s.pongWait()
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		s.ws.SetPongHandler(func(string) error {
			return s.ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	for {
		_, p, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.DLogf("Client closed the connection")
				err = errInboundClosed
			} else {
				s.DLogf("read from client failed: %s", err)
				err = errors.Join(errInboundClosed, err)
			}
			s.StartShutdown(err)
			return err
		}
		atomic.AddInt64(&s.messagesIn, 1)
		s.TLogf("client -> backend: %d bytes", len(p))
		line := make([]byte, 0, len(p)+1)
		line = append(line, p...)
		line = append(line, '\n')
		if _, err := s.backend.Write(line); err != nil {
			err = s.DLogErrorf("write to backend failed: %s", err)
			s.StartShutdown(err)
			return err
		}
	}
}

func (s *RelaySession) pongWait() time.Duration {
	return s.pingPeriod * 10 / 9
}

// pingLoop keeps the browser side alive and lets a vanished peer time out
// the read side
func (s *RelaySession) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				err = s.DLogErrorf("ping failed: %s", err)
				s.StartShutdown(err)
				return err
			}
		case <-s.ShutdownStartedChan():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
