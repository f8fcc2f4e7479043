package wbshare

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sammck-go/wsbridge/pkg/wbchannel"
)

// ConnectionState is the client-side state of one channel
type ConnectionState int

const (
	// StateIdle means the channel has never been connected
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (x ConnectionState) String() string {
	switch x {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// StateChange reports one channel state transition
type StateChange struct {
	Channel wbchannel.Channel
	State   ConnectionState

	// Err is the reason for a transition to StateClosed, if there was one
	Err error

	// Attempt counts connect attempts since the channel was last open
	Attempt int
}

// channelLink owns the WebSocket for one channel and reconnects it forever.
// Only its own goroutine changes state or replaces conn; senders hold lock
// while writing.
type channelLink struct {
	Logger
	m       *Multiplexer
	channel wbchannel.Channel
	url     string

	lock  sync.Mutex
	state ConnectionState
	conn  *websocket.Conn
}

func newChannelLink(m *Multiplexer, channel wbchannel.Channel) *channelLink {
	return &channelLink{
		Logger:  m.Fork("%s", channel),
		m:       m,
		channel: channel,
		url:     m.serverURL + channel.ProxyPath(),
	}
}

func (l *channelLink) getState() ConnectionState {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.state
}

// setState records a transition and posts it for dispatch. conn replaces the
// current connection when the new state is open and is cleared otherwise.
func (l *channelLink) setState(ctx context.Context, state ConnectionState, conn *websocket.Conn, attempt int, reason error) {
	l.lock.Lock()
	old := l.conn
	l.state = state
	l.conn = nil
	if state == StateOpen {
		l.conn = conn
	}
	cur := l.conn
	l.lock.Unlock()
	if old != nil && old != cur {
		old.Close()
	}
	l.DLogf("%s (attempt %d)", state, attempt)
	l.m.post(ctx, event{
		stateChange: &StateChange{Channel: l.channel, State: state, Err: reason, Attempt: attempt},
	})
}

// send writes text as one message if the channel is open
func (l *channelLink) send(text string) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.state != StateOpen || l.conn == nil {
		return ErrChannelNotOpen
	}
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := l.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return l.Errorf("send failed: %s", err)
	}
	return nil
}

// run connects, reads until the connection drops, waits the reconnect delay
// and starts over, until ctx is done
func (l *channelLink) run(ctx context.Context) {
	defer l.m.linkWG.Done()
	config := l.m.config
	b := &backoff.Backoff{Min: config.ReconnectDelay, Max: config.ReconnectDelay}
	for {
		attempt := int(b.Attempt()) + 1
		l.setState(ctx, StateConnecting, nil, attempt, nil)
		conn, err := l.dial(ctx)
		if err == nil {
			b.Reset()
			l.setState(ctx, StateOpen, conn, attempt, nil)
			err = l.readLoop(ctx, conn)
		}
		if ctx.Err() != nil {
			l.setState(ctx, StateClosed, nil, attempt, ctx.Err())
			return
		}
		l.setState(ctx, StateClosed, nil, attempt, err)

		d := b.Duration()
		if config.ReconnectJitter > 0 {
			d += time.Duration(rand.Int63n(int64(config.ReconnectJitter) + 1))
		}
		l.DLogf("Connection error: %s; retrying in %s", err, d)
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (l *channelLink) dial(ctx context.Context) (*websocket.Conn, error) {
	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: l.m.config.HandshakeTimeout,
	}
	l.TLogf("Dialing %s", l.url)
	conn, _, err := d.DialContext(ctx, l.url, nil)
	if err != nil {
		return nil, l.Errorf("dial %s failed: %s", l.url, err)
	}
	return conn, nil
}

// readLoop hands every received message to the dispatcher until the
// connection fails or ctx is done
func (l *channelLink) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	for {
		_, p, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		l.TLogf("received %d bytes", len(p))
		l.m.post(ctx, event{channel: l.channel, payload: string(p)})
	}
}
