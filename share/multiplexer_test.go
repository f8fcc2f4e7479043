package wbshare

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sammck-go/wsbridge/pkg/wbchannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClientConfig(ts *httptest.Server, delay time.Duration) *ClientConfig {
	c := DefaultClientConfig()
	c.ServerURL = "ws" + strings.TrimPrefix(ts.URL, "http")
	c.ReconnectDelay = delay
	c.HandshakeTimeout = 5 * time.Second
	return &c
}

func newTestMultiplexer(t *testing.T, config *ClientConfig, registry *wbchannel.Registry) *Multiplexer {
	t.Helper()
	m, err := NewMultiplexer(testLogger(), config, registry)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() {
		cancel()
		m.Close()
	})
	return m
}

// stateRecorder collects state changes for one channel
type stateRecorder struct {
	ch chan StateChange
}

func recordStates(m *Multiplexer, id int) *stateRecorder {
	r := &stateRecorder{ch: make(chan StateChange, 1024)}
	m.OnStateChange(func(sc StateChange) {
		if sc.Channel.ID == id {
			select {
			case r.ch <- sc:
			default:
			}
		}
	})
	return r
}

func (r *stateRecorder) waitFor(t *testing.T, state ConnectionState) StateChange {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case sc := <-r.ch:
			if sc.State == state {
				return sc
			}
		case <-deadline:
			t.Fatalf("channel never reached state %s", state)
			return StateChange{}
		}
	}
}

func TestSubscriberReceivesBackendPayloadOnce(t *testing.T) {
	tasks := startBackend(t, nil)
	emotions := startBackend(t, nil)
	registry := wbchannel.MustNewRegistry([]wbchannel.Channel{
		{ID: tasks.port, Name: "tasks"},
		{ID: emotions.port, Name: "emotions"},
	})
	_, ts := newTestServer(t, testServerConfig(), registry)
	m := newTestMultiplexer(t, testClientConfig(ts, 3*time.Second), registry)

	raw := make(chan string, 10)
	_, err := m.Listen(tasks.port, func(p string) { raw <- p })
	require.NoError(t, err)

	var lock sync.Mutex
	var calls []string
	got := make(chan string, 10)
	_, err = m.Subscribe("tasks", func(p string) {
		lock.Lock()
		calls = append(calls, "first")
		lock.Unlock()
		got <- p
	})
	require.NoError(t, err)
	_, err = m.Subscribe("tasks", func(p string) {
		lock.Lock()
		calls = append(calls, "second")
		lock.Unlock()
	})
	require.NoError(t, err)
	_, err = m.Subscribe("emotions", func(p string) {
		t.Errorf("emotions subscriber called with %q", p)
	})
	require.NoError(t, err)

	_, err = tasks.accept(t).Write([]byte(tasksJSON))
	require.NoError(t, err)

	select {
	case p := <-got:
		assert.Equal(t, tasksJSON, p)
	case <-time.After(5 * time.Second):
		t.Fatal("no payload delivered")
	}
	select {
	case p := <-raw:
		assert.Equal(t, tasksJSON, p)
	case <-time.After(5 * time.Second):
		t.Fatal("no payload delivered to raw listener")
	}
	select {
	case p := <-got:
		t.Fatalf("payload delivered twice: %q", p)
	case <-time.After(200 * time.Millisecond):
	}

	lock.Lock()
	assert.Equal(t, []string{"first", "second"}, calls)
	lock.Unlock()
}

func TestPublishDeliversOneLineToItsBackend(t *testing.T) {
	console := startBackend(t, nil)
	other := startBackend(t, nil)
	registry := wbchannel.MustNewRegistry([]wbchannel.Channel{
		{ID: console.port, Name: "console"},
		{ID: other.port, Name: "tasks"},
	})
	_, ts := newTestServer(t, testServerConfig(), registry)
	m := newTestMultiplexer(t, testClientConfig(ts, 3*time.Second), registry)

	require.NoError(t, m.ConnectByName("console"))
	require.NoError(t, m.Connect(other.port))
	conn := console.accept(t)
	otherConn := other.accept(t)
	require.Eventually(t, func() bool {
		return m.State(console.port) == StateOpen
	}, 5*time.Second, 10*time.Millisecond)

	m.Publish(console.port, "help")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "help\n", line)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = r.ReadByte()
	assert.Error(t, err, "more than one line delivered")

	require.NoError(t, otherConn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = otherConn.Read(make([]byte, 1))
	var ne net.Error
	require.True(t, errors.As(err, &ne), "other backend got data: %v", err)
	assert.True(t, ne.Timeout())
}

func TestReconnectsAfterBackendCloses(t *testing.T) {
	emotions := startBackend(t, func(n int, c net.Conn) { c.Close() })
	registry := wbchannel.MustNewRegistry([]wbchannel.Channel{{ID: emotions.port, Name: "emotions"}})
	_, ts := newTestServer(t, testServerConfig(), registry)
	m := newTestMultiplexer(t, testClientConfig(ts, 100*time.Millisecond), registry)
	states := recordStates(m, emotions.port)

	start := time.Now()
	require.NoError(t, m.Connect(emotions.port))
	states.waitFor(t, StateOpen)
	states.waitFor(t, StateClosed)
	states.waitFor(t, StateConnecting)

	require.Eventually(t, func() bool {
		return emotions.numAccepts() >= 4
	}, 5*time.Second, 10*time.Millisecond)
	// three waits of the reconnect delay separate four attempts
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestReconnectsWhileBackendUnreachable(t *testing.T) {
	port := unusedPort(t)
	registry := wbchannel.MustNewRegistry([]wbchannel.Channel{{ID: port, Name: "emotions"}})
	_, ts := newTestServer(t, testServerConfig(), registry)
	m := newTestMultiplexer(t, testClientConfig(ts, 50*time.Millisecond), registry)
	states := recordStates(m, port)

	require.NoError(t, m.Connect(port))
	for i := 0; i < 3; i++ {
		states.waitFor(t, StateClosed)
		states.waitFor(t, StateConnecting)
	}
}

func TestReconnectsWhileServerUnreachable(t *testing.T) {
	registry := wbchannel.MustNewRegistry([]wbchannel.Channel{{ID: 9002, Name: "emotions"}})
	config := DefaultClientConfig()
	config.ServerURL = "ws://127.0.0.1:" + strconv.Itoa(unusedPort(t))
	config.ReconnectDelay = 50 * time.Millisecond
	m := newTestMultiplexer(t, &config, registry)
	states := recordStates(m, 9002)

	require.NoError(t, m.Connect(9002))
	var last StateChange
	for i := 0; i < 3; i++ {
		last = states.waitFor(t, StateClosed)
		assert.Error(t, last.Err)
	}
	assert.GreaterOrEqual(t, last.Attempt, 3)
	assert.NotEqual(t, StateOpen, m.State(9002))
}

func TestPublishWhileClosedIsDropped(t *testing.T) {
	console := startBackend(t, func(n int, c net.Conn) {
		if n == 1 {
			c.Close()
		}
	})
	registry := wbchannel.MustNewRegistry([]wbchannel.Channel{{ID: console.port, Name: "console"}})
	_, ts := newTestServer(t, testServerConfig(), registry)
	m := newTestMultiplexer(t, testClientConfig(ts, 500*time.Millisecond), registry)
	states := recordStates(m, console.port)

	require.NoError(t, m.Connect(console.port))
	states.waitFor(t, StateClosed)

	assert.ErrorIs(t, m.TryPublish(console.port, "lost"), ErrChannelNotOpen)
	assert.NotPanics(t, func() { m.Publish(console.port, "lost") })

	states.waitFor(t, StateOpen)
	require.Eventually(t, func() bool {
		return console.numAccepts() == 2
	}, 5*time.Second, 10*time.Millisecond)

	var conn net.Conn
	console.lock.Lock()
	conn = console.all[1]
	console.lock.Unlock()

	m.Publish(console.port, "fresh")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", line)
}

func TestPublishToUnconnectedChannel(t *testing.T) {
	registry := wbchannel.MustNewRegistry(wbchannel.DefaultChannels)
	m, err := NewMultiplexer(testLogger(), &ClientConfig{ServerURL: "ws://127.0.0.1:1"}, registry)
	require.NoError(t, err)
	defer m.Close()

	assert.NotPanics(t, func() { m.Publish(9005, "help") })
	assert.ErrorIs(t, m.TryPublish(9005, "help"), ErrChannelNotOpen)
	assert.Equal(t, StateIdle, m.State(9005))
}

func TestUnknownChannelsAreRejected(t *testing.T) {
	registry := wbchannel.MustNewRegistry([]wbchannel.Channel{{ID: 9002, Name: "emotions"}})
	m, err := NewMultiplexer(testLogger(), &ClientConfig{ServerURL: "ws://127.0.0.1:1"}, registry)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Close()

	_, err = m.Subscribe("tasks", func(string) {})
	assert.ErrorIs(t, err, wbchannel.ErrUnknownChannel)
	assert.ErrorIs(t, m.Connect(9010), wbchannel.ErrUnknownChannel)
	_, err = m.Listen(9010, func(string) {})
	assert.ErrorIs(t, err, wbchannel.ErrUnknownChannel)
	assert.Equal(t, registry.List(), m.ListChannels())
}

func TestConnectRequiresStart(t *testing.T) {
	registry := wbchannel.MustNewRegistry(wbchannel.DefaultChannels)
	m, err := NewMultiplexer(testLogger(), &ClientConfig{ServerURL: "ws://127.0.0.1:1"}, registry)
	require.NoError(t, err)
	defer m.Close()
	assert.Error(t, m.Connect(9002))
}

func TestNewMultiplexerRejectsBadURL(t *testing.T) {
	registry := wbchannel.MustNewRegistry(nil)
	_, err := NewMultiplexer(testLogger(), &ClientConfig{ServerURL: "ftp://x"}, registry)
	assert.Error(t, err)

	m, err := NewMultiplexer(testLogger(), &ClientConfig{ServerURL: "http://bridge:8080/"}, registry)
	require.NoError(t, err)
	assert.Equal(t, "ws://bridge:8080", m.serverURL)
}

func TestCloseStopsReconnecting(t *testing.T) {
	emotions := startBackend(t, func(n int, c net.Conn) { c.Close() })
	registry := wbchannel.MustNewRegistry([]wbchannel.Channel{{ID: emotions.port, Name: "emotions"}})
	_, ts := newTestServer(t, testServerConfig(), registry)
	m, err := NewMultiplexer(testLogger(), testClientConfig(ts, 50*time.Millisecond), registry)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.Connect(emotions.port))
	require.Eventually(t, func() bool {
		return emotions.numAccepts() >= 2
	}, 5*time.Second, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- m.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	time.Sleep(100 * time.Millisecond)
	n := emotions.numAccepts()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, n, emotions.numAccepts())
	assert.Error(t, m.Connect(emotions.port))
}

func TestPanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	tasks := startBackend(t, nil)
	registry := wbchannel.MustNewRegistry([]wbchannel.Channel{{ID: tasks.port, Name: "tasks"}})
	_, ts := newTestServer(t, testServerConfig(), registry)
	m := newTestMultiplexer(t, testClientConfig(ts, 3*time.Second), registry)

	_, err := m.Subscribe("tasks", func(string) { panic("boom") })
	require.NoError(t, err)
	got := make(chan string, 1)
	_, err = m.Subscribe("tasks", func(p string) { got <- p })
	require.NoError(t, err)

	_, err = tasks.accept(t).Write([]byte(tasksJSON))
	require.NoError(t, err)

	select {
	case p := <-got:
		assert.Equal(t, tasksJSON, p)
	case <-time.After(5 * time.Second):
		t.Fatal("second subscriber never called")
	}
}

func TestSubscriberCanCloseMultiplexer(t *testing.T) {
	tasks := startBackend(t, nil)
	registry := wbchannel.MustNewRegistry([]wbchannel.Channel{{ID: tasks.port, Name: "tasks"}})
	_, ts := newTestServer(t, testServerConfig(), registry)
	m := newTestMultiplexer(t, testClientConfig(ts, 3*time.Second), registry)

	closed := make(chan error, 1)
	_, err := m.Subscribe("tasks", func(string) { closed <- m.Close() })
	require.NoError(t, err)

	_, err = tasks.accept(t).Write([]byte(tasksJSON))
	require.NoError(t, err)

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked inside subscriber")
	}
	select {
	case <-m.ShutdownDoneChan():
	case <-time.After(5 * time.Second):
		t.Fatal("multiplexer never finished shutting down")
	}
	assert.NoError(t, m.Close())
}
