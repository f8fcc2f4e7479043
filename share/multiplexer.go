package wbshare

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sammck-go/wsbridge/pkg/wbbus"
	"github.com/sammck-go/wsbridge/pkg/wbchannel"
)

// ErrChannelNotOpen is returned by TryPublish for a channel whose connection
// is not currently open
var ErrChannelNotOpen = errors.New("channel not open")

// eventQueueSize bounds the number of undelivered events before link readers
// block
const eventQueueSize = 256

// event is either a received payload or a state change
type event struct {
	channel     wbchannel.Channel
	payload     string
	stateChange *StateChange
}

// StateChangeHandler observes channel state transitions
type StateChangeHandler func(StateChange)

// Multiplexer keeps one WebSocket per connected channel open to a bridge
// server, reconnecting each one on its own fixed timer, and fans received
// payloads out to local subscribers by channel name.
//
// Subscriber callbacks, raw listeners and state change handlers all run on a
// single dispatch goroutine, so they are never called concurrently. A callback
// may call Close; shutdown then completes after the callback returns.
type Multiplexer struct {
	ShutdownHelper
	config    *ClientConfig
	serverURL string
	registry  *wbchannel.Registry
	bus       *wbbus.Bus
	raw       *wbbus.Bus

	ctx    context.Context
	cancel context.CancelFunc
	events chan event

	linksLock  sync.Mutex
	links      map[int]*channelLink
	linkWG     sync.WaitGroup
	dispatchWG sync.WaitGroup
	inCallback atomic.Bool

	hooksLock  sync.Mutex
	stateHooks []StateChangeHandler
}

// NewMultiplexer creates a Multiplexer. Nothing is connected until Start has
// been called and channels are subscribed or connected.
func NewMultiplexer(logger Logger, config *ClientConfig, registry *wbchannel.Registry) (*Multiplexer, error) {
	logger = logger.Fork("client")
	u, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, logger.Errorf("invalid server URL %q: %s", config.ServerURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http", "https":
		u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	default:
		return nil, logger.Errorf("invalid server URL %q: scheme must be ws or wss", config.ServerURL)
	}
	cfg := *config
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	m := &Multiplexer{
		config:    &cfg,
		serverURL: strings.TrimSuffix(u.String(), "/"),
		registry:  registry,
		bus:       wbbus.New(),
		raw:       wbbus.New(),
		events:    make(chan event, eventQueueSize),
		links:     make(map[int]*channelLink),
	}
	m.InitShutdownHelper(logger, m)
	onPanic := func(name string, recovered interface{}) {
		m.ELogf("callback for %q panicked: %v", name, recovered)
	}
	m.bus.OnPanic = onPanic
	m.raw.OnPanic = onPanic
	return m, nil
}

// Start begins dispatching. Every link is stopped when ctx is done or the
// Multiplexer is closed.
func (m *Multiplexer) Start(ctx context.Context) error {
	return m.DoOnceActivate(
		func() error {
			m.linksLock.Lock()
			m.ctx, m.cancel = context.WithCancel(ctx)
			m.linksLock.Unlock()
			m.ShutdownOnContext(ctx)
			m.dispatchWG.Add(1)
			go m.dispatchLoop()
			m.ILogf("Bridging to %s", m.serverURL)
			return nil
		},
		true,
	)
}

// HandleOnceShutdown cancels every link, including pending reconnect waits,
// and waits for the link and dispatch goroutines to exit
func (m *Multiplexer) HandleOnceShutdown(completionErr error) error {
	m.linksLock.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.linksLock.Unlock()
	m.linkWG.Wait()
	m.dispatchWG.Wait()
	if errors.Is(completionErr, context.Canceled) {
		completionErr = nil
	}
	return completionErr
}

// Close shuts down every link and waits for the link and dispatch goroutines
// to exit. From inside a callback it only starts shutdown, since the dispatch
// goroutine cannot wait for itself.
func (m *Multiplexer) Close() error {
	if m.inCallback.Load() {
		m.StartShutdown(nil)
		return nil
	}
	return m.ShutdownHelper.Close()
}

// Connect starts the connect/reconnect loop for channel id. It is a no-op if
// the channel is already connected or connecting.
func (m *Multiplexer) Connect(id int) error {
	c, err := m.registry.ByID(id)
	if err != nil {
		return err
	}
	return m.connect(c)
}

// ConnectByName is Connect for a channel given by name
func (m *Multiplexer) ConnectByName(name string) error {
	c, err := m.registry.ByName(name)
	if err != nil {
		return err
	}
	return m.connect(c)
}

func (m *Multiplexer) connect(c wbchannel.Channel) error {
	if !m.IsActivated() {
		return m.Errorf("not started")
	}
	m.linksLock.Lock()
	defer m.linksLock.Unlock()
	if m.IsStartedShutdown() {
		return m.Errorf("shut down")
	}
	if _, ok := m.links[c.ID]; ok {
		return nil
	}
	l := newChannelLink(m, c)
	m.links[c.ID] = l
	m.linkWG.Add(1)
	go l.run(m.ctx)
	return nil
}

// Subscribe registers cb for payloads received on the named channel and
// connects the channel if it is not already. Releasing the returned
// subscription removes cb; the channel stays connected.
func (m *Multiplexer) Subscribe(name string, cb wbbus.Callback) (*wbbus.Subscription, error) {
	c, err := m.registry.ByName(name)
	if err != nil {
		return nil, err
	}
	sub := m.bus.Subscribe(c.Name, cb)
	if err := m.connect(c); err != nil {
		sub.Release()
		return nil, err
	}
	return sub, nil
}

// Listen registers fn for payloads received on channel id, after the named
// subscribers, and connects the channel if it is not already
func (m *Multiplexer) Listen(id int, fn wbbus.Callback) (*wbbus.Subscription, error) {
	c, err := m.registry.ByID(id)
	if err != nil {
		return nil, err
	}
	sub := m.raw.Subscribe(strconv.Itoa(c.ID), fn)
	if err := m.connect(c); err != nil {
		sub.Release()
		return nil, err
	}
	return sub, nil
}

// Publish sends text as one message on channel id if that channel is open.
// Otherwise text is dropped; it is never queued for a later connection.
func (m *Multiplexer) Publish(id int, text string) {
	if err := m.TryPublish(id, text); err != nil {
		m.TLogf("publish to %d dropped: %s", id, err)
	}
}

// TryPublish is Publish that reports why text was dropped
func (m *Multiplexer) TryPublish(id int, text string) error {
	m.linksLock.Lock()
	l := m.links[id]
	m.linksLock.Unlock()
	if l == nil {
		return ErrChannelNotOpen
	}
	return l.send(text)
}

// State returns the current state of channel id
func (m *Multiplexer) State(id int) ConnectionState {
	m.linksLock.Lock()
	l := m.links[id]
	m.linksLock.Unlock()
	if l == nil {
		return StateIdle
	}
	return l.getState()
}

// OnStateChange registers fn to be called, on the dispatch goroutine, for
// every channel state transition
func (m *Multiplexer) OnStateChange(fn StateChangeHandler) {
	m.hooksLock.Lock()
	defer m.hooksLock.Unlock()
	m.stateHooks = append(m.stateHooks, fn)
}

// ListChannels returns every known channel, ordered by id
func (m *Multiplexer) ListChannels() []wbchannel.Channel {
	return m.registry.List()
}

// Registry returns the channel table
func (m *Multiplexer) Registry() *wbchannel.Registry {
	return m.registry
}

// post queues an event for dispatch, giving up if ctx is done
func (m *Multiplexer) post(ctx context.Context, ev event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

func (m *Multiplexer) dispatchLoop() {
	defer m.dispatchWG.Done()
	for {
		select {
		case ev := <-m.events:
			m.dispatch(ev)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Multiplexer) dispatch(ev event) {
	m.inCallback.Store(true)
	defer m.inCallback.Store(false)
	if ev.stateChange != nil {
		m.hooksLock.Lock()
		hooks := m.stateHooks
		m.hooksLock.Unlock()
		for _, fn := range hooks {
			m.callStateHook(fn, *ev.stateChange)
		}
		return
	}
	m.bus.Emit(ev.channel.Name, ev.payload)
	m.raw.Emit(strconv.Itoa(ev.channel.ID), ev.payload)
}

func (m *Multiplexer) callStateHook(fn StateChangeHandler, sc StateChange) {
	defer func() {
		if r := recover(); r != nil {
			m.ELogf("state change handler panicked: %v", r)
		}
	}()
	fn(sc)
}
