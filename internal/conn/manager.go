package conn

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/large-farva/pourlink/internal/metrics"
)

// Option configures a Manager.
type Option func(*Manager)

// WithScheduler replaces the timer source used for reconnects.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) {
		m.sched = s
	}
}

// WithBackoff sets the base and ceiling reconnect delays.
func WithBackoff(base, ceiling time.Duration) Option {
	return func(m *Manager) {
		m.backoff = NewBackoff(base, ceiling)
	}
}

// WithLogger sets the manager's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// Manager owns at most one live Transport at a time. It is safe for
// concurrent use. Connect and Disconnect never block on the network; dialing
// happens on a background goroutine.
type Manager struct {
	dialer  Dialer
	sched   Scheduler
	backoff *Backoff
	log     zerolog.Logger

	mu         sync.Mutex
	router     Router
	state      State
	credential string
	started    bool
	gen        uint64
	transport  Transport
	active     map[string]struct{}
	cancelDial context.CancelFunc
	retry      Task
	retryAt    time.Time
	lastDelay  time.Duration

	listenerMu   sync.Mutex
	listeners    map[int]func(Event)
	nextListener int
}

// NewManager creates a manager in the Disconnected state. Nothing is dialed
// until Connect is called.
func NewManager(dialer Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:    dialer,
		sched:     SystemScheduler(),
		backoff:   NewBackoff(5*time.Second, 20*time.Second),
		log:       zerolog.Nop(),
		active:    make(map[string]struct{}),
		listeners: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bind attaches the router that receives messages and resubscribe requests.
func (m *Manager) Bind(r Router) {
	m.mu.Lock()
	m.router = r
	m.mu.Unlock()
}

// OnEvent registers a lifecycle listener. Listeners run on the goroutine that
// caused the event and must not block. The returned func removes it.
func (m *Manager) OnEvent(fn func(Event)) (remove func()) {
	m.listenerMu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.listenerMu.Unlock()

	return func() {
		m.listenerMu.Lock()
		delete(m.listeners, id)
		m.listenerMu.Unlock()
	}
}

// Connect starts (or keeps) a connection using credential. Calling it again
// with the same credential while started is a no-op. A different credential
// tears the current connection down and dials fresh.
func (m *Manager) Connect(credential string) {
	m.mu.Lock()
	if m.started && m.credential == credential {
		m.mu.Unlock()
		return
	}

	var old Transport
	replaced := m.started
	if replaced {
		old = m.teardownLocked()
	}
	m.started = true
	m.credential = credential
	m.backoff.Reset()
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if replaced {
		m.log.Info().Msg("credential changed, reconnecting")
	}
	m.dial(gen)
}

// Disconnect releases the transport, cancels any in-flight dial or pending
// reconnect, and stops message delivery. Topic registrations held by the
// router are untouched and are re-established on the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.started && m.transport == nil && m.retry == nil && m.cancelDial == nil {
		m.mu.Unlock()
		return
	}
	t := m.teardownLocked()
	m.started = false
	m.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	m.log.Info().Msg("disconnected")
	m.emit(Event{Type: EventDisconnected, Reason: ErrClosedByClient})
}

// teardownLocked invalidates the current generation and returns the transport
// to close once the lock is released.
func (m *Manager) teardownLocked() Transport {
	m.gen++
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.retryAt = time.Time{}
	t := m.transport
	m.transport = nil
	m.active = make(map[string]struct{})
	m.setStateLocked(Disconnected)
	return t
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	metrics.ConnectionState.Set(float64(s))
}

// dial runs one connection attempt for generation gen on a new goroutine.
func (m *Manager) dial(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.started {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.retryAt = time.Time{}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.setStateLocked(Connecting)
	credential := m.credential
	m.mu.Unlock()

	go func() {
		defer cancel()
		t, err := m.dialer.Dial(ctx, credential, func(topic string, body []byte) {
			m.deliver(gen, topic, body)
		})
		m.finishDial(gen, t, err)
	}()
}

func (m *Manager) finishDial(gen uint64, t Transport, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			m.started = false
			m.setStateLocked(Disconnected)
			m.mu.Unlock()
			m.log.Warn().Err(err).Msg("appliance rejected credential")
			m.emit(Event{Type: EventUnauthorized, Reason: err})
			return
		}
		delay := m.scheduleLocked()
		m.mu.Unlock()
		m.log.Warn().Err(err).Dur("retry_in", delay).Msg("connect failed")
		m.emit(Event{Type: EventDisconnected, Reason: err})
		m.emit(Event{Type: EventReconnectScheduled, Delay: delay})
		return
	}

	m.transport = t
	m.active = make(map[string]struct{})
	m.setStateLocked(Connected)
	m.backoff.Reset()
	m.lastDelay = 0
	router := m.router
	m.mu.Unlock()

	if router != nil {
		router.Resubscribe()
	}
	m.log.Info().Msg("connected")
	m.emit(Event{Type: EventConnected})

	go m.watch(gen, t)
}

// watch waits for the transport to end and schedules a reconnect unless the
// closure was requested locally.
func (m *Manager) watch(gen uint64, t Transport) {
	<-t.Done()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.active = make(map[string]struct{})
	delay := m.scheduleLocked()
	m.mu.Unlock()

	_ = t.Close()
	reason := t.Err()
	m.log.Warn().Err(reason).Dur("retry_in", delay).Msg("connection lost")
	m.emit(Event{Type: EventDisconnected, Reason: reason})
	m.emit(Event{Type: EventReconnectScheduled, Delay: delay})
}

// scheduleLocked arms the next reconnect under a fresh generation.
func (m *Manager) scheduleLocked() time.Duration {
	m.setStateLocked(Disconnected)
	m.gen++
	gen := m.gen
	delay := m.backoff.Next()
	m.lastDelay = delay
	m.retryAt = m.sched.Now().Add(delay)
	m.retry = m.sched.AfterFunc(delay, func() { m.dial(gen) })

	metrics.ReconnectsTotal.Inc()
	metrics.ReconnectDelay.Set(delay.Seconds())
	return delay
}

func (m *Manager) deliver(gen uint64, topic string, body []byte) {
	m.mu.Lock()
	ok := gen == m.gen && m.state == Connected
	router := m.router
	m.mu.Unlock()

	if !ok || router == nil {
		return
	}
	router.Dispatch(topic, body)
}

// SubscribeTopic subscribes topic on the live transport. It is a no-op while
// disconnected or if the topic is already active; the router's Resubscribe
// covers it after the next connect.
func (m *Manager) SubscribeTopic(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Connected || m.transport == nil {
		return
	}
	if _, ok := m.active[topic]; ok {
		return
	}
	if err := m.transport.Subscribe(topic); err != nil {
		m.log.Warn().Err(err).Str("topic", topic).Msg("subscribe failed")
		return
	}
	m.active[topic] = struct{}{}
}

// UnsubscribeTopic drops topic from the live transport if it is active.
func (m *Manager) UnsubscribeTopic(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[topic]; !ok {
		return
	}
	delete(m.active, topic)
	if m.transport == nil {
		return
	}
	if err := m.transport.Unsubscribe(topic); err != nil {
		m.log.Warn().Err(err).Str("topic", topic).Msg("unsubscribe failed")
	}
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reconnecting reports whether a reconnect is scheduled.
func (m *Manager) Reconnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retry != nil
}

// Countdown returns whole seconds until the scheduled reconnect, or 0 when
// none is pending.
func (m *Manager) Countdown() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retry == nil {
		return 0
	}
	left := m.retryAt.Sub(m.sched.Now())
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

// ReconnectDelay is the delay of the most recently scheduled reconnect. It is
// zero after a successful connect.
func (m *Manager) ReconnectDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDelay
}

// ActiveTopics lists the topics subscribed on the live transport.
func (m *Manager) ActiveTopics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for t := range m.active {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) emit(ev Event) {
	ev.At = m.sched.Now()

	m.listenerMu.Lock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.listenerMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
