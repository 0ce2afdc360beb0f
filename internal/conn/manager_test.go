package conn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeTransport struct {
	mu      sync.Mutex
	subs    []string
	unsubs  []string
	done    chan struct{}
	once    sync.Once
	err     error
	deliver DeliverFunc
}

func newFakeTransport(deliver DeliverFunc) *fakeTransport {
	return &fakeTransport{done: make(chan struct{}), deliver: deliver}
}

func (t *fakeTransport) Subscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, topic)
	return nil
}

func (t *fakeTransport) Unsubscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unsubs = append(t.unsubs, topic)
	return nil
}

func (t *fakeTransport) Done() <-chan struct{} { return t.done }

func (t *fakeTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) fail(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.once.Do(func() { close(t.done) })
}

func (t *fakeTransport) closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) subscribed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := append([]string(nil), t.subs...)
	sort.Strings(out)
	return out
}

type fakeDialer struct {
	mu         sync.Mutex
	creds      []string
	failures   map[int]error
	failAll    error
	transports []*fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{failures: make(map[int]error)}
}

func (d *fakeDialer) Dial(_ context.Context, credential string, deliver DeliverFunc) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	attempt := len(d.creds)
	d.creds = append(d.creds, credential)
	if err, ok := d.failures[attempt]; ok {
		return nil, err
	}
	if d.failAll != nil {
		return nil, d.failAll
	}
	t := newFakeTransport(deliver)
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.creds)
}

func (d *fakeDialer) credentials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.creds...)
}

func (d *fakeDialer) setFailAll(err error) {
	d.mu.Lock()
	d.failAll = err
	d.mu.Unlock()
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

type fakeTask struct {
	s       *fakeScheduler
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTask) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// fakeScheduler only runs tasks when Advance is called.
type fakeScheduler struct {
	mu    sync.Mutex
	now   time.Time
	tasks []*fakeTask
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (s *fakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTask{s: s, at: s.now.Add(d), fn: f}
	s.tasks = append(s.tasks, t)
	return t
}

func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	var due []*fakeTask
	for _, t := range s.tasks {
		if !t.stopped && !t.fired && !t.at.After(s.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

// fireEverything runs every task, stopped or not, to simulate a timer that
// fired concurrently with Stop.
func (s *fakeScheduler) fireEverything() {
	s.mu.Lock()
	tasks := append([]*fakeTask(nil), s.tasks...)
	s.mu.Unlock()
	for _, t := range tasks {
		t.fn()
	}
}

func (s *fakeScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeRouter struct {
	mu           sync.Mutex
	m            *Manager
	topics       []string
	resubscribes int
	received     []string
}

func (r *fakeRouter) Resubscribe() {
	r.mu.Lock()
	topics := append([]string(nil), r.topics...)
	r.resubscribes++
	r.mu.Unlock()
	for _, t := range topics {
		r.m.SubscribeTopic(t)
	}
}

func (r *fakeRouter) Dispatch(topic string, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, topic+"="+string(body))
}

func (r *fakeRouter) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.received...)
}

func newTestManager(t *testing.T, topics ...string) (*Manager, *fakeDialer, *fakeScheduler, *fakeRouter) {
	t.Helper()
	d := newFakeDialer()
	s := newFakeScheduler()
	m := NewManager(d, WithScheduler(s), WithBackoff(5*time.Second, 20*time.Second))
	r := &fakeRouter{m: m, topics: topics}
	m.Bind(r)
	t.Cleanup(m.Disconnect)
	return m, d, s, r
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, waitFor, tick,
		"state never became %s (is %s)", want, m.State())
}

func waitReconnecting(t *testing.T, m *Manager, d *fakeDialer, attempts int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Reconnecting() && d.attempts() == attempts
	}, waitFor, tick)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestConnectSameCredentialIsNoop(t *testing.T) {
	m, d, _, _ := newTestManager(t)

	m.Connect("token-a")
	waitState(t, m, Connected)

	m.Connect("token-a")
	m.Connect("token-a")
	assert.Equal(t, 1, d.attempts())
	assert.Equal(t, Connected, m.State())
}

func TestConnectNewCredentialReconnects(t *testing.T) {
	m, d, _, _ := newTestManager(t, "/user/topic/cocktailprogress")

	m.Connect("token-a")
	waitState(t, m, Connected)
	first := d.transport(0)

	m.Connect("token-b")
	require.Eventually(t, func() bool { return d.transport(1) != nil }, waitFor, tick)
	waitState(t, m, Connected)

	assert.True(t, first.closed(), "old transport must be released")
	assert.Equal(t, []string{"token-a", "token-b"}, d.credentials())
	assert.Equal(t, []string{"/user/topic/cocktailprogress"}, d.transport(1).subscribed())
}

func TestBackoffDoublesToCeilingAndResets(t *testing.T) {
	m, d, s, _ := newTestManager(t)
	d.setFailAll(errors.New("connection refused"))

	m.Connect("token")
	waitReconnecting(t, m, d, 1)
	assert.Equal(t, 5*time.Second, m.ReconnectDelay())
	assert.Equal(t, Disconnected, m.State())

	want := []time.Duration{10 * time.Second, 20 * time.Second, 20 * time.Second}
	for i, delay := range want {
		s.Advance(m.ReconnectDelay())
		waitReconnecting(t, m, d, i+2)
		assert.Equal(t, delay, m.ReconnectDelay(), "attempt %d", i+2)
	}

	d.setFailAll(nil)
	s.Advance(20 * time.Second)
	waitState(t, m, Connected)
	assert.Zero(t, m.ReconnectDelay())

	d.transport(0).fail(errors.New("socket closed"))
	waitReconnecting(t, m, d, 5)
	assert.Equal(t, 5*time.Second, m.ReconnectDelay(), "delay resets after a successful connect")
}

func TestBackoffIsMonotonic(t *testing.T) {
	b := NewBackoff(5*time.Second, 20*time.Second)
	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 20*time.Second)
		prev = d
	}
	b.Reset()
	assert.Equal(t, 5*time.Second, b.Next())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	m, d, s, _ := newTestManager(t)
	d.setFailAll(errors.New("connection refused"))

	m.Connect("token")
	waitReconnecting(t, m, d, 1)
	require.Equal(t, 1, s.pending())

	m.Disconnect()
	assert.False(t, m.Reconnecting())
	assert.Zero(t, s.pending(), "scheduled reconnect must be stopped")

	s.Advance(time.Minute)
	s.fireEverything()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.attempts(), "no zombie reconnect after Disconnect")
	assert.Equal(t, Disconnected, m.State())
}

func TestReconnectResubscribesRegisteredTopics(t *testing.T) {
	topics := []string{"/user/topic/cocktailprogress", "/user/topic/pump/runningstate/1"}
	m, d, s, r := newTestManager(t, topics...)

	m.Connect("token")
	waitState(t, m, Connected)
	assert.Equal(t, topics, d.transport(0).subscribed())

	d.transport(0).fail(errors.New("socket closed"))
	waitReconnecting(t, m, d, 1)
	assert.Empty(t, m.ActiveTopics())

	s.Advance(5 * time.Second)
	waitState(t, m, Connected)
	require.NotNil(t, d.transport(1))
	assert.Equal(t, topics, d.transport(1).subscribed())
	assert.Equal(t, topics, m.ActiveTopics())

	r.mu.Lock()
	assert.Equal(t, 2, r.resubscribes)
	r.mu.Unlock()
}

func TestConnectedEventFollowsResubscribe(t *testing.T) {
	m, _, _, r := newTestManager(t, "/user/topic/cocktailprogress")

	seen := make(chan int, 1)
	m.OnEvent(func(ev Event) {
		if ev.Type == EventConnected {
			r.mu.Lock()
			seen <- r.resubscribes
			r.mu.Unlock()
		}
	})

	m.Connect("token")
	select {
	case n := <-seen:
		assert.Equal(t, 1, n)
	case <-time.After(waitFor):
		t.Fatal("no connected event")
	}
}

func TestDisconnectStopsDelivery(t *testing.T) {
	m, d, _, r := newTestManager(t, "/user/topic/cocktailprogress")

	m.Connect("token")
	waitState(t, m, Connected)
	tr := d.transport(0)

	tr.deliver("/user/topic/cocktailprogress", []byte("one"))
	m.Disconnect()
	tr.deliver("/user/topic/cocktailprogress", []byte("two"))

	assert.Equal(t, []string{"/user/topic/cocktailprogress=one"}, r.messages())
	assert.True(t, tr.closed())
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	m, d, s, _ := newTestManager(t)
	d.setFailAll(fmt.Errorf("stomp: %w", ErrUnauthorized))

	events := make(chan Event, 4)
	m.OnEvent(func(ev Event) { events <- ev })

	m.Connect("expired")
	select {
	case ev := <-events:
		assert.Equal(t, EventUnauthorized, ev.Type)
		assert.ErrorIs(t, ev.Reason, ErrUnauthorized)
	case <-time.After(waitFor):
		t.Fatal("no unauthorized event")
	}
	assert.False(t, m.Reconnecting())
	assert.Zero(t, s.pending())

	d.setFailAll(nil)
	m.Connect("expired")
	waitState(t, m, Connected)
}

func TestCountdown(t *testing.T) {
	m, d, s, _ := newTestManager(t)
	d.setFailAll(errors.New("refused"))
	assert.Zero(t, m.Countdown())

	m.Connect("token")
	waitReconnecting(t, m, d, 1)
	assert.Equal(t, 5, m.Countdown())

	s.Advance(2 * time.Second)
	assert.Equal(t, 3, m.Countdown())

	s.Advance(2500 * time.Millisecond)
	assert.Equal(t, 1, m.Countdown())
}

func TestSubscribeTopicWhileDisconnectedIsDeferred(t *testing.T) {
	m, d, _, r := newTestManager(t)

	m.SubscribeTopic("/user/topic/cocktailprogress")
	assert.Empty(t, m.ActiveTopics())

	r.mu.Lock()
	r.topics = []string{"/user/topic/cocktailprogress"}
	r.mu.Unlock()

	m.Connect("token")
	waitState(t, m, Connected)
	assert.Equal(t, []string{"/user/topic/cocktailprogress"}, d.transport(0).subscribed())

	m.SubscribeTopic("/user/topic/cocktailprogress")
	assert.Len(t, d.transport(0).subscribed(), 1, "already active topics are not resubscribed")

	m.UnsubscribeTopic("/user/topic/cocktailprogress")
	m.UnsubscribeTopic("/user/topic/cocktailprogress")
	tr := d.transport(0)
	tr.mu.Lock()
	assert.Equal(t, []string{"/user/topic/cocktailprogress"}, tr.unsubs)
	tr.mu.Unlock()
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", Disconnected.String())
	assert.Equal(t, "CONNECTING", Connecting.String())
	assert.Equal(t, "CONNECTED", Connected.String())
}
