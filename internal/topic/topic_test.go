package topic

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-farva/pourlink/internal/conn"
)

type linkCall struct {
	op    string
	topic string
}

type fakeLink struct {
	mu    sync.Mutex
	calls []linkCall
}

func (l *fakeLink) SubscribeTopic(topic string) {
	l.mu.Lock()
	l.calls = append(l.calls, linkCall{"sub", topic})
	l.mu.Unlock()
}

func (l *fakeLink) UnsubscribeTopic(topic string) {
	l.mu.Lock()
	l.calls = append(l.calls, linkCall{"unsub", topic})
	l.mu.Unlock()
}

func (l *fakeLink) count(op, topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.op == op && c.topic == topic {
			n++
		}
	}
	return n
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) handle(m Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m.String())
	r.mu.Unlock()
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func newMux(t *testing.T) (*Multiplexer, *fakeLink) {
	t.Helper()
	link := &fakeLink{}
	m := New(WithStrict(true))
	m.Attach(link)
	return m, link
}

func TestSharedTopicSubscribedOnce(t *testing.T) {
	m, link := newMux(t)
	a, b := &recorder{}, &recorder{}

	m.Subscribe("a", "/t", a.handle, false)
	m.Subscribe("b", "/t", b.handle, false)
	assert.Equal(t, 1, link.count("sub", "/t"))

	m.Unsubscribe("a", "/t")
	assert.Equal(t, 0, link.count("unsub", "/t"))

	m.Dispatch("/t", []byte("x"))
	assert.Empty(t, a.got())
	assert.Equal(t, []string{"x"}, b.got())

	m.Unsubscribe("b", "/t")
	assert.Equal(t, 1, link.count("unsub", "/t"))
	assert.Empty(t, m.Topics())
}

func TestReplayLastIsSynchronous(t *testing.T) {
	m, _ := newMux(t)
	first := &recorder{}
	m.Subscribe("first", "/t", first.handle, false)
	m.Dispatch("/t", []byte("m1"))

	late := &recorder{}
	m.Subscribe("late", "/t", late.handle, true)
	assert.Equal(t, []string{"m1"}, late.got(), "replay must land before Subscribe returns")

	noReplay := &recorder{}
	m.Subscribe("quiet", "/t", noReplay.handle, false)
	assert.Empty(t, noReplay.got())

	m.Dispatch("/t", []byte("m2"))
	assert.Equal(t, []string{"m1", "m2"}, late.got())
	assert.Equal(t, []string{"m1", "m2"}, first.got())
}

func TestReplayWithoutCacheDeliversNothing(t *testing.T) {
	m, _ := newMux(t)
	r := &recorder{}
	m.Subscribe("s", "/t", r.handle, true)
	assert.Empty(t, r.got())
}

func TestResubscribeSameIDReplacesHandler(t *testing.T) {
	m, link := newMux(t)
	old, repl := &recorder{}, &recorder{}

	m.Subscribe("s", "/t", old.handle, false)
	m.Subscribe("s", "/t", repl.handle, false)
	assert.Equal(t, 1, link.count("sub", "/t"))
	assert.Equal(t, []string{"s"}, m.Subscribers("/t"))

	m.Dispatch("/t", []byte("x"))
	assert.Empty(t, old.got())
	assert.Equal(t, []string{"x"}, repl.got())
}

func TestUnsubscribeDropsCache(t *testing.T) {
	m, _ := newMux(t)
	r := &recorder{}
	m.Subscribe("s", "/t", r.handle, false)
	m.Dispatch("/t", []byte("old"))
	m.Unsubscribe("s", "/t")

	_, ok := m.Last("/t")
	assert.False(t, ok)

	again := &recorder{}
	m.Subscribe("s", "/t", again.handle, true)
	assert.Empty(t, again.got())
}

func TestDispatchOrderAndPanicIsolation(t *testing.T) {
	m, _ := newMux(t)
	var mu sync.Mutex
	var order []string
	mark := func(name string) Handler {
		return func(Message) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	m.Subscribe("one", "/t", mark("one"), false)
	m.Subscribe("boom", "/t", func(Message) { panic("handler bug") }, false)
	m.Subscribe("two", "/t", mark("two"), false)

	require.NotPanics(t, func() { m.Dispatch("/t", []byte("x")) })
	assert.Equal(t, []string{"one", "two"}, order)
}

func TestDispatchUnknownTopicIgnored(t *testing.T) {
	m, _ := newMux(t)
	m.Dispatch("/nobody", []byte("x"))
	_, ok := m.Last("/nobody")
	assert.False(t, ok)
}

func TestContractViolations(t *testing.T) {
	strict, _ := newMux(t)
	assert.Panics(t, func() { strict.Unsubscribe("ghost", "/t") })
	assert.Panics(t, func() { strict.Subscribe("", "/t", func(Message) {}, false) })
	assert.Panics(t, func() { strict.Subscribe("s", "", func(Message) {}, false) })

	link := &fakeLink{}
	lax := New()
	lax.Attach(link)
	assert.NotPanics(t, func() { lax.Unsubscribe("ghost", "/t") })
	assert.NotPanics(t, func() { lax.Subscribe("s", "/t", nil, false) })
	assert.Empty(t, lax.Topics())
	assert.Equal(t, 0, link.count("sub", "/t"))
}

func TestResubscribeCoversAllTopics(t *testing.T) {
	m, link := newMux(t)
	m.Subscribe("a", "/a", func(Message) {}, false)
	m.Subscribe("b", "/b", func(Message) {}, false)
	m.Resubscribe()
	assert.Equal(t, 2, link.count("sub", "/a"))
	assert.Equal(t, 2, link.count("sub", "/b"))
}

func TestHandlerMaySubscribeFromCallback(t *testing.T) {
	m, _ := newMux(t)
	inner := &recorder{}
	m.Subscribe("outer", "/t", func(Message) {
		m.Subscribe("inner", "/u", inner.handle, true)
		m.Unsubscribe("outer", "/t")
	}, false)

	done := make(chan struct{})
	go func() {
		m.Dispatch("/t", []byte("x"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch deadlocked on re-entrant subscribe")
	}
	assert.Equal(t, []string{"/u"}, m.Topics())
}

// Any interleaving of subscribe/unsubscribe must produce exactly one real
// subscribe per 0->1 transition and one real unsubscribe per 1->0.
func TestTransitionsMatchLinkCalls(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	m, link := newMux(t)
	ids := []string{"a", "b", "c", "d"}
	live := map[string]bool{}
	ups, downs := 0, 0

	for i := 0; i < 2000; i++ {
		id := ids[rng.Intn(len(ids))]
		if live[id] {
			m.Unsubscribe(id, "/t")
			delete(live, id)
			if len(live) == 0 {
				downs++
			}
			continue
		}
		if len(live) == 0 {
			ups++
		}
		live[id] = true
		m.Subscribe(id, "/t", func(Message) {}, rng.Intn(2) == 0)
	}

	assert.Equal(t, ups, link.count("sub", "/t"))
	assert.Equal(t, downs, link.count("unsub", "/t"))
}

func TestConcurrentSubscribersStayBalanced(t *testing.T) {
	m, link := newMux(t)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := fmt.Sprintf("g%d", g)
			for i := 0; i < 200; i++ {
				m.Subscribe(id, "/t", func(Message) {}, true)
				m.Dispatch("/t", []byte("x"))
				m.Unsubscribe(id, "/t")
			}
		}(g)
	}
	wg.Wait()

	assert.Empty(t, m.Topics())
	assert.Equal(t, link.count("sub", "/t"), link.count("unsub", "/t"))
}

// Integration with the real connection manager.

type stubTransport struct {
	mu      sync.Mutex
	subs    map[string]int
	deliver conn.DeliverFunc
	done    chan struct{}
	once    sync.Once
}

func (s *stubTransport) Subscribe(topic string) error {
	s.mu.Lock()
	s.subs[topic]++
	s.mu.Unlock()
	return nil
}

func (s *stubTransport) Unsubscribe(topic string) error {
	s.mu.Lock()
	s.subs[topic]--
	s.mu.Unlock()
	return nil
}

func (s *stubTransport) subscribed(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[topic]
}

func (s *stubTransport) Done() <-chan struct{} { return s.done }
func (s *stubTransport) Err() error            { return nil }
func (s *stubTransport) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func TestMultiplexerOverManager(t *testing.T) {
	var mu sync.Mutex
	var last *stubTransport
	dialer := conn.DialerFunc(func(_ context.Context, _ string, deliver conn.DeliverFunc) (conn.Transport, error) {
		tr := &stubTransport{subs: map[string]int{}, deliver: deliver, done: make(chan struct{})}
		mu.Lock()
		last = tr
		mu.Unlock()
		return tr, nil
	})
	current := func() *stubTransport {
		mu.Lock()
		defer mu.Unlock()
		return last
	}

	mgr := conn.NewManager(dialer)
	mux := New(WithStrict(true))
	mux.Attach(mgr)
	mgr.Bind(mux)

	r := &recorder{}
	mux.Subscribe("progress", "/user/topic/cocktailprogress", r.handle, true)

	mgr.Connect("token")
	require.Eventually(t, func() bool { return mgr.State() == conn.Connected }, 2*time.Second, 5*time.Millisecond)

	tr := current()
	assert.Equal(t, 1, tr.subscribed("/user/topic/cocktailprogress"))

	tr.deliver("/user/topic/cocktailprogress", []byte(`{"state":"RUNNING"}`))
	assert.Equal(t, []string{`{"state":"RUNNING"}`}, r.got())

	mux.Unsubscribe("progress", "/user/topic/cocktailprogress")
	assert.Equal(t, 0, tr.subscribed("/user/topic/cocktailprogress"))
	assert.Empty(t, mgr.ActiveTopics())

	mgr.Disconnect()
}
