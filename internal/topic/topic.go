// Package topic multiplexes many local subscribers onto the named topics of
// one realtime connection. A topic is subscribed on the connection only while
// it has at least one local subscriber; the most recent message per topic is
// cached so late joiners can ask for it.
//
// The multiplexer knows nothing about what a topic carries. Pump cards,
// the production session, and anything else share it.
package topic

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/large-farva/pourlink/internal/metrics"
)

// Message is one payload received on a topic.
type Message struct {
	Topic string
	Body  []byte
}

// String returns the body as text.
func (m Message) String() string { return string(m.Body) }

// Handler consumes messages for one subscriber.
type Handler func(Message)

// Link is the connection the multiplexer drives. Both calls must be cheap
// no-ops when the connection is down.
type Link interface {
	SubscribeTopic(topic string)
	UnsubscribeTopic(topic string)
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithStrict makes contract violations panic. Without it they are logged
// and ignored.
func WithStrict(strict bool) Option {
	return func(m *Multiplexer) {
		m.strict = strict
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Multiplexer) {
		m.log = l
	}
}

type subscriber struct {
	id string
	fn Handler

	// mu is held while fn runs so a replay always lands before any live
	// message dispatched after registration.
	mu      sync.Mutex
	removed atomic.Bool
}

type registration struct {
	subs []*subscriber
	last *Message
}

// Multiplexer is the topic registry. It is safe for concurrent use.
type Multiplexer struct {
	strict bool
	log    zerolog.Logger

	mu     sync.Mutex
	link   Link
	topics map[string]*registration
}

// New creates an empty multiplexer. Attach a Link before messages can flow.
func New(opts ...Option) *Multiplexer {
	m := &Multiplexer{
		log:    zerolog.Nop(),
		topics: make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach sets the connection used for real subscribe/unsubscribe calls.
func (m *Multiplexer) Attach(link Link) {
	m.mu.Lock()
	m.link = link
	m.mu.Unlock()
}

// Subscribe registers fn for (topic, subscriberID). Registering the same
// pair again replaces the previous handler. With replayLast set and a cached
// message present, fn receives that message before Subscribe returns.
func (m *Multiplexer) Subscribe(subscriberID, topic string, fn Handler, replayLast bool) {
	if topic == "" || subscriberID == "" || fn == nil {
		m.violation("subscribe with empty topic, subscriber id, or handler (topic=%q id=%q)", topic, subscriberID)
		return
	}

	sub := &subscriber{id: subscriberID, fn: fn}
	sub.mu.Lock()
	defer sub.mu.Unlock()

	m.mu.Lock()
	reg, ok := m.topics[topic]
	if !ok {
		reg = &registration{}
		m.topics[topic] = reg
		metrics.TopicsActive.Set(float64(len(m.topics)))
	}

	replaced := false
	for i, existing := range reg.subs {
		if existing.id == subscriberID {
			existing.removed.Store(true)
			reg.subs[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		reg.subs = append(reg.subs, sub)
	}

	var replay *Message
	if replayLast && reg.last != nil {
		cp := *reg.last
		replay = &cp
	}

	if !ok && m.link != nil {
		m.link.SubscribeTopic(topic)
	}
	m.mu.Unlock()

	m.log.Debug().Str("topic", topic).Str("subscriber", subscriberID).Bool("replaced", replaced).Msg("subscribed")

	if replay != nil {
		m.invoke(sub, *replay)
	}
}

// Unsubscribe removes (topic, subscriberID). When the last subscriber leaves,
// the topic is unsubscribed on the connection and its cache is dropped.
func (m *Multiplexer) Unsubscribe(subscriberID, topic string) {
	m.mu.Lock()
	reg, ok := m.topics[topic]
	idx := -1
	if ok {
		for i, s := range reg.subs {
			if s.id == subscriberID {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		m.violation("unsubscribe of unknown subscriber (topic=%q id=%q)", topic, subscriberID)
		return
	}

	removed := reg.subs[idx]
	reg.subs = append(reg.subs[:idx], reg.subs[idx+1:]...)

	if len(reg.subs) == 0 {
		delete(m.topics, topic)
		metrics.TopicsActive.Set(float64(len(m.topics)))
		if m.link != nil {
			m.link.UnsubscribeTopic(topic)
		}
	}
	m.mu.Unlock()

	removed.removed.Store(true)
	m.log.Debug().Str("topic", topic).Str("subscriber", subscriberID).Msg("unsubscribed")
}

// Resubscribe asks the link to subscribe every registered topic. The
// connection manager calls it after each successful connect.
func (m *Multiplexer) Resubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil {
		return
	}
	for _, t := range m.sortedTopicsLocked() {
		m.link.SubscribeTopic(t)
	}
}

// Dispatch caches body as the topic's last message and hands it to every
// subscriber in registration order. A panicking handler is recovered and
// does not stop delivery to the rest. Messages for topics with no
// subscribers are dropped.
func (m *Multiplexer) Dispatch(topic string, body []byte) {
	m.mu.Lock()
	reg, ok := m.topics[topic]
	if !ok {
		m.mu.Unlock()
		m.log.Debug().Str("topic", topic).Msg("message for unregistered topic dropped")
		return
	}
	msg := Message{Topic: topic, Body: append([]byte(nil), body...)}
	reg.last = &msg
	subs := append([]*subscriber(nil), reg.subs...)
	m.mu.Unlock()

	metrics.MessagesDispatched.WithLabelValues(metrics.TopicKind(topic)).Inc()

	for _, s := range subs {
		m.call(s, msg)
	}
}

func (m *Multiplexer) call(s *subscriber, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.invoke(s, msg)
}

// invoke runs the handler with s.mu held by the caller.
func (m *Multiplexer) invoke(s *subscriber, msg Message) {
	if s.removed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.SubscriberPanics.Inc()
			m.log.Error().
				Str("topic", msg.Topic).
				Str("subscriber", s.id).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("subscriber handler panicked")
		}
	}()
	s.fn(msg)
}

// Topics lists topics with at least one subscriber.
func (m *Multiplexer) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedTopicsLocked()
}

// Subscribers returns the subscriber ids of topic in registration order.
func (m *Multiplexer) Subscribers(topic string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.topics[topic]
	if !ok {
		return nil
	}
	ids := make([]string, len(reg.subs))
	for i, s := range reg.subs {
		ids[i] = s.id
	}
	return ids
}

// Last returns the cached message for topic.
func (m *Multiplexer) Last(topic string) (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.topics[topic]
	if !ok || reg.last == nil {
		return Message{}, false
	}
	return *reg.last, true
}

func (m *Multiplexer) sortedTopicsLocked() []string {
	out := make([]string, 0, len(m.topics))
	for t := range m.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (m *Multiplexer) violation(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if m.strict {
		panic("topic: " + msg)
	}
	m.log.Warn().Msg(msg)
}
