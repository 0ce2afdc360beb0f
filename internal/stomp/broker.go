package stomp

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Broker is a minimal STOMP server over websocket. It authenticates CONNECT
// frames with a bearer token, tracks SUBSCRIBE/UNSUBSCRIBE per session, and
// fans Publish calls out to matching subscriptions.
type Broker struct {
	authorize   func(token string) bool
	onSubscribe func(destination string)
	log         zerolog.Logger
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithAuthorizer sets the bearer token check. The default accepts anything.
func WithAuthorizer(fn func(token string) bool) BrokerOption {
	return func(b *Broker) { b.authorize = fn }
}

// WithSubscribeHook runs fn after each SUBSCRIBE is recorded, so a server can
// push the current value of a destination to the new subscriber.
func WithSubscribeHook(fn func(destination string)) BrokerOption {
	return func(b *Broker) { b.onSubscribe = fn }
}

// WithBrokerLogger sets the broker's logger.
func WithBrokerLogger(l zerolog.Logger) BrokerOption {
	return func(b *Broker) { b.log = l }
}

// NewBroker creates a broker with no sessions.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		authorize: func(string) bool { return true },
		log:       zerolog.Nop(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type session struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	authed bool
	subs   map[string]string // subscription id -> destination
}

// ServeHTTP upgrades the request and runs one STOMP session until the client
// disconnects.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := &session{ws: ws, subs: make(map[string]string)}

	b.mu.Lock()
	b.sessions[s] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.sessions, s)
		b.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frames, err := parseFrames(data)
		if err != nil {
			b.sendError(s, "malformed frame")
			return
		}
		for _, f := range frames {
			if !b.handle(s, f) {
				return
			}
		}
	}
}

// handle processes one client frame and reports whether the session stays
// open.
func (b *Broker) handle(s *session, f *frame.Frame) bool {
	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		token := strings.TrimPrefix(f.Header.Get(headerAuthorization), "Bearer ")
		if !b.authorize(token) {
			b.log.Debug().Msg("rejecting CONNECT with bad credential")
			b.sendError(s, "Unauthorized")
			return false
		}
		s.mu.Lock()
		s.authed = true
		s.mu.Unlock()
		_ = s.write(frame.New(frame.CONNECTED,
			frame.Version, "1.2",
			frame.HeartBeat, "0,0",
		))
		return true

	case frame.SUBSCRIBE:
		s.mu.Lock()
		if !s.authed {
			s.mu.Unlock()
			b.sendError(s, "not connected")
			return false
		}
		dest := f.Header.Get(frame.Destination)
		s.subs[f.Header.Get(frame.Id)] = dest
		s.mu.Unlock()
		if b.onSubscribe != nil {
			b.onSubscribe(dest)
		}
		return true

	case frame.UNSUBSCRIBE:
		s.mu.Lock()
		delete(s.subs, f.Header.Get(frame.Id))
		s.mu.Unlock()
		return true

	case frame.DISCONNECT:
		return false

	default:
		return true
	}
}

func (b *Broker) sendError(s *session, msg string) {
	_ = s.write(frame.New(frame.ERROR, headerMessage, msg))
}

// Publish sends body as a MESSAGE to every subscription on destination and
// returns how many subscriptions received it.
func (b *Broker) Publish(destination string, body []byte) int {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	sent := 0
	for _, s := range sessions {
		for _, id := range s.subscriptionsFor(destination) {
			f := frame.New(frame.MESSAGE,
				frame.Destination, destination,
				frame.Subscription, id,
				frame.MessageId, uuid.NewString(),
				frame.ContentType, "application/json",
			)
			f.Body = body
			if err := s.write(f); err != nil {
				b.log.Debug().Err(err).Str("destination", destination).Msg("publish write failed")
				continue
			}
			sent++
		}
	}
	return sent
}

// Subscribers counts live subscriptions on destination across all sessions.
func (b *Broker) Subscribers(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for s := range b.sessions {
		n += len(s.subscriptionsFor(destination))
	}
	return n
}

// Sessions returns the number of open sessions.
func (b *Broker) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// DropAll closes every session without a DISCONNECT, as a server restart
// would.
func (b *Broker) DropAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.sessions {
		_ = s.ws.Close()
	}
}

func (s *session) subscriptionsFor(destination string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, d := range s.subs {
		if d == destination {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *session) write(f *frame.Frame) error {
	var buf strings.Builder
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteMessage(websocket.TextMessage, []byte(buf.String()))
}
