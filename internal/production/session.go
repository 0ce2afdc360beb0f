// Package production tracks the appliance's single drink pour. The session
// only changes state when a message arrives on the progress topic; local
// calls (order, cancel, continue) never move it forward on their own. A
// successful order only arms ORDER_SUBMITTED and waits for the appliance.
package production

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/large-farva/pourlink/internal/metrics"
	"github.com/large-farva/pourlink/internal/order"
	"github.com/large-farva/pourlink/internal/topic"
)

// DefaultTopic is the appliance's progress topic.
const DefaultTopic = "/user/topic/cocktailprogress"

// SubscriberID is the session's identity on the multiplexer.
const SubscriberID = "cocktailProgress"

// ErrNotAllowed is returned when an action is not available in the current
// state.
var ErrNotAllowed = errors.New("action not allowed")

// Action is a user action on the session.
type Action string

const (
	ActionOrder    Action = "order"
	ActionCancel   Action = "cancel"
	ActionContinue Action = "continue"
	ActionDismiss  Action = "dismiss"
)

// API is what the session needs from the appliance's HTTP API.
type API interface {
	order.Checker
	PlaceOrder(ctx context.Context, recipeID int64, cfg order.Config, isIngredient bool) (order.Outcome, error)
	Cancel(ctx context.Context) (order.Outcome, error)
	Continue(ctx context.Context) (order.Outcome, error)
}

// Topics is what the session needs from the multiplexer.
type Topics interface {
	Subscribe(subscriberID, topic string, fn topic.Handler, replayLast bool)
	Unsubscribe(subscriberID, topic string)
}

// Snapshot is the session as observers see it.
type Snapshot struct {
	Version      uint64             `json:"version"`
	State        State              `json:"state"`
	RecipeID     int64              `json:"recipe_id,omitempty"`
	RecipeName   string             `json:"recipe_name,omitempty"`
	IsIngredient bool               `json:"is_ingredient,omitempty"`
	Order        *order.Config      `json:"order,omitempty"`
	Percent      int                `json:"progress_percent"`
	Manual       []ManualIngredient `json:"manual_ingredients,omitempty"`
	Foreign      bool               `json:"foreign,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
	ErrorKind    order.Kind         `json:"error_kind,omitempty"`
	Actions      []Action           `json:"actions"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Option configures a Session.
type Option func(*Session)

// WithTopic overrides the progress topic.
func WithTopic(t string) Option {
	return func(s *Session) { s.topic = t }
}

// WithLogger sets the session's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session is the one production session per appliance. It is safe for
// concurrent use.
type Session struct {
	api   API
	mux   Topics
	topic string
	log   zerolog.Logger
	now   func() time.Time

	mu           sync.Mutex
	started      bool
	state        State
	recipeID     int64
	recipeName   string
	isIngredient bool
	cfg          *order.Config
	percent      int
	manual       []ManualIngredient
	foreign      bool
	lastErr      string
	errKind      order.Kind
	ordering     bool
	ignoring     bool
	version      uint64
	updatedAt    time.Time
	observers    map[string]*observer
}

// NewSession creates an idle session. Call Start to begin following the
// progress topic.
func NewSession(api API, mux Topics, opts ...Option) *Session {
	s := &Session{
		api:       api,
		mux:       mux,
		topic:     DefaultTopic,
		log:       zerolog.Nop(),
		now:       time.Now,
		state:     Idle,
		observers: make(map[string]*observer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.updatedAt = s.now().UTC()
	return s
}

// Start subscribes to the progress topic with replay, so a pour already in
// progress is picked up immediately.
func (s *Session) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.mux.Subscribe(SubscriberID, s.topic, s.onMessage, true)
}

// Stop unsubscribes from the progress topic and stops every observer.
func (s *Session) Stop() {
	s.mu.Lock()
	wasStarted := s.started
	s.started = false
	obs := s.observers
	s.observers = make(map[string]*observer)
	s.mu.Unlock()

	if wasStarted {
		s.mux.Unsubscribe(SubscriberID, s.topic)
	}
	for _, o := range obs {
		o.stop()
	}
}

// Topic returns the progress topic the session follows.
func (s *Session) Topic() string { return s.topic }

func (s *Session) onMessage(msg topic.Message) {
	u, err := ParseProgress(msg.Body)
	if err != nil {
		s.log.Warn().Err(err).Msg("ignoring progress message")
		return
	}
	s.apply(u)
}

// apply runs one progress update through the state machine.
func (s *Session) apply(u Update) {
	s.mu.Lock()
	from := s.state
	changed := s.applyLocked(u)
	to := s.state
	s.mu.Unlock()

	if !changed {
		return
	}
	if from != to {
		metrics.ProductionTransitions.WithLabelValues(string(to)).Inc()
		s.log.Info().Str("from", string(from)).Str("to", string(to)).Int("percent", u.Percent).Msg("production state")
	}
	s.publish()
}

func (s *Session) applyLocked(u Update) bool {
	if u.Deleted {
		s.ignoring = false
		if s.state == OrderSubmitted {
			// The appliance clears the previous pour independently of a new
			// order; keep waiting for the new one.
			return false
		}
		if s.state == Idle {
			return false
		}
		s.resetLocked()
		return true
	}

	if s.ignoring {
		if u.State.Terminal() {
			s.ignoring = false
		}
		return false
	}

	switch {
	case s.state == Idle && u.State.Terminal():
		// Stale end of a pour nobody here was following.
		return false
	case s.state == Idle, s.state.Terminal() && !u.State.Terminal():
		s.resetLocked()
		s.foreign = true
	case s.state.Terminal() && u.State.Terminal():
		return false
	}

	s.state = u.State
	s.percent = u.Percent
	if u.Recipe != nil {
		s.recipeID = u.Recipe.ID
		s.recipeName = u.Recipe.Name
	}
	if u.State == ManualActionRequired {
		s.manual = append([]ManualIngredient(nil), u.Manual...)
	} else {
		s.manual = nil
	}
	s.touchLocked()
	return true
}

func (s *Session) resetLocked() {
	s.state = Idle
	s.recipeID = 0
	s.recipeName = ""
	s.isIngredient = false
	s.cfg = nil
	s.percent = 0
	s.manual = nil
	s.foreign = false
	s.lastErr = ""
	s.errKind = order.KindNone
	s.touchLocked()
}

func (s *Session) touchLocked() {
	s.version++
	s.updatedAt = s.now().UTC()
}

// PlaceOrder submits an order. It is only allowed while IDLE. Acceptance arms
// ORDER_SUBMITTED; the appliance's own messages drive everything after that.
func (s *Session) PlaceOrder(ctx context.Context, recipeID int64, cfg order.Config, isIngredient bool) (order.Outcome, error) {
	if err := s.beginOrder(); err != nil {
		return order.Outcome{}, err
	}
	defer s.endOrder()
	return s.placeOrder(ctx, recipeID, cfg, isIngredient)
}

// Order re-checks feasibility and only places the order when the appliance
// says it can be produced with nothing missing.
func (s *Session) Order(ctx context.Context, recipeID int64, cfg order.Config, isIngredient bool) (order.Outcome, error) {
	if err := s.beginOrder(); err != nil {
		return order.Outcome{}, err
	}
	defer s.endOrder()

	res, err := s.api.CheckFeasibility(ctx, recipeID, cfg, isIngredient)
	if err != nil {
		s.recordError(err.Error(), order.KindOf(err))
		return order.Outcome{}, err
	}
	if !res.Orderable() {
		out := order.Rejected(infeasibleReason(res))
		s.recordError(out.Reason, order.KindRejected)
		return out, nil
	}
	return s.placeOrder(ctx, recipeID, cfg, isIngredient)
}

func infeasibleReason(res order.FeasibilityResult) string {
	if missing := res.Missing(); len(missing) > 0 {
		parts := make([]string, 0, len(missing))
		for _, m := range missing {
			parts = append(parts, fmt.Sprintf("%s (%d missing)", m.Ingredient.Name, m.AmountMissing))
		}
		return "missing ingredients: " + strings.Join(parts, ", ")
	}
	if res.Reason != "" {
		return res.Reason
	}
	return "recipe cannot be produced right now"
}

func (s *Session) beginOrder() error {
	s.mu.Lock()
	if s.state != Idle || s.ordering {
		err := notAllowed(ActionOrder, s.state)
		s.mu.Unlock()
		return err
	}
	s.ordering = true
	s.touchLocked()
	s.mu.Unlock()
	s.publish()
	return nil
}

func (s *Session) endOrder() {
	s.mu.Lock()
	s.ordering = false
	s.touchLocked()
	s.mu.Unlock()
	s.publish()
}

func (s *Session) placeOrder(ctx context.Context, recipeID int64, cfg order.Config, isIngredient bool) (order.Outcome, error) {
	out, err := s.api.PlaceOrder(ctx, recipeID, cfg, isIngredient)
	if err != nil {
		s.recordError(err.Error(), order.KindOf(err))
		return out, err
	}
	if !out.Accepted {
		s.recordError(out.Reason, order.KindRejected)
		return out, nil
	}

	s.mu.Lock()
	from := s.state
	c := cfg.Normalized()
	switch {
	case s.state == Idle:
		s.state = OrderSubmitted
		s.percent = 0
		s.recipeID = recipeID
		s.recipeName = ""
	case s.state.Active() && s.foreign:
		// Progress for this order arrived before the HTTP response did.
		if s.recipeID == 0 {
			s.recipeID = recipeID
		}
	}
	s.foreign = false
	s.ignoring = false
	s.cfg = &c
	s.isIngredient = isIngredient
	s.lastErr = ""
	s.errKind = order.KindNone
	s.touchLocked()
	to := s.state
	s.mu.Unlock()

	if from != to {
		metrics.ProductionTransitions.WithLabelValues(string(to)).Inc()
	}
	s.log.Info().Int64("recipe_id", recipeID).Int("volume_ml", cfg.AmountOrderedInMl).Msg("order accepted")
	return out, nil
}

// Cancel asks the appliance to stop the pour. The session moves to
// CANCELLED only when the appliance says so.
func (s *Session) Cancel(ctx context.Context) (order.Outcome, error) {
	if err := s.require(ActionCancel); err != nil {
		return order.Outcome{}, err
	}
	return s.remote(ctx, s.api.Cancel)
}

// Continue tells the appliance the manual step is done.
func (s *Session) Continue(ctx context.Context) (order.Outcome, error) {
	if err := s.require(ActionContinue); err != nil {
		return order.Outcome{}, err
	}
	return s.remote(ctx, s.api.Continue)
}

func (s *Session) remote(ctx context.Context, call func(context.Context) (order.Outcome, error)) (order.Outcome, error) {
	out, err := call(ctx)
	switch {
	case err != nil:
		s.recordError(err.Error(), order.KindOf(err))
	case !out.Accepted:
		s.recordError(out.Reason, order.KindRejected)
	}
	return out, err
}

// Dismiss stops following the current pour and returns to IDLE without
// touching the appliance. Further messages about a still-running pour are
// ignored until it ends. Dismissing while IDLE is a no-op.
func (s *Session) Dismiss() error {
	s.mu.Lock()
	if s.state == Idle {
		s.mu.Unlock()
		return nil
	}
	if !allowed(s.state, ActionDismiss) {
		err := notAllowed(ActionDismiss, s.state)
		s.mu.Unlock()
		return err
	}
	s.ignoring = s.state.Active()
	s.resetLocked()
	s.mu.Unlock()

	metrics.ProductionTransitions.WithLabelValues(string(Idle)).Inc()
	s.log.Info().Msg("production dismissed")
	s.publish()
	return nil
}

func (s *Session) require(a Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !allowed(s.state, a) {
		return notAllowed(a, s.state)
	}
	return nil
}

func (s *Session) recordError(msg string, kind order.Kind) {
	s.mu.Lock()
	s.lastErr = msg
	s.errKind = kind
	s.touchLocked()
	s.mu.Unlock()
	s.publish()
}

func notAllowed(a Action, st State) error {
	return fmt.Errorf("%w: %s while %s", ErrNotAllowed, a, st)
}

// allowed is the action table. MANUAL_ACTION_REQUIRED only permits
// continue and cancel; terminal states only permit dismiss.
func allowed(st State, a Action) bool {
	for _, x := range actionsFor(st) {
		if x == a {
			return true
		}
	}
	return false
}

func actionsFor(st State) []Action {
	switch st {
	case Idle:
		return []Action{ActionOrder}
	case OrderSubmitted, Running:
		return []Action{ActionCancel, ActionDismiss}
	case ManualActionRequired:
		return []Action{ActionContinue, ActionCancel}
	case Finished, Cancelled:
		return []Action{ActionDismiss}
	default:
		return nil
	}
}

// Actions lists what the user may do right now.
func (s *Session) Actions() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actionsLocked()
}

func (s *Session) actionsLocked() []Action {
	if s.ordering {
		return []Action{}
	}
	return append([]Action{}, actionsFor(s.state)...)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		Version:      s.version,
		State:        s.state,
		RecipeID:     s.recipeID,
		RecipeName:   s.recipeName,
		IsIngredient: s.isIngredient,
		Percent:      s.percent,
		Foreign:      s.foreign,
		LastError:    s.lastErr,
		ErrorKind:    s.errKind,
		Actions:      s.actionsLocked(),
		UpdatedAt:    s.updatedAt,
	}
	if s.cfg != nil {
		c := *s.cfg
		snap.Order = &c
	}
	if len(s.manual) > 0 {
		snap.Manual = append([]ManualIngredient(nil), s.manual...)
	}
	return snap
}

// Observe calls fn with the current snapshot and then with every later one,
// in order, on a goroutine owned by the session. fn may call back into the
// session. The returned func stops delivery.
func (s *Session) Observe(fn func(Snapshot)) (cancel func()) {
	o := newObserver(fn)
	id := uuid.NewString()

	s.mu.Lock()
	s.observers[id] = o
	snap := s.snapshotLocked()
	s.mu.Unlock()

	o.push(snap)
	go o.run()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
		o.stop()
	}
}

func (s *Session) publish() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	obs := make([]*observer, 0, len(s.observers))
	for _, o := range s.observers {
		obs = append(obs, o)
	}
	s.mu.Unlock()

	for _, o := range obs {
		o.push(snap)
	}
}

// observerBacklog bounds how many undelivered snapshots an observer keeps;
// the oldest are dropped first.
const observerBacklog = 64

type observer struct {
	fn func(Snapshot)

	mu      sync.Mutex
	queue   []Snapshot
	seen    bool
	last    uint64
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

func newObserver(fn func(Snapshot)) *observer {
	return &observer{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// push queues snap unless a newer version was already queued. Versions can
// arrive out of order when two goroutines publish at once.
func (o *observer) push(snap Snapshot) {
	o.mu.Lock()
	if o.stopped || (o.seen && snap.Version <= o.last) {
		o.mu.Unlock()
		return
	}
	o.seen = true
	o.last = snap.Version
	o.queue = append(o.queue, snap)
	if len(o.queue) > observerBacklog {
		o.queue = o.queue[len(o.queue)-observerBacklog:]
	}
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *observer) run() {
	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
		}
		for {
			o.mu.Lock()
			if o.stopped || len(o.queue) == 0 {
				o.mu.Unlock()
				break
			}
			next := o.queue[0]
			o.queue = o.queue[1:]
			o.mu.Unlock()
			o.fn(next)
		}
	}
}

func (o *observer) stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	o.stopped = true
	o.queue = nil
	close(o.done)
}
