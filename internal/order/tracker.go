package order

import (
	"context"
	"sync"
	"time"
)

// Checker is the part of Client the Tracker needs.
type Checker interface {
	CheckFeasibility(ctx context.Context, recipeID int64, cfg Config, isIngredient bool) (FeasibilityResult, error)
}

// Check is one feasibility call and its result.
type Check struct {
	Seq          uint64            `json:"seq"`
	RecipeID     int64             `json:"recipe_id"`
	Config       Config            `json:"config"`
	IsIngredient bool              `json:"is_ingredient"`
	Result       FeasibilityResult `json:"result"`
	Err          error             `json:"-"`
	Error        string            `json:"error,omitempty"`
	ErrKind      Kind              `json:"error_kind,omitempty"`
	At           time.Time         `json:"at"`
}

// Tracker keeps only the result of the most recently started feasibility
// check. Each call gets a sequence number; a result is applied only if no
// later call has been applied already, and starting a new call cancels the
// request of the previous one.
type Tracker struct {
	checker Checker

	mu      sync.Mutex
	seq     uint64
	applied uint64
	cancel  context.CancelFunc
	latest  *Check
	onApply func(Check)
}

// NewTracker creates a tracker over checker.
func NewTracker(checker Checker) *Tracker {
	return &Tracker{checker: checker}
}

// OnApply registers fn to run, outside the tracker's lock, each time a result
// is applied.
func (t *Tracker) OnApply(fn func(Check)) {
	t.mu.Lock()
	t.onApply = fn
	t.mu.Unlock()
}

// Check runs one feasibility call. It blocks until the call resolves and
// reports whether its result was applied. A superseded call, or one whose ctx
// ends before it resolves, returns applied=false.
func (t *Tracker) Check(ctx context.Context, recipeID int64, cfg Config, isIngredient bool) (Check, bool) {
	t.mu.Lock()
	t.seq++
	seq := t.seq
	if t.cancel != nil {
		t.cancel()
	}
	callCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()
	defer cancel()

	res, err := t.checker.CheckFeasibility(callCtx, recipeID, cfg, isIngredient)
	c := Check{
		Seq:          seq,
		RecipeID:     recipeID,
		Config:       cfg,
		IsIngredient: isIngredient,
		Result:       res,
		Err:          err,
		ErrKind:      KindOf(err),
		At:           time.Now().UTC(),
	}
	if err != nil {
		c.Error = err.Error()
	}

	t.mu.Lock()
	// A cancelled call was superseded, reset, or abandoned by its caller.
	// Its outcome says nothing about the appliance.
	if seq <= t.applied || callCtx.Err() != nil {
		t.mu.Unlock()
		return c, false
	}
	t.applied = seq
	t.latest = &c
	fn := t.onApply
	t.mu.Unlock()

	if fn != nil {
		fn(c)
	}
	return c, true
}

// Latest returns the most recently applied check.
func (t *Tracker) Latest() (Check, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		return Check{}, false
	}
	return *t.latest, true
}

// Reset forgets the applied result and cancels any in-flight call. Results of
// calls started before Reset are discarded.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.applied = t.seq
	t.latest = nil
}
