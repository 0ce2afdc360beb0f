// Package sim is a simulated cocktail appliance. It serves the STOMP
// websocket and the cocktail HTTP API the real machine exposes and runs a
// believable pour lifecycle, so the daemon and CLI can be exercised end to
// end without hardware.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/large-farva/pourlink/internal/order"
	"github.com/large-farva/pourlink/internal/stomp"
)

// Appliance states as the machine publishes them.
const (
	stateRunning   = "RUNNING"
	stateManual    = "MANUAL_INGREDIENT_ADD"
	stateCompleted = "COMPLETED"
	stateCanceled  = "CANCELLED"
	deleteBody     = "DELETE"
)

// Messages returned with 4xx responses.
const (
	msgOccupied   = "Pumps are currently occupied"
	msgNoPour     = "There is no production to cancel"
	msgNoManual   = "Production is not waiting for a manual ingredient"
	msgBadRequest = "Malformed order configuration"
)

// Options configures an Appliance.
type Options struct {
	Token         string // empty accepts any credential
	Step          time.Duration
	WSPath        string
	APIPath       string
	ProgressTopic string
	PumpTopic     string
	Catalog       Catalog
	Log           zerolog.Logger
}

func (o *Options) defaults() {
	if o.Step <= 0 {
		o.Step = time.Second
	}
	if o.WSPath == "" {
		o.WSPath = "/websocket"
	}
	if o.APIPath == "" {
		o.APIPath = "/api/cocktail/"
	}
	if !strings.HasSuffix(o.APIPath, "/") {
		o.APIPath += "/"
	}
	if o.ProgressTopic == "" {
		o.ProgressTopic = "/user/topic/cocktailprogress"
	}
	if o.PumpTopic == "" {
		o.PumpTopic = "/user/topic/pump/runningstate/"
	}
	if !strings.HasSuffix(o.PumpTopic, "/") {
		o.PumpTopic += "/"
	}
	if o.Catalog.Recipes == nil {
		o.Catalog = DefaultCatalog()
	}
}

// Appliance is one simulated machine.
type Appliance struct {
	opts   Options
	broker *stomp.Broker
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	current *pour
	jobSeq  int64
	pumps   map[int64]pumpPayload
}

// pour is the production in progress.
type pour struct {
	plan      plan
	state     string
	percent   int
	manual    []manualPayload
	cont      chan struct{}
	stop      context.CancelFunc
	cancelled bool
}

type recipePayload struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type manualPayload struct {
	Name   string  `json:"name"`
	Amount float64 `json:"amount"`
	Unit   string  `json:"unit"`
}

type progressPayload struct {
	State                           string          `json:"state"`
	ProgressPercent                 int             `json:"progressPercent"`
	Recipe                          recipePayload   `json:"recipe"`
	CurrentIngredientsToAddManually []manualPayload `json:"currentIngredientsToAddManually,omitempty"`
}

type runningState struct {
	Forward     bool    `json:"forward"`
	Percentage  float64 `json:"percentage"`
	RunInfinity bool    `json:"runInfinity"`
}

type pumpPayload struct {
	LastJobID    int64         `json:"lastJobId"`
	RunningState *runningState `json:"runningState"`
}

// New creates an appliance. Close stops any pour in progress.
func New(opts Options) *Appliance {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	a := &Appliance{
		opts:   opts,
		log:    opts.Log,
		ctx:    ctx,
		cancel: cancel,
		pumps:  make(map[int64]pumpPayload),
	}
	for _, id := range opts.Catalog.PumpIDs() {
		a.pumps[id] = pumpPayload{}
	}
	a.broker = stomp.NewBroker(
		stomp.WithAuthorizer(a.authorized),
		stomp.WithSubscribeHook(a.onSubscribe),
		stomp.WithBrokerLogger(opts.Log),
	)
	return a
}

// Broker exposes the STOMP side, mainly so tests can drop sessions.
func (a *Appliance) Broker() *stomp.Broker { return a.broker }

// Close stops the running pour and waits for it to exit.
func (a *Appliance) Close() {
	a.cancel()
	a.wg.Wait()
}

func (a *Appliance) authorized(token string) bool {
	return a.opts.Token == "" || token == a.opts.Token
}

// onSubscribe pushes the current value of a topic so a client that connects
// mid-pour catches up immediately.
func (a *Appliance) onSubscribe(dest string) {
	if dest == a.opts.ProgressTopic {
		a.mu.Lock()
		var body []byte
		if a.current != nil {
			body = a.progressLocked()
		}
		a.mu.Unlock()
		if body != nil {
			a.broker.Publish(dest, body)
		}
		return
	}
	if rest, ok := strings.CutPrefix(dest, a.opts.PumpTopic); ok {
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return
		}
		a.mu.Lock()
		st, ok := a.pumps[id]
		a.mu.Unlock()
		if ok {
			a.publishJSON(dest, st)
		}
	}
}

// Handler serves the websocket and the cocktail API.
func (a *Appliance) Handler() http.Handler {
	api := strings.TrimSuffix(a.opts.APIPath, "/")
	mux := http.NewServeMux()
	mux.Handle(a.opts.WSPath, a.broker)
	mux.HandleFunc("PUT "+api+"/{id}/feasibility", a.auth(a.handleFeasibility))
	mux.HandleFunc("PUT "+api+"/{id}", a.auth(a.handleOrder))
	mux.HandleFunc("DELETE "+api+"/{$}", a.auth(a.handleCancel))
	mux.HandleFunc("POST "+api+"/continueproduction", a.auth(a.handleContinue))
	return mux
}

// Serve serves on ln until ctx is cancelled, then stops any pour.
func (a *Appliance) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: a.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	a.log.Info().Str("addr", ln.Addr().String()).Msg("simulated appliance listening")
	defer a.Close()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (a *Appliance) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !a.authorized(strings.TrimSpace(tok)) {
			writeMessage(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

func (a *Appliance) resolve(w http.ResponseWriter, r *http.Request) (plan, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return plan{}, false
	}
	var cfg order.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeMessage(w, http.StatusBadRequest, msgBadRequest)
		return plan{}, false
	}
	isIngredient, _ := strconv.ParseBool(r.URL.Query().Get("isIngredient"))

	a.mu.Lock()
	p, err := a.opts.Catalog.plan(id, cfg, isIngredient)
	a.mu.Unlock()
	if err != nil {
		writeMessage(w, http.StatusNotFound, err.Error())
		return plan{}, false
	}
	return p, true
}

func (a *Appliance) handleFeasibility(w http.ResponseWriter, r *http.Request) {
	p, ok := a.resolve(w, r)
	if !ok {
		return
	}
	a.mu.Lock()
	res := p.feasibility()
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, res)
}

func (a *Appliance) handleOrder(w http.ResponseWriter, r *http.Request) {
	p, ok := a.resolve(w, r)
	if !ok {
		return
	}

	a.mu.Lock()
	if a.current != nil {
		a.mu.Unlock()
		writeMessage(w, http.StatusBadRequest, msgOccupied)
		return
	}
	res := p.feasibility()
	if !res.Feasible {
		a.mu.Unlock()
		writeMessage(w, http.StatusBadRequest, missingMessage(res))
		return
	}
	ctx, stop := context.WithCancel(a.ctx)
	cur := &pour{plan: p, state: stateRunning, cont: make(chan struct{}, 1), stop: stop}
	a.current = cur
	a.wg.Add(1)
	a.mu.Unlock()

	a.log.Info().Str("recipe", p.recipe.Name).Int("ml", p.total).Msg("pour started")
	go a.produce(ctx, cur)
	w.WriteHeader(http.StatusOK)
}

func (a *Appliance) handleCancel(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	cur := a.current
	if cur == nil || cur.cancelled || !isActive(cur.state) {
		a.mu.Unlock()
		writeMessage(w, http.StatusBadRequest, msgNoPour)
		return
	}
	cur.cancelled = true
	a.mu.Unlock()

	cur.stop()
	w.WriteHeader(http.StatusOK)
}

func (a *Appliance) handleContinue(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	cur := a.current
	if cur == nil || cur.state != stateManual {
		a.mu.Unlock()
		writeMessage(w, http.StatusBadRequest, msgNoManual)
		return
	}
	select {
	case cur.cont <- struct{}{}:
	default:
	}
	a.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func isActive(state string) bool {
	return state == stateRunning || state == stateManual
}

func missingMessage(res order.FeasibilityResult) string {
	var names []string
	for _, m := range res.Missing() {
		names = append(names, fmt.Sprintf("%s (%d ml)", m.Ingredient.Name, m.AmountMissing))
	}
	return "Not enough ingredients: " + strings.Join(names, ", ")
}

// produce runs one pour from first pump to the final DELETE.
func (a *Appliance) produce(ctx context.Context, cur *pour) {
	defer a.wg.Done()

	automatic := 0
	for _, s := range cur.plan.steps {
		if !s.ingredient.Manual {
			automatic += s.ml
		}
	}
	pumped := 0

	a.setProgress(cur, stateRunning, 0, nil)
	for _, s := range cur.plan.steps {
		if s.ingredient.Manual {
			a.setProgress(cur, stateManual, cur.percent, []manualPayload{{Name: s.ingredient.Name, Amount: float64(s.ml), Unit: "ml"}})
			select {
			case <-cur.cont:
			case <-ctx.Done():
				a.finish(cur)
				return
			}
			a.setProgress(cur, stateRunning, cur.percent, nil)
			continue
		}

		job := a.startPump(s.ingredient.PumpID)
		for quarter := 1; quarter <= 4; quarter++ {
			if !sleepOrCancel(ctx, a.opts.Step) {
				a.stopPump(s.ingredient.PumpID, job)
				a.finish(cur)
				return
			}
			a.runPump(s.ingredient.PumpID, job, float64(quarter*25))
			pct := 100
			if automatic > 0 {
				pct = (pumped + s.ml*quarter/4) * 100 / automatic
			}
			a.setProgress(cur, stateRunning, pct, nil)
		}
		pumped += s.ml
		a.stopPump(s.ingredient.PumpID, job)
		a.mu.Lock()
		s.ingredient.StockMl -= s.ml
		a.mu.Unlock()
	}

	a.setProgress(cur, stateCompleted, 100, nil)
	a.log.Info().Str("recipe", cur.plan.recipe.Name).Msg("pour completed")
	a.linger(cur)
}

// finish ends a stopped pour. A user cancel publishes CANCELLED first; an
// appliance shutdown just stops.
func (a *Appliance) finish(cur *pour) {
	a.mu.Lock()
	cancelled := cur.cancelled
	a.mu.Unlock()
	if !cancelled {
		return
	}
	a.setProgress(cur, stateCanceled, cur.percent, nil)
	a.log.Info().Str("recipe", cur.plan.recipe.Name).Msg("pour cancelled")
	a.linger(cur)
}

// linger keeps the terminal state visible for a few steps, then clears the
// production and publishes DELETE.
func (a *Appliance) linger(cur *pour) {
	sleepOrCancel(a.ctx, 3*a.opts.Step)
	a.mu.Lock()
	if a.current == cur {
		a.current = nil
	}
	a.mu.Unlock()
	a.broker.Publish(a.opts.ProgressTopic, []byte(deleteBody))
}

func (a *Appliance) setProgress(cur *pour, state string, pct int, manual []manualPayload) {
	a.mu.Lock()
	cur.state = state
	cur.percent = pct
	cur.manual = manual
	body := a.progressLocked()
	a.mu.Unlock()
	a.broker.Publish(a.opts.ProgressTopic, body)
}

func (a *Appliance) progressLocked() []byte {
	cur := a.current
	body, _ := json.Marshal(progressPayload{
		State:           cur.state,
		ProgressPercent: cur.percent,
		Recipe: recipePayload{
			ID:          cur.plan.recipe.ID,
			Name:        cur.plan.recipe.Name,
			Description: cur.plan.recipe.Description,
		},
		CurrentIngredientsToAddManually: cur.manual,
	})
	return body
}

func (a *Appliance) startPump(id int64) int64 {
	a.mu.Lock()
	a.jobSeq++
	job := a.jobSeq
	st := pumpPayload{LastJobID: job, RunningState: &runningState{Forward: true}}
	a.pumps[id] = st
	a.mu.Unlock()
	a.publishJSON(a.pumpTopic(id), st)
	return job
}

func (a *Appliance) runPump(id, job int64, pct float64) {
	st := pumpPayload{LastJobID: job, RunningState: &runningState{Forward: true, Percentage: pct}}
	a.mu.Lock()
	a.pumps[id] = st
	a.mu.Unlock()
	a.publishJSON(a.pumpTopic(id), st)
}

func (a *Appliance) stopPump(id, job int64) {
	st := pumpPayload{LastJobID: job}
	a.mu.Lock()
	a.pumps[id] = st
	a.mu.Unlock()
	a.publishJSON(a.pumpTopic(id), st)
}

func (a *Appliance) pumpTopic(id int64) string {
	return a.opts.PumpTopic + strconv.FormatInt(id, 10)
}

func (a *Appliance) publishJSON(dest string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		a.log.Warn().Err(err).Str("destination", dest).Msg("marshal failed")
		return
	}
	a.broker.Publish(dest, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// sleepOrCancel sleeps for d or returns false early if ctx is cancelled.
func sleepOrCancel(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
