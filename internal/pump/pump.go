// Package pump follows the running state of individual pumps. Each watched
// pump is one multiplexer subscriber on its own topic, so pumps share the
// connection with the production session without knowing about it.
package pump

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/large-farva/pourlink/internal/topic"
)

// DefaultTopicPrefix is followed by the pump id.
const DefaultTopicPrefix = "/user/topic/pump/runningstate/"

// Topic returns the running-state topic of pump id.
func Topic(prefix string, id int64) string {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + strconv.FormatInt(id, 10)
}

// SubscriberID is the multiplexer identity of the watcher for pump id.
func SubscriberID(id int64) string {
	return fmt.Sprintf("pump-%d", id)
}

// RunningState describes a pump that is currently running a job.
type RunningState struct {
	Forward     bool    `json:"forward"`
	Percentage  float64 `json:"percentage"`
	RunInfinity bool    `json:"runInfinity"`
}

// JobID is the appliance's job identifier, published as a number or a string.
type JobID string

func (j *JobID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*j = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*j = JobID(s)
		return nil
	}
	*j = JobID(b)
	return nil
}

// JobState is the last known state of one pump.
type JobState struct {
	PumpID       int64         `json:"pump_id"`
	LastJobID    JobID         `json:"last_job_id,omitempty"`
	RunningState *RunningState `json:"running_state"`
	UpdatedAt    time.Time     `json:"updated_at,omitempty"`
}

// Running reports whether the pump is running a job.
func (s JobState) Running() bool { return s.RunningState != nil }

// Progress is the job's completion in percent, accounting for direction.
func (s JobState) Progress() float64 {
	if s.RunningState == nil {
		return 0
	}
	if s.RunningState.Forward {
		return s.RunningState.Percentage
	}
	return 100 - s.RunningState.Percentage
}

type payload struct {
	LastJobID    JobID         `json:"lastJobId"`
	RunningState *RunningState `json:"runningState"`
}

// Topics is what the watcher needs from the multiplexer.
type Topics interface {
	Subscribe(subscriberID, topic string, fn topic.Handler, replayLast bool)
	Unsubscribe(subscriberID, topic string)
}

// Watcher keeps the latest JobState per watched pump.
type Watcher struct {
	mux    Topics
	prefix string
	log    zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	states   map[int64]JobState
	onChange func(JobState)
}

// NewWatcher creates a watcher for topics under prefix.
func NewWatcher(mux Topics, prefix string, log zerolog.Logger) *Watcher {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Watcher{
		mux:    mux,
		prefix: prefix,
		log:    log,
		now:    time.Now,
		states: make(map[int64]JobState),
	}
}

// OnChange registers fn to run after each decoded update.
func (w *Watcher) OnChange(fn func(JobState)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

// Watch starts following pump id. Watching a pump twice replaces the first
// subscription.
func (w *Watcher) Watch(id int64) {
	w.mu.Lock()
	if _, ok := w.states[id]; !ok {
		w.states[id] = JobState{PumpID: id}
	}
	w.mu.Unlock()

	w.mux.Subscribe(SubscriberID(id), Topic(w.prefix, id), func(m topic.Message) {
		w.update(id, m.Body)
	}, true)
}

// Unwatch stops following pump id.
func (w *Watcher) Unwatch(id int64) {
	w.mu.Lock()
	_, ok := w.states[id]
	delete(w.states, id)
	w.mu.Unlock()
	if ok {
		w.mux.Unsubscribe(SubscriberID(id), Topic(w.prefix, id))
	}
}

// Close unwatches every pump.
func (w *Watcher) Close() {
	for _, s := range w.States() {
		w.Unwatch(s.PumpID)
	}
}

func (w *Watcher) update(id int64, body []byte) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		w.log.Warn().Err(err).Int64("pump_id", id).Msg("ignoring pump state")
		return
	}

	w.mu.Lock()
	if _, ok := w.states[id]; !ok {
		w.mu.Unlock()
		return
	}
	st := JobState{PumpID: id, LastJobID: p.LastJobID, RunningState: p.RunningState, UpdatedAt: w.now().UTC()}
	w.states[id] = st
	fn := w.onChange
	w.mu.Unlock()

	if fn != nil {
		fn(st)
	}
}

// State returns the last state of pump id.
func (w *Watcher) State(id int64) (JobState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.states[id]
	return st, ok
}

// States returns every watched pump ordered by id.
func (w *Watcher) States() []JobState {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]JobState, 0, len(w.states))
	for _, st := range w.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PumpID < out[j].PumpID })
	return out
}
