package pump

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-farva/pourlink/internal/topic"
)

func TestTopicNaming(t *testing.T) {
	assert.Equal(t, "/user/topic/pump/runningstate/3", Topic(DefaultTopicPrefix, 3))
	assert.Equal(t, "/x/3", Topic("/x", 3))
	assert.Equal(t, "pump-3", SubscriberID(3))
}

func TestWatcherDecodesRunningState(t *testing.T) {
	mux := topic.New(topic.WithStrict(true))
	w := NewWatcher(mux, "", zerolog.Nop())
	w.Watch(1)
	w.Watch(2)

	var changes []JobState
	w.OnChange(func(s JobState) { changes = append(changes, s) })

	mux.Dispatch(Topic(DefaultTopicPrefix, 1), []byte(`{"lastJobId":17,"runningState":{"forward":false,"percentage":30,"runInfinity":false}}`))
	mux.Dispatch(Topic(DefaultTopicPrefix, 2), []byte(`{"lastJobId":"abc","runningState":null}`))

	st, ok := w.State(1)
	require.True(t, ok)
	assert.True(t, st.Running())
	assert.Equal(t, JobID("17"), st.LastJobID)
	assert.InDelta(t, 70.0, st.Progress(), 0.001)

	st, ok = w.State(2)
	require.True(t, ok)
	assert.False(t, st.Running())
	assert.Equal(t, JobID("abc"), st.LastJobID)

	assert.Len(t, changes, 2)
	states := w.States()
	require.Len(t, states, 2)
	assert.Equal(t, int64(1), states[0].PumpID)
}

func TestLateWatcherGetsReplay(t *testing.T) {
	mux := topic.New()
	mux.Subscribe("card", Topic(DefaultTopicPrefix, 5), func(topic.Message) {}, false)
	mux.Dispatch(Topic(DefaultTopicPrefix, 5), []byte(`{"lastJobId":1,"runningState":{"forward":true,"percentage":40}}`))

	w := NewWatcher(mux, "", zerolog.Nop())
	w.Watch(5)

	st, _ := w.State(5)
	assert.True(t, st.Running())
	assert.InDelta(t, 40.0, st.Progress(), 0.001)
}

func TestUnwatchReleasesTopic(t *testing.T) {
	mux := topic.New(topic.WithStrict(true))
	w := NewWatcher(mux, "", zerolog.Nop())
	w.Watch(4)
	w.Watch(4)
	assert.Equal(t, []string{"pump-4"}, mux.Subscribers(Topic(DefaultTopicPrefix, 4)))

	w.Unwatch(4)
	assert.Empty(t, mux.Topics())
	_, ok := w.State(4)
	assert.False(t, ok)

	assert.NotPanics(t, func() { w.Unwatch(4) })
}
