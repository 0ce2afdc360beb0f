package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTopicKind(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"/user/topic/pump/runningstate/3", "pump"},
		{"/user/topic/cocktailprogress", "production"},
		{"/user/topic/production/progress", "production"},
		{"/user/topic/uistateinfos", "other"},
	}
	for _, tt := range tests {
		if got := TopicKind(tt.topic); got != tt.want {
			t.Errorf("TopicKind(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}

// TestTimerObserveDuration tests histogram observation
func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(histogram)

	if n := testutil.CollectAndCount(histogram); n != 1 {
		t.Errorf("CollectAndCount = %d, want 1", n)
	}
}

func TestCountersRegistered(t *testing.T) {
	before := testutil.ToFloat64(ReconnectsTotal)
	ReconnectsTotal.Inc()
	if got := testutil.ToFloat64(ReconnectsTotal); got != before+1 {
		t.Errorf("ReconnectsTotal = %v, want %v", got, before+1)
	}
}
