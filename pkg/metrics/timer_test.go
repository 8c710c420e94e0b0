package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	d := timer.Duration()
	if d < 20*time.Millisecond {
		t.Errorf("Duration() = %v, want >= 20ms", d)
	}
}

func TestTimerObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_timer_observe_duration_seconds",
		Help:    "test",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(h)

	if timer.Duration() == 0 {
		t.Error("expected non-zero duration after observe")
	}
}

func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "test_timer_observe_duration_vec_seconds",
		Help:    "test",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDurationVec(vec, "propose")

	if timer.Duration() == 0 {
		t.Error("expected non-zero duration after observe")
	}
}

func TestCollectorSnapshot(t *testing.T) {
	src := fakeSnapshotter{snap: Snapshot{
		ActorsByState:   map[string]int{"running": 3},
		EpoxyLogDepth:   map[string]int{"1": 42},
		RunnerSlotsUsed: map[string]int{"worker": 5},
		RunnerSlotsCap:  map[string]int{"worker": 10},
		RouteCacheSize:  7,
	}}

	c := NewCollector(src, time.Hour)
	c.collect()

	if got := ActorsTotal.WithLabelValues("running"); got == nil {
		t.Fatal("expected ActorsTotal metric to exist")
	}
}

type fakeSnapshotter struct {
	snap Snapshot
}

func (f fakeSnapshotter) MetricsSnapshot() Snapshot {
	return f.snap
}
