package corosio

import (
	"context"
	"testing"
	"time"
)

func TestMetricsZeroWhenDisabled(t *testing.T) {
	sched := newTestScheduler(t)
	sched.Executor().PostFunc(func() {})
	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := sched.Metrics()
	if stats.Latency.Count != 0 || stats.TPS != 0 || stats.Queue.Max != 0 {
		t.Fatalf("metrics must stay zero without WithMetrics, got %+v", stats)
	}
}

func TestMetricsRecordsDispatches(t *testing.T) {
	ctx, err := NewContext(WithPortableReactor(), WithMetrics(true))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Shutdown()

	const items = 20
	for i := 0; i < items; i++ {
		ctx.Executor().PostFunc(func() {
			time.Sleep(time.Millisecond)
		})
	}
	if err := ctx.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := ctx.Metrics()
	if stats.Latency.Count != items {
		t.Fatalf("expected %d latency observations, got %d", items, stats.Latency.Count)
	}
	if stats.Latency.P50 <= 0 || stats.Latency.Max < stats.Latency.P50 {
		t.Fatalf("implausible latency distribution: %+v", stats.Latency)
	}
	if stats.Latency.Mean < time.Millisecond {
		t.Fatalf("mean below the sleep floor: %v", stats.Latency.Mean)
	}
	if stats.TPS <= 0 {
		t.Fatalf("expected a non-zero dispatch rate, got %v", stats.TPS)
	}
	// Everything was posted before Run, so the queue was observed at
	// depth items at least once, and is empty at snapshot time.
	if stats.Queue.Max < items {
		t.Fatalf("expected max queue depth >= %d, got %d", items, stats.Queue.Max)
	}
	if stats.Queue.Current != 0 {
		t.Fatalf("expected an empty queue after Run, got depth %d", stats.Queue.Current)
	}
	if stats.Queue.Avg <= 0 {
		t.Fatalf("expected a positive average queue depth, got %v", stats.Queue.Avg)
	}
}

func TestQuantileEstimatorTracksUniformStream(t *testing.T) {
	// Feed 1..1000 and check the streaming estimates land near the true
	// percentiles; P-Square is approximate, so the tolerances are loose.
	m := newMultiQuantile(0.50, 0.99)
	for i := 1; i <= 1000; i++ {
		m.observe(float64(i))
	}

	if p50 := m.quantile(0); p50 < 400 || p50 > 600 {
		t.Fatalf("P50 estimate out of tolerance: %v", p50)
	}
	if p99 := m.quantile(1); p99 < 900 || p99 > 1000 {
		t.Fatalf("P99 estimate out of tolerance: %v", p99)
	}
	if max := m.maximum(); max != 1000 {
		t.Fatalf("expected max 1000, got %v", max)
	}
	if mean := m.mean(); mean < 495 || mean > 506 {
		t.Fatalf("mean out of tolerance: %v", mean)
	}
	if m.count != 1000 {
		t.Fatalf("expected 1000 observations, got %d", m.count)
	}
}

func TestQuantileEstimatorSmallStreams(t *testing.T) {
	e := newQuantileEstimator(0.50)
	if got := e.quantile(); got != 0 {
		t.Fatalf("empty estimator must report 0, got %v", got)
	}
	for _, x := range []float64{30, 10, 20} {
		e.observe(x)
	}
	// Below five observations the estimator sorts its bootstrap buffer.
	if got := e.quantile(); got != 20 {
		t.Fatalf("expected the exact median 20 for a 3-value stream, got %v", got)
	}
}

func TestTPSCounterCountsWithinWindow(t *testing.T) {
	c := newTPSCounter(time.Second, 100*time.Millisecond)
	if got := c.rate(); got != 0 {
		t.Fatalf("fresh counter must report 0, got %v", got)
	}
	for i := 0; i < 50; i++ {
		c.increment()
	}
	// 50 dispatches over a 1s window: 50/s, modulo bucket rotation while
	// the loop above ran.
	if got := c.rate(); got < 40 || got > 51 {
		t.Fatalf("expected a rate near 50/s, got %v", got)
	}
}
