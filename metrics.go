package corosio

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a point-in-time snapshot of a Scheduler's runtime statistics:
// dispatch-latency percentiles, dispatch throughput, and completion-queue
// depth. Collection is opt-in via WithMetrics; a scheduler constructed
// without it returns a zero Metrics and pays nothing on the hot path.
//
//	ctx, _ := NewContext(WithMetrics(true))
//	_ = ctx.Run(context.Background())
//	stats := ctx.Metrics()
//	fmt.Printf("TPS: %.2f, P99: %v\n", stats.TPS, stats.Latency.P99)
type Metrics struct {
	Latency LatencyMetrics
	TPS     float64
	Queue   QueueMetrics
}

// LatencyMetrics reports the distribution of work-item execution times,
// estimated by streaming P-Square quantiles rather than a sample buffer,
// so recording stays O(1) per dispatch with no periodic sort.
type LatencyMetrics struct {
	P50   time.Duration
	P90   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count int
}

// QueueMetrics reports completion-queue depth: the depth at snapshot time,
// the maximum observed, and an exponential moving average (alpha = 0.1,
// seeded with the first observation).
type QueueMetrics struct {
	Current int
	Max     int
	Avg     float64
}

// metricsCollector is the live state behind Scheduler.Metrics. The latency
// digest and queue-depth aggregates each take a short mutex per update; the
// TPS counter is a rolling bucket window in the manner of a rate gauge.
type metricsCollector struct {
	latencyMu sync.Mutex
	latency   *multiQuantile

	queueMu   sync.Mutex
	queue     QueueMetrics
	queueInit bool

	tps *tpsCounter
}

func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		latency: newMultiQuantile(0.50, 0.90, 0.95, 0.99),
		tps:     newTPSCounter(10*time.Second, 100*time.Millisecond),
	}
}

// observeDispatch records one executed work item and its wall time.
func (c *metricsCollector) observeDispatch(d time.Duration) {
	c.latencyMu.Lock()
	c.latency.observe(float64(d))
	c.latencyMu.Unlock()
	c.tps.increment()
}

// observeQueueDepth records the completion-queue depth after a push.
func (c *metricsCollector) observeQueueDepth(depth int) {
	c.queueMu.Lock()
	c.queue.Current = depth
	if depth > c.queue.Max {
		c.queue.Max = depth
	}
	if !c.queueInit {
		c.queue.Avg = float64(depth)
		c.queueInit = true
	} else {
		c.queue.Avg = 0.9*c.queue.Avg + 0.1*float64(depth)
	}
	c.queueMu.Unlock()
}

// snapshot assembles a Metrics copy safe to hand to the caller.
func (c *metricsCollector) snapshot(currentDepth int) Metrics {
	var m Metrics

	c.latencyMu.Lock()
	m.Latency = LatencyMetrics{
		P50:   time.Duration(c.latency.quantile(0)),
		P90:   time.Duration(c.latency.quantile(1)),
		P95:   time.Duration(c.latency.quantile(2)),
		P99:   time.Duration(c.latency.quantile(3)),
		Max:   time.Duration(c.latency.maximum()),
		Mean:  time.Duration(c.latency.mean()),
		Count: c.latency.count,
	}
	c.latencyMu.Unlock()

	m.TPS = c.tps.rate()

	c.queueMu.Lock()
	m.Queue = c.queue
	m.Queue.Current = currentDepth
	c.queueMu.Unlock()

	return m
}

// tpsCounter tracks dispatches per second over a rolling window of fixed
// buckets (10 s of 100 ms buckets by default). Until the window first
// fills, the reported rate is averaged over the whole window, so it ramps
// up from zero rather than spiking.
type tpsCounter struct {
	lastRotation atomic.Value // time.Time
	buckets      []int64
	bucketSize   time.Duration
	windowSize   time.Duration
	mu           sync.Mutex
}

func newTPSCounter(windowSize, bucketSize time.Duration) *tpsCounter {
	bucketCount := int(windowSize / bucketSize)
	if bucketCount < 1 {
		bucketCount = 1
	}
	t := &tpsCounter{
		buckets:    make([]int64, bucketCount),
		bucketSize: bucketSize,
		windowSize: windowSize,
	}
	t.lastRotation.Store(time.Now())
	return t
}

func (t *tpsCounter) increment() {
	t.rotate()
	t.mu.Lock()
	t.buckets[len(t.buckets)-1]++
	t.mu.Unlock()
}

// rotate shifts the window forward by however many whole buckets have
// elapsed since the last rotation.
func (t *tpsCounter) rotate() {
	now := time.Now()
	lastRotation := t.lastRotation.Load().(time.Time)
	advance := int(now.Sub(lastRotation) / t.bucketSize)

	if advance >= len(t.buckets) {
		t.mu.Lock()
		for i := range t.buckets {
			t.buckets[i] = 0
		}
		t.mu.Unlock()
		t.lastRotation.Store(now)
		return
	}
	if advance > 0 {
		t.mu.Lock()
		copy(t.buckets, t.buckets[advance:])
		for i := len(t.buckets) - advance; i < len(t.buckets); i++ {
			t.buckets[i] = 0
		}
		t.mu.Unlock()
		t.lastRotation.Store(lastRotation.Add(time.Duration(advance) * t.bucketSize))
	}
}

func (t *tpsCounter) rate() float64 {
	t.rotate()
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum int64
	for _, n := range t.buckets {
		sum += n
	}
	if sum == 0 {
		return 0
	}
	return float64(sum) / t.windowSize.Seconds()
}
