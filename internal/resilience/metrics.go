package resilience

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a point-in-time view of one target's call statistics.
type Metrics struct {
	Target       string
	Total        int64
	Success      int64
	Errors       int64
	Timeouts     int64
	Retries      int64
	CircuitOpens int64
	SuccessRate  float64 // success / total, 1.0 when no calls yet
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	State        State
}

// String renders a compact summary for logs.
func (m Metrics) String() string {
	return fmt.Sprintf("target=%s state=%s total=%d success_rate=%.3f retries=%d timeouts=%d circuit_opens=%d p50=%v p95=%v p99=%v",
		m.Target, m.State, m.Total, m.SuccessRate, m.Retries, m.Timeouts, m.CircuitOpens, m.P50, m.P95, m.P99)
}

// collector accumulates per-target counters and a bounded latency
// window for percentile estimation.
type collector struct {
	total        atomic.Int64
	success      atomic.Int64
	errors       atomic.Int64
	timeouts     atomic.Int64
	retries      atomic.Int64
	circuitOpens atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration // ring buffer, capacity = window
	next      int
	filled    bool
}

func newCollector(window int) *collector {
	if window <= 0 {
		window = 256
	}
	return &collector{latencies: make([]time.Duration, window)}
}

func (c *collector) observeLatency(d time.Duration) {
	c.mu.Lock()
	c.latencies[c.next] = d
	c.next++
	if c.next == len(c.latencies) {
		c.next = 0
		c.filled = true
	}
	c.mu.Unlock()
}

// percentiles returns p50/p95/p99 over the current window.
func (c *collector) percentiles() (p50, p95, p99 time.Duration) {
	c.mu.Lock()
	n := c.next
	if c.filled {
		n = len(c.latencies)
	}
	sample := make([]time.Duration, n)
	copy(sample, c.latencies[:n])
	c.mu.Unlock()

	if n == 0 {
		return 0, 0, 0
	}
	sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })
	at := func(q float64) time.Duration {
		idx := int(q * float64(n-1))
		return sample[idx]
	}
	return at(0.50), at(0.95), at(0.99)
}

func (c *collector) snapshot(target string, state State) Metrics {
	p50, p95, p99 := c.percentiles()
	total := c.total.Load()
	success := c.success.Load()
	rate := 1.0
	if total > 0 {
		rate = float64(success) / float64(total)
	}
	return Metrics{
		Target:       target,
		Total:        total,
		Success:      success,
		Errors:       c.errors.Load(),
		Timeouts:     c.timeouts.Load(),
		Retries:      c.retries.Load(),
		CircuitOpens: c.circuitOpens.Load(),
		SuccessRate:  rate,
		P50:          p50,
		P95:          p95,
		P99:          p99,
		State:        state,
	}
}
