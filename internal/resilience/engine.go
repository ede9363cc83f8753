// Package resilience wraps backend calls per logical target with
// circuit breaking, retry with jittered exponential backoff, timeout
// racing and call metrics. State is keyed independently per target name
// and tolerates concurrent callers on the same key.
package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"synapse/internal/faults"
)

// Operation is one wrapped backend call. Implementations must honor
// context cancellation: the engine cancels the losing branch of every
// timeout race through this context.
type Operation func(ctx context.Context) (any, error)

// Config tunes the engine.
type Config struct {
	FailureThreshold int           // consecutive failures before the breaker opens
	Cooldown         time.Duration // open -> half-open delay
	DefaultTimeout   time.Duration // per-attempt timeout when the target has no override
	TargetTimeouts   map[string]time.Duration
	BaseDelay        time.Duration // backoff base
	MaxDelay         time.Duration // backoff ceiling
	LatencyWindow    int           // samples kept for percentile estimation

	// Success-rate alarm: a monitor goroutine logs targets whose rate
	// drops below the threshold, every MonitorInterval.
	SuccessRateThreshold float64
	MonitorInterval      time.Duration
}

// DefaultConfig returns the standard engine tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		Cooldown:             30 * time.Second,
		DefaultTimeout:       60 * time.Second,
		BaseDelay:            time.Second,
		MaxDelay:             30 * time.Second,
		LatencyWindow:        256,
		SuccessRateThreshold: 0.95,
		MonitorInterval:      time.Minute,
	}
}

// Engine executes operations per target.
type Engine struct {
	config Config
	logger *zap.Logger

	mu      sync.Mutex
	targets map[string]*targetState

	startOnce sync.Once
	started   bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}

	// jitter returns a factor in [-0.3, 0.3]; replaced in tests.
	jitter func() float64
}

type targetState struct {
	breaker   *breaker
	collector *collector
}

// NewEngine builds an engine. A nil logger is replaced with a no-op.
func NewEngine(config Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		config:  config,
		logger:  logger,
		targets: make(map[string]*targetState),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		jitter:  func() float64 { return (rand.Float64() * 0.6) - 0.3 },
	}
}

// Start launches the success-rate monitor. Optional; Execute works
// without it. Calling Start more than once is a no-op.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.started = true
		go e.monitor()
	})
}

// Stop terminates the monitor goroutine and waits for it to exit.
// Safe to call multiple times and without a prior Start.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	if e.started {
		<-e.done
	}
}

func (e *Engine) target(name string) *targetState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, ok := e.targets[name]
	if !ok {
		ts = &targetState{
			breaker:   newBreaker(e.config.FailureThreshold, e.config.Cooldown),
			collector: newCollector(e.config.LatencyWindow),
		}
		e.targets[name] = ts
	}
	return ts
}

func (e *Engine) timeoutFor(name string) time.Duration {
	if t, ok := e.config.TargetTimeouts[name]; ok {
		return t
	}
	return e.config.DefaultTimeout
}

// Execute runs op against a target with up to maxRetries additional
// attempts. The breaker is consulted before the first attempt only;
// a forbidding breaker fails fast with CircuitOpenError and never
// invokes op.
func (e *Engine) Execute(ctx context.Context, target string, op Operation, maxRetries int) (any, error) {
	ts := e.target(target)

	if ok, retryAfter := ts.breaker.allow(); !ok {
		ts.collector.circuitOpens.Add(1)
		e.logger.Debug("circuit open, rejecting call",
			zap.String("target", target),
			zap.Duration("retry_after", retryAfter))
		return nil, &faults.CircuitOpenError{Target: target, RetryAfter: retryAfter}
	}

	timeout := e.timeoutFor(target)
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			ts.collector.retries.Add(1)
			delay := e.backoffDelay(attempt)
			e.logger.Debug("retrying after backoff",
				zap.String("target", target),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := e.attempt(ctx, target, ts, op, timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			// The caller's context died; classification is irrelevant.
			return nil, lastErr
		}
		if !faults.Classify(err).Retriable() {
			e.logger.Debug("permanent failure, aborting retries",
				zap.String("target", target),
				zap.Error(err))
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt races op against the per-target timeout, cancelling the
// losing branch, and records breaker and metric outcomes.
func (e *Engine) attempt(ctx context.Context, target string, ts *targetState, op Operation, timeout time.Duration) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	resultCh := make(chan outcome, 1)
	start := time.Now()

	go func() {
		result, err := op(attemptCtx)
		resultCh <- outcome{result, err}
	}()

	select {
	case out := <-resultCh:
		ts.collector.total.Add(1)
		if out.err != nil {
			ts.collector.errors.Add(1)
			ts.breaker.recordFailure()
			return nil, out.err
		}
		ts.collector.success.Add(1)
		ts.collector.observeLatency(time.Since(start))
		ts.breaker.recordSuccess()
		return out.result, nil

	case <-attemptCtx.Done():
		// cancel() has signalled the losing branch through attemptCtx.
		ts.collector.total.Add(1)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ts.collector.timeouts.Add(1)
		ts.collector.errors.Add(1)
		ts.breaker.recordFailure()
		return nil, &faults.TimeoutError{Target: target, Elapsed: time.Since(start)}
	}
}

// backoffDelay computes min(maxDelay, base*2^(attempt-1)*(1+jitter))
// for attempt >= 1.
func (e *Engine) backoffDelay(attempt int) time.Duration {
	base := float64(e.config.BaseDelay) * float64(uint64(1)<<uint(attempt-1))
	delay := time.Duration(base * (1 + e.jitter()))
	if delay > e.config.MaxDelay {
		delay = e.config.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// BreakerState reports the breaker position for a target.
func (e *Engine) BreakerState(target string) State {
	return e.target(target).breaker.current()
}

// MetricsFor returns the metrics snapshot for one target.
func (e *Engine) MetricsFor(target string) Metrics {
	ts := e.target(target)
	return ts.collector.snapshot(target, ts.breaker.current())
}

// AllMetrics returns snapshots for every target seen so far.
func (e *Engine) AllMetrics() []Metrics {
	e.mu.Lock()
	names := make([]string, 0, len(e.targets))
	for name := range e.targets {
		names = append(names, name)
	}
	e.mu.Unlock()

	out := make([]Metrics, 0, len(names))
	for _, name := range names {
		out = append(out, e.MetricsFor(name))
	}
	return out
}

// monitor periodically logs targets whose success rate sits below the
// configured threshold.
func (e *Engine) monitor() {
	defer close(e.done)
	interval := e.config.MonitorInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			for _, m := range e.AllMetrics() {
				if m.Total > 0 && m.SuccessRate < e.config.SuccessRateThreshold {
					e.logger.Warn("success rate below threshold",
						zap.String("target", m.Target),
						zap.Float64("rate", m.SuccessRate),
						zap.Float64("threshold", e.config.SuccessRateThreshold),
						zap.String("metrics", m.String()))
				}
			}
		}
	}
}
