package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"synapse/internal/faults"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.DefaultTimeout = 200 * time.Millisecond
	return cfg
}

func TestExecuteSuccess(t *testing.T) {
	e := NewEngine(fastConfig(), nil)
	result, err := e.Execute(context.Background(), "draft", func(ctx context.Context) (any, error) {
		return "ok", nil
	}, 0)
	require.NoError(t, err)
	require.Equal(t, "ok", result)

	m := e.MetricsFor("draft")
	require.Equal(t, int64(1), m.Total)
	require.Equal(t, int64(1), m.Success)
	require.Equal(t, 1.0, m.SuccessRate)
}

// Scenario: a target with exactly 5 prior failures rejects the 6th call
// immediately, and the wrapped operation is never invoked again.
func TestCircuitOpensAfterFiveFailures(t *testing.T) {
	e := NewEngine(fastConfig(), nil)
	var invocations atomic.Int64
	op := func(ctx context.Context) (any, error) {
		invocations.Add(1)
		return nil, errors.New("backend overloaded")
	}

	for i := 0; i < 5; i++ {
		_, err := e.Execute(context.Background(), "flaky", op, 0)
		require.Error(t, err)
	}
	require.Equal(t, int64(5), invocations.Load())
	require.Equal(t, StateOpen, e.BreakerState("flaky"))

	_, err := e.Execute(context.Background(), "flaky", op, 0)
	var coe *faults.CircuitOpenError
	require.True(t, errors.As(err, &coe), "expected CircuitOpenError, got %v", err)
	require.Equal(t, "flaky", coe.Target)
	require.Equal(t, int64(5), invocations.Load(), "wrapped op must not run while open")

	m := e.MetricsFor("flaky")
	require.Equal(t, int64(1), m.CircuitOpens)
}

func TestHalfOpenProbeOutcomeDecidesState(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureThreshold = 1
	cfg.Cooldown = 20 * time.Millisecond
	e := NewEngine(cfg, nil)

	_, err := e.Execute(context.Background(), "probe", func(ctx context.Context) (any, error) {
		return nil, errors.New("connection reset by peer")
	}, 0)
	require.Error(t, err)
	require.Equal(t, StateOpen, e.BreakerState("probe"))

	time.Sleep(30 * time.Millisecond)

	// Probe succeeds: breaker closes.
	result, err := e.Execute(context.Background(), "probe", func(ctx context.Context) (any, error) {
		return "recovered", nil
	}, 0)
	require.NoError(t, err)
	require.Equal(t, "recovered", result)
	require.Equal(t, StateClosed, e.BreakerState("probe"))
}

func TestRetriesOnRetriableThenSucceeds(t *testing.T) {
	e := NewEngine(fastConfig(), nil)
	var calls atomic.Int64
	result, err := e.Execute(context.Background(), "retry", func(ctx context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("rate limit exceeded")
		}
		return "third time lucky", nil
	}, 5)
	require.NoError(t, err)
	require.Equal(t, "third time lucky", result)
	require.Equal(t, int64(3), calls.Load())

	m := e.MetricsFor("retry")
	require.Equal(t, int64(2), m.Retries)
}

func TestPermanentFailureAbortsImmediately(t *testing.T) {
	e := NewEngine(fastConfig(), nil)
	var calls atomic.Int64
	_, err := e.Execute(context.Background(), "auth", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, errors.New("401 unauthorized")
	}, 5)
	require.Error(t, err)
	require.Equal(t, int64(1), calls.Load(), "permanent errors must not be retried")
}

func TestTimeoutRaceCancelsLoser(t *testing.T) {
	cfg := fastConfig()
	cfg.TargetTimeouts = map[string]time.Duration{"slow": 30 * time.Millisecond}
	e := NewEngine(cfg, nil)

	cancelled := make(chan struct{})
	_, err := e.Execute(context.Background(), "slow", func(ctx context.Context) (any, error) {
		select {
		case <-ctx.Done():
			close(cancelled)
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return "too late", nil
		}
	}, 0)

	var te *faults.TimeoutError
	require.True(t, errors.As(err, &te), "expected TimeoutError, got %v", err)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("losing branch was not cancelled")
	}

	m := e.MetricsFor("slow")
	require.Equal(t, int64(1), m.Timeouts)
}

func TestCallerCancellationStopsRetries(t *testing.T) {
	e := NewEngine(fastConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int64
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := e.Execute(ctx, "cancelme", func(opCtx context.Context) (any, error) {
		calls.Add(1)
		<-opCtx.Done()
		return nil, opCtx.Err()
	}, 100)
	require.ErrorIs(t, err, context.Canceled)
	require.LessOrEqual(t, calls.Load(), int64(2))
}

func TestBackoffDelayBounds(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEngine(cfg, nil)

	for attempt := 1; attempt <= 8; attempt++ {
		ideal := float64(cfg.BaseDelay) * float64(uint64(1)<<uint(attempt-1))
		for i := 0; i < 50; i++ {
			delay := e.backoffDelay(attempt)
			if delay == cfg.MaxDelay {
				continue // capped
			}
			lower := time.Duration(ideal * 0.7)
			upper := time.Duration(ideal * 1.3)
			require.GreaterOrEqual(t, delay, lower, "attempt %d", attempt)
			require.LessOrEqual(t, delay, upper, "attempt %d", attempt)
		}
	}

	// Never exceeds the ceiling even at absurd attempts.
	e.jitter = func() float64 { return 0.3 }
	require.Equal(t, cfg.MaxDelay, e.backoffDelay(20))
}

func TestConcurrentCallersSameTarget(t *testing.T) {
	e := NewEngine(fastConfig(), nil)
	done := make(chan struct{})
	for i := 0; i < 16; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = e.Execute(context.Background(), "shared", func(ctx context.Context) (any, error) {
				return "ok", nil
			}, 0)
		}()
	}
	for i := 0; i < 16; i++ {
		<-done
	}
	m := e.MetricsFor("shared")
	require.Equal(t, int64(16), m.Total)
	require.Equal(t, int64(16), m.Success)
}

func TestTargetsAreIndependent(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureThreshold = 1
	e := NewEngine(cfg, nil)

	_, err := e.Execute(context.Background(), "bad", func(ctx context.Context) (any, error) {
		return nil, errors.New("connection refused")
	}, 0)
	require.Error(t, err)
	require.Equal(t, StateOpen, e.BreakerState("bad"))

	// A different target is unaffected.
	result, err := e.Execute(context.Background(), "good", func(ctx context.Context) (any, error) {
		return "fine", nil
	}, 0)
	require.NoError(t, err)
	require.Equal(t, "fine", result)
}

func TestMonitorStartStopNoLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := fastConfig()
	cfg.MonitorInterval = 5 * time.Millisecond
	e := NewEngine(cfg, nil)
	e.Start()

	_, _ = e.Execute(context.Background(), "watched", func(ctx context.Context) (any, error) {
		return nil, errors.New("503 unavailable")
	}, 0)

	time.Sleep(15 * time.Millisecond)
	e.Stop()
}

func TestPercentilesOrdered(t *testing.T) {
	c := newCollector(64)
	for i := 1; i <= 60; i++ {
		c.observeLatency(time.Duration(i) * time.Millisecond)
	}
	p50, p95, p99 := c.percentiles()
	require.LessOrEqual(t, p50, p95)
	require.LessOrEqual(t, p95, p99)
	require.Greater(t, p50, time.Duration(0))
}
