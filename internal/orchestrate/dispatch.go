package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"synapse/internal/capacity"
	"synapse/internal/protocol"
	"synapse/internal/resilience"
)

// ErrNoWorkers is returned when dispatch finds zero active registrants.
// No send is ever attempted in that case.
var ErrNoWorkers = errors.New("no agent available")

// Task is one unit of work for a worker.
type Task struct {
	Type    string // envelope type, TypeSubmitTask when empty
	Payload any
}

// Dispatcher distributes task batches over a registry, guarded by the
// resilience engine when one is provided.
type Dispatcher struct {
	registry   *Registry
	resilience *resilience.Engine
	logger     *zap.Logger
}

// NewDispatcher builds a dispatcher. engine may be nil.
func NewDispatcher(registry *Registry, engine *resilience.Engine, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, resilience: engine, logger: logger}
}

// Distribute runs a batch under the given strategy. The result slice
// always preserves input order; the first failure fails the whole batch.
func (d *Dispatcher) Distribute(ctx context.Context, tasks []Task, strategy capacity.Strategy) ([]protocol.Envelope, error) {
	switch strategy {
	case capacity.StrategyParallelFull:
		return d.parallel(ctx, tasks, 0)
	case capacity.StrategyParallelLimited:
		limit := d.registry.config.LimitedConcurrency
		if limit <= 0 {
			limit = 2
		}
		return d.parallel(ctx, tasks, limit)
	default:
		return d.sequential(ctx, tasks)
	}
}

// sequential awaits each task before dispatching the next.
func (d *Dispatcher) sequential(ctx context.Context, tasks []Task) ([]protocol.Envelope, error) {
	results := make([]protocol.Envelope, len(tasks))
	for i, task := range tasks {
		resp, err := d.DispatchOne(ctx, task)
		if err != nil {
			return nil, err
		}
		results[i] = resp
	}
	return results, nil
}

// parallel dispatches concurrently; the indexed result slice preserves
// input order regardless of completion order. limit 0 means unbounded.
func (d *Dispatcher) parallel(ctx context.Context, tasks []Task, limit int64) ([]protocol.Envelope, error) {
	results := make([]protocol.Envelope, len(tasks))
	group, groupCtx := errgroup.WithContext(ctx)

	var sem *semaphore.Weighted
	if limit > 0 {
		sem = semaphore.NewWeighted(limit)
	}

	for i, task := range tasks {
		i, task := i, task
		group.Go(func() error {
			if sem != nil {
				if err := sem.Acquire(groupCtx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
			}
			resp, err := d.DispatchOne(groupCtx, task)
			if err != nil {
				return err
			}
			results[i] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// DispatchOne sends a single task to the best candidate and awaits its
// terminal response.
func (d *Dispatcher) DispatchOne(ctx context.Context, task Task) (protocol.Envelope, error) {
	w := d.registry.pick()
	if w == nil {
		return protocol.Envelope{}, ErrNoWorkers
	}

	if d.resilience == nil {
		return d.dispatchTo(ctx, w, task)
	}

	result, err := d.resilience.Execute(ctx, "worker:"+w.id, func(opCtx context.Context) (any, error) {
		return d.dispatchTo(opCtx, w, task)
	}, 0)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return result.(protocol.Envelope), nil
}

// dispatchTo performs one send/await round trip against a specific
// worker.
func (d *Dispatcher) dispatchTo(ctx context.Context, w *worker, task Task) (protocol.Envelope, error) {
	msgType := task.Type
	if msgType == "" {
		msgType = protocol.TypeSubmitTask
	}
	env, err := protocol.NewEnvelope(msgType, task.Payload)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("encode task: %w", err)
	}

	respCh := make(chan protocol.Envelope, 4)
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return protocol.Envelope{}, ErrNoWorkers
	}
	w.pending[env.RequestID] = respCh
	w.inflight++
	channel := w.channel
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.pending, env.RequestID)
		w.inflight--
		w.mu.Unlock()
	}()

	if err := channel.Send(ctx, env); err != nil {
		d.registry.recordError(w)
		return protocol.Envelope{}, fmt.Errorf("send to worker %s: %w", w.id, err)
	}

	timer := time.NewTimer(d.registry.config.DispatchTimeout)
	defer timer.Stop()

	for {
		select {
		case resp, ok := <-respCh:
			if !ok {
				return protocol.Envelope{}, ErrNoWorkers
			}
			if !protocol.Terminal(resp.Type) {
				continue
			}
			w.mu.Lock()
			w.tasks++
			w.lastSeen = time.Now()
			w.mu.Unlock()
			if resp.Type == protocol.TypeError {
				return protocol.Envelope{}, workerErrorFrom(w.id, resp)
			}
			return resp, nil

		case <-ctx.Done():
			return protocol.Envelope{}, ctx.Err()

		case <-timer.C:
			d.registry.recordError(w)
			return protocol.Envelope{}, fmt.Errorf("dispatch to worker %s timed out for task %s", w.id, env.RequestID)
		}
	}
}

// workerErrorFrom turns an error envelope into a Go error.
func workerErrorFrom(workerID string, env protocol.Envelope) error {
	payload, err := protocol.DecodePayload[protocol.ErrorPayload](env)
	if err != nil {
		return fmt.Errorf("worker %s reported an error", workerID)
	}
	return fmt.Errorf("worker %s: %s: %s", workerID, payload.Code, payload.Message)
}
