// Package orchestrate maintains the registry of worker endpoints and
// distributes task batches across them. Workers are reached over an
// asynchronous channel contract; each dispatch pairs one request with
// one terminal response by correlation id. Faulty workers (error count
// over threshold) are restarted through a factory.
package orchestrate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"synapse/internal/faults"
	"synapse/internal/protocol"
)

// WorkerChannel is the transport to one worker. Send must preserve
// submission order; Responses delivers the worker's envelopes until the
// channel closes.
type WorkerChannel interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Responses() <-chan protocol.Envelope
	Close() error
}

// WorkerFactory recreates the channel for a restarted worker.
type WorkerFactory func(id, workerType string) (WorkerChannel, error)

// Config tunes the registry.
type Config struct {
	DispatchTimeout    time.Duration // per-task response deadline
	ErrorThreshold     int           // errors beyond this restart the worker
	LoadBalanced       bool          // pick fewest in-flight instead of first active
	LimitedConcurrency int64         // cap for PARALLEL_LIMITED batches
}

// DefaultConfig returns the standard registry tuning.
func DefaultConfig() Config {
	return Config{
		DispatchTimeout:    30 * time.Second,
		ErrorThreshold:     3,
		LoadBalanced:       true,
		LimitedConcurrency: 2,
	}
}

// worker is one managed registrant.
type worker struct {
	id         string
	workerType string

	mu       sync.Mutex
	channel  WorkerChannel
	active   bool
	lastSeen time.Time
	inflight int
	tasks    int
	errors   int
	pending  map[string]chan protocol.Envelope
	readerWG sync.WaitGroup
}

// Registry holds workers in insertion order.
type Registry struct {
	config  Config
	factory WorkerFactory
	logger  *zap.Logger

	mu      sync.Mutex
	workers map[string]*worker
	order   []string

	restarts atomic.Int64
}

// NewRegistry builds a registry. factory may be nil, in which case
// faulty workers are removed instead of restarted.
func NewRegistry(config Config, factory WorkerFactory, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		config:  config,
		factory: factory,
		logger:  logger,
		workers: make(map[string]*worker),
	}
}

// Register adds a worker. Duplicate ids are rejected.
func (r *Registry) Register(id, workerType string, channel WorkerChannel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[id]; exists {
		return &faults.RegistrationError{WorkerID: id, Reason: "already registered"}
	}

	w := &worker{
		id:         id,
		workerType: workerType,
		channel:    channel,
		active:     true,
		lastSeen:   time.Now(),
		pending:    make(map[string]chan protocol.Envelope),
	}
	r.workers[id] = w
	r.order = append(r.order, id)

	w.readerWG.Add(1)
	go r.readWorker(w, channel)

	r.logger.Info("worker registered",
		zap.String("id", id),
		zap.String("type", workerType))
	return nil
}

// Unregister closes the worker's channel and removes it.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return &faults.RegistrationError{WorkerID: id, Reason: "not registered"}
	}
	r.removeLocked(id)
	r.mu.Unlock()

	r.shutdownWorker(w)
	r.logger.Info("worker unregistered", zap.String("id", id))
	return nil
}

// removeLocked drops a worker from the map and ordering. Caller holds r.mu.
func (r *Registry) removeLocked(id string) {
	delete(r.workers, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// shutdownWorker closes the channel, rejects pending dispatches and
// waits for the reader to drain.
func (r *Registry) shutdownWorker(w *worker) {
	w.mu.Lock()
	w.active = false
	channel := w.channel
	pending := w.pending
	w.pending = make(map[string]chan protocol.Envelope)
	w.mu.Unlock()

	if channel != nil {
		_ = channel.Close()
	}
	for _, ch := range pending {
		close(ch)
	}
	w.readerWG.Wait()
}

// readWorker demultiplexes one worker's response stream. Heartbeats
// refresh liveness; error envelopes bump the failure counter; everything
// with a known correlation id is delivered to its pending dispatch.
func (r *Registry) readWorker(w *worker, channel WorkerChannel) {
	defer w.readerWG.Done()

	for env := range channel.Responses() {
		switch env.Type {
		case protocol.TypeHeartbeat:
			w.mu.Lock()
			w.lastSeen = time.Now()
			w.active = true
			w.mu.Unlock()
			continue
		case protocol.TypeError:
			r.recordError(w)
		}

		// Delivery stays under the lock: once shutdownWorker swaps the
		// pending map it owns the old channels outright, so no send can
		// race the close.
		w.mu.Lock()
		if ch, ok := w.pending[env.RequestID]; ok {
			select {
			case ch <- env:
			default:
				// Dispatch already settled; drop the straggler.
			}
		}
		w.mu.Unlock()
	}

	// Channel closed underneath us: the worker is gone.
	w.mu.Lock()
	w.active = false
	w.mu.Unlock()
}

// recordError bumps the failure counter and restarts the worker when it
// crosses the threshold.
func (r *Registry) recordError(w *worker) {
	w.mu.Lock()
	w.errors++
	count := w.errors
	w.mu.Unlock()

	if count > r.config.ErrorThreshold {
		// Restart asynchronously: recordError runs on the worker's own
		// reader goroutine, and restart must wait for that reader to
		// drain. The registry-map check in restart dedupes repeats.
		go r.restart(w)
	}
}

// restart replaces a faulty worker's channel via the factory.
func (r *Registry) restart(w *worker) {
	r.mu.Lock()
	if _, present := r.workers[w.id]; !present {
		r.mu.Unlock()
		return
	}
	r.removeLocked(w.id)
	r.mu.Unlock()

	r.shutdownWorker(w)
	r.restarts.Add(1)

	if r.factory == nil {
		r.logger.Warn("worker exceeded error threshold, removed (no factory)",
			zap.String("id", w.id))
		return
	}

	channel, err := r.factory(w.id, w.workerType)
	if err != nil {
		r.logger.Error("worker restart failed",
			zap.String("id", w.id),
			zap.Error(err))
		return
	}
	if err := r.Register(w.id, w.workerType, channel); err != nil {
		r.logger.Error("worker re-registration failed",
			zap.String("id", w.id),
			zap.Error(err))
		return
	}
	r.logger.Info("worker restarted", zap.String("id", w.id))
}

// Restarts returns the global restart counter.
func (r *Registry) Restarts() int64 { return r.restarts.Load() }

// ActiveCount returns the number of active workers.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, id := range r.order {
		w := r.workers[id]
		w.mu.Lock()
		if w.active {
			count++
		}
		w.mu.Unlock()
	}
	return count
}

// Stale returns ids of active workers not heard from within maxAge.
// The registry never evicts on silence alone; this is for observers.
func (r *Registry) Stale(maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var stale []string
	for _, id := range r.order {
		w := r.workers[id]
		w.mu.Lock()
		if w.active && w.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
		w.mu.Unlock()
	}
	return stale
}

// Close unregisters every worker.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.Unlock()
	for _, id := range ids {
		_ = r.Unregister(id)
	}
}

// pick selects the dispatch candidate: fewest in-flight among active
// workers when load balancing, first active otherwise. Ties keep
// insertion order.
func (r *Registry) pick() *worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *worker
	bestInflight := -1
	for _, id := range r.order {
		w := r.workers[id]
		w.mu.Lock()
		active, inflight := w.active, w.inflight
		w.mu.Unlock()
		if !active {
			continue
		}
		if !r.config.LoadBalanced {
			return w
		}
		if bestInflight < 0 || inflight < bestInflight {
			best = w
			bestInflight = inflight
		}
	}
	return best
}
