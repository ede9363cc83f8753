package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"synapse/internal/faults"
	"synapse/internal/protocol"
)

// State is the bridge connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateInitializing
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config tunes the bridge client.
type Config struct {
	DefaultTimeout     time.Duration // per-call deadline when the caller sets none
	HeartbeatTimeout   time.Duration // silence beyond this triggers reconnection
	ReconnectAttempts  int           // reconnection budget after transport loss
	ReconnectBaseDelay time.Duration // delay before attempt n is base×n
	ReadySignalTimeout time.Duration // how long a dialed transport may take to report ready
}

// DefaultConfig returns the standard bridge tuning.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:     30 * time.Second,
		HeartbeatTimeout:   15 * time.Second,
		ReconnectAttempts:  3,
		ReconnectBaseDelay: time.Second,
		ReadySignalTimeout: 10 * time.Second,
	}
}

type outcome struct {
	env protocol.Envelope
	err error
}

// pendingCall is one in-flight request. Its timeout clock starts at
// submission, not at transmission: a call buffered pre-ready keeps
// aging while it waits.
type pendingCall struct {
	env     protocol.Envelope
	onChunk func(protocol.StreamChunk)
	sentAt  time.Time
	timer   *time.Timer
	result  chan outcome // buffered; exactly one settle wins
}

type sendOptions struct {
	timeout time.Duration
	onChunk func(protocol.StreamChunk)
}

// SendOption customizes one Send call.
type SendOption func(*sendOptions)

// WithTimeout overrides the default per-call deadline.
func WithTimeout(d time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = d }
}

// WithChunkHandler registers a callback for non-terminal stream chunks.
func WithChunkHandler(fn func(protocol.StreamChunk)) SendOption {
	return func(o *sendOptions) { o.onChunk = fn }
}

// Bridge is the client endpoint of the protocol. One bridge owns one
// logical connection to the kernel; callers may Send concurrently.
type Bridge struct {
	config Config
	dial   DialFunc
	logger *zap.Logger

	mu            sync.Mutex
	state         State
	transport     Transport
	pending       map[string]*pendingCall
	queue         []string // request ids awaiting flush, submission order
	lastHeartbeat time.Time
	reconnecting  bool
	closed        bool
	connEpoch     int           // bumped per transport, stops stale watchdogs
	readyCh       chan struct{} // recreated per connection attempt
}

// New builds a bridge over the given dialer. Connect must be called
// before the bridge reaches ready; Sends made earlier are buffered.
func New(config Config, dial DialFunc, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		config:  config,
		dial:    dial,
		logger:  logger,
		state:   StateDisconnected,
		pending: make(map[string]*pendingCall),
		readyCh: make(chan struct{}),
	}
}

// State returns the current connection state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Connect dials the backend and blocks until the connection reports
// ready, the context ends, or setup fails.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return &faults.ConnectionError{Endpoint: "kernel", Attempts: 0, Cause: ErrTransportClosed}
	}
	if b.state == StateReady {
		b.mu.Unlock()
		return nil
	}
	b.setStateLocked(StateConnecting)
	b.mu.Unlock()

	transport, err := b.dial(ctx)
	if err != nil {
		b.mu.Lock()
		b.setStateLocked(StateError)
		b.mu.Unlock()
		return &faults.ConnectionError{Endpoint: "kernel", Attempts: 1, Cause: err}
	}
	ready := b.adoptTransport(transport)
	return b.awaitReady(ctx, ready)
}

// adoptTransport installs a freshly dialed transport, moves to
// initializing and starts the reader for it. Returns the ready signal
// channel for this connection attempt.
func (b *Bridge) adoptTransport(transport Transport) <-chan struct{} {
	b.mu.Lock()
	b.transport = transport
	b.connEpoch++
	epoch := b.connEpoch
	b.readyCh = make(chan struct{})
	ready := b.readyCh
	b.lastHeartbeat = time.Now()
	b.setStateLocked(StateInitializing)
	b.mu.Unlock()

	go b.readLoop(transport, epoch)
	return ready
}

func (b *Bridge) awaitReady(ctx context.Context, ready <-chan struct{}) error {
	timer := time.NewTimer(b.config.ReadySignalTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		return &faults.ConnectionError{Endpoint: "kernel", Attempts: 1, Cause: fmt.Errorf("ready signal not observed within %s", b.config.ReadySignalTimeout)}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send transmits one request and blocks until its terminal response,
// its timeout, or context cancellation. Calls made while the bridge is
// not ready are buffered in submission order and flushed once ready;
// each buffered call keeps the timeout clock of its original Send.
func (b *Bridge) Send(ctx context.Context, msgType string, payload any, opts ...SendOption) (protocol.Envelope, error) {
	options := sendOptions{timeout: b.config.DefaultTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("encode request: %w", err)
	}

	call := &pendingCall{
		env:     env,
		onChunk: options.onChunk,
		sentAt:  time.Now(),
		result:  make(chan outcome, 1),
	}

	b.mu.Lock()
	if b.closed || b.state == StateError {
		state := b.state
		b.mu.Unlock()
		return protocol.Envelope{}, &faults.ConnectionError{
			Endpoint: "kernel",
			Cause:    fmt.Errorf("bridge is %s", state),
		}
	}
	b.pending[env.RequestID] = call
	call.timer = time.AfterFunc(options.timeout, func() {
		b.settle(env.RequestID, outcome{err: &faults.TimeoutError{Target: "bridge", Elapsed: options.timeout}})
	})
	transmit := b.state == StateReady
	transport := b.transport
	if !transmit {
		b.queue = append(b.queue, env.RequestID)
	}
	b.mu.Unlock()

	if transmit {
		if err := transport.Send(ctx, env); err != nil {
			b.settle(env.RequestID, outcome{err: fmt.Errorf("transmit %s: %w", msgType, err)})
		}
	}

	select {
	case out := <-call.result:
		return out.env, out.err
	case <-ctx.Done():
		b.settle(env.RequestID, outcome{err: ctx.Err()})
		out := <-call.result
		return out.env, out.err
	}
}

// settle resolves one pending call. The pending-map delete is the
// single point of settlement: whichever path removes the entry first
// delivers the outcome, every later path is a no-op.
func (b *Bridge) settle(requestID string, out outcome) {
	b.mu.Lock()
	call, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if call.timer != nil {
		call.timer.Stop()
	}
	call.result <- out
}

// readLoop consumes one transport until it closes. epoch guards
// against a stale loop acting on a replacement connection's state.
func (b *Bridge) readLoop(transport Transport, epoch int) {
	for env := range transport.Inbound() {
		switch env.Type {
		case protocol.TypeConnected, protocol.TypeInitializing:
			// Setup notices; state already tracks the handshake.
		case protocol.TypeReady:
			b.onReady(epoch)
		case protocol.TypeHeartbeat:
			b.mu.Lock()
			b.lastHeartbeat = time.Now()
			b.mu.Unlock()
		case protocol.TypeProcessingStarted:
			// Acknowledgement only; the entry stays pending until its
			// final response arrives.
		case protocol.TypeStreamChunk:
			b.onChunk(env)
		default:
			b.onTerminal(env)
		}
	}
	b.onTransportLoss(epoch)
}

func (b *Bridge) onReady(epoch int) {
	b.mu.Lock()
	if b.connEpoch != epoch || b.closed || b.state == StateReady {
		b.mu.Unlock()
		return
	}
	b.setStateLocked(StateReady)
	b.lastHeartbeat = time.Now()
	flush := b.queue
	b.queue = nil
	transport := b.transport
	close(b.readyCh)
	b.mu.Unlock()

	go b.watchdog(epoch)

	// Flush buffered calls in submission order. Entries already settled
	// (for example by their original timeout) are skipped.
	for _, id := range flush {
		b.mu.Lock()
		call, ok := b.pending[id]
		b.mu.Unlock()
		if !ok {
			continue
		}
		if err := transport.Send(context.Background(), call.env); err != nil {
			b.settle(id, outcome{err: fmt.Errorf("flush %s: %w", call.env.Type, err)})
		}
	}
}

func (b *Bridge) onChunk(env protocol.Envelope) {
	b.mu.Lock()
	call, ok := b.pending[env.RequestID]
	b.mu.Unlock()
	if !ok || call.onChunk == nil {
		return
	}
	chunk, err := protocol.DecodePayload[protocol.StreamChunk](env)
	if err != nil {
		b.logger.Warn("malformed stream chunk",
			zap.String("requestId", env.RequestID),
			zap.Error(err))
		return
	}
	call.onChunk(chunk)
}

func (b *Bridge) onTerminal(env protocol.Envelope) {
	if env.Type == protocol.TypeError {
		payload, err := protocol.DecodePayload[protocol.ErrorPayload](env)
		if err != nil {
			b.settle(env.RequestID, outcome{err: fmt.Errorf("backend error with malformed payload")})
			return
		}
		b.settle(env.RequestID, outcome{err: fmt.Errorf("backend error %s: %s", payload.Code, payload.Message)})
		return
	}
	b.settle(env.RequestID, outcome{env: env})
}

// watchdog supervises heartbeat liveness for one connection, sampling
// at half the heartbeat timeout.
func (b *Bridge) watchdog(epoch int) {
	interval := b.config.HeartbeatTimeout / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		b.mu.Lock()
		if b.connEpoch != epoch || b.closed || b.state != StateReady {
			b.mu.Unlock()
			return
		}
		silent := time.Since(b.lastHeartbeat)
		transport := b.transport
		b.mu.Unlock()

		if silent > b.config.HeartbeatTimeout {
			b.logger.Warn("heartbeat timeout, reconnecting",
				zap.Duration("silent", silent))
			_ = transport.Close()
			b.triggerReconnect(epoch)
			return
		}
	}
}

// onTransportLoss fires when the inbound stream closes underneath a
// live connection.
func (b *Bridge) onTransportLoss(epoch int) {
	b.mu.Lock()
	if b.connEpoch != epoch || b.closed {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.triggerReconnect(epoch)
}

func (b *Bridge) triggerReconnect(epoch int) {
	b.mu.Lock()
	if b.connEpoch != epoch || b.closed || b.reconnecting {
		b.mu.Unlock()
		return
	}
	b.reconnecting = true
	b.setStateLocked(StateConnecting)
	b.mu.Unlock()

	go b.reconnect()
}

// reconnect retries the dial with a linearly growing delay. In-flight
// calls are kept pending across the gap; they fail only if the retry
// budget runs out (or their own timeouts fire first).
func (b *Bridge) reconnect() {
	defer func() {
		b.mu.Lock()
		b.reconnecting = false
		b.mu.Unlock()
	}()

	for attempt := 1; attempt <= b.config.ReconnectAttempts; attempt++ {
		time.Sleep(b.config.ReconnectBaseDelay * time.Duration(attempt))

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), b.config.ReadySignalTimeout)
		transport, err := b.dial(ctx)
		if err != nil {
			cancel()
			b.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Int("budget", b.config.ReconnectAttempts),
				zap.Error(err))
			continue
		}
		ready := b.adoptTransport(transport)
		err = b.awaitReady(ctx, ready)
		cancel()
		if err != nil {
			_ = transport.Close()
			b.logger.Warn("reconnected transport never became ready",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		b.logger.Info("reconnected", zap.Int("attempt", attempt))
		return
	}

	// Budget exhausted: every pending call fails and the bridge parks
	// in the error state until a caller explicitly reconnects.
	b.failAllPending(&faults.ConnectionError{
		Endpoint: "kernel",
		Attempts: b.config.ReconnectAttempts,
		Cause:    fmt.Errorf("reconnect budget exhausted"),
	})
	b.mu.Lock()
	b.setStateLocked(StateError)
	b.mu.Unlock()
}

func (b *Bridge) failAllPending(err error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]*pendingCall)
	b.queue = nil
	b.mu.Unlock()

	for _, call := range pending {
		if call.timer != nil {
			call.timer.Stop()
		}
		call.result <- outcome{err: err}
	}
}

// Close tears the bridge down and fails anything still pending.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.connEpoch++
	transport := b.transport
	b.transport = nil
	b.setStateLocked(StateDisconnected)
	b.mu.Unlock()

	b.failAllPending(&faults.ConnectionError{Endpoint: "kernel", Cause: ErrTransportClosed})
	if transport != nil {
		return transport.Close()
	}
	return nil
}

// setStateLocked records a transition. Caller holds b.mu.
func (b *Bridge) setStateLocked(next State) {
	if b.state == next {
		return
	}
	b.logger.Debug("bridge state",
		zap.String("from", b.state.String()),
		zap.String("to", next.String()))
	b.state = next
}
