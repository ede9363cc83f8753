package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"synapse/internal/capacity"
	"synapse/internal/cognition"
	"synapse/internal/inference"
	"synapse/internal/intent"
	"synapse/internal/journal"
	"synapse/internal/protocol"
	"synapse/internal/resilience"
	"synapse/internal/telemetry"
)

// KernelConfig tunes the backend endpoint.
type KernelConfig struct {
	HeartbeatInterval time.Duration // cadence of heartbeat notices per connection
	DeepCategories    []string      // intent categories routed through the debate pipeline
}

// DefaultKernelConfig returns the standard kernel tuning.
func DefaultKernelConfig() KernelConfig {
	return KernelConfig{
		HeartbeatInterval: 5 * time.Second,
		DeepCategories:    []string{"analysis"},
	}
}

// JournalSink receives the serialized journal of each completed debate
// run, for persistence or external observers.
type JournalSink func(snapshot journal.Snapshot)

// Kernel is the shared backend context serving every connection. It
// wires the intent router, the capacity evaluator, the resilience
// engine and the inference engine behind the protocol vocabulary.
type Kernel struct {
	config     KernelConfig
	router     *intent.Router
	evaluator  *capacity.Evaluator
	provider   telemetry.Provider
	engine     inference.Engine
	resilience *resilience.Engine
	pipeline   *cognition.Pipeline
	journals   JournalSink
	logger     *zap.Logger

	started time.Time

	mu    sync.Mutex
	conns map[*kernelConn]struct{}
	tasks map[string]context.CancelFunc
}

// NewKernel builds a kernel. resilience, pipeline and journals may be
// nil; the kernel then calls the engine directly, never runs the
// debate pipeline, and discards journals.
func NewKernel(
	config KernelConfig,
	router *intent.Router,
	evaluator *capacity.Evaluator,
	provider telemetry.Provider,
	engine inference.Engine,
	resilienceEngine *resilience.Engine,
	pipeline *cognition.Pipeline,
	journals JournalSink,
	logger *zap.Logger,
) *Kernel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Kernel{
		config:     config,
		router:     router,
		evaluator:  evaluator,
		provider:   provider,
		engine:     engine,
		resilience: resilienceEngine,
		pipeline:   pipeline,
		journals:   journals,
		logger:     logger,
		started:    time.Now(),
		conns:      make(map[*kernelConn]struct{}),
		tasks:      make(map[string]context.CancelFunc),
	}
}

// kernelConn serializes writes to one transport.
type kernelConn struct {
	mu        sync.Mutex
	transport Transport
}

func (c *kernelConn) send(ctx context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport.Send(ctx, env)
}

func (c *kernelConn) reply(ctx context.Context, req protocol.Envelope, msgType string, payload any) {
	env, err := req.Reply(msgType, payload)
	if err != nil {
		return
	}
	_ = c.send(ctx, env)
}

// Serve runs one connection until the transport closes or the context
// ends. It performs the connected → initializing → ready handshake,
// emits heartbeats at the configured cadence and answers requests.
func (k *Kernel) Serve(ctx context.Context, transport Transport) error {
	conn := &kernelConn{transport: transport}

	k.mu.Lock()
	k.conns[conn] = struct{}{}
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		delete(k.conns, conn)
		k.mu.Unlock()
	}()

	for _, notice := range []string{protocol.TypeConnected, protocol.TypeInitializing, protocol.TypeReady} {
		env, err := protocol.NewEnvelope(notice, nil)
		if err != nil {
			return err
		}
		if err := conn.send(ctx, env); err != nil {
			return fmt.Errorf("handshake %s: %w", notice, err)
		}
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go k.heartbeat(heartbeatCtx, conn)

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		select {
		case env, ok := <-transport.Inbound():
			if !ok {
				return nil
			}
			handlers.Add(1)
			go func() {
				defer handlers.Done()
				k.handle(ctx, conn, env)
			}()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (k *Kernel) heartbeat(ctx context.Context, conn *kernelConn) {
	if k.config.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(k.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			env, err := protocol.NewEnvelope(protocol.TypeHeartbeat, protocol.HeartbeatPayload{
				SentAt: time.Now().UnixMilli(),
			})
			if err != nil {
				continue
			}
			if err := conn.send(ctx, env); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (k *Kernel) handle(ctx context.Context, conn *kernelConn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		conn.reply(ctx, env, protocol.TypePong, protocol.HeartbeatPayload{SentAt: time.Now().UnixMilli()})
	case protocol.TypeGetStatus:
		k.handleStatus(ctx, conn, env)
	case protocol.TypeClearCache:
		k.handleClearCache(ctx, conn, env)
	case protocol.TypeCancelTask:
		k.handleCancel(ctx, conn, env)
	case protocol.TypeSubmitTask:
		k.handleSubmit(ctx, conn, env)
	default:
		// Unknown or non-request types are rejected on the original
		// correlation id rather than dropped.
		conn.reply(ctx, env, protocol.TypeError, protocol.ErrorPayload{
			Code:    "invalid-request",
			Message: fmt.Sprintf("unsupported request type %q", env.Type),
		})
	}
}

// handleStatus assembles the status document field by field so partial
// extensions never disturb the existing shape.
func (k *Kernel) handleStatus(ctx context.Context, conn *kernelConn, env protocol.Envelope) {
	k.mu.Lock()
	connections := len(k.conns)
	active := len(k.tasks)
	k.mu.Unlock()

	raw := []byte(`{}`)
	raw, _ = sjson.SetBytes(raw, "activeConnections", connections)
	raw, _ = sjson.SetBytes(raw, "activeTasks", active)
	raw, _ = sjson.SetBytes(raw, "cacheSize", k.router.CacheSize())
	raw, _ = sjson.SetBytes(raw, "uptime", time.Since(k.started).Seconds())
	conn.reply(ctx, env, protocol.TypeStatus, json.RawMessage(raw))
}

func (k *Kernel) handleClearCache(ctx context.Context, conn *kernelConn, env protocol.Envelope) {
	entries := k.router.CacheSize()
	k.router.ClearCache()
	k.logger.Info("classification cache cleared", zap.Int("entries", entries))
	conn.reply(ctx, env, protocol.TypeCacheCleared, protocol.CacheCleared{Entries: entries})
}

func (k *Kernel) handleCancel(ctx context.Context, conn *kernelConn, env protocol.Envelope) {
	req, err := protocol.DecodePayload[protocol.CancelTask](env)
	if err != nil || req.TaskID == "" {
		conn.reply(ctx, env, protocol.TypeError, protocol.ErrorPayload{
			Code:    "invalid-request",
			Message: "cancel-task requires a taskId",
		})
		return
	}

	k.mu.Lock()
	cancel, ok := k.tasks[req.TaskID]
	if ok {
		delete(k.tasks, req.TaskID)
	}
	k.mu.Unlock()

	if !ok {
		conn.reply(ctx, env, protocol.TypeError, protocol.ErrorPayload{
			Code:    "not-found",
			Message: fmt.Sprintf("task %s not found among active tasks", req.TaskID),
		})
		return
	}
	cancel()
	conn.reply(ctx, env, protocol.TypeTaskCancelled, protocol.TaskCancelled{TaskID: req.TaskID})
}

func (k *Kernel) handleSubmit(ctx context.Context, conn *kernelConn, env protocol.Envelope) {
	req, err := protocol.DecodePayload[protocol.SubmitTask](env)
	if err != nil || strings.TrimSpace(req.Text) == "" {
		conn.reply(ctx, env, protocol.TypeError, protocol.ErrorPayload{
			Code:    "invalid-request",
			Message: "submit-task requires non-empty text",
		})
		return
	}

	taskID := env.RequestID
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	k.mu.Lock()
	k.tasks[taskID] = cancel
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		delete(k.tasks, taskID)
		k.mu.Unlock()
	}()

	classification, err := k.router.Classify(taskCtx, req.Text)
	if err != nil {
		conn.reply(ctx, env, protocol.TypeError, protocol.ErrorPayload{
			Code:    "classification-failed",
			Message: err.Error(),
		})
		return
	}

	snapshot, err := k.provider.Sample()
	if err != nil {
		k.logger.Warn("telemetry sample failed, evaluating with defaults", zap.Error(err))
		snapshot = capacity.Snapshot{MemoryRatio: -1}
	}
	report := k.evaluator.Evaluate(snapshot)
	strategy := capacity.StrategyFor(report.Overall, capacity.ParsePriority(req.Priority))

	conn.reply(ctx, env, protocol.TypeProcessingStarted, protocol.ProcessingStarted{
		TaskID:   taskID,
		Intent:   classification.Category,
		Strategy: string(strategy),
	})

	k.logger.Info("task accepted",
		zap.String("task", taskID),
		zap.String("intent", classification.Category),
		zap.String("strategy", string(strategy)),
		zap.Float64("capacity", report.Overall))

	var final protocol.FinalResponse
	if k.pipeline != nil && k.isDeep(classification.Category) {
		final, err = k.runDebate(taskCtx, taskID, req.Text)
	} else {
		final, err = k.runStream(taskCtx, conn, taskID, req.Text)
	}
	if err != nil {
		code := "backend-failed"
		if taskCtx.Err() != nil {
			code = "cancelled"
		}
		conn.reply(ctx, env, protocol.TypeError, protocol.ErrorPayload{
			Code:    code,
			Message: err.Error(),
		})
		return
	}
	conn.reply(ctx, env, protocol.TypeFinalResponse, final)
}

func (k *Kernel) isDeep(category string) bool {
	for _, deep := range k.config.DeepCategories {
		if strings.EqualFold(deep, category) {
			return true
		}
	}
	return false
}

// runDebate routes the task through the multi-stage pipeline and hands
// the journal to the sink.
func (k *Kernel) runDebate(ctx context.Context, taskID, text string) (protocol.FinalResponse, error) {
	j := journal.New("debate", taskID, text)
	out, err := k.pipeline.Run(ctx, text, j)
	if k.journals != nil {
		k.journals(j.Serialize())
	}
	if err != nil {
		return protocol.FinalResponse{}, err
	}
	return protocol.FinalResponse{
		TaskID:            taskID,
		Text:              out.Text,
		Degraded:          out.Degraded,
		DegradationReason: out.DegradationReason,
	}, nil
}

// runStream generates directly, relaying chunks as they arrive. The
// resilience engine guards the backend call when configured.
func (k *Kernel) runStream(ctx context.Context, conn *kernelConn, taskID, text string) (protocol.FinalResponse, error) {
	index := 0
	onChunk := func(chunk string) {
		payload := protocol.StreamChunk{TaskID: taskID, Chunk: chunk, Index: index}
		index++
		env, err := protocol.NewEnvelope(protocol.TypeStreamChunk, payload)
		if err != nil {
			return
		}
		env.RequestID = taskID
		_ = conn.send(ctx, env)
	}

	op := func(opCtx context.Context) (any, error) {
		return k.engine.GenerateStream(opCtx, text, onChunk)
	}

	var result any
	var err error
	if k.resilience != nil {
		result, err = k.resilience.Execute(ctx, "inference", op, 0)
	} else {
		result, err = op(ctx)
	}
	if err != nil {
		return protocol.FinalResponse{}, err
	}
	return protocol.FinalResponse{TaskID: taskID, Text: result.(string)}, nil
}
