package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"synapse/internal/capacity"
	"synapse/internal/cognition"
	"synapse/internal/inference"
	"synapse/internal/intent"
	"synapse/internal/journal"
	"synapse/internal/protocol"
	"synapse/internal/telemetry"
)

// streamEngine answers direct generations by streaming fixed pieces
// and scripts the debate stages by prompt marker.
type streamEngine struct {
	pieces []string

	mu    sync.Mutex
	slow  time.Duration
	calls int
}

func (e *streamEngine) Generate(ctx context.Context, prompt string) (string, error) {
	e.mu.Lock()
	e.calls++
	slow := e.slow
	e.mu.Unlock()
	if slow > 0 {
		select {
		case <-time.After(slow):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	switch {
	case strings.Contains(prompt, "Answer the following"):
		return "draft answer", nil
	case strings.Contains(prompt, "Critique this draft"):
		return "the draft misses context", nil
	case strings.Contains(prompt, "Judge whether"):
		return `{"relevance": 85, "forced": false, "irrelevant": false}`, nil
	case strings.Contains(prompt, "Rewrite the draft"):
		return "refined answer", nil
	}
	return strings.Join(e.pieces, ""), nil
}

func (e *streamEngine) GenerateStream(ctx context.Context, prompt string, onChunk inference.ChunkFunc) (string, error) {
	e.mu.Lock()
	e.calls++
	slow := e.slow
	e.mu.Unlock()
	if slow > 0 {
		select {
		case <-time.After(slow):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	for _, piece := range e.pieces {
		if onChunk != nil {
			onChunk(piece)
		}
	}
	return strings.Join(e.pieces, ""), nil
}

func testRouter(t *testing.T) *intent.Router {
	t.Helper()
	categories := []intent.Category{
		{Name: "analysis", Keywords: []string{"analyze", "compare"}, Priority: "high"},
		{Name: "general", Keywords: []string{}, Priority: "medium"},
	}
	return intent.NewRouter(intent.DefaultConfig(), categories, nil, nil)
}

type kernelFixture struct {
	kernel  *Kernel
	bridge  *Bridge
	router  *intent.Router
	engine  *streamEngine
	journal chan journal.Snapshot
	cancel  context.CancelFunc
	served  chan error
}

func startKernelFixture(t *testing.T, config KernelConfig, pipeline bool) *kernelFixture {
	t.Helper()

	f := &kernelFixture{
		router:  testRouter(t),
		engine:  &streamEngine{pieces: []string{"Hello ", "world"}},
		journal: make(chan journal.Snapshot, 4),
	}

	var pipe *cognition.Pipeline
	if pipeline {
		pipe = cognition.NewPipeline(cognition.DefaultConfig(), f.engine, nil, nil)
	}
	sink := func(snap journal.Snapshot) { f.journal <- snap }

	f.kernel = NewKernel(config, f.router, capacity.NewEvaluator(nil),
		telemetry.Static{Snapshot: capacity.Snapshot{CPUCores: 8, MemoryRatio: 0.2, Network: "5g"}},
		f.engine, nil, pipe, sink, nil)

	serveCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.served = make(chan error, 1)

	dial := func(ctx context.Context) (Transport, error) {
		client, server := Pipe()
		go func() { f.served <- f.kernel.Serve(serveCtx, server) }()
		return client, nil
	}
	bridgeConfig := testConfig()
	bridgeConfig.HeartbeatTimeout = time.Minute
	f.bridge = New(bridgeConfig, dial, nil)
	require.NoError(t, f.bridge.Connect(context.Background()))

	t.Cleanup(func() {
		require.NoError(t, f.bridge.Close())
		cancel()
		select {
		case <-f.served:
		case <-time.After(time.Second):
			t.Fatal("kernel serve did not stop")
		}
	})
	return f
}

func TestKernelPingPong(t *testing.T) {
	f := startKernelFixture(t, DefaultKernelConfig(), false)

	resp, err := f.bridge.Send(context.Background(), protocol.TypePing, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.TypePong, resp.Type)
}

func TestKernelStatus(t *testing.T) {
	f := startKernelFixture(t, DefaultKernelConfig(), false)

	// Prime the classification cache so cacheSize is non-zero.
	_, err := f.router.Classify(context.Background(), "please analyze this dataset")
	require.NoError(t, err)

	resp, err := f.bridge.Send(context.Background(), protocol.TypeGetStatus, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeStatus, resp.Type)

	doc := gjson.ParseBytes(resp.Payload)
	require.Equal(t, int64(1), doc.Get("activeConnections").Int())
	require.Equal(t, int64(0), doc.Get("activeTasks").Int())
	require.Equal(t, int64(1), doc.Get("cacheSize").Int())
	require.GreaterOrEqual(t, doc.Get("uptime").Float(), 0.0)
}

func TestKernelClearCache(t *testing.T) {
	f := startKernelFixture(t, DefaultKernelConfig(), false)

	_, err := f.router.Classify(context.Background(), "compare these two options")
	require.NoError(t, err)
	require.Equal(t, 1, f.router.CacheSize())

	resp, err := f.bridge.Send(context.Background(), protocol.TypeClearCache, nil)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeCacheCleared, resp.Type)
	cleared, err := protocol.DecodePayload[protocol.CacheCleared](resp)
	require.NoError(t, err)
	require.Equal(t, 1, cleared.Entries)
	require.Zero(t, f.router.CacheSize())
}

func TestKernelSubmitStreams(t *testing.T) {
	f := startKernelFixture(t, DefaultKernelConfig(), false)

	var mu sync.Mutex
	var chunks []string
	resp, err := f.bridge.Send(context.Background(), protocol.TypeSubmitTask,
		protocol.SubmitTask{Text: "say hello", Priority: "high"},
		WithChunkHandler(func(c protocol.StreamChunk) {
			mu.Lock()
			chunks = append(chunks, c.Chunk)
			mu.Unlock()
		}))
	require.NoError(t, err)

	final, err := protocol.DecodePayload[protocol.FinalResponse](resp)
	require.NoError(t, err)
	require.Equal(t, "Hello world", final.Text)
	require.False(t, final.Degraded)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"Hello ", "world"}, chunks)
}

func TestKernelSubmitRejectsEmptyText(t *testing.T) {
	f := startKernelFixture(t, DefaultKernelConfig(), false)

	_, err := f.bridge.Send(context.Background(), protocol.TypeSubmitTask, protocol.SubmitTask{Text: "   "})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid-request")
}

func TestKernelRejectsUnknownRequestType(t *testing.T) {
	f := startKernelFixture(t, DefaultKernelConfig(), false)

	_, err := f.bridge.Send(context.Background(), protocol.TypeFinalResponse, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported request type")
}

func TestKernelCancelTask(t *testing.T) {
	f := startKernelFixture(t, DefaultKernelConfig(), false)
	f.engine.mu.Lock()
	f.engine.slow = 5 * time.Second
	f.engine.mu.Unlock()

	started := make(chan string, 1)
	submitDone := make(chan error, 1)
	go func() {
		_, err := f.bridge.Send(context.Background(), protocol.TypeSubmitTask,
			protocol.SubmitTask{Text: "long running analysis job", Priority: "low"},
			WithTimeout(10*time.Second),
			WithChunkHandler(func(protocol.StreamChunk) {}))
		submitDone <- err
	}()

	// Discover the task id from the kernel's active set.
	require.Eventually(t, func() bool {
		f.kernel.mu.Lock()
		defer f.kernel.mu.Unlock()
		for id := range f.kernel.tasks {
			select {
			case started <- id:
			default:
			}
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)
	taskID := <-started

	resp, err := f.bridge.Send(context.Background(), protocol.TypeCancelTask, protocol.CancelTask{TaskID: taskID})
	require.NoError(t, err)
	require.Equal(t, protocol.TypeTaskCancelled, resp.Type)

	err = <-submitDone
	require.Error(t, err)
	require.Contains(t, err.Error(), "cancelled")
}

func TestKernelCancelUnknownTask(t *testing.T) {
	f := startKernelFixture(t, DefaultKernelConfig(), false)

	_, err := f.bridge.Send(context.Background(), protocol.TypeCancelTask, protocol.CancelTask{TaskID: "nope"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not-found")
}

func TestKernelDeepCategoryRunsDebate(t *testing.T) {
	f := startKernelFixture(t, DefaultKernelConfig(), true)

	resp, err := f.bridge.Send(context.Background(), protocol.TypeSubmitTask,
		protocol.SubmitTask{Text: "analyze this", Priority: "high"})
	require.NoError(t, err)

	final, err := protocol.DecodePayload[protocol.FinalResponse](resp)
	require.NoError(t, err)
	require.Equal(t, "refined answer", final.Text)
	require.False(t, final.Degraded)

	select {
	case snap := <-f.journal:
		require.Equal(t, "debate", snap.Type)
		require.Len(t, snap.Steps, 4)
		require.False(t, snap.DegradationApplied)
	case <-time.After(time.Second):
		t.Fatal("journal snapshot never delivered")
	}
}

func TestKernelShallowCategorySkipsDebate(t *testing.T) {
	f := startKernelFixture(t, DefaultKernelConfig(), true)

	resp, err := f.bridge.Send(context.Background(), protocol.TypeSubmitTask,
		protocol.SubmitTask{Text: "just say hello to everyone"})
	require.NoError(t, err)

	final, err := protocol.DecodePayload[protocol.FinalResponse](resp)
	require.NoError(t, err)
	require.Equal(t, "Hello world", final.Text)
	require.Empty(t, f.journal)
}

var errBackendDown = errors.New("backend down")

type failingEngine struct{}

func (failingEngine) Generate(ctx context.Context, prompt string) (string, error) {
	return "", errBackendDown
}

func (failingEngine) GenerateStream(ctx context.Context, prompt string, onChunk inference.ChunkFunc) (string, error) {
	return "", errBackendDown
}

func TestKernelBackendFailureSurfacesError(t *testing.T) {
	f := startKernelFixture(t, DefaultKernelConfig(), false)
	f.kernel.engine = failingEngine{}

	_, err := f.bridge.Send(context.Background(), protocol.TypeSubmitTask, protocol.SubmitTask{Text: "doomed"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "backend down")
}
