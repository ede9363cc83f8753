// Package logging provides categorized zap logging for the orchestration
// core. Each subsystem logs through a named child of one process-wide
// root logger, so hosts can filter by category ("bridge", "resilience",
// "router", ...) with standard zap tooling.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryCore       Category = "core"       // Core lifecycle
	CategoryBridge     Category = "bridge"     // Message bridge, transport, heartbeat
	CategoryKernel     Category = "kernel"     // Backend kernel request handling
	CategoryRouter     Category = "router"     // Intent classification
	CategoryCapacity   Category = "capacity"   // Telemetry scoring
	CategoryResilience Category = "resilience" // Breakers, retries, metrics
	CategoryWorkers    Category = "workers"    // Orchestrator registrants
	CategoryJournal    Category = "journal"    // Cognitive journal, debate pipeline
	CategoryInference  Category = "inference"  // Inference engine calls
	CategoryPersist    Category = "persist"    // Snapshot store
	CategoryConfig     Category = "config"     // Config load and hot reload
)

// Factory hands out category loggers derived from a single root.
// Construct one at process start and pass it by reference; there is no
// package-level singleton.
type Factory struct {
	root *zap.Logger
}

// NewFactory wraps an existing zap logger. A nil logger yields a
// factory of no-ops, which keeps tests and minimal hosts quiet.
func NewFactory(root *zap.Logger) *Factory {
	if root == nil {
		root = zap.NewNop()
	}
	return &Factory{root: root}
}

// NewDevelopmentFactory builds a factory with a development-encoded
// logger at the given level. Intended for hosts without their own zap
// setup.
func NewDevelopmentFactory(level zapcore.Level) (*Factory, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Factory{root: logger}, nil
}

// Get returns the logger for a category.
func (f *Factory) Get(category Category) *zap.Logger {
	return f.root.Named(string(category))
}

// Sync flushes buffered entries on the underlying logger.
func (f *Factory) Sync() error {
	return f.root.Sync()
}
