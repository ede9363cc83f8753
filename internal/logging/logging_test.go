package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNilRootYieldsNoop(t *testing.T) {
	f := NewFactory(nil)
	// Must not panic and must accept writes.
	f.Get(CategoryBridge).Info("dropped on the floor")
	if err := f.Sync(); err != nil {
		t.Fatalf("sync on noop logger: %v", err)
	}
}

func TestCategoryNamesAppear(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	f := NewFactory(zap.New(core))

	f.Get(CategoryResilience).Warn("breaker opened")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].LoggerName != "resilience" {
		t.Fatalf("expected logger name %q, got %q", "resilience", entries[0].LoggerName)
	}
}
