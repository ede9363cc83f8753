// Package telemetry defines the contract for the host-provided device
// telemetry collaborator. The core never samples hardware itself; the
// host injects whatever source it has (browser APIs, procfs, a fake).
package telemetry

import "synapse/internal/capacity"

// Provider returns the current device telemetry on demand.
type Provider interface {
	Sample() (capacity.Snapshot, error)
}

// ProviderFunc adapts a plain function to the Provider interface.
type ProviderFunc func() (capacity.Snapshot, error)

func (f ProviderFunc) Sample() (capacity.Snapshot, error) { return f() }

// Static always returns the same snapshot. Useful for hosts without
// live telemetry and for tests.
type Static struct {
	Snapshot capacity.Snapshot
}

func (s Static) Sample() (capacity.Snapshot, error) { return s.Snapshot, nil }
