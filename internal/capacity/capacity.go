// Package capacity turns a device telemetry snapshot into a composite
// 0-10 score and an execution strategy. Scoring is a pure function of
// the snapshot: identical input always yields identical output, and
// missing fields fall back to documented defaults instead of failing.
package capacity

import (
	"math"
	"strings"

	"go.uber.org/zap"
)

// Priority is the caller-declared importance of a batch.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority maps a wire string onto a priority, defaulting to
// medium for anything unrecognized.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Strategy governs dispatch concurrency for a batch.
type Strategy string

const (
	StrategySerial          Strategy = "SERIAL"
	StrategyParallelLimited Strategy = "PARALLEL_LIMITED"
	StrategyParallelFull    Strategy = "PARALLEL_FULL"
)

// Battery is the charge state of the device, when one exists.
type Battery struct {
	Charging bool
	Level    float64 // 0..1
}

// Snapshot is one telemetry reading. Zero values mark missing fields:
// CPUCores 0, MemoryRatio < 0, Battery nil and Network "" all fall back
// to defaults (4 cores, ratio 0.5, mains power, unknown network).
type Snapshot struct {
	CPUCores      int
	MemoryRatio   float64 // used memory / total, 0..1; negative = unknown
	Battery       *Battery
	PowerSaveMode bool
	Network       string // "2g", "3g", "4g", "5g", "slow-2g", "offline", "unknown"
}

// Report carries the per-dimension scores and their mean.
type Report struct {
	CPU     float64
	Memory  float64
	Battery float64
	Network float64
	Overall float64 // mean of the four, rounded to 1 decimal
}

// Default values substituted for missing snapshot fields.
const (
	DefaultCPUCores    = 4
	DefaultMemoryRatio = 0.5
)

// Evaluator scores snapshots. The logger only receives warnings about
// substituted defaults; it never influences the result.
type Evaluator struct {
	logger *zap.Logger
}

// NewEvaluator builds an evaluator. A nil logger is replaced with a no-op.
func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{logger: logger}
}

// Evaluate scores one snapshot.
func (e *Evaluator) Evaluate(snap Snapshot) Report {
	report := Report{
		CPU:     e.scoreCPU(snap),
		Memory:  e.scoreMemory(snap),
		Battery: e.scoreBattery(snap),
		Network: e.scoreNetwork(snap),
	}
	mean := (report.CPU + report.Memory + report.Battery + report.Network) / 4
	report.Overall = math.Round(mean*10) / 10
	return report
}

func (e *Evaluator) scoreCPU(snap Snapshot) float64 {
	cores := snap.CPUCores
	if cores <= 0 {
		e.logger.Warn("cpu cores missing from telemetry, using default",
			zap.Int("default", DefaultCPUCores))
		cores = DefaultCPUCores
	}
	switch {
	case cores >= 8:
		return 10
	case cores >= 4:
		return 7
	case cores >= 2:
		return 5
	default:
		return 3
	}
}

func (e *Evaluator) scoreMemory(snap Snapshot) float64 {
	ratio := snap.MemoryRatio
	if ratio < 0 || ratio > 1 {
		e.logger.Warn("memory ratio missing or out of range, using default",
			zap.Float64("default", DefaultMemoryRatio))
		ratio = DefaultMemoryRatio
	}
	switch {
	case ratio < 0.3:
		return 10
	case ratio < 0.5:
		return 8
	case ratio < 0.7:
		return 6
	case ratio < 0.85:
		return 4
	default:
		return 2
	}
}

func (e *Evaluator) scoreBattery(snap Snapshot) float64 {
	if snap.Battery == nil {
		// No battery reading means mains power.
		e.logger.Warn("battery state missing from telemetry, assuming mains power")
		return 10
	}
	if snap.Battery.Charging {
		return 10
	}
	if snap.PowerSaveMode {
		return 3
	}
	level := snap.Battery.Level
	switch {
	case level > 0.5:
		return 10
	case level > 0.3:
		return 7
	case level > 0.15:
		return 4
	default:
		return 2
	}
}

func (e *Evaluator) scoreNetwork(snap Snapshot) float64 {
	switch snap.Network {
	case "offline":
		// Local inference still works offline; only remote lookups suffer.
		return 5
	case "4g", "5g":
		return 10
	case "3g":
		return 7
	case "2g":
		return 4
	case "slow-2g":
		return 2
	case "", "unknown":
		if snap.Network == "" {
			e.logger.Warn("network kind missing from telemetry, assuming unknown")
		}
		return 8
	default:
		return 8
	}
}

// StrategyFor maps a composite score and priority to a dispatch strategy.
func StrategyFor(score float64, priority Priority) Strategy {
	switch priority {
	case PriorityHigh:
		switch {
		case score >= 8:
			return StrategyParallelFull
		case score >= 6:
			return StrategyParallelLimited
		default:
			return StrategySerial
		}
	case PriorityLow:
		if score >= 9 {
			return StrategyParallelLimited
		}
		return StrategySerial
	default: // medium, and anything unrecognized
		if score >= 7 {
			return StrategyParallelLimited
		}
		return StrategySerial
	}
}
