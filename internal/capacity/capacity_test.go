package capacity

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func fullSnapshot() Snapshot {
	return Snapshot{
		CPUCores:    8,
		MemoryRatio: 0.2,
		Battery:     &Battery{Charging: true, Level: 0.9},
		Network:     "5g",
	}
}

// Scenario: strong device on mains with fast network scores a perfect 10
// and a HIGH priority batch goes fully parallel.
func TestFullScoreGoesParallelFull(t *testing.T) {
	e := NewEvaluator(nil)
	report := e.Evaluate(fullSnapshot())

	if report.Overall != 10.0 {
		t.Fatalf("expected overall 10.0, got %v (report %+v)", report.Overall, report)
	}
	if got := StrategyFor(report.Overall, PriorityHigh); got != StrategyParallelFull {
		t.Fatalf("expected PARALLEL_FULL, got %v", got)
	}
}

func TestEvaluateIsPure(t *testing.T) {
	e := NewEvaluator(nil)
	snap := Snapshot{
		CPUCores:    4,
		MemoryRatio: 0.6,
		Battery:     &Battery{Level: 0.4},
		Network:     "3g",
	}
	first := e.Evaluate(snap)
	for i := 0; i < 10; i++ {
		if diff := cmp.Diff(first, e.Evaluate(snap)); diff != "" {
			t.Fatalf("evaluate not deterministic (-first +later):\n%s", diff)
		}
	}
}

func TestMissingFieldsUseDefaults(t *testing.T) {
	e := NewEvaluator(nil)

	// Entirely empty snapshot: cpu default 4 (7), memory default 0.5 (6),
	// no battery (10), unknown network (8) -> mean 7.75 -> 7.8.
	report := e.Evaluate(Snapshot{MemoryRatio: -1})
	if report.CPU != 7 || report.Memory != 6 || report.Battery != 10 || report.Network != 8 {
		t.Fatalf("unexpected default scores: %+v", report)
	}
	if report.Overall != 7.8 {
		t.Fatalf("expected overall 7.8, got %v", report.Overall)
	}
}

func TestZeroValueSnapshotNeverPanics(t *testing.T) {
	e := NewEvaluator(nil)
	_ = e.Evaluate(Snapshot{})
}

func TestCPUThresholds(t *testing.T) {
	cases := []struct {
		cores int
		want  float64
	}{
		{16, 10}, {8, 10}, {6, 7}, {4, 7}, {3, 5}, {2, 5}, {1, 3},
	}
	e := NewEvaluator(nil)
	for _, tc := range cases {
		snap := fullSnapshot()
		snap.CPUCores = tc.cores
		if got := e.Evaluate(snap).CPU; got != tc.want {
			t.Errorf("cores=%d: got %v, want %v", tc.cores, got, tc.want)
		}
	}
}

func TestMemoryThresholds(t *testing.T) {
	cases := []struct {
		ratio float64
		want  float64
	}{
		{0.1, 10}, {0.29, 10}, {0.3, 8}, {0.49, 8}, {0.5, 6},
		{0.69, 6}, {0.7, 4}, {0.84, 4}, {0.85, 2}, {0.99, 2},
	}
	e := NewEvaluator(nil)
	for _, tc := range cases {
		snap := fullSnapshot()
		snap.MemoryRatio = tc.ratio
		if got := e.Evaluate(snap).Memory; got != tc.want {
			t.Errorf("ratio=%v: got %v, want %v", tc.ratio, got, tc.want)
		}
	}
}

func TestBatteryScoring(t *testing.T) {
	e := NewEvaluator(nil)

	charging := Snapshot{Battery: &Battery{Charging: true, Level: 0.05}}
	if got := e.Evaluate(charging).Battery; got != 10 {
		t.Errorf("charging should score 10 regardless of level, got %v", got)
	}

	saver := Snapshot{Battery: &Battery{Level: 0.9}, PowerSaveMode: true}
	if got := e.Evaluate(saver).Battery; got != 3 {
		t.Errorf("power save should score 3, got %v", got)
	}

	levels := []struct {
		level float64
		want  float64
	}{{0.8, 10}, {0.51, 10}, {0.5, 7}, {0.31, 7}, {0.3, 4}, {0.16, 4}, {0.15, 2}, {0.01, 2}}
	for _, tc := range levels {
		snap := Snapshot{Battery: &Battery{Level: tc.level}}
		if got := e.Evaluate(snap).Battery; got != tc.want {
			t.Errorf("level=%v: got %v, want %v", tc.level, got, tc.want)
		}
	}
}

func TestNetworkScoring(t *testing.T) {
	cases := map[string]float64{
		"offline": 5, "5g": 10, "4g": 10, "3g": 7, "2g": 4,
		"slow-2g": 2, "unknown": 8, "wimax": 8,
	}
	e := NewEvaluator(nil)
	for kind, want := range cases {
		snap := fullSnapshot()
		snap.Network = kind
		if got := e.Evaluate(snap).Network; got != want {
			t.Errorf("network=%q: got %v, want %v", kind, got, want)
		}
	}
}

func TestStrategyMatrix(t *testing.T) {
	cases := []struct {
		score    float64
		priority Priority
		want     Strategy
	}{
		{9.5, PriorityHigh, StrategyParallelFull},
		{8.0, PriorityHigh, StrategyParallelFull},
		{7.9, PriorityHigh, StrategyParallelLimited},
		{6.0, PriorityHigh, StrategyParallelLimited},
		{5.9, PriorityHigh, StrategySerial},
		{7.5, PriorityMedium, StrategyParallelLimited},
		{6.9, PriorityMedium, StrategySerial},
		{9.0, PriorityLow, StrategyParallelLimited},
		{8.9, PriorityLow, StrategySerial},
		{10, "", StrategyParallelLimited}, // unrecognized priority behaves as medium
	}
	for _, tc := range cases {
		if got := StrategyFor(tc.score, tc.priority); got != tc.want {
			t.Errorf("StrategyFor(%v, %q) = %v, want %v", tc.score, tc.priority, got, tc.want)
		}
	}
}
