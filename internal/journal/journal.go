// Package journal records the steps of a multi-stage reasoning pipeline
// (draft, critique, validate, synthesize) for end-user transparency.
// A journal lives for one top-level query: steps are appended while the
// pipeline runs, then the journal is serialized once and read-only
// thereafter. Degradation is recorded as a first-class signal, not a
// log line.
package journal

import (
	"sync"
	"time"
)

// StepStatus tracks one step's lifecycle.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step is one recorded pipeline stage.
type Step struct {
	ID        string        `json:"id"`
	Actor     string        `json:"actor"`
	Action    string        `json:"action"`
	Label     string        `json:"label,omitempty"`
	Status    StepStatus    `json:"status"`
	StartedAt time.Time     `json:"startedAt,omitempty"`
	EndedAt   time.Time     `json:"endedAt,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Result    string        `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Snapshot is the immutable serialized form handed to observers.
type Snapshot struct {
	Type               string    `json:"type"`
	QueryID            string    `json:"queryId"`
	UserQuery          string    `json:"userQuery"`
	StartedAt          time.Time `json:"startedAt"`
	EndedAt            time.Time `json:"endedAt,omitempty"`
	Steps              []Step    `json:"steps"`
	FinalResponse      string    `json:"finalResponse,omitempty"`
	DegradationApplied bool      `json:"degradationApplied"`
	DegradationReason  string    `json:"degradationReason,omitempty"`
}

// Journal is the mutable recorder. Safe for concurrent use.
type Journal struct {
	mu sync.Mutex

	journalType string
	queryID     string
	userQuery   string
	startedAt   time.Time
	endedAt     time.Time

	order []string
	steps map[string]*Step

	finalResponse     string
	degradationApplied bool
	degradationReason string

	now func() time.Time // test hook
}

// New opens a journal for one query.
func New(journalType, queryID, userQuery string) *Journal {
	j := &Journal{
		journalType: journalType,
		queryID:     queryID,
		userQuery:   userQuery,
		steps:       make(map[string]*Step),
		now:         time.Now,
	}
	j.startedAt = j.now()
	return j
}

// StartStep marks a step running. Unknown ids are created on the fly;
// declared order is the order of first reference.
func (j *Journal) StartStep(id, actor, action string, label ...string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	step := j.stepLocked(id)
	step.Actor = actor
	step.Action = action
	if len(label) > 0 {
		step.Label = label[0]
	}
	step.Status = StepRunning
	step.StartedAt = j.now()
}

// CompleteStep closes a step successfully and computes its duration.
func (j *Journal) CompleteStep(id, result string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	step := j.stepLocked(id)
	step.Status = StepCompleted
	step.Result = result
	j.closeLocked(step)
}

// FailStep closes a step with an error.
func (j *Journal) FailStep(id string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	step := j.stepLocked(id)
	step.Status = StepFailed
	if err != nil {
		step.Error = err.Error()
	}
	j.closeLocked(step)
}

// SetFinalResponse records the text returned to the user.
func (j *Journal) SetFinalResponse(text string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finalResponse = text
}

// SetDegradation records that a later stage was skipped and why.
func (j *Journal) SetDegradation(reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.degradationApplied = true
	j.degradationReason = reason
}

// End stamps the journal's end time.
func (j *Journal) End() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.endedAt = j.now()
}

// Serialize returns an immutable snapshot with steps in declared order.
func (j *Journal) Serialize() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	steps := make([]Step, 0, len(j.order))
	for _, id := range j.order {
		steps = append(steps, *j.steps[id])
	}
	return Snapshot{
		Type:               j.journalType,
		QueryID:            j.queryID,
		UserQuery:          j.userQuery,
		StartedAt:          j.startedAt,
		EndedAt:            j.endedAt,
		Steps:              steps,
		FinalResponse:      j.finalResponse,
		DegradationApplied: j.degradationApplied,
		DegradationReason:  j.degradationReason,
	}
}

func (j *Journal) stepLocked(id string) *Step {
	if step, ok := j.steps[id]; ok {
		return step
	}
	step := &Step{ID: id, Status: StepPending}
	j.steps[id] = step
	j.order = append(j.order, id)
	return step
}

// closeLocked stamps the end time, clamped so end never precedes start.
func (j *Journal) closeLocked(step *Step) {
	end := j.now()
	if !step.StartedAt.IsZero() && end.Before(step.StartedAt) {
		end = step.StartedAt
	}
	step.EndedAt = end
	if !step.StartedAt.IsZero() {
		step.Duration = end.Sub(step.StartedAt)
	}
}
