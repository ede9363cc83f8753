// Package cognition runs the multi-stage debate pipeline: a draft is
// critiqued, the critique is validated, and only a validated critique
// earns a synthesis pass. When validation judges the critique unreliable
// the pipeline degrades gracefully: it returns the earlier draft and
// records why, instead of refining against a bad signal.
package cognition

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"synapse/internal/inference"
	"synapse/internal/journal"
	"synapse/internal/resilience"
)

// Stage target keys, used for per-target breaker/metric state.
const (
	TargetDraft      = "debate.draft"
	TargetCritique   = "debate.critique"
	TargetValidate   = "debate.validate"
	TargetSynthesize = "debate.synthesize"
)

// Config tunes the pipeline.
type Config struct {
	// RelevanceThreshold is the 0-100 validation score below which the
	// synthesis stage is skipped.
	RelevanceThreshold int

	// StageRetries is the retry budget handed to the resilience engine
	// for each stage call.
	StageRetries int
}

// DefaultConfig returns the standard pipeline tuning.
func DefaultConfig() Config {
	return Config{
		RelevanceThreshold: 40,
		StageRetries:       2,
	}
}

// Outcome is the pipeline result surfaced to the caller.
type Outcome struct {
	Text              string
	Degraded          bool
	DegradationReason string
}

// validation is the parsed verdict of the validate stage.
type validation struct {
	relevance  int
	forced     bool
	irrelevant bool
}

// Pipeline executes the debate stages over the inference engine,
// guarded by the resilience engine, recording steps in a journal.
type Pipeline struct {
	config     Config
	engine     inference.Engine
	resilience *resilience.Engine
	logger     *zap.Logger
}

// NewPipeline builds a pipeline. A nil logger is replaced with a no-op.
func NewPipeline(config Config, engine inference.Engine, res *resilience.Engine, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{config: config, engine: engine, resilience: res, logger: logger}
}

// Run executes the pipeline for one query, recording into j.
func (p *Pipeline) Run(ctx context.Context, query string, j *journal.Journal) (Outcome, error) {
	defer j.End()

	draft, err := p.stage(ctx, j, "draft", TargetDraft, "produce initial draft",
		fmt.Sprintf("Answer the following query as well as you can.\n\nQuery: %s", query))
	if err != nil {
		return Outcome{}, fmt.Errorf("draft stage: %w", err)
	}

	critique, err := p.stage(ctx, j, "critique", TargetCritique, "challenge the draft",
		fmt.Sprintf("Critique this draft answer. Point out errors, omissions and weak reasoning.\n\nQuery: %s\n\nDraft: %s", query, draft))
	if err != nil {
		// A failed critique is not fatal: the draft stands on its own.
		return p.degrade(j, draft, fmt.Sprintf("critique stage failed: %v", err)), nil
	}

	verdictRaw, err := p.stage(ctx, j, "validate", TargetValidate, "validate the critique",
		fmt.Sprintf("Judge whether this critique is relevant and genuine.\n"+
			"Reply with JSON {\"relevance\": 0-100, \"forced\": bool, \"irrelevant\": bool}.\n\n"+
			"Query: %s\n\nCritique: %s", query, critique))
	if err != nil {
		return p.degrade(j, draft, fmt.Sprintf("validation stage failed: %v", err)), nil
	}

	verdict, ok := parseValidation(verdictRaw)
	if !ok {
		return p.degrade(j, draft, "validation output was not interpretable"), nil
	}
	if verdict.relevance < p.config.RelevanceThreshold {
		return p.degrade(j, draft, fmt.Sprintf("validation relevance %d below threshold %d",
			verdict.relevance, p.config.RelevanceThreshold)), nil
	}
	if verdict.forced || verdict.irrelevant {
		return p.degrade(j, draft, "validation flagged the critique as forced or irrelevant"), nil
	}

	final, err := p.stage(ctx, j, "synthesize", TargetSynthesize, "synthesize final answer",
		fmt.Sprintf("Rewrite the draft answer, addressing the validated critique.\n\n"+
			"Query: %s\n\nDraft: %s\n\nCritique: %s", query, draft, critique))
	if err != nil {
		return p.degrade(j, draft, fmt.Sprintf("synthesis stage failed: %v", err)), nil
	}

	j.SetFinalResponse(final)
	return Outcome{Text: final}, nil
}

// stage runs one model call through the resilience engine and records
// it as a journal step.
func (p *Pipeline) stage(ctx context.Context, j *journal.Journal, id, target, action, prompt string) (string, error) {
	j.StartStep(id, "model", action)

	result, err := p.resilience.Execute(ctx, target, func(opCtx context.Context) (any, error) {
		return p.engine.Generate(opCtx, prompt)
	}, p.config.StageRetries)
	if err != nil {
		j.FailStep(id, err)
		return "", err
	}

	text, _ := result.(string)
	j.CompleteStep(id, text)
	return text, nil
}

func (p *Pipeline) degrade(j *journal.Journal, draft, reason string) Outcome {
	p.logger.Info("debate pipeline degraded", zap.String("reason", reason))
	j.SetDegradation(reason)
	j.SetFinalResponse(draft)
	return Outcome{Text: draft, Degraded: true, DegradationReason: reason}
}

// parseValidation extracts the verdict from the validator output.
// Accepts raw JSON or JSON embedded in surrounding prose.
func parseValidation(raw string) (validation, bool) {
	candidate := raw
	if !gjson.Valid(candidate) {
		start := strings.Index(raw, "{")
		end := strings.LastIndex(raw, "}")
		if start < 0 || end <= start {
			return validation{}, false
		}
		candidate = raw[start : end+1]
		if !gjson.Valid(candidate) {
			return validation{}, false
		}
	}

	relevance := gjson.Get(candidate, "relevance")
	if !relevance.Exists() {
		return validation{}, false
	}
	return validation{
		relevance:  int(relevance.Int()),
		forced:     gjson.Get(candidate, "forced").Bool(),
		irrelevant: gjson.Get(candidate, "irrelevant").Bool(),
	}, true
}
