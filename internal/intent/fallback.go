package intent

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"synapse/internal/faults"
)

// InvokeFunc executes one model call. Injected rather than a concrete
// client so the caller decides which engine and which resilience policy
// sits underneath.
type InvokeFunc func(ctx context.Context, prompt string) (string, error)

// LLMFallback is the second classification tier: it asks a model to
// pick one category from the closed set.
type LLMFallback struct {
	Invoke InvokeFunc

	// Confidence assigned to accepted fallback answers. The model's
	// self-reported confidence is used when it returns JSON, this value
	// otherwise.
	Confidence float64
}

// NewLLMFallback wraps an invoke function with the default confidence.
func NewLLMFallback(invoke InvokeFunc) *LLMFallback {
	return &LLMFallback{Invoke: invoke, Confidence: 0.75}
}

// Classify implements Fallback.
func (f *LLMFallback) Classify(ctx context.Context, text string, categories []string) (string, float64, error) {
	prompt := fmt.Sprintf(
		"Classify the user input into exactly one of these categories: %s.\n"+
			"Reply with only the category name, or JSON {\"category\": ..., \"confidence\": ...}.\n\nInput: %s",
		strings.Join(categories, ", "), text)

	raw, err := f.Invoke(ctx, prompt)
	if err != nil {
		return "", 0, fmt.Errorf("fallback classification: %w", err)
	}

	name, confidence := f.parse(raw)
	if name == "" {
		return "", 0, &faults.ClassificationError{Input: text, Output: raw}
	}

	// Match case-insensitively against the closed set.
	for _, cat := range categories {
		if strings.EqualFold(cat, name) {
			return cat, confidence, nil
		}
	}
	return "", 0, &faults.ClassificationError{Input: text, Output: raw}
}

func (f *LLMFallback) parse(raw string) (string, float64) {
	trimmed := strings.TrimSpace(raw)
	confidence := f.Confidence
	if confidence <= 0 {
		confidence = 0.75
	}

	if parsed := gjson.Get(trimmed, "category"); parsed.Exists() {
		if reported := gjson.Get(trimmed, "confidence"); reported.Exists() {
			confidence = reported.Float()
		}
		return strings.TrimSpace(parsed.String()), confidence
	}

	// Plain-text answer: accept a single-line category name.
	line := strings.TrimSpace(strings.SplitN(trimmed, "\n", 2)[0])
	line = strings.Trim(line, `"'.`)
	if line == "" || strings.ContainsAny(line, "{}") {
		return "", 0
	}
	return line, confidence
}
