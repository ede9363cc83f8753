package faults

import (
	"context"
	"errors"
	"strings"
)

// Class is the retry disposition of a failure.
type Class int

const (
	// ClassRetriable covers rate limits, overload, timeouts and network
	// flakes. The resilience engine will back off and try again.
	ClassRetriable Class = iota

	// ClassPermanent covers auth failures, invalid input and missing
	// resources. Retrying would only repeat the same answer.
	ClassPermanent

	// ClassUnknown is the fallback; treated as retriable so a transient
	// failure with an unusual message still gets its retry budget.
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassRetriable:
		return "retriable"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Retriable reports whether the class permits another attempt.
func (c Class) Retriable() bool { return c != ClassPermanent }

// Classify inspects an error and decides its retry disposition.
// Explicit RetriableError/PermanentError wrappers win; otherwise the
// message is pattern-matched the same way whichever backend produced it.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var retriable *RetriableError
	if errors.As(err, &retriable) {
		return ClassRetriable
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return ClassPermanent
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return ClassRetriable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetriable
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "429",
		"overload", "capacity", "busy", "unavailable", "503"):
		return ClassRetriable

	case containsAny(msg, "timeout", "timed out", "deadline"):
		return ClassRetriable

	case containsAny(msg, "connection", "network", "dial", "dns", "reset by peer",
		"broken pipe", "unreachable", "eof"):
		return ClassRetriable

	case containsAny(msg, "unauthorized", "forbidden", "401", "403", "api key",
		"authentication", "permission denied"):
		return ClassPermanent

	case containsAny(msg, "invalid", "malformed", "bad request", "400",
		"unsupported", "parse error"):
		return ClassPermanent

	case containsAny(msg, "not found", "404", "no such", "unknown model"):
		return ClassPermanent
	}

	return ClassUnknown
}

// containsAny returns true if s contains any of the patterns.
func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
