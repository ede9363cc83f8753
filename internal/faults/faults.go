// Package faults defines the error taxonomy shared by the orchestration
// core: typed errors callers branch on with errors.As, plus a
// message-pattern classifier that decides whether a backend failure is
// worth retrying.
package faults

import (
	"fmt"
	"time"
)

// ValidationError reports a malformed message envelope. It carries the
// original correlation id when one could be recovered so the caller can
// answer on the same id instead of dropping the request.
type ValidationError struct {
	RequestID string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("invalid envelope (request %s): %s", e.RequestID, e.Reason)
	}
	return fmt.Sprintf("invalid envelope: %s", e.Reason)
}

// ClassificationError reports that the fallback classifier returned
// output the router could not interpret.
type ClassificationError struct {
	Input  string
	Output string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("fallback classifier returned uninterpretable output %q", e.Output)
}

// CircuitOpenError is returned when a target's breaker forbids the call.
// The wrapped operation is never invoked.
type CircuitOpenError struct {
	Target     string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for target %q, retry after %s", e.Target, e.RetryAfter.Round(time.Millisecond))
}

// TimeoutError reports that an operation lost its timeout race.
type TimeoutError struct {
	Target  string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation on %q timed out after %s", e.Target, e.Elapsed.Round(time.Millisecond))
}

// ConnectionError reports transport or heartbeat loss on a bridge.
type ConnectionError struct {
	Endpoint string
	Attempts int
	Cause    error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("connection to %s lost after %d reconnect attempts: %v", e.Endpoint, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("connection to %s lost: %v", e.Endpoint, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// RegistrationError reports a duplicate or missing orchestrator registrant.
type RegistrationError struct {
	WorkerID string
	Reason   string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registrant %q: %s", e.WorkerID, e.Reason)
}

// RetriableError marks a backend failure the resilience engine may retry.
type RetriableError struct {
	Cause error
}

func (e *RetriableError) Error() string { return e.Cause.Error() }
func (e *RetriableError) Unwrap() error { return e.Cause }

// PermanentError marks a backend failure that must not be retried
// (auth, invalid input, not found).
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string { return e.Cause.Error() }
func (e *PermanentError) Unwrap() error { return e.Cause }
