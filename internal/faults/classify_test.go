package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyRateLimitIsRetriable(t *testing.T) {
	err := errors.New("backend returned 429 Too Many Requests")
	if got := Classify(err); got != ClassRetriable {
		t.Fatalf("expected retriable, got %v", got)
	}
}

func TestClassifyAuthIsPermanent(t *testing.T) {
	err := errors.New("401 unauthorized: invalid api key")
	if got := Classify(err); got != ClassPermanent {
		t.Fatalf("expected permanent, got %v", got)
	}
	if got := Classify(err); got.Retriable() {
		t.Fatalf("permanent class must not be retriable")
	}
}

func TestClassifyTable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"overload", errors.New("model overloaded, try later"), ClassRetriable},
		{"timeout text", errors.New("request timed out"), ClassRetriable},
		{"network", errors.New("dial tcp: connection refused"), ClassRetriable},
		{"deadline", context.DeadlineExceeded, ClassRetriable},
		{"not found", errors.New("model not found"), ClassPermanent},
		{"invalid input", errors.New("invalid prompt encoding"), ClassPermanent},
		{"unclassified", errors.New("something odd happened"), ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyExplicitWrappersWin(t *testing.T) {
	// The message says "rate limit" but the wrapper says permanent.
	err := &PermanentError{Cause: errors.New("rate limit misreported upstream")}
	if got := Classify(err); got != ClassPermanent {
		t.Fatalf("explicit PermanentError must win, got %v", got)
	}

	wrapped := fmt.Errorf("dispatch failed: %w", &RetriableError{Cause: errors.New("invalid")})
	if got := Classify(wrapped); got != ClassRetriable {
		t.Fatalf("explicit RetriableError must win through wrapping, got %v", got)
	}
}

func TestTimeoutErrorClassifiesRetriable(t *testing.T) {
	err := fmt.Errorf("call failed: %w", &TimeoutError{Target: "draft", Elapsed: 2 * time.Second})
	if got := Classify(err); got != ClassRetriable {
		t.Fatalf("TimeoutError should be retriable, got %v", got)
	}
}

func TestUnknownClassIsRetriable(t *testing.T) {
	if !ClassUnknown.Retriable() {
		t.Fatalf("unknown class should permit retries")
	}
}

func TestValidationErrorKeepsRequestID(t *testing.T) {
	err := &ValidationError{RequestID: "req-42", Reason: "unknown type discriminant"}
	if want := "req-42"; !errors.As(error(err), &err) || err.RequestID != want {
		t.Fatalf("expected request id %q preserved", want)
	}
}
