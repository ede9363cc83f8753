// Package protocol defines the message envelope exchanged across the
// bridge and the closed set of request, response and system notice
// types. Envelopes are validated at the boundary: anything with an
// unknown type discriminant is rejected before it reaches business
// logic, carrying the original correlation id when one is present.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"synapse/internal/faults"
)

// Request types accepted by the kernel.
const (
	TypeSubmitTask = "submit-task"
	TypeCancelTask = "cancel-task"
	TypeClearCache = "clear-cache"
	TypeGetStatus  = "get-status"
	TypePing       = "ping"
)

// Response types produced by the kernel.
const (
	TypeProcessingStarted = "processing-started"
	TypeStreamChunk       = "stream-chunk"
	TypeFinalResponse     = "final-response"
	TypeError             = "error"
	TypeTaskCancelled     = "task-cancelled"
	TypeCacheCleared      = "cache-cleared"
	TypeStatus            = "status"
	TypePong              = "pong"
)

// System notice types. These flow outside any request/response pair.
const (
	TypeConnected    = "connected"
	TypeInitializing = "initializing"
	TypeReady        = "ready"
	TypeHeartbeat    = "heartbeat"
)

var knownTypes = map[string]struct{}{
	TypeSubmitTask:        {},
	TypeCancelTask:        {},
	TypeClearCache:        {},
	TypeGetStatus:         {},
	TypePing:              {},
	TypeProcessingStarted: {},
	TypeStreamChunk:       {},
	TypeFinalResponse:     {},
	TypeError:             {},
	TypeTaskCancelled:     {},
	TypeCacheCleared:      {},
	TypeStatus:            {},
	TypePong:              {},
	TypeConnected:         {},
	TypeInitializing:      {},
	TypeReady:             {},
	TypeHeartbeat:         {},
}

// KnownType reports whether t belongs to the closed type set.
func KnownType(t string) bool {
	_, ok := knownTypes[t]
	return ok
}

// Terminal reports whether a response type closes its correlation id.
// The processing acknowledgement, stream chunks and system notices keep
// the pending entry alive; everything else resolves or rejects it.
func Terminal(t string) bool {
	switch t {
	case TypeProcessingStarted, TypeStreamChunk, TypeHeartbeat,
		TypeConnected, TypeInitializing, TypeReady:
		return false
	}
	return true
}

// Envelope is the wire unit: one typed message with a correlation id.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope builds an envelope with a fresh correlation id.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      msgType,
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = raw
	}
	return env, nil
}

// Reply builds a response envelope on the same correlation id.
func (e Envelope) Reply(msgType string, payload any) (Envelope, error) {
	reply, err := NewEnvelope(msgType, payload)
	if err != nil {
		return Envelope{}, err
	}
	reply.RequestID = e.RequestID
	return reply, nil
}

// Parse validates raw bytes against the closed type set and decodes the
// envelope. The discriminant is peeked before full decoding so a
// malformed body still yields the correlation id in the error.
func Parse(raw []byte) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, &faults.ValidationError{Reason: "not valid JSON"}
	}

	requestID := gjson.GetBytes(raw, "requestId").String()

	typeField := gjson.GetBytes(raw, "type")
	if !typeField.Exists() || typeField.String() == "" {
		return Envelope{}, &faults.ValidationError{RequestID: requestID, Reason: "missing type discriminant"}
	}
	if !KnownType(typeField.String()) {
		return Envelope{}, &faults.ValidationError{
			RequestID: requestID,
			Reason:    "unknown type discriminant " + typeField.String(),
		}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &faults.ValidationError{RequestID: requestID, Reason: err.Error()}
	}
	return env, nil
}

// DecodePayload unmarshals an envelope payload into a typed struct.
func DecodePayload[T any](env Envelope) (T, error) {
	var out T
	if len(env.Payload) == 0 {
		return out, &faults.ValidationError{RequestID: env.RequestID, Reason: "empty payload"}
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, &faults.ValidationError{RequestID: env.RequestID, Reason: err.Error()}
	}
	return out, nil
}
