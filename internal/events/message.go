package events

import (
	"time"

	"github.com/google/uuid"
)

// Message type values carried on the wire envelope.
const (
	TypeAuthentication     = "authentication"
	TypeHeartbeat          = "heartbeat"
	TypeConnectionError    = "connection_error"
	TypeOperationStarted   = "operation_started"
	TypeOperationProgress  = "operation_progress"
	TypeOperationCompleted = "operation_completed"
	TypeOperationFailed    = "operation_failed"
	TypeEngineStarted      = "engine_started"
	TypeEngineError        = "engine_error"
	TypeEngineTerminated   = "engine_terminated"
)

// Message priorities. Low-priority messages are never queued for redelivery.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Message is the uniform JSON envelope for process/job/operation events and
// heartbeats, both on the internal bus and over WebSocket.
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Priority  string         `json:"priority"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds an envelope with a fresh id and the current time.
func New(msgType, priority, sessionID string, payload map[string]any) Message {
	return Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Priority:  priority,
		SessionID: sessionID,
		Payload:   payload,
	}
}
