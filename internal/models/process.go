package models

import (
	"time"
)

// ProcessStatus enumerates engine process lifecycle states.
const (
	ProcessStarting   = "starting"
	ProcessRunning    = "running"
	ProcessBusy       = "busy"
	ProcessError      = "error"
	ProcessTerminated = "terminated"
)

// EngineProcess is one spawned external-engine instance, keyed by session id.
// The OS handle lives in the engine package; this is the view callers see.
type EngineProcess struct {
	ID         string    `json:"id"`
	PID        int       `json:"pid"`
	Port       int       `json:"port"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// IdleFor reports how long the process has been without command traffic.
func (p EngineProcess) IdleFor(now time.Time) time.Duration {
	return now.Sub(p.LastActive)
}

// CommandResult is the structured outcome of one engine command dispatch.
type CommandResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// CommandRecord is an immutable per-session command log entry.
type CommandRecord struct {
	SessionID       string        `json:"session_id"`
	Command         string        `json:"command"`
	Result          CommandResult `json:"result"`
	Timestamp       time.Time     `json:"timestamp"`
	ExecutionTimeMs int64         `json:"execution_time_ms"`
}
