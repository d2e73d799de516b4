package models

import (
	"time"
)

// JobStatus enumerates rendering job lifecycle states.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// JobKind distinguishes snapshot and movie jobs.
const (
	JobSnapshot = "snapshot"
	JobMovie    = "movie"
)

// RenderParams carries the render options for a snapshot or movie request.
type RenderParams struct {
	Width       int      `json:"width"`
	Height      int      `json:"height"`
	Format      string   `json:"format"`
	Style       string   `json:"style,omitempty"`
	Camera      string   `json:"camera,omitempty"`
	Lighting    string   `json:"lighting,omitempty"`
	Background  string   `json:"background,omitempty"`
	Frames      []string `json:"frames,omitempty"`
	FrameRate   int      `json:"frame_rate,omitempty"`
	Destination string   `json:"destination,omitempty"`
}

// JobProgress tracks completed frames for movie jobs.
type JobProgress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// RenderingJob is one snapshot or movie request tracked by the queue.
// Status transitions are monotonic: pending -> processing -> completed|failed.
type RenderingJob struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Kind        string       `json:"kind"`
	Params      RenderParams `json:"params"`
	Status      string       `json:"status"`
	Progress    JobProgress  `json:"progress"`
	OutputPath  string       `json:"output_path,omitempty"`
	Message     string       `json:"message,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (j RenderingJob) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}
