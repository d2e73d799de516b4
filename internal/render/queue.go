package render

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"molrender/internal/config"
	"molrender/internal/events"
	"molrender/internal/models"
	"molrender/internal/telemetry"
)

// Commander is the slice of the command service the queue drives renders
// through.
type Commander interface {
	Execute(ctx context.Context, sessionID, cmd string, timeout time.Duration) (models.CommandResult, error)
	ExecuteSequence(ctx context.Context, sessionID string, cmds []string) []models.CommandResult
}

// SessionChecker validates that a session has a registered engine process.
type SessionChecker interface {
	Get(sessionID string) (models.EngineProcess, bool)
}

// JobStore optionally mirrors job records to durable storage.
type JobStore interface {
	SaveJob(ctx context.Context, job models.RenderingJob) error
	UpdateJob(ctx context.Context, job models.RenderingJob) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Validation errors surfaced to the HTTP layer.
var (
	ErrUnknownSession = errors.New("unknown session")
	ErrBadParams      = errors.New("invalid render parameters")
)

// Queue is the asynchronous rendering job engine. Jobs are accepted
// immediately and run off the calling path under a bounded worker count.
type Queue struct {
	cfg      config.Config
	jobs     *jobTable
	sessions SessionChecker
	commands Commander
	bus      *events.Bus
	store    JobStore
	uploader *uploaderPair

	// Bounded worker semaphore.
	slots chan struct{}
}

// NewQueue builds the rendering queue. store may be nil (no durable records).
func NewQueue(cfg config.Config, sessions SessionChecker, commands Commander, bus *events.Bus, store JobStore) (*Queue, error) {
	if err := os.MkdirAll(cfg.RenderOutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	uploader, err := newUploaderPair(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	max := cfg.RenderMaxConcurrent
	if max <= 0 {
		max = 4
	}
	return &Queue{
		cfg:      cfg,
		jobs:     newJobTable(),
		sessions: sessions,
		commands: commands,
		bus:      bus,
		store:    store,
		uploader: uploader,
		slots:    make(chan struct{}, max),
	}, nil
}

// CreateSnapshot validates and enqueues a snapshot job, returning it in
// pending state. Rendering proceeds asynchronously.
func (q *Queue) CreateSnapshot(ctx context.Context, sessionID string, params models.RenderParams) (models.RenderingJob, error) {
	if err := q.validate(sessionID, &params, false); err != nil {
		return models.RenderingJob{}, err
	}
	return q.enqueue(ctx, sessionID, models.JobSnapshot, params)
}

// CreateMovie validates and enqueues a movie job. A movie needs at least two
// frames.
func (q *Queue) CreateMovie(ctx context.Context, sessionID string, params models.RenderParams) (models.RenderingJob, error) {
	if err := q.validate(sessionID, &params, true); err != nil {
		return models.RenderingJob{}, err
	}
	return q.enqueue(ctx, sessionID, models.JobMovie, params)
}

func (q *Queue) validate(sessionID string, params *models.RenderParams, movie bool) error {
	if _, ok := q.sessions.Get(sessionID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if params.Width == 0 {
		params.Width = q.cfg.RenderDefaultWidth
	}
	if params.Height == 0 {
		params.Height = q.cfg.RenderDefaultHeight
	}
	min, max := q.cfg.RenderMinDimension, q.cfg.RenderMaxDimension
	if params.Width < min || params.Width > max || params.Height < min || params.Height > max {
		return fmt.Errorf("%w: dimensions %dx%d outside [%d, %d]", ErrBadParams, params.Width, params.Height, min, max)
	}
	params.Format = strings.ToLower(params.Format)
	if params.Format == "" {
		params.Format = "png"
	}
	if movie {
		if len(params.Frames) < 2 {
			return fmt.Errorf("%w: a movie requires at least 2 frames", ErrBadParams)
		}
		if params.FrameRate <= 0 {
			params.FrameRate = q.cfg.DefaultFrameRate
		}
		switch params.Format {
		case "png", "jpg", "jpeg":
			params.Format = "mp4"
		case "mp4", "gif":
		default:
			return fmt.Errorf("%w: unsupported movie format %q", ErrBadParams, params.Format)
		}
	} else {
		switch params.Format {
		case "png", "jpg", "jpeg":
		default:
			return fmt.Errorf("%w: unsupported image format %q", ErrBadParams, params.Format)
		}
	}
	return nil
}

func (q *Queue) enqueue(ctx context.Context, sessionID, kind string, params models.RenderParams) (models.RenderingJob, error) {
	now := time.Now().UTC()
	job := &models.RenderingJob{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Kind:      kind,
		Params:    params,
		Status:    models.JobPending,
		Progress:  models.JobProgress{Total: totalFrames(kind, params)},
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.jobs.put(job)
	q.persistCreate(ctx, *job)

	go q.process(job.ID)
	return *job, nil
}

func totalFrames(kind string, params models.RenderParams) int {
	if kind == models.JobMovie {
		return len(params.Frames)
	}
	return 1
}

// Get returns a job by id.
func (q *Queue) Get(id string) (models.RenderingJob, bool) {
	return q.jobs.get(id)
}

// List returns jobs, optionally filtered by session.
func (q *Queue) List(sessionID string) []models.RenderingJob {
	return q.jobs.list(sessionID)
}

// Delete removes a job record and its artifact file.
func (q *Queue) Delete(id string) bool {
	job, ok := q.jobs.remove(id)
	if !ok {
		return false
	}
	if job.OutputPath != "" {
		if err := os.Remove(job.OutputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("render: remove artifact for job %s: %v", id, err)
		}
	}
	return true
}

// ArtifactPath returns the output file for a completed job.
func (q *Queue) ArtifactPath(id string) (string, bool) {
	job, ok := q.jobs.get(id)
	if !ok || job.Status != models.JobCompleted || job.OutputPath == "" {
		return "", false
	}
	return job.OutputPath, true
}

// process drives one job through the tiered pipeline. It only runs once per
// job; terminal states are never re-entered.
func (q *Queue) process(jobID string) {
	q.slots <- struct{}{}
	defer func() { <-q.slots }()

	job, ok := q.jobs.transition(jobID, func(j *models.RenderingJob) {
		j.Status = models.JobProcessing
		j.Message = "rendering started"
	})
	if !ok {
		return
	}
	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	q.persistUpdate(job, "started", "")
	q.publish(events.TypeOperationStarted, job, nil)

	ctx := context.Background()
	var outPath string
	var err error
	if job.Kind == models.JobMovie {
		outPath, err = q.renderMovie(ctx, job)
	} else {
		outPath, err = q.renderSnapshot(ctx, job)
	}

	if err != nil {
		// Every tier including the placeholder failed; fatal and user-visible.
		job, ok = q.jobs.transition(jobID, func(j *models.RenderingJob) {
			j.Status = models.JobFailed
			j.Message = err.Error()
		})
		if !ok {
			// Deleted while rendering; nothing left to report against.
			log.Printf("render: job %s failed after deletion: %v", jobID, err)
			return
		}
		telemetry.JobsFailed.Inc()
		q.persistUpdate(job, "failed", err.Error())
		q.publish(events.TypeOperationFailed, job, map[string]any{"error": err.Error()})
		log.Printf("render: job %s failed: %v", jobID, err)
		return
	}

	if dest := strings.ToLower(job.Params.Destination); dest == "s3" {
		if uploaded, upErr := q.uploader.uploadArtifact(ctx, job, outPath); upErr != nil {
			log.Printf("render: job %s: s3 upload failed, keeping local artifact: %v", jobID, upErr)
		} else {
			q.persistAudit(jobID, "uploaded", uploaded)
		}
	}

	job, ok = q.jobs.transition(jobID, func(j *models.RenderingJob) {
		j.Status = models.JobCompleted
		j.OutputPath = outPath
		j.Progress.Completed = j.Progress.Total
	})
	if !ok {
		// Deleted while rendering; drop the orphaned artifact.
		if err := os.Remove(outPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("render: job %s: remove orphaned artifact: %v", jobID, err)
		}
		return
	}
	telemetry.JobsCompleted.Inc()
	q.persistUpdate(job, "completed", outPath)
	q.publish(events.TypeOperationCompleted, job, map[string]any{"output_path": outPath})
	log.Printf("render: job %s completed (%s)", jobID, job.Message)
}

func (q *Queue) setMessage(jobID, msg string) models.RenderingJob {
	job, _ := q.jobs.transition(jobID, func(j *models.RenderingJob) {
		j.Message = msg
	})
	return job
}

func (q *Queue) setProgress(jobID string, completed int) {
	job, ok := q.jobs.transition(jobID, func(j *models.RenderingJob) {
		j.Progress.Completed = completed
	})
	if ok {
		q.publish(events.TypeOperationProgress, job, map[string]any{
			"completed": job.Progress.Completed,
			"total":     job.Progress.Total,
		})
	}
}

func (q *Queue) publish(msgType string, job models.RenderingJob, extra map[string]any) {
	if q.bus == nil {
		return
	}
	payload := map[string]any{
		"job_id": job.ID,
		"kind":   job.Kind,
		"status": job.Status,
	}
	for k, v := range extra {
		payload[k] = v
	}
	priority := events.PriorityNormal
	if msgType == events.TypeOperationFailed {
		priority = events.PriorityHigh
	}
	q.bus.Publish(events.New(msgType, priority, job.SessionID, payload))
}

func (q *Queue) persistCreate(ctx context.Context, job models.RenderingJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		log.Printf("render: persist job %s: %v", job.ID, err)
	}
}

func (q *Queue) persistUpdate(job models.RenderingJob, event, detail string) {
	if q.store == nil || job.ID == "" {
		return
	}
	ctx := context.Background()
	if err := q.store.UpdateJob(ctx, job); err != nil {
		log.Printf("render: persist job %s: %v", job.ID, err)
	}
	if err := q.store.AppendAudit(ctx, job.ID, event, detail); err != nil {
		log.Printf("render: audit job %s: %v", job.ID, err)
	}
}

func (q *Queue) persistAudit(jobID, event, detail string) {
	if q.store == nil {
		return
	}
	if err := q.store.AppendAudit(context.Background(), jobID, event, detail); err != nil {
		log.Printf("render: audit job %s: %v", jobID, err)
	}
}

func (q *Queue) outputFile(jobID, ext string) string {
	return filepath.Join(q.cfg.RenderOutputDir, fmt.Sprintf("%s.%s", jobID, ext))
}
