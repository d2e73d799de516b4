package render

import (
	"sync"
	"time"

	"molrender/internal/models"
)

// jobTable is the owned in-memory store of rendering jobs. Status transitions
// are enforced here: once a job is terminal it is never mutated again.
type jobTable struct {
	mu   sync.RWMutex
	jobs map[string]*models.RenderingJob
}

func newJobTable() *jobTable {
	return &jobTable{jobs: make(map[string]*models.RenderingJob)}
}

func (t *jobTable) put(job *models.RenderingJob) {
	t.mu.Lock()
	t.jobs[job.ID] = job
	t.mu.Unlock()
}

func (t *jobTable) get(id string) (models.RenderingJob, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[id]
	if !ok {
		return models.RenderingJob{}, false
	}
	return *job, true
}

func (t *jobTable) remove(id string) (models.RenderingJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return models.RenderingJob{}, false
	}
	delete(t.jobs, id)
	return *job, true
}

func (t *jobTable) list(sessionID string) []models.RenderingJob {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.RenderingJob, 0, len(t.jobs))
	for _, job := range t.jobs {
		if sessionID != "" && job.SessionID != sessionID {
			continue
		}
		out = append(out, *job)
	}
	return out
}

// transition applies status/message/output mutations under the monotonic
// rule. Returns the updated copy and false if the job was already terminal or
// unknown.
func (t *jobTable) transition(id string, mutate func(*models.RenderingJob)) (models.RenderingJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok || job.Terminal() {
		return models.RenderingJob{}, false
	}
	mutate(job)
	job.UpdatedAt = time.Now().UTC()
	if job.Terminal() {
		done := job.UpdatedAt
		job.CompletedAt = &done
	}
	return *job, true
}
