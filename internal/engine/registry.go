package engine

import (
	"os/exec"
	"sync"
	"time"

	"molrender/internal/models"
)

// process pairs the registry view with the OS handle. Mutable fields are
// guarded by mu so health checks and reaping never contend with dispatch on
// other entries.
type process struct {
	mu         sync.RWMutex
	id         string
	port       int
	cmd        *exec.Cmd
	status     string
	createdAt  time.Time
	lastActive time.Time

	// Closed by the watcher once Wait has reaped the OS process.
	waitDone chan struct{}
}

func (p *process) snapshot() models.EngineProcess {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pid := 0
	if p.cmd != nil && p.cmd.Process != nil {
		pid = p.cmd.Process.Pid
	}
	return models.EngineProcess{
		ID:         p.id,
		PID:        pid,
		Port:       p.port,
		Status:     p.status,
		CreatedAt:  p.createdAt,
		LastActive: p.lastActive,
	}
}

func (p *process) setStatus(status string) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
}

// clearBusy restores running after a dispatch, but only from busy: an error
// or terminated status set concurrently by the watcher stays put.
func (p *process) clearBusy() {
	p.mu.Lock()
	if p.status == models.ProcessBusy {
		p.status = models.ProcessRunning
	}
	p.mu.Unlock()
}

func (p *process) touch(now time.Time) {
	p.mu.Lock()
	p.lastActive = now
	p.mu.Unlock()
}

// registry is the owned store of live processes keyed by session id. The map
// is private; call sites go through the narrow get/put/remove/list surface so
// the locking strategy stays swappable.
type registry struct {
	mu    sync.RWMutex
	procs map[string]*process
}

func newRegistry() *registry {
	return &registry{procs: make(map[string]*process)}
}

// put registers a process, refusing duplicates for the same session id.
func (r *registry) put(p *process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.procs[p.id]; exists {
		return false
	}
	r.procs[p.id] = p
	return true
}

func (r *registry) get(id string) (*process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[id]
	return p, ok
}

func (r *registry) remove(id string) (*process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[id]
	if ok {
		delete(r.procs, id)
	}
	return p, ok
}

func (r *registry) list() []*process {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*process, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p)
	}
	return out
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.procs)
}
