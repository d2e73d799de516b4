package command

import (
	"sync"

	"molrender/internal/models"
)

// History is the bounded per-session command log. Append-only from the
// caller's view; the oldest records are evicted once a session reaches the
// cap so memory stays bounded.
type History struct {
	mu      sync.RWMutex
	perSess map[string][]models.CommandRecord
	cap     int
}

// NewHistory builds a log keeping at most cap records per session.
func NewHistory(cap int) *History {
	if cap <= 0 {
		cap = 500
	}
	return &History{
		perSess: make(map[string][]models.CommandRecord),
		cap:     cap,
	}
}

// Append records one command outcome, evicting the oldest record if the
// session is at capacity.
func (h *History) Append(rec models.CommandRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	records := h.perSess[rec.SessionID]
	if len(records) >= h.cap {
		records = records[1:]
	}
	h.perSess[rec.SessionID] = append(records, rec)
}

// List returns up to limit records for the session, newest first, skipping
// offset records.
func (h *History) List(sessionID string, limit, offset int) []models.CommandRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	records := h.perSess[sessionID]
	n := len(records)
	if offset >= n {
		return nil
	}
	if limit <= 0 {
		limit = n
	}

	out := make([]models.CommandRecord, 0, limit)
	for i := n - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, records[i])
	}
	return out
}

// Count returns how many records are held for the session.
func (h *History) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.perSess[sessionID])
}

// Clear drops all records for the session.
func (h *History) Clear(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.perSess, sessionID)
}
