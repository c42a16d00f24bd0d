package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Warning categories.
const (
	WarningCategorySlack  = "slack"  // Slack notifier misconfigured or disabled at runtime
	WarningCategoryConfig = "config" // non-fatal configuration fallback applied at startup
	WarningCategoryJobs   = "jobs"   // background job degradation (e.g. orphaned runs cleared)
	WarningCategoryEvents = "events" // cross-pod broadcast degraded to local delivery
)

// Warning is a non-fatal system issue surfaced to the dashboard.
type Warning struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Warnings manages in-memory system warnings.
// Thread-safe. Not persisted — warnings are transient and reset on restart.
type Warnings struct {
	mu       sync.RWMutex
	warnings map[string]*Warning // warningID → warning
}

// NewWarnings creates an empty warnings registry.
func NewWarnings() *Warnings {
	return &Warnings{warnings: make(map[string]*Warning)}
}

// Add records a warning and returns its ID. A warning with the same
// category+source replaces the previous one to avoid duplicates.
func (w *Warnings) Add(category, message, details, source string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, existing := range w.warnings {
		if existing.Category == category && existing.Source == source {
			delete(w.warnings, id)
			break
		}
	}

	id := uuid.New().String()
	w.warnings[id] = &Warning{
		ID:        id,
		Category:  category,
		Message:   message,
		Details:   details,
		Source:    source,
		CreatedAt: time.Now(),
	}
	return id
}

// All returns the active warnings as value copies.
func (w *Warnings) All() []*Warning {
	w.mu.RLock()
	defer w.mu.RUnlock()

	result := make([]*Warning, 0, len(w.warnings))
	for _, warning := range w.warnings {
		cp := *warning
		result = append(result, &cp)
	}
	return result
}

// Clear removes a warning matching category + source. Returns true if a
// warning was removed.
func (w *Warnings) Clear(category, source string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for id, existing := range w.warnings {
		if existing.Category == category && existing.Source == source {
			delete(w.warnings, id)
			return true
		}
	}
	return false
}
