// Package residency tracks which models are currently loaded, the GPU they
// occupy, and when they were last used. It is the Lifecycle Controller's
// exclusive view of what is resident; nothing else may terminate or inspect
// the process handles it holds.
package residency

import (
	"os"
	"sync"
	"time"
)

// Entry records the state of a single resident model.
type Entry struct {
	// Process is the spawned backend's process handle. Nil for models with
	// no local spawn command (external/remote models are never inserted
	// into the table at all, since they hold no GPU residency).
	Process *os.Process
	// GPUIndex is the GPU the model's process is occupying.
	GPUIndex int
	// LastUsed is the monotonic-clock time the model was last successfully
	// forwarded a request, or the time it was loaded if never used since.
	LastUsed time.Time
}

// ResidentModel pairs a model name with its residency entry, the shape
// returned by Snapshot for the planner to consume without holding the
// table's lock.
type ResidentModel struct {
	Name string
	Entry
}

// Table is a thread-safe key-value store of resident models, keyed by model
// name.
type Table struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// New creates an empty residency table.
func New() *Table {
	return &Table{entries: make(map[string]Entry)}
}

// Contains reports whether name is currently resident.
func (t *Table) Contains(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[name]
	return ok
}

// Get returns the residency entry for name, if any.
func (t *Table) Get(name string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[name]
	return e, ok
}

// Insert records a newly spawned model's residency.
func (t *Table) Insert(name string, proc *os.Process, gpu int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[name] = Entry{Process: proc, GPUIndex: gpu, LastUsed: now}
}

// Remove deletes name's residency entry, returning it if present.
func (t *Table) Remove(name string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[name]
	if ok {
		delete(t.entries, name)
	}
	return e, ok
}

// Touch refreshes name's last-used timestamp. It is a no-op if the model
// isn't resident. A now earlier than the recorded LastUsed leaves LastUsed
// unchanged, so LastUsed never moves backward.
func (t *Table) Touch(name string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[name]
	if !ok {
		return
	}
	if now.Before(e.LastUsed) {
		now = e.LastUsed
	}
	e.LastUsed = now
	t.entries[name] = e
}

// Snapshot returns a stable copy of the resident set for the planner. The
// planner must never hold the table's lock across its solve, so it should
// always operate on a Snapshot rather than the live table.
func (t *Table) Snapshot() []ResidentModel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ResidentModel, 0, len(t.entries))
	for name, e := range t.entries {
		out = append(out, ResidentModel{Name: name, Entry: e})
	}
	return out
}

// Len returns the number of resident models.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
