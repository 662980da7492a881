package coordinator

import "sync"

// Tracker holds the in-memory dedup sets of one run: keys already queued and
// keys already persisted (or found in the store).
type Tracker struct {
	queued    sync.Map
	completed sync.Map
}

// NewTracker returns empty sets.
func NewTracker() *Tracker {
	return &Tracker{}
}

// MarkIfNew records key as queued and reports whether it was new.
func (t *Tracker) MarkIfNew(key string) bool {
	_, loaded := t.queued.LoadOrStore(key, struct{}{})
	return !loaded
}

// Complete records key as persisted.
func (t *Tracker) Complete(key string) {
	t.completed.Store(key, struct{}{})
}

// Completed reports whether key was persisted during this run.
func (t *Tracker) Completed(key string) bool {
	_, ok := t.completed.Load(key)
	return ok
}
