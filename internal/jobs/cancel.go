package jobs

import (
	"context"
	"sync"
)

// cancelRegistry tracks the live cancellation signal of each job. A job
// gains an entry when it is created in this process and loses it when
// it reaches a terminal status. Jobs persisted by an earlier process
// have no entry and therefore cannot be cancelled.
type cancelRegistry struct {
	mu      sync.Mutex
	entries map[string]*cancelEntry
}

type cancelEntry struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{entries: make(map[string]*cancelEntry)}
}

func (r *cancelRegistry) register(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[jobID]; ok {
		existing.cancel()
	}
	r.entries[jobID] = &cancelEntry{ctx: ctx, cancel: cancel}
}

func (r *cancelRegistry) signal(jobID string) (<-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[jobID]
	if !ok {
		return nil, false
	}
	return entry.ctx.Done(), true
}

// fire cancels the job's context without removing the entry, so
// observers holding the Done channel still see it closed.
func (r *cancelRegistry) fire(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[jobID]
	if !ok {
		return false
	}
	entry.cancel()
	return true
}

func (r *cancelRegistry) release(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[jobID]
	if !ok {
		return
	}
	entry.cancel()
	delete(r.entries, jobID)
}

func (r *cancelRegistry) releaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.entries {
		entry.cancel()
		delete(r.entries, id)
	}
}
