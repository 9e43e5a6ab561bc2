package orchestrator

import (
	"context"
	"sync"
)

// procHandle tracks one supervised external process. The stop path is
// remembered so a user-requested kill is not finalized as a failure.
type procHandle struct {
	mu       sync.Mutex
	cancel   context.CancelFunc
	userStop bool
}

// bind attaches the process cancel function. A stop requested before the
// process was spawned takes effect immediately.
func (h *procHandle) bind(cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancel = cancel
	if h.userStop {
		cancel()
	}
}

func (h *procHandle) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.userStop = true
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *procHandle) stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.userStop
}

// registry is the supervised-process table: the sole arbiter of whether a
// job is running. At most one handle exists per job id.
type registry struct {
	mu    sync.Mutex
	procs map[string]*procHandle
}

func newRegistry() *registry {
	return &registry{procs: make(map[string]*procHandle)}
}

// claim reserves the slot for a job id. It fails when a process is already
// supervised for that id.
func (r *registry) claim(id string) (*procHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.procs[id]; exists {
		return nil, false
	}

	h := &procHandle{}
	r.procs[id] = h
	return h, true
}

func (r *registry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, id)
}

func (r *registry) get(id string) (*procHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.procs[id]
	return h, ok
}

func (r *registry) has(id string) bool {
	_, ok := r.get(id)
	return ok
}

func (r *registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.procs))
	for id := range r.procs {
		ids = append(ids, id)
	}
	return ids
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}
