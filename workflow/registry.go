package workflow

import (
	"context"
	"sync"
)

// Registry tracks the cancel functions of runs executing in this process.
type Registry struct {
	mu   sync.Mutex
	runs map[string]context.CancelCauseFunc
}

func NewRegistry() *Registry {
	return &Registry{runs: map[string]context.CancelCauseFunc{}}
}

// Register derives a cancellable context for reportID. The returned release
// func must be called when the run ends.
func (r *Registry) Register(ctx context.Context, reportID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)
	r.mu.Lock()
	r.runs[reportID] = cancel
	r.mu.Unlock()
	return runCtx, func() {
		r.mu.Lock()
		delete(r.runs, reportID)
		r.mu.Unlock()
		cancel(nil)
	}
}

// Cancel stops the run of reportID with cause. It reports whether a run was
// registered.
func (r *Registry) Cancel(reportID string, cause error) bool {
	r.mu.Lock()
	cancel, ok := r.runs[reportID]
	r.mu.Unlock()
	if ok {
		cancel(cause)
	}
	return ok
}

func (r *Registry) Running(reportID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[reportID]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
