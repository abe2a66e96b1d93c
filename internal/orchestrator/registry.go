package orchestrator

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mkarlsen/heimdall/pkg/models"
)

// Worker is a pluggable unit implementing the logic for one stage.
// Execute receives a read-only snapshot of the run (prior phase outputs
// included) plus a phase-specific input payload, and returns a
// self-contained result blob. Workers may perform their own I/O but must
// not mutate orchestrator state.
type Worker interface {
	// ID identifies the worker; merged stage results are keyed by it.
	ID() string
	// Execute runs the worker's analysis against the snapshot.
	Execute(ctx context.Context, snapshot *models.RunState, input json.RawMessage) (json.RawMessage, error)
}

// ExecuteFunc is the signature of a worker's Execute method.
type ExecuteFunc func(ctx context.Context, snapshot *models.RunState, input json.RawMessage) (json.RawMessage, error)

type workerFunc struct {
	id string
	fn ExecuteFunc
}

func (w *workerFunc) ID() string { return w.id }

func (w *workerFunc) Execute(ctx context.Context, snapshot *models.RunState, input json.RawMessage) (json.RawMessage, error) {
	return w.fn(ctx, snapshot, input)
}

// NewWorker wraps a function as a Worker.
func NewWorker(id string, fn ExecuteFunc) Worker {
	return &workerFunc{id: id, fn: fn}
}

// Registry maps stage tags to the workers registered for them. Multiple
// workers per stage fan out concurrently; registration order defines only
// the tie-break order for result merging, not execution order.
type Registry struct {
	mu      sync.RWMutex
	workers map[models.Phase][]Worker
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[models.Phase][]Worker),
	}
}

// Register adds a worker for a stage.
func (r *Registry) Register(stage models.Phase, w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[stage] = append(r.workers[stage], w)
}

// WorkersFor returns the workers registered for a stage, in registration
// order. The returned slice is a copy.
func (r *Registry) WorkersFor(stage models.Phase) []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Worker(nil), r.workers[stage]...)
}
