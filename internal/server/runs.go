package server

import (
	"sync"

	"github.com/toolmind/agent/internal/orchestrator"
)

// runRegistry tracks in-flight orchestrator runs by ID so a client that
// disconnects from one HTTP request (SSE or WebSocket) can cancel
// its run through a separate DELETE /ask/{id} call.
type runRegistry struct {
	mu   sync.Mutex
	runs map[string]*orchestrator.Run
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: make(map[string]*orchestrator.Run)}
}

func (r *runRegistry) add(run *orchestrator.Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
}

func (r *runRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, id)
}

// cancel stops the run if it is still in flight. It reports whether a run
// with that ID was found.
func (r *runRegistry) cancel(id string) bool {
	r.mu.Lock()
	run, ok := r.runs[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	run.Cancel()
	return true
}
