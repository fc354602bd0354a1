package server

import (
	"sync"
	"time"

	"github.com/llmctl/llmctl/internal/store"
)

// RunState tracks a single active or recently finished run on this server
// instance. The store stays authoritative; this exists so /health and
// shutdown can see what is in flight without a store round trip.
type RunState struct {
	RunID       string
	FlowchartID string
	StartedAt   time.Time

	mu    sync.Mutex
	final *store.FlowchartRun
	done  bool
}

// SetFinal records the terminal run snapshot.
func (rs *RunState) SetFinal(run *store.FlowchartRun) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.final = run
	rs.done = true
}

// Done reports whether the run reached a terminal state, and the final
// snapshot when it did.
func (rs *RunState) Done() (*store.FlowchartRun, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.final, rs.done
}

// RunRegistry tracks the runs launched by this server instance.
type RunRegistry struct {
	mu   sync.RWMutex
	runs map[string]*RunState
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*RunState)}
}

func (r *RunRegistry) Register(rs *RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[rs.RunID] = rs
}

func (r *RunRegistry) Get(runID string) (*RunState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.runs[runID]
	return rs, ok
}

// Active returns the ids of runs that have not reached a terminal state.
func (r *RunRegistry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, rs := range r.runs {
		if _, done := rs.Done(); !done {
			ids = append(ids, id)
		}
	}
	return ids
}
