package orchestrator

import (
	"sync"

	"github.com/famulus-ai/famulus/pkg/core"
)

// TaskRun is the unit of work the state machine governs. It owns exactly
// one plan and accumulates exactly one execution report. Its state is
// private: the only mutator is SetStatus, which consults the transition
// validator, so invalid transitions are structurally unreachable.
type TaskRun struct {
	RunID   string
	TraceID string
	Goal    string
	Plan    *core.Plan
	Report  *core.ExecutionReport

	CreatedAt float64
	Approved  bool

	mu       sync.Mutex
	state    State
	done     chan struct{}
	executed bool
}

// NewTaskRun wraps a plan in a run starting in the planned state.
func NewTaskRun(plan *core.Plan) *TaskRun {
	return &TaskRun{
		RunID:     plan.RunID,
		TraceID:   plan.TraceID,
		Goal:      plan.Goal,
		Plan:      plan,
		CreatedAt: core.Now(),
		state:     StatePlanned,
		done:      make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (r *TaskRun) Status() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetStatus applies a validated transition. On entering a terminal state
// the Done channel is closed, signalling waiters.
func (r *TaskRun) SetStatus(target State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ValidateTransition(r.state, target); err != nil {
		return err
	}
	r.state = target
	if Terminal(target) {
		close(r.done)
	}
	return nil
}

// Done returns a channel closed when the run reaches a terminal state.
// Callers wait on it instead of polling the status.
func (r *TaskRun) Done() <-chan struct{} {
	return r.done
}

// MarkExecuting flips the one-shot execution guard. It returns false if
// the run has already been dispatched; a given run executes at most once.
func (r *TaskRun) MarkExecuting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.executed {
		return false
	}
	r.executed = true
	return true
}
