package sim

import (
	"github.com/sirupsen/logrus"
)

// simRunResult is one finished simulation run's outcome.
type simRunResult struct {
	SimID SimulationID
	Err   error
}

// SimulationRuns tracks the experiment's in-flight simulation goroutines.
// It is owned by the experiment controller's loop goroutine; only the
// completion channel is touched from simulation goroutines.
type SimulationRuns struct {
	active      map[SimulationID]struct{}
	completions chan simRunResult
}

func NewSimulationRuns() *SimulationRuns {
	return &SimulationRuns{
		active: make(map[SimulationID]struct{}),
		// Sized so a finishing simulation never blocks on a busy
		// controller loop.
		completions: make(chan simRunResult, 64),
	}
}

// Spawn starts fn on its own goroutine and records the run as active. The
// result is delivered on Completions once fn returns.
func (r *SimulationRuns) Spawn(simID SimulationID, fn func() error) {
	r.active[simID] = struct{}{}
	go func() {
		err := fn()
		if err != nil {
			logrus.Debugf("sim %d: run finished with error: %v", simID, err)
		}
		r.completions <- simRunResult{SimID: simID, Err: err}
	}()
}

// Completions delivers one result per spawned run. The caller must call
// Finish with each received result's SimID to keep the active set accurate.
func (r *SimulationRuns) Completions() <-chan simRunResult {
	return r.completions
}

// Finish removes a completed run from the active set.
func (r *SimulationRuns) Finish(simID SimulationID) {
	delete(r.active, simID)
}

// Empty reports whether no simulation runs remain active.
func (r *SimulationRuns) Empty() bool {
	return len(r.active) == 0
}

// Len reports the number of active runs.
func (r *SimulationRuns) Len() int {
	return len(r.active)
}
