package sim

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// SimulationController drives one simulation run from init through its
// final step. It owns the run's State, Packages and persistence sink; the
// experiment controller talks to it only through the control channel and
// the status stream.
type SimulationController struct {
	cfg         *SimulationRunConfig
	packages    *Packages
	persistence OutputPersistence
	control     chan SimControl
	status      chan<- SimStatus
}

// NewSimulationController wires a controller for one run. Statuses are
// delivered on status, one per completed step plus one terminal status.
func NewSimulationController(
	cfg *SimulationRunConfig,
	packages *Packages,
	persistence OutputPersistence,
	status chan<- SimStatus,
) *SimulationController {
	return &SimulationController{
		cfg:         cfg,
		packages:    packages,
		persistence: persistence,
		// Buffered so the experiment controller can post pause/stop
		// without waiting for a step boundary.
		control: make(chan SimControl, 8),
		status:  status,
	}
}

// Control is the channel pause/resume/stop commands are posted on.
// Commands take effect at the next step boundary.
func (c *SimulationController) Control() chan<- SimControl {
	return c.control
}

// Run executes the simulation until MaxNumSteps, a stop command, a
// cancelled context, or a package error. It always emits a terminal
// SimStatus with Running false before returning.
func (c *SimulationController) Run(ctx context.Context) error {
	logrus.Infof("sim %d: starting, max %d steps", c.cfg.SimID, c.cfg.MaxNumSteps)

	state, err := c.packages.RunInit(ctx, c.cfg)
	if err != nil {
		c.emitError(ctx, 0, err)
		return err
	}
	defer state.Close()
	defer c.persistence.Close()

	steps := 0
	stopped := false
	for steps < c.cfg.MaxNumSteps && !stopped {
		proceed, err := c.waitForGo(ctx)
		if err != nil {
			c.emitError(ctx, steps, err)
			return err
		}
		if !proceed {
			stopped = true
			break
		}

		if err := c.runStep(ctx, state, steps); err != nil {
			c.emitError(ctx, steps, err)
			return err
		}
		steps++

		running := steps < c.cfg.MaxNumSteps
		c.emitStatus(ctx, SimStatus{
			SimID:   c.cfg.SimID,
			Steps:   steps,
			Running: running,
		})
	}

	if stopped {
		logrus.Infof("sim %d: stopped after %d steps", c.cfg.SimID, steps)
		c.emitStatus(ctx, SimStatus{SimID: c.cfg.SimID, Steps: steps, StopSignal: true})
	} else {
		logrus.Infof("sim %d: completed all %d steps", c.cfg.SimID, steps)
	}
	return nil
}

// emitStatus posts one status without outliving the run's context: if the
// consumer is gone and the context was cancelled, the status is dropped
// instead of blocking this goroutine forever.
func (c *SimulationController) emitStatus(ctx context.Context, status SimStatus) {
	// Prefer delivery while the buffer has room, even under a cancelled
	// context, so terminal statuses are not lost needlessly.
	select {
	case c.status <- status:
		return
	default:
	}
	select {
	case c.status <- status:
	case <-ctx.Done():
		logrus.Debugf("sim %d: dropping status at step %d, run context cancelled", c.cfg.SimID, status.Steps)
	}
}

// waitForGo drains pending control commands at a step boundary. It blocks
// while paused. The bool result reports whether the run should proceed
// with the next step; false means a stop was requested.
func (c *SimulationController) waitForGo(ctx context.Context) (bool, error) {
	for {
		select {
		case cmd := <-c.control:
			switch cmd {
			case SimControlStop:
				return false, nil
			case SimControlPause:
				logrus.Debugf("sim %d: paused", c.cfg.SimID)
				if proceed, err := c.waitForResume(ctx); !proceed || err != nil {
					return proceed, err
				}
				logrus.Debugf("sim %d: resumed", c.cfg.SimID)
			case SimControlResume:
				// Resume while running is a no-op.
			}
		case <-ctx.Done():
			return false, ctx.Err()
		default:
			return true, nil
		}
	}
}

func (c *SimulationController) waitForResume(ctx context.Context) (bool, error) {
	for {
		select {
		case cmd := <-c.control:
			switch cmd {
			case SimControlResume:
				return true, nil
			case SimControlStop:
				return false, nil
			case SimControlPause:
				// Already paused.
			}
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// runStep executes one full step: snapshot, context phase, state phase,
// flush, then the output round on persisting steps.
func (c *SimulationController) runStep(ctx context.Context, state *State, step int) error {
	snapshot, err := state.Snapshot()
	if err != nil {
		return fmt.Errorf("sim %d: snapshotting state before step %d: %w", c.cfg.SimID, step, err)
	}

	proxy := state.ReadProxy()
	// RunContext takes over the snapshot, releasing it on failure.
	stepContext, err := c.packages.RunContext(ctx, c.cfg, proxy, snapshot, step)
	if err != nil {
		return err
	}
	defer stepContext.Close()

	if err := c.packages.RunState(ctx, state, stepContext); err != nil {
		return err
	}
	if err := state.Flush(); err != nil {
		return fmt.Errorf("sim %d: flushing state after step %d: %w", c.cfg.SimID, step, err)
	}

	if (step+1)%c.cfg.Persistence.OutputInterval == 0 {
		outputs, err := c.packages.RunOutput(ctx, proxy, stepContext)
		if err != nil {
			return err
		}
		if err := c.persistence.PersistStep(step, outputs); err != nil {
			return fmt.Errorf("sim %d: persisting step %d: %w", c.cfg.SimID, step, err)
		}
	}
	return nil
}

// emitError reports a failed run. The terminal status carries both the
// error text and the stop signal so downstream consumers treat the run as
// ending.
func (c *SimulationController) emitError(ctx context.Context, steps int, err error) {
	logrus.Errorf("sim %d: run failed after %d steps: %v", c.cfg.SimID, steps, err)
	c.emitStatus(ctx, SimStatus{
		SimID:      c.cfg.SimID,
		Steps:      steps,
		StopSignal: true,
		Error:      err.Error(),
	})
}
