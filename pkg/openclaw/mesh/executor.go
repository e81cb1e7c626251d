package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Runner executes one step (agent invocation plus wait) and returns
// its output.
type Runner interface {
	RunStep(ctx context.Context, step Step) (output string, err error)
}

// StepResult is the recorded outcome of one step.
type StepResult struct {
	Status    string    `json:"status"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"startedAt,omitzero"`
	EndedAt   time.Time `json:"endedAt,omitzero"`
}

// Execution drives one plan to completion. It can be re-driven after
// Retry resets part of the graph.
type Execution struct {
	plan   Plan
	runner Runner
	logger *slog.Logger

	mu      sync.Mutex
	results map[string]*StepResult
}

// NewExecution validates the plan and prepares the result table.
func NewExecution(plan Plan, runner Runner, logger *slog.Logger) (*Execution, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Execution{
		plan:    plan,
		runner:  runner,
		logger:  logger.With("component", "mesh"),
		results: make(map[string]*StepResult, len(plan.Steps)),
	}
	for _, step := range plan.Steps {
		e.results[step.ID] = &StepResult{Status: StatusPending}
	}
	return e, nil
}

// Run drives pending steps until nothing more can make progress.
// Parallelism is capped by the plan's effective limit. Run returns the
// final result snapshot; a failed step is not an error at this level.
func (e *Execution) Run(ctx context.Context) map[string]StepResult {
	sem := make(chan struct{}, e.plan.EffectiveMaxParallel())
	done := make(chan string, len(e.plan.Steps))
	running := 0

	for {
		e.propagateSkips()
		ready := e.takeReady()

		for _, step := range ready {
			running++
			go func(step Step) {
				sem <- struct{}{}
				defer func() { <-sem }()
				e.runStep(ctx, step)
				done <- step.ID
			}(step)
		}

		if running == 0 {
			break
		}
		<-done
		running--
	}
	return e.Snapshot()
}

// Retry resets the named steps (or every failed/skipped step when none
// are named) plus their descendants, then re-drives the graph.
func (e *Execution) Retry(ctx context.Context, stepIDs []string) (map[string]StepResult, error) {
	e.mu.Lock()
	roots := make(map[string]bool)
	if len(stepIDs) == 0 {
		for id, res := range e.results {
			if res.Status == StatusFailed || res.Status == StatusSkipped {
				roots[id] = true
			}
		}
	} else {
		for _, id := range stepIDs {
			if _, ok := e.results[id]; !ok {
				e.mu.Unlock()
				return nil, fmt.Errorf("mesh: retry of unknown step %q", id)
			}
			// Named steps reset regardless of their prior status.
			roots[id] = true
		}
	}
	reset := descendants(e.plan.Steps, roots)
	for id := range roots {
		reset[id] = true
	}
	for id := range reset {
		e.results[id] = &StepResult{Status: StatusPending}
	}
	e.mu.Unlock()

	if len(reset) == 0 {
		return e.Snapshot(), nil
	}
	return e.Run(ctx), nil
}

// Snapshot returns a copy of the current result table.
func (e *Execution) Snapshot() map[string]StepResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]StepResult, len(e.results))
	for id, res := range e.results {
		out[id] = *res
	}
	return out
}

// Done reports whether no step is pending or running.
func (e *Execution) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, res := range e.results {
		if res.Status == StatusPending || res.Status == StatusRunning {
			return false
		}
	}
	return true
}

// takeReady marks and returns every pending step whose dependencies
// all succeeded. With continueOnError a failed or skipped dependency
// also counts as settled, so downstream steps still run.
func (e *Execution) takeReady() []Step {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ready []Step
	for _, step := range e.plan.Steps {
		if e.results[step.ID].Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range step.DependsOn {
			switch e.results[dep].Status {
			case StatusSucceeded:
			case StatusFailed, StatusSkipped:
				if !e.plan.ContinueOnError {
					ok = false
				}
			default:
				ok = false
			}
			if !ok {
				break
			}
		}
		if ok {
			e.results[step.ID].Status = StatusRunning
			ready = append(ready, step)
		}
	}
	return ready
}

// propagateSkips marks pending steps skipped when a dependency failed
// or was skipped, unless the plan continues on error. Loops until the
// skip set is stable.
func (e *Execution) propagateSkips() {
	if e.plan.ContinueOnError {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for changed := true; changed; {
		changed = false
		for _, step := range e.plan.Steps {
			if e.results[step.ID].Status != StatusPending {
				continue
			}
			for _, dep := range step.DependsOn {
				switch e.results[dep].Status {
				case StatusFailed, StatusSkipped:
					e.results[step.ID].Status = StatusSkipped
					changed = true
				}
			}
		}
	}
}

func (e *Execution) runStep(ctx context.Context, step Step) {
	startedAt := time.Now()
	if step.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	output, err := e.runner.RunStep(ctx, step)
	endedAt := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	res := e.results[step.ID]
	res.StartedAt = startedAt
	res.EndedAt = endedAt
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		e.logger.Warn("step failed", "step", step.ID, "error", err)
		return
	}
	res.Status = StatusSucceeded
	res.Output = output
}
