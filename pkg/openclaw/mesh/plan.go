// Package mesh runs multi-step workflow plans: a DAG of agent steps
// driven under a parallelism cap, with skip propagation and retry.
package mesh

import (
	"fmt"
)

// Parallelism bounds.
const (
	DefaultMaxParallel = 2
	MaxParallelLimit   = 16
)

// Step statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Step is one node of a plan.
type Step struct {
	ID        string   `json:"id"`
	Prompt    string   `json:"prompt"`
	DependsOn []string `json:"dependsOn,omitempty"`

	AgentID    string `json:"agentId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	TimeoutMs  int    `json:"timeoutMs,omitempty"`
}

// Plan is a workflow DAG.
type Plan struct {
	Steps           []Step `json:"steps"`
	MaxParallel     int    `json:"maxParallel,omitempty"`
	ContinueOnError bool   `json:"continueOnError,omitempty"`
}

// EffectiveMaxParallel clamps the cap into [1, 16], defaulting to 2.
func (p *Plan) EffectiveMaxParallel() int {
	n := p.MaxParallel
	if n == 0 {
		n = DefaultMaxParallel
	}
	if n < 1 {
		n = 1
	}
	if n > MaxParallelLimit {
		n = MaxParallelLimit
	}
	return n
}

// Validate checks id uniqueness, dependency existence, and acyclicity.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("mesh: plan has no steps")
	}

	byID := make(map[string]*Step, len(p.Steps))
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.ID == "" {
			return fmt.Errorf("mesh: step %d has no id", i)
		}
		if _, dup := byID[step.ID]; dup {
			return fmt.Errorf("mesh: duplicate step id %q", step.ID)
		}
		byID[step.ID] = step
	}
	for _, step := range p.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("mesh: step %q depends on unknown step %q", step.ID, dep)
			}
			if dep == step.ID {
				return fmt.Errorf("mesh: step %q depends on itself", step.ID)
			}
		}
	}

	if _, err := topoSort(p.Steps); err != nil {
		return err
	}
	return nil
}

// topoSort returns step ids in dependency order, failing on cycles.
func topoSort(steps []Step) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, step := range steps {
		indegree[step.ID] += 0
		for _, dep := range step.DependsOn {
			indegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var queue []string
	for _, step := range steps {
		if indegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}

	order := make([]string, 0, len(steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(steps) {
		return nil, fmt.Errorf("mesh: plan contains a cycle")
	}
	return order, nil
}

// descendants returns the transitive dependents of the given ids.
func descendants(steps []Step, roots map[string]bool) map[string]bool {
	dependents := make(map[string][]string, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	out := make(map[string]bool)
	var stack []string
	for id := range roots {
		stack = append(stack, id)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range dependents[id] {
			if !out[next] {
				out[next] = true
				stack = append(stack, next)
			}
		}
	}
	return out
}
