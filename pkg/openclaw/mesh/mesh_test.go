package mesh

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type scriptedRunner struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string

	concurrent    atomic.Int32
	maxConcurrent atomic.Int32
	delay         time.Duration
}

func (r *scriptedRunner) RunStep(_ context.Context, step Step) (string, error) {
	cur := r.concurrent.Add(1)
	defer r.concurrent.Add(-1)
	for {
		prev := r.maxConcurrent.Load()
		if cur <= prev || r.maxConcurrent.CompareAndSwap(prev, cur) {
			break
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	r.calls = append(r.calls, step.ID)
	fail := r.fail[step.ID]
	r.mu.Unlock()

	if fail {
		return "", fmt.Errorf("step %s blew up", step.ID)
	}
	return "out:" + step.ID, nil
}

func (r *scriptedRunner) callList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func diamondPlan() Plan {
	return Plan{Steps: []Step{
		{ID: "a", Prompt: "start"},
		{ID: "b", Prompt: "left", DependsOn: []string{"a"}},
		{ID: "c", Prompt: "right", DependsOn: []string{"a"}},
		{ID: "d", Prompt: "join", DependsOn: []string{"b", "c"}},
	}}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		plan    Plan
		wantErr bool
	}{
		{"valid diamond", diamondPlan(), false},
		{"empty", Plan{}, true},
		{"duplicate id", Plan{Steps: []Step{{ID: "a"}, {ID: "a"}}}, true},
		{"unknown dep", Plan{Steps: []Step{{ID: "a", DependsOn: []string{"zz"}}}}, true},
		{"self dep", Plan{Steps: []Step{{ID: "a", DependsOn: []string{"a"}}}}, true},
		{"cycle", Plan{Steps: []Step{
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEffectiveMaxParallel(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{{0, 2}, {-3, 1}, {1, 1}, {8, 8}, {40, 16}}
	for _, tt := range tests {
		p := Plan{MaxParallel: tt.in}
		if got := p.EffectiveMaxParallel(); got != tt.want {
			t.Errorf("EffectiveMaxParallel(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	runner := &scriptedRunner{}
	exec, err := NewExecution(diamondPlan(), runner, nil)
	if err != nil {
		t.Fatal(err)
	}
	results := exec.Run(context.Background())

	for id, res := range results {
		if res.Status != StatusSucceeded {
			t.Errorf("step %s = %s, want succeeded", id, res.Status)
		}
	}
	calls := runner.callList()
	pos := map[string]int{}
	for i, id := range calls {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["a"] > pos["c"] || pos["b"] > pos["d"] || pos["c"] > pos["d"] {
		t.Errorf("dependency order violated: %v", calls)
	}
}

func TestRunCapsParallelism(t *testing.T) {
	plan := Plan{MaxParallel: 2, Steps: []Step{
		{ID: "s1"}, {ID: "s2"}, {ID: "s3"}, {ID: "s4"}, {ID: "s5"},
	}}
	runner := &scriptedRunner{delay: 30 * time.Millisecond}
	exec, err := NewExecution(plan, runner, nil)
	if err != nil {
		t.Fatal(err)
	}
	exec.Run(context.Background())

	if got := runner.maxConcurrent.Load(); got > 2 {
		t.Errorf("observed %d concurrent steps, cap is 2", got)
	}
}

func TestFailureSkipsDescendants(t *testing.T) {
	runner := &scriptedRunner{fail: map[string]bool{"b": true}}
	exec, err := NewExecution(diamondPlan(), runner, nil)
	if err != nil {
		t.Fatal(err)
	}
	results := exec.Run(context.Background())

	if results["b"].Status != StatusFailed {
		t.Errorf("b = %s, want failed", results["b"].Status)
	}
	if results["c"].Status != StatusSucceeded {
		t.Errorf("c = %s, want succeeded (independent branch)", results["c"].Status)
	}
	if results["d"].Status != StatusSkipped {
		t.Errorf("d = %s, want skipped", results["d"].Status)
	}
	if results["b"].Error == "" {
		t.Error("failed step must carry the error")
	}
}

func TestContinueOnErrorKeepsGoing(t *testing.T) {
	plan := diamondPlan()
	plan.ContinueOnError = true
	runner := &scriptedRunner{fail: map[string]bool{"b": true}}
	exec, err := NewExecution(plan, runner, nil)
	if err != nil {
		t.Fatal(err)
	}
	results := exec.Run(context.Background())

	if results["b"].Status != StatusFailed {
		t.Errorf("b = %s, want failed", results["b"].Status)
	}
	if results["d"].Status != StatusSucceeded {
		t.Errorf("d = %s, want succeeded (continueOnError runs past failures)", results["d"].Status)
	}
}

func TestRetryResetsNamedStepsAndDescendants(t *testing.T) {
	runner := &scriptedRunner{fail: map[string]bool{"b": true}}
	exec, err := NewExecution(diamondPlan(), runner, nil)
	if err != nil {
		t.Fatal(err)
	}
	first := exec.Run(context.Background())
	if first["b"].Status != StatusFailed || first["d"].Status != StatusSkipped {
		t.Fatalf("unexpected first pass: %+v", first)
	}

	runner.mu.Lock()
	runner.fail["b"] = false
	runner.mu.Unlock()

	results, err := exec.Retry(context.Background(), []string{"b"})
	if err != nil {
		t.Fatal(err)
	}
	for id, res := range results {
		if res.Status != StatusSucceeded {
			t.Errorf("after retry %s = %s, want succeeded", id, res.Status)
		}
	}

	// a and c must not have re-run.
	counts := map[string]int{}
	for _, id := range runner.callList() {
		counts[id]++
	}
	if counts["a"] != 1 || counts["c"] != 1 {
		t.Errorf("untouched steps re-ran: %v", counts)
	}
	if counts["b"] != 2 || counts["d"] != 1 {
		t.Errorf("retry counts wrong: %v", counts)
	}
}

func TestRetryWithoutIDsResetsFailedAndSkipped(t *testing.T) {
	runner := &scriptedRunner{fail: map[string]bool{"b": true}}
	exec, err := NewExecution(diamondPlan(), runner, nil)
	if err != nil {
		t.Fatal(err)
	}
	exec.Run(context.Background())

	runner.mu.Lock()
	runner.fail["b"] = false
	runner.mu.Unlock()

	results, err := exec.Retry(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for id, res := range results {
		if res.Status != StatusSucceeded {
			t.Errorf("after retry %s = %s, want succeeded", id, res.Status)
		}
	}
}

func TestRetryUnknownStepRejected(t *testing.T) {
	exec, err := NewExecution(diamondPlan(), &scriptedRunner{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	exec.Run(context.Background())
	if _, err := exec.Retry(context.Background(), []string{"nope"}); err == nil {
		t.Error("retry of unknown step must fail")
	}
}
