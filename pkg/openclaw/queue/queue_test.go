package queue

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/openclaw/pkg/openclaw/config"
)

// recorder collects drained items.
type recorder struct {
	mu    sync.Mutex
	items []Item
	fail  int // fail the first N runs
}

func (r *recorder) run(_ string, item Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("session busy")
	}
	r.items = append(r.items, item)
	return nil
}

func (r *recorder) prompts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.items))
	for i, it := range r.items {
		out[i] = it.Prompt
	}
	return out
}

func newTestManager(rec *recorder, cfg config.QueueConfig) *Manager {
	m := NewManager(cfg, rec.run, nil)
	m.cfg.DebounceMs = 1 // keep tests fast
	return m
}

func targetA() Target { return Target{Channel: "slack", To: "channel:A"} }
func targetB() Target { return Target{Channel: "slack", To: "channel:B"} }

func TestDedupeByMessageID(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(rec, config.QueueConfig{})

	if !m.Enqueue("k", Item{Prompt: "one", MessageID: "m1", Target: targetA()}) {
		t.Fatal("first enqueue rejected")
	}
	if m.Enqueue("k", Item{Prompt: "one again", MessageID: "m1", Target: targetA()}) {
		t.Error("duplicate message id should be dropped")
	}
	if !m.Enqueue("k", Item{Prompt: "two", MessageID: "m2", Target: targetA()}) {
		t.Error("distinct message id should enqueue")
	}
	if got := m.Len("k"); got != 2 {
		t.Errorf("len = %d, want 2", got)
	}
}

func TestDedupeByPromptWhenConfigured(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(rec, config.QueueConfig{DedupeByPrompt: true})

	m.Enqueue("k", Item{Prompt: "same", Target: targetA()})
	if m.Enqueue("k", Item{Prompt: "same", Target: targetA()}) {
		t.Error("identical (channel, to, prompt) should dedupe without ids")
	}
	if !m.Enqueue("k", Item{Prompt: "same", Target: targetB()}) {
		t.Error("different target must not dedupe")
	}
}

func TestCapSummarizeKeepsMostRecent(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(rec, config.QueueConfig{Cap: 3, DropPolicy: config.DropSummarize})

	for _, p := range []string{"a", "b", "c", "d", "e"} {
		m.Enqueue("k", Item{Prompt: p, Target: targetA()})
	}
	if got := m.Len("k"); got != 3 {
		t.Errorf("len = %d, want cap 3", got)
	}

	m.DrainSync("k")

	prompts := rec.prompts()
	if len(prompts) != 1 {
		t.Fatalf("got %d runs, want 1 collect run", len(prompts))
	}
	if !strings.Contains(prompts[0], "Dropped 2 message(s)") {
		t.Errorf("collect prompt missing overflow summary:\n%s", prompts[0])
	}
	for _, keep := range []string{"c", "d", "e"} {
		if !strings.Contains(prompts[0], keep) {
			t.Errorf("kept item %q missing from collect prompt", keep)
		}
	}
}

func TestCapDropNewest(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(rec, config.QueueConfig{Cap: 2, DropPolicy: config.DropNewest})

	m.Enqueue("k", Item{Prompt: "a", Target: targetA()})
	m.Enqueue("k", Item{Prompt: "b", Target: targetA()})
	if m.Enqueue("k", Item{Prompt: "c", Target: targetA()}) {
		t.Error("drop-newest should reject the incoming item at cap")
	}
	if got := m.Len("k"); got != 2 {
		t.Errorf("len = %d, want 2", got)
	}
}

func TestCollectSameTargetMerges(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(rec, config.QueueConfig{Mode: config.QueueModeCollect})

	m.Enqueue("k", Item{Prompt: "first", Target: targetA()})
	m.Enqueue("k", Item{Prompt: "second", Target: targetA()})
	m.DrainSync("k")

	prompts := rec.prompts()
	if len(prompts) != 1 {
		t.Fatalf("got %d runs, want 1", len(prompts))
	}
	p := prompts[0]
	if !strings.HasPrefix(p, collectTitle) {
		t.Errorf("merged prompt missing title:\n%s", p)
	}
	if !strings.Contains(p, "Queued #1\nfirst") || !strings.Contains(p, "Queued #2\nsecond") {
		t.Errorf("merged prompt missing numbered items:\n%s", p)
	}
}

func TestCollectAcrossTargetsRunsIndividually(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(rec, config.QueueConfig{Mode: config.QueueModeCollect})

	m.Enqueue("k", Item{Prompt: "to A", Target: targetA()})
	m.Enqueue("k", Item{Prompt: "to B", Target: targetB()})
	m.DrainSync("k")

	prompts := rec.prompts()
	if len(prompts) != 2 {
		t.Fatalf("got %d runs, want 2 individual runs", len(prompts))
	}
	if prompts[0] != "to A" || prompts[1] != "to B" {
		t.Errorf("order lost: %v", prompts)
	}
	for _, p := range prompts {
		if strings.Contains(p, collectTitle) {
			t.Errorf("no collect prompt expected for mixed targets, got:\n%s", p)
		}
	}

	rec.mu.Lock()
	if rec.items[0].Target != targetA() || rec.items[1].Target != targetB() {
		t.Error("per-item routing not preserved")
	}
	rec.mu.Unlock()
}

func TestCollectUnroutableOriginForcesIndividual(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(rec, config.QueueConfig{Mode: config.QueueModeCollect})

	m.Enqueue("k", Item{Prompt: "no origin", Target: Target{}})
	m.Enqueue("k", Item{Prompt: "routed", Target: targetA()})
	m.DrainSync("k")

	if got := len(rec.prompts()); got != 2 {
		t.Errorf("got %d runs, want 2", got)
	}
}

func TestFollowupOverflowSummaryPrecedesNextItem(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(rec, config.QueueConfig{
		Mode: config.QueueModeFollowup, Cap: 2, DropPolicy: config.DropSummarize,
	})

	for _, p := range []string{"a", "b", "c"} {
		m.Enqueue("k", Item{Prompt: p, Target: targetA()})
	}
	m.DrainSync("k")

	prompts := rec.prompts()
	if len(prompts) != 3 {
		t.Fatalf("got %d runs, want summary + 2 items: %v", len(prompts), prompts)
	}
	if !strings.HasPrefix(prompts[0], "[Queue overflow] Dropped 1 message(s) due to cap.") {
		t.Errorf("first run should be the overflow summary, got:\n%s", prompts[0])
	}
	if prompts[1] != "b" || prompts[2] != "c" {
		t.Errorf("remaining items wrong: %v", prompts[1:])
	}
}

func TestFailedRunKeepsItems(t *testing.T) {
	rec := &recorder{fail: 1}
	m := newTestManager(rec, config.QueueConfig{Mode: config.QueueModeFollowup})

	m.Enqueue("k", Item{Prompt: "retry me", MessageID: "m1", Target: targetA()})
	m.DrainSync("k")

	prompts := rec.prompts()
	if len(prompts) != 1 || prompts[0] != "retry me" {
		t.Errorf("item lost after transient failure: %v", prompts)
	}
}

func TestQueueRemovedWhenEmpty(t *testing.T) {
	rec := &recorder{}
	m := newTestManager(rec, config.QueueConfig{})

	m.Enqueue("k", Item{Prompt: "only", Target: targetA()})
	m.DrainSync("k")

	m.mu.Lock()
	_, exists := m.queues["k"]
	m.mu.Unlock()
	if exists {
		t.Error("drained queue should be removed from the map")
	}
}

func TestScheduleDrainIdempotent(t *testing.T) {
	block := make(chan struct{})
	var runs int
	var mu sync.Mutex
	m := NewManager(config.QueueConfig{}, func(_ string, _ Item) error {
		mu.Lock()
		runs++
		mu.Unlock()
		<-block
		return nil
	}, nil)
	m.cfg.DebounceMs = 1

	m.Enqueue("k", Item{Prompt: "x", Target: targetA()})
	m.ScheduleDrain("k")
	m.ScheduleDrain("k") // must not start a second drainer
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	got := runs
	mu.Unlock()
	if got != 1 {
		t.Errorf("runs = %d, want 1 (single drainer)", got)
	}
	close(block)
}
