package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jholhewres/openclaw/pkg/openclaw/config"
)

// scriptedClient replays a fixed sequence of outcomes.
type scriptedClient struct {
	outcomes []*AttemptOutcome
	calls    int
	profiles []string
}

func (c *scriptedClient) Attempt(_ context.Context, req AttemptRequest) (*AttemptOutcome, error) {
	c.profiles = append(c.profiles, req.ProfileID)
	if c.calls >= len(c.outcomes) {
		return nil, errors.New("scripted client exhausted")
	}
	out := c.outcomes[c.calls]
	c.calls++
	return out, nil
}

type fakeCompactor struct {
	results    []CompactResult
	calls      int
	truncCalls int
	truncOK    bool
}

func (f *fakeCompactor) Compact(_ context.Context, _ string) (CompactResult, error) {
	if f.calls >= len(f.results) {
		return CompactResult{OK: true}, nil
	}
	res := f.results[f.calls]
	f.calls++
	return res, nil
}

func (f *fakeCompactor) TruncateToolResults(_ string) (bool, error) {
	f.truncCalls++
	return f.truncOK, nil
}

func okOutcome(text string) *AttemptOutcome {
	return &AttemptOutcome{
		AssistantTexts: []string{text},
		LastAssistant:  &AssistantReply{StopReason: "end_turn", Text: text},
	}
}

func errOutcome(msg string) *AttemptOutcome {
	return &AttemptOutcome{
		LastAssistant: &AssistantReply{StopReason: "error", ErrorMessage: msg},
	}
}

func newTestRunner(t *testing.T, client ModelClient, compactor Compactor, cfg config.AgentConfig) (*Runner, *ProfileStore) {
	t.Helper()
	store := NewProfileStore(filepath.Join(t.TempDir(), "profiles.json"), false)
	return NewRunner(client, compactor, store, NewRegistry(), cfg, nil), store
}

func TestAutoRotationOnRateLimit(t *testing.T) {
	client := &scriptedClient{outcomes: []*AttemptOutcome{
		errOutcome("rate limit exceeded"),
		okOutcome("ok"),
	}}
	runner, store := newTestRunner(t, client, &fakeCompactor{}, config.AgentConfig{})

	if err := store.Put("p1", AuthProfile{Provider: "openai", Key: "k1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Put("p2", AuthProfile{Provider: "openai", Key: "k2"}); err != nil {
		t.Fatal(err)
	}
	// p1 is least recently used, so it goes first.
	if err := store.MarkUsed("p2", time.Now().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}

	before := store.Stats("p2").LastUsed
	res, err := runner.Execute(context.Background(), RunRequest{
		SessionKey: "agent:main:test:user:1", Provider: "openai",
		Model: "gpt-test", ProfileSource: SourceAuto,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if client.calls != 2 {
		t.Errorf("attempts = %d, want 2", client.calls)
	}
	if len(res.Payloads) != 1 || res.Payloads[0].Text != "ok" {
		t.Errorf("payloads = %+v", res.Payloads)
	}
	if client.profiles[0] == client.profiles[1] {
		t.Errorf("expected rotation, both attempts used %q", client.profiles[0])
	}
	if cd := store.Stats(client.profiles[0]).CooldownUntil; cd == 0 {
		t.Error("first profile should be in cooldown after rate limit")
	}
	if after := store.Stats("p2").LastUsed; after <= before {
		t.Errorf("p2 lastUsed not advanced: %d -> %d", before, after)
	}
}

func TestCooldownFailover(t *testing.T) {
	client := &scriptedClient{}
	runner, store := newTestRunner(t, client, &fakeCompactor{}, config.AgentConfig{
		FallbackModels: []string{"fallback-model"},
	})

	until := time.Now().Add(time.Hour)
	for _, id := range []string{"p1", "p2"} {
		if err := store.Put(id, AuthProfile{Provider: "openai", Key: "k"}); err != nil {
			t.Fatal(err)
		}
		if err := store.SetCooldown(id, until); err != nil {
			t.Fatal(err)
		}
	}

	_, err := runner.Execute(context.Background(), RunRequest{
		SessionKey: "agent:main:test:user:1", Provider: "openai",
		Model: "gpt-test", ProfileSource: SourceAuto,
	})
	var fo *FailoverError
	if !errors.As(err, &fo) {
		t.Fatalf("expected FailoverError, got %v", err)
	}
	if fo.Reason != KindRateLimit {
		t.Errorf("reason = %s, want rate_limit", fo.Reason)
	}
	if client.calls != 0 {
		t.Errorf("model was invoked %d times, want 0", client.calls)
	}
}

func TestContextOverflowTripleRetry(t *testing.T) {
	overflow := errOutcome("context window exceeded")
	client := &scriptedClient{outcomes: []*AttemptOutcome{overflow, overflow, overflow, overflow}}
	compactor := &fakeCompactor{results: []CompactResult{{OK: true}, {OK: true}, {OK: true}}}
	runner, store := newTestRunner(t, client, compactor, config.AgentConfig{})

	if err := store.Put("p1", AuthProfile{Provider: "openai", Key: "k"}); err != nil {
		t.Fatal(err)
	}

	res, err := runner.Execute(context.Background(), RunRequest{
		SessionKey: "agent:main:test:user:1", Provider: "openai",
		Model: "gpt-test", ProfileSource: SourceAuto,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Meta.Error == nil || res.Meta.Error.Kind != KindContextOverflow {
		t.Fatalf("error = %+v, want context_overflow", res.Meta.Error)
	}
	if compactor.calls != 3 {
		t.Errorf("compactions = %d, want exactly 3", compactor.calls)
	}
	if client.calls != 4 {
		t.Errorf("attempts = %d, want 4", client.calls)
	}
}

func TestCompactionFailureStopsImmediately(t *testing.T) {
	client := &scriptedClient{outcomes: []*AttemptOutcome{
		errOutcome("context window exceeded: summarization failed"),
	}}
	compactor := &fakeCompactor{}
	runner, store := newTestRunner(t, client, compactor, config.AgentConfig{})
	if err := store.Put("p1", AuthProfile{Provider: "openai", Key: "k"}); err != nil {
		t.Fatal(err)
	}

	res, err := runner.Execute(context.Background(), RunRequest{
		SessionKey: "agent:main:test:user:1", Provider: "openai",
		Model: "gpt-test", ProfileSource: SourceAuto,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Meta.Error == nil || res.Meta.Error.Kind != KindCompactionFailure {
		t.Fatalf("error = %+v, want compaction_failure", res.Meta.Error)
	}
	if compactor.calls != 0 {
		t.Errorf("compactor invoked %d times, want 0", compactor.calls)
	}
}

func TestUserPinnedNeverRotates(t *testing.T) {
	client := &scriptedClient{outcomes: []*AttemptOutcome{
		errOutcome("rate limit exceeded"),
	}}
	runner, store := newTestRunner(t, client, &fakeCompactor{}, config.AgentConfig{
		FallbackModels: []string{"fallback"},
	})
	if err := store.Put("pinned", AuthProfile{Provider: "openai", Key: "k"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Put("other", AuthProfile{Provider: "openai", Key: "k2"}); err != nil {
		t.Fatal(err)
	}

	_, err := runner.Execute(context.Background(), RunRequest{
		SessionKey: "agent:main:test:user:1", Provider: "openai",
		Model: "gpt-test", ProfileID: "pinned", ProfileSource: SourceUser,
	})
	var fo *FailoverError
	if !errors.As(err, &fo) {
		t.Fatalf("expected FailoverError for pinned rate limit, got %v", err)
	}
	if fo.Reason != KindRateLimit {
		t.Errorf("reason = %s", fo.Reason)
	}
	if client.calls != 1 {
		t.Errorf("attempts = %d, want 1 (no rotation)", client.calls)
	}
}

func TestPinnedSuccessClearsCooldown(t *testing.T) {
	client := &scriptedClient{outcomes: []*AttemptOutcome{okOutcome("done")}}
	runner, store := newTestRunner(t, client, &fakeCompactor{}, config.AgentConfig{})
	if err := store.Put("pinned", AuthProfile{Provider: "openai", Key: "k"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetCooldown("pinned", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	res, err := runner.Execute(context.Background(), RunRequest{
		SessionKey: "agent:main:test:user:1", Provider: "openai",
		Model: "gpt-test", ProfileID: "pinned", ProfileSource: SourceUser,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Meta.Error != nil {
		t.Fatalf("unexpected error: %+v", res.Meta.Error)
	}
	if cd := store.Stats("pinned").CooldownUntil; cd != 0 {
		t.Errorf("cooldown not cleared on pinned success: %d", cd)
	}
}

func TestBillingThrowsFailover(t *testing.T) {
	client := &scriptedClient{outcomes: []*AttemptOutcome{
		errOutcome("insufficient credits for this request"),
	}}
	runner, store := newTestRunner(t, client, &fakeCompactor{}, config.AgentConfig{})
	if err := store.Put("p1", AuthProfile{Provider: "anthropic", Key: "k"}); err != nil {
		t.Fatal(err)
	}

	_, err := runner.Execute(context.Background(), RunRequest{
		SessionKey: "agent:main:test:user:1", Provider: "anthropic",
		Model: "claude-test", ProfileSource: SourceAuto,
	})
	var fo *FailoverError
	if !errors.As(err, &fo) {
		t.Fatalf("expected FailoverError, got %v", err)
	}
	if fo.Reason != KindBilling || fo.Provider != "anthropic" || fo.Model != "claude-test" {
		t.Errorf("failover = %+v", fo)
	}
}

func TestTimeoutWithoutOutputYieldsTimedOutPayload(t *testing.T) {
	client := &scriptedClient{outcomes: []*AttemptOutcome{{TimedOut: true}}}
	runner, store := newTestRunner(t, client, &fakeCompactor{}, config.AgentConfig{})
	if err := store.Put("p1", AuthProfile{Provider: "openai", Key: "k"}); err != nil {
		t.Fatal(err)
	}

	res, err := runner.Execute(context.Background(), RunRequest{
		SessionKey: "agent:main:test:user:1", Provider: "openai",
		Model: "gpt-test", ProfileSource: SourceAuto,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Meta.Error == nil || res.Meta.Error.Kind != KindTimeout {
		t.Fatalf("error = %+v, want timeout", res.Meta.Error)
	}
	if len(res.Payloads) != 1 || res.Payloads[0].Text != "timed out" || !res.Payloads[0].IsError {
		t.Errorf("payloads = %+v", res.Payloads)
	}
}

func TestCompactionTimeoutIsAbortNotRotation(t *testing.T) {
	client := &scriptedClient{outcomes: []*AttemptOutcome{
		{TimedOutDuringCompaction: true, AssistantTexts: []string{"partial"}},
	}}
	runner, store := newTestRunner(t, client, &fakeCompactor{}, config.AgentConfig{})
	if err := store.Put("p1", AuthProfile{Provider: "openai", Key: "k"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Put("p2", AuthProfile{Provider: "openai", Key: "k2"}); err != nil {
		t.Fatal(err)
	}

	res, err := runner.Execute(context.Background(), RunRequest{
		SessionKey: "agent:main:test:user:1", Provider: "openai",
		Model: "gpt-test", ProfileSource: SourceAuto,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Meta.Aborted {
		t.Error("run should be marked aborted")
	}
	if res.Meta.Error != nil {
		t.Errorf("unexpected error kind: %+v", res.Meta.Error)
	}
	if client.calls != 1 {
		t.Errorf("attempts = %d, want 1 (no rotation on compaction timeout)", client.calls)
	}
}

// blockingStreamClient streams one delta, then waits for cancellation.
type blockingStreamClient struct {
	started chan struct{}
}

func (c *blockingStreamClient) Attempt(ctx context.Context, req AttemptRequest) (*AttemptOutcome, error) {
	req.OnText("streamed before abort")
	close(c.started)
	<-ctx.Done()
	return &AttemptOutcome{Aborted: true, AssistantTexts: []string{"streamed before abort"}}, nil
}

func TestAbortMidAttemptCapturesStreamedPartial(t *testing.T) {
	client := &blockingStreamClient{started: make(chan struct{})}
	store := NewProfileStore(filepath.Join(t.TempDir(), "profiles.json"), false)
	reg := NewRegistry()
	runner := NewRunner(client, &fakeCompactor{}, store, reg, config.AgentConfig{}, nil)
	if err := store.Put("p1", AuthProfile{Provider: "openai", Key: "k"}); err != nil {
		t.Fatal(err)
	}

	key := "agent:main:test:user:1"
	done := make(chan *Result, 1)
	go func() {
		res, err := runner.Execute(context.Background(), RunRequest{
			SessionKey: key, Provider: "openai", Model: "gpt-test",
			ProfileSource: SourceAuto, RunID: "r-abort",
		})
		if err != nil {
			t.Errorf("Execute: %v", err)
		}
		done <- res
	}()

	<-client.started
	aborted := reg.Abort(key, "r-abort")
	if len(aborted) != 1 || aborted[0].Partial != "streamed before abort" {
		t.Fatalf("aborted = %+v, want the streamed partial", aborted)
	}

	select {
	case res := <-done:
		if res == nil || !res.Meta.Aborted {
			t.Fatalf("result = %+v, want aborted", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish after abort")
	}
}

func TestRegistrySingleRunPerSession(t *testing.T) {
	reg := NewRegistry()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := reg.Begin("k1", "r1", cancel, time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Begin("k1", "r2", cancel, time.Now().Add(time.Minute)); err == nil {
		t.Error("second run for same session should be rejected")
	}
	if _, err := reg.Begin("k2", "r3", cancel, time.Now().Add(time.Minute)); err != nil {
		t.Errorf("distinct session should be unconstrained: %v", err)
	}

	reg.End("k1", "r1")
	if reg.Busy("k1") {
		t.Error("k1 should be free after End")
	}
}

func TestRegistryAbortIdempotent(t *testing.T) {
	reg := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	run, err := reg.Begin("k1", "r1", cancel, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	run.AppendText("Partial from run abort")

	aborted := reg.Abort("k1", "r1")
	if len(aborted) != 1 || aborted[0].Partial != "Partial from run abort" {
		t.Fatalf("aborted = %+v", aborted)
	}
	if ctx.Err() == nil {
		t.Error("cancel handle not fired")
	}

	if again := reg.Abort("k1", "r1"); len(again) != 0 {
		t.Errorf("second abort returned %+v, want none", again)
	}
}

func TestClassifyAssistantError(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorKind
	}{
		{"rate limit exceeded", KindRateLimit},
		{"request ended without sending any chunks", KindRateLimit},
		{"invalid api key", KindAuth},
		{"billing hard limit reached", KindBilling},
		{"request_too_large", KindContextOverflow},
		{"Request size exceeds model limits", KindContextOverflow},
		{"prompt too large for model", KindContextOverflow},
		{"something inscrutable", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := ClassifyAssistantError(tt.msg); got != tt.want {
				t.Errorf("ClassifyAssistantError(%q) = %s, want %s", tt.msg, got, tt.want)
			}
		})
	}
}
