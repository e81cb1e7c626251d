package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/openclaw/pkg/openclaw/agent"
	"github.com/jholhewres/openclaw/pkg/openclaw/transcript"
)

type fakeStarter struct {
	mu    sync.Mutex
	calls []string
	next  int
	err   error
}

func (f *fakeStarter) StartRun(_ context.Context, sessionKey, message string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, message)
	f.next++
	return fmt.Sprintf("run-%d", f.next), nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeBroadcaster) Broadcast(state, runID, sessionKey, message, errorMessage string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, Event{
		State: state, RunID: runID, SessionKey: sessionKey,
		Message: message, ErrorMessage: errorMessage,
	})
}

func (f *fakeBroadcaster) all() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func newTestMethods(t *testing.T) (*Methods, *fakeStarter, *fakeBroadcaster, *agent.Registry, *transcript.Manager, *transcript.SessionStore) {
	t.Helper()
	dir := t.TempDir()
	mgr := transcript.NewManager(filepath.Join(dir, "sessions"), nil)
	store := transcript.NewSessionStore(filepath.Join(dir, "sessions.json"))
	registry := agent.NewRegistry()
	starter := &fakeStarter{}
	events := &fakeBroadcaster{}
	m := NewMethods(store, mgr, registry, starter, nil, events, nil)
	return m, starter, events, registry, mgr, store
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestAbortPersistsPartialOnce(t *testing.T) {
	m, _, _, registry, mgr, store := newTestMethods(t)
	key := "agent:main:webchat:dm:user1"

	entry, err := store.Resolve(key, mgr)
	if err != nil {
		t.Fatal(err)
	}
	run, err := registry.Begin(key, "r1", func() {}, noExpiry())
	if err != nil {
		t.Fatal(err)
	}
	run.AppendText("Partial from run abort")

	params := mustJSON(t, map[string]any{"sessionKey": key, "runId": "r1"})
	payload, rpcErr := m.Dispatch(context.Background(), "chat.abort", params)
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	aborted := payload.(map[string]any)["aborted"].([]string)
	if len(aborted) != 1 || aborted[0] != "r1" {
		t.Fatalf("aborted = %v", aborted)
	}

	// Second identical abort must be a no-op.
	if _, rpcErr := m.Dispatch(context.Background(), "chat.abort", params); rpcErr != nil {
		t.Fatal(rpcErr)
	}

	msgs, err := mgr.Read(entry.SessionID, 100, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("transcript has %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.Role != "assistant" || got.Text != "Partial from run abort" {
		t.Errorf("persisted entry = %+v", got)
	}
	if got.Abort == nil || !got.Abort.Aborted || got.Abort.Origin != "rpc" || got.Abort.RunID != "r1" {
		t.Errorf("abort meta = %+v", got.Abort)
	}
	if got.IdempotencyKey != "r1:assistant" {
		t.Errorf("idempotency key = %q", got.IdempotencyKey)
	}
}

func TestStopCommandAbortsWithStopOrigin(t *testing.T) {
	m, starter, _, registry, mgr, store := newTestMethods(t)
	key := "agent:main:webchat:dm:user1"

	entry, err := store.Resolve(key, mgr)
	if err != nil {
		t.Fatal(err)
	}
	run, err := registry.Begin(key, "r9", func() {}, noExpiry())
	if err != nil {
		t.Fatal(err)
	}
	run.AppendText("interrupted text")

	// Full-width slash and letters must still match after folding.
	params := mustJSON(t, map[string]any{"sessionKey": key, "message": "／ＳＴＯＰ"})
	payload, rpcErr := m.Dispatch(context.Background(), "chat.send", params)
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	if payload.(map[string]any)["status"] != "stopped" {
		t.Errorf("payload = %v", payload)
	}
	if len(starter.calls) != 0 {
		t.Error("/stop must not start a run")
	}

	msgs, err := mgr.Read(entry.SessionID, 100, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Abort == nil || msgs[0].Abort.Origin != "stop-command" {
		t.Fatalf("stop partial not persisted with stop-command origin: %+v", msgs)
	}
}

func TestSendSanitizesAndStartsRun(t *testing.T) {
	m, starter, _, _, _, _ := newTestMethods(t)
	params := mustJSON(t, map[string]any{
		"sessionKey": "agent:main:webchat:dm:user1",
		"message":    "hi\x00 the\x01re\tok\n",
	})
	payload, rpcErr := m.Dispatch(context.Background(), "chat.send", params)
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	res := payload.(map[string]any)
	if res["runId"] != "run-1" || res["status"] != "started" {
		t.Errorf("payload = %v", res)
	}
	if len(starter.calls) != 1 || starter.calls[0] != "hi there\tok\n" {
		t.Errorf("started with %q", starter.calls)
	}
}

func TestSendIdempotencyKeyDedupes(t *testing.T) {
	m, starter, _, _, _, _ := newTestMethods(t)
	params := mustJSON(t, map[string]any{
		"sessionKey":     "agent:main:webchat:dm:user1",
		"message":        "hello",
		"idempotencyKey": "k1",
	})
	first, rpcErr := m.Dispatch(context.Background(), "chat.send", params)
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	second, rpcErr := m.Dispatch(context.Background(), "chat.send", params)
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	if first.(map[string]any)["runId"] != second.(map[string]any)["runId"] {
		t.Error("duplicate idempotency key must return the original run id")
	}
	if len(starter.calls) != 1 {
		t.Errorf("starter called %d times, want 1", len(starter.calls))
	}
}

func TestSendIdempotencyKeyExpires(t *testing.T) {
	m, starter, _, _, _, _ := newTestMethods(t)
	base := time.Now()
	current := base
	m.now = func() time.Time { return current }

	params := mustJSON(t, map[string]any{
		"sessionKey":     "agent:main:webchat:dm:user1",
		"message":        "hello",
		"idempotencyKey": "k1",
	})
	if _, rpcErr := m.Dispatch(context.Background(), "chat.send", params); rpcErr != nil {
		t.Fatal(rpcErr)
	}

	current = base.Add(seenTTL + time.Second)
	if _, rpcErr := m.Dispatch(context.Background(), "chat.send", params); rpcErr != nil {
		t.Fatal(rpcErr)
	}
	if len(starter.calls) != 2 {
		t.Errorf("starter called %d times, want 2 after TTL expiry", len(starter.calls))
	}
}

func TestSendIdempotencyCacheBounded(t *testing.T) {
	m, _, _, _, _, _ := newTestMethods(t)
	now := time.Now()
	for i := 0; i < seenMax; i++ {
		m.seen[fmt.Sprintf("s\x00k%d", i)] = seenRun{runID: "r", at: now}
	}

	params := mustJSON(t, map[string]any{
		"sessionKey":     "agent:main:webchat:dm:user1",
		"message":        "hello",
		"idempotencyKey": "fresh",
	})
	if _, rpcErr := m.Dispatch(context.Background(), "chat.send", params); rpcErr != nil {
		t.Fatal(rpcErr)
	}
	if len(m.seen) > seenMax {
		t.Errorf("cache grew to %d entries, cap is %d", len(m.seen), seenMax)
	}
	if _, ok := m.seen["agent:main:webchat:dm:user1\x00fresh"]; !ok {
		t.Error("newest key evicted instead of an older one")
	}
}

func TestSendEmptyAfterSanitizeRejected(t *testing.T) {
	m, _, _, _, _, _ := newTestMethods(t)
	params := mustJSON(t, map[string]any{
		"sessionKey": "agent:main:webchat:dm:user1",
		"message":    "\x00\x01\x02",
	})
	_, rpcErr := m.Dispatch(context.Background(), "chat.send", params)
	if rpcErr == nil || rpcErr.Code != CodeInvalidRequest {
		t.Errorf("err = %v, want INVALID_REQUEST", rpcErr)
	}
}

func TestInjectRequiresExistingSession(t *testing.T) {
	m, _, events, _, mgr, store := newTestMethods(t)
	key := "agent:main:webchat:dm:user1"

	params := mustJSON(t, map[string]any{"sessionKey": key, "message": "note", "label": "cron"})
	if _, rpcErr := m.Dispatch(context.Background(), "chat.inject", params); rpcErr == nil {
		t.Fatal("inject into unknown session must fail")
	}

	entry, err := store.Resolve(key, mgr)
	if err != nil {
		t.Fatal(err)
	}
	payload, rpcErr := m.Dispatch(context.Background(), "chat.inject", params)
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	if payload.(map[string]any)["appended"] != true {
		t.Errorf("payload = %v", payload)
	}

	msgs, err := mgr.Read(entry.SessionID, 10, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Text != "[cron] note" || msgs[0].Role != "assistant" {
		t.Errorf("injected entry = %+v", msgs)
	}

	evts := events.all()
	if len(evts) != 1 || evts[0].State != "chat" || evts[0].SessionKey != key {
		t.Errorf("broadcast = %+v", evts)
	}
}

func TestHistoryLimitsAndUnknownSession(t *testing.T) {
	m, _, _, _, mgr, store := newTestMethods(t)
	key := "agent:main:webchat:dm:user1"

	payload, rpcErr := m.Dispatch(context.Background(), "chat.history",
		mustJSON(t, map[string]any{"sessionKey": key}))
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	if msgs := payload.(map[string]any)["messages"].([]historyMessage); len(msgs) != 0 {
		t.Errorf("unknown session should yield empty history, got %d", len(msgs))
	}

	entry, err := store.Resolve(key, mgr)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := mgr.Append(entry.SessionID, transcript.Message{
			Role: "user", Text: fmt.Sprintf("m%d", i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	payload, rpcErr = m.Dispatch(context.Background(), "chat.history",
		mustJSON(t, map[string]any{"sessionKey": key, "limit": 2}))
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	msgs := payload.(map[string]any)["messages"].([]historyMessage)
	if len(msgs) != 2 || msgs[0].Text != "m3" || msgs[1].Text != "m4" {
		t.Errorf("limited history = %+v", msgs)
	}

	// Oversized limits clamp rather than error.
	if _, rpcErr := m.Dispatch(context.Background(), "chat.history",
		mustJSON(t, map[string]any{"sessionKey": key, "limit": 5000})); rpcErr != nil {
		t.Errorf("clamped limit should succeed: %v", rpcErr)
	}
}

func TestUnknownMethodRejected(t *testing.T) {
	m, _, _, _, _, _ := newTestMethods(t)
	_, rpcErr := m.Dispatch(context.Background(), "chat.delete", mustJSON(t, map[string]any{}))
	if rpcErr == nil || rpcErr.Code != CodeInvalidRequest {
		t.Errorf("err = %v, want INVALID_REQUEST", rpcErr)
	}
}

func TestSanitizeMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"nul stripped", "a\x00b", "ab"},
		{"c0 stripped", "a\x1bb\x7fc", "abc"},
		{"whitespace kept", "a\tb\nc\r", "a\tb\nc\r"},
		{"nfc composed", "é", "é"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeMessage(tt.in); got != tt.want {
				t.Errorf("sanitizeMessage(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsStopCommand(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"/stop", true},
		{"  /STOP  ", true},
		{"/stop now", true},
		{"／ＳＴＯＰ", true},
		{"stop", false},
		{"/stopwatch", false},
	}
	for _, tt := range tests {
		if got := isStopCommand(tt.in); got != tt.want {
			t.Errorf("isStopCommand(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func noExpiry() time.Time { return time.Time{} }
