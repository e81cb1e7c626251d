package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ActiveRun is the live handle of a non-terminal run.
type ActiveRun struct {
	RunID      string
	SessionKey string
	StartedAt  time.Time
	ExpiresAt  time.Time

	cancel context.CancelFunc

	mu   sync.Mutex
	text strings.Builder
}

// beginAttempt clears the partial buffer; each attempt streams its own
// text from scratch.
func (a *ActiveRun) beginAttempt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.text.Reset()
}

// AppendText accumulates streamed assistant text so aborts can persist
// the partial output.
func (a *ActiveRun) AppendText(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.text.WriteString(s)
}

// Partial returns the text accumulated so far.
func (a *ActiveRun) Partial() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.text.String()
}

func (a *ActiveRun) noteAttempt(outcome *AttemptOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.text.Reset()
	for _, t := range outcome.AssistantTexts {
		a.text.WriteString(t)
	}
}

// AbortedRun reports one aborted run and its captured partial text.
type AbortedRun struct {
	RunID   string
	Partial string
}

// ErrSessionBusy rejects a second non-terminal run for one session.
var ErrSessionBusy = fmt.Errorf("agent: session already has an active run")

// Registry enforces the one-non-terminal-run-per-session invariant and
// routes aborts to cancel handles.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*ActiveRun // sessionKey -> active run
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*ActiveRun)}
}

// Begin registers a run for a session key. A second non-terminal run
// for the same key is a caller bug upstream (the queue should have
// serialized it) and is rejected.
func (r *Registry) Begin(sessionKey, runID string, cancel context.CancelFunc, expiresAt time.Time) (*ActiveRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.runs[sessionKey]; ok {
		return nil, fmt.Errorf("%w: run %s holds session %s", ErrSessionBusy, existing.RunID, sessionKey)
	}
	run := &ActiveRun{
		RunID:      runID,
		SessionKey: sessionKey,
		StartedAt:  time.Now(),
		ExpiresAt:  expiresAt,
		cancel:     cancel,
	}
	r.runs[sessionKey] = run
	return run, nil
}

// End removes a run if it is still the registered one for the key.
func (r *Registry) End(sessionKey, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[sessionKey]; ok && run.RunID == runID {
		delete(r.runs, sessionKey)
	}
}

// Get returns the active run for a session key, if any.
func (r *Registry) Get(sessionKey string) (*ActiveRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[sessionKey]
	return run, ok
}

// Busy reports whether a non-terminal run exists for the key.
func (r *Registry) Busy(sessionKey string) bool {
	_, ok := r.Get(sessionKey)
	return ok
}

// Abort cancels runs for a session key. With runID set only that run is
// aborted; empty aborts all runs for the key. Abort is idempotent: an
// unknown or already-finished run yields no entries.
func (r *Registry) Abort(sessionKey, runID string) []AbortedRun {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[sessionKey]
	if !ok {
		return nil
	}
	if runID != "" && run.RunID != runID {
		return nil
	}

	run.cancel()
	delete(r.runs, sessionKey)
	return []AbortedRun{{RunID: run.RunID, Partial: run.Partial()}}
}
