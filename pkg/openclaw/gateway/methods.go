package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/openclaw/pkg/openclaw/agent"
	"github.com/jholhewres/openclaw/pkg/openclaw/transcript"
)

// Defaults for chat.history.
const (
	defaultHistoryLimit = 200
	maxHistoryLimit     = 1000
	historyByteBudget   = 256 * 1024
)

// seenTTL bounds how long a chat.send idempotency key is remembered.
const seenTTL = 10 * time.Minute

// seenMax caps the idempotency cache size.
const seenMax = 4096

// RunStarter launches a new agent run for a session.
type RunStarter interface {
	StartRun(ctx context.Context, sessionKey, message string, timeoutMs int) (runID string, err error)
}

// MeshDispatcher handles mesh.* methods.
type MeshDispatcher interface {
	Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// Broadcaster fans events out to connected clients. Seq numbers are
// assigned by the broadcaster so they increase monotonically across
// all sessions.
type Broadcaster interface {
	Broadcast(state, runID, sessionKey, message, errorMessage string)
}

// Methods implements the chat.* and mesh.* RPC handlers.
type Methods struct {
	sessions    *transcript.SessionStore
	transcripts *transcript.Manager
	runs        *agent.Registry
	starter     RunStarter
	mesh        MeshDispatcher
	events      Broadcaster
	logger      *slog.Logger

	mu   sync.Mutex
	seen map[string]seenRun // sessionKey+"\x00"+idempotencyKey
	now  func() time.Time
}

// seenRun is one remembered chat.send, for idempotent replays.
type seenRun struct {
	runID string
	at    time.Time
}

// NewMethods wires the RPC handlers.
func NewMethods(
	sessions *transcript.SessionStore,
	transcripts *transcript.Manager,
	runs *agent.Registry,
	starter RunStarter,
	mesh MeshDispatcher,
	events Broadcaster,
	logger *slog.Logger,
) *Methods {
	if logger == nil {
		logger = slog.Default()
	}
	return &Methods{
		sessions:    sessions,
		transcripts: transcripts,
		runs:        runs,
		starter:     starter,
		mesh:        mesh,
		events:      events,
		logger:      logger.With("component", "rpc"),
		seen:        make(map[string]seenRun),
		now:         time.Now,
	}
}

// Dispatch routes one request to its handler.
func (m *Methods) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, *Error) {
	switch method {
	case "chat.history":
		return m.history(params)
	case "chat.send":
		return m.send(ctx, params)
	case "chat.abort":
		return m.abort(params)
	case "chat.inject":
		return m.inject(params)
	}
	if strings.HasPrefix(method, "mesh.") {
		if m.mesh == nil {
			return nil, unavailable("mesh executor not configured")
		}
		payload, err := m.mesh.Dispatch(ctx, method, params)
		if err != nil {
			return nil, invalidRequest(err.Error())
		}
		return payload, nil
	}
	return nil, invalidRequest(fmt.Sprintf("unknown method %q", method))
}

// ---------- chat.history ----------

type historyParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      *int   `json:"limit,omitempty"`
}

// historyMessage is the transport-stripped wire shape.
type historyMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Label     string `json:"label,omitempty"`
}

func (m *Methods) history(raw json.RawMessage) (any, *Error) {
	var p historyParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionKey == "" {
		return nil, invalidRequest("chat.history requires sessionKey")
	}

	limit := defaultHistoryLimit
	if p.Limit != nil {
		limit = *p.Limit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if limit < 0 {
		limit = 0
	}

	entry, ok := m.sessions.Lookup(p.SessionKey)
	if !ok {
		return map[string]any{"messages": []historyMessage{}}, nil
	}
	msgs, err := m.transcripts.Read(entry.SessionID, limit, historyByteBudget)
	if err != nil {
		return nil, unavailable(err.Error())
	}

	out := make([]historyMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, historyMessage{
			ID:        msg.ID,
			Role:      msg.Role,
			Text:      msg.Text,
			Timestamp: msg.Timestamp,
			Label:     msg.Label,
		})
	}
	return map[string]any{"messages": out}, nil
}

// ---------- chat.send ----------

type sendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
	TimeoutMs      int    `json:"timeoutMs,omitempty"`
}

func (m *Methods) send(ctx context.Context, raw json.RawMessage) (any, *Error) {
	var p sendParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionKey == "" {
		return nil, invalidRequest("chat.send requires sessionKey and message")
	}

	message := sanitizeMessage(p.Message)
	if strings.TrimSpace(message) == "" {
		return nil, invalidRequest("chat.send message is empty after sanitization")
	}

	if isStopCommand(message) {
		aborted := m.abortRuns(p.SessionKey, "", "stop-command")
		return map[string]any{"status": "stopped", "aborted": aborted}, nil
	}

	seenKey := p.SessionKey + "\x00" + p.IdempotencyKey
	if p.IdempotencyKey != "" {
		m.mu.Lock()
		if entry, ok := m.seen[seenKey]; ok && m.now().Sub(entry.at) < seenTTL {
			m.mu.Unlock()
			return map[string]any{"runId": entry.runID, "status": "started"}, nil
		}
		m.mu.Unlock()
	}

	runID, err := m.starter.StartRun(ctx, p.SessionKey, message, p.TimeoutMs)
	if err != nil {
		return nil, unavailable(err.Error())
	}
	if p.IdempotencyKey != "" {
		m.rememberRun(seenKey, runID)
	}
	return map[string]any{"runId": runID, "status": "started"}, nil
}

// rememberRun records one idempotency key, expiring stale entries and
// evicting arbitrarily past the cap.
func (m *Methods) rememberRun(key, runID string) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.seen) >= seenMax {
		for k, entry := range m.seen {
			if now.Sub(entry.at) >= seenTTL {
				delete(m.seen, k)
			}
		}
		for k := range m.seen {
			if len(m.seen) < seenMax {
				break
			}
			delete(m.seen, k)
		}
	}
	m.seen[key] = seenRun{runID: runID, at: now}
}

// ---------- chat.abort ----------

type abortParams struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId,omitempty"`
}

func (m *Methods) abort(raw json.RawMessage) (any, *Error) {
	var p abortParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionKey == "" {
		return nil, invalidRequest("chat.abort requires sessionKey")
	}
	aborted := m.abortRuns(p.SessionKey, p.RunID, "rpc")
	return map[string]any{"aborted": aborted}, nil
}

// abortRuns cancels matching runs and persists non-empty partials as
// assistant entries keyed by "<runId>:assistant". Re-running on an
// already aborted run appends nothing.
func (m *Methods) abortRuns(sessionKey, runID, origin string) []string {
	runs := m.runs.Abort(sessionKey, runID)
	ids := make([]string, 0, len(runs))
	for _, run := range runs {
		ids = append(ids, run.RunID)
		if run.Partial == "" {
			continue
		}
		entry, err := m.sessions.Resolve(sessionKey, m.transcripts)
		if err != nil {
			m.logger.Error("resolving session for abort partial",
				"session_key", sessionKey, "error", err)
			continue
		}
		_, err = m.transcripts.Append(entry.SessionID, transcript.Message{
			Role:           "assistant",
			Text:           run.Partial,
			IdempotencyKey: transcript.AssistantIdempotencyKey(run.RunID),
			Abort: &transcript.AbortMeta{
				Aborted: true,
				Origin:  origin,
				RunID:   run.RunID,
			},
		})
		if err != nil {
			m.logger.Error("persisting abort partial",
				"run_id", run.RunID, "error", err)
		}
	}
	return ids
}

// ---------- chat.inject ----------

type injectParams struct {
	SessionKey string `json:"sessionKey"`
	Message    string `json:"message"`
	Label      string `json:"label,omitempty"`
}

func (m *Methods) inject(raw json.RawMessage) (any, *Error) {
	var p injectParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionKey == "" || p.Message == "" {
		return nil, invalidRequest("chat.inject requires sessionKey and message")
	}

	entry, ok := m.sessions.Lookup(p.SessionKey)
	if !ok {
		return nil, invalidRequest(fmt.Sprintf("no session for key %q", p.SessionKey))
	}

	text := sanitizeMessage(p.Message)
	if p.Label != "" {
		text = "[" + p.Label + "] " + text
	}
	appended, err := m.transcripts.Append(entry.SessionID, transcript.Message{
		Role:  "assistant",
		Text:  text,
		Label: p.Label,
	})
	if err != nil {
		return nil, unavailable(err.Error())
	}

	// Injected turns reach every subscriber even when the session has
	// no current one.
	if m.events != nil {
		m.events.Broadcast("chat", "", p.SessionKey, text, "")
	}
	return map[string]any{"appended": appended}, nil
}
