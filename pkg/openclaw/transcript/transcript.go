// Package transcript persists per-session conversation records as
// append-only NDJSON files, plus the JSON session index that maps
// session keys to their transcript files.
//
// The first line of every transcript is a header record; every later
// line is a message record linked to its parent by id. Appends go
// through the Manager so the parent chain stays intact; raw file writes
// would break it.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CurrentSessionVersion is written into new transcript headers.
const CurrentSessionVersion = 3

// maxScanTokenSize bounds a single transcript line (1 MiB).
const maxScanTokenSize = 1 << 20

// Header is the first record of a transcript file.
type Header struct {
	Type      string `json:"type"` // always "session"
	Version   int    `json:"version"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Cwd       string `json:"cwd"`
}

// Message is one persisted conversation record.
type Message struct {
	Type      string `json:"type"` // "message"
	ID        string `json:"id"`
	ParentID  string `json:"parentId,omitempty"`
	Role      string `json:"role"` // "user" | "assistant" | "system"
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`

	// IdempotencyKey makes re-appends no-ops. Assistant entries
	// produced by a run use "<runId>:assistant".
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	// Abort marks an entry persisted from an aborted run's partial text.
	Abort *AbortMeta `json:"openclawAbort,omitempty"`

	// Label is an optional bracketed source tag for injected entries.
	Label string `json:"label,omitempty"`
}

// AbortMeta records why a partial assistant entry was persisted.
type AbortMeta struct {
	Aborted bool   `json:"aborted"`
	Origin  string `json:"origin"` // "rpc" | "stop-command"
	RunID   string `json:"runId"`
}

// AssistantIdempotencyKey returns the stable key for a run's assistant
// entry.
func AssistantIdempotencyKey(runID string) string {
	return runID + ":assistant"
}

// Manager owns transcript files under a base directory. All appends are
// serialized per session; the manager assumes it is the single writer.
type Manager struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*state // sessionID -> cached chain state
}

type state struct {
	file   string
	leafID string
	keys   map[string]bool // idempotency keys seen
}

// NewManager creates a Manager rooted at dir.
func NewManager(dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:      dir,
		logger:   logger.With("component", "transcript"),
		sessions: make(map[string]*state),
	}
}

// FileFor returns the transcript path for a session id.
func (m *Manager) FileFor(sessionID string) string {
	return filepath.Join(m.dir, sessionID+".ndjson")
}

// Append persists a message, creating the transcript (with header) on
// first use. The entry's ParentID is set to the current leaf; its ID is
// generated when empty. Appending a message whose IdempotencyKey was
// already persisted is a no-op and returns false.
func (m *Manager) Append(sessionID string, msg Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.load(sessionID)
	if err != nil {
		return false, err
	}

	if msg.IdempotencyKey != "" && st.keys[msg.IdempotencyKey] {
		return false, nil
	}

	msg.Type = "message"
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ParentID = st.leafID
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	if err := appendLine(st.file, msg); err != nil {
		return false, fmt.Errorf("transcript: appending to %s: %w", st.file, err)
	}

	st.leafID = msg.ID
	if msg.IdempotencyKey != "" {
		st.keys[msg.IdempotencyKey] = true
	}
	return true, nil
}

// HasKey reports whether an idempotency key was already persisted.
func (m *Manager) HasKey(sessionID, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.load(sessionID)
	if err != nil {
		return false
	}
	return st.keys[key]
}

// Read returns up to limit most-recent messages, newest last. A byte
// budget caps the total payload so huge transcripts cannot blow up RPC
// responses.
func (m *Manager) Read(sessionID string, limit, byteBudget int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs, _, err := readAll(m.FileFor(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if byteBudget > 0 {
		total := 0
		start := len(msgs)
		for i := len(msgs) - 1; i >= 0; i-- {
			total += len(msgs[i].Text)
			if total > byteBudget {
				break
			}
			start = i
		}
		msgs = msgs[start:]
	}
	return msgs, nil
}

// Exists reports whether a transcript file exists for the session.
func (m *Manager) Exists(sessionID string) bool {
	_, err := os.Stat(m.FileFor(sessionID))
	return err == nil
}

// load returns cached chain state, scanning the file on first access.
func (m *Manager) load(sessionID string) (*state, error) {
	if st, ok := m.sessions[sessionID]; ok {
		return st, nil
	}

	file := m.FileFor(sessionID)
	st := &state{file: file, keys: make(map[string]bool)}

	msgs, hdr, err := readAll(file)
	switch {
	case err == nil:
		st.leafID = hdr.ID
		for _, msg := range msgs {
			st.leafID = msg.ID
			if msg.IdempotencyKey != "" {
				st.keys[msg.IdempotencyKey] = true
			}
		}
	case os.IsNotExist(err):
		if err := m.create(file, sessionID, st); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	m.sessions[sessionID] = st
	return st, nil
}

// create writes a fresh transcript with its header, mode 0600.
func (m *Manager) create(file, sessionID string, st *state) error {
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return fmt.Errorf("transcript: creating dir: %w", err)
	}
	cwd, _ := os.Getwd()
	hdr := Header{
		Type:      "session",
		Version:   CurrentSessionVersion,
		ID:        sessionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Cwd:       cwd,
	}
	if err := appendLine(file, hdr); err != nil {
		return fmt.Errorf("transcript: writing header: %w", err)
	}
	st.leafID = hdr.ID
	m.logger.Debug("transcript created", "session", sessionID, "file", file)
	return nil
}

// appendLine marshals v and appends it as one NDJSON line.
func appendLine(file string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// readAll parses a transcript file into its header and messages.
// Unparseable lines are skipped rather than failing the whole read.
func readAll(file string) ([]Message, Header, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, Header{}, err
	}
	defer f.Close()

	var hdr Header
	var msgs []Message

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxScanTokenSize)
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if first {
			first = false
			if err := json.Unmarshal([]byte(line), &hdr); err == nil && hdr.Type == "session" {
				continue
			}
			// No header; fall through and try the line as a message.
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if msg.Type == "message" {
			msgs = append(msgs, msg)
		}
	}
	return msgs, hdr, sc.Err()
}
