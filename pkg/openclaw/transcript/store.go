package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// SessionEntry is the per-key record in the session store.
type SessionEntry struct {
	SessionID   string `json:"sessionId"`
	SessionFile string `json:"sessionFile"`

	// Last known delivery route, used for carry-forward replies.
	LastChannel  string `json:"lastChannel,omitempty"`
	LastProvider string `json:"lastProvider,omitempty"`
	LastTo       string `json:"lastTo,omitempty"`

	ThinkingLevel string `json:"thinkingLevel,omitempty"`
	VerboseLevel  string `json:"verboseLevel,omitempty"`
	ChatType      string `json:"chatType,omitempty"`
}

// SessionStore maps canonical session keys to session entries, backed by
// a single JSON file written with atomic replace.
type SessionStore struct {
	path string

	mu      sync.Mutex
	entries map[string]*SessionEntry
	loaded  bool
}

// NewSessionStore creates a store backed by path.
func NewSessionStore(path string) *SessionStore {
	return &SessionStore{path: path, entries: make(map[string]*SessionEntry)}
}

// Resolve returns the entry for a session key, creating one (with a
// fresh session id) when absent.
func (s *SessionStore) Resolve(sessionKey string, mgr *Manager) (*SessionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return nil, err
	}

	if e, ok := s.entries[sessionKey]; ok {
		cp := *e
		return &cp, nil
	}

	e := &SessionEntry{SessionID: uuid.NewString()}
	e.SessionFile = mgr.FileFor(e.SessionID)
	s.entries[sessionKey] = e
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	cp := *e
	return &cp, nil
}

// Lookup returns the entry for a session key without creating one.
func (s *SessionStore) Lookup(sessionKey string) (*SessionEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, false
	}
	e, ok := s.entries[sessionKey]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// UpdateRoute records the last delivery route for a session key.
func (s *SessionStore) UpdateRoute(sessionKey, channel, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	e, ok := s.entries[sessionKey]
	if !ok {
		return fmt.Errorf("transcript: unknown session key %q", sessionKey)
	}
	e.LastChannel = channel
	e.LastTo = to
	return s.saveLocked()
}

// Keys returns all known session keys.
func (s *SessionStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.loadLocked()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

func (s *SessionStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("transcript: reading session store: %w", err)
	}
	entries := make(map[string]*SessionEntry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("transcript: parsing session store: %w", err)
	}
	s.entries = entries
	s.loaded = true
	return nil
}

// saveLocked writes the store with a temp-file + rename atomic replace.
func (s *SessionStore) saveLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
