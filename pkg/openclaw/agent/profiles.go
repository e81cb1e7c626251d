package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zalando/go-keyring"
)

// keyringService is the OS keyring namespace for profile credentials.
const keyringService = "openclaw-profiles"

// ErrNoProfiles is returned when no eligible profile exists for a
// provider (all missing or cooling down).
var ErrNoProfiles = errors.New("agent: no eligible auth profile")

// AuthProfile is one provider credential.
type AuthProfile struct {
	Type     string `json:"type"` // always "api_key"
	Provider string `json:"provider"`
	Key      string `json:"key,omitempty"`
}

// UsageStats tracks rotation state for one profile.
type UsageStats struct {
	LastUsed      int64 `json:"lastUsed,omitempty"`      // unix ms
	CooldownUntil int64 `json:"cooldownUntil,omitempty"` // unix ms
}

// profileFile is the on-disk store layout.
type profileFile struct {
	Version    int                    `json:"version"`
	Profiles   map[string]AuthProfile `json:"profiles"`
	UsageStats map[string]UsageStats  `json:"usageStats"`
}

// ProfileStore holds auth profiles and their usage stats, backed by a
// JSON file written with atomic replace. With the keyring enabled the
// JSON keeps only ids and stats; secrets live in the OS keyring.
type ProfileStore struct {
	path       string
	useKeyring bool

	mu     sync.Mutex
	data   profileFile
	loaded bool
}

// NewProfileStore creates a store backed by path.
func NewProfileStore(path string, useKeyring bool) *ProfileStore {
	return &ProfileStore{
		path:       path,
		useKeyring: useKeyring,
		data: profileFile{
			Version:    1,
			Profiles:   make(map[string]AuthProfile),
			UsageStats: make(map[string]UsageStats),
		},
	}
}

// Put adds or replaces a profile.
func (s *ProfileStore) Put(id string, p AuthProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	p.Type = "api_key"
	if s.useKeyring && p.Key != "" {
		if err := keyring.Set(keyringService, id, p.Key); err != nil {
			return fmt.Errorf("agent: storing key in keyring: %w", err)
		}
		p.Key = ""
	}
	s.data.Profiles[id] = p
	return s.saveLocked()
}

// Delete removes a profile and its stats.
func (s *ProfileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	delete(s.data.Profiles, id)
	delete(s.data.UsageStats, id)
	if s.useKeyring {
		_ = keyring.Delete(keyringService, id)
	}
	return s.saveLocked()
}

// Credential returns the API key for a profile.
func (s *ProfileStore) Credential(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return "", err
	}
	p, ok := s.data.Profiles[id]
	if !ok {
		return "", fmt.Errorf("agent: unknown profile %q", id)
	}
	if s.useKeyring {
		return keyring.Get(keyringService, id)
	}
	return p.Key, nil
}

// List returns profile ids for a provider (all providers when empty).
func (s *ProfileStore) List(provider string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.loadLocked()
	var ids []string
	for id, p := range s.data.Profiles {
		if provider == "" || p.Provider == provider {
			ids = append(ids, id)
		}
	}
	return ids
}

// Select picks a profile for a provider at time now.
//
// A pinned id is honored even while cooling down; callers clear its
// cooldown on success. Otherwise the least-recently-used profile not in
// cooldown wins, so load spreads across credentials. ErrNoProfiles is
// returned when every profile is cooling down or none exist.
func (s *ProfileStore) Select(provider, pinned string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return "", err
	}

	if pinned != "" {
		if _, ok := s.data.Profiles[pinned]; !ok {
			return "", fmt.Errorf("agent: pinned profile %q not found", pinned)
		}
		return pinned, nil
	}

	nowMs := now.UnixMilli()
	best := ""
	bestUsed := int64(-1)
	for id, p := range s.data.Profiles {
		if p.Provider != provider {
			continue
		}
		st := s.data.UsageStats[id]
		if st.CooldownUntil > nowMs {
			continue
		}
		if best == "" || st.LastUsed < bestUsed {
			best, bestUsed = id, st.LastUsed
		}
	}
	if best == "" {
		return "", ErrNoProfiles
	}
	return best, nil
}

// MarkUsed records a selection.
func (s *ProfileStore) MarkUsed(id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	st := s.data.UsageStats[id]
	st.LastUsed = now.UnixMilli()
	s.data.UsageStats[id] = st
	return s.saveLocked()
}

// SetCooldown parks a profile until the given time.
func (s *ProfileStore) SetCooldown(id string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	st := s.data.UsageStats[id]
	st.CooldownUntil = until.UnixMilli()
	s.data.UsageStats[id] = st
	return s.saveLocked()
}

// ClearCooldown lifts a profile's cooldown. Called when a user-pinned
// profile succeeds during its pinned turn.
func (s *ProfileStore) ClearCooldown(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	st := s.data.UsageStats[id]
	st.CooldownUntil = 0
	s.data.UsageStats[id] = st
	return s.saveLocked()
}

// Stats returns a copy of a profile's usage stats.
func (s *ProfileStore) Stats(id string) UsageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.loadLocked()
	return s.data.UsageStats[id]
}

func (s *ProfileStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("agent: reading profile store: %w", err)
	}
	var f profileFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("agent: parsing profile store: %w", err)
	}
	if f.Profiles == nil {
		f.Profiles = make(map[string]AuthProfile)
	}
	if f.UsageStats == nil {
		f.UsageStats = make(map[string]UsageStats)
	}
	s.data = f
	s.loaded = true
	return nil
}

func (s *ProfileStore) saveLocked() error {
	s.data.Version = 1
	data, err := json.MarshalIndent(s.data, "", "  ")
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
