// Package devicetrust persists the client's advisory state: the remembered
// device record, per-email revision watermarks and the last bound session.
// Nothing stored here is signed; the server remains authoritative.
package devicetrust

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Record marks one email as remembered on this device.
type Record struct {
	Email      string `json:"email"`
	Remembered bool   `json:"remembered"`
}

// SessionRecord is the bound session restored on the next start.
type SessionRecord struct {
	Token    string `json:"token"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Revision int64  `json:"revision"`
}

type state struct {
	Trust      *Record          `json:"trust,omitempty"`
	Watermarks map[string]int64 `json:"watermarks,omitempty"`
	Session    *SessionRecord   `json:"session,omitempty"`
}

// Store is a single-slot device trust store. It is safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	path  string
	state state
}

// NewMemory returns a store that is never persisted.
func NewMemory() *Store {
	return &Store{state: state{Watermarks: map[string]int64{}}}
}

// Open loads the store kept at path. A missing file is an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, state: state{Watermarks: map[string]int64{}}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", path, err)
	}
	if s.state.Watermarks == nil {
		s.state.Watermarks = map[string]int64{}
	}
	return s, nil
}

// DefaultPath returns $XDG_CONFIG_HOME/gestorgastos/state.json, falling back
// to ~/.config.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "gestorgastos-state.json")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "gestorgastos", "state.json")
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Get reports whether email is the remembered identity.
func (s *Store) Get(email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.state.Trust
	return t != nil && t.Remembered && t.Email == normalize(email)
}

// Set remembers email, replacing any other remembered identity together
// with its watermark.
func (s *Store) Set(email string) error {
	email = normalize(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev := s.state.Trust; prev != nil && prev.Email != email {
		delete(s.state.Watermarks, prev.Email)
	}
	s.state.Trust = &Record{Email: email, Remembered: true}
	return s.saveLocked()
}

// Clear forgets the remembered identity.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Trust = nil
	return s.saveLocked()
}

// Remembered returns the remembered email, if any.
func (s *Store) Remembered() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Trust == nil || !s.state.Trust.Remembered {
		return "", false
	}
	return s.state.Trust.Email, true
}

// Watermark returns the last revision accepted for email.
func (s *Store) Watermark(email string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.state.Watermarks[normalize(email)]
	return rev, ok
}

func (s *Store) SetWatermark(email string, revision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Watermarks[normalize(email)] = revision
	return s.saveLocked()
}

func (s *Store) ClearWatermark(email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Watermarks, normalize(email))
	return s.saveLocked()
}

// Session returns the persisted bound session, if any.
func (s *Store) Session() (SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Session == nil {
		return SessionRecord{}, false
	}
	return *s.state.Session, true
}

func (s *Store) SaveSession(rec SessionRecord) error {
	rec.Email = normalize(rec.Email)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Session = &rec
	return s.saveLocked()
}

func (s *Store) ClearSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Session = nil
	return s.saveLocked()
}

// saveLocked writes the state atomically. The file holds a bearer token, so
// it is owner-only.
func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating state directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing state file %s: %w", s.path, err)
	}
	return nil
}
