// Package store persists per-server runtime state (timestamps, build id) to
// a JSON file. Writes are read-merge-write on a single server record so
// concurrent supervision loops never clobber each other's fields, and the
// file is replaced atomically via rename. Missing files and missing server
// entries are empty state, never errors.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Field names accepted by SaveField.
const (
	FieldLastUpdate = "last_update"
	FieldLastBackup = "last_backup"
	FieldLastCheck  = "last_check"
	FieldBuildID    = "build_id"
)

// ServerState holds the mutable runtime fields for one managed server.
type ServerState struct {
	LastUpdate time.Time `json:"last_update,omitzero"`
	LastBackup time.Time `json:"last_backup,omitzero"`
	LastCheck  time.Time `json:"last_check,omitzero"`
	BuildID    string    `json:"build_id,omitempty"`
}

// Store reads and writes the state file. Safe for concurrent use within one
// process; cross-process writers are out of scope.
type Store struct {
	mu   sync.Mutex
	path string
}

func New(path string) *Store { return &Store{path: path} }

// Load returns the state for one server. A missing file or entry yields the
// zero state.
func (s *Store) Load(name string) ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, _ := s.readAll()
	return all[name]
}

// LoadAll returns the full state map (possibly empty).
func (s *Store) LoadAll() map[string]ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, _ := s.readAll()
	return all
}

// SaveField updates a single field of one server record and rewrites the
// file. The current file content is re-read first so fields written by
// other loops since our last read are preserved.
func (s *Store) SaveField(name, field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return err
	}
	st := all[name]
	switch field {
	case FieldLastUpdate, FieldLastBackup, FieldLastCheck:
		t, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("field %q wants time.Time, got %T", field, value)
		}
		switch field {
		case FieldLastUpdate:
			st.LastUpdate = t
		case FieldLastBackup:
			st.LastBackup = t
		case FieldLastCheck:
			st.LastCheck = t
		}
	case FieldBuildID:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %q wants string, got %T", field, value)
		}
		st.BuildID = v
	default:
		return fmt.Errorf("unknown state field %q", field)
	}
	all[name] = st
	return s.writeAll(all)
}

// Delete removes one server's record. Absent records are a no-op.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readAll()
	if err != nil {
		return err
	}
	if _, ok := all[name]; !ok {
		return nil
	}
	delete(all, name)
	return s.writeAll(all)
}

func (s *Store) readAll() (map[string]ServerState, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ServerState{}, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	all := map[string]ServerState{}
	if len(b) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(b, &all); err != nil {
		// A corrupt state file loses runtime timestamps but must not stop
		// supervision; catch-up logic re-runs missed operations.
		return map[string]ServerState{}, nil
	}
	return all, nil
}

func (s *Store) writeAll(all map[string]ServerState) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("state dir: %w", err)
		}
	}
	b, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
