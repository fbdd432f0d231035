// Package statefile persists the cluster membership and the last observed
// term so a restarted node knows which peers to rejoin.
//
// Writes go to a temporary file in the same directory which is fsynced and
// then renamed over the target, so a crash leaves either the old file or the
// new one, never a partial write.
package statefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileName is the state file's name inside the data directory.
const FileName = "cluster-state.json"

// Member is one persisted cluster member.
type Member struct {
	ID       string `json:"id"`
	Address  string `json:"address"` // Raft address
	APIAddr  string `json:"api_addr,omitempty"`
	GRPCAddr string `json:"grpc_addr,omitempty"`
}

// State is the persisted document.
type State struct {
	NodeID    string    `json:"node_id"`
	ClusterID string    `json:"cluster_id,omitempty"`
	Term      uint64    `json:"term"`
	Version   uint64    `json:"version"` // Membership version
	Members   []Member  `json:"members"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes one state file. Safe for concurrent use; writes are
// serialized.
type Store struct {
	path string

	mu    sync.Mutex
	state State
}

// Open returns a store for FileName under dir, loading the existing file if
// there is one. A missing file is not an error.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &Store{path: filepath.Join(dir, FileName)}

	state, err := Load(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	s.state = state
	return s, nil
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// State returns a copy of the last loaded or written state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Update applies fn to a copy of the state and writes the result. Nothing is
// written when fn leaves the state unchanged.
func (s *Store) Update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	fn(&next)
	sortMembers(next.Members)
	if next.equal(s.state) {
		return nil
	}
	next.UpdatedAt = time.Now().UTC()

	if err := Save(s.path, next); err != nil {
		return err
	}
	s.state = next
	return nil
}

// Load reads a state file.
func Load(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parse %s: %w", path, err)
	}
	sortMembers(state.Members)
	return state, nil
}

// Save writes state to path atomically.
func Save(path string, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op after a successful rename
		os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}

	// persist the rename itself
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func sortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
}

func (s State) clone() State {
	c := s
	c.Members = append([]Member(nil), s.Members...)
	return c
}

func (s State) equal(o State) bool {
	if s.NodeID != o.NodeID || s.ClusterID != o.ClusterID || s.Term != o.Term ||
		s.Version != o.Version || len(s.Members) != len(o.Members) {
		return false
	}
	for i := range s.Members {
		if s.Members[i] != o.Members[i] {
			return false
		}
	}
	return true
}
