// Package store persists panel state as flat JSON files with full-read /
// full-replace semantics. Writes go through a temp file and rename so a
// crash mid-write never leaves a torn store behind.
//
// Each store serializes its own writes with a mutex. Writes from different
// components still follow last-write-wins; at panel scale a clobbered
// concurrent rename is accepted.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/xpanel-dev/xpanel/api"
)

func readJSON(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file means the store has never been written.
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// UserStore persists the user record list.
type UserStore struct {
	mu   sync.Mutex
	path string
}

func NewUserStore(path string) *UserStore {
	return &UserStore{path: path}
}

func (s *UserStore) List() ([]api.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var users []api.UserRecord
	if err := readJSON(s.path, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *UserStore) Replace(users []api.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path, users)
}

// NextID returns one past the highest assigned user id. IDs are assigned
// monotonically and never reused after deletion.
func (s *UserStore) NextID() (int, error) {
	users, err := s.List()
	if err != nil {
		return 0, err
	}
	max := 0
	for _, u := range users {
		if u.ID > max {
			max = u.ID
		}
	}
	return max + 1, nil
}

// AccumStore persists the per-key usage accumulator map.
type AccumStore struct {
	mu   sync.Mutex
	path string
}

func NewAccumStore(path string) *AccumStore {
	return &AccumStore{path: path}
}

func (s *AccumStore) Load() (map[string]api.AccumEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[string]api.AccumEntry)
	if err := readJSON(s.path, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *AccumStore) Replace(entries map[string]api.AccumEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path, entries)
}

// DomainStore persists the domain record list.
type DomainStore struct {
	mu   sync.Mutex
	path string
}

func NewDomainStore(path string) *DomainStore {
	return &DomainStore{path: path}
}

func (s *DomainStore) List() ([]api.DomainRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var domains []api.DomainRecord
	if err := readJSON(s.path, &domains); err != nil {
		return nil, err
	}
	return domains, nil
}

func (s *DomainStore) Replace(domains []api.DomainRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path, domains)
}
