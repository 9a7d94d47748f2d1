package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// JSONStore is a MemoryStore persisted to a JSON file after every change.
type JSONStore struct {
	*MemoryStore
	path string
}

// storeData is the JSON structure for the store file.
type storeData struct {
	Version   int           `json:"version"`
	UpdatedAt string        `json:"updated_at"`
	Users     []User        `json:"users"`
	Requests  []HelpRequest `json:"requests"`
}

const currentVersion = 1

// NewJSONStore opens the store at path. If the file doesn't exist, it will be
// created on first save.
func NewJSONStore(path string) (*JSONStore, error) {
	store := &JSONStore{
		MemoryStore: NewMemoryStore(),
		path:        path,
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := store.load(); err != nil {
			return nil, fmt.Errorf("failed to load store: %w", err)
		}
	}

	store.MemoryStore.persist = store.save
	return store, nil
}

// Path returns the backing file.
func (s *JSONStore) Path() string {
	return s.path
}

func (s *JSONStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var stored storeData
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	if stored.Version > currentVersion {
		return fmt.Errorf("unsupported store version %d", stored.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range stored.Users {
		s.users[u.ID] = u
	}
	for _, r := range stored.Requests {
		s.requests[r.ID] = r
	}
	return nil
}

// save runs with the MemoryStore write lock held.
func (s *JSONStore) save() error {
	stored := storeData{
		Version:   currentVersion,
		UpdatedAt: time.Now().Format(time.RFC3339),
		Users:     make([]User, 0, len(s.users)),
		Requests:  make([]HelpRequest, 0, len(s.requests)),
	}
	for _, u := range s.users {
		stored.Users = append(stored.Users, u)
	}
	for _, r := range s.requests {
		stored.Requests = append(stored.Requests, r)
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	// Write to temp file first, then rename (atomic write)
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
