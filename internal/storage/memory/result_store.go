// Package memory stores cache entries in-memory for tests and ephemeral runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/JakeFAU/pageaudit/internal/audit"
)

// ResultStore keeps encoded entries in a map so callers never share memory
// with stored values.
type ResultStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewResultStore creates an empty in-memory result store.
func NewResultStore() *ResultStore {
	return &ResultStore{data: make(map[string][]byte)}
}

// Put stores the entry under the content address of its URL.
func (s *ResultStore) Put(_ context.Context, entry audit.Entry) (string, error) {
	if strings.TrimSpace(entry.URL) == "" {
		return "", fmt.Errorf("entry url is required")
	}
	entry.ID = audit.ID(entry.URL)
	encoded, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	s.mu.Lock()
	s.data[entry.ID] = encoded
	s.mu.Unlock()
	return entry.ID, nil
}

// Get returns the entry for the lookup or audit.ErrNotFound.
func (s *ResultStore) Get(_ context.Context, lookup audit.Lookup) (audit.Entry, error) {
	id, err := lookup.Key()
	if err != nil {
		return audit.Entry{}, err
	}
	s.mu.RLock()
	encoded, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return audit.Entry{}, fmt.Errorf("%w: %s", audit.ErrNotFound, id)
	}
	var entry audit.Entry
	if err := json.Unmarshal(encoded, &entry); err != nil {
		return audit.Entry{}, fmt.Errorf("decode entry %s: %w", id, err)
	}
	return entry, nil
}

// Exists reports whether an entry is stored for id.
func (s *ResultStore) Exists(_ context.Context, id string) (bool, error) {
	if err := audit.ValidateID(id); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[id]
	return ok, nil
}

// Reset drops every stored entry.
func (s *ResultStore) Reset(context.Context) error {
	s.mu.Lock()
	s.data = make(map[string][]byte)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored entries.
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
