// Package memstore provides an in-memory implementation of analysis.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/argus/internal/analysis"
)

// Store holds orchestration records in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	records map[string]*analysis.Record // alert ID -> record
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{records: make(map[string]*analysis.Record)}
}

// Get retrieves the record for an alert. Returns a deep copy.
func (s *Store) Get(_ context.Context, alertID string) (*analysis.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[alertID]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// Save stores a deep copy of the record, replacing any previous one.
func (s *Store) Save(_ context.Context, r *analysis.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.AlertID] = r.Clone()
	return nil
}

// Delete removes the record for an alert. Missing records are not an error.
func (s *Store) Delete(_ context.Context, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, alertID)
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
