package dispatch

import (
	"context"
	"sort"
	"sync"
)

// ActiveSet is the in-process registry of running dispatches. Each entry maps
// a dispatch id to the cancel function of its run context, so the control
// plane can abort runs on this host and shutdown can watch for quiescence.
type ActiveSet struct {
	mu      sync.RWMutex
	entries map[string]context.CancelFunc
}

// NewActiveSet creates an empty registry.
func NewActiveSet() *ActiveSet {
	return &ActiveSet{entries: make(map[string]context.CancelFunc)}
}

// Register stores the cancel function for a claimed dispatch.
func (s *ActiveSet) Register(dispatchID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[dispatchID] = cancel
}

// Unregister removes a dispatch when its run exits.
func (s *ActiveSet) Unregister(dispatchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, dispatchID)
}

// Cancel aborts one run. Returns false when the dispatch is not running on
// this host.
func (s *ActiveSet) Cancel(dispatchID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cancel, ok := s.entries[dispatchID]; ok {
		cancel()
		return true
	}
	return false
}

// CancelAll aborts every run on this host and returns how many were signaled.
func (s *ActiveSet) CancelAll() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cancel := range s.entries {
		cancel()
	}
	return len(s.entries)
}

// Size reports the number of in-flight runs.
func (s *ActiveSet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// IDs lists the in-flight dispatch ids, sorted for stable logging.
func (s *ActiveSet) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
