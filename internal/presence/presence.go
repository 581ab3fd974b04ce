// Package presence tracks which clients and subsystems are visible right
// now. Every mutation bumps a state version that rides on presence events
// so clients can detect stale snapshots.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Record is one presence entry, keyed by Key.
type Record struct {
	Key         string `json:"key"`
	Kind        string `json:"kind"` // "client", "system"
	DisplayName string `json:"displayName,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Version     string `json:"version,omitempty"`
	Connected   bool   `json:"connected"`
	LastSeenMs  int64  `json:"lastSeenMs"`
	Reason      string `json:"reason,omitempty"`
}

// ClientKey builds the presence key for a connected client instance.
func ClientKey(clientID, instanceID string) string {
	if instanceID == "" {
		return "client:" + clientID
	}
	return "client:" + clientID + ":" + instanceID
}

// Store is a versioned in-memory presence map.
type Store struct {
	mu      sync.RWMutex
	records map[string]Record
	version int64
	now     func() time.Time
	onBump  func(version int64, rec Record)
}

// New creates an empty store. onBump, when non-nil, is invoked after every
// mutation with the new state version; the gateway uses it to broadcast
// presence events.
func New(onBump func(version int64, rec Record)) *Store {
	return &Store{
		records: make(map[string]Record),
		now:     time.Now,
		onBump:  onBump,
	}
}

// Upsert inserts or replaces a record, stamping LastSeenMs, and bumps the
// state version.
func (s *Store) Upsert(rec Record) int64 {
	s.mu.Lock()
	rec.LastSeenMs = s.now().UnixMilli()
	s.records[rec.Key] = rec
	s.version++
	version := s.version
	onBump := s.onBump
	s.mu.Unlock()

	if onBump != nil {
		onBump(version, rec)
	}
	return version
}

// MarkDisconnected flips a record to disconnected without removing it, so
// clients can show "last seen" state. Unknown keys are ignored.
func (s *Store) MarkDisconnected(key, reason string) (int64, bool) {
	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		s.mu.Unlock()
		return 0, false
	}
	rec.Connected = false
	rec.Reason = reason
	rec.LastSeenMs = s.now().UnixMilli()
	s.records[key] = rec
	s.version++
	version := s.version
	onBump := s.onBump
	s.mu.Unlock()

	if onBump != nil {
		onBump(version, rec)
	}
	return version, true
}

// Snapshot returns all records sorted by key plus the current version.
func (s *Store) Snapshot() ([]Record, int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, s.version
}

// Version returns the current state version.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
