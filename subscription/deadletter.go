package subscription

import (
	"sort"
	"sync"
	"time"
)

// DeadLetter is a delivery that exhausted its retries.
type DeadLetter struct {
	URL       string    `json:"url"`
	Payload   []byte    `json:"payload"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// DeadLetterStore is an in-memory store of failed deliveries, newest
// first.
type DeadLetterStore struct {
	mu      sync.RWMutex
	entries []*DeadLetter
	max     int
}

// NewDeadLetterStore creates an empty store bounded to 1000 entries.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{max: 1000}
}

// Add records a failed delivery, evicting the oldest entry when full.
func (s *DeadLetterStore) Add(d *DeadLetter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, d)
	if len(s.entries) > s.max {
		s.entries = s.entries[len(s.entries)-s.max:]
	}
}

// List returns all dead letters, newest first.
func (s *DeadLetterStore) List() []*DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*DeadLetter, len(s.entries))
	copy(out, s.entries)
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	return out
}

// Len returns the number of dead letters.
func (s *DeadLetterStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
