package relay

import (
	"sync"
	"time"

	"github.com/memohai/dingtalk-bridge/internal/channel"
)

type pendingReplier struct {
	replier   channel.Replier
	expiresAt time.Time
}

// ReplierStore remembers the Replier of each relayed message until its TTL
// runs out. A message may receive several replies, so lookups do not remove.
type ReplierStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]pendingReplier
}

// NewReplierStore creates a store whose entries live for ttl.
func NewReplierStore(ttl time.Duration) *ReplierStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ReplierStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]pendingReplier),
	}
}

// Put stores replier under id, replacing any previous entry.
func (s *ReplierStore) Put(id string, replier channel.Replier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = pendingReplier{replier: replier, expiresAt: s.now().Add(s.ttl)}
}

// Get returns the live replier stored under id.
func (s *ReplierStore) Get(id string) (channel.Replier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.entries, id)
		return nil, false
	}
	return entry.replier, true
}

// Sweep drops expired entries and returns how many were removed.
func (s *ReplierStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (s *ReplierStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
