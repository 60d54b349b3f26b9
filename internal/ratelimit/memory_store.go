package ratelimit

import (
	"context"
	"sync"
	"time"
)

const sweepEvery = 1024

// MemoryStore keeps history in process. It suits a single instance only.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	hits    int
}

type memoryEntry struct {
	hits         []time.Time
	blockedUntil time.Time
	reason       string
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) Blocked(_ context.Context, key string, now time.Time) (time.Duration, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || !now.Before(entry.blockedUntil) {
		return 0, "", nil
	}
	return entry.blockedUntil.Sub(now), entry.reason, nil
}

func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hits++
	if s.hits%sweepEvery == 0 {
		s.sweepLocked(now)
	}

	entry, ok := s.entries[key]
	if !ok {
		entry = &memoryEntry{}
		s.entries[key] = entry
	}
	entry.hits = append(evict(entry.hits, now.Add(-hourWindow)), now)

	minuteStart := now.Add(-minuteWindow)
	var minute int64
	for _, ts := range entry.hits {
		if ts.After(minuteStart) {
			minute++
		}
	}
	return minute, int64(len(entry.hits)), nil
}

func (s *MemoryStore) Block(_ context.Context, key, reason string, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		entry = &memoryEntry{}
		s.entries[key] = entry
	}
	entry.blockedUntil = now.Add(ttl)
	entry.reason = reason
	return nil
}

// sweepLocked drops keys with no recent hits and no active block.
func (s *MemoryStore) sweepLocked(now time.Time) {
	cutoff := now.Add(-hourWindow)
	for key, entry := range s.entries {
		entry.hits = evict(entry.hits, cutoff)
		if len(entry.hits) == 0 && !now.Before(entry.blockedUntil) {
			delete(s.entries, key)
		}
	}
}

// evict drops timestamps at or before cutoff. hits is kept in arrival order.
func evict(hits []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(hits) && !hits[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return hits
	}
	return append(hits[:0], hits[idx:]...)
}
