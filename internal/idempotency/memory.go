package idempotency

import (
	"context"
	"sync"
	"time"

	"billingsync/internal/types"
)

type memoryEntry struct {
	processed bool
	expiresAt time.Time
}

// MemoryStore is a process-local Claimer. Expired records are dropped lazily
// when they are next read.
type MemoryStore struct {
	mu      sync.Mutex
	clock   types.Clock
	entries map[string]memoryEntry
}

var _ Claimer = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store. A nil clock uses the system clock.
func NewMemoryStore(clock types.Clock) *MemoryStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemoryStore{
		clock:   clock,
		entries: make(map[string]memoryEntry),
	}
}

// lookup returns the live entry for id. Caller holds mu.
func (s *MemoryStore) lookup(id string, now time.Time) (memoryEntry, bool) {
	e, ok := s.entries[id]
	if !ok {
		return memoryEntry{}, false
	}
	if !now.Before(e.expiresAt) {
		delete(s.entries, id)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Has(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(eventID, s.clock.Now())
	return ok && e.processed, nil
}

func (s *MemoryStore) Add(_ context.Context, eventID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[eventID] = memoryEntry{
		processed: true,
		expiresAt: s.clock.Now().Add(EffectiveTTL(ttl)),
	}
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, eventID string, inFlightTTL time.Duration) (ClaimState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if e, ok := s.lookup(eventID, now); ok {
		if e.processed {
			return ClaimProcessed, nil
		}
		return ClaimInFlight, nil
	}

	s.entries[eventID] = memoryEntry{expiresAt: now.Add(effectiveInFlightTTL(inFlightTTL))}
	return ClaimAcquired, nil
}

// Release removes an in-flight claim. Processed records are kept.
func (s *MemoryStore) Release(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[eventID]; ok && !e.processed {
		delete(s.entries, eventID)
	}
	return nil
}

// Len returns the number of stored records, including expired ones that have
// not been read since expiry.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
