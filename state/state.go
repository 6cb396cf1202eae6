// Package state tracks polling progress: the newest timestamp seen per
// subscriber and a bounded set of message keys already dispatched.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"sakamichi-relay/storage"
)

const (
	lastSeenKey   = "last-seen.json"
	dispatchedKey = "dispatched-ids.json"

	// DefaultCapacity bounds the dedup set.
	DefaultCapacity = 1000

	// StaleAfter is the age beyond which a message is never dispatched.
	StaleAfter = 24 * time.Hour
)

// Blobs is the persistence the store writes through to.
type Blobs interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
}

// Store holds PollState in memory and persists it on every change.
// It is owned by the scheduler loop and is not safe for concurrent use.
type Store struct {
	blobs      Blobs
	logger     *slog.Logger
	lastSeen   map[string]time.Time
	index      map[string]struct{}
	dispatched []string // FIFO, oldest first
	capacity   int
}

// New creates an empty store. Call Load to restore persisted progress.
func New(blobs Blobs, capacity int, logger *slog.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		blobs:    blobs,
		logger:   logger,
		lastSeen: make(map[string]time.Time),
		index:    make(map[string]struct{}),
		capacity: capacity,
	}
}

// Load restores both records. Missing records mean a fresh start.
func (s *Store) Load(ctx context.Context) error {
	data, err := s.blobs.Load(ctx, lastSeenKey)
	switch {
	case storage.IsNotFound(err):
		s.logger.Info("No last-seen record, starting fresh")
	case err != nil:
		return fmt.Errorf("load last seen: %w", err)
	default:
		lastSeen := make(map[string]time.Time)
		if err := json.Unmarshal(data, &lastSeen); err != nil {
			return fmt.Errorf("unmarshal last seen: %w", err)
		}
		s.lastSeen = lastSeen
	}

	data, err = s.blobs.Load(ctx, dispatchedKey)
	switch {
	case storage.IsNotFound(err):
		s.logger.Info("No dispatched-ids record, starting fresh")
	case err != nil:
		return fmt.Errorf("load dispatched ids: %w", err)
	default:
		var keys []string
		if err := json.Unmarshal(data, &keys); err != nil {
			return fmt.Errorf("unmarshal dispatched ids: %w", err)
		}
		s.dispatched = nil
		s.index = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			s.insert(k)
		}
	}

	s.logger.Info("Poll state loaded", "subscribers", len(s.lastSeen), "dispatched_ids", len(s.dispatched))
	return nil
}

// LastSeen returns the newest timestamp recorded for the subscriber.
func (s *Store) LastSeen(subscriberID string) (time.Time, bool) {
	ts, ok := s.lastSeen[subscriberID]
	return ts, ok
}

// IsDispatched reports whether the message key is in the dedup set.
func (s *Store) IsDispatched(key string) bool {
	_, ok := s.index[key]
	return ok
}

// Seed records the newest timestamp of a subscriber seen for the first time,
// without marking anything as dispatched.
func (s *Store) Seed(ctx context.Context, subscriberID string, ts time.Time) error {
	s.lastSeen[subscriberID] = ts
	return s.saveLastSeen(ctx)
}

// RecordProgress advances lastSeen (never backwards), inserts the message key
// into the dedup set and persists both before returning.
func (s *Store) RecordProgress(ctx context.Context, subscriberID string, ts time.Time, key string) error {
	if prev, ok := s.lastSeen[subscriberID]; !ok || ts.After(prev) {
		s.lastSeen[subscriberID] = ts
	}
	s.insert(key)

	if err := s.saveDispatched(ctx); err != nil {
		return err
	}
	return s.saveLastSeen(ctx)
}

// Len returns the size of the dedup set.
func (s *Store) Len() int {
	return len(s.dispatched)
}

func (s *Store) insert(key string) {
	if _, ok := s.index[key]; ok {
		return
	}
	s.dispatched = append(s.dispatched, key)
	s.index[key] = struct{}{}
	for len(s.dispatched) > s.capacity {
		evicted := s.dispatched[0]
		s.dispatched = s.dispatched[1:]
		delete(s.index, evicted)
	}
}

func (s *Store) saveLastSeen(ctx context.Context) error {
	data, err := json.MarshalIndent(s.lastSeen, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal last seen: %w", err)
	}
	if err := s.blobs.Save(ctx, lastSeenKey, data); err != nil {
		return fmt.Errorf("save last seen: %w", err)
	}
	return nil
}

func (s *Store) saveDispatched(ctx context.Context) error {
	data, err := json.MarshalIndent(s.dispatched, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dispatched ids: %w", err)
	}
	if err := s.blobs.Save(ctx, dispatchedKey, data); err != nil {
		return fmt.Errorf("save dispatched ids: %w", err)
	}
	return nil
}

// IsStale reports whether a message published at ts is too old to relay.
func IsStale(ts, now time.Time) bool {
	return now.Sub(ts) > StaleAfter
}
