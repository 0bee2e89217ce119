// Package cache holds the snapshot store backends.
package cache

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	quotadomain "github.com/smallbiznis/allowance/internal/quota/domain"
)

// MemoryStore keeps snapshots in process. Values are copied in and out so
// callers never share chunk slices with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[snowflake.ID]*quotadomain.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[snowflake.ID]*quotadomain.Snapshot)}
}

func (s *MemoryStore) Get(_ context.Context, userID snowflake.ID) (*quotadomain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots[userID].Clone(), nil
}

func (s *MemoryStore) Set(_ context.Context, snapshot *quotadomain.Snapshot) error {
	if snapshot == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.UserID] = snapshot.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID snowflake.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, userID)
	return nil
}

// NoopStore never holds a snapshot; every balance is a full replay.
type NoopStore struct{}

func (NoopStore) Get(context.Context, snowflake.ID) (*quotadomain.Snapshot, error) { return nil, nil }
func (NoopStore) Set(context.Context, *quotadomain.Snapshot) error               { return nil }
func (NoopStore) Delete(context.Context, snowflake.ID) error                     { return nil }
