// Package lock serializes usage writes per user.
package lock

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allowance/internal/config"
	quotadomain "github.com/smallbiznis/allowance/internal/quota/domain"
	"gorm.io/gorm"
)

// releaseFunc is a lease that holds until released.
type releaseFunc func()

func (releaseFunc) Valid(context.Context) error { return nil }

func (f releaseFunc) Release() { f() }

// LocalLocker is a keyed mutex for single-process deployments.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[snowflake.ID]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[snowflake.ID]*slot)}
}

func (l *LocalLocker) Backend() string { return config.LockBackendLocal }

func (l *LocalLocker) Acquire(ctx context.Context, _ *gorm.DB, userID snowflake.ID) (quotadomain.Lease, error) {
	l.mu.Lock()
	s, ok := l.slots[userID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[userID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(userID, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return releaseFunc(func() {
		once.Do(func() {
			<-s.ch
			l.unref(userID, s)
		})
	}), nil
}

func (l *LocalLocker) unref(userID snowflake.ID, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, userID)
	}
}
