package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allowance/internal/config"
	quotadomain "github.com/smallbiznis/allowance/internal/quota/domain"
	"github.com/smallbiznis/allowance/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func acquireWithin(t *testing.T, l quotadomain.Locker, db *gorm.DB, userID snowflake.ID, d time.Duration) (quotadomain.Lease, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return l.Acquire(ctx, db, userID)
}

func TestLocalLockerExcludesSameUser(t *testing.T) {
	l := NewLocalLocker()

	lease, err := acquireWithin(t, l, nil, 1, time.Second)
	require.NoError(t, err)

	_, err = acquireWithin(t, l, nil, 1, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := acquireWithin(t, l, nil, 2, 20*time.Millisecond)
	require.NoError(t, err)
	other.Release()

	lease.Release()
	lease.Release()

	again, err := acquireWithin(t, l, nil, 1, time.Second)
	require.NoError(t, err)
	again.Release()

	l.mu.Lock()
	assert.Empty(t, l.slots)
	l.mu.Unlock()
}

func TestLocalLockerSerializes(t *testing.T) {
	l := NewLocalLocker()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := l.Acquire(context.Background(), nil, 9)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			lease.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestAdvisoryLockerFallsBackOffPostgres(t *testing.T) {
	db := testutil.OpenDB(t)
	l := NewAdvisoryLocker()
	assert.Equal(t, config.LockBackendAdvisory, l.Backend())

	lease, err := acquireWithin(t, l, db, 5, time.Second)
	require.NoError(t, err)
	_, err = acquireWithin(t, l, db, 5, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	lease.Release()

	lease, err = acquireWithin(t, l, db, 5, time.Second)
	require.NoError(t, err)
	lease.Release()
}

func TestNewLocker(t *testing.T) {
	tests := []struct {
		backend string
		want    string
		wantErr bool
	}{
		{"", config.LockBackendAdvisory, false},
		{config.LockBackendAdvisory, config.LockBackendAdvisory, false},
		{config.LockBackendLocal, config.LockBackendLocal, false},
		{config.LockBackendRedis, config.LockBackendRedis, false},
		{"zookeeper", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := config.Config{}
			cfg.Lock.Backend = tt.backend
			locker, err := NewLocker(LockerParam{Config: cfg, Log: zap.NewNop()})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, locker.Backend())
		})
	}
}
