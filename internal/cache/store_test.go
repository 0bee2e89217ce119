package cache

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	quotadomain "github.com/smallbiznis/allowance/internal/quota/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openSnapshotDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&SnapshotRecord{}))
	return db
}

func sampleSnapshot(userID snowflake.ID) *quotadomain.Snapshot {
	at := time.Date(2024, 2, 10, 12, 30, 0, 0, time.UTC)
	return &quotadomain.Snapshot{
		UserID: userID,
		At:     at,
		Chunks: []quotadomain.Chunk{
			{ResourceID: 11, Resource: "api", Start: at.AddDate(0, 0, -3), End: at.AddDate(0, 0, 4), Remains: 0},
			{ResourceID: 11, Resource: "api", Start: at.AddDate(0, 0, -1), End: at.AddDate(0, 0, 6), Remains: 35},
			{ResourceID: 12, Resource: "storage", Start: at.AddDate(0, -1, 0), End: at.AddDate(0, 1, 0), Remains: 1 << 40},
		},
	}
}

func assertSameSnapshot(t *testing.T, want, got *quotadomain.Snapshot) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.UserID, got.UserID)
	assert.True(t, want.At.Equal(got.At), "at %s != %s", got.At, want.At)
	require.Len(t, got.Chunks, len(want.Chunks))
	for i := range want.Chunks {
		w, g := want.Chunks[i], got.Chunks[i]
		assert.Equal(t, w.ResourceID, g.ResourceID)
		assert.Equal(t, w.Resource, g.Resource)
		assert.True(t, w.SameLifetime(g), "chunk %d lifetime [%s, %s)", i, g.Start, g.End)
		assert.Equal(t, w.Remains, g.Remains)
	}
}

func TestStores(t *testing.T) {
	for _, tc := range []struct {
		name  string
		store func(t *testing.T) quotadomain.SnapshotStore
	}{
		{"memory", func(*testing.T) quotadomain.SnapshotStore { return NewMemoryStore() }},
		{"database", func(t *testing.T) quotadomain.SnapshotStore { return NewDatabaseStore(openSnapshotDB(t)) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := tc.store(t)

			got, err := store.Get(ctx, 1)
			require.NoError(t, err)
			assert.Nil(t, got)

			want := sampleSnapshot(1)
			require.NoError(t, store.Set(ctx, want))
			got, err = store.Get(ctx, 1)
			require.NoError(t, err)
			assertSameSnapshot(t, want, got)

			other, err := store.Get(ctx, 2)
			require.NoError(t, err)
			assert.Nil(t, other)

			newer := &quotadomain.Snapshot{UserID: 1, At: want.At.Add(time.Hour)}
			require.NoError(t, store.Set(ctx, newer))
			got, err = store.Get(ctx, 1)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.At.Equal(newer.At))
			assert.Empty(t, got.Chunks)

			require.NoError(t, store.Delete(ctx, 1))
			got, err = store.Get(ctx, 1)
			require.NoError(t, err)
			assert.Nil(t, got)
			require.NoError(t, store.Delete(ctx, 1))

			require.NoError(t, store.Set(ctx, nil))
		})
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	snapshot := sampleSnapshot(7)
	require.NoError(t, store.Set(ctx, snapshot))

	snapshot.Chunks[1].Remains = 0
	got, err := store.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(35), got.Chunks[1].Remains)

	got.Chunks[1].Remains = 1
	again, err := store.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(35), again.Chunks[1].Remains)
}

func TestDatabaseStoreWithTx(t *testing.T) {
	ctx := context.Background()
	db := openSnapshotDB(t)
	store := NewDatabaseStore(db)

	err := db.Transaction(func(tx *gorm.DB) error {
		bound := store.WithTx(tx)
		if err := bound.Set(ctx, sampleSnapshot(3)); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	got, err := store.Get(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNoopStore(t *testing.T) {
	ctx := context.Background()
	var store quotadomain.SnapshotStore = NoopStore{}
	require.NoError(t, store.Set(ctx, sampleSnapshot(1)))
	got, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, store.Delete(ctx, 1))
}

func TestSnapshotEncoding(t *testing.T) {
	want := sampleSnapshot(snowflake.ID(1789456123456))
	raw, err := encodeSnapshot(want)
	require.NoError(t, err)

	got, err := decodeSnapshot(raw)
	require.NoError(t, err)
	assertSameSnapshot(t, want, got)

	_, err = decodeSnapshot([]byte("not snappy"))
	assert.Error(t, err)
}
