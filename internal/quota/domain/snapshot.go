package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Snapshot is the cached outcome of a replay: the chunks alive at At with
// their remains after every usage up to At.
type Snapshot struct {
	UserID snowflake.ID `json:"user_id"`
	At     time.Time    `json:"at"`
	Chunks []Chunk      `json:"chunks"`
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{UserID: s.UserID, At: s.At, Chunks: make([]Chunk, len(s.Chunks))}
	copy(out.Chunks, s.Chunks)
	return out
}

// Apply overlays the cached chunks onto a freshly generated stream. Fresh
// chunks are paired with cached ones by position; any structural mismatch
// makes the returned iterator fail with ErrInconsistentQuotaCache.
func (s *Snapshot) Apply(fresh Iterator) Iterator {
	return &applyIterator{snapshot: s, fresh: fresh}
}

type applyIterator struct {
	snapshot *Snapshot
	fresh    Iterator
	pos      int
	checked  bool
	err      error
}

func (it *applyIterator) Next() (*Chunk, bool) {
	if it.err != nil {
		return nil, false
	}

	fresh, ok := it.fresh.Next()
	if !ok {
		if err := it.fresh.Err(); err != nil {
			it.err = err
			return nil, false
		}
		if it.pos < len(it.snapshot.Chunks) {
			it.err = ErrInconsistentQuotaCache
		}
		return nil, false
	}

	if it.pos < len(it.snapshot.Chunks) {
		cached := it.snapshot.Chunks[it.pos]
		it.pos++
		if !cached.SameLifetime(*fresh) || cached.ResourceID != fresh.ResourceID {
			it.err = ErrInconsistentQuotaCache
			return nil, false
		}
		return cached.Clone(), true
	}

	// Every chunk alive at the snapshot instant must have been cached.
	if !it.checked {
		it.checked = true
		if fresh.Includes(it.snapshot.At) {
			it.err = ErrInconsistentQuotaCache
			return nil, false
		}
	}
	return fresh, true
}

func (it *applyIterator) Err() error { return it.err }
