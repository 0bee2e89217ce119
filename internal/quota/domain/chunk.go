// Package domain contains the quota accounting types: chunks of allowance,
// the per-user snapshot cache and the reservation contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Chunk is an allowance window: Remains units of a resource usable within
// [Start, End).
type Chunk struct {
	ResourceID snowflake.ID `json:"resource_id"`
	Resource   string       `json:"resource"`
	Start      time.Time    `json:"start"`
	End        time.Time    `json:"end"`
	Remains    int64        `json:"remains"`
}

// Includes reports whether t falls within the chunk's lifetime.
func (c Chunk) Includes(t time.Time) bool {
	return !t.Before(c.Start) && t.Before(c.End)
}

// SameLifetime reports whether both chunks span the same window.
func (c Chunk) SameLifetime(o Chunk) bool {
	return c.Start.Equal(o.Start) && c.End.Equal(o.End)
}

func (c Chunk) Clone() *Chunk {
	return &c
}

// Less orders chunks by start, then end.
func (c Chunk) Less(o Chunk) bool {
	if !c.Start.Equal(o.Start) {
		return c.Start.Before(o.Start)
	}
	return c.End.Before(o.End)
}

// Iterator is a forward-only chunk cursor. Once Next returns false, Err
// reports why.
type Iterator interface {
	Next() (*Chunk, bool)
	Err() error
}

// SliceIterator yields chunks from a slice.
type SliceIterator struct {
	chunks []Chunk
	pos    int
}

func NewSliceIterator(chunks []Chunk) *SliceIterator {
	return &SliceIterator{chunks: chunks}
}

func (it *SliceIterator) Next() (*Chunk, bool) {
	if it.pos >= len(it.chunks) {
		return nil, false
	}
	c := it.chunks[it.pos].Clone()
	it.pos++
	return c, true
}

func (it *SliceIterator) Err() error { return nil }

// Collect drains it.
func Collect(it Iterator) ([]Chunk, error) {
	var out []Chunk
	for {
		c, ok := it.Next()
		if !ok {
			return out, it.Err()
		}
		out = append(out, *c)
	}
}
