package chunk

import (
	"container/heap"

	quotadomain "github.com/smallbiznis/allowance/internal/quota/domain"
)

// Merge combines ascending inputs into one stream ordered by (start, end).
// Equal keys keep input order. An input that goes backwards fails the merged
// stream with ErrNonMonotonicSequence.
func Merge(inputs ...quotadomain.Iterator) quotadomain.Iterator {
	return &mergeIterator{inputs: inputs}
}

type mergeIterator struct {
	inputs []quotadomain.Iterator
	heads  headHeap
	primed bool
	err    error
}

type head struct {
	chunk *quotadomain.Chunk
	input int
}

type headHeap []head

func (h headHeap) Len() int { return len(h) }

func (h headHeap) Less(i, j int) bool {
	a, b := h[i].chunk, h[j].chunk
	if a.Less(*b) {
		return true
	}
	if b.Less(*a) {
		return false
	}
	return h[i].input < h[j].input
}

func (h headHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *headHeap) Push(x any) { *h = append(*h, x.(head)) }

func (h *headHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// advance reads the next chunk of input; nil means the input is exhausted.
func (m *mergeIterator) advance(input int) (*quotadomain.Chunk, bool) {
	c, ok := m.inputs[input].Next()
	if !ok {
		if err := m.inputs[input].Err(); err != nil {
			m.err = err
			return nil, false
		}
		return nil, true
	}
	return c, true
}

func (m *mergeIterator) Next() (*quotadomain.Chunk, bool) {
	if m.err != nil {
		return nil, false
	}
	if !m.primed {
		m.primed = true
		m.heads = make(headHeap, 0, len(m.inputs))
		for i := range m.inputs {
			c, ok := m.advance(i)
			if !ok {
				return nil, false
			}
			if c != nil {
				heap.Push(&m.heads, head{chunk: c, input: i})
			}
		}
	}
	if m.heads.Len() == 0 {
		return nil, false
	}

	top := heap.Pop(&m.heads).(head)
	next, ok := m.advance(top.input)
	if !ok {
		return nil, false
	}
	if next != nil {
		if next.Less(*top.chunk) {
			m.err = quotadomain.ErrNonMonotonicSequence
			return nil, false
		}
		heap.Push(&m.heads, head{chunk: next, input: top.input})
	}
	return top.chunk, true
}

func (m *mergeIterator) Err() error { return m.err }
