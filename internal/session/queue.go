package session

import (
	"container/heap"
	"time"

	"marketd/internal/domain"
)

// BarQueue merges the per-stream bar sequences of a backtest into one
// time-ordered feed. Each stream contributes a cursor over its preloaded
// bars; the heap always exposes the earliest pending bar, tie-broken by
// symbol for determinism.
//
// The queue is not safe for concurrent use; only the coordinator goroutine
// touches it.
type BarQueue struct {
	cursors cursorHeap
}

// QueuedBar is one bar popped from the merged feed together with the stream
// it belongs to.
type QueuedBar struct {
	Key StreamKey
	Bar domain.Bar
}

type barCursor struct {
	key  StreamKey
	bars []domain.Bar
	idx  int
}

func (c *barCursor) current() domain.Bar { return c.bars[c.idx] }

type cursorHeap []*barCursor

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	ti, tj := h[i].current().Timestamp, h[j].current().Timestamp
	if !ti.Equal(tj) {
		return ti.Before(tj)
	}
	if h[i].key.Symbol != h[j].key.Symbol {
		return h[i].key.Symbol < h[j].key.Symbol
	}
	return h[i].key.Interval.Seconds() < h[j].key.Interval.Seconds()
}
func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(*barCursor)) }
func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// NewBarQueue creates an empty queue.
func NewBarQueue() *BarQueue {
	return &BarQueue{}
}

// AddStream feeds a stream's bars into the merge. Empty streams are ignored.
// Bars must already be sorted by timestamp.
func (q *BarQueue) AddStream(key StreamKey, bars []domain.Bar) {
	if len(bars) == 0 {
		return
	}
	heap.Push(&q.cursors, &barCursor{key: key, bars: bars})
}

// RemoveSymbol drops every stream belonging to a symbol. Used to roll back
// a failed mid-session addition.
func (q *BarQueue) RemoveSymbol(symbol string) {
	kept := q.cursors[:0]
	for _, c := range q.cursors {
		if c.key.Symbol != symbol {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(q.cursors); i++ {
		q.cursors[i] = nil
	}
	q.cursors = kept
	heap.Init(&q.cursors)
}

// Len returns the number of bars remaining across all streams.
func (q *BarQueue) Len() int {
	n := 0
	for _, c := range q.cursors {
		n += len(c.bars) - c.idx
	}
	return n
}

// Peek returns the earliest pending bar without consuming it.
func (q *BarQueue) Peek() (QueuedBar, bool) {
	if len(q.cursors) == 0 {
		return QueuedBar{}, false
	}
	c := q.cursors[0]
	return QueuedBar{Key: c.key, Bar: c.current()}, true
}

// Pop consumes and returns the earliest pending bar.
func (q *BarQueue) Pop() (QueuedBar, bool) {
	if len(q.cursors) == 0 {
		return QueuedBar{}, false
	}
	c := q.cursors[0]
	out := QueuedBar{Key: c.key, Bar: c.current()}
	c.idx++
	if c.idx >= len(c.bars) {
		heap.Pop(&q.cursors)
	} else {
		heap.Fix(&q.cursors, 0)
	}
	return out, true
}

// PopBefore consumes every bar stamped strictly before t, in order.
func (q *BarQueue) PopBefore(t time.Time) []QueuedBar {
	var out []QueuedBar
	for {
		next, ok := q.Peek()
		if !ok || !next.Bar.Timestamp.Before(t) {
			return out
		}
		q.Pop()
		out = append(out, next)
	}
}
