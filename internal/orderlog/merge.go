package orderlog

import (
	"bufio"
	"container/heap"
	"fmt"
	"os"
)

// Assignment records that the worker with Rank processed event Index.
type Assignment struct {
	Rank  int
	Index int64
}

// Merge interleaves every rank's partial log into one canonical order file
// and returns the number of assignments written.
func Merge(out string, partials map[int]string) (int, error) {
	logs := make(map[int][]Entry, len(partials))
	for rank, path := range partials {
		entries, err := ReadPartial(path)
		if err != nil {
			return 0, fmt.Errorf("failed to read partial order log of rank %d: %w", rank, err)
		}
		logs[rank] = entries
	}

	merged := MergeEntries(logs)
	if err := WriteAssignments(out, merged); err != nil {
		return 0, err
	}
	return len(merged), nil
}

// MergeEntries orders entries by wall-clock time, breaking ties by rank. Each
// rank's own order is kept even if its clock went backwards, since only the
// head of each rank's log is ever in the heap.
func MergeEntries(logs map[int][]Entry) []Assignment {
	total := 0
	h := make(cursorHeap, 0, len(logs))
	for rank, entries := range logs {
		total += len(entries)
		if len(entries) > 0 {
			h = append(h, &cursor{rank: rank, entries: entries})
		}
	}
	heap.Init(&h)

	merged := make([]Assignment, 0, total)
	for h.Len() > 0 {
		c := h[0]
		merged = append(merged, Assignment{Rank: c.rank, Index: c.entries[c.pos].Index})
		c.pos++
		if c.pos == len(c.entries) {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}
	return merged
}

// WriteAssignments stores assignments as "rank index" lines.
func WriteAssignments(path string, assignments []Assignment) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create order file: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, a := range assignments {
		fmt.Fprintf(w, "%d %d\n", a.Rank, a.Index)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write order file: %w", err)
	}
	return f.Close()
}

// cursor is the read position inside one rank's log.
type cursor struct {
	rank    int
	entries []Entry
	pos     int
	index   int // Required by heap.Interface
}

func (c *cursor) head() Entry {
	return c.entries[c.pos]
}

// cursorHeap satisfies heap.Interface.
type cursorHeap []*cursor

func (h cursorHeap) Len() int {
	return len(h)
}

func (h cursorHeap) Less(i, j int) bool {
	a, b := h[i].head(), h[j].head()
	if a.Nanos != b.Nanos {
		return a.Nanos < b.Nanos
	}
	return h[i].rank < h[j].rank
}

func (h cursorHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *cursorHeap) Push(x any) {
	c := x.(*cursor)
	c.index = len(*h)
	*h = append(*h, c)
}

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.index = -1
	*h = old[0 : n-1]
	return c
}
