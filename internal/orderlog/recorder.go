// Package orderlog keeps track of which worker processed which event, so a
// later run can reproduce the same assignment.
package orderlog

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Entry is one processed event and the wall-clock time it was delivered.
type Entry struct {
	Nanos int64
	Index int64
}

// Recorder accumulates a worker's entries in delivery order.
type Recorder struct {
	entries []Entry
	now     func() time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

func (r *Recorder) Record(index int64) {
	r.entries = append(r.entries, Entry{Nanos: r.now().UnixNano(), Index: index})
}

func (r *Recorder) Len() int {
	return len(r.entries)
}

func (r *Recorder) Entries() []Entry {
	return r.entries
}

// WriteFile stores the partial log as "nanos index" lines.
func (r *Recorder) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create order log: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, e := range r.entries {
		fmt.Fprintf(w, "%d %d\n", e.Nanos, e.Index)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write order log: %w", err)
	}
	return f.Close()
}

// ReadPartial loads a log written by Recorder.WriteFile.
func ReadPartial(path string) ([]Entry, error) {
	var entries []Entry
	err := scanPairs(path, func(a, b int64) {
		entries = append(entries, Entry{Nanos: a, Index: b})
	})
	return entries, err
}

// scanPairs calls fn for every "a b" line of path. Blank lines are skipped.
func scanPairs(path string, fn func(a, b int64)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return fmt.Errorf("%s:%d: want 2 fields, got %d", path, line, len(fields))
		}
		a, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
		b, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
		fn(a, b)
	}
	return scanner.Err()
}
