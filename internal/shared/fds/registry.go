package fds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Entry describes a file the master opened before spawning workers. Every
// worker reopens it with the same flags and seeks to the same offset.
type Entry struct {
	Path   string
	Flag   int
	Perm   os.FileMode
	Offset int64
}

// Registry is the process-wide table of descriptors that must be reopened
// identically in every child process.
type Registry struct {
	mu      sync.Mutex
	entries []Entry
	index   map[string]int
}

func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// FromEntries rebuilds a registry on the worker side.
func FromEntries(entries []Entry) *Registry {
	r := NewRegistry()
	for _, e := range entries {
		r.index[e.Path] = len(r.entries)
		r.entries = append(r.entries, e)
	}
	return r
}

// Register records path with the flags it must be reopened with. Registering
// the same path twice replaces the earlier entry.
func (r *Registry) Register(path string, flag int, perm os.FileMode) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	r.put(Entry{Path: abs, Flag: flag, Perm: perm})
	return nil
}

// Track registers an already open file together with its current offset.
func (r *Registry) Track(f *os.File, flag int, perm os.FileMode) error {
	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("failed to read offset of %s: %w", f.Name(), err)
	}
	abs, err := filepath.Abs(f.Name())
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", f.Name(), err)
	}
	r.put(Entry{Path: abs, Flag: flag, Perm: perm, Offset: offset})
	return nil
}

func (r *Registry) put(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.index[e.Path]; ok {
		r.entries[i] = e
		return
	}
	r.index[e.Path] = len(r.entries)
	r.entries = append(r.entries, e)
}

func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Reopen opens every registered file in registration order. Truncating and
// exclusive-create flags are dropped: the master already created the file and
// a worker must never clobber it.
func (r *Registry) Reopen() ([]*os.File, error) {
	entries := r.Entries()
	files := make([]*os.File, 0, len(entries))
	for _, e := range entries {
		f, err := reopen(e)
		if err != nil {
			for _, opened := range files {
				opened.Close()
			}
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func reopen(e Entry) (*os.File, error) {
	flag := e.Flag &^ (os.O_TRUNC | os.O_EXCL)
	f, err := os.OpenFile(e.Path, flag, e.Perm)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen %s: %w", e.Path, err)
	}
	if e.Offset > 0 && flag&os.O_APPEND == 0 {
		if _, err := f.Seek(e.Offset, io.SeekStart); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to seek %s to %d: %w", e.Path, e.Offset, err), f.Close())
		}
	}
	return f, nil
}
