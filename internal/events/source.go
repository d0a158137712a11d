// Package events reads input events and writes processed records.
package events

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultBufferSize bounds the length of one event line.
const DefaultBufferSize = 1024 * 1024 // 1MB

var ErrOutOfRange = errors.New("event index out of range")

// Event is one input record, numbered across all input files.
type Event struct {
	Index int64
	Data  []byte
}

type location struct {
	file   int
	offset int64
	length int
}

// Source serves line-delimited events from a fixed list of files. A line
// index is built up front so any event can be reached directly.
type Source struct {
	files  []*os.File
	index  []location
	cursor int64
}

// OpenSource opens paths read-only and indexes them.
func OpenSource(paths []string) (*Source, error) {
	files := make([]*os.File, 0, len(paths))
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			closeAll(files)
			return nil, err
		}
		files = append(files, f)
	}

	src, err := NewSource(files)
	if err != nil {
		closeAll(files)
		return nil, err
	}
	return src, nil
}

// NewSource indexes already opened files. The source takes ownership of them.
func NewSource(files []*os.File) (*Source, error) {
	s := &Source{files: files}
	for i, f := range files {
		if err := s.indexFile(i, f); err != nil {
			return nil, fmt.Errorf("failed to index %s: %w", f.Name(), err)
		}
	}
	return s, nil
}

func (s *Source) indexFile(fileIdx int, f *os.File) error {
	r := bufio.NewReaderSize(io.NewSectionReader(f, 0, 1<<62), DefaultBufferSize)
	var offset int64
	for {
		line, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			return fmt.Errorf("line at offset %d exceeds %d bytes", offset, r.Size())
		}
		if len(line) > 0 {
			s.index = append(s.index, location{file: fileIdx, offset: offset, length: trimmedLen(line)})
			offset += int64(len(line))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func trimmedLen(line []byte) int {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
	}
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	return n
}

// Len is the total number of events.
func (s *Source) Len() int64 {
	return int64(len(s.index))
}

// Seek positions the source at event i.
func (s *Source) Seek(i int64) error {
	if i < 0 || i >= s.Len() {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, i, s.Len())
	}
	s.cursor = i
	return nil
}

// Next reads the event at the cursor and advances it.
func (s *Source) Next() (Event, error) {
	if s.cursor >= s.Len() {
		return Event{}, io.EOF
	}
	i := s.cursor
	loc := s.index[i]

	data := make([]byte, loc.length)
	if _, err := s.files[loc.file].ReadAt(data, loc.offset); err != nil {
		return Event{}, fmt.Errorf("failed to read event %d: %w", i, err)
	}
	s.cursor++
	return Event{Index: i, Data: data}, nil
}

// Read is Seek followed by Next.
func (s *Source) Read(i int64) (Event, error) {
	if err := s.Seek(i); err != nil {
		return Event{}, err
	}
	return s.Next()
}

func (s *Source) Close() error {
	var errs []error
	for _, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.files = nil
	return errors.Join(errs...)
}

func closeAll(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
