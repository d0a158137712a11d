package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrExists is returned by Create when a segment with the same name is
// already present on the host.
var ErrExists = errors.New("shared memory segment already exists")

const shmDir = "/dev/shm"

// segment is a named file mapped MAP_SHARED into this process.
type segment struct {
	name string
	path string
	mem  []byte
}

// Dir is where segments live: /dev/shm when available, the OS temp
// directory otherwise.
func Dir() string {
	if fi, err := os.Stat(shmDir); err == nil && fi.IsDir() {
		return shmDir
	}
	return os.TempDir()
}

func segmentPath(name string) string {
	return filepath.Join(Dir(), name)
}

func createSegment(name string, size int) (*segment, error) {
	path := segmentPath(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, name)
		}
		return nil, fmt.Errorf("failed to create segment %s: %w", name, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to size segment %s: %w", name, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to map segment %s: %w", name, err)
	}
	return &segment{name: name, path: path, mem: mem}, nil
}

// openSegment maps an existing segment. It returns errNotReady while the
// creator has not sized the file yet.
func openSegment(name string) (*segment, error) {
	path := segmentPath(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errNotReady
		}
		return nil, fmt.Errorf("failed to open segment %s: %w", name, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat segment %s: %w", name, err)
	}
	if fi.Size() < int64(headerSize) {
		return nil, errNotReady
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map segment %s: %w", name, err)
	}
	return &segment{name: name, path: path, mem: mem}, nil
}

func (s *segment) unmap() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}

func (s *segment) unlink() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to unlink segment %s: %w", s.name, err)
	}
	return nil
}
