package events

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Sink writes newline-terminated records to one output file, optionally
// zstd-compressed.
type Sink struct {
	file  *os.File
	enc   *zstd.Encoder
	w     *bufio.Writer
	path  string
	count int64
}

// NewSink creates (or truncates) path. compression is "none" or "zstd".
func NewSink(path, compression string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create output %s: %w", path, err)
	}

	s := &Sink{file: f, path: path}
	var dst io.Writer = f
	switch compression {
	case "", "none":
	case "zstd":
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		s.enc = enc
		dst = enc
	default:
		_ = f.Close()
		return nil, fmt.Errorf("unknown compression %q", compression)
	}
	s.w = bufio.NewWriter(dst)
	return s, nil
}

func (s *Sink) Path() string {
	return s.path
}

func (s *Sink) Write(record []byte) error {
	if _, err := s.w.Write(record); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	s.count++
	return nil
}

// Count is the number of records written so far.
func (s *Sink) Count() int64 {
	return s.count
}

func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	defer func() { s.file = nil }()

	if err := s.w.Flush(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("failed to flush %s: %w", s.path, err)
	}
	if s.enc != nil {
		if err := s.enc.Close(); err != nil {
			_ = s.file.Close()
			return fmt.Errorf("failed to finish zstd stream %s: %w", s.path, err)
		}
	}
	return s.file.Close()
}

// ReadAll returns every record of an output file, decompressing it when it
// starts with a zstd frame.
func ReadAll(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if bytes.HasPrefix(data, zstdMagic) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		if data, err = dec.DecodeAll(data, nil); err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", path, err)
		}
	}

	var records []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, DefaultBufferSize), DefaultBufferSize)
	for scanner.Scan() {
		records = append(records, scanner.Text())
	}
	return records, scanner.Err()
}
