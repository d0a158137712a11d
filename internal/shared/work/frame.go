package work

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds a single dispatch or result frame.
const MaxFrameSize = 16 << 20

const (
	// DispatchFd and ResultFd are the descriptor numbers a worker finds its
	// pipes on.
	DispatchFd = 3
	ResultFd   = 4

	// EnvGroup names the group a worker was spawned into, which is also its
	// kind. EnvIndex is its position in that group.
	EnvGroup = "ATHENAMP_GROUP"
	EnvIndex = "ATHENAMP_GROUP_INDEX"
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Envelope is what travels over a worker's dispatch and result pipes.
type Envelope struct {
	Func Func
	PID  int
	Work ScheduledWork
}

// WriteFrame writes env as a uvarint length followed by the encoded envelope.
func WriteFrame(w io.Writer, env Envelope) error {
	var e encoder
	e.uint(1, uint64(env.Func))
	e.uint(2, uint64(env.PID))
	e.bytes(3, env.Work.Data)
	if len(e.b) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 0, len(e.b)+binary.MaxVarintLen64)
	buf = protowire.AppendVarint(buf, uint64(len(e.b)))
	buf = append(buf, e.b...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. It returns io.EOF only on a clean end of stream
// between frames.
func ReadFrame(r *bufio.Reader) (Envelope, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Envelope{}, io.EOF
		}
		return Envelope{}, fmt.Errorf("failed to read frame size: %w", err)
	}
	if size > MaxFrameSize {
		return Envelope{}, ErrFrameTooLarge
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Envelope{}, fmt.Errorf("failed to read frame body: %w", err)
	}

	var env Envelope
	err = walk(buf, func(f field) error {
		switch f.Num {
		case 1:
			if f.Varint > uint64(FuncFin) {
				return fmt.Errorf("unknown func %d", f.Varint)
			}
			env.Func = Func(f.Varint)
		case 2:
			env.PID = int(f.Varint)
		case 3:
			env.Work = ScheduledWork{Data: f.Bytes}
		}
		return nil
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("malformed frame: %w", err)
	}
	return env, nil
}
