// Package shm implements SharedQueue, a bounded FIFO of fixed-size records
// living in a named shared-memory segment so that independent processes can
// exchange work without a broker.
package shm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"
)

var (
	ErrClosed         = errors.New("shared queue closed")
	ErrRecordTooLarge = errors.New("record exceeds queue record size")
	ErrInvalidSize    = errors.New("invalid queue capacity or record size")
	ErrBadRecord      = errors.New("unexpected record length")

	errNotReady = errors.New("segment not ready")
)

const (
	magic   uint32 = 0x41544d50 // "ATMP"
	version uint32 = 1

	MaxCapacity   = 1 << 20
	MaxRecordSize = 1 << 20

	waitSlice = 10 * time.Millisecond
	openPoll  = 5 * time.Millisecond
)

// header sits at offset 0 of every segment. Head and tail are monotonic
// record counters; the slot of record i is i % capacity.
type header struct {
	magic      uint32
	version    uint32
	capacity   uint32
	recordSize uint32
	lock       uint32
	notEmpty   uint32
	notFull    uint32
	closed     uint32
	head       uint64
	tail       uint64
	_          [16]byte
}

const headerSize = int(unsafe.Sizeof(header{}))

func slotSize(recordSize int) int {
	return (4 + recordSize + 7) &^ 7
}

// Queue is one process's handle on a shared queue. A handle must not be
// closed while other goroutines are still using it.
type Queue struct {
	seg        *segment
	hdr        *header
	capacity   uint64
	recordSize int
	slot       int
	lock       spinLock
	detached   atomic.Bool
}

// Create makes a new named queue. The name must be unique on the host for
// the lifetime of the job; an existing segment yields ErrExists.
func Create(name string, capacity, recordSize int) (*Queue, error) {
	if capacity <= 0 || capacity > MaxCapacity || recordSize <= 0 || recordSize > MaxRecordSize {
		return nil, fmt.Errorf("%w: capacity=%d record_size=%d", ErrInvalidSize, capacity, recordSize)
	}

	size := headerSize + capacity*slotSize(recordSize)
	seg, err := createSegment(name, size)
	if err != nil {
		return nil, err
	}

	q := newQueue(seg)
	q.hdr.version = version
	q.hdr.capacity = uint32(capacity)
	q.hdr.recordSize = uint32(recordSize)
	atomic.StoreUint32(&q.hdr.magic, magic)
	q.init()
	return q, nil
}

// Open attaches to a queue created by another process, waiting until the
// creator has finished initialising it or ctx is done.
func Open(ctx context.Context, name string) (*Queue, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to open queue %s: %w", name, ctx.Err())
		case <-timer.C:
		}

		seg, err := openSegment(name)
		switch {
		case errors.Is(err, errNotReady):
		case err != nil:
			return nil, err
		default:
			q := newQueue(seg)
			if atomic.LoadUint32(&q.hdr.magic) != magic {
				_ = seg.unmap()
				break
			}
			if q.hdr.version != version {
				_ = seg.unmap()
				return nil, fmt.Errorf("queue %s has version %d, want %d", name, q.hdr.version, version)
			}
			q.init()
			if len(seg.mem) < headerSize+int(q.capacity)*q.slot {
				_ = seg.unmap()
				return nil, fmt.Errorf("queue %s is truncated", name)
			}
			return q, nil
		}
		timer.Reset(openPoll)
	}
}

func newQueue(seg *segment) *Queue {
	return &Queue{
		seg: seg,
		hdr: (*header)(unsafe.Pointer(&seg.mem[0])),
	}
}

func (q *Queue) init() {
	q.capacity = uint64(q.hdr.capacity)
	q.recordSize = int(q.hdr.recordSize)
	q.slot = slotSize(q.recordSize)
	q.lock = spinLock{word: &q.hdr.lock, pid: uint32(os.Getpid())}
}

func (q *Queue) Name() string {
	return q.seg.name
}

func (q *Queue) Cap() int {
	return int(q.capacity)
}

func (q *Queue) RecordSize() int {
	return q.recordSize
}

// Len is a snapshot of the number of buffered records.
func (q *Queue) Len() int {
	if q.detached.Load() {
		return 0
	}
	tail := atomic.LoadUint64(&q.hdr.tail)
	head := atomic.LoadUint64(&q.hdr.head)
	return int(tail - head)
}

func (q *Queue) slotAt(i uint64) []byte {
	off := headerSize + int(i%q.capacity)*q.slot
	return q.seg.mem[off : off+q.slot]
}

func (q *Queue) trySend(data []byte) (bool, uint32, error) {
	if q.detached.Load() {
		return false, 0, ErrClosed
	}

	q.lock.lock()
	if atomic.LoadUint32(&q.hdr.closed) != 0 {
		q.lock.unlock()
		return false, 0, ErrClosed
	}
	head := atomic.LoadUint64(&q.hdr.head)
	tail := atomic.LoadUint64(&q.hdr.tail)
	if tail-head >= q.capacity {
		seq := atomic.LoadUint32(&q.hdr.notFull)
		q.lock.unlock()
		return false, seq, nil
	}

	slot := q.slotAt(tail)
	binary.LittleEndian.PutUint32(slot[:4], uint32(len(data)))
	copy(slot[4:], data)
	atomic.StoreUint64(&q.hdr.tail, tail+1)
	atomic.AddUint32(&q.hdr.notEmpty, 1)
	q.lock.unlock()

	futexWakeAll(&q.hdr.notEmpty)
	return true, 0, nil
}

func (q *Queue) tryReceive() ([]byte, bool, uint32, error) {
	if q.detached.Load() {
		return nil, false, 0, ErrClosed
	}

	q.lock.lock()
	head := atomic.LoadUint64(&q.hdr.head)
	tail := atomic.LoadUint64(&q.hdr.tail)
	if head == tail {
		closed := atomic.LoadUint32(&q.hdr.closed) != 0
		seq := atomic.LoadUint32(&q.hdr.notEmpty)
		q.lock.unlock()
		if closed {
			return nil, false, 0, ErrClosed
		}
		return nil, false, seq, nil
	}

	slot := q.slotAt(head)
	n := int(binary.LittleEndian.Uint32(slot[:4]))
	if n > q.recordSize {
		n = q.recordSize
	}
	data := make([]byte, n)
	copy(data, slot[4:4+n])
	atomic.StoreUint64(&q.hdr.head, head+1)
	atomic.AddUint32(&q.hdr.notFull, 1)
	q.lock.unlock()

	futexWakeAll(&q.hdr.notFull)
	return data, true, 0, nil
}

// Send appends data, blocking while the queue is full.
func (q *Queue) Send(ctx context.Context, data []byte) error {
	if len(data) > q.recordSize {
		return fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, len(data), q.recordSize)
	}
	for {
		ok, seq, err := q.trySend(data)
		if err != nil || ok {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		futexWait(&q.hdr.notFull, seq, waitSlice)
	}
}

// TrySend appends data if there is room and reports whether it did.
func (q *Queue) TrySend(data []byte) (bool, error) {
	if len(data) > q.recordSize {
		return false, fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, len(data), q.recordSize)
	}
	ok, _, err := q.trySend(data)
	return ok, err
}

// Receive removes the oldest record, blocking while the queue is empty. After
// Shutdown, buffered records are still delivered before ErrClosed.
func (q *Queue) Receive(ctx context.Context) ([]byte, error) {
	for {
		data, ok, seq, err := q.tryReceive()
		if err != nil {
			return nil, err
		}
		if ok {
			return data, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		futexWait(&q.hdr.notEmpty, seq, waitSlice)
	}
}

func (q *Queue) TryReceive() ([]byte, bool, error) {
	data, ok, _, err := q.tryReceive()
	return data, ok, err
}

func (q *Queue) SendInt64(ctx context.Context, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return q.Send(ctx, buf[:])
}

func (q *Queue) ReceiveInt64(ctx context.Context) (int64, error) {
	data, err := q.Receive(ctx)
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: %d bytes", ErrBadRecord, len(data))
	}
	return int64(binary.LittleEndian.Uint64(data)), nil
}

// Shutdown marks the queue closed for every attached process and wakes all
// blocked senders and receivers.
func (q *Queue) Shutdown() {
	if q.detached.Load() {
		return
	}
	q.lock.lock()
	atomic.StoreUint32(&q.hdr.closed, 1)
	atomic.AddUint32(&q.hdr.notEmpty, 1)
	atomic.AddUint32(&q.hdr.notFull, 1)
	q.lock.unlock()

	futexWakeAll(&q.hdr.notEmpty)
	futexWakeAll(&q.hdr.notFull)
}

// Close unmaps the segment from this process. The segment itself survives
// until Unlink.
func (q *Queue) Close() error {
	if q.detached.Swap(true) {
		return nil
	}
	q.hdr = nil
	if err := q.seg.unmap(); err != nil {
		return fmt.Errorf("failed to unmap queue %s: %w", q.seg.name, err)
	}
	return nil
}

// Unlink removes the segment name from the host. Only the process that
// created the queue calls it.
func (q *Queue) Unlink() error {
	return q.seg.unlink()
}
