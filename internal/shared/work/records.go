package work

import (
	"encoding/binary"
	"errors"
)

// RangeSize is the fixed record size of an event-range assignment.
const RangeSize = 16

var ErrMalformedRecord = errors.New("malformed queue record")

// Range is a chunk of consecutive event indices handed from the provider to
// one consumer. A negative Start marks the end of the stream.
type Range struct {
	Start int64
	Count int64
}

func EndOfRange() Range {
	return Range{Start: -1}
}

func (r Range) End() bool {
	return r.Start < 0
}

func (r Range) Encode() []byte {
	buf := make([]byte, RangeSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.Start))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Count))
	return buf
}

func DecodeRange(b []byte) (Range, error) {
	if len(b) != RangeSize {
		return Range{}, ErrMalformedRecord
	}
	return Range{
		Start: int64(binary.LittleEndian.Uint64(b[0:8])),
		Count: int64(binary.LittleEndian.Uint64(b[8:16])),
	}, nil
}

const (
	writerStop byte = 0
	writerData byte = 1
)

// WriterRecord frames one output object on its way to the shared writer.
func WriterRecord(data []byte) []byte {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, writerData)
	return append(buf, data...)
}

// WriterStop tells the shared writer that no more records will follow.
func WriterStop() []byte {
	return []byte{writerStop}
}

// ParseWriterRecord returns the record payload, or stop=true for the stop marker.
func ParseWriterRecord(b []byte) (data []byte, stop bool, err error) {
	if len(b) == 0 {
		return nil, false, ErrMalformedRecord
	}
	switch b[0] {
	case writerStop:
		return nil, true, nil
	case writerData:
		return b[1:], false, nil
	default:
		return nil, false, ErrMalformedRecord
	}
}
