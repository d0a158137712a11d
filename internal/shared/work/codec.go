package work

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// encoder appends protobuf wire-format fields. Zero scalars are omitted, the
// same as proto3 does for implicit presence.
type encoder struct {
	b []byte
}

func (e *encoder) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) int(num protowire.Number, v int64) {
	e.uint(num, protowire.EncodeZigZag(v))
}

func (e *encoder) string(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

// message always emits the field so repeated empty messages survive.
func (e *encoder) message(num protowire.Number, v []byte) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

// field is one decoded wire field. Exactly one of Varint or Bytes is set,
// depending on Type.
type field struct {
	Num    protowire.Number
	Type   protowire.Type
	Varint uint64
	Bytes  []byte
}

func (f field) int() int64 {
	return protowire.DecodeZigZag(f.Varint)
}

// walk visits every field of b in order. Unknown wire types are skipped.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			f.Varint = v
			b = b[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			f.Bytes = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
			continue
		}

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

const (
	outcomeStatus protowire.Number = 1
	outcomeBody   protowire.Number = 2
)

// Outcome packs a status byte and an optional body into a result buffer.
func Outcome(status Status, body []byte) ScheduledWork {
	var e encoder
	e.uint(outcomeStatus, uint64(status))
	e.bytes(outcomeBody, body)
	return ScheduledWork{Data: e.b}
}

// statusFromWire maps a decoded status onto the enum. Values outside it are
// reported as PROCFAILED.
func statusFromWire(v uint64) Status {
	if v > uint64(StatusBadInpFile) {
		return StatusProcFailed
	}
	return Status(v)
}

// ParseOutcome is the inverse of Outcome.
func ParseOutcome(w ScheduledWork) (Status, []byte, error) {
	var (
		status Status
		body   []byte
	)
	err := walk(w.Data, func(f field) error {
		switch f.Num {
		case outcomeStatus:
			status = statusFromWire(f.Varint)
		case outcomeBody:
			body = f.Bytes
		}
		return nil
	})
	if err != nil {
		return StatusProcFailed, nil, fmt.Errorf("malformed outcome: %w", err)
	}
	return status, body, nil
}
