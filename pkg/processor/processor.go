// Package processor is the boundary between the event-distribution core and
// the code that does the actual per-event work.
package processor

import (
	"context"
	"fmt"
)

// Event is one input event as handed to a processor.
type Event struct {
	Index int64
	Data  []byte
}

// Processor turns one event into at most one output record. A nil record
// means the event produced no output.
type Processor interface {
	Process(ctx context.Context, ev Event) ([]byte, error)
}

// Func adapts an ordinary function to Processor.
type Func func(ctx context.Context, ev Event) ([]byte, error)

func (f Func) Process(ctx context.Context, ev Event) ([]byte, error) {
	return f(ctx, ev)
}

func init() {
	Register("passthrough", func(map[string]string) (Processor, error) {
		return Func(Passthrough), nil
	})
	Register("checksum", func(map[string]string) (Processor, error) {
		return Func(Checksum), nil
	})
}

func Passthrough(_ context.Context, ev Event) ([]byte, error) {
	return ev.Data, nil
}

// Checksum emits "index<TAB>fnv32a" for every event.
func Checksum(_ context.Context, ev Event) ([]byte, error) {
	return fmt.Appendf(nil, "%d\t%08x", ev.Index, Hash(ev.Data)), nil
}
