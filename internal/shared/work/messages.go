package work

import (
	"fmt"
	"os"

	"github.com/nemanja-m/athenamp/internal/shared/fds"
)

// BootstrapRequest is the payload of a FuncBootstrap dispatch. It carries
// everything a freshly spawned worker needs that is not in the job config.
type BootstrapRequest struct {
	JobID       string
	MasterPID   int
	Kind        Kind
	TopDir      string
	ConfigPath  string
	NProcs      int
	RankQueue   string
	EventQueue  string
	WriterQueue string
	Fds         []fds.Entry
}

func (r *BootstrapRequest) Marshal() []byte {
	var e encoder
	e.string(1, r.JobID)
	e.uint(2, uint64(r.MasterPID))
	e.uint(3, uint64(r.Kind))
	e.string(4, r.TopDir)
	e.string(5, r.ConfigPath)
	e.uint(6, uint64(r.NProcs))
	e.string(7, r.RankQueue)
	e.string(8, r.EventQueue)
	e.string(9, r.WriterQueue)
	for _, entry := range r.Fds {
		var fe encoder
		fe.string(1, entry.Path)
		fe.uint(2, uint64(entry.Flag))
		fe.uint(3, uint64(entry.Perm))
		fe.int(4, entry.Offset)
		e.message(10, fe.b)
	}
	return e.b
}

func (r *BootstrapRequest) Unmarshal(b []byte) error {
	*r = BootstrapRequest{}
	return walk(b, func(f field) error {
		switch f.Num {
		case 1:
			r.JobID = string(f.Bytes)
		case 2:
			r.MasterPID = int(f.Varint)
		case 3:
			if f.Varint > uint64(KindSharedWriter) {
				return fmt.Errorf("unknown worker kind %d", f.Varint)
			}
			r.Kind = Kind(f.Varint)
		case 4:
			r.TopDir = string(f.Bytes)
		case 5:
			r.ConfigPath = string(f.Bytes)
		case 6:
			r.NProcs = int(f.Varint)
		case 7:
			r.RankQueue = string(f.Bytes)
		case 8:
			r.EventQueue = string(f.Bytes)
		case 9:
			r.WriterQueue = string(f.Bytes)
		case 10:
			var entry fds.Entry
			err := walk(f.Bytes, func(ff field) error {
				switch ff.Num {
				case 1:
					entry.Path = string(ff.Bytes)
				case 2:
					entry.Flag = int(ff.Varint)
				case 3:
					entry.Perm = os.FileMode(ff.Varint)
				case 4:
					entry.Offset = ff.int()
				}
				return nil
			})
			if err != nil {
				return err
			}
			r.Fds = append(r.Fds, entry)
		}
		return nil
	})
}

// BootstrapReport is the body of a bootstrap outcome.
type BootstrapReport struct {
	Rank   int
	PID    int
	RunDir string
	Error  string
}

func (r *BootstrapReport) Marshal() []byte {
	var e encoder
	e.int(1, int64(r.Rank))
	e.uint(2, uint64(r.PID))
	e.string(3, r.RunDir)
	e.string(4, r.Error)
	return e.b
}

func (r *BootstrapReport) Unmarshal(b []byte) error {
	*r = BootstrapReport{}
	return walk(b, func(f field) error {
		switch f.Num {
		case 1:
			r.Rank = int(f.int())
		case 2:
			r.PID = int(f.Varint)
		case 3:
			r.RunDir = string(f.Bytes)
		case 4:
			r.Error = string(f.Bytes)
		}
		return nil
	})
}

// ExecReport is the body of an exec outcome: what one worker processed and
// how long it took.
type ExecReport struct {
	Rank            int
	PID             int
	Events          int64
	Failed          int64
	Records         int64
	WallNanos       int64
	MinEventNanos   int64
	MaxEventNanos   int64
	TotalEventNanos int64
	Error           string
}

func (r *ExecReport) Marshal() []byte {
	var e encoder
	e.int(1, int64(r.Rank))
	e.uint(2, uint64(r.PID))
	e.int(3, r.Events)
	e.int(4, r.Failed)
	e.int(5, r.Records)
	e.int(6, r.WallNanos)
	e.int(7, r.MinEventNanos)
	e.int(8, r.MaxEventNanos)
	e.int(9, r.TotalEventNanos)
	e.string(10, r.Error)
	return e.b
}

func (r *ExecReport) Unmarshal(b []byte) error {
	*r = ExecReport{}
	return walk(b, func(f field) error {
		switch f.Num {
		case 1:
			r.Rank = int(f.int())
		case 2:
			r.PID = int(f.Varint)
		case 3:
			r.Events = f.int()
		case 4:
			r.Failed = f.int()
		case 5:
			r.Records = f.int()
		case 6:
			r.WallNanos = f.int()
		case 7:
			r.MinEventNanos = f.int()
		case 8:
			r.MaxEventNanos = f.int()
		case 9:
			r.TotalEventNanos = f.int()
		case 10:
			r.Error = string(f.Bytes)
		}
		return nil
	})
}

// Observe folds the duration of one processed event into the timing summary.
func (r *ExecReport) Observe(nanos int64) {
	if r.Events == 0 || nanos < r.MinEventNanos {
		r.MinEventNanos = nanos
	}
	if nanos > r.MaxEventNanos {
		r.MaxEventNanos = nanos
	}
	r.TotalEventNanos += nanos
	r.Events++
}

// FinReport is the body of a fin outcome.
type FinReport struct {
	Rank     int
	PID      int
	Events   int64
	OrderLog string
	Output   string
	Error    string
}

func (r *FinReport) Marshal() []byte {
	var e encoder
	e.int(1, int64(r.Rank))
	e.uint(2, uint64(r.PID))
	e.int(3, r.Events)
	e.string(4, r.OrderLog)
	e.string(5, r.Output)
	e.string(6, r.Error)
	return e.b
}

func (r *FinReport) Unmarshal(b []byte) error {
	*r = FinReport{}
	return walk(b, func(f field) error {
		switch f.Num {
		case 1:
			r.Rank = int(f.int())
		case 2:
			r.PID = int(f.Varint)
		case 3:
			r.Events = f.int()
		case 4:
			r.OrderLog = string(f.Bytes)
		case 5:
			r.Output = string(f.Bytes)
		case 6:
			r.Error = string(f.Bytes)
		}
		return nil
	})
}

// ExecRequest is the payload of a FuncExec dispatch. Consumers is only read
// by the provider: it sends one end marker per consumer that survived
// bootstrap.
type ExecRequest struct {
	Consumers int
}

func (r *ExecRequest) Marshal() []byte {
	var e encoder
	e.uint(1, uint64(r.Consumers))
	return e.b
}

func (r *ExecRequest) Unmarshal(b []byte) error {
	*r = ExecRequest{}
	return walk(b, func(f field) error {
		if f.Num == 1 {
			r.Consumers = int(f.Varint)
		}
		return nil
	})
}
