package work

import "fmt"

// ScheduledWork is a raw serialized task or result handed across the process
// boundary. The receiver owns Data after the transfer.
type ScheduledWork struct {
	Data []byte
}

func (w ScheduledWork) Size() int {
	return len(w.Data)
}

// Func selects which of a role's three callbacks a dispatch invokes.
type Func uint8

const (
	FuncBootstrap Func = iota + 1
	FuncExec
	FuncFin
)

func (f Func) String() string {
	switch f {
	case FuncBootstrap:
		return "BOOTSTRAP"
	case FuncExec:
		return "EXEC"
	case FuncFin:
		return "FIN"
	default:
		return fmt.Sprintf("FUNC(%d)", uint8(f))
	}
}

// Status is both the outcome byte inside a result payload and the exit code
// of a worker that terminates on a failed bootstrap.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusNotFound
	StatusSeekFailed
	StatusProcFailed
	StatusFileNotMade
	StatusBadInpFile
)

func (s Status) Valid() bool {
	return s <= StatusBadInpFile
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusNotFound:
		return "NOTFOUND"
	case StatusSeekFailed:
		return "SEEKFAILED"
	case StatusProcFailed:
		return "PROCFAILED"
	case StatusFileNotMade:
		return "FILENOTMADE"
	case StatusBadInpFile:
		return "BADINPFILE"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

// StatusFromExitCode maps a process exit code onto the status enum. Codes
// outside the enum are reported as PROCFAILED.
func StatusFromExitCode(code int) Status {
	if code < 0 || code > int(StatusBadInpFile) {
		return StatusProcFailed
	}
	return Status(code)
}

// Kind is the worker role variant.
type Kind uint8

const (
	KindProvider Kind = iota + 1
	KindConsumer
	KindSharedWriter
)

func (k Kind) String() string {
	switch k {
	case KindProvider:
		return "provider"
	case KindConsumer:
		return "consumer"
	case KindSharedWriter:
		return "writer"
	default:
		return fmt.Sprintf("kind%d", uint8(k))
	}
}

func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindProvider, KindConsumer, KindSharedWriter} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown worker kind: %q", s)
}
