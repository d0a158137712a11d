package core

import "errors"

var ErrProcessNotFound = errors.New("process not found")

// ProcessStore keeps the process table the status endpoints read from.
// Implementations store and return copies.
type ProcessStore interface {
	AddProcess(p *Process) error
	UpdateProcess(p *Process) error
	GetProcessByPID(pid int) (*Process, error)
	GetProcesses(filter ProcessFilter) ([]*Process, int, error)
}
