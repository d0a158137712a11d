package core

import (
	"syscall"
	"testing"
	"time"

	"github.com/nemanja-m/athenamp/internal/shared/work"
)

func exited(code int) syscall.WaitStatus {
	return syscall.WaitStatus(code << 8)
}

func signaled(sig syscall.Signal) syscall.WaitStatus {
	return syscall.WaitStatus(sig)
}

func TestClassifyExit(t *testing.T) {
	tests := []struct {
		name        string
		proc        Process
		ws          syscall.WaitStatus
		terminating bool
		wantStatus  work.Status
		wantHard    bool
	}{
		{
			name:       "clean exit after fin",
			proc:       Process{Finished: true},
			ws:         exited(0),
			wantStatus: work.StatusSuccess,
		},
		{
			name:       "failed bootstrap exits with its status",
			proc:       Process{Failed: true, LastStatus: work.StatusFileNotMade},
			ws:         exited(int(work.StatusFileNotMade)),
			wantStatus: work.StatusFileNotMade,
		},
		{
			name:       "exit before fin is hard",
			proc:       Process{},
			ws:         exited(0),
			wantStatus: work.StatusProcFailed,
			wantHard:   true,
		},
		{
			name:       "unexpected exit code is hard",
			proc:       Process{Finished: true},
			ws:         exited(42),
			wantStatus: work.StatusProcFailed,
			wantHard:   true,
		},
		{
			name:       "crash by signal is hard",
			proc:       Process{Finished: true},
			ws:         signaled(syscall.SIGSEGV),
			wantStatus: work.StatusProcFailed,
			wantHard:   true,
		},
		{
			name:        "kill during termination is expected",
			proc:        Process{},
			ws:          signaled(syscall.SIGKILL),
			terminating: true,
			wantStatus:  work.StatusProcFailed,
		},
		{
			name:        "exit during termination is expected",
			proc:        Process{},
			ws:          exited(0),
			terminating: true,
			wantStatus:  work.StatusSuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.proc.PID = 100
			tt.proc.Group = "consumer"
			ev := ClassifyExit(&tt.proc, tt.ws, tt.terminating)

			if ev.Status != tt.wantStatus {
				t.Errorf("ClassifyExit() status = %v, want %v", ev.Status, tt.wantStatus)
			}
			if ev.Hard != tt.wantHard {
				t.Errorf("ClassifyExit() hard = %v, want %v", ev.Hard, tt.wantHard)
			}
			if ev.PID != 100 || ev.Group != "consumer" {
				t.Errorf("ClassifyExit() identity = %d/%s", ev.PID, ev.Group)
			}
		})
	}
}

func TestClassifyExit_ReportsSignal(t *testing.T) {
	ev := ClassifyExit(&Process{}, signaled(syscall.SIGKILL), false)
	if ev.Signal != syscall.SIGKILL.String() {
		t.Errorf("Signal = %q, want %q", ev.Signal, syscall.SIGKILL.String())
	}
	if ev.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", ev.ExitCode)
	}
}

func TestProcess_Eligible(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		proc Process
		want bool
	}{
		{"waiting", Process{State: work.StateWaitForWork}, true},
		{"failed bootstrap", Process{State: work.StateBootstrapping, Failed: true}, false},
		{"terminated", Process{State: work.StateTerminated}, false},
		{"exited", Process{State: work.StateExecuting, ExitedAt: &now}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.proc.Eligible(); got != tt.want {
				t.Errorf("Eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProcess_Uptime(t *testing.T) {
	start := time.Now()
	end := start.Add(3 * time.Second)

	p := Process{StartedAt: start}
	if got := p.Uptime(start.Add(time.Second)); got != time.Second {
		t.Errorf("Uptime() = %v, want 1s", got)
	}
	p.ExitedAt = &end
	if got := p.Uptime(start.Add(time.Hour)); got != 3*time.Second {
		t.Errorf("Uptime() = %v, want 3s", got)
	}
	if got := (&Process{}).Uptime(end); got != 0 {
		t.Errorf("Uptime() = %v, want 0", got)
	}
}
