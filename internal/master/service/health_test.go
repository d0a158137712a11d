package service

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nemanja-m/athenamp/internal/master/core"
	"github.com/nemanja-m/athenamp/internal/master/storage"
	"github.com/nemanja-m/athenamp/internal/shared/logging"
	"github.com/nemanja-m/athenamp/internal/shared/work"
)

type recordingHealth struct {
	mu       sync.Mutex
	statuses map[string]healthpb.HealthCheckResponse_ServingStatus
	calls    int
}

func newRecordingHealth() *recordingHealth {
	return &recordingHealth{statuses: make(map[string]healthpb.HealthCheckResponse_ServingStatus)}
}

func (r *recordingHealth) SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[service] = status
	r.calls++
}

func (r *recordingHealth) get(service string) (healthpb.HealthCheckResponse_ServingStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.statuses[service]
	return s, ok
}

type healthTestLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *healthTestLogger) log(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *healthTestLogger) Debug(msg string, args ...any) { l.log(msg) }
func (l *healthTestLogger) Info(msg string, args ...any)  { l.log(msg) }
func (l *healthTestLogger) Warn(msg string, args ...any)  { l.log(msg) }
func (l *healthTestLogger) Error(msg string, args ...any) { l.log(msg) }
func (l *healthTestLogger) Fatal(msg string, args ...any) { l.log(msg) }
func (l *healthTestLogger) With(args ...any) logging.Logger {
	return l
}

func (l *healthTestLogger) getMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.messages...)
}

type failingStore struct {
	core.ProcessStore
}

func (failingStore) GetProcesses(core.ProcessFilter) ([]*core.Process, int, error) {
	return nil, 0, errors.New("store unavailable")
}

func runChecker(t *testing.T, checker *WorkerHealthChecker, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Start(ctx)
		close(done)
	}()
	time.Sleep(d)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("health checker did not stop after context cancellation")
	}
}

func TestWorkerHealthChecker_MirrorsProcessTable(t *testing.T) {
	store := storage.NewInMemoryProcessStore()
	now := time.Now()
	procs := []*core.Process{
		{PID: 10, Group: "consumer", Index: 0, State: work.StateExecuting},
		{PID: 11, Group: "consumer", Index: 1, State: work.StateBootstrapping, Failed: true},
		{PID: 12, Group: "consumer", Index: 2, State: work.StateTerminated, ExitedAt: &now, Finished: true},
	}
	for _, p := range procs {
		if err := store.AddProcess(p); err != nil {
			t.Fatalf("AddProcess: %v", err)
		}
	}

	health := newRecordingHealth()
	checker := NewWorkerHealthChecker(10*time.Millisecond, store, health, &healthTestLogger{})
	runChecker(t, checker, 30*time.Millisecond)

	want := map[string]healthpb.HealthCheckResponse_ServingStatus{
		"worker/10": healthpb.HealthCheckResponse_SERVING,
		"worker/11": healthpb.HealthCheckResponse_NOT_SERVING,
		"worker/12": healthpb.HealthCheckResponse_NOT_SERVING,
		"":          healthpb.HealthCheckResponse_SERVING,
	}
	for service, status := range want {
		got, ok := health.get(service)
		if !ok {
			t.Errorf("no status for %q", service)
			continue
		}
		if got != status {
			t.Errorf("status of %q = %v, want %v", service, got, status)
		}
	}
}

func TestWorkerHealthChecker_HardFailureStopsServing(t *testing.T) {
	store := storage.NewInMemoryProcessStore()
	now := time.Now()
	_ = store.AddProcess(&core.Process{PID: 20, Group: "consumer", State: work.StateExecuting})
	_ = store.AddProcess(&core.Process{
		PID: 21, Group: "consumer", Index: 1, State: work.StateTerminated,
		ExitedAt: &now, HardFailure: true, Signal: "killed",
	})

	health := newRecordingHealth()
	logger := &healthTestLogger{}
	checker := NewWorkerHealthChecker(5*time.Millisecond, store, health, logger)
	runChecker(t, checker, 30*time.Millisecond)

	if got, _ := health.get(""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("overall status = %v, want NOT_SERVING", got)
	}
	if got, _ := health.get("worker/20"); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("worker/20 status = %v, want SERVING", got)
	}

	count := 0
	for _, msg := range logger.getMessages() {
		if msg == "Worker failed" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected one 'Worker failed' log message, got %d", count)
	}
}

func TestWorkerHealthChecker_StoreError(t *testing.T) {
	health := newRecordingHealth()
	logger := &healthTestLogger{}
	checker := NewWorkerHealthChecker(5*time.Millisecond, failingStore{}, health, logger)
	runChecker(t, checker, 20*time.Millisecond)

	if health.calls != 0 {
		t.Errorf("expected no status updates, got %d", health.calls)
	}
	if !slices.Contains(logger.getMessages(), "Failed to list worker processes") {
		t.Error("expected 'Failed to list worker processes' log message")
	}
}

func TestWorkerService(t *testing.T) {
	if got := WorkerService(42); got != "worker/42" {
		t.Errorf("WorkerService(42) = %q", got)
	}
}
