package group

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nemanja-m/athenamp/internal/master/core"
	"github.com/nemanja-m/athenamp/internal/master/storage"
	"github.com/nemanja-m/athenamp/internal/shared/logging"
	"github.com/nemanja-m/athenamp/internal/shared/work"
)

func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		os.Exit(helperWorker())
	}
	goleak.VerifyTestMain(m)
}

// helperWorker speaks the dispatch protocol. HELPER_MODE selects how the
// worker with index HELPER_INDEX misbehaves.
func helperWorker() int {
	mode := os.Getenv("HELPER_MODE")
	index, _ := strconv.Atoi(os.Getenv(work.EnvIndex))
	target, _ := strconv.Atoi(os.Getenv("HELPER_INDEX"))
	misbehave := index == target
	pid := os.Getpid()

	if mode == "hang" {
		signal.Ignore(syscall.SIGTERM)
	}

	in := bufio.NewReader(os.NewFile(work.DispatchFd, "dispatch"))
	out := os.NewFile(work.ResultFd, "result")
	reply := func(fn work.Func, status work.Status, body []byte) {
		_ = work.WriteFrame(out, work.Envelope{Func: fn, PID: pid, Work: work.Outcome(status, body)})
	}

	for {
		env, err := work.ReadFrame(in)
		if err != nil {
			return 0
		}
		switch env.Func {
		case work.FuncBootstrap:
			if mode == "failboot" && misbehave {
				report := work.BootstrapReport{Rank: -1, PID: pid, Error: "cannot create run directory"}
				reply(env.Func, work.StatusFileNotMade, report.Marshal())
				return int(work.StatusFileNotMade)
			}
			report := work.BootstrapReport{Rank: index, PID: pid, RunDir: "/tmp/worker_" + strconv.Itoa(index)}
			reply(env.Func, work.StatusSuccess, report.Marshal())
		case work.FuncExec:
			switch {
			case mode == "crash" && misbehave:
				_ = syscall.Kill(pid, syscall.SIGKILL)
			case mode == "hang":
				time.Sleep(time.Hour)
			case mode == "softexec" && misbehave:
				report := work.ExecReport{Rank: index, PID: pid, Error: "processor failed"}
				reply(env.Func, work.StatusProcFailed, report.Marshal())
				continue
			}
			report := work.ExecReport{Rank: index, PID: pid, Events: 10, TotalEventNanos: 1000}
			reply(env.Func, work.StatusSuccess, report.Marshal())
		case work.FuncFin:
			report := work.FinReport{Rank: index, PID: pid, Events: 10}
			reply(env.Func, work.StatusSuccess, report.Marshal())
			return 0
		}
	}
}

func newHelperGroup(t *testing.T, mode string, misbehaving int) (*Group, *storage.InMemoryProcessStore) {
	t.Helper()
	store := storage.NewInMemoryProcessStore()
	spec := SpawnSpec{
		Path: os.Args[0],
		Args: []string{"-test.run=^$"},
		Env: []string{
			"GO_WANT_HELPER_PROCESS=1",
			"HELPER_MODE=" + mode,
			"HELPER_INDEX=" + strconv.Itoa(misbehaving),
		},
		LogDir: t.TempDir(),
	}
	g := New("consumer", work.KindConsumer, spec, store, logging.Nop(), nil)
	t.Cleanup(func() {
		_ = g.Terminate(context.Background(), time.Second)
	})
	return g, store
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func pullResults(t *testing.T, ctx context.Context, g *Group, n int) map[int]core.Result {
	t.Helper()
	out := make(map[int]core.Result, n)
	for i := 0; i < n; i++ {
		r, err := g.PullOneResult(ctx)
		require.NoError(t, err)
		out[r.PID] = r
	}
	return out
}

func TestGroup_Lifecycle(t *testing.T) {
	ctx := testContext(t)
	g, store := newHelperGroup(t, "ok", -1)

	require.NoError(t, g.Create(ctx, 3))
	assert.Equal(t, 3, g.Live())

	require.NoError(t, g.MapAsync(work.FuncBootstrap, work.ScheduledWork{}, 0))
	boot := pullResults(t, ctx, g, 3)
	ranks := map[int]bool{}
	for _, r := range boot {
		assert.Equal(t, work.FuncBootstrap, r.Func)
		assert.True(t, r.Success())
		var report work.BootstrapReport
		require.NoError(t, report.Unmarshal(r.Body))
		ranks[report.Rank] = true
	}
	assert.Len(t, ranks, 3)

	require.NoError(t, g.MapAsync(work.FuncExec, work.ScheduledWork{}, 0))
	execs := pullResults(t, ctx, g, 3)
	for pid := range execs {
		require.NoError(t, g.MapAsync(work.FuncFin, work.ScheduledWork{}, pid))
	}

	finSeen := map[int]bool{}
	exits := 0
	for {
		ev, err := g.Next(ctx)
		if errors.Is(err, ErrDrained) {
			break
		}
		require.NoError(t, err)
		if ev.Result != nil {
			assert.Equal(t, work.FuncFin, ev.Result.Func)
			finSeen[ev.Result.PID] = true
			continue
		}
		assert.True(t, finSeen[ev.Exit.PID], "exit of %d delivered before its fin result", ev.Exit.PID)
		assert.False(t, ev.Exit.Hard)
		assert.Equal(t, work.StatusSuccess, ev.Exit.Status)
		exits++
	}
	assert.Equal(t, 3, exits)
	assert.Equal(t, 0, g.Live())

	for _, p := range g.Processes() {
		stored, err := store.GetProcessByPID(p.PID)
		require.NoError(t, err)
		assert.Equal(t, work.StateTerminated, stored.State)
		assert.True(t, stored.Finished)
		assert.Equal(t, int64(10), stored.Events)
		assert.GreaterOrEqual(t, stored.Rank, 0)
	}

	for _, path := range g.SubprocessLogs() {
		assert.FileExists(t, path)
	}
	g.ReportSubprocessStatuses()
}

func TestGroup_FailedBootstrapExcludedFromDispatch(t *testing.T) {
	ctx := testContext(t)
	g, _ := newHelperGroup(t, "failboot", 1)

	require.NoError(t, g.Create(ctx, 3))
	require.NoError(t, g.MapAsync(work.FuncBootstrap, work.ScheduledWork{}, 0))

	var failedPID int
	for pid, r := range pullResults(t, ctx, g, 3) {
		if !r.Success() {
			failedPID = pid
			assert.Equal(t, work.StatusFileNotMade, r.Status)
		}
	}
	require.NotZero(t, failedPID)

	ev, err := g.WaitOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, failedPID, ev.PID)
	assert.Equal(t, work.StatusFileNotMade, ev.Status)
	assert.False(t, ev.Hard)

	err = g.MapAsync(work.FuncExec, work.ScheduledWork{}, failedPID)
	assert.ErrorIs(t, err, ErrNotEligible)

	require.NoError(t, g.MapAsync(work.FuncExec, work.ScheduledWork{}, 0))
	execs := pullResults(t, ctx, g, 2)
	assert.NotContains(t, execs, failedPID)

	for pid := range execs {
		require.NoError(t, g.MapAsync(work.FuncFin, work.ScheduledWork{}, pid))
	}
	pullResults(t, ctx, g, 2)
	for i := 0; i < 2; i++ {
		ev, err := g.WaitOnce(ctx)
		require.NoError(t, err)
		assert.False(t, ev.Hard)
	}
}

func TestGroup_SoftExecFailureKeepsWorker(t *testing.T) {
	ctx := testContext(t)
	g, _ := newHelperGroup(t, "softexec", 0)

	require.NoError(t, g.Create(ctx, 2))
	require.NoError(t, g.MapAsync(work.FuncBootstrap, work.ScheduledWork{}, 0))
	pullResults(t, ctx, g, 2)
	require.NoError(t, g.MapAsync(work.FuncExec, work.ScheduledWork{}, 0))

	failures := 0
	for pid, r := range pullResults(t, ctx, g, 2) {
		if !r.Success() {
			failures++
			assert.Equal(t, work.StatusProcFailed, r.Status)
		}
		require.NoError(t, g.MapAsync(work.FuncFin, work.ScheduledWork{}, pid))
	}
	assert.Equal(t, 1, failures)
	pullResults(t, ctx, g, 2)
}

func TestGroup_CrashIsHardFailure(t *testing.T) {
	ctx := testContext(t)
	g, _ := newHelperGroup(t, "crash", 0)

	require.NoError(t, g.Create(ctx, 2))
	require.NoError(t, g.MapAsync(work.FuncBootstrap, work.ScheduledWork{}, 0))
	pullResults(t, ctx, g, 2)
	require.NoError(t, g.MapAsync(work.FuncExec, work.ScheduledWork{}, 0))

	ev, err := g.WaitOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ev.Hard)
	assert.Equal(t, work.StatusProcFailed, ev.Status)
	assert.Equal(t, syscall.SIGKILL.String(), ev.Signal)

	require.NoError(t, g.Terminate(ctx, 5*time.Second))
	assert.Equal(t, 0, g.Live())

	ev, err = g.WaitOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ev.Hard)
}

func TestGroup_TerminateEscalatesToKill(t *testing.T) {
	ctx := testContext(t)
	g, _ := newHelperGroup(t, "hang", -1)

	require.NoError(t, g.Create(ctx, 2))
	require.NoError(t, g.MapAsync(work.FuncBootstrap, work.ScheduledWork{}, 0))
	pullResults(t, ctx, g, 2)
	require.NoError(t, g.MapAsync(work.FuncExec, work.ScheduledWork{}, 0))

	grace := 200 * time.Millisecond
	start := time.Now()
	require.NoError(t, g.Terminate(ctx, grace))
	assert.GreaterOrEqual(t, time.Since(start), grace)
	assert.Equal(t, 0, g.Live())

	for i := 0; i < 2; i++ {
		ev, err := g.WaitOnce(ctx)
		require.NoError(t, err)
		assert.False(t, ev.Hard)
		assert.Equal(t, syscall.SIGKILL.String(), ev.Signal)
	}
	_, err := g.WaitOnce(ctx)
	assert.ErrorIs(t, err, ErrDrained)

	for _, p := range g.Processes() {
		assert.Error(t, syscall.Kill(p.PID, 0), "process %d still exists", p.PID)
	}
}

func TestGroup_MapAsyncErrors(t *testing.T) {
	ctx := testContext(t)

	empty := New("empty", work.KindConsumer, SpawnSpec{}, nil, logging.Nop(), nil)
	assert.ErrorIs(t, empty.MapAsync(work.FuncExec, work.ScheduledWork{}, 0), ErrNoLiveProcesses)
	_, err := empty.Next(ctx)
	assert.ErrorIs(t, err, ErrDrained)

	g, _ := newHelperGroup(t, "ok", -1)
	require.NoError(t, g.Create(ctx, 1))
	pid := g.Processes()[0].PID

	assert.ErrorIs(t, g.MapAsync(work.FuncExec, work.ScheduledWork{}, 999999), ErrNotFound)
	assert.ErrorIs(t, g.MapAsync(work.FuncExec, work.ScheduledWork{}, pid), ErrInvalidTransition)
	assert.Error(t, g.MapAsync(work.Func(9), work.ScheduledWork{}, pid))

	require.NoError(t, g.MapAsync(work.FuncBootstrap, work.ScheduledWork{}, pid))
	assert.ErrorIs(t, g.MapAsync(work.FuncBootstrap, work.ScheduledWork{}, pid), ErrInvalidTransition)
}

func TestGroup_PullOneResultHonoursContext(t *testing.T) {
	g, _ := newHelperGroup(t, "ok", -1)
	require.NoError(t, g.Create(testContext(t), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.PullOneResult(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
