package mptools

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/athenamp/internal/master/core"
	"github.com/nemanja-m/athenamp/internal/master/group"
	"github.com/nemanja-m/athenamp/internal/master/storage"
	"github.com/nemanja-m/athenamp/internal/shared/logging"
	"github.com/nemanja-m/athenamp/internal/shared/work"
)

func newConsumerTool(t *testing.T, logger logging.Logger) *Tool {
	t.Helper()
	g := group.New("consumer", work.KindConsumer, group.SpawnSpec{}, storage.NewInMemoryProcessStore(), logging.Nop(), nil)
	return newTool(work.KindConsumer, g, 1, logger)
}

func TestTool_MalformedReportIsLogged(t *testing.T) {
	var buf bytes.Buffer
	tool := newConsumerTool(t, logging.NewSlogLoggerTo(&buf, slog.LevelDebug, "json"))

	tool.onResult(core.Result{
		PID:    7,
		Group:  "consumer",
		Func:   work.FuncExec,
		Status: work.StatusProcFailed,
		Body:   []byte{0x0a, 0x05, 0x01},
	})

	assert.Contains(t, buf.String(), "Malformed report")
	assert.Contains(t, buf.String(), `"pid":7`)

	failures := tool.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "EXEC", failures[0].Func)
	assert.Equal(t, work.StatusProcFailed, failures[0].Status)
}

func TestTool_WellFormedReportIsQuiet(t *testing.T) {
	var buf bytes.Buffer
	tool := newConsumerTool(t, logging.NewSlogLoggerTo(&buf, slog.LevelDebug, "json"))

	report := work.ExecReport{Rank: 2, PID: 7, Events: 4, Records: 4}
	tool.onResult(core.Result{
		PID:    7,
		Group:  "consumer",
		Func:   work.FuncExec,
		Status: work.StatusSuccess,
		Body:   report.Marshal(),
	})

	assert.NotContains(t, buf.String(), "Malformed report")
	assert.Empty(t, tool.Failures())
	require.Len(t, tool.ExecReports(), 1)
	assert.Equal(t, int64(4), tool.ExecReports()[0].Records)
}
