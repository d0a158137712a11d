package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "run"}
	registerRunFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestFlagOverrides(t *testing.T) {
	cmd := newRunCommand(t,
		"--nprocs", "4",
		"--input", "a/*.txt", "--input", "b.txt",
		"--max-events", "100",
		"--shared-writer=false",
		"--option", "pattern=ERROR",
		"--processor", "grep",
	)

	overrides, err := flagOverrides(cmd)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"job.nprocs":            4,
		"input.paths":           []string{"a/*.txt", "b.txt"},
		"input.max_events":      int64(100),
		"output.shared_writer":  false,
		"job.processor_options": map[string]string{"pattern": "ERROR"},
		"job.processor":         "grep",
	}, overrides)
}

func TestFlagOverrides_UnsetFlagsAreIgnored(t *testing.T) {
	overrides, err := flagOverrides(newRunCommand(t))
	require.NoError(t, err)
	assert.Empty(t, overrides)
}

func TestProcessorsCommand(t *testing.T) {
	var out bytes.Buffer
	processorsCmd.SetOut(&out)
	require.NoError(t, processorsCmd.RunE(processorsCmd, nil))

	names := strings.Fields(out.String())
	for _, want := range []string{"checksum", "grep", "passthrough", "wordcount"} {
		assert.Contains(t, names, want)
	}
}
