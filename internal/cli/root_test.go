package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/runqslower/internal/trigger"
)

const replayTrace = `events:
  - {kind: runnable, tid: 42, ts: 100}
  - {kind: scheduled, tid: 42, pid: 40, comm: worker, ts: 350}
  - {kind: runnable, tid: 43, ts: 1000}
  - {kind: scheduled, tid: 43, pid: 41, comm: batch, ts: 2001000}
`

func writeTrace(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(replayTrace), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRunReplayJSON(t *testing.T) {
	out, err := execute(t,
		"--source", "replay",
		"--replay-file", writeTrace(t),
		"--min-latency", "0",
		"--format", "json")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"tid":42`)
	assert.Contains(t, lines[1], `"comm":"batch"`)
	assert.Contains(t, lines[1], `"latency_us":2000`)
}

func TestRunPositionalThreshold(t *testing.T) {
	out, err := execute(t,
		"--source", "replay",
		"--replay-file", writeTrace(t),
		"--format", "json",
		"1000")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"tid":43`)
}

func TestRunPIDFilter(t *testing.T) {
	out, err := execute(t,
		"--source", "replay",
		"--replay-file", writeTrace(t),
		"--min-latency", "0",
		"--pid", "40",
		"--format", "json")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"pid":40`)
}

func TestRunHistogram(t *testing.T) {
	out, err := execute(t,
		"--source", "replay",
		"--replay-file", writeTrace(t),
		"--min-latency", "0",
		"--mode", "histogram")
	require.NoError(t, err)
	assert.Contains(t, out, "usecs")
	assert.Contains(t, out, "samples=2")
}

func TestRunEnvironmentOverride(t *testing.T) {
	t.Setenv("RUNQSLOWER_FORMAT", "json")
	t.Setenv("RUNQSLOWER_MIN_LATENCY", "1ms")

	out, err := execute(t, "--source", "replay", "--replay-file", writeTrace(t))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "{"))
}

func TestRunConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runqslower.yaml")
	body := "source: replay\nreplay_file: " + writeTrace(t) + "\nmin_latency: 0s\nformat: json\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	out, err := execute(t, "--config", path)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)
}

func TestRunAttachFailure(t *testing.T) {
	_, err := execute(t,
		"--source", "ebpf",
		"--object", filepath.Join(t.TempDir(), "missing.bpf.o"))
	require.Error(t, err)

	var ae *trigger.AttachError
	assert.ErrorAs(t, err, &ae)
}

func TestRunMissingReplayFile(t *testing.T) {
	_, err := execute(t, "--source", "replay", "--replay-file", filepath.Join(t.TempDir(), "nope.yaml"))
	var ae *trigger.AttachError
	assert.ErrorAs(t, err, &ae)
}

func TestRunRejectsInvalidFlags(t *testing.T) {
	_, err := execute(t, "--mode", "bogus")
	assert.ErrorContains(t, err, "invalid config")

	_, err = execute(t, "--mode", "histogram", "--format", "json")
	assert.ErrorContains(t, err, "stream mode only")

	_, err = execute(t, "not-a-number")
	assert.ErrorContains(t, err, "invalid min_us")

	_, err = execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "runqslower dev")
}
