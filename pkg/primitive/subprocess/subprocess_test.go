package subprocess

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRun_CapturesStdoutAndExitCode(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Command: "/bin/echo",
		Args:    []string{"hello"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "hello\n", res.Stdout)
	require.False(t, res.Killed)
}

func TestRun_NonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 3"},
	})
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
}

func TestRun_EnvIsPassedToChild(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo $GREETING"},
		Env:     map[string]string{"GREETING": "howdy", "PATH": "/bin:/usr/bin"},
	})
	require.NoError(t, err)
	require.Equal(t, "howdy\n", res.Stdout)
}

func TestRun_TimeoutKillsProcess(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 100 * time.Millisecond,
		Grace:   50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.True(t, res.Killed)
}

func TestRun_SpawnFailedForMissingCommand(t *testing.T) {
	_, err := Run(context.Background(), Request{Command: "/no/such/binary"})
	require.Error(t, err)
	var spawnErr *SpawnFailedError
	require.ErrorAs(t, err, &spawnErr)
}

func TestRun_StderrCapturedSeparately(t *testing.T) {
	res, err := Run(context.Background(), Request{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo out; echo err 1>&2"},
	})
	require.NoError(t, err)
	require.Equal(t, "out\n", res.Stdout)
	require.Equal(t, "err\n", res.Stderr)
}
