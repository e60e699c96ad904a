package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReturnsSuccessOnCleanExit(t *testing.T) {
	r := NewRunner()
	metrics, err := r.Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "cat; exit 0"},
		Input:   "hello",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, metrics.Success)
	assert.Equal(t, 0, metrics.ExitCode)
	assert.Equal(t, "hello", metrics.Stdout)
}

func TestRunReportsNonZeroExit(t *testing.T) {
	r := NewRunner()
	metrics, err := r.Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "exit 7"},
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.False(t, metrics.Success)
	assert.Equal(t, 7, metrics.ExitCode)
}

func TestRunTimesOutLongRunningChild(t *testing.T) {
	r := NewRunner()
	start := time.Now()
	metrics, err := r.Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "sleep 5"},
		Timeout: 200 * time.Millisecond,
	})
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.False(t, metrics.Success)
	assert.True(t, metrics.TimedOut)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestRunRejectsEmptyCommand(t *testing.T) {
	r := NewRunner()
	_, err := r.Run(context.Background(), Spec{Timeout: time.Second})
	assert.ErrorIs(t, err, ErrRunnerFailure)
}

func TestRunSurfacesStderr(t *testing.T) {
	r := NewRunner()
	metrics, err := r.Run(context.Background(), Spec{
		Command: "sh",
		Args:    []string{"-c", "echo oops 1>&2; exit 1"},
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Contains(t, metrics.Stderr, "oops")
}
