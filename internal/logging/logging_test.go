package logging_test

import (
	"bytes"
	"log/slog"
	"testing"

	"corpus-dispatch/internal/logging"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	require.Equal(t, slog.LevelDebug, logging.ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, logging.ParseLevel("warn"))
	require.Equal(t, slog.LevelError, logging.ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, logging.ParseLevel("bogus"))
}

func TestNewWithWriters_Fanout(t *testing.T) {
	t.Parallel()

	var a, b bytes.Buffer
	logger := logging.NewWithWriters(slog.LevelInfo, &a, &b)
	logger.Debug("hidden")
	logger.Info("task requeued", "task_id", 7)

	require.Contains(t, a.String(), `"task_id":7`)
	require.Equal(t, a.String(), b.String())
	require.NotContains(t, a.String(), "hidden")
}
