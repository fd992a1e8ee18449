package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/johnayoung/cme-gap-analyzer/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerManager_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.DefaultConfig().Logging
	cfg.Format = "json"
	cfg.ContextFields = map[string]string{"service": "test"}

	lm := NewLoggerManagerWithWriter(cfg, &buf)
	lm.GetComponentLogger("detector").Info("gaps detected", "count", 3)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "INFO", lines[0]["level"])
	assert.Equal(t, "detector", lines[0]["component"])
	assert.Equal(t, "test", lines[0]["service"])
	assert.Equal(t, float64(3), lines[0]["count"])
}

func TestLoggerManager_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Level = "warn"

	lm := NewLoggerManagerWithWriter(cfg, &buf)
	log := lm.GetLogger()
	log.Info("dropped")
	log.Warn("kept")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.DefaultConfig().Logging
	cfg.Format = "json"

	lm := NewLoggerManagerWithWriter(cfg, &buf)
	ctx := WithSource(WithRunID(context.Background(), "run-42"), "binance", "BTCUSDT", "1h")

	FromContext(ctx, lm.GetLogger()).Info("fetching")
	FromContext(context.Background(), lm.GetLogger()).Info("bare")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "run-42", lines[0]["run_id"])
	assert.Equal(t, "binance", lines[0]["exchange"])
	assert.Equal(t, "BTCUSDT", lines[0]["symbol"])
	assert.Equal(t, "1h", lines[0]["interval"])
	assert.NotContains(t, lines[1], "run_id")
}

func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.DefaultConfig().Logging
	cfg.Format = "json"
	cfg.Level = "debug"
	log := NewLoggerManagerWithWriter(cfg, &buf).GetLogger()

	_, err := TimedOperation(log, "detect", func() error { return nil })
	require.NoError(t, err)
	_, err = TimedOperation(log, "track", func() error { return errors.New("boom") })
	require.Error(t, err)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "DEBUG", lines[0]["level"])
	assert.Equal(t, "detect", lines[0]["operation"])
	assert.Equal(t, "ERROR", lines[1]["level"])
	assert.Equal(t, "track", lines[1]["operation"])
	assert.Equal(t, "boom", lines[1]["error"])
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.DefaultConfig().Logging
	cfg.Format = "json"
	log := NewLoggerManagerWithWriter(cfg, &buf).GetLogger()

	LogError(log, errors.New("disk full"), "write failed", "file", "gaps.csv")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "write failed", lines[0]["msg"])
	assert.Equal(t, "disk full", lines[0]["error"])
	assert.Equal(t, "gaps.csv", lines[0]["file"])
}

func TestCreateWriter(t *testing.T) {
	t.Run("file output requires a path", func(t *testing.T) {
		_, err := createWriter(config.LoggingConfig{Output: "file"})
		assert.Error(t, err)
	})

	t.Run("file output creates rotating writer", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "cmegap.log")
		lm, err := NewLoggerManager(config.LoggingConfig{Output: "file", FilePath: path, Level: "info", Format: "text", MaxSize: 1})
		require.NoError(t, err)
		lm.GetLogger().Info("hello")
		assert.NoError(t, lm.Close())
		assert.FileExists(t, path)
	})

	t.Run("unknown output", func(t *testing.T) {
		_, err := createWriter(config.LoggingConfig{Output: "syslog"})
		assert.Error(t, err)
	})
}
