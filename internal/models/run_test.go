package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalysisRun_Lifecycle(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	run := NewAnalysisRun("run-1", "binance", "BTCUSDT", "1h", start, start.AddDate(0, 1, 0))

	require.NoError(t, run.Validate())
	assert.Equal(t, RunPending, run.Status)

	require.NoError(t, run.Begin())
	assert.Equal(t, RunRunning, run.Status)
	assert.NotNil(t, run.StartedAt)
	assert.Error(t, run.Begin(), "cannot begin twice")

	require.NoError(t, run.Complete(744, 4, 3))
	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, 744, run.BarsAnalyzed)
	assert.Contains(t, run.Summary(), "4 gaps (3 closed)")

	assert.Error(t, run.Fail(errors.New("late")), "completed runs cannot fail")

	data, err := run.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, data, `"status":"completed"`)
}

func TestAnalysisRun_Fail(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	run := NewAnalysisRun("run-1", "coinbase", "BTC-USD", "1h", start, start.AddDate(0, 0, 7))

	require.NoError(t, run.Begin())
	require.NoError(t, run.Fail(errors.New("connection refused")))

	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, "connection refused", run.Error)
	assert.NotNil(t, run.CompletedAt)
}

func TestAnalysisRun_Validate(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	run := NewAnalysisRun("", "binance", "BTCUSDT", "1h", start, start.Add(time.Hour))
	var rErr RunError
	require.ErrorAs(t, run.Validate(), &rErr)
	assert.Equal(t, "ID", rErr.Field)

	run = NewAnalysisRun("run-1", "binance", "BTCUSDT", "1h", start, start)
	require.ErrorAs(t, run.Validate(), &rErr)
	assert.Equal(t, "End", rErr.Field)
}
