package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/cme-gap-analyzer/internal/config"
)

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		args    []string
		command string
		rest    []string
	}{
		{nil, "analyze", nil},
		{[]string{"--no-plots"}, "analyze", []string{"--no-plots"}},
		{[]string{"report", "--json"}, "report", []string{"--json"}},
		{[]string{"--version"}, "--version", []string{}},
		{[]string{"help", "watch"}, "help", []string{"watch"}},
	}
	for _, tt := range tests {
		command, rest := splitCommand(tt.args)
		assert.Equal(t, tt.command, command, "%v", tt.args)
		assert.Equal(t, len(tt.rest), len(rest), "%v", tt.args)
	}
}

func TestParseFlags(t *testing.T) {
	flags, err := parseFlags([]string{
		"--start-date", "2023-01-01",
		"--end-date=2023-12-31",
		"-x", "coinbase",
		"--interval", "4h",
		"--local-tz", "UTC",
		"--output-dir", "out",
		"--tolerance", "0.001",
		"--limit", "0",
		"--save-data", "--no-plots", "--json",
	})
	require.NoError(t, err)

	assert.Equal(t, "2023-01-01", flags.StartDate)
	assert.Equal(t, "2023-12-31", flags.EndDate)
	assert.Equal(t, "coinbase", flags.Exchange)
	assert.Equal(t, "4h", flags.Interval)
	assert.Equal(t, "UTC", flags.LocalTZ)
	assert.Equal(t, "out", flags.OutputDir)
	assert.InDelta(t, 0.001, flags.Tolerance, 1e-12)
	assert.Zero(t, flags.Limit)
	assert.True(t, flags.SaveData)
	assert.True(t, flags.NoPlots)
	assert.True(t, flags.JSON)
}

func TestParseFlags_Errors(t *testing.T) {
	tests := map[string][]string{
		"unknown flag":        {"--pair", "BTC-USD"},
		"missing value":       {"--interval"},
		"negative tolerance":  {"--tolerance", "-0.1"},
		"bad limit":           {"--limit", "ten"},
		"positional argument": {"extra"},
		"input and store":     {"--input", "bars.csv", "--from-store"},
	}
	for name, args := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseFlags(args)
			assert.Error(t, err)
		})
	}
}

func TestFlags_Apply(t *testing.T) {
	app := config.DefaultConfig()
	flags, err := parseFlags([]string{"--exchange", "Coinbase", "--no-plots", "--tolerance", "0.002", "--limit", "5", "--storage", "DuckDB"})
	require.NoError(t, err)
	require.NoError(t, flags.apply(app))

	assert.Equal(t, "coinbase", app.Exchange.Type)
	assert.False(t, app.Output.Plots)
	assert.InDelta(t, 0.002, app.Analysis.Tolerance, 1e-12)
	assert.Equal(t, 5, app.Output.TableLimit)
	assert.Equal(t, "duckdb", app.Storage.Type)
	assert.Equal(t, "output", app.Output.Dir)
}

func TestFlags_ApplyErrors(t *testing.T) {
	app := config.DefaultConfig()
	assert.Error(t, (&Flags{Exchange: "kraken"}).apply(app))
	assert.Error(t, (&Flags{LocalTZ: "Mars/Olympus"}).apply(app))
	assert.Error(t, (&Flags{FromStore: true}).apply(app))
}

func TestFlags_Window(t *testing.T) {
	now := time.Date(2024, time.June, 15, 10, 30, 0, 0, time.UTC)

	start, end, err := (&Flags{}).window(now, 90)
	require.NoError(t, err)
	assert.Equal(t, now, end)
	assert.Equal(t, now.AddDate(0, 0, -90), start)

	start, end, err = (&Flags{StartDate: "2024-01-01", EndDate: "2024-01-31"}).window(now, 90)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), end)

	// An end date in the future is capped at now.
	_, end, err = (&Flags{EndDate: "2030-01-01"}).window(now, 90)
	require.NoError(t, err)
	assert.Equal(t, now, end)

	_, _, err = (&Flags{StartDate: "2024-02-01", EndDate: "2024-01-01"}).window(now, 90)
	assert.Error(t, err)
	_, _, err = (&Flags{StartDate: "01/02/2024"}).window(now, 90)
	assert.Error(t, err)
}
