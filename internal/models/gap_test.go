package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustBar(t *testing.T, ts time.Time, open, high, low, close string) PriceBar {
	t.Helper()
	bar, err := NewPriceBar(ts, open, high, low, close, "1")
	require.NoError(t, err)
	return *bar
}

func TestNewGap(t *testing.T) {
	loc := chicago(t)
	prev := mustBar(t, time.Date(2024, 1, 5, 15, 0, 0, 0, loc), "99", "101", "98", "100")
	next := mustBar(t, time.Date(2024, 1, 7, 18, 0, 0, 0, loc), "105", "106", "104", "105.5")

	t.Run("up gap", func(t *testing.T) {
		gap, err := NewGap("gap-1", prev, next, loc)
		require.NoError(t, err)

		assert.Equal(t, GapUp, gap.Direction)
		assert.Equal(t, GapStatusOpen, gap.Status)
		assert.True(t, gap.GapSize.Equal(decimal.NewFromInt(5)))
		assert.InDelta(t, 5.0, gap.GapSizePct, 1e-9)
		assert.Equal(t, "2024-01-05", gap.CloseDate)
		assert.Equal(t, "2024-01-07", gap.ReopenDate)
		assert.Nil(t, gap.ClosureTimestamp)
		assert.False(t, gap.IsClosed())
	})

	t.Run("down gap", func(t *testing.T) {
		down := mustBar(t, next.Timestamp, "97", "98", "96", "97.5")
		gap, err := NewGap("gap-2", prev, down, loc)
		require.NoError(t, err)

		assert.Equal(t, GapDown, gap.Direction)
		assert.True(t, gap.GapSize.Equal(decimal.NewFromInt(-3)))
		assert.True(t, gap.AbsSize().Equal(decimal.NewFromInt(3)))
	})

	t.Run("flat reopen is rejected", func(t *testing.T) {
		flat := mustBar(t, next.Timestamp, "100", "101", "99", "100")
		_, err := NewGap("gap-3", prev, flat, loc)
		assert.Error(t, err)
	})

	t.Run("timestamps converted to location", func(t *testing.T) {
		utcPrev := prev
		utcPrev.Timestamp = prev.Timestamp.UTC()
		gap, err := NewGap("gap-4", utcPrev, next, loc)
		require.NoError(t, err)
		assert.Equal(t, loc, gap.CloseTimestamp.Location())
	})
}

func TestGap_MarkClosed(t *testing.T) {
	loc := chicago(t)
	prev := mustBar(t, time.Date(2024, 1, 5, 15, 0, 0, 0, loc), "99", "101", "98", "100")
	next := mustBar(t, time.Date(2024, 1, 7, 18, 0, 0, 0, loc), "105", "106", "104", "105.5")

	t.Run("transitions once", func(t *testing.T) {
		gap, err := NewGap("gap-1", prev, next, loc)
		require.NoError(t, err)

		closedAt := time.Date(2024, 1, 8, 9, 0, 0, 0, loc)
		require.NoError(t, gap.MarkClosed(closedAt, 3))

		assert.True(t, gap.IsClosed())
		assert.True(t, gap.ClosureTimestamp.Equal(closedAt))
		assert.Equal(t, 3, *gap.BarsToClosure)
		assert.Equal(t, 15*time.Hour, *gap.TimeToClosure)
		require.NoError(t, gap.Validate())

		hours, ok := gap.HoursToClosure()
		assert.True(t, ok)
		assert.Equal(t, 15.0, hours)

		err = gap.MarkClosed(closedAt.Add(time.Hour), 4)
		assert.ErrorIs(t, err, ErrAlreadyClosed)
		assert.Equal(t, 3, *gap.BarsToClosure, "second transition must not mutate")
	})

	t.Run("closure must be after reopen", func(t *testing.T) {
		gap, err := NewGap("gap-2", prev, next, loc)
		require.NoError(t, err)

		assert.Error(t, gap.MarkClosed(next.Timestamp, 1))
		assert.False(t, gap.IsClosed())
	})

	t.Run("open gap has no closure time", func(t *testing.T) {
		gap, err := NewGap("gap-3", prev, next, loc)
		require.NoError(t, err)

		_, ok := gap.DaysToClosure()
		assert.False(t, ok)
	})
}

func TestGap_Validate(t *testing.T) {
	loc := chicago(t)
	prev := mustBar(t, time.Date(2024, 1, 5, 15, 0, 0, 0, loc), "99", "101", "98", "100")
	next := mustBar(t, time.Date(2024, 1, 7, 18, 0, 0, 0, loc), "105", "106", "104", "105.5")

	gap, err := NewGap("gap-1", prev, next, loc)
	require.NoError(t, err)

	t.Run("inconsistent size", func(t *testing.T) {
		g := *gap
		g.GapSize = decimal.NewFromInt(4)
		assert.Error(t, g.Validate())
	})

	t.Run("wrong direction", func(t *testing.T) {
		g := *gap
		g.Direction = GapDown
		assert.Error(t, g.Validate())
	})

	t.Run("missing id", func(t *testing.T) {
		g := *gap
		g.ID = ""
		assert.Error(t, g.Validate())
	})
}
