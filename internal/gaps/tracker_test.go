package gaps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/cme-gap-analyzer/internal/logger"
	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

func detectOne(t *testing.T, bars []models.PriceBar) *models.Gap {
	t.Helper()
	gaps, err := newTestDetector().Detect(bars, models.DefaultSchedule(), nil)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	return gaps[0]
}

func TestTrack_ClosesOnFirstTouch(t *testing.T) {
	bars := []models.PriceBar{
		mkBar(ct(t, 5, 15), 99, 101, 98, 100),
		mkBar(ct(t, 7, 18), 105, 106, 104, 105),
		mkBar(ct(t, 8, 9), 101, 102, 98, 99),
	}
	gap := detectOne(t, bars)

	closed, err := NewTracker(logger.Discard()).Track(bars, []*models.Gap{gap})
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	assert.Equal(t, models.GapStatusClosed, gap.Status)
	require.NotNil(t, gap.ClosureTimestamp)
	assert.True(t, gap.ClosureTimestamp.Equal(ct(t, 8, 9)))
	require.NotNil(t, gap.BarsToClosure)
	assert.Equal(t, 1, *gap.BarsToClosure)
	require.NotNil(t, gap.TimeToClosure)
	assert.Equal(t, 15*time.Hour, *gap.TimeToClosure)
}

func TestTrack_CountsBarsScannedInclusive(t *testing.T) {
	bars := []models.PriceBar{
		mkBar(ct(t, 5, 15), 99, 101, 98, 100),
		mkBar(ct(t, 7, 18), 105, 106, 104, 105),
		mkBar(ct(t, 7, 19), 105, 107, 104, 106),
		mkBar(ct(t, 7, 20), 106, 108, 103, 104),
		mkBar(ct(t, 7, 21), 104, 104, 100, 101),
		mkBar(ct(t, 7, 22), 101, 101, 95, 96),
	}
	gap := detectOne(t, bars)

	_, err := NewTracker(nil).Track(bars, []*models.Gap{gap})
	require.NoError(t, err)
	require.True(t, gap.IsClosed())
	assert.Equal(t, 3, *gap.BarsToClosure)
	assert.True(t, gap.ClosureTimestamp.Equal(ct(t, 7, 21)))
}

func TestTrack_ReopenBarDoesNotCount(t *testing.T) {
	bars := []models.PriceBar{
		mkBar(ct(t, 5, 15), 99, 101, 98, 100),
		mkBar(ct(t, 7, 18), 105, 106, 99, 104), // covers 100 but is the reopen bar
		mkBar(ct(t, 7, 19), 104, 107, 103, 106),
	}
	gap := detectOne(t, bars)

	closed, err := NewTracker(nil).Track(bars, []*models.Gap{gap})
	require.NoError(t, err)
	assert.Zero(t, closed)
	assert.Equal(t, models.GapStatusOpen, gap.Status)
	assert.Nil(t, gap.BarsToClosure)
}

func TestTrack_DownGapClosesWhenHighReachesLevel(t *testing.T) {
	bars := []models.PriceBar{
		mkBar(ct(t, 5, 15), 99, 101, 98, 100),
		mkBar(ct(t, 7, 18), 95, 96, 94, 95),
		mkBar(ct(t, 8, 3), 95, 99.5, 95, 99),
		mkBar(ct(t, 8, 4), 99, 100, 98, 99),
	}
	gap := detectOne(t, bars)
	require.Equal(t, models.GapDown, gap.Direction)

	_, err := NewTracker(nil).Track(bars, []*models.Gap{gap})
	require.NoError(t, err)
	require.True(t, gap.IsClosed())
	assert.Equal(t, 2, *gap.BarsToClosure)
}

func TestTrack_Tolerance(t *testing.T) {
	bars := []models.PriceBar{
		mkBar(ct(t, 5, 15), 99, 101, 98, 100),
		mkBar(ct(t, 7, 18), 105, 106, 104, 105),
		mkBar(ct(t, 8, 9), 101, 101, 100.05, 100.5),
	}

	exact := detectOne(t, bars)
	closed, err := NewTracker(nil).Track(bars, []*models.Gap{exact})
	require.NoError(t, err)
	assert.Zero(t, closed, "0.05 away with no tolerance stays open")

	tolerant := detectOne(t, bars)
	closed, err = NewTracker(nil, WithTolerance(0.001)).Track(bars, []*models.Gap{tolerant})
	require.NoError(t, err)
	assert.Equal(t, 1, closed, "within 0.1 percent closes")

	negative := detectOne(t, bars)
	closed, err = NewTracker(nil, WithTolerance(-1)).Track(bars, []*models.Gap{negative})
	require.NoError(t, err)
	assert.Zero(t, closed)
}

func TestTrack_SharedReferenceLevelIsIndependent(t *testing.T) {
	bars := []models.PriceBar{
		mkBar(ct(t, 5, 15), 99, 101, 98, 100),
		mkBar(ct(t, 7, 18), 105, 106, 104, 105),
		mkBar(ct(t, 12, 15), 99, 101, 98, 100),
		mkBar(ct(t, 14, 18), 103, 104, 102, 103),
		mkBar(ct(t, 15, 9), 101, 102, 99, 100),
	}
	gaps, err := newTestDetector().Detect(bars, models.DefaultSchedule(), nil)
	require.NoError(t, err)
	require.Len(t, gaps, 2)

	closed, err := NewTracker(nil).Track(bars, gaps)
	require.NoError(t, err)
	assert.Equal(t, 2, closed)

	// The first gap is filled by the Friday Jan 12 bar, the second by Monday Jan 15.
	assert.True(t, gaps[0].ClosureTimestamp.Equal(ct(t, 12, 15)))
	assert.True(t, gaps[1].ClosureTimestamp.Equal(ct(t, 15, 9)))
}

func TestTrack_SkipsClosedGapsAndIsRepeatable(t *testing.T) {
	bars := []models.PriceBar{
		mkBar(ct(t, 5, 15), 99, 101, 98, 100),
		mkBar(ct(t, 7, 18), 105, 106, 104, 105),
		mkBar(ct(t, 8, 9), 101, 102, 98, 99),
	}
	gap := detectOne(t, bars)
	tracker := NewTracker(nil)

	closed, err := tracker.Track(bars, []*models.Gap{gap, nil})
	require.NoError(t, err)
	assert.Equal(t, 1, closed)
	first := *gap.ClosureTimestamp

	closed, err = tracker.Track(bars, []*models.Gap{gap})
	require.NoError(t, err)
	assert.Zero(t, closed)
	assert.True(t, first.Equal(*gap.ClosureTimestamp))
}

func TestTrack_NoLaterBars(t *testing.T) {
	bars := []models.PriceBar{
		mkBar(ct(t, 5, 15), 99, 101, 98, 100),
		mkBar(ct(t, 7, 18), 105, 106, 104, 105),
	}
	gap := detectOne(t, bars)

	closed, err := NewTracker(nil).Track(bars, []*models.Gap{gap})
	require.NoError(t, err)
	assert.Zero(t, closed)
	assert.False(t, gap.IsClosed())
}
