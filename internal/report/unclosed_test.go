package report

import (
	"bytes"
	"encoding/csv"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

func TestUnclosedReport(t *testing.T) {
	closed := testGap(t, "closed", 5, 100, 104, 10*time.Hour)
	up := testGap(t, "up", 12, 100, 102, 0)
	down := testGap(t, "down", 19, 110, 100, 0)

	bars := []models.PriceBar{
		bar(utc(29, 0), 104, 106, 103, 105),
	}

	summary, err := UnclosedReport([]*models.Gap{closed, up, down}, bars, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Total())
	assert.Equal(t, 1, summary.UpGaps)
	assert.Equal(t, 1, summary.DownGaps)
	assert.True(t, summary.AsOf.Equal(utc(29, 0)))
	assert.Equal(t, "105", summary.CurrentPrice.String())

	// Largest absolute size first.
	require.Len(t, summary.Gaps, 2)
	assert.Equal(t, "down", summary.Gaps[0].Gap.ID)
	assert.Equal(t, "up", summary.Gaps[1].Gap.ID)

	// down: close 110, price 105 => 5 to travel up to the level.
	assert.Equal(t, "5", summary.Gaps[0].DistanceToClose.String())
	// up: close 100, price 105 => 5 to travel down to the level.
	assert.Equal(t, "5", summary.Gaps[1].DistanceToClose.String())
	assert.InDelta(t, 5.0, summary.Gaps[1].DistanceToClosePct, 1e-9)

	// up reopened Jan 14 23:00, 14 days and 1 hour before Jan 29 00:00.
	assert.InDelta(t, 14+1.0/24, summary.Gaps[1].DaysSinceGap, 1e-9)

	assert.Equal(t, 2, summary.Size.Count)
	assert.InDelta(t, 6.0, summary.Size.Mean, 1e-9)
	assert.InDelta(t, 10.0, summary.Size.Max, 1e-9)
	assert.InDelta(t, 2.0, summary.Size.Min, 1e-9)
	assert.InDelta(t, 5.0, summary.Distance.Mean, 1e-9)
}

func TestUnclosedReport_ExplicitAsOf(t *testing.T) {
	up := testGap(t, "up", 12, 100, 102, 0)
	asOf := utc(24, 23)

	summary, err := UnclosedReport([]*models.Gap{up}, []models.PriceBar{bar(utc(20, 0), 101, 102, 100, 101)}, asOf)
	require.NoError(t, err)
	assert.True(t, summary.AsOf.Equal(asOf))
	assert.InDelta(t, 10.0, summary.Gaps[0].DaysSinceGap, 1e-9)
}

func TestUnclosedReport_PastLevelIsNegative(t *testing.T) {
	up := testGap(t, "up", 12, 100, 102, 0)
	summary, err := UnclosedReport([]*models.Gap{up}, []models.PriceBar{bar(utc(20, 0), 98, 99, 97, 98)}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "-2", summary.Gaps[0].DistanceToClose.String())
	assert.InDelta(t, 2.0, summary.Distance.Mean, 1e-9)
}

func TestUnclosedReport_AllClosed(t *testing.T) {
	closed := testGap(t, "closed", 5, 100, 104, 10*time.Hour)
	summary, err := UnclosedReport([]*models.Gap{closed}, []models.PriceBar{bar(utc(20, 0), 101, 102, 100, 101)}, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, summary.Total())
	assert.Zero(t, summary.Size.Count)
}

func TestUnclosedReport_NoBars(t *testing.T) {
	_, err := UnclosedReport(nil, nil, time.Time{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNoData))
}

func TestWriteUnclosedCSV(t *testing.T) {
	up := testGap(t, "up", 12, 100, 102, 0)
	summary, err := UnclosedReport([]*models.Gap{up}, []models.PriceBar{bar(utc(24, 23), 104, 105, 103, 104)}, time.Time{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteUnclosedCSV(&buf, summary))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	header := records[0]
	assert.Len(t, header, len(gapColumns)+3)
	assert.Equal(t, "days_since_gap", header[len(gapColumns)])

	row := records[1]
	assert.Equal(t, "up", row[0])
	assert.Equal(t, "10", row[len(gapColumns)])
	assert.Equal(t, "4", row[len(gapColumns)+1])
	assert.Equal(t, "4", row[len(gapColumns)+2])
}
