// Package report writes analysis results: CSV files, console tables, JSON and
// the unclosed gap report.
package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

// Output file names.
const (
	BarsFile     = "btc_price_data.csv"
	GapsFile     = "cme_gaps.csv"
	UnclosedFile = "unclosed_gaps.csv"
	StatsFile    = "gap_statistics.json"
)

var barColumns = []string{"timestamp", "open", "high", "low", "close", "volume"}

var gapColumns = []string{
	"id", "close_timestamp", "close_price", "reopen_timestamp", "reopen_price",
	"gap_size", "gap_size_pct", "gap_direction", "status", "close_date", "reopen_date",
	"closure_timestamp", "bars_to_closure", "hours_to_closure", "days_to_closure", "atr_ratio",
}

// timestampLayouts are tried in order when reading bar timestamps. The second
// and third cover CSV files written by pandas.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// WriteBarsCSV writes bars with RFC3339 timestamps.
func WriteBarsCSV(w io.Writer, bars []models.PriceBar) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(barColumns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, b := range bars {
		record := []string{
			b.Timestamp.Format(time.RFC3339),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume.String(),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write bar %s: %w", record[0], err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadBarsCSV parses a bar file. Columns are matched by header name, so extra
// columns and any column order are accepted. Timestamps may be RFC3339, a
// pandas style date time, or Unix seconds or milliseconds.
func ReadBarsCSV(r io.Reader) ([]models.PriceBar, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("bars csv: missing header row")
	}
	if err != nil {
		return nil, fmt.Errorf("bars csv: read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range barColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("bars csv: missing column %q", col)
		}
	}

	bars := make([]models.PriceBar, 0)
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bars csv: %w", err)
		}
		line, _ := cr.FieldPos(0)

		ts, err := parseTimestamp(record[index["timestamp"]])
		if err != nil {
			return nil, fmt.Errorf("bars csv line %d: invalid timestamp %q: %w", line, record[index["timestamp"]], err)
		}

		b := models.PriceBar{Timestamp: ts}
		for _, f := range []struct {
			name string
			dst  *decimal.Decimal
		}{
			{"open", &b.Open}, {"high", &b.High}, {"low", &b.Low}, {"close", &b.Close}, {"volume", &b.Volume},
		} {
			raw := strings.TrimSpace(record[index[f.name]])
			if *f.dst, err = decimal.NewFromString(raw); err != nil {
				return nil, fmt.Errorf("bars csv line %d: invalid %s %q: %w", line, f.name, raw, err)
			}
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		// Anything past 1e11 is too large to be seconds.
		if n > 1e11 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format")
}

// WriteGapsCSV writes one row per gap. Closure columns are empty for open gaps.
func WriteGapsCSV(w io.Writer, gaps []*models.Gap) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(gapColumns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, g := range gaps {
		if err := cw.Write(gapRecord(g)); err != nil {
			return fmt.Errorf("write gap %s: %w", g.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func gapRecord(g *models.Gap) []string {
	var closure, bars, hours, days, atr string
	if g.ClosureTimestamp != nil {
		closure = g.ClosureTimestamp.Format(time.RFC3339)
	}
	if g.BarsToClosure != nil {
		bars = strconv.Itoa(*g.BarsToClosure)
	}
	if h, ok := g.HoursToClosure(); ok {
		hours = formatFloat(h)
	}
	if d, ok := g.DaysToClosure(); ok {
		days = formatFloat(d)
	}
	if g.ATRRatio != nil {
		atr = formatFloat(*g.ATRRatio)
	}

	return []string{
		g.ID,
		g.CloseTimestamp.Format(time.RFC3339),
		g.ClosePrice.String(),
		g.ReopenTimestamp.Format(time.RFC3339),
		g.ReopenPrice.String(),
		g.GapSize.String(),
		formatFloat(g.GapSizePct),
		string(g.Direction),
		string(g.Status),
		g.CloseDate,
		g.ReopenDate,
		closure, bars, hours, days, atr,
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
