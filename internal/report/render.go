package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

const ruleWidth = 78

// printer keeps the first write error so renderers can print freely.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) rule(ch string) {
	p.printf("%s\n", strings.Repeat(ch, ruleWidth))
}

func money(f float64) string {
	return "$" + humanize.FormatFloat("#,###.##", f)
}

// RenderSummary prints the gap statistics block.
func RenderSummary(w io.Writer, stats models.GapStatistics) error {
	p := &printer{w: w}

	p.rule("=")
	p.printf("CME GAP STATISTICS\n")
	p.rule("=")

	p.printf("\nTotal Gaps Detected: %d\n", stats.TotalGaps)
	if stats.TotalGaps == 0 {
		p.printf("  No gaps in the analysed window.\n")
		p.rule("=")
		return p.err
	}
	p.printf("  - Closed: %d\n", stats.ClosedGaps)
	p.printf("  - Open: %d\n", stats.OpenGaps)
	p.printf("  - Closure Rate: %.2f%%\n", stats.ClosureRate)

	p.printf("\nGap Size Statistics:\n")
	p.printf("  - Average: %s (%.2f%%)\n", money(stats.MeanSize), stats.MeanSizePct)
	p.printf("  - Median: %s\n", money(stats.MedianSize))
	p.printf("  - Std Dev: %s\n", money(stats.StdSize))

	for _, named := range []struct {
		label string
		gap   *models.Gap
	}{
		{"Largest Gap", stats.LargestGap},
		{"Smallest Gap", stats.SmallestGap},
	} {
		if named.gap == nil {
			continue
		}
		p.printf("\n%s:\n", named.label)
		p.printf("  - Size: %s (%.2f%%)\n", money(named.gap.AbsSize().InexactFloat64()), named.gap.GapSizePct)
		p.printf("  - Direction: %s\n", named.gap.Direction)
		p.printf("  - Date: %s\n", named.gap.CloseDate)
		p.printf("  - Closed: %t\n", named.gap.IsClosed())
	}

	if stats.ClosedGaps > 0 {
		p.printf("\nClosure Time Statistics (for closed gaps):\n")
		p.printf("  - Average: %.1f hours (%.2f days)\n", stats.MeanHoursToClosure, stats.MeanDaysToClosure)
		p.printf("  - Median: %.1f hours (%.2f days)\n", stats.MedianHoursToClosure, stats.MedianDaysToClosure)
		p.printf("  - Range: %.1f - %.1f hours\n", stats.MinHoursToClosure, stats.MaxHoursToClosure)
	}

	up := stats.ByDirection[models.GapUp]
	down := stats.ByDirection[models.GapDown]
	p.printf("\nDirection Statistics:\n")
	p.printf("  - Upward Gaps: %d (Closure Rate: %.2f%%)\n", up.Count, up.ClosureRate)
	p.printf("  - Downward Gaps: %d (Closure Rate: %.2f%%)\n", down.Count, down.ClosureRate)
	p.printf("  - Avg Up Gap Size: %s\n", money(up.AvgSize))
	p.printf("  - Avg Down Gap Size: %s\n", money(down.AvgSize))

	p.printf("\nGaps Closed Within One Week:\n")
	p.printf("  - Count: %d (%.2f%% of all gaps)\n", stats.ClosedWithinWeek, stats.ClosedWithinWeekPct)
	if stats.ClosedGaps > 0 {
		p.printf("  - Percentage of closed gaps: %.2f%%\n", stats.ClosedWithinWeekOfClosed)
	}
	p.rule("=")
	return p.err
}

// RenderGapTable prints one line per gap. A positive limit shows the first
// limit gaps only.
func RenderGapTable(w io.Writer, gapList []*models.Gap, limit int) error {
	p := &printer{w: w}

	if len(gapList) == 0 {
		p.printf("No gaps detected.\n")
		return p.err
	}

	p.printf("%-4s %-12s %-12s %-6s %14s %8s %-7s %10s\n",
		"#", "Close Date", "Reopen Date", "Dir", "Gap Size", "Gap %", "Status", "Hours")
	p.rule("-")

	shown := gapList
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}
	for i, g := range shown {
		hours := "-"
		if h, ok := g.HoursToClosure(); ok {
			hours = fmt.Sprintf("%.1f", h)
		}
		p.printf("%-4d %-12s %-12s %-6s %14s %7.2f%% %-7s %10s\n",
			i+1, g.CloseDate, g.ReopenDate, strings.ToUpper(string(g.Direction)),
			money(g.GapSize.InexactFloat64()), g.GapSizePct, g.Status, hours)
	}

	if len(shown) < len(gapList) {
		p.printf("\n... showing first %d of %d gaps (use --limit to see more)\n", len(shown), len(gapList))
	}
	return p.err
}

// RenderUnclosed prints the unclosed gap report.
func RenderUnclosed(w io.Writer, summary *UnclosedSummary) error {
	p := &printer{w: w}

	p.rule("=")
	p.printf("UNCLOSED CME GAPS REPORT\n")
	p.rule("=")

	if summary.Total() == 0 {
		p.printf("\nAll CME gaps have been closed.\n")
		p.rule("=")
		return p.err
	}

	p.printf("\nSUMMARY\n")
	p.printf("  Total Unclosed Gaps: %d\n", summary.Total())
	p.printf("  Current Price: %s\n", money(summary.CurrentPrice.InexactFloat64()))
	p.printf("  Report Date: %s\n", summary.AsOf.Format(time.RFC3339))

	p.printf("\nGAP SIZE STATISTICS (Unclosed Gaps)\n")
	p.printf("  Average Gap Size: %s (%.2f%%)\n", money(summary.Size.Mean), summary.SizePct.Mean)
	p.printf("  Median Gap Size: %s\n", money(summary.Size.Median))
	p.printf("  Largest Unclosed Gap: %s\n", money(summary.Size.Max))
	p.printf("  Smallest Unclosed Gap: %s\n", money(summary.Size.Min))

	p.printf("\nDIRECTION BREAKDOWN\n")
	p.printf("  Upward Gaps (Unclosed): %d\n", summary.UpGaps)
	p.printf("  Downward Gaps (Unclosed): %d\n", summary.DownGaps)

	p.printf("\nTIME STATISTICS\n")
	p.printf("  Average Days Since Gap: %.1f days\n", summary.DaysSince.Mean)
	p.printf("  Median Days Since Gap: %.1f days\n", summary.DaysSince.Median)
	p.printf("  Oldest Unclosed Gap: %.1f days ago\n", summary.DaysSince.Max)
	p.printf("  Newest Unclosed Gap: %.1f days ago\n", summary.DaysSince.Min)

	p.printf("\nDISTANCE TO CLOSURE\n")
	p.printf("  Average Distance to Close: %s (%.2f%%)\n", money(summary.Distance.Mean), summary.DistancePct.Mean)
	p.printf("  Median Distance to Close: %s\n", money(summary.Distance.Median))
	p.printf("  Closest to Closure: %s\n", money(summary.Distance.Min))
	p.printf("  Farthest from Closure: %s\n", money(summary.Distance.Max))

	p.printf("\nDETAILED LIST OF UNCLOSED GAPS\n")
	p.rule("-")
	p.printf("%-4s %-12s %-10s %14s %8s %10s %14s %10s\n",
		"#", "Date", "Direction", "Gap Size", "Gap %", "Days Ago", "Distance", "Distance %")
	p.rule("-")
	for i, row := range summary.Gaps {
		g := row.Gap
		p.printf("%-4d %-12s %-10s %14s %7.2f%% %10.1f %14s %9.2f%%\n",
			i+1, g.CloseDate, strings.ToUpper(string(g.Direction)),
			money(g.GapSize.InexactFloat64()), g.GapSizePct, row.DaysSinceGap,
			money(row.DistanceToClose.InexactFloat64()), row.DistanceToClosePct)
	}
	p.rule("=")
	return p.err
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
