package charts

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/johnayoung/cme-gap-analyzer/internal/models"
	"github.com/johnayoung/cme-gap-analyzer/internal/report"
)

// UnclosedFile is the file name of the unclosed gap figure.
const UnclosedFile = "unclosed_gaps_report.png"

const unclosedHistBins = 15

// Unclosed writes the unclosed gap figure: the price with the reference level of
// every open gap across the full top row, then histograms of gap size, days
// since the gap and distance to close, and days against size.
func (r *Renderer) Unclosed(path string, bars []models.PriceBar, summary *report.UnclosedSummary) error {
	if len(bars) == 0 {
		return fmt.Errorf("unclosed gap plot: %w", models.ErrNoData)
	}
	if summary == nil || summary.Total() == 0 {
		return fmt.Errorf("unclosed gap plot needs open gaps: %w", models.ErrNoData)
	}

	price, err := openLevels(bars, summary)
	if err != nil {
		return fmt.Errorf("open gap levels: %w", err)
	}

	sizes := make(plotter.Values, len(summary.Gaps))
	days := make(plotter.Values, len(summary.Gaps))
	distances := make(plotter.Values, len(summary.Gaps))
	for i, row := range summary.Gaps {
		sizes[i] = row.Gap.AbsSize().InexactFloat64()
		days[i] = row.DaysSinceGap
		distances[i] = row.DistanceToClose.Abs().InexactFloat64()
	}

	size, err := meanHistogram("Unclosed Gap Size Distribution", "Gap Size (USD, absolute)",
		sizes, barColor, summary.Size.Mean, fmt.Sprintf("Mean: $%.2f", summary.Size.Mean))
	if err != nil {
		return fmt.Errorf("unclosed size distribution: %w", err)
	}
	age, err := meanHistogram("Days Since Gap Formed", "Days",
		days, closureColor, summary.DaysSince.Mean, fmt.Sprintf("Mean: %.1f days", summary.DaysSince.Mean))
	if err != nil {
		return fmt.Errorf("days since gap: %w", err)
	}
	distance, err := meanHistogram("Distance to Close", "Distance (USD, absolute)",
		distances, upColor, summary.Distance.Mean, fmt.Sprintf("Mean: $%.2f", summary.Distance.Mean))
	if err != nil {
		return fmt.Errorf("distance to close: %w", err)
	}
	ageVsSize, err := daysVsSize(summary)
	if err != nil {
		return fmt.Errorf("days vs size: %w", err)
	}

	img := r.newImage(r.width, r.height)
	dc := draw.New(img)
	h := dc.Max.Y - dc.Min.Y
	drawGrid(draw.Crop(dc, 0, 0, h*2/3, 0), [][]*plot.Plot{{price}})
	drawGrid(draw.Crop(dc, 0, 0, 0, -h/3), [][]*plot.Plot{
		{size, age},
		{distance, ageVsSize},
	})
	return r.writePNG(path, img)
}

// openLevels plots the price with a dashed line at each open gap's reference
// level, drawn from the gap to the last bar and labelled with the level and
// the percent distance to it.
func openLevels(bars []models.PriceBar, summary *report.UnclosedSummary) (*plot.Plot, error) {
	p := newPanel(fmt.Sprintf("Price with %d Unclosed CME Gaps", summary.Total()), "Date", "Price (USD)")
	p.X.Tick.Marker = plot.TimeTicks{Format: "2006-01-02"}
	p.Legend.Left = true
	if err := addPrice(p, bars); err != nil {
		return nil, err
	}

	end := timeX(bars[len(bars)-1].Timestamp)
	labels := plotter.XYLabels{}
	legend := map[models.GapDirection]bool{}
	for _, row := range summary.Gaps {
		g := row.Gap
		level := g.ClosePrice.InexactFloat64()
		l, err := plotter.NewLine(plotter.XYs{{X: timeX(g.CloseTimestamp), Y: level}, {X: end, Y: level}})
		if err != nil {
			return nil, err
		}
		c := downColor
		if g.Direction == models.GapUp {
			c = upColor
		}
		l.LineStyle.Color = withAlpha(c, 0xb0)
		l.LineStyle.Width = vg.Points(1)
		l.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(l)
		if !legend[g.Direction] {
			p.Legend.Add(fmt.Sprintf("Open %s gap level", g.Direction), l)
			legend[g.Direction] = true
		}

		labels.XYs = append(labels.XYs, plotter.XY{X: timeX(g.CloseTimestamp), Y: level})
		labels.Labels = append(labels.Labels, fmt.Sprintf("$%.0f (%+.1f%%)", level, row.DistanceToClosePct))
	}

	tags, err := plotter.NewLabels(labels)
	if err != nil {
		return nil, err
	}
	p.Add(tags)
	return p, nil
}

// meanHistogram is a histogram of values with a marker at mean.
func meanHistogram(title, xLabel string, values plotter.Values, fill color.Color, mean float64, label string) (*plot.Plot, error) {
	p := newPanel(title, xLabel, "Frequency")
	h, err := plotter.NewHist(values, unclosedHistBins)
	if err != nil {
		return nil, err
	}
	h.FillColor = fill
	p.Add(h)
	if err := addMarker(p, mean, maxWeight(h), downColor, label); err != nil {
		return nil, err
	}
	return p, nil
}

func daysVsSize(summary *report.UnclosedSummary) (*plot.Plot, error) {
	p := newPanel("Gap Age vs Size", "Days Since Gap", "Gap Size (USD, absolute)")

	up, down := make(plotter.XYs, 0), make(plotter.XYs, 0)
	for _, row := range summary.Gaps {
		pt := plotter.XY{X: row.DaysSinceGap, Y: row.Gap.AbsSize().InexactFloat64()}
		if row.Gap.Direction == models.GapUp {
			up = append(up, pt)
		} else {
			down = append(down, pt)
		}
	}
	if err := addScatter(p, up, upColor, "Up"); err != nil {
		return nil, err
	}
	if err := addScatter(p, down, downColor, "Down"); err != nil {
		return nil, err
	}
	return p, nil
}
