// Package charts renders gap analysis results as PNG figures with gonum/plot.
package charts

import (
	"fmt"
	"image/color"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/text"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/johnayoung/cme-gap-analyzer/internal/config"
	"github.com/johnayoung/cme-gap-analyzer/internal/gaps"
	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

// Output file names.
const (
	StatisticsFile  = "gap_statistics.png"
	PriceActionFile = "price_action_with_gaps.png"
	ClosureFile     = "closure_analysis.png"
)

const (
	defaultWidth  = 15 // inches
	defaultHeight = 12 // inches
	defaultDPI    = 100

	sizeHistBins    = 30
	compareHistBins = 20
	closureRateBins = 10
)

var (
	upColor      = color.RGBA{R: 0x2e, G: 0x8b, B: 0x57, A: 0xff}
	downColor    = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff}
	closureColor = color.RGBA{R: 0x1f, G: 0x3f, B: 0xd0, A: 0xff}
	barColor     = color.RGBA{R: 0x46, G: 0x82, B: 0xb4, A: 0xff}
	rangeColor   = color.NRGBA{R: 0x80, G: 0x80, B: 0x80, A: 0x40}
	priceColor   = color.RGBA{A: 0xc0}
)

// Renderer writes the analysis figures.
type Renderer struct {
	width  vg.Length
	height vg.Length
	dpi    int
	logger *slog.Logger
}

// NewRenderer creates a renderer sized by the output configuration.
func NewRenderer(cfg config.OutputConfig, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	width, height := cfg.PlotWidth, cfg.PlotHeight
	if width <= 0 {
		width = defaultWidth
	}
	if height <= 0 {
		height = defaultHeight
	}
	return &Renderer{
		width:  vg.Length(width) * vg.Inch,
		height: vg.Length(height) * vg.Inch,
		dpi:    defaultDPI,
		logger: logger.With("component", "charts"),
	}
}

// RenderAll writes every figure that has data into dir and returns the paths
// written. The gap figures are skipped when there are no gaps.
func (r *Renderer) RenderAll(dir string, bars []models.PriceBar, gapList []*models.Gap, stats models.GapStatistics) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plot directory: %w", err)
	}

	written := make([]string, 0, 3)
	if len(bars) > 0 {
		path := filepath.Join(dir, PriceActionFile)
		if err := r.PriceAction(path, bars, gapList); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	if len(gapList) == 0 {
		r.logger.Info("no gaps to plot")
		return written, nil
	}

	path := filepath.Join(dir, StatisticsFile)
	if err := r.Statistics(path, gapList, stats); err != nil {
		return written, err
	}
	written = append(written, path)

	path = filepath.Join(dir, ClosureFile)
	if err := r.ClosureAnalysis(path, gapList); err != nil {
		return written, err
	}
	written = append(written, path)

	r.logger.Debug("rendered plots", "count", len(written), "dir", dir)
	return written, nil
}

// Statistics writes a 2x2 figure: size histogram, size over time, closure time
// histogram and closure rate by size bucket.
func (r *Renderer) Statistics(path string, gapList []*models.Gap, stats models.GapStatistics) error {
	sizeHist, err := sizeDistribution(gapList)
	if err != nil {
		return fmt.Errorf("gap size distribution: %w", err)
	}
	overTime, err := sizeOverTime(gapList)
	if err != nil {
		return fmt.Errorf("gap size over time: %w", err)
	}
	closureHist, err := closureTimeDistribution(gapList, stats)
	if err != nil {
		return fmt.Errorf("closure time distribution: %w", err)
	}
	rateBySize, err := closureRateBySize(gapList)
	if err != nil {
		return fmt.Errorf("closure rate by size: %w", err)
	}

	return r.save(path, r.width, r.height, [][]*plot.Plot{
		{sizeHist, overTime},
		{closureHist, rateBySize},
	})
}

// PriceAction writes the close price with the high-low band, a box for each gap
// and a marker where each closed gap was filled.
func (r *Renderer) PriceAction(path string, bars []models.PriceBar, gapList []*models.Gap) error {
	if len(bars) == 0 {
		return fmt.Errorf("price action plot: %w", models.ErrNoData)
	}

	p := plot.New()
	p.Title.Text = "Price Action with CME Gaps"
	p.X.Label.Text = "Date"
	p.Y.Label.Text = "Price (USD)"
	p.X.Tick.Marker = plot.TimeTicks{Format: "2006-01-02"}
	p.Add(plotter.NewGrid())
	if err := addPrice(p, bars); err != nil {
		return err
	}

	closures := make(plotter.XYs, 0)
	for _, g := range gapList {
		box, err := gapBox(g)
		if err != nil {
			return fmt.Errorf("gap %s: %w", g.ID, err)
		}
		p.Add(box)
		if g.ClosureTimestamp != nil {
			closures = append(closures, plotter.XY{
				X: timeX(*g.ClosureTimestamp),
				Y: g.ClosePrice.InexactFloat64(),
			})
		}
	}

	if len(closures) > 0 {
		marks, err := plotter.NewScatter(closures)
		if err != nil {
			return fmt.Errorf("closure markers: %w", err)
		}
		marks.GlyphStyle.Color = closureColor
		marks.GlyphStyle.Shape = draw.CrossGlyph{}
		marks.GlyphStyle.Radius = vg.Points(4)
		p.Add(marks)
		p.Legend.Add("Gap Closure", marks)
	}
	p.Legend.Top = true
	p.Legend.Left = true

	return r.save(path, r.width, r.height*2/3, [][]*plot.Plot{{p}})
}

// ClosureAnalysis writes a 2x2 figure: yearly closure rate, size against time
// to close, closed against open size histograms and the cumulative closure rate.
func (r *Renderer) ClosureAnalysis(path string, gapList []*models.Gap) error {
	yearly, err := yearlyClosureRate(gapList)
	if err != nil {
		return fmt.Errorf("yearly closure rate: %w", err)
	}
	sizeVsTime, err := sizeVsClosureTime(gapList)
	if err != nil {
		return fmt.Errorf("size vs closure time: %w", err)
	}
	compare, err := closedVsOpen(gapList)
	if err != nil {
		return fmt.Errorf("closed vs open: %w", err)
	}
	cumulative, err := cumulativeClosureRate(gapList)
	if err != nil {
		return fmt.Errorf("cumulative closure rate: %w", err)
	}

	return r.save(path, r.width, r.height, [][]*plot.Plot{
		{yearly, sizeVsTime},
		{compare, cumulative},
	})
}

func (r *Renderer) save(path string, width, height vg.Length, plots [][]*plot.Plot) error {
	img := r.newImage(width, height)
	drawGrid(draw.New(img), plots)
	return r.writePNG(path, img)
}

func (r *Renderer) newImage(width, height vg.Length) *vgimg.Canvas {
	return vgimg.NewWith(vgimg.UseWH(width, height), vgimg.UseDPI(r.dpi))
}

// drawGrid lays plots out as rows of equal-sized tiles on c.
func drawGrid(c draw.Canvas, plots [][]*plot.Plot) {
	tiles := draw.Tiles{
		Rows:      len(plots),
		Cols:      len(plots[0]),
		PadX:      vg.Millimeter * 6,
		PadY:      vg.Millimeter * 6,
		PadTop:    vg.Millimeter * 3,
		PadBottom: vg.Millimeter * 3,
		PadLeft:   vg.Millimeter * 3,
		PadRight:  vg.Millimeter * 3,
	}
	canvases := plot.Align(plots, tiles, c)
	for j := range plots {
		for i := range plots[j] {
			plots[j][i].Draw(canvases[j][i])
		}
	}
}

func (r *Renderer) writePNG(path string, img *vgimg.Canvas) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}

	r.logger.Debug("saved plot", "path", path)
	return nil
}

func sizeDistribution(gapList []*models.Gap) (*plot.Plot, error) {
	p := newPanel("Gap Size Distribution", "Gap Size (USD)", "Frequency")

	sizes := make(plotter.Values, len(gapList))
	for i, g := range gapList {
		sizes[i] = g.GapSize.InexactFloat64()
	}
	h, err := plotter.NewHist(sizes, sizeHistBins)
	if err != nil {
		return nil, err
	}
	h.FillColor = barColor
	p.Add(h)

	d := gaps.Describe(sizes)
	top := maxWeight(h)
	if err := addMarker(p, d.Mean, top, downColor, fmt.Sprintf("Mean: $%.2f", d.Mean)); err != nil {
		return nil, err
	}
	if err := addMarker(p, d.Median, top, upColor, fmt.Sprintf("Median: $%.2f", d.Median)); err != nil {
		return nil, err
	}
	return p, nil
}

func sizeOverTime(gapList []*models.Gap) (*plot.Plot, error) {
	p := newPanel("Gap Size Over Time", "Date", "Gap Size (USD)")
	p.X.Tick.Marker = plot.TimeTicks{Format: "2006-01"}

	up, down := make(plotter.XYs, 0), make(plotter.XYs, 0)
	for _, g := range gapList {
		pt := plotter.XY{X: timeX(g.CloseTimestamp), Y: g.GapSize.InexactFloat64()}
		if g.Direction == models.GapUp {
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

	zero := plotter.NewFunction(func(float64) float64 { return 0 })
	zero.LineStyle.Width = vg.Points(0.5)
	p.Add(zero)
	return p, nil
}

func closureTimeDistribution(gapList []*models.Gap, stats models.GapStatistics) (*plot.Plot, error) {
	p := newPanel("Gap Closure Time Distribution", "Days to Close", "Frequency")

	days := make(plotter.Values, 0, len(gapList))
	for _, g := range gapList {
		if d, ok := g.DaysToClosure(); ok {
			days = append(days, d)
		}
	}
	if len(days) == 0 {
		return p, addNote(p, "No closed gaps")
	}

	h, err := plotter.NewHist(days, sizeHistBins)
	if err != nil {
		return nil, err
	}
	h.FillColor = closureColor
	p.Add(h)

	top := maxWeight(h)
	if err := addMarker(p, stats.MeanDaysToClosure, top, downColor, fmt.Sprintf("Mean: %.2f days", stats.MeanDaysToClosure)); err != nil {
		return nil, err
	}
	if err := addMarker(p, stats.MedianDaysToClosure, top, upColor, fmt.Sprintf("Median: %.2f days", stats.MedianDaysToClosure)); err != nil {
		return nil, err
	}
	return p, nil
}

// sizeBucket counts gaps whose absolute size falls in [Lo, Hi).
type sizeBucket struct {
	Lo, Hi        float64
	Total, Closed int
}

// sizeBuckets splits the absolute gap size range into n equal-width buckets
// and drops the empty ones. The largest gap lands in the last bucket.
func sizeBuckets(gapList []*models.Gap, n int) []sizeBucket {
	if len(gapList) == 0 || n < 1 {
		return nil
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, g := range gapList {
		s := g.AbsSize().InexactFloat64()
		lo, hi = math.Min(lo, s), math.Max(hi, s)
	}
	width := (hi - lo) / float64(n)

	buckets := make([]sizeBucket, n)
	for i := range buckets {
		buckets[i].Lo = lo + float64(i)*width
		buckets[i].Hi = lo + float64(i+1)*width
	}
	for _, g := range gapList {
		i := n - 1
		if width > 0 {
			i = min(int((g.AbsSize().InexactFloat64()-lo)/width), n-1)
		}
		buckets[i].Total++
		if g.IsClosed() {
			buckets[i].Closed++
		}
	}

	nonEmpty := buckets[:0]
	for _, b := range buckets {
		if b.Total > 0 {
			nonEmpty = append(nonEmpty, b)
		}
	}
	return nonEmpty
}

func closureRateBySize(gapList []*models.Gap) (*plot.Plot, error) {
	p := newPanel("Closure Rate by Gap Size", "Gap Size Bin", "Closure Rate (%)")

	buckets := sizeBuckets(gapList, closureRateBins)
	rates := make(plotter.Values, len(buckets))
	labels := make([]string, len(buckets))
	for i, b := range buckets {
		rates[i] = 100 * float64(b.Closed) / float64(b.Total)
		labels[i] = fmt.Sprintf("$%.0f-$%.0f", b.Lo, b.Hi)
	}

	bars, err := plotter.NewBarChart(rates, vg.Points(18))
	if err != nil {
		return nil, err
	}
	bars.Color = barColor
	bars.LineStyle.Width = 0
	p.Add(bars)
	p.NominalX(labels...)
	p.X.Tick.Label.Rotation = math.Pi / 4
	p.X.Tick.Label.XAlign = text.XRight
	p.Y.Min, p.Y.Max = 0, 105
	return p, nil
}

// yearRate is the closure rate of the gaps opened in one calendar year.
type yearRate struct {
	Year  int
	Total int
	Rate  float64
}

func yearlyRates(gapList []*models.Gap) []yearRate {
	totals := make(map[int][2]int)
	for _, g := range gapList {
		year := g.CloseTimestamp.Year()
		c := totals[year]
		c[0]++
		if g.IsClosed() {
			c[1]++
		}
		totals[year] = c
	}

	rates := make([]yearRate, 0, len(totals))
	for year, c := range totals {
		rates = append(rates, yearRate{Year: year, Total: c[0], Rate: 100 * float64(c[1]) / float64(c[0])})
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].Year < rates[j].Year })
	return rates
}

func yearlyClosureRate(gapList []*models.Gap) (*plot.Plot, error) {
	p := newPanel("Closure Rate Over Time", "Year", "Closure Rate (%)")

	rates := yearlyRates(gapList)
	xys := make(plotter.XYs, len(rates))
	for i, yr := range rates {
		xys[i] = plotter.XY{X: float64(yr.Year), Y: yr.Rate}
	}

	line, points, err := plotter.NewLinePoints(xys)
	if err != nil {
		return nil, err
	}
	line.LineStyle.Width = vg.Points(2)
	points.GlyphStyle.Shape = draw.CircleGlyph{}
	points.GlyphStyle.Radius = vg.Points(4)
	p.Add(line, points)
	p.Y.Min, p.Y.Max = 0, 105
	p.X.Tick.Marker = plot.TickerFunc(func(lo, hi float64) []plot.Tick {
		ticks := make([]plot.Tick, 0)
		for y := math.Ceil(lo); y <= hi; y++ {
			ticks = append(ticks, plot.Tick{Value: y, Label: fmt.Sprintf("%.0f", y)})
		}
		return ticks
	})
	return p, nil
}

func sizeVsClosureTime(gapList []*models.Gap) (*plot.Plot, error) {
	p := newPanel("Gap Size vs Closure Time", "Gap Size (USD, absolute)", "Days to Close")

	up, down := make(plotter.XYs, 0), make(plotter.XYs, 0)
	for _, g := range gapList {
		days, ok := g.DaysToClosure()
		if !ok {
			continue
		}
		pt := plotter.XY{X: g.AbsSize().InexactFloat64(), Y: days}
		if g.Direction == models.GapUp {
			up = append(up, pt)
		} else {
			down = append(down, pt)
		}
	}
	if len(up)+len(down) == 0 {
		return p, addNote(p, "No closed gaps")
	}
	if err := addScatter(p, up, upColor, "Up"); err != nil {
		return nil, err
	}
	if err := addScatter(p, down, downColor, "Down"); err != nil {
		return nil, err
	}
	return p, nil
}

func closedVsOpen(gapList []*models.Gap) (*plot.Plot, error) {
	p := newPanel("Gap Size: Closed vs Open", "Gap Size (USD, absolute)", "Frequency")

	var closed, open plotter.Values
	for _, g := range gapList {
		if g.IsClosed() {
			closed = append(closed, g.AbsSize().InexactFloat64())
		} else {
			open = append(open, g.AbsSize().InexactFloat64())
		}
	}
	if len(closed) == 0 {
		return p, addNote(p, "No closed gaps")
	}
	if len(open) == 0 {
		p.Title.Text = "Gap Size: Closed Gaps"
	}

	for _, series := range []struct {
		name   string
		values plotter.Values
		fill   color.Color
	}{
		{"Closed", closed, withAlpha(closureColor, 0xb0)},
		{"Open", open, withAlpha(downColor, 0xb0)},
	} {
		if len(series.values) == 0 {
			continue
		}
		h, err := plotter.NewHist(series.values, compareHistBins)
		if err != nil {
			return nil, err
		}
		h.FillColor = series.fill
		p.Add(h)
		p.Legend.Add(series.name, h)
	}
	return p, nil
}

// cumulativeRates returns the running closure rate after each gap, in close order.
func cumulativeRates(gapList []*models.Gap) plotter.XYs {
	sorted := append([]*models.Gap(nil), gapList...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CloseTimestamp.Before(sorted[j].CloseTimestamp)
	})

	xys := make(plotter.XYs, len(sorted))
	closed := 0
	for i, g := range sorted {
		if g.IsClosed() {
			closed++
		}
		xys[i] = plotter.XY{
			X: timeX(g.CloseTimestamp),
			Y: 100 * float64(closed) / float64(i+1),
		}
	}
	return xys
}

func cumulativeClosureRate(gapList []*models.Gap) (*plot.Plot, error) {
	p := newPanel("Cumulative Closure Rate Over Time", "Date", "Cumulative Closure Rate (%)")
	p.X.Tick.Marker = plot.TimeTicks{Format: "2006-01"}

	line, err := plotter.NewLine(cumulativeRates(gapList))
	if err != nil {
		return nil, err
	}
	line.LineStyle.Width = vg.Points(2)
	line.LineStyle.Color = barColor
	p.Add(line)
	return p, nil
}

func newPanel(title, xLabel, yLabel string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	return p
}

// addPrice draws the high-low band and the close line of bars.
func addPrice(p *plot.Plot, bars []models.PriceBar) error {
	closes := make(plotter.XYs, len(bars))
	band := make(plotter.XYs, 0, 2*len(bars))
	for i, b := range bars {
		x := timeX(b.Timestamp)
		closes[i] = plotter.XY{X: x, Y: b.Close.InexactFloat64()}
		band = append(band, plotter.XY{X: x, Y: b.High.InexactFloat64()})
	}
	for i := len(bars) - 1; i >= 0; i-- {
		band = append(band, plotter.XY{X: timeX(bars[i].Timestamp), Y: bars[i].Low.InexactFloat64()})
	}

	rangePoly, err := plotter.NewPolygon(band)
	if err != nil {
		return fmt.Errorf("price range: %w", err)
	}
	rangePoly.Color = rangeColor
	rangePoly.LineStyle.Width = 0
	p.Add(rangePoly)
	p.Legend.Add("Price Range", rangePoly)

	line, err := plotter.NewLine(closes)
	if err != nil {
		return fmt.Errorf("close price: %w", err)
	}
	line.LineStyle.Color = priceColor
	line.LineStyle.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("Close", line)
	return nil
}

func gapBox(g *models.Gap) (*plotter.Polygon, error) {
	x0 := timeX(g.CloseTimestamp)
	x1 := timeX(g.ReopenTimestamp)
	lo := math.Min(g.ClosePrice.InexactFloat64(), g.ReopenPrice.InexactFloat64())
	hi := math.Max(g.ClosePrice.InexactFloat64(), g.ReopenPrice.InexactFloat64())

	box, err := plotter.NewPolygon(plotter.XYs{{X: x0, Y: lo}, {X: x1, Y: lo}, {X: x1, Y: hi}, {X: x0, Y: hi}})
	if err != nil {
		return nil, err
	}

	base := downColor
	if g.Direction == models.GapUp {
		base = upColor
	}
	alpha := uint8(0x80)
	if g.IsClosed() {
		alpha = 0x4c
	}
	box.Color = withAlpha(base, alpha)
	box.LineStyle.Color = base
	box.LineStyle.Width = vg.Points(1)
	return box, nil
}

func addScatter(p *plot.Plot, xys plotter.XYs, c color.Color, label string) error {
	if len(xys) == 0 {
		return nil
	}
	s, err := plotter.NewScatter(xys)
	if err != nil {
		return err
	}
	s.GlyphStyle.Color = c
	s.GlyphStyle.Shape = draw.CircleGlyph{}
	s.GlyphStyle.Radius = vg.Points(3)
	p.Add(s)
	p.Legend.Add(label, s)
	return nil
}

// addMarker draws a dashed vertical line at x from zero up to top.
func addMarker(p *plot.Plot, x, top float64, c color.Color, label string) error {
	l, err := plotter.NewLine(plotter.XYs{{X: x, Y: 0}, {X: x, Y: top}})
	if err != nil {
		return err
	}
	l.LineStyle.Color = c
	l.LineStyle.Width = vg.Points(1.5)
	l.LineStyle.Dashes = []vg.Length{vg.Points(6), vg.Points(3)}
	p.Add(l)
	p.Legend.Add(label, l)
	return nil
}

func addNote(p *plot.Plot, note string) error {
	labels, err := plotter.NewLabels(plotter.XYLabels{
		XYs:    []plotter.XY{{X: 0.5, Y: 0.5}},
		Labels: []string{note},
	})
	if err != nil {
		return err
	}
	p.Add(labels)
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1
	return nil
}

func maxWeight(h *plotter.Histogram) float64 {
	top := 0.0
	for _, b := range h.Bins {
		top = math.Max(top, b.Weight)
	}
	return top
}

func withAlpha(c color.RGBA, a uint8) color.Color {
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: a}
}

// timeX is the x coordinate of t on a plot.TimeTicks axis.
func timeX(t time.Time) float64 {
	return float64(t.Unix())
}
