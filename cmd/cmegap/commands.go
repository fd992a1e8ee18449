package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/johnayoung/cme-gap-analyzer/internal/charts"
	"github.com/johnayoung/cme-gap-analyzer/internal/collector"
	"github.com/johnayoung/cme-gap-analyzer/internal/models"
	"github.com/johnayoung/cme-gap-analyzer/internal/report"
)

// usageError marks a bad command line value
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// handleAnalyze runs the full analysis and prints the summary and gap table
func (cli *CLI) handleAnalyze(ctx context.Context, flags *Flags) error {
	result, err := cli.analyze(ctx, flags)
	if err != nil {
		return err
	}

	out := os.Stdout
	if flags.JSON {
		return report.WriteJSON(out, result.Statistics)
	}

	if err := report.RenderSummary(out, result.Statistics); err != nil {
		return err
	}
	fmt.Fprintln(out)
	if err := report.RenderGapTable(out, result.Gaps, cli.config.Output.TableLimit); err != nil {
		return err
	}
	printFiles(out, result.Files)
	return nil
}

// handleDownload fetches and stores price bars without analyzing them
func (cli *CLI) handleDownload(ctx context.Context, flags *Flags) error {
	if flags.Input != "" || flags.FromStore {
		return &usageError{fmt.Errorf("download reads from the exchange, --input and --from-store do not apply")}
	}
	start, end, err := flags.window(time.Now(), cli.config.Exchange.LookbackDays)
	if err != nil {
		return &usageError{err}
	}

	res, err := cli.analyzer.Download(ctx, collector.AnalyzeRequest{Start: start, End: end})
	if err != nil {
		return err
	}

	fmt.Printf("Downloaded %s %s %s bars from %s to %s in %s requests\n",
		humanize.Comma(int64(len(res.Bars))),
		res.Series.Symbol,
		res.Series.Interval,
		start.Format(dateLayout),
		end.Format(dateLayout),
		humanize.Comma(int64(res.Requests)))
	if res.SeriesInfo != nil && res.SeriesInfo.MissingBars > 0 {
		fmt.Printf("Missing bars: %s\n", humanize.Comma(int64(res.SeriesInfo.MissingBars)))
	}
	if res.Stored {
		fmt.Printf("Stored in %s storage\n", cli.config.Storage.Type)
	}
	if res.File != "" {
		fmt.Printf("Saved to %s\n", res.File)
	}
	return nil
}

// handleReport runs the analysis and reports the gaps that are still open
func (cli *CLI) handleReport(ctx context.Context, flags *Flags) error {
	result, err := cli.analyze(ctx, flags)
	if err != nil {
		return err
	}

	open, err := cli.analyzer.OpenGaps(ctx, result)
	if err != nil {
		return err
	}
	summary, err := report.UnclosedReport(open, result.Bars, time.Time{})
	if err != nil {
		return err
	}

	out := os.Stdout
	if flags.JSON {
		return report.WriteJSON(out, summary)
	}
	if err := report.RenderUnclosed(out, summary); err != nil {
		return err
	}

	var renderer *charts.Renderer
	if cli.config.Output.Plots {
		renderer = cli.renderer
	}
	written, err := writeUnclosed(cli.config.Output.Dir, renderer, result.Bars, summary, cli.logger)
	if err != nil {
		return err
	}
	printFiles(out, append(result.Files, written...))
	return nil
}

// writeUnclosed writes the unclosed gap CSV into dir and, given a renderer and
// at least one open gap, the unclosed gap figure. A failed figure is logged and
// skipped like the other plots.
func writeUnclosed(dir string, renderer *charts.Renderer, bars []models.PriceBar, summary *report.UnclosedSummary, log *slog.Logger) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(dir, report.UnclosedFile)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := report.WriteUnclosedCSV(f, summary); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close %s: %w", path, err)
	}
	written := []string{path}

	if renderer == nil || summary.Total() == 0 {
		return written, nil
	}
	figure := filepath.Join(dir, charts.UnclosedFile)
	if err := renderer.Unclosed(figure, bars, summary); err != nil {
		log.Warn("failed to render unclosed gap plot", "error", err)
		return written, nil
	}
	return append(written, figure), nil
}

// handleWatch re-runs the analysis on the configured cron schedule until interrupted
func (cli *CLI) handleWatch(ctx context.Context) error {
	hook := func(result *collector.AnalysisResult, err error) {
		if err != nil || result == nil {
			return
		}
		stats := result.Statistics
		fmt.Printf("[%s] %d gaps, %d closed, %d open (%.2f%% closure rate)\n",
			time.Now().Format(time.RFC3339), stats.TotalGaps, stats.ClosedGaps, stats.OpenGaps, stats.ClosureRate)
	}

	w, err := collector.NewWatcher(cli.analyzer, cli.config.Watch, nil, cli.logger, collector.WithResultHook(hook))
	if err != nil {
		return &usageError{err}
	}

	if err := cli.metrics.CheckHealth(ctx); err != nil {
		cli.logger.Warn("health check failed, continuing", "error", err)
	}

	fmt.Printf("Watching with schedule %q, next run %s. Press Ctrl+C to stop.\n",
		cli.config.Watch.Cron, w.Next(time.Now()).Format(time.RFC3339))
	if err := w.Run(ctx); err != nil {
		return err
	}

	total, failed := w.Runs()
	fmt.Printf("Watcher stopped after %d runs (%d failed)\n", total, failed)
	return nil
}

// analyze runs the pipeline over a CSV file, stored bars or a fresh download
func (cli *CLI) analyze(ctx context.Context, flags *Flags) (*collector.AnalysisResult, error) {
	if flags.Input != "" {
		bars, err := readBars(flags.Input)
		if err != nil {
			return nil, err
		}
		return cli.analyzer.AnalyzeBars(ctx, bars, "csv")
	}

	start, end, err := flags.window(time.Now(), cli.config.Exchange.LookbackDays)
	if err != nil {
		return nil, &usageError{err}
	}
	return cli.analyzer.Run(ctx, collector.AnalyzeRequest{Start: start, End: end, FromStore: flags.FromStore})
}

func readBars(path string) ([]models.PriceBar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &usageError{fmt.Errorf("failed to open input: %w", err)}
	}
	defer f.Close()

	bars, err := report.ReadBarsCSV(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return bars, nil
}

func printFiles(w io.Writer, files []string) {
	if len(files) == 0 {
		return
	}
	fmt.Fprintln(w, "\nOutput files:")
	for _, f := range files {
		fmt.Fprintf(w, "  %s\n", f)
	}
}
