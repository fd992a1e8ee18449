package collector

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/johnayoung/cme-gap-analyzer/internal/models"
	"github.com/johnayoung/cme-gap-analyzer/internal/report"
)

// MetricsFile receives the metrics snapshot after each successful run.
const MetricsFile = "run_metrics.json"

// writeOutputs writes the gap CSV and statistics JSON, the bar CSV when
// SaveData is set, and the figures when Plots is set. Figures are best effort.
func (a *Analyzer) writeOutputs(result *AnalysisResult) ([]string, error) {
	dir := a.config.OutputDir
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	files := make([]string, 0, 6)
	if a.config.SaveData {
		path, err := a.writeBars(result.Bars)
		if err != nil {
			return files, err
		}
		files = append(files, path)
	}

	path := filepath.Join(dir, report.GapsFile)
	if err := writeFile(path, func(w io.Writer) error { return report.WriteGapsCSV(w, result.Gaps) }); err != nil {
		return files, err
	}
	files = append(files, path)

	path = filepath.Join(dir, report.StatsFile)
	if err := writeFile(path, func(w io.Writer) error { return report.WriteJSON(w, result.Statistics) }); err != nil {
		return files, err
	}
	files = append(files, path)

	if a.config.Plots && a.plotter != nil {
		plots, err := a.plotter.RenderAll(dir, result.Bars, result.Gaps, result.Statistics)
		files = append(files, plots...)
		if err != nil {
			a.logger.Warn("failed to render plots", "error", err)
		}
	}

	a.logger.Info("outputs written", "dir", dir, "files", len(files))
	return files, nil
}

// writeBars writes the bar CSV into the output directory and returns its path.
func (a *Analyzer) writeBars(bars []models.PriceBar) (string, error) {
	dir := a.config.OutputDir
	if dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(dir, report.BarsFile)
	if err := writeFile(path, func(w io.Writer) error { return report.WriteBarsCSV(w, bars) }); err != nil {
		return "", err
	}
	return path, nil
}

func (a *Analyzer) writeMetrics() (string, error) {
	path := filepath.Join(a.config.OutputDir, MetricsFile)
	if err := a.metrics.WriteSnapshot(path); err != nil {
		return "", err
	}
	return path, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}
