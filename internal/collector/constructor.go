package collector

import (
	"fmt"
	"strings"

	"github.com/johnayoung/cme-gap-analyzer/internal/config"
	"github.com/johnayoung/cme-gap-analyzer/internal/exchange"
)

// ConfigFromApp builds an analyzer configuration from the application config.
func ConfigFromApp(app *config.AppConfig) (*Config, error) {
	if app == nil {
		return nil, fmt.Errorf("application config is required")
	}

	schedule, err := app.Analysis.Schedule()
	if err != nil {
		return nil, err
	}
	loc, err := app.Analysis.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid local timezone: %w", err)
	}

	return &Config{
		Exchange:  strings.ToLower(app.Exchange.Type),
		Symbol:    app.Exchange.Symbol,
		Interval:  app.Exchange.Interval,
		Schedule:  schedule,
		Location:  loc,
		Tolerance: app.Analysis.Tolerance,
		ATRPeriod: app.Analysis.ATRPeriod,
		OutputDir: app.Output.Dir,
		SaveData:  app.Output.SaveData,
		Plots:     app.Output.Plots,
	}, nil
}

// NewFromConfig creates an analyzer for the application config.
func NewFromConfig(app *config.AppConfig, fetcher exchange.BarFetcher, opts ...Option) (*Analyzer, error) {
	cfg, err := ConfigFromApp(app)
	if err != nil {
		return nil, err
	}
	return New(cfg, fetcher, opts...)
}
