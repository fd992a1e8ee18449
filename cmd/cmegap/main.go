// CME Gap Analyzer CLI
// This application downloads BTC price history, detects the price gaps left by the
// weekly CME futures closure, tracks whether they were filled, and writes reports.
//
// Usage:
//
//	cmegap analyze --start-date 2023-01-01 --end-date 2024-01-01
//	cmegap analyze --input btc_price_data.csv --no-plots
//	cmegap download --exchange coinbase --interval 1h
//	cmegap report --storage duckdb --from-store
//	cmegap watch --config cmegap.yaml
//
// For detailed help on any command, use: cmegap help <command>
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/johnayoung/cme-gap-analyzer/internal/charts"
	"github.com/johnayoung/cme-gap-analyzer/internal/collector"
	"github.com/johnayoung/cme-gap-analyzer/internal/config"
	apperrors "github.com/johnayoung/cme-gap-analyzer/internal/errors"
	"github.com/johnayoung/cme-gap-analyzer/internal/exchange"
	"github.com/johnayoung/cme-gap-analyzer/internal/logger"
	"github.com/johnayoung/cme-gap-analyzer/internal/metrics"
	"github.com/johnayoung/cme-gap-analyzer/internal/storage"
)

// CLI version information
const (
	Version = "1.0.0"
	AppName = "cmegap"
)

// CLI holds the components shared by every command
type CLI struct {
	config   *config.AppConfig
	logMgr   *logger.LoggerManager
	logger   *slog.Logger
	metrics  *metrics.MetricsCollector
	store    storage.FullStorage
	analyzer *collector.Analyzer
	renderer *charts.Renderer
}

func main() {
	// A missing .env file is normal.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}

	command, args := splitCommand(os.Args[1:])

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, command, args)
	cancel()
	os.Exit(code)
}

// splitCommand returns the subcommand and its arguments. Bare flags run analyze.
func splitCommand(args []string) (string, []string) {
	if len(args) == 0 {
		return "analyze", nil
	}
	first := args[0]
	switch first {
	case "--version", "-v", "--help", "-h":
		return first, args[1:]
	}
	if strings.HasPrefix(first, "-") {
		return "analyze", args
	}
	return first, args[1:]
}

func run(ctx context.Context, command string, args []string) int {
	switch command {
	case "--version", "-v", "version":
		fmt.Printf("%s version %s\n", AppName, Version)
		return apperrors.ExitOK
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
		return apperrors.ExitOK
	case "analyze", "download", "report", "watch":
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		return apperrors.ExitUsage
	}

	flags, err := parseFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printCommandHelp(command)
		return apperrors.ExitUsage
	}
	if flags.Help {
		printCommandHelp(command)
		return apperrors.ExitOK
	}

	cli := &CLI{}
	if err := cli.initialize(ctx, flags); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize: %v\n", err)
		if ctx.Err() != nil {
			return apperrors.ExitInterrupted
		}
		if code := apperrors.ExitCode(err); code == apperrors.ExitConnection {
			return code
		}
		return apperrors.ExitConfig
	}
	defer cli.close()

	switch command {
	case "analyze":
		err = cli.handleAnalyze(ctx, flags)
	case "download":
		err = cli.handleDownload(ctx, flags)
	case "report":
		err = cli.handleReport(ctx, flags)
	case "watch":
		err = cli.handleWatch(ctx)
	}
	if err == nil {
		return apperrors.ExitOK
	}

	if ctx.Err() != nil {
		cli.logger.Warn("interrupted", "command", command)
		return apperrors.ExitInterrupted
	}
	var usage *usageError
	if errors.As(err, &usage) {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printCommandHelp(command)
		return apperrors.ExitUsage
	}
	cli.logger.Error("command failed",
		"command", command,
		"error", err,
		"error_type", apperrors.GetErrorType(err))
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return apperrors.ExitCode(err)
}

// initialize loads configuration, applies flag overrides and builds the pipeline
func (cli *CLI) initialize(ctx context.Context, flags *Flags) error {
	app, err := config.NewConfigManager(flags.ConfigPath, nil).LoadConfig(ctx)
	if err != nil {
		return err
	}
	if err := flags.apply(app); err != nil {
		return err
	}
	cli.config = app

	logMgr, err := logger.NewLoggerManager(app.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.logMgr = logMgr
	cli.logger = logMgr.GetLogger()

	cli.metrics = metrics.NewMetricsCollector(app.Metrics, logMgr)

	store, err := storage.New(ctx, app.Storage, logMgr.GetComponentLogger("storage").WithOperation("open"))
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	cli.store = store

	var fetcher exchange.BarFetcher
	if flags.Input == "" && !flags.FromStore {
		fetcher, err = exchange.NewFetcher(app.Exchange, cli.logger, exchange.WithMetrics(cli.metrics))
		if err != nil {
			return err
		}
	}

	cli.renderer = charts.NewRenderer(app.Output, cli.logger)
	opts := []collector.Option{
		collector.WithPlotter(cli.renderer),
		collector.WithClassifier(apperrors.NewErrorClassifier(app.ErrorHandling, cli.logger)),
		collector.WithMetrics(cli.metrics),
		collector.WithLogger(cli.logger),
	}
	if store != nil {
		opts = append(opts, collector.WithStore(store))
	}

	cli.analyzer, err = collector.NewFromConfig(app, fetcher, opts...)
	if err != nil {
		return err
	}
	cli.metrics.RegisterHealthChecker(cli.analyzer)

	cli.logger.Debug("initialized",
		"exchange", app.Exchange.Type,
		"interval", app.Exchange.Interval,
		"storage", app.Storage.Type,
		"output_dir", app.Output.Dir)
	return nil
}

func (cli *CLI) close() {
	if cli.store != nil {
		if err := cli.store.Close(); err != nil {
			cli.logger.Warn("failed to close storage", "error", err)
		}
	}
	if cli.logMgr != nil {
		cli.logMgr.Close()
	}
}
