package main

import (
	"fmt"
	"os"
)

// printUsage prints the top level help
func printUsage() {
	fmt.Printf(`%s - CME futures gap analyzer for Bitcoin

USAGE:
    %s [command] [options]

COMMANDS:
    analyze     Download prices, detect CME gaps and report closure statistics (default)
    download    Download and store price bars without analyzing them
    report      Report the gaps that are still open against the latest price
    watch       Re-run the analysis on a cron schedule until interrupted
    help        Show help for a command

GLOBAL OPTIONS:
    --config, -c <file>       Configuration file (JSON or YAML)
    --version, -v             Show version information
    --help, -h                Show this help message

ENVIRONMENT:
    Settings can be overridden with CMEGAP_* variables, for example
    CMEGAP_EXCHANGE=coinbase or CMEGAP_STORAGE_TYPE=duckdb. A .env file in the
    working directory is loaded first.

Run '%s help <command>' for details on a command.
`, AppName, AppName, AppName)
}

const commonOptions = `    --start-date, -s <date>   First day of the window (YYYY-MM-DD, default: 3 years ago)
    --end-date, -e <date>     Last day of the window, inclusive (YYYY-MM-DD, default: today)
    --exchange, -x <name>     Price source: binance, coinbase (default: binance)
    --symbol <symbol>         Exchange symbol (default: BTCUSDT on binance, BTC-USD on coinbase)
    --interval, -i <interval> Bar interval: 1h, 4h, 1d (default: 1h)
    --local-tz <tz>           Timezone for gap timestamps (default: America/Chicago)
    --output-dir, -o <dir>    Directory for CSV, JSON and PNG outputs (default: output)
    --storage <type>          Persist to duckdb, sqlite, postgres or memory (default: none)
    --config, -c <file>       Configuration file (JSON or YAML)
    --log-level <level>       debug, info, warn, error (default: info)
    --help, -h                Show this help message
`

// printCommandHelp prints detailed help for a specific command
func printCommandHelp(command string) {
	switch command {
	case "analyze":
		fmt.Printf(`%s analyze - Detect CME gaps and measure how often they close

USAGE:
    %s analyze [options]

OPTIONS:
%s    --input <file>            Analyze a bars CSV instead of downloading
    --from-store              Analyze bars already in the storage backend
    --save-data               Also write the downloaded bars to btc_price_data.csv
    --no-plots                Skip the PNG charts
    --tolerance <fraction>    Count a gap closed within this fraction of the level (0.001 = 0.1%%)
    --limit, -l <n>           Rows in the gap table, 0 for all (default: 20)
    --json                    Print the statistics as JSON

EXAMPLES:
    # Analyze the last three years of hourly Binance data
    %s analyze

    # Analyze 2023 from Coinbase and keep the price data
    %s analyze --exchange coinbase --start-date 2023-01-01 --end-date 2023-12-31 --save-data

    # Re-analyze a saved CSV with a 0.1%% closure tolerance
    %s analyze --input output/btc_price_data.csv --tolerance 0.001 --no-plots

OUTPUTS:
    cme_gaps.csv, gap_statistics.json, run_metrics.json and, unless --no-plots,
    gap_statistics.png, price_action_with_gaps.png and closure_analysis.png
`, AppName, AppName, commonOptions, AppName, AppName, AppName)

	case "download":
		fmt.Printf(`%s download - Download price bars

USAGE:
    %s download [options]

OPTIONS:
%s
EXAMPLES:
    # Download a year of hourly bars into DuckDB
    %s download --start-date 2024-01-01 --storage duckdb

NOTES:
    - Bars are written to btc_price_data.csv in the output directory
    - Requests respect the exchange rate limit and retry server errors
`, AppName, AppName, commonOptions, AppName)

	case "report":
		fmt.Printf(`%s report - Report unclosed CME gaps

USAGE:
    %s report [options]

OPTIONS:
%s    --input <file>            Use a bars CSV instead of downloading
    --from-store              Use bars already in the storage backend
    --tolerance <fraction>    Count a gap closed within this fraction of the level
    --json                    Print the report as JSON

EXAMPLES:
    # Report open gaps from a saved CSV
    %s report --input output/btc_price_data.csv --no-plots

NOTES:
    - Distances are measured from the last close in the series
    - The report is also written to unclosed_gaps.csv, with
      unclosed_gaps_report.png unless --no-plots is set
    - With a storage backend, gaps already closed in storage are not reported
`, AppName, AppName, commonOptions, AppName)

	case "watch":
		fmt.Printf(`%s watch - Re-run the analysis on a schedule

USAGE:
    %s watch [options]

OPTIONS:
%s
CONFIGURATION:
    watch.cron            Standard cron spec in the schedule timezone (default: "5 0 * * 1")
    watch.lookback_days   History analyzed on each run (default: 90)
    watch.run_on_start    Run once immediately (default: true)

NOTES:
    - Runs never overlap; a tick is skipped while a run is in progress
    - Press Ctrl+C to stop gracefully
`, AppName, AppName, commonOptions)

	default:
		fmt.Fprintf(os.Stderr, "No help available for command: %s\n", command)
		printUsage()
	}
}
