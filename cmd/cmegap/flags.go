package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/cme-gap-analyzer/internal/config"
)

const dateLayout = "2006-01-02"

// Flags holds the options shared by every command. Options a command does not
// use are ignored.
type Flags struct {
	StartDate  string
	EndDate    string
	Exchange   string
	Symbol     string
	Interval   string
	LocalTZ    string
	OutputDir  string
	Input      string
	ConfigPath string
	Storage    string
	LogLevel   string
	Limit      int
	Tolerance  float64

	SaveData  bool
	NoPlots   bool
	FromStore bool
	JSON      bool
	Help      bool

	toleranceSet bool
	limitSet     bool
}

// parseFlags parses command line arguments. Values may follow the flag or be
// attached with "=".
func parseFlags(args []string) (*Flags, error) {
	flags := &Flags{}

	for i := 0; i < len(args); i++ {
		name, value, hasValue := strings.Cut(args[i], "=")
		if !strings.HasPrefix(name, "-") {
			return nil, fmt.Errorf("unexpected argument: %s", args[i])
		}

		next := func() (string, error) {
			if hasValue {
				return value, nil
			}
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", name)
			}
			i++
			return args[i], nil
		}

		var (
			s   string
			err error
		)
		switch name {
		case "--start-date", "-s":
			flags.StartDate, err = next()
		case "--end-date", "-e":
			flags.EndDate, err = next()
		case "--exchange", "-x":
			flags.Exchange, err = next()
		case "--symbol":
			flags.Symbol, err = next()
		case "--interval", "-i":
			flags.Interval, err = next()
		case "--local-tz":
			flags.LocalTZ, err = next()
		case "--output-dir", "-o":
			flags.OutputDir, err = next()
		case "--input":
			flags.Input, err = next()
		case "--config", "-c":
			flags.ConfigPath, err = next()
		case "--storage":
			flags.Storage, err = next()
		case "--log-level":
			flags.LogLevel, err = next()
		case "--limit", "-l":
			if s, err = next(); err == nil {
				flags.Limit, err = strconv.Atoi(s)
				if err != nil || flags.Limit < 0 {
					err = fmt.Errorf("invalid limit value: %q", s)
				}
				flags.limitSet = true
			}
		case "--tolerance":
			if s, err = next(); err == nil {
				flags.Tolerance, err = strconv.ParseFloat(s, 64)
				if err != nil || flags.Tolerance < 0 {
					err = fmt.Errorf("invalid tolerance value: %q", s)
				}
				flags.toleranceSet = true
			}
		case "--save-data":
			flags.SaveData = true
		case "--no-plots":
			flags.NoPlots = true
		case "--from-store":
			flags.FromStore = true
		case "--json":
			flags.JSON = true
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", name)
		}
		if err != nil {
			return nil, err
		}
	}

	if flags.Input != "" && flags.FromStore {
		return nil, fmt.Errorf("--input and --from-store cannot be combined")
	}
	return flags, nil
}

// apply overrides the loaded configuration with the flags that were given
func (f *Flags) apply(app *config.AppConfig) error {
	if f.Exchange != "" {
		switch strings.ToLower(f.Exchange) {
		case "binance", "coinbase":
			app.Exchange.Type = strings.ToLower(f.Exchange)
		default:
			return fmt.Errorf("unsupported exchange %q, use binance or coinbase", f.Exchange)
		}
	}
	if f.Symbol != "" {
		app.Exchange.Symbol = f.Symbol
	}
	if f.Interval != "" {
		app.Exchange.Interval = f.Interval
	}
	if f.LocalTZ != "" {
		if _, err := time.LoadLocation(f.LocalTZ); err != nil {
			return fmt.Errorf("invalid --local-tz %q: %w", f.LocalTZ, err)
		}
		app.Analysis.LocalTZ = f.LocalTZ
	}
	if f.OutputDir != "" {
		app.Output.Dir = f.OutputDir
	}
	if f.SaveData {
		app.Output.SaveData = true
	}
	if f.NoPlots {
		app.Output.Plots = false
	}
	if f.toleranceSet {
		app.Analysis.Tolerance = f.Tolerance
	}
	if f.limitSet {
		app.Output.TableLimit = f.Limit
	}
	if f.Storage != "" {
		app.Storage.Type = strings.ToLower(f.Storage)
	}
	if f.LogLevel != "" {
		app.Logging.Level = f.LogLevel
	}
	if f.FromStore && strings.EqualFold(app.Storage.Type, "none") {
		return fmt.Errorf("--from-store needs a storage backend, set --storage")
	}
	return nil
}

// window resolves the analysis window. Without --start-date it reaches back
// lookbackDays from the end. --end-date is inclusive and defaults to now.
func (f *Flags) window(now time.Time, lookbackDays int) (time.Time, time.Time, error) {
	end := now.UTC()
	if f.EndDate != "" {
		day, err := time.Parse(dateLayout, f.EndDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end date format, use YYYY-MM-DD: %w", err)
		}
		if next := day.AddDate(0, 0, 1); next.Before(end) {
			end = next
		}
	}

	start := end.AddDate(0, 0, -lookbackDays)
	if f.StartDate != "" {
		day, err := time.Parse(dateLayout, f.StartDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start date format, use YYYY-MM-DD: %w", err)
		}
		start = day
	}

	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start date %s must be before end date %s",
			start.Format(dateLayout), end.Format(dateLayout))
	}
	return start, end, nil
}
