package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/futuresfeed/collector"
	"github.com/jonwraymond/futuresfeed/errtrack"
	"github.com/jonwraymond/futuresfeed/health"
	"github.com/jonwraymond/futuresfeed/observe"
)

func newInitCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the storage schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if err := a.openStorage(ctx); err != nil {
				return err
			}
			info, err := a.store.Info(ctx)
			if err != nil {
				return exitErr(exitStorage, err)
			}
			fmt.Printf("initialized %s at %s\n", info.Backend, info.Location)
			return nil
		},
	}
}

func newCollectHistoricalCmd(configPath *string) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "collect-historical",
		Short: "Backfill the configured window for every symbol",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if err := a.openStorage(ctx); err != nil {
				return err
			}

			if days > 0 {
				a.cfg.Collection.HistoricalDays = days
			}
			start, end := a.cfg.Window(time.Now())
			a.observer.Logger.Info(ctx, "starting backfill",
				observe.F("symbols", a.cfg.Collection.Symbols),
				observe.F("start", start.Format(time.RFC3339)),
				observe.F("end", end.Format(time.RFC3339)))

			hist := collector.NewHistorical(a.client, a.store, a.historicalConfig(start, end))
			results, err := hist.CollectAll(ctx)
			if err != nil {
				return exitErr(exitExchange, err)
			}
			if ctx.Err() != nil {
				return exitErr(exitCancelled, ctx.Err())
			}
			return reportResults(results)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "override collection.historical_days")
	return cmd
}

// reportResults prints per-stream outcomes and maps total failure to an
// exchange error. Partial windows are reported but do not fail the run.
func reportResults(results []collector.Result) error {
	failed := 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
			fmt.Printf("%-24s %-10s FAILED: %v\n", r.Resource, r.Symbol, r.Err)
		case r.Partial:
			fmt.Printf("%-24s %-10s partial: %d records\n", r.Resource, r.Symbol, r.Records)
		default:
			fmt.Printf("%-24s %-10s %d records\n", r.Resource, r.Symbol, r.Records)
		}
	}
	if len(results) > 0 && failed == len(results) {
		return exitErr(exitExchange, fmt.Errorf("all %d streams failed", failed))
	}
	return nil
}

func newStreamRealtimeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stream-realtime",
		Short: "Consume the live feed until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if err := a.openStorage(ctx); err != nil {
				return err
			}
			a.serveOps(ctx, a.healthAggregator())

			streamer := collector.NewStreamer(a.dial, a.store, a.hot, a.streamingConfig())
			a.observer.Logger.Info(ctx, "streaming",
				observe.F("symbols", a.cfg.Collection.Symbols),
				observe.F("timeframes", a.cfg.Collection.Timeframes))

			if err := streamer.Run(ctx); err != nil {
				return exitErr(exitExchange, err)
			}
			return nil
		},
	}
}

func newHealthCheckCmd(configPath *string) *cobra.Command {
	var once bool
	var continuous int

	cmd := &cobra.Command{
		Use:   "health-check",
		Short: "Probe storage, cache, exchange, and data freshness",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if err := a.openStorage(ctx); err != nil {
				return err
			}

			agg := a.healthAggregator()

			if once || continuous <= 0 {
				return runHealthPass(ctx, agg)
			}
			ticker := time.NewTicker(time.Duration(continuous) * time.Second)
			defer ticker.Stop()
			for {
				if err := runHealthPass(ctx, agg); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass")
	cmd.Flags().IntVar(&continuous, "continuous", 0, "repeat every SECS seconds")
	return cmd
}

// runHealthPass runs the checks, prints the JSON report, and maps an
// unhealthy core dependency to its exit code.
func runHealthPass(ctx context.Context, agg *health.Aggregator) error {
	report := health.BuildReport(ctx, agg)

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	unhealthy := health.StatusUnhealthy.String()
	if c, ok := report.Checks["storage"]; ok && c.Status == unhealthy {
		return exitErr(exitStorage, fmt.Errorf("storage unhealthy: %s", c.Message))
	}
	if c, ok := report.Checks["exchange"]; ok && c.Status == unhealthy {
		return exitErr(exitExchange, fmt.Errorf("exchange unhealthy: %s", c.Message))
	}
	return nil
}

func newMonitorErrorsCmd(configPath *string) *cobra.Command {
	var once bool
	var export string

	cmd := &cobra.Command{
		Use:   "monitor-errors",
		Short: "Report error counts, rates, and breaker state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if export != "" {
				if err := a.tracker.Export(export); err != nil {
					return exitErr(exitStorage, err)
				}
				fmt.Println("exported to", export)
				return nil
			}
			if once {
				return printErrorReport(a)
			}

			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				if err := printErrorReport(a); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "print a single report")
	cmd.Flags().StringVar(&export, "export", "", "write a JSON snapshot to PATH")
	return cmd
}

// printErrorReport prints the tracker summary alongside breaker states.
func printErrorReport(a *app) error {
	summary := a.tracker.Summary()

	report := struct {
		Summary  errtrack.Summary  `json:"summary"`
		Breakers map[string]string `json:"breakers"`
	}{
		Summary:  summary,
		Breakers: map[string]string{},
	}
	for resource, stats := range a.client.BreakerStats() {
		report.Breakers[resource] = stats.State.String()
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
