package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oklog/ulid/v2"

	"github.com/torosent/loadswarm/internal/config"
	"github.com/torosent/loadswarm/internal/operation"
	"github.com/torosent/loadswarm/internal/output"
	"github.com/torosent/loadswarm/internal/threshold"
	"github.com/torosent/loadswarm/internal/tracing"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	thresholds, err := threshold.ParseAll(cfg.Thresholds)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	traceProvider, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		_ = traceProvider.Shutdown(context.Background())
	}()

	factory := newTransportFactory(cfg, traceProvider)

	opts := operation.Options{
		Concurrency:      cfg.Concurrency,
		TotalRequests:    cfg.Total,
		Duration:         cfg.Duration,
		Rate:             cfg.Rate,
		NewTransport:     factory.New,
		ReportInterval:   cfg.ReportInterval,
		GracefulShutdown: cfg.GracefulShutdown,
	}
	if !cfg.Quiet && !cfg.JSONOutput {
		progress := output.NewProgress(os.Stdout)
		opts.OnPartial = progress.Report
	}

	runID := ulid.Make().String()
	op := operation.New(opts)

	stats, err := op.Run(ctx)
	if err != nil {
		return err
	}

	thresholdResults := threshold.Evaluate(thresholds, stats)

	report := output.Report{RunID: runID, Stats: stats}
	if cfg.JSONOutput {
		if err := output.PrintJSONReport(os.Stdout, report); err != nil {
			return err
		}
	} else {
		output.PrintReport(os.Stdout, report)
		if cfg.IsWebSocket() {
			printWebSocketCounters(os.Stdout, factory.Counters())
		}
		if len(thresholdResults) > 0 {
			fmt.Fprintln(os.Stdout, "\nThresholds:")
			for _, r := range thresholdResults {
				fmt.Fprintf(os.Stdout, "  %s\n", r)
			}
		}
	}

	if cfg.OutputFile != "" {
		if err := output.WriteFile(cfg.OutputFile, report); err != nil {
			return err
		}
	}

	if !threshold.AllPassed(thresholdResults) {
		return errors.New("one or more thresholds failed")
	}
	if stats.Failures > 0 {
		return fmt.Errorf("%d requests failed", stats.Failures)
	}
	return nil
}
