package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/davidzk3/perps-ops-control-tower/internal/config"
	"github.com/davidzk3/perps-ops-control-tower/internal/logging"
	"github.com/davidzk3/perps-ops-control-tower/internal/publish"
	"github.com/davidzk3/perps-ops-control-tower/internal/replay"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage/backend"
	"github.com/davidzk3/perps-ops-control-tower/internal/verification"
)

// errDivergent marks a verification run that found differences.
var errDivergent = errors.New("replayed windows diverge from stored features")

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (optional)")
	fromTime := flag.String("from-time", "", "Start of the replay range, RFC3339 (required)")
	toTime := flag.String("to-time", "", "End of the replay range, RFC3339, exclusive (required)")
	verify := flag.Bool("verify", false, "Compare replayed windows with features_1m")
	write := flag.Bool("write", false, "Write replayed windows to features_1m (existing rows are kept)")
	outputJSON := flag.Bool("json", false, "Output as JSON")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// Logs go to stderr so stdout stays machine-readable.
	logger, err := logging.NewTo(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	from, to, err := parseRange(*fromTime, *toTime)
	if err != nil {
		logger.Fatal("invalid range", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = run(ctx, cfg, logger, from, to, *verify, *write, *outputJSON)
	if errors.Is(err, errDivergent) {
		cancel()
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal("replay failed", zap.Error(err))
	}
}

func parseRange(fromStr, toStr string) (time.Time, time.Time, error) {
	if fromStr == "" || toStr == "" {
		return time.Time{}, time.Time{}, errors.New("--from-time and --to-time are required")
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse from-time: %w", err)
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse to-time: %w", err)
	}
	return from.UTC(), to.UTC(), nil
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, from, to time.Time, verify, write, outputJSON bool) error {
	stores, err := backend.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	runner := replay.NewRunner(stores.Raw, &replay.Config{
		Grace:              cfg.Aggregator.Grace,
		ClockSkewTolerance: cfg.Aggregator.ClockSkewTolerance,
	})

	start := time.Now()
	res, err := runner.Run(ctx, from, to)
	if err != nil {
		return err
	}
	logger.Info("replay complete",
		zap.Time("from", from),
		zap.Time("to", to),
		zap.Int("samples", res.Samples),
		zap.Int("late", res.Late),
		zap.Int("windows", len(res.Windows)),
		zap.Duration("elapsed", time.Since(start)))

	if write {
		writer := publish.NewFeatureWriter(stores.Features, publish.WriterConfig{Logger: logger})
		for _, w := range res.Windows {
			if err := writer.Emit(ctx, w); err != nil {
				return err
			}
		}
		logger.Info("windows written", zap.Int("count", len(res.Windows)))
	}

	if !verify {
		return printWindows(res, outputJSON)
	}

	report, err := verification.NewVerifier(verification.VerifierOptions{Store: stores.Features}).Verify(ctx, res.Windows)
	if err != nil {
		return err
	}
	if err := printReport(report, outputJSON); err != nil {
		return err
	}
	if !report.OK() {
		return errDivergent
	}
	return nil
}

func printWindows(res *replay.Result, outputJSON bool) error {
	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, w := range res.Windows {
			if err := enc.Encode(publish.NewWindowMessage(w)); err != nil {
				return err
			}
		}
		return nil
	}

	fmt.Printf("%-20s %-18s %-10s %10s %10s %10s %8s %7s %s\n",
		"WINDOW", "VENUE", "SYMBOL", "SPREAD_BPS", "IMBALANCE", "FRESH_MS", "SAMPLES", "PARTIAL", "SKEW")
	for _, w := range res.Windows {
		fmt.Printf("%-20s %-18s %-10s %10s %10s %10d %8d %7t %t\n",
			w.WindowStart.Format(time.RFC3339), w.Venue, w.Symbol,
			formatFloat(w.SpreadBps), formatFloat(w.Imbalance),
			w.FreshnessMs, w.SampleCount, w.Partial, w.ClockSkew)
	}
	fmt.Printf("\n%d windows from %d samples (%d late)\n", len(res.Windows), res.Samples, res.Late)
	return nil
}

func printReport(report *verification.Report, outputJSON bool) error {
	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Println("=== Verification Report ===")
	fmt.Printf("Total:      %d\n", report.Total)
	fmt.Printf("Matched:    %d\n", report.Matched)
	fmt.Printf("Missing:    %d\n", report.Missing)
	fmt.Printf("Mismatched: %d\n", report.Mismatched)

	for _, r := range report.Results {
		if r.Status == verification.StatusMatched {
			continue
		}
		fmt.Printf("\n%s %s %s: %s\n", r.WindowStart.Format(time.RFC3339), r.Venue, r.Symbol, r.Status)
		for _, d := range r.Divergences {
			fmt.Printf("  %-16s stored=%v replayed=%v\n", d.Field, d.Expected, d.Actual)
		}
	}
	return nil
}

func formatFloat(f *float64) string {
	if f == nil {
		return "null"
	}
	return fmt.Sprintf("%.4f", *f)
}
