package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/davidzk3/perps-ops-control-tower/internal/aggregator"
	"github.com/davidzk3/perps-ops-control-tower/internal/config"
	"github.com/davidzk3/perps-ops-control-tower/internal/ingestion"
	"github.com/davidzk3/perps-ops-control-tower/internal/logging"
	"github.com/davidzk3/perps-ops-control-tower/internal/observability"
	"github.com/davidzk3/perps-ops-control-tower/internal/publish"
	"github.com/davidzk3/perps-ops-control-tower/internal/queue"
	"github.com/davidzk3/perps-ops-control-tower/internal/sink"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage"
	"github.com/davidzk3/perps-ops-control-tower/internal/storage/backend"
	"github.com/davidzk3/perps-ops-control-tower/internal/supervisor"
	"github.com/davidzk3/perps-ops-control-tower/internal/venue"
	"github.com/davidzk3/perps-ops-control-tower/internal/venue/binance"
	"github.com/davidzk3/perps-ops-control-tower/internal/venue/hyperliquid"
)

// forceExitAfter bounds graceful shutdown once a signal arrives.
const forceExitAfter = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
			cancel()
		case <-done:
			return
		}

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Error("received second signal, forcing exit", zap.String("signal", sig.String()))
			os.Exit(1)
		case <-time.After(forceExitAfter):
			logger.Error("graceful shutdown timed out, forcing exit", zap.Duration("timeout", forceExitAfter))
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, cfg, logger)
	close(done)
	cancel()

	if err != nil {
		logger.Fatal("ingest failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.DefaultMetrics

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	stores, err := backend.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	sinkOverflow, err := queue.ParseOverflow(cfg.Sink.Overflow)
	if err != nil {
		return fmt.Errorf("sink overflow: %w", err)
	}
	aggOverflow, err := queue.ParseOverflow(cfg.Aggregator.Overflow)
	if err != nil {
		return fmt.Errorf("aggregator overflow: %w", err)
	}

	sinkRetry := storage.DefaultRetryPolicy()
	sinkRetry.MaxRetries = cfg.Sink.MaxRetries
	eventSink := sink.New(stores.Raw, &sink.Config{
		BatchSize:       cfg.Sink.BatchSize,
		FlushInterval:   cfg.Sink.FlushInterval,
		QueueSize:       cfg.Sink.QueueSize,
		Overflow:        sinkOverflow,
		Retry:           sinkRetry,
		ShutdownTimeout: cfg.Sink.ShutdownTimeout,
		Logger:          logger,
		Metrics:         metrics,
	})

	featureRetry := storage.DefaultRetryPolicy()
	featureRetry.MaxRetries = cfg.Aggregator.MaxRetries
	writer := publish.NewFeatureWriter(stores.Features, publish.WriterConfig{
		Retry:      featureRetry,
		Publishers: publishers(cfg.Publish, logger),
		Logger:     logger,
		Metrics:    metrics,
	})
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Warn("close publishers", zap.Error(err))
		}
	}()

	agg := aggregator.New(writer, &aggregator.Config{
		Grace:              cfg.Aggregator.Grace,
		TickInterval:       cfg.Aggregator.TickInterval,
		ClockSkewTolerance: cfg.Aggregator.ClockSkewTolerance,
		QueueSize:          cfg.Aggregator.QueueSize,
		Overflow:           aggOverflow,
		ShutdownTimeout:    cfg.Aggregator.ShutdownTimeout,
		Logger:             logger,
		Metrics:            metrics,
	})

	router := ingestion.NewRouter(ingestion.RouterOptions{
		Sink:       eventSink,
		Aggregator: agg,
		Metrics:    metrics,
	})

	sups := supervisors(cfg, router, logger, metrics)
	if len(sups) == 0 {
		return errors.New("no venues enabled")
	}

	pipeline := ingestion.NewPipeline(ingestion.PipelineOptions{
		Supervisors: sups,
		Stages: []ingestion.Stage{
			{Name: "aggregator", Runner: agg},
			{Name: "sink", Runner: eventSink},
		},
		Logger: logger,
	})

	logger.Info("ingest started",
		zap.String("backend", cfg.Storage.Backend),
		zap.Int("venues", len(sups)))
	return pipeline.Run(ctx)
}

func supervisors(cfg *config.Config, handler supervisor.Handler, logger *zap.Logger, metrics *observability.Metrics) []ingestion.Runner {
	policy := supervisor.Policy{
		InitialBackoff:     cfg.Supervisor.InitialBackoff,
		MaxBackoff:         cfg.Supervisor.MaxBackoff,
		Multiplier:         cfg.Supervisor.Multiplier,
		Jitter:             cfg.Supervisor.Jitter,
		HeartbeatInterval:  cfg.Supervisor.HeartbeatInterval,
		HeartbeatTimeout:   cfg.Supervisor.HeartbeatTimeout,
		StabilityThreshold: cfg.Supervisor.StabilityThreshold,
	}

	type enabled struct {
		adapter venue.Adapter
		symbols []string
	}
	var venues []enabled
	if v := cfg.Venues.Binance; v.Enabled {
		venues = append(venues, enabled{
			adapter: binance.New(&binance.Config{URL: v.URL, SubscribeTimeout: cfg.Supervisor.SubscribeTimeout}),
			symbols: v.Symbols,
		})
	}
	if v := cfg.Venues.Hyperliquid; v.Enabled {
		venues = append(venues, enabled{
			adapter: hyperliquid.New(&hyperliquid.Config{URL: v.URL, SubscribeTimeout: cfg.Supervisor.SubscribeTimeout}),
			symbols: v.Symbols,
		})
	}

	runners := make([]ingestion.Runner, 0, len(venues))
	for _, v := range venues {
		runners = append(runners, supervisor.New(v.adapter, handler, supervisor.Config{
			Symbols: v.symbols,
			Policy:  policy,
			Logger:  logger,
			Metrics: metrics,
		}))
		logger.Info("venue enabled", zap.String("venue", v.adapter.Venue().String()), zap.Strings("symbols", v.symbols))
	}
	return runners
}

func publishers(cfg config.PublishConfig, logger *zap.Logger) []publish.Publisher {
	var out []publish.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		out = append(out, publish.NewKafkaPublisher(publish.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}))
		logger.Info("kafka publisher enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	if cfg.Redis.Addr != "" {
		out = append(out, publish.NewRedisCache(publish.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}))
		logger.Info("redis cache enabled", zap.String("addr", cfg.Redis.Addr))
	}
	return out
}

func serveMetrics(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("starting metrics server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return srv
}
