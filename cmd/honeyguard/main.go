package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"honeyguard/internal/alerts"
	"honeyguard/internal/api"
	"honeyguard/internal/baseline"
	"honeyguard/internal/config"
	"honeyguard/internal/engine"
	"honeyguard/internal/evidence"
	"honeyguard/internal/honeytoken"
	"honeyguard/internal/ingest"
	"honeyguard/internal/logging"
	"honeyguard/internal/metrics"
	"honeyguard/internal/model"
	"honeyguard/internal/notify"
	"honeyguard/internal/risk"
	"honeyguard/internal/scoring"
	"honeyguard/internal/signals"
	"honeyguard/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("HONEYGUARD_CONFIG"), "path to config file (json, yaml or toml)")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintln(os.Stderr, "honeyguard:", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	var (
		mgr *config.Manager
		err error
	)
	if configPath != "" {
		mgr, err = config.NewManager(config.ResolvePath(configPath))
		if err != nil {
			return err
		}
	} else {
		mgr = config.NewStaticManager(config.DefaultConfig())
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snapshots := metrics.NewStore(cfg.Metrics.StoreLimit)
	var submitter *ingest.Submitter
	collector := metrics.NewCollector(snapshots, func() int {
		if submitter == nil {
			return 0
		}
		return submitter.Depth()
	})

	raw, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	if err := raw.Init(ctx); err != nil {
		_ = raw.Close()
		return fmt.Errorf("init storage: %w", err)
	}
	store := storage.WithRetry(raw, cfg.Storage.RetryAttempts, cfg.Storage.RetryBackoff, logger, collector.StoreRetry)
	defer store.Close()

	baselines, closeBaselines, err := openBaselines(ctx, cfg.Baseline, store, logger)
	if err != nil {
		return err
	}
	defer closeBaselines()

	ring := notify.NewRing(cfg.Metrics.StoreLimit)
	notifier, err := notify.Build(cfg.Notify, ring, logger)
	if err != nil {
		return err
	}
	defer notifier.Close()

	asm := evidence.NewAssembler(store, evidence.ParamsFrom(cfg.Evidence))
	alertMgr := alerts.NewManager(store, asm, alerts.LifecycleParams{
		EagerEvidence:   !strings.EqualFold(cfg.Evidence.Mode, "lazy"),
		CollectAttempts: cfg.Evidence.CollectAttempts,
	}, logger, alerts.WithNotifier(notifier), alerts.WithObserver(collector))

	registry := honeytoken.NewRegistry(store, alertMgr, logger)
	if err := registry.Refresh(ctx); err != nil {
		return err
	}

	eng := engine.NewEngine(cfg, engine.Components{
		Store:     store,
		Tokens:    registry,
		Scorer:    scoring.NewScorer(baselines, store, scoring.ParamsFrom(cfg.Detection), logger),
		Detector:  signals.NewDetector(store, signals.ParamsFrom(cfg.Detection), logger),
		Assembler: asm,
		Alerts:    alertMgr,
		Snapshots: snapshots,
		Recorder:  collector,
	}, logger)

	events := make(chan model.ActivityEvent, cfg.Ingest.ChannelBuffer)
	submitter = ingest.NewSubmitter(events, mgr, logger, collector)

	if _, err := ingest.StartREST(ctx, mgr, submitter, logger); err != nil {
		return err
	}
	if _, err := ingest.StartTCPStream(ctx, mgr, submitter, logger); err != nil {
		return err
	}
	ingest.StartSyslog(ctx, mgr, submitter, logger)
	ingest.StartFileTail(ctx, mgr, submitter, logger)
	ingest.StartKafka(ctx, mgr, submitter, logger)

	api.Start(ctx, api.Deps{
		Config:     mgr,
		Alerts:     alertMgr,
		Risk:       risk.NewService(store, cfg.Risk.Window),
		Tokens:     registry,
		Snapshots:  snapshots,
		Metrics:    collector.Handler(),
		Recent:     ring,
		Engine:     eng,
		QueueDepth: submitter.Depth,
		Version:    version,
	}, logger)

	storageDriver := "memory"
	if cfg.Storage.Enabled {
		storageDriver = cfg.Storage.Driver
	}
	logger.Info("honeyguard started",
		"version", version,
		"config", mgr.Path(),
		"storage", storageDriver,
		"baseline", cfg.Baseline.Backend,
		"honeytokens", registry.Active(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx, events, cfg.Ingest.Workers)
	})
	g.Go(func() error {
		return mgr.Watch(gctx, 250*time.Millisecond, func(next *config.Config) {
			eng.UpdateConfig(next)
			logger.Info("config reloaded", "path", mgr.Path())
		}, func(err error) {
			logger.Error("config reload failed", "err", err)
		})
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("honeyguard stopped")
	return nil
}

func openBaselines(ctx context.Context, cfg config.BaselineConfig, store storage.Store, logger *slog.Logger) (baseline.Store, func(), error) {
	switch strings.ToLower(cfg.Backend) {
	case "memory":
		return baseline.NewMemory(), func() {}, nil
	case "redis":
		client, err := baseline.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return baseline.NewRedis(client, cfg.RedisPrefix, cfg.MaxRetries), func() { _ = client.Close() }, nil
	default:
		return baseline.NewPersistent(store, cfg.MaxRetries, logger), func() {}, nil
	}
}
