package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/hostpulse/hostpulse/internal/aggregate"
	"github.com/hostpulse/hostpulse/internal/alerting"
	"github.com/hostpulse/hostpulse/internal/anomaly"
	"github.com/hostpulse/hostpulse/internal/api"
	"github.com/hostpulse/hostpulse/internal/broadcast"
	"github.com/hostpulse/hostpulse/internal/config"
	"github.com/hostpulse/hostpulse/internal/engine"
	"github.com/hostpulse/hostpulse/internal/evaluator"
	"github.com/hostpulse/hostpulse/internal/generator"
	"github.com/hostpulse/hostpulse/internal/status"
	"github.com/hostpulse/hostpulse/internal/storage"
	"github.com/hostpulse/hostpulse/internal/version"
)

func main() {
	configPath := flag.String("config", "/config/hostpulse.yaml", "Path to configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("version", version.Version).
		Str("commit", version.Commit).
		Logger()

	logger.Info().Str("build", version.Full()).Msg("Starting HostPulse")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("config_path", *configPath).Msg("Failed to load configuration")
	}
	logger.Info().
		Str("storage", cfg.Storage.Path).
		Str("port", cfg.API.Port).
		Bool("demo", cfg.Demo.Enabled).
		Msg("Configuration loaded")

	var store storage.Store
	if cfg.Storage.Path == "memory" {
		store = storage.NewMemoryStore()
	} else {
		store, err = storage.NewSQLiteStore(cfg.Storage.Path, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.Storage.Path).Msg("Failed to open database")
		}
	}
	defer store.Close()

	clock := clockwork.NewRealClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := broadcast.NewHub(ctx, clock, logger)
	go hub.Run()

	statuses := status.NewStore(logger, clock, cfg.Engine.HistorySize)
	ctrl := status.NewController(statuses, cfg.Hysteresis, clock, logger)
	eval := evaluator.NewEvaluator(cfg.Thresholds)
	detector := anomaly.NewDetector(cfg.Anomaly)

	alerts := alerting.NewManager(store, hub, cfg.Alerts, clock, logger)
	if err := alerts.Restore(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to restore open alerts")
	}

	scheduler := aggregate.NewScheduler(store, hub, cfg.Aggregation, clock, logger)
	eng := engine.New(store, store, eval, ctrl, statuses, alerts, hub, cfg.Engine,
		cfg.Alerts.EscalationAfter.Std(), clock, logger)

	var wg sync.WaitGroup
	runComponent := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	runComponent(eng.Run)
	runComponent(scheduler.Run)
	runComponent(func(ctx context.Context) {
		alerts.RunJanitor(ctx, cfg.Alerts.JanitorInterval.Std())
	})

	if cfg.Demo.Enabled {
		gen := generator.New(store, cfg.Demo, clock, logger)
		if err := gen.Seed(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to seed demo hosts")
		}
		runComponent(gen.Run)
	}

	apiServer := api.NewServer(statuses, alerts, scheduler, detector, store, hub, cfg.API.Port, clock, logger)
	apiServer.SetVersion(version.Version, version.Commit, version.BuildDate)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error().Err(err).Msg("API server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info().Msg("HostPulse running, press Ctrl+C to stop")
	<-sigChan
	logger.Info().Msg("Shutting down...")

	if err := apiServer.Stop(10 * time.Second); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}

	// Background loops finish their in-flight work before we close the
	// store under them.
	cancel()
	wg.Wait()
	hub.Stop()

	logger.Info().Msg("HostPulse stopped")
}
