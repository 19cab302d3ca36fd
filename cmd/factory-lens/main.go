package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/microlumin/factory-lens/internal/actions"
	"github.com/microlumin/factory-lens/internal/api"
	"github.com/microlumin/factory-lens/internal/camera"
	"github.com/microlumin/factory-lens/internal/config"
	"github.com/microlumin/factory-lens/internal/database"
	"github.com/microlumin/factory-lens/internal/device"
	"github.com/microlumin/factory-lens/internal/ingest"
	"github.com/microlumin/factory-lens/internal/mqttclient"
	"github.com/microlumin/factory-lens/internal/storage"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "http-addr", "", "http listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "postgres connection string")
	flag.StringVar(&overrides.MQTTHost, "mqtt-host", "", "mqtt broker host")
	flag.StringVar(&overrides.StorageRoot, "storage-root", "", "root for relative local storage paths")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("factory-lens starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}

	// Device registry
	registry := device.NewRegistry(db, log)
	if err := registry.Refresh(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load devices")
	}

	// Queues
	actionsQ := ingest.NewQueue("actions", cfg.ActionsQueueSize, log)
	cameraQ := ingest.NewQueue("camera", cfg.CameraQueueSize, log)
	storageQ := ingest.NewQueue("storage", cfg.StorageQueueSize, log)

	telemetry := ingest.NewTelemetry(registry, log)
	fanout := ingest.NewFanout(ctx, telemetry, log, actionsQ, cameraQ, storageQ)

	// MQTT
	mqttLog := log.With().Str("component", "mqtt").Logger()
	mqtt, err := mqttclient.Connect(mqttclient.Options{
		BrokerURL: cfg.BrokerURL(),
		ClientID:  cfg.MQTTClientID,
		Username:  cfg.MQTTUser,
		Password:  cfg.MQTTPassword,
		Log:       mqttLog,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
	}
	defer mqtt.Close()
	mqtt.SetMessageHandler(fanout.Handle)
	mqtt.Subscribe(registry.TopicFilters()...)

	// Action engine
	engine := actions.New(actions.Options{
		Store:          db,
		Devices:        registry,
		Publisher:      mqtt,
		Injector:       fanout,
		StatusInterval: cfg.ActionsStatusInterval,
		Log:            log,
	})
	if err := engine.Reload(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load actions")
	}

	// Camera manager and liveness poller
	cameras := camera.NewManager(camera.Options{
		Devices:   registry,
		Store:     db,
		Publisher: mqtt,
		Log:       log,
	})
	poller := camera.NewPoller(registry, db, mqtt, camera.FFmpegFetcher{}, log)

	// Storage manager
	files := storage.NewManager(storage.Options{
		Devices:   registry,
		Publisher: mqtt,
		Root:      cfg.StorageRoot,
		Log:       log,
	})

	// apply pushes persisted changes from the admin API into the running
	// core: reload the device snapshot, recompile the rules, and pick up
	// any new topic filters.
	apply := func(ctx context.Context) error {
		if err := registry.Refresh(ctx); err != nil {
			return err
		}
		if err := engine.Reload(ctx); err != nil {
			return err
		}
		mqtt.Subscribe(registry.TopicFilters()...)
		return nil
	}

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	run(ingest.NewConsumer(actionsQ, cfg.ActionsWorkers, engine.Relevant, engine.HandleMessage, log).Run)
	run(ingest.NewConsumer(cameraQ, cfg.CameraWorkers, camera.Relevant, cameras.HandleMessage, log).Run)
	run(ingest.NewConsumer(storageQ, cfg.StorageWorkers, storage.Relevant, files.HandleMessage, log).Run)
	run(engine.Run)
	run(poller.Run)
	run(files.Run)

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.Options{
		Config:    cfg,
		Devices:   db,
		Actions:   db,
		Registry:  registry,
		Engine:    engine,
		DB:        db,
		MQTT:      mqtt,
		Apply:     apply,
		Version:   version,
		StartTime: startTime,
		Log:       httpLog,
	})

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	// Give the workers a moment to drain in-flight messages.
	stop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		log.Warn().Msg("workers did not drain in time")
	}

	log.Info().Msg("factory-lens stopped")
}
