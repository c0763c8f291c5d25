package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	httpapi "github.com/i474232898/station-weather/internal/api/http"
	"github.com/i474232898/station-weather/internal/config"
	"github.com/i474232898/station-weather/internal/observability"
	"github.com/i474232898/station-weather/internal/scheduler"
	"github.com/i474232898/station-weather/internal/stations"
	"github.com/i474232898/station-weather/internal/store"
	"github.com/i474232898/station-weather/internal/weather"
	"github.com/i474232898/station-weather/internal/weather/providers"
)

const serviceName = "station-weather"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsStore, health, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	stationList := cfg.Stations
	if len(cfg.StationAddresses) > 0 {
		resolved, err := stations.NewGoogleResolver(cfg.GeocoderAPIKey, log).Resolve(ctx, cfg.StationAddresses)
		if err != nil {
			log.Warn("some station addresses could not be geocoded", "error", err)
		}
		stationList = append(stationList, resolved...)
	}

	// Shared HTTP client for outbound provider calls.
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	provider := providers.NewOpenWeatherProvider(httpClient, cfg.OpenWeatherAPIKey,
		providers.WithBaseURL(cfg.OpenWeatherBaseURL))
	if cfg.OpenWeatherAPIKey == "" {
		log.Warn("OPENWEATHER_API_KEY is not set; every fetch will fail")
	}

	service := weather.NewService(provider, obsStore, weather.ServiceConfig{
		Stations:           stationList,
		CoordPrecision:     cfg.CoordPrecision,
		MaxHistoricalHours: cfg.MaxHistoryHours,
		CalendarLocation:   cfg.CalendarLocation,
	}, log, metrics)
	log.Info("stations configured", "count", len(service.Stations()))

	if cfg.SchedulerEnabled {
		sched := scheduler.New(cfg.FetchCron, cfg.SchedulerLocation, cfg.CycleTimeout, service, log)
		if err := sched.Start(); err != nil {
			return fmt.Errorf("start scheduler: invalid FETCH_CRON %q: %w", cfg.FetchCron, err)
		}
		defer sched.Stop()
	}

	app := fiber.New(fiber.Config{
		AppName:               serviceName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		// Manual backfills can run for a long time.
		WriteTimeout: 0,
		ErrorHandler: httpapi.ErrorHandler,
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	httpapi.RegisterOperational(app, serviceName, health)
	httpapi.RegisterRoutes(app, service)

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "port", cfg.Port)
		errCh <- app.Listen(":" + cfg.Port)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore builds the configured observation store. The returned health
// check is nil for the in-memory store.
func openStore(cfg *config.AppConfig, log *slog.Logger) (weather.Store, func(context.Context) error, func(), error) {
	if cfg.DBDriver == config.DriverMemory {
		log.Warn("using in-memory store; observations are lost on restart")
		return store.NewMemoryStore(nil), nil, func() {}, nil
	}

	dialect, err := store.ParseDialect(cfg.DBDriver)
	if err != nil {
		return nil, nil, nil, err
	}

	db, err := store.Open(store.Options{
		Dialect:      dialect,
		DSN:          cfg.DBDSN,
		MaxOpenConns: cfg.DBMaxOpenConns,
		Logger:       log,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, nil, err
	}
	closeDB := func() {
		if err := sqlDB.Close(); err != nil {
			log.Warn("close database", "error", err)
		}
	}

	if err := store.Migrate(sqlDB, dialect, log); err != nil {
		closeDB()
		return nil, nil, nil, err
	}

	gs := store.NewGormStore(db, dialect)
	return gs, gs.Ping, closeDB, nil
}
