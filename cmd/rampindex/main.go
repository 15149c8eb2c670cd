package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"rampledger/observability/logging"
	"rampledger/services/rampindex/config"
	"rampledger/services/rampindex/export"
	"rampledger/services/rampindex/ingest"
	"rampledger/services/rampindex/models"
	"rampledger/services/rampindex/server"
)

func main() {
	configFile := flag.String("config", "./rampindex.yaml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("RAMP_ENV"))
	logger := logging.Setup("rampindex", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("Failed to migrate schema", slog.Any("error", err))
		os.Exit(1)
	}

	checkpoint, err := ingest.OpenCheckpoint(cfg.CheckpointPath)
	if err != nil {
		logger.Error("Failed to open checkpoint store", slog.Any("error", err))
		os.Exit(1)
	}
	defer checkpoint.Close()

	ingestor := ingest.NewIngestor(
		db,
		ingest.NewClient(cfg.NodeURL),
		checkpoint,
		cfg.PollInterval,
		cfg.BatchSize,
		logger,
	)
	go func() {
		if err := ingestor.Run(context.Background()); err != nil && err != context.Canceled {
			logger.Error("Ingest loop stopped", slog.Any("error", err))
		}
	}()

	srv := server.New(server.Config{
		DB:             db,
		Exporter:       export.New(db, cfg.ExportDir),
		JWTSecret:      cfg.JWTSecret,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	logger.Info("rampindex listening",
		slog.String("address", cfg.ListenAddress),
		slog.String("node", cfg.NodeURL),
		logging.MaskField("jwtSecret", cfg.JWTSecret),
	)
	if err := http.ListenAndServe(cfg.ListenAddress, srv.Handler()); err != nil {
		logger.Error("HTTP server terminated", slog.Any("error", err))
		os.Exit(1)
	}
}

// openDatabase prefers Postgres when a DSN is configured and falls back to an
// embedded SQLite file for local runs.
func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	}
	return gorm.Open(sqlite.Open("rampindex.db"), &gorm.Config{})
}
