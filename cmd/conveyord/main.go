// Command conveyord launches a Conveyor dispatch node.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/infra/persistence/migrations"
	httpserver "github.com/conveyorhq/conveyor/internal/infra/server/http"
	"github.com/conveyorhq/conveyor/internal/infra/transport/ws"
	"github.com/conveyorhq/conveyor/internal/observability"
	"github.com/conveyorhq/conveyor/internal/telemetry"
)

const (
	defaultConfigPath        = "config/conveyor.yaml"
	loggerPrefix             = "conveyord "
	shutdownTimeout          = 30 * time.Second
	peerServerShutdownGrace  = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	peerReadHeaderTimeout    = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stdLogger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	logger := observability.NewStdLogger(stdLogger, os.Getenv("CONVEYOR_DEBUG") != "")

	cfg, err := loadConfig(resolveConfigPath(*cfgPath), stdLogger)
	if err != nil {
		stdLogger.Fatalf("load config: %v", err)
	}
	stdLogger.Printf("configuration initialised: env=%s", cfg.Environment)

	telemetryProvider, err := initTelemetry(ctx, stdLogger, cfg)
	if err != nil {
		stdLogger.Fatalf("initialize telemetry: %v", err)
	}

	stores, pool, err := buildStores(ctx, cfg, stdLogger)
	if err != nil {
		stdLogger.Fatalf("initialise stores: %v", err)
	}
	if pool != nil {
		defer pool.Close()
	}

	core, err := conveyor.New(cfg, stores, conveyor.WithLogger(logger))
	if err != nil {
		stdLogger.Fatalf("assemble core: %v", err)
	}
	if err := core.Start(ctx); err != nil {
		stdLogger.Fatalf("start core: %v", err)
	}

	var lifecycle conc.WaitGroup
	peerServer := startPeerServer(&lifecycle, stdLogger, cfg.Transport, core, logger)

	stdLogger.Print("conveyord started; awaiting shutdown signal")
	<-ctx.Done()
	stdLogger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	if peerServer != nil {
		stepCtx, stepCancel := context.WithTimeout(shutdownCtx, peerServerShutdownGrace)
		if err := peerServer.Shutdown(stepCtx); err != nil {
			stdLogger.Printf("shutdown: peer server: %v", err)
		}
		stepCancel()
	}
	lifecycle.Wait()
	if err := core.Close(); err != nil {
		stdLogger.Printf("shutdown: core: %v", err)
	}
	if telemetryProvider != nil {
		stepCtx, stepCancel := context.WithTimeout(shutdownCtx, telemetryShutdownTimeout)
		if err := telemetryProvider.Shutdown(stepCtx); err != nil {
			stdLogger.Printf("shutdown: telemetry: %v", err)
		}
		stepCancel()
	}
	stdLogger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func loadConfig(path string, logger *log.Logger) (config.AppConfig, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		logger.Printf("configuration file not found, using defaults")
		return config.Default(), nil
	}
	return config.AppConfig{}, err
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// applyMigrations prefers the configured on-disk directory and falls back to
// the migrations compiled into the binary.
func applyMigrations(ctx context.Context, cfg config.AppConfig, logger *log.Logger) error {
	if _, err := os.Stat(cfg.Database.MigrationsDir); err == nil {
		return migrations.Apply(ctx, cfg.Database.DSN, cfg.Database.MigrationsDir, logger)
	}
	return migrations.ApplyEmbedded(ctx, cfg.Database.DSN, logger)
}

// buildStores returns the postgres-backed store set when a DSN is configured,
// an in-memory set otherwise. The returned pool is nil for the memory tier.
func buildStores(ctx context.Context, cfg config.AppConfig, logger *log.Logger) (conveyor.Stores, *pgxpool.Pool, error) {
	if cfg.Database.DSN == "" {
		logger.Printf("no database configured, using in-memory stores")
		return conveyor.MemoryStores(), nil, nil
	}

	if cfg.Database.RunMigrations {
		if err := applyMigrations(ctx, cfg, logger); err != nil {
			return conveyor.Stores{}, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		return conveyor.Stores{}, nil, fmt.Errorf("parse database dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.Database.MaxConns
	poolCfg.MinConns = cfg.Database.MinConns
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.Database.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return conveyor.Stores{}, nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return conveyor.Stores{}, nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Printf("database pool ready: maxConns=%d", poolCfg.MaxConns)
	return conveyor.PostgresStores(pool), pool, nil
}

// startPeerServer serves the operator API and accepts inbound cluster peers
// over websockets when a listen address is configured.
func startPeerServer(lifecycle *conc.WaitGroup, logger *log.Logger, cfg config.TransportConfig, core *conveyor.Core, obsLogger observability.Logger) *http.Server {
	if cfg.ListenAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/cluster", ws.AcceptHandler(core.HandleFrame, obsLogger))
	mux.Handle("/", httpserver.NewHandler(core))
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: peerReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("peer server: %v", err)
		}
	})
	logger.Printf("api and peer listener on %s", cfg.ListenAddr)
	return server
}
