package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/BrandonDHaskell/Portunus/presence/internal/clock"
	"github.com/BrandonDHaskell/Portunus/presence/internal/config"
	"github.com/BrandonDHaskell/Portunus/presence/internal/db"
	"github.com/BrandonDHaskell/Portunus/presence/internal/grpcapi"
	"github.com/BrandonDHaskell/Portunus/presence/internal/httpapi"
	portunusotel "github.com/BrandonDHaskell/Portunus/presence/internal/otel"
	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/service"
	redisstore "github.com/BrandonDHaskell/Portunus/presence/internal/portunus/store/redis"
	sqlitestore "github.com/BrandonDHaskell/Portunus/presence/internal/portunus/store/sqlite"
	"github.com/BrandonDHaskell/Portunus/presence/internal/telemetry"
)

func main() {
	cfg, err := config.LoadCollector()
	if err != nil {
		fmt.Fprintf(os.Stderr, "portunus-server: %v\n", err)
		os.Exit(2)
	}
	logger := telemetry.NewLogger(cfg.LogFormat, telemetry.ParseLevel(cfg.LogLevel), os.Stdout).
		With("service", "portunus-server")

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Collector, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := portunusotel.Setup(ctx, "portunus-server", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// Stores
	conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env, Schema: db.SchemaCollector})
	if err != nil {
		return err
	}
	defer conn.Close()
	if cfg.Env == "dev" {
		if err := db.SeedDev(ctx, conn, db.SeedDevOptions{KnownSites: cfg.KnownSites}); err != nil {
			return err
		}
	}
	writer := db.NewWorker(conn)
	defer writer.Close()

	attendanceStore := sqlitestore.NewAttendanceStore(conn, writer)
	siteStore := sqlitestore.NewSiteStore(conn, writer)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		return err
	}
	sink := telemetry.Multi(metrics, telemetry.NewLogSink(logger))

	// Services
	opts := []service.AttendanceOption{
		service.WithTelemetry(sink),
		service.WithLogger(logger),
	}
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		opts = append(opts, service.WithGuard(redisstore.NewGuard(rdb, redisstore.WithTTL(cfg.IdempotencyTTL))))
		logger.Info("idempotency guard enabled", "redis", cfg.RedisAddr)
	}
	registry := service.NewSiteRegistry(siteStore)
	attendanceSvc := service.NewAttendanceService(registry, attendanceStore, opts...)

	expirer := service.NewSessionExpirer(attendanceStore, service.ExpirerConfig{
		TTL:           cfg.SessionTTL,
		RetentionDays: cfg.RetentionDays,
		Interval:      cfg.ExpiryInterval,
	}, clock.Real{}, sink, logger)
	expirer.Start(ctx)
	defer expirer.Stop()

	// HTTP
	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:            logger,
		Addr:              cfg.HTTPAddr,
		AttendanceService: attendanceSvc,
		Metrics:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Ready:             conn.PingContext,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// gRPC
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
		}
		gs := grpcapi.NewServer(attendanceSvc, logger)
		g.Go(func() error { return gs.Serve(gctx, lis) })
	}

	return g.Wait()
}
