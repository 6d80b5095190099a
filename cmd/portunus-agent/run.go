package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/BrandonDHaskell/Portunus/presence/internal/beacon/replay"
	"github.com/BrandonDHaskell/Portunus/presence/internal/clock"
	"github.com/BrandonDHaskell/Portunus/presence/internal/delivery"
	deliverystore "github.com/BrandonDHaskell/Portunus/presence/internal/delivery/sqlitestore"
	portunusotel "github.com/BrandonDHaskell/Portunus/presence/internal/otel"
	"github.com/BrandonDHaskell/Portunus/presence/internal/presence/monitor"
	"github.com/BrandonDHaskell/Portunus/presence/internal/presence/session"
	sessionstore "github.com/BrandonDHaskell/Portunus/presence/internal/presence/session/sqlitestore"
	"github.com/BrandonDHaskell/Portunus/presence/internal/presence/smoother"
	"github.com/BrandonDHaskell/Portunus/presence/internal/presence/state"
	"github.com/BrandonDHaskell/Portunus/presence/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent against a replayed beacon stream",
	Long: `Run monitors every configured site, feeds the replayed radio events
(NDJSON, see --replay) through presence inference and delivers attendance
events until interrupted.

SIGUSR1 switches heartbeats to the background cadence, SIGUSR2 back to
foreground.`,
	RunE: runAgent,
}

func init() {
	f := runCmd.Flags()
	f.String("replay", "-", "NDJSON beacon event file, - for stdin")
	f.Bool("exit-on-eof", false, "drain the outbox and exit when the replay ends")
	f.String("user", "", "user ID reported in check-ins (PORTUNUS_USER_ID)")
	f.String("sites", "", "uuid:major=site-id,... (PORTUNUS_SITES)")
	f.String("transport", "", "http, protobuf or grpc (PORTUNUS_TRANSPORT)")
	f.String("collector", "", "collector base URL (PORTUNUS_COLLECTOR_URL)")
	f.String("grpc-target", "", "collector gRPC target (PORTUNUS_GRPC_TARGET)")
	f.String("metrics-addr", "", "serve /metrics on this address (PORTUNUS_METRICS_ADDR)")
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.UserID == "" {
		return errors.New("a user ID is required (--user or PORTUNUS_USER_ID)")
	}
	if len(cfg.Sites) == 0 {
		return errors.New("no sites configured (--sites or PORTUNUS_SITES)")
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := portunusotel.Setup(ctx, "portunus-agent", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	conn, writer, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer writer.Close()

	tr, endpoints, closeTransport, err := newTransport(cfg)
	if err != nil {
		return err
	}
	defer closeTransport()

	reg := prometheus.NewRegistry()
	metrics, err := telemetry.NewMetrics(reg)
	if err != nil {
		return err
	}
	sink := telemetry.Multi(metrics, telemetry.NewLogSink(logger))

	clk := clock.Real{}
	engine := delivery.New(deliverystore.New(conn, writer), tr,
		delivery.WithTelemetry(sink),
		delivery.WithLogger(logger),
		delivery.WithTracer(otel.Tracer("portunus-agent/delivery")),
		delivery.WithMaxAttempts(cfg.MaxAttempts),
	)
	if n, err := engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover outbox: %w", err)
	} else if n > 0 {
		logger.Info("recovered in-flight deliveries", "count", n)
	}

	src := replay.New(logger)
	sm := smoother.New(smoother.Config{}, clk)
	coord := monitor.New(src, sm, clk,
		monitor.WithConfig(monitor.Config{MaxRegions: cfg.MaxRegions}),
		monitor.WithTelemetry(sink),
		monitor.WithLogger(logger),
	)
	machine := state.New(clk, state.WithTelemetry(sink), state.WithLogger(logger))
	detachMachine := machine.Attach(coord)
	defer detachMachine()

	mgr := session.New(session.Config{
		UserID:               cfg.UserID,
		Sites:                cfg.Sites,
		Endpoints:            endpoints,
		ForegroundInterval:   cfg.ForegroundInterval,
		BackgroundInterval:   cfg.BackgroundInterval,
		MaxHeartbeatInterval: cfg.MaxHeartbeatInterval,
	}, engine, sessionstore.New(conn, writer), clk,
		session.WithTelemetry(sink),
		session.WithLogger(logger),
	)
	detachManager := mgr.Attach(machine)
	defer detachManager()
	defer mgr.Stop()

	if n, err := mgr.Restore(ctx); err != nil {
		return err
	} else if n > 0 {
		logger.Info("closed sessions left open by a previous run", "count", n)
	}

	for id, site := range cfg.Sites {
		if err := coord.Register(ctx, id); err != nil {
			logger.Error("cannot monitor site", "identity", id.String(), "site", site, "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()

	g.Go(func() error {
		engine.Run(runCtx, cfg.PollInterval)
		return nil
	})
	g.Go(func() error {
		sm.Run(runCtx, 0)
		return nil
	})
	g.Go(func() error {
		watchExecutionMode(runCtx, mgr)
		return nil
	})
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	exitOnEOF, _ := cmd.Flags().GetBool("exit-on-eof")
	replayPath, _ := cmd.Flags().GetString("replay")
	g.Go(func() error {
		in, closeIn, err := openReplay(replayPath)
		if err != nil {
			return err
		}
		defer closeIn()

		if err := src.Run(runCtx, in); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if !exitOnEOF {
			logger.Info("replay finished; waiting for signal")
			return nil
		}

		report, err := engine.Drain(runCtx)
		logger.Info("replay finished; outbox drained",
			"acknowledged", report.Acknowledged,
			"retried", report.Retried,
			"dead_lettered", len(report.DeadLettered))
		cancelRun()
		return err
	})

	return g.Wait()
}

func openReplay(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open replay: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// watchExecutionMode maps SIGUSR1/SIGUSR2 to background/foreground.
func watchExecutionMode(ctx context.Context, mgr *session.Manager) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-sig:
			if s == syscall.SIGUSR1 {
				mgr.SetExecutionMode(session.Background)
			} else {
				mgr.SetExecutionMode(session.Foreground)
			}
		}
	}
}
