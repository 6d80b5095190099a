package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/BrandonDHaskell/Portunus/presence/internal/config"
	"github.com/BrandonDHaskell/Portunus/presence/internal/db"
	"github.com/BrandonDHaskell/Portunus/presence/internal/delivery"
	"github.com/BrandonDHaskell/Portunus/presence/internal/delivery/transport"
	"github.com/BrandonDHaskell/Portunus/presence/internal/grpcapi"
	"github.com/BrandonDHaskell/Portunus/presence/internal/presence/session"
	"github.com/BrandonDHaskell/Portunus/presence/internal/telemetry"
)

// loadConfig reads the environment and applies the persistent flags.
func loadConfig(cmd *cobra.Command) (config.Agent, error) {
	cfg, err := config.LoadAgent()
	if err != nil {
		return config.Agent{}, err
	}
	flags := cmd.Flags()
	override := func(name string, dst *string) {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			return
		}
		v, _ := flags.GetString(name)
		*dst = v
	}
	override("db", &cfg.DBPath)
	override("log-format", &cfg.LogFormat)
	override("log-level", &cfg.LogLevel)
	override("user", &cfg.UserID)
	override("sites", &cfg.SitesCSV)
	override("transport", &cfg.Transport)
	override("collector", &cfg.CollectorURL)
	override("grpc-target", &cfg.GRPCTarget)
	override("metrics-addr", &cfg.MetricsAddr)

	if err := cfg.Finish(); err != nil {
		return config.Agent{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Agent) *slog.Logger {
	return telemetry.NewLogger(cfg.LogFormat, telemetry.ParseLevel(cfg.LogLevel), os.Stderr).
		With("service", "portunus-agent")
}

func openDB(ctx context.Context, cfg config.Agent) (*sql.DB, *db.Worker, error) {
	conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: "prod", Schema: db.SchemaAgent})
	if err != nil {
		return nil, nil, err
	}
	return conn, db.NewWorker(conn), nil
}

// newTransport returns the configured transport, the session endpoints it
// understands, and a closer for any connection it opened.
func newTransport(cfg config.Agent) (delivery.Transport, session.Endpoints, func(), error) {
	nop := func() {}

	var tc *tls.Config
	if cfg.TLSCert != "" || cfg.TLSCA != "" {
		var err error
		if tc, err = transport.LoadTLS(cfg.TLSCert, cfg.TLSKey, cfg.TLSCA); err != nil {
			return nil, session.Endpoints{}, nop, err
		}
	}

	switch cfg.Transport {
	case config.TransportGRPC:
		creds := insecure.NewCredentials()
		if tc != nil {
			creds = credentials.NewTLS(tc)
		}
		conn, err := grpc.NewClient(cfg.GRPCTarget,
			grpc.WithTransportCredentials(creds),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		)
		if err != nil {
			return nil, session.Endpoints{}, nop, fmt.Errorf("dial %s: %w", cfg.GRPCTarget, err)
		}
		endpoints := session.Endpoints{
			CheckIn:   grpcapi.MethodCheckIn,
			Heartbeat: grpcapi.MethodHeartbeat,
			CheckOut:  grpcapi.MethodCheckOut,
		}
		return transport.NewGRPC(conn), endpoints, func() { _ = conn.Close() }, nil

	case config.TransportProtobuf:
		return transport.NewHTTP(transport.NewClient(tc), transport.WithProtobuf()), httpEndpoints(cfg.CollectorURL), nop, nil

	default:
		return transport.NewHTTP(transport.NewClient(tc)), httpEndpoints(cfg.CollectorURL), nop, nil
	}
}

func httpEndpoints(base string) session.Endpoints {
	base = strings.TrimRight(base, "/")
	return session.Endpoints{
		CheckIn:   base + "/v1/checkin",
		Heartbeat: base + "/v1/heartbeat",
		CheckOut:  base + "/v1/checkout",
	}
}
