// Package config loads the agent and collector settings from PORTUNUS_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/BrandonDHaskell/Portunus/presence/internal/beacon"
)

// Logging and tracing settings shared by both binaries.
type Observability struct {
	LogFormat    string `env:"PORTUNUS_LOG_FORMAT" envDefault:"text"`
	LogLevel     string `env:"PORTUNUS_LOG_LEVEL" envDefault:"info"`
	OTelEndpoint string `env:"PORTUNUS_OTEL_ENDPOINT"` // empty disables tracing
}

type Collector struct {
	Observability

	HTTPAddr string `env:"PORTUNUS_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"PORTUNUS_GRPC_ADDR"` // empty disables the gRPC listener

	// DB
	Env    string `env:"PORTUNUS_ENV" envDefault:"dev"` // "dev" | "prod"
	DBPath string `env:"PORTUNUS_DB_PATH" envDefault:"./data/portunus.db"`

	KnownSitesCSV string `env:"PORTUNUS_KNOWN_SITES"`
	KnownSites    []string

	// Session expiry and history retention
	SessionTTL     time.Duration `env:"PORTUNUS_SESSION_TTL" envDefault:"30m"`
	RetentionDays  int           `env:"PORTUNUS_RETENTION_DAYS" envDefault:"90"` // 0 = keep forever
	ExpiryInterval time.Duration `env:"PORTUNUS_EXPIRY_INTERVAL" envDefault:"1m"`

	// Optional shared idempotency guard
	RedisAddr      string        `env:"PORTUNUS_REDIS_ADDR"`
	IdempotencyTTL time.Duration `env:"PORTUNUS_IDEMPOTENCY_TTL" envDefault:"48h"`
}

// Transport kinds for the agent.
const (
	TransportHTTP     = "http"
	TransportProtobuf = "protobuf"
	TransportGRPC     = "grpc"
)

type Agent struct {
	Observability

	UserID string `env:"PORTUNUS_USER_ID"`

	// SitesCSV maps beacon identities to site IDs: "uuid:major=site-id,...".
	SitesCSV string `env:"PORTUNUS_SITES"`
	Sites    map[beacon.Identity]string

	Transport    string `env:"PORTUNUS_TRANSPORT" envDefault:"http"`
	CollectorURL string `env:"PORTUNUS_COLLECTOR_URL" envDefault:"http://localhost:8080"`
	GRPCTarget   string `env:"PORTUNUS_GRPC_TARGET" envDefault:"localhost:9090"`
	TLSCert      string `env:"PORTUNUS_TLS_CERT"`
	TLSKey       string `env:"PORTUNUS_TLS_KEY"`
	TLSCA        string `env:"PORTUNUS_TLS_CA"`

	DBPath string `env:"PORTUNUS_AGENT_DB_PATH" envDefault:"./data/agent.db"`

	ForegroundInterval   time.Duration `env:"PORTUNUS_HEARTBEAT_FOREGROUND" envDefault:"60s"`
	BackgroundInterval   time.Duration `env:"PORTUNUS_HEARTBEAT_BACKGROUND" envDefault:"5m"`
	MaxHeartbeatInterval time.Duration `env:"PORTUNUS_HEARTBEAT_MAX" envDefault:"15m"`
	MaxRegions           int           `env:"PORTUNUS_MAX_REGIONS" envDefault:"20"`
	PollInterval         time.Duration `env:"PORTUNUS_DELIVERY_POLL" envDefault:"5s"`
	MaxAttempts          int           `env:"PORTUNUS_DELIVERY_MAX_ATTEMPTS" envDefault:"8"`

	MetricsAddr string `env:"PORTUNUS_METRICS_ADDR"` // empty disables /metrics
}

func LoadCollector() (Collector, error) {
	var cfg Collector
	if err := env.Parse(&cfg); err != nil {
		return Collector{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	if cfg.Env != "dev" && cfg.Env != "prod" {
		// fail-soft: treat unknown as dev
		cfg.Env = "dev"
	}
	cfg.KnownSites = splitCSV(cfg.KnownSitesCSV)
	return cfg, nil
}

func LoadAgent() (Agent, error) {
	var cfg Agent
	if err := env.Parse(&cfg); err != nil {
		return Agent{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Finish(); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}

// Finish validates cfg and derives Sites from SitesCSV. The agent CLI
// calls it again after applying flag overrides.
func (cfg *Agent) Finish() error {
	sites, err := ParseSites(cfg.SitesCSV)
	if err != nil {
		return err
	}
	cfg.Sites = sites

	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	switch cfg.Transport {
	case TransportHTTP, TransportProtobuf, TransportGRPC:
	default:
		return fmt.Errorf("PORTUNUS_TRANSPORT %q: want http, protobuf or grpc", cfg.Transport)
	}
	return nil
}

// ParseSites parses "uuid:major=site-id" pairs separated by commas. Each
// site ID belongs to exactly one identity, since a site holds at most one
// open session.
func ParseSites(csv string) (map[beacon.Identity]string, error) {
	out := make(map[beacon.Identity]string)
	owners := make(map[string]beacon.Identity)
	for _, pair := range splitCSV(csv) {
		idPart, site, ok := strings.Cut(pair, "=")
		site = strings.TrimSpace(site)
		if !ok || site == "" {
			return nil, fmt.Errorf("site mapping %q: want uuid:major=site-id", pair)
		}
		id, err := beacon.ParseIdentity(idPart)
		if err != nil {
			return nil, fmt.Errorf("site mapping %q: %w", pair, err)
		}
		if prev, dup := out[id]; dup && prev != site {
			return nil, fmt.Errorf("site mapping %q: %s already maps to %s", pair, id, prev)
		}
		if owner, taken := owners[site]; taken && owner != id {
			return nil, fmt.Errorf("site mapping %q: site %s already mapped from %s", pair, site, owner)
		}
		owners[site] = id
		out[id] = site
	}
	return out, nil
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
