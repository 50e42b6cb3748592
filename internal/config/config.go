// Package config assembles server settings from command-line flags, the
// process environment and an optional .env file, in that order of
// precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/signalsfoundry/satops/internal/apperr"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config is the full server configuration.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	Store       string
	SQLitePath  string
	PostgresDSN string

	CatalogPath string

	// IdentityHeader names the request header carrying the authenticated
	// caller set by the fronting proxy.
	IdentityHeader   string
	HandshakeTimeout time.Duration

	Dispatch DispatchConfig
	Overpass OverpassConfig
	Tracing  TracingConfig
	Log      LogConfig
	Events   EventsConfig
	TLE      TLEConfig
}

// TLEConfig tunes the element set refresher.
type TLEConfig struct {
	Enabled   bool
	SourceURL string
	Interval  time.Duration
	Pause     time.Duration
}

// EventsConfig locates the MQTT broker plan events go to. An empty Broker
// disables publishing.
type EventsConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         int
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Enabled     bool
	Exporter    string // stdout or otlp
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRatio float64
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level  string
	Format string
}

// DispatchConfig tunes the dispatch loop.
type DispatchConfig struct {
	Enabled          bool
	Interval         time.Duration
	Lookahead        time.Duration
	RequireOverpass  bool
	OverpassHorizon  time.Duration
	MinimumElevation float64
}

// OverpassConfig tunes the overpass engine.
type OverpassConfig struct {
	Step     time.Duration
	Horizon  time.Duration
	MaxRange time.Duration
	Workers  int
}

// Environment is a key lookup, normally os.LookupEnv.
type Environment func(key string) (string, bool)

// Load parses args (without the program name) against env. Values from the
// file named by SATOPS_ENV_FILE (default ".env") fill keys the environment
// leaves unset; a missing file is not an error.
func Load(args []string, env Environment) (Config, error) {
	if env == nil {
		env = os.LookupEnv
	}
	merged, err := withEnvFile(env)
	if err != nil {
		return Config{}, err
	}
	r := reader{env: merged, verr: &apperr.ValidationError{}}

	var cfg Config
	flags := flag.NewFlagSet("satops-server", flag.ContinueOnError)
	flags.SetOutput(io.Discard)

	flags.StringVar(&cfg.HTTPAddr, "http-addr", r.str("SATOPS_HTTP_ADDR", ":8080"), "HTTP API and ground station websocket address")
	flags.StringVar(&cfg.GRPCAddr, "grpc-addr", r.str("SATOPS_GRPC_ADDR", ":50051"), "gRPC health/ops address; empty disables")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", r.str("SATOPS_METRICS_ADDR", ":9090"), "Prometheus /metrics address; empty serves metrics on the HTTP API only")
	flags.StringVar(&cfg.Store, "store", r.str("SATOPS_STORE", StoreMemory), "flight plan store: memory, sqlite or postgres")
	flags.StringVar(&cfg.SQLitePath, "sqlite-path", r.str("SATOPS_SQLITE_PATH", "satops.db"), "SQLite database file")
	flags.StringVar(&cfg.PostgresDSN, "postgres-dsn", r.str("SATOPS_POSTGRES_DSN", ""), "PostgreSQL connection string")
	flags.StringVar(&cfg.CatalogPath, "catalog", r.str("SATOPS_CATALOG_PATH", ""), "JSON catalog of satellites and ground stations")
	flags.StringVar(&cfg.IdentityHeader, "identity-header", r.str("SATOPS_IDENTITY_HEADER", "X-Authenticated-User"), "header carrying the authenticated caller")
	flags.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", r.duration("SATOPS_HANDSHAKE_TIMEOUT", 30*time.Second), "time a ground station has to send its hello frame")

	flags.BoolVar(&cfg.Dispatch.Enabled, "dispatch", r.boolean("SATOPS_DISPATCH_ENABLED", true), "run the dispatch loop")
	flags.DurationVar(&cfg.Dispatch.Interval, "dispatch-interval", r.duration("SATOPS_DISPATCH_INTERVAL", 30*time.Second), "dispatch cycle interval")
	flags.DurationVar(&cfg.Dispatch.Lookahead, "dispatch-lookahead", r.duration("SATOPS_DISPATCH_LOOKAHEAD", 5*time.Minute), "how far ahead of their schedule plans are sent")
	flags.BoolVar(&cfg.Dispatch.RequireOverpass, "dispatch-require-overpass", r.boolean("SATOPS_DISPATCH_REQUIRE_OVERPASS", true), "only send when a pass is predicted")
	flags.DurationVar(&cfg.Dispatch.OverpassHorizon, "dispatch-overpass-horizon", r.duration("SATOPS_DISPATCH_OVERPASS_HORIZON", 24*time.Hour), "pass search horizon for dispatch")
	flags.Float64Var(&cfg.Dispatch.MinimumElevation, "dispatch-min-elevation", r.float("SATOPS_DISPATCH_MIN_ELEVATION", 0), "minimum elevation in degrees for a dispatch pass")

	flags.DurationVar(&cfg.Overpass.Step, "overpass-step", r.duration("SATOPS_OVERPASS_STEP", time.Minute), "overpass sampling step")
	flags.DurationVar(&cfg.Overpass.Horizon, "overpass-horizon", r.duration("SATOPS_OVERPASS_HORIZON", 7*24*time.Hour), "default horizon for next-overpass queries")
	flags.DurationVar(&cfg.Overpass.MaxRange, "overpass-max-range", r.duration("SATOPS_OVERPASS_MAX_RANGE", 31*24*time.Hour), "longest range a window query may span")
	flags.IntVar(&cfg.Overpass.Workers, "overpass-workers", r.integer("SATOPS_OVERPASS_WORKERS", 0), "concurrent samplers per scan; 0 uses GOMAXPROCS")

	flags.BoolVar(&cfg.Tracing.Enabled, "tracing", r.boolean("SATOPS_TRACING_ENABLED", false), "export OpenTelemetry spans")
	flags.StringVar(&cfg.Tracing.Exporter, "tracing-exporter", strings.ToLower(r.str("SATOPS_TRACING_EXPORTER", "stdout")), "span exporter: stdout or otlp")
	flags.StringVar(&cfg.Tracing.Endpoint, "tracing-endpoint", r.str("SATOPS_OTLP_ENDPOINT", "localhost:4317"), "OTLP gRPC collector address")
	flags.BoolVar(&cfg.Tracing.Insecure, "tracing-insecure", r.boolean("SATOPS_OTLP_INSECURE", true), "send OTLP without TLS")
	flags.StringVar(&cfg.Tracing.ServiceName, "tracing-service-name", r.str("SATOPS_TRACING_SERVICE_NAME", "satops"), "service.name resource attribute")
	flags.Float64Var(&cfg.Tracing.SampleRatio, "tracing-sample-ratio", r.float("SATOPS_TRACING_SAMPLE_RATIO", 1), "fraction of root traces sampled")

	flags.StringVar(&cfg.Events.Broker, "mqtt-broker", r.str("SATOPS_MQTT_BROKER", ""), "MQTT broker URL for plan events; empty disables")
	flags.StringVar(&cfg.Events.ClientID, "mqtt-client-id", r.str("SATOPS_MQTT_CLIENT_ID", ""), "MQTT client ID; empty generates one")
	flags.StringVar(&cfg.Events.Username, "mqtt-username", r.str("SATOPS_MQTT_USERNAME", ""), "MQTT username")
	flags.StringVar(&cfg.Events.Password, "mqtt-password", r.str("SATOPS_MQTT_PASSWORD", ""), "MQTT password")
	flags.StringVar(&cfg.Events.TopicPrefix, "mqtt-topic-prefix", r.str("SATOPS_MQTT_TOPIC_PREFIX", "satops"), "prefix of plan event topics")
	flags.IntVar(&cfg.Events.QoS, "mqtt-qos", r.integer("SATOPS_MQTT_QOS", 1), "MQTT publish QoS: 0, 1 or 2")

	flags.BoolVar(&cfg.TLE.Enabled, "tle-refresh", r.boolean("SATOPS_TLE_REFRESH_ENABLED", true), "periodically refresh element sets of satellites with a NORAD id")
	flags.StringVar(&cfg.TLE.SourceURL, "tle-source-url", r.str("SATOPS_TLE_SOURCE_URL", "https://celestrak.org/NORAD/elements/gp.php"), "GP endpoint queried with CATNR and FORMAT=TLE")
	flags.DurationVar(&cfg.TLE.Interval, "tle-refresh-interval", r.duration("SATOPS_TLE_REFRESH_INTERVAL", 6*time.Hour), "element set refresh interval")
	flags.DurationVar(&cfg.TLE.Pause, "tle-refresh-pause", r.duration("SATOPS_TLE_REFRESH_PAUSE", 2*time.Second), "delay between satellites within one refresh")

	flags.StringVar(&cfg.Log.Level, "log-level", r.str("LOG_LEVEL", "info"), "debug, info, warn or error")
	flags.StringVar(&cfg.Log.Format, "log-format", r.str("LOG_FORMAT", "json"), "json or text")

	if err := r.verr.Err(); err != nil {
		return Config{}, err
	}
	if err := flags.Parse(args); err != nil {
		return Config{}, fmt.Errorf("%w: %w", apperr.ErrBadRequest, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	verr := &apperr.ValidationError{}
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			verr.Add("SATOPS_SQLITE_PATH", "is required for the sqlite store")
		}
	case StorePostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			verr.Add("SATOPS_POSTGRES_DSN", "is required for the postgres store")
		}
	default:
		verr.Add("SATOPS_STORE", "must be one of memory, sqlite, postgres")
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		verr.Add("SATOPS_HTTP_ADDR", "must not be empty")
	}
	if strings.TrimSpace(c.IdentityHeader) == "" {
		verr.Add("SATOPS_IDENTITY_HEADER", "must not be empty")
	}
	if c.HandshakeTimeout < 0 {
		verr.Add("SATOPS_HANDSHAKE_TIMEOUT", "must not be negative")
	}
	if c.Dispatch.Interval <= 0 {
		verr.Add("SATOPS_DISPATCH_INTERVAL", "must be positive")
	}
	if c.Dispatch.Lookahead < 0 {
		verr.Add("SATOPS_DISPATCH_LOOKAHEAD", "must not be negative")
	}
	if c.Dispatch.MinimumElevation < -90 || c.Dispatch.MinimumElevation > 90 {
		verr.Add("SATOPS_DISPATCH_MIN_ELEVATION", "must be between -90 and 90")
	}
	if c.Overpass.Step < time.Second {
		verr.Add("SATOPS_OVERPASS_STEP", "must be at least one second")
	}
	if c.Overpass.Horizon <= 0 {
		verr.Add("SATOPS_OVERPASS_HORIZON", "must be positive")
	}
	if c.Overpass.MaxRange <= 0 {
		verr.Add("SATOPS_OVERPASS_MAX_RANGE", "must be positive")
	}
	if c.Overpass.Workers < 0 {
		verr.Add("SATOPS_OVERPASS_WORKERS", "must not be negative")
	}
	if c.Tracing.Enabled {
		switch strings.ToLower(c.Tracing.Exporter) {
		case "stdout":
		case "otlp":
			if strings.TrimSpace(c.Tracing.Endpoint) == "" {
				verr.Add("SATOPS_OTLP_ENDPOINT", "is required for the otlp exporter")
			}
		default:
			verr.Add("SATOPS_TRACING_EXPORTER", "must be stdout or otlp")
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		verr.Add("SATOPS_TRACING_SAMPLE_RATIO", "must be between 0 and 1")
	}
	if c.Events.QoS < 0 || c.Events.QoS > 2 {
		verr.Add("SATOPS_MQTT_QOS", "must be 0, 1 or 2")
	}
	if c.Events.Broker != "" && strings.TrimSpace(c.Events.TopicPrefix) == "" {
		verr.Add("SATOPS_MQTT_TOPIC_PREFIX", "is required when a broker is set")
	}
	if c.TLE.Enabled {
		if c.TLE.Interval <= 0 {
			verr.Add("SATOPS_TLE_REFRESH_INTERVAL", "must be positive")
		}
		if c.TLE.Pause < 0 {
			verr.Add("SATOPS_TLE_REFRESH_PAUSE", "must not be negative")
		}
		if u, err := url.Parse(c.TLE.SourceURL); err != nil || u.Scheme == "" || u.Host == "" {
			verr.Add("SATOPS_TLE_SOURCE_URL", "must be an absolute URL")
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		verr.Add("LOG_FORMAT", "must be json or text")
	}
	return verr.Err()
}

func withEnvFile(env Environment) (Environment, error) {
	path, ok := env("SATOPS_ENV_FILE")
	if !ok || path == "" {
		path = ".env"
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return env, nil
		}
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return func(key string) (string, bool) {
		if v, ok := env(key); ok {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}, nil
}

// reader converts environment values, collecting conversion failures.
type reader struct {
	env  Environment
	verr *apperr.ValidationError
}

func (r reader) lookup(key string) (string, bool) {
	v, ok := r.env(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok {
		return v
	}
	return def
}

func (r reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.verr.Add(key, "invalid duration %q", v)
		return def
	}
	return d
}

func (r reader) boolean(key string, def bool) bool {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.verr.Add(key, "invalid boolean %q", v)
		return def
	}
	return b
}

func (r reader) integer(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.verr.Add(key, "invalid integer %q", v)
		return def
	}
	return n
}

func (r reader) float(key string, def float64) float64 {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.verr.Add(key, "invalid number %q", v)
		return def
	}
	return f
}
