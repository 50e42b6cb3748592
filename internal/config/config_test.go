package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/satops/internal/apperr"
)

func mapEnv(m map[string]string) Environment {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnvFile(t *testing.T, m map[string]string) Environment {
	t.Helper()
	if m == nil {
		m = map[string]string{}
	}
	m["SATOPS_ENV_FILE"] = filepath.Join(t.TempDir(), "missing.env")
	return mapEnv(m)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, noEnvFile(t, nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.Store != StoreMemory || cfg.IdentityHeader != "X-Authenticated-User" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Dispatch.Interval != 30*time.Second || cfg.Dispatch.Lookahead != 5*time.Minute || !cfg.Dispatch.Enabled {
		t.Fatalf("dispatch defaults = %+v", cfg.Dispatch)
	}
	if cfg.Overpass.Step != time.Minute || cfg.Overpass.MaxRange != 31*24*time.Hour {
		t.Fatalf("overpass defaults = %+v", cfg.Overpass)
	}
	if cfg.HandshakeTimeout != 30*time.Second {
		t.Fatalf("handshake timeout = %s", cfg.HandshakeTimeout)
	}
}

func TestEnvironmentOverridesDefaultsAndFlagsOverrideEnvironment(t *testing.T) {
	env := noEnvFile(t, map[string]string{
		"SATOPS_HTTP_ADDR":          ":9000",
		"SATOPS_STORE":              "sqlite",
		"SATOPS_SQLITE_PATH":        "/var/lib/satops.db",
		"SATOPS_DISPATCH_INTERVAL":  "10s",
		"SATOPS_OVERPASS_WORKERS":   "4",
		"SATOPS_DISPATCH_ENABLED":   "false",
		"SATOPS_OVERPASS_STEP":      "30s",
		"SATOPS_DISPATCH_LOOKAHEAD": " ",
	})
	cfg, err := Load([]string{"-http-addr", ":7000", "-overpass-workers=2"}, env)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":7000" {
		t.Fatalf("flag should win: HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.Overpass.Workers != 2 {
		t.Fatalf("Workers = %d", cfg.Overpass.Workers)
	}
	if cfg.Store != StoreSQLite || cfg.SQLitePath != "/var/lib/satops.db" {
		t.Fatalf("store = %q %q", cfg.Store, cfg.SQLitePath)
	}
	if cfg.Dispatch.Interval != 10*time.Second || cfg.Dispatch.Enabled || cfg.Overpass.Step != 30*time.Second {
		t.Fatalf("env values not applied: %+v %+v", cfg.Dispatch, cfg.Overpass)
	}
	if cfg.Dispatch.Lookahead != 5*time.Minute {
		t.Fatalf("blank value should fall back to default, got %s", cfg.Dispatch.Lookahead)
	}
}

func TestEnvFileFillsUnsetKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "satops.env")
	content := "SATOPS_STORE=postgres\nSATOPS_POSTGRES_DSN=postgres://satops@db/satops\nSATOPS_HTTP_ADDR=:1111\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	cfg, err := Load(nil, mapEnv(map[string]string{
		"SATOPS_ENV_FILE":  path,
		"SATOPS_HTTP_ADDR": ":2222",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store != StorePostgres || cfg.PostgresDSN != "postgres://satops@db/satops" {
		t.Fatalf("env file values missing: %+v", cfg)
	}
	if cfg.HTTPAddr != ":2222" {
		t.Fatalf("process environment should win over the file, got %q", cfg.HTTPAddr)
	}
}

func TestInvalidValuesAreReportedByKey(t *testing.T) {
	_, err := Load(nil, noEnvFile(t, map[string]string{
		"SATOPS_DISPATCH_INTERVAL": "soon",
		"SATOPS_OVERPASS_WORKERS":  "many",
	}))
	verr, ok := apperr.AsValidation(err)
	if !ok {
		t.Fatalf("err = %v, want validation error", err)
	}
	fields := map[string]bool{}
	for _, f := range verr.Fields {
		fields[f.Field] = true
	}
	if !fields["SATOPS_DISPATCH_INTERVAL"] || !fields["SATOPS_OVERPASS_WORKERS"] {
		t.Fatalf("fields = %v", verr.Fields)
	}
}

func TestValidateCrossFieldRules(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown store":     {"SATOPS_STORE": "redis"},
		"postgres sans dsn": {"SATOPS_STORE": "postgres"},
		"tiny step":         {"SATOPS_OVERPASS_STEP": "500ms"},
		"bad elevation":     {"SATOPS_DISPATCH_MIN_ELEVATION": "95"},
		"zero interval":     {"SATOPS_DISPATCH_INTERVAL": "0s"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(nil, noEnvFile(t, env)); !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}

func TestUnknownFlagFails(t *testing.T) {
	if _, err := Load([]string{"-no-such-flag"}, noEnvFile(t, nil)); !errors.Is(err, apperr.ErrBadRequest) {
		t.Fatalf("err = %v, want bad request", err)
	}
}

func TestTracingAndLogSettings(t *testing.T) {
	cfg, err := Load([]string{"-tracing", "-log-format=text"}, noEnvFile(t, map[string]string{
		"SATOPS_TRACING_EXPORTER":     "OTLP",
		"SATOPS_OTLP_ENDPOINT":        "collector:4317",
		"SATOPS_TRACING_SAMPLE_RATIO": "0.25",
		"LOG_LEVEL":                   "debug",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "otlp" || cfg.Tracing.Endpoint != "collector:4317" || cfg.Tracing.SampleRatio != 0.25 {
		t.Fatalf("tracing = %+v", cfg.Tracing)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Fatalf("log = %+v", cfg.Log)
	}

	_, err = Load([]string{"-tracing", "-tracing-exporter=zipkin", "-tracing-sample-ratio=2"}, noEnvFile(t, nil))
	verr, ok := apperr.AsValidation(err)
	if !ok {
		t.Fatalf("err = %v, want validation error", err)
	}
	want := map[string]bool{"SATOPS_TRACING_EXPORTER": false, "SATOPS_TRACING_SAMPLE_RATIO": false}
	for _, f := range verr.Fields {
		if _, ok := want[f.Field]; ok {
			want[f.Field] = true
		}
	}
	for k, seen := range want {
		if !seen {
			t.Fatalf("missing %s in %v", k, verr)
		}
	}
}

func TestMQTTEventSettings(t *testing.T) {
	cfg, err := Load([]string{"-mqtt-qos=2"}, noEnvFile(t, map[string]string{
		"SATOPS_MQTT_BROKER":       "tcp://broker:1883",
		"SATOPS_MQTT_TOPIC_PREFIX": "groundseg",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Events.Broker != "tcp://broker:1883" || cfg.Events.TopicPrefix != "groundseg" || cfg.Events.QoS != 2 {
		t.Fatalf("events = %+v", cfg.Events)
	}

	_, err = Load([]string{"-mqtt-qos=3"}, noEnvFile(t, nil))
	verr, ok := apperr.AsValidation(err)
	if !ok || len(verr.Fields) != 1 || verr.Fields[0].Field != "SATOPS_MQTT_QOS" {
		t.Fatalf("err = %v, want SATOPS_MQTT_QOS validation error", err)
	}
}

func TestTLERefreshSettings(t *testing.T) {
	cfg, err := Load(nil, noEnvFile(t, nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.TLE.Enabled || cfg.TLE.Interval != 6*time.Hour || cfg.TLE.Pause != 2*time.Second ||
		cfg.TLE.SourceURL != "https://celestrak.org/NORAD/elements/gp.php" {
		t.Fatalf("tle defaults = %+v", cfg.TLE)
	}

	cfg, err = Load([]string{"-tle-refresh-interval=1h"}, noEnvFile(t, map[string]string{
		"SATOPS_TLE_SOURCE_URL": "http://mirror.local/gp.php",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TLE.Interval != time.Hour || cfg.TLE.SourceURL != "http://mirror.local/gp.php" {
		t.Fatalf("tle = %+v", cfg.TLE)
	}

	_, err = Load(nil, noEnvFile(t, map[string]string{"SATOPS_TLE_SOURCE_URL": "gp.php"}))
	verr, ok := apperr.AsValidation(err)
	if !ok || len(verr.Fields) != 1 || verr.Fields[0].Field != "SATOPS_TLE_SOURCE_URL" {
		t.Fatalf("err = %v, want SATOPS_TLE_SOURCE_URL validation error", err)
	}

	if _, err := Load([]string{"-tle-refresh=false"}, noEnvFile(t, map[string]string{"SATOPS_TLE_SOURCE_URL": "gp.php"})); err != nil {
		t.Fatalf("disabled refresher should skip its checks: %v", err)
	}
}
