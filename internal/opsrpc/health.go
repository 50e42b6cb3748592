package opsrpc

import (
	"context"
	"sort"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/satops/internal/clock"
	"github.com/signalsfoundry/satops/internal/logging"
)

// ServiceName is the health service entry covering the whole process.
const ServiceName = "satops"

const (
	defaultCheckInterval = 15 * time.Second
	defaultCheckTimeout  = 2 * time.Second
)

// Check is one dependency probe.
type Check func(ctx context.Context) error

// HealthMonitor runs checks periodically and publishes the result on a
// grpc.health.v1 server. Each check is reported under its own name and the
// aggregate under ServiceName and "".
type HealthMonitor struct {
	server   *health.Server
	checks   map[string]Check
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	log      logging.Logger
}

// MonitorOption configures a HealthMonitor.
type MonitorOption func(*HealthMonitor)

func WithInterval(d time.Duration) MonitorOption { return func(m *HealthMonitor) { m.interval = d } }
func WithClock(c clock.Clock) MonitorOption      { return func(m *HealthMonitor) { m.clock = c } }

// NewHealthMonitor starts every entry in NOT_SERVING until the first probe.
func NewHealthMonitor(checks map[string]Check, log logging.Logger, opts ...MonitorOption) *HealthMonitor {
	if log == nil {
		log = logging.Noop()
	}
	m := &HealthMonitor{
		server:   health.NewServer(),
		checks:   checks,
		interval: defaultCheckInterval,
		timeout:  defaultCheckTimeout,
		clock:    clock.Real{},
		log:      log,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	m.server.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	for name := range checks {
		m.server.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return m
}

// Server is the grpc.health.v1 implementation to register.
func (m *HealthMonitor) Server() *health.Server { return m.server }

// Probe runs every check once and updates the published statuses. It
// reports whether all checks passed.
func (m *HealthMonitor) Probe(ctx context.Context) bool {
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := m.checks[name](cctx)
		cancel()
		st := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			healthy = false
			st = healthpb.HealthCheckResponse_NOT_SERVING
			m.log.Warn(ctx, "health check failed", logging.String("check", name), logging.Err(err))
		}
		m.server.SetServingStatus(name, st)
	}

	overall := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	m.server.SetServingStatus("", overall)
	m.server.SetServingStatus(ServiceName, overall)
	return healthy
}

// Run probes immediately and then every interval until ctx ends, at which
// point every status is moved to NOT_SERVING.
func (m *HealthMonitor) Run(ctx context.Context) {
	for {
		m.Probe(ctx)
		select {
		case <-ctx.Done():
			m.server.Shutdown()
			return
		case <-m.clock.After(m.interval):
		}
	}
}
