package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// MissionCollector bundles Prometheus metrics for the mission-command
// service and provides helpers to wire them into HTTP handlers, gRPC servers
// and the core components.
type MissionCollector struct {
	gatherer prometheus.Gatherer

	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec
	RPCRequests   *prometheus.CounterVec

	PlanTransitions     *prometheus.CounterVec
	GatewayConnections  prometheus.Gauge
	GatewayHandshakes   *prometheus.CounterVec
	GatewayFrames       *prometheus.CounterVec
	DispatchAttempts    *prometheus.CounterVec
	OverpassScanSeconds prometheus.Histogram
	OverpassWindows     prometheus.Counter
	TLERefreshes        *prometheus.CounterVec
}

// NewMissionCollector registers metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil. Registering twice
// against the same registry reuses the existing collectors.
func NewMissionCollector(reg prometheus.Registerer) (*MissionCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	r := &registrar{reg: reg}
	c := &MissionCollector{
		gatherer: gatherer,
		HTTPRequests: register(r, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "satops_http_requests_total",
			Help: "Handled HTTP requests by route template, method and status code.",
		}, []string{"route", "method", "code"})),
		HTTPDurations: register(r, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "satops_http_request_duration_seconds",
			Help:    "HTTP request latency by route template and method.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"route", "method"})),
		RPCRequests: register(r, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "satops_grpc_requests_total",
			Help: "Ops gRPC calls by service, method and status code.",
		}, []string{"service", "method", "code"})),
		PlanTransitions: register(r, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "satops_flight_plan_transitions_total",
			Help: "Flight plans entering each lifecycle status.",
		}, []string{"status"})),
		GatewayConnections: register(r, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "satops_gateway_connections",
			Help: "Ground stations currently holding a registered gateway connection.",
		})),
		GatewayHandshakes: register(r, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "satops_gateway_handshakes_total",
			Help: "Gateway handshakes by outcome.",
		}, []string{"outcome"})),
		GatewayFrames: register(r, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "satops_gateway_frames_sent_total",
			Help: "Text frames written to ground stations by outcome.",
		}, []string{"outcome"})),
		DispatchAttempts: register(r, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "satops_dispatch_attempts_total",
			Help: "Flight plan dispatch attempts by outcome.",
		}, []string{"outcome"})),
		OverpassScanSeconds: register(r, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "satops_overpass_scan_duration_seconds",
			Help:    "Duration of overpass visibility scans.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		})),
		OverpassWindows: register(r, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "satops_overpass_windows_total",
			Help: "Completed overpass windows emitted by scans.",
		})),
		TLERefreshes: register(r, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "satops_tle_refresh_total",
			Help: "Per-satellite element set refreshes by outcome.",
		}, []string{"outcome"})),
	}
	if r.err != nil {
		return nil, r.err
	}
	return c, nil
}

// UnaryServerInterceptor records request counts for unary RPCs.
func (c *MissionCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if c == nil || c.RPCRequests == nil {
			return resp, err
		}
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// ObserveHTTP records one handled HTTP request.
func (c *MissionCollector) ObserveHTTP(route, method string, code int, d time.Duration) {
	if c == nil {
		return
	}
	if c.HTTPRequests != nil {
		c.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	}
	if c.HTTPDurations != nil {
		c.HTTPDurations.WithLabelValues(route, method).Observe(d.Seconds())
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *MissionCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod splits "/pkg.Service/Method" into its short service name and
// method. Anything unparseable yields "unknown" for the missing part.
func SplitMethod(fullMethod string) (service, method string) {
	service, method = "unknown", "unknown"
	path := strings.TrimPrefix(fullMethod, "/")
	slash := strings.LastIndex(path, "/")
	if slash < 0 {
		return service, method
	}
	if m := path[slash+1:]; m != "" {
		method = m
	}
	svc := path[:slash]
	if i := strings.LastIndex(svc, "/"); i >= 0 {
		svc = svc[i+1:]
	}
	if dot := strings.LastIndex(svc, "."); dot >= 0 && dot+1 < len(svc) {
		svc = svc[dot+1:]
	}
	if svc != "" {
		service = svc
	}
	return service, method
}
