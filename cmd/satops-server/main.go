// Command satops-server runs the mission-command pipeline: the flight plan
// API, the overpass engine, the ground station gateway, the dispatch loop
// and the element set refresher, plus the ops gRPC health endpoint and
// Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/satops/catalog"
	"github.com/signalsfoundry/satops/dispatch"
	"github.com/signalsfoundry/satops/flightplan"
	"github.com/signalsfoundry/satops/gateway"
	"github.com/signalsfoundry/satops/internal/config"
	"github.com/signalsfoundry/satops/internal/events"
	"github.com/signalsfoundry/satops/internal/httpapi"
	"github.com/signalsfoundry/satops/internal/logging"
	"github.com/signalsfoundry/satops/internal/observability"
	"github.com/signalsfoundry/satops/internal/opsrpc"
	"github.com/signalsfoundry/satops/internal/store/memory"
	"github.com/signalsfoundry/satops/internal/store/postgres"
	"github.com/signalsfoundry/satops/internal/store/sqlite"
	"github.com/signalsfoundry/satops/orbit"
	"github.com/signalsfoundry/satops/overpass"
	"github.com/signalsfoundry/satops/tle"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Args[1:], os.LookupEnv)
	if err != nil {
		logging.NewFromEnv().Error(ctx, "invalid configuration", logging.Err(err))
		os.Exit(2)
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	tracing, err := observability.StartTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}

	err = run(ctx, cfg, log, listeners{})
	tracing.Shutdown(context.Background())
	if err != nil {
		log.Error(ctx, "server exited", logging.Err(err))
		os.Exit(1)
	}
}

// listeners lets tests supply pre-bound sockets. A nil listener is opened
// from the configured address.
type listeners struct {
	http net.Listener
	grpc net.Listener
}

// planStore is a flight plan store with an optional lifecycle.
type planStore struct {
	flightplan.Store
	ping  func(context.Context) error
	close func() error
}

func openStore(ctx context.Context, cfg config.Config) (planStore, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return planStore{}, err
		}
		return planStore{Store: s, ping: s.Ping, close: s.Close}, nil
	case config.StorePostgres:
		s, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return planStore{}, err
		}
		return planStore{Store: s, ping: s.Ping, close: s.Close}, nil
	default:
		return planStore{Store: memory.New()}, nil
	}
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.New(), nil
	}
	return catalog.LoadFile(path)
}

// run wires every component and blocks until ctx is cancelled or a server
// fails.
func run(ctx context.Context, cfg config.Config, log logging.Logger, lis listeners) error {
	collector, err := observability.NewMissionCollector(nil)
	if err != nil {
		return fmt.Errorf("metrics collector: %w", err)
	}

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	if store.close != nil {
		defer func() {
			if err := store.close(); err != nil {
				log.Warn(context.Background(), "closing store failed", logging.Err(err))
			}
		}()
	}

	observer := orbit.NewSGP4Observer()
	unsubscribe := cat.Subscribe(func(e catalog.Event) {
		if e.Type == catalog.EventTLEUpdated && !e.Previous.Empty() {
			observer.Forget(e.Previous)
		}
	})
	defer unsubscribe()

	engine := overpass.NewEngine(cat, observer,
		overpass.WithConfig(overpass.Config{
			Step:     cfg.Overpass.Step,
			Horizon:  cfg.Overpass.Horizon,
			MaxRange: cfg.Overpass.MaxRange,
			Workers:  cfg.Overpass.Workers,
		}),
		overpass.WithLogger(logging.Component(log, "overpass")),
		overpass.WithMetrics(collector),
	)
	planOpts := []flightplan.Option{
		flightplan.WithReferences(cat),
		flightplan.WithLogger(logging.Component(log, "flightplan")),
		flightplan.WithMetrics(collector),
	}
	var publisher *events.Publisher
	if cfg.Events.Broker != "" {
		publisher, err = events.Dial(ctx, events.Config{
			Broker:      cfg.Events.Broker,
			ClientID:    cfg.Events.ClientID,
			Username:    cfg.Events.Username,
			Password:    cfg.Events.Password,
			TopicPrefix: cfg.Events.TopicPrefix,
			QoS:         byte(cfg.Events.QoS),
		}, logging.Component(log, "events"))
		if err != nil {
			return err
		}
		defer publisher.Close()
		planOpts = append(planOpts, flightplan.WithNotifier(publisher))
	}
	plans := flightplan.NewService(store, httpapi.ContextIdentity{}, planOpts...)
	gw := gateway.New(gateway.NewRegistry(),
		gateway.WithStations(cat),
		gateway.WithHandshakeTimeout(cfg.HandshakeTimeout),
		gateway.WithLogger(logging.Component(log, "gateway")),
		gateway.WithMetrics(collector),
	)

	health := map[string]httpapi.Pinger{}
	checks := map[string]opsrpc.Check{}
	if store.ping != nil {
		health["store"] = pingFunc(store.ping)
		checks["store"] = store.ping
	}
	if publisher != nil {
		health["events"] = publisher
		checks["events"] = publisher.Ping
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Plans:          plans,
		Overpasses:     engine,
		Catalog:        cat,
		Connections:    gw,
		StationSocket:  gateway.NewHandler(ctx, gw, logging.Component(log, "gateway")),
		Metrics:        collector,
		Health:         health,
		IdentityHeader: cfg.IdentityHeader,
		Log:            log,
	})

	g, gctx := errgroup.WithContext(ctx)

	httpSrv := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	httpLis, err := listen(lis.http, cfg.HTTPAddr)
	if err != nil {
		return err
	}
	g.Go(func() error {
		log.Info(gctx, "serving HTTP API", logging.String("addr", httpLis.Addr().String()))
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" || lis.grpc != nil {
		monitor := opsrpc.NewHealthMonitor(checks, logging.Component(log, "health"))
		grpcSrv = opsrpc.NewServer(monitor, collector, log)
		grpcLis, err := listen(lis.grpc, cfg.GRPCAddr)
		if err != nil {
			_ = httpLis.Close()
			return err
		}
		g.Go(func() error {
			monitor.Run(gctx)
			return nil
		})
		g.Go(func() error {
			log.Info(gctx, "serving ops gRPC", logging.String("addr", grpcLis.Addr().String()))
			if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	metricsSrv := serveMetrics(gctx, g, cfg.MetricsAddr, collector, log)

	if cfg.Dispatch.Enabled {
		opts := []dispatch.Option{
			dispatch.WithConfig(dispatch.Config{
				Interval:         cfg.Dispatch.Interval,
				Lookahead:        cfg.Dispatch.Lookahead,
				OverpassHorizon:  cfg.Dispatch.OverpassHorizon,
				MinimumElevation: cfg.Dispatch.MinimumElevation,
			}),
			dispatch.WithLogger(logging.Component(log, "dispatch")),
			dispatch.WithMetrics(collector),
		}
		if cfg.Dispatch.RequireOverpass {
			opts = append(opts, dispatch.WithPasses(engine))
		}
		d := dispatch.New(plans, gw, cat, opts...)
		g.Go(func() error {
			d.Run(gctx)
			return nil
		})
	}

	if cfg.TLE.Enabled {
		refresher := tle.NewRefresher(cat, tle.NewCelestrak(cfg.TLE.SourceURL, nil),
			tle.WithConfig(tle.Config{Interval: cfg.TLE.Interval, Pause: cfg.TLE.Pause}),
			tle.WithLogger(logging.Component(log, "tle")),
			tle.WithMetrics(collector),
		)
		g.Go(func() error {
			refresher.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		// Hijacked websocket connections are closed by the gateway when ctx
		// ends; Shutdown does not wait for them.
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func listen(l net.Listener, addr string) (net.Listener, error) {
	if l != nil {
		return l, nil
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return l, nil
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, collector *observability.MissionCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		log.Info(ctx, "serving Prometheus metrics", logging.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(ctx, "metrics server exited", logging.Err(err))
		}
		return nil
	})
	return srv
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
