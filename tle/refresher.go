package tle

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/satops/internal/clock"
	"github.com/signalsfoundry/satops/internal/logging"
	"github.com/signalsfoundry/satops/internal/observability"
	"github.com/signalsfoundry/satops/model"
	"github.com/signalsfoundry/satops/orbit"
)

const DefaultInterval = 6 * time.Hour

// Outcome labels one satellite refresh.
type Outcome string

const (
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Catalog is the satellite registry being refreshed.
type Catalog interface {
	Satellites() []model.Satellite
	UpdateTLE(id int, tle orbit.TLE) error
}

// Source fetches the latest element set for a NORAD catalog number.
type Source interface {
	Fetch(ctx context.Context, noradID int) (orbit.TLE, error)
}

// Metrics counts refresh outcomes.
type Metrics interface {
	RecordTLERefresh(outcome string)
}

// Config tunes the refresh loop.
type Config struct {
	Interval time.Duration
	// Pause spaces out requests within one cycle.
	Pause time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Pause < 0 {
		c.Pause = 0
	}
	return c
}

// Refresh records what happened to one satellite during a cycle.
type Refresh struct {
	SatelliteID int
	Outcome     Outcome
	Err         error
}

// Refresher periodically replaces catalog element sets with fresh ones.
// A failed fetch leaves the cached set in place until the next cycle.
type Refresher struct {
	cat     Catalog
	source  Source
	cfg     Config
	clock   clock.Clock
	log     logging.Logger
	metrics Metrics
	tracer  trace.Tracer
}

// Option configures a Refresher.
type Option func(*Refresher)

func WithConfig(cfg Config) Option       { return func(r *Refresher) { r.cfg = cfg.withDefaults() } }
func WithClock(c clock.Clock) Option     { return func(r *Refresher) { r.clock = c } }
func WithLogger(l logging.Logger) Option { return func(r *Refresher) { r.log = l } }
func WithMetrics(m Metrics) Option       { return func(r *Refresher) { r.metrics = m } }

// NewRefresher constructs a refresher.
func NewRefresher(cat Catalog, source Source, opts ...Option) *Refresher {
	r := &Refresher{
		cat:    cat,
		source: source,
		cfg:    Config{}.withDefaults(),
		clock:  clock.Real{},
		log:    logging.Noop(),
		tracer: observability.Tracer("tle"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run refreshes immediately and then every Interval until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	r.log.Info(ctx, "tle refresher started", logging.Duration("interval", r.cfg.Interval))
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn(ctx, "tle refresh cycle failed", logging.Err(err))
		}
		select {
		case <-ctx.Done():
			r.log.Info(ctx, "tle refresher stopped")
			return
		case <-r.clock.After(r.cfg.Interval):
		}
	}
}

// RunOnce refreshes every satellite with a NORAD catalog number, in ID
// order. The returned error is set only when ctx ends the cycle early.
func (r *Refresher) RunOnce(ctx context.Context) ([]Refresh, error) {
	ctx, span := r.tracer.Start(ctx, "tle.RunOnce")
	defer span.End()

	sats := r.cat.Satellites()
	span.SetAttributes(attribute.Int("satellites", len(sats)))

	res := make([]Refresh, 0, len(sats))
	for i, s := range sats {
		if i > 0 && r.cfg.Pause > 0 {
			select {
			case <-ctx.Done():
			case <-r.clock.After(r.cfg.Pause):
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ref := r.refresh(ctx, s)
		if r.metrics != nil {
			r.metrics.RecordTLERefresh(string(ref.Outcome))
		}
		res = append(res, ref)
	}
	return res, nil
}

func (r *Refresher) refresh(ctx context.Context, s model.Satellite) Refresh {
	ref := Refresh{SatelliteID: s.ID}
	log := r.log.With(
		logging.Int("satellite_id", s.ID),
		logging.String("satellite", s.Name),
		logging.Int("norad_id", s.NoradID),
	)
	if s.NoradID <= 0 {
		ref.Outcome = OutcomeSkipped
		return ref
	}

	tle, err := r.source.Fetch(ctx, s.NoradID)
	if err == nil {
		if tle.Line1 == s.TLELine1 && tle.Line2 == s.TLELine2 {
			ref.Outcome = OutcomeUnchanged
			log.Debug(ctx, "tle unchanged")
			return ref
		}
		err = r.cat.UpdateTLE(s.ID, tle)
	}
	if err != nil {
		ref.Outcome, ref.Err = OutcomeFailed, err
		if !errors.Is(err, context.Canceled) {
			log.Warn(ctx, "tle refresh failed, keeping cached element set", logging.Err(err))
		}
		return ref
	}
	ref.Outcome = OutcomeUpdated
	log.Info(ctx, "tle updated")
	return ref
}
