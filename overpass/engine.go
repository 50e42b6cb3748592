package overpass

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/satops/internal/apperr"
	"github.com/signalsfoundry/satops/internal/logging"
	"github.com/signalsfoundry/satops/internal/observability"
	"github.com/signalsfoundry/satops/model"
	"github.com/signalsfoundry/satops/orbit"
)

const (
	DefaultStep     = time.Minute
	DefaultHorizon  = 7 * 24 * time.Hour
	DefaultMaxRange = 31 * 24 * time.Hour

	// blockSize is the number of samples computed concurrently before the
	// state machine consumes them.
	blockSize = 360
)

// Catalog resolves the satellites and ground stations a query refers to.
type Catalog interface {
	Satellite(id int) (model.Satellite, error)
	GroundStation(id int) (model.GroundStation, error)
}

// Metrics receives scan measurements.
type Metrics interface {
	ObserveScan(d time.Duration, windows int)
}

// Config bounds the engine's work.
type Config struct {
	Step     time.Duration // sampling step when a query does not set one
	Horizon  time.Duration // default search horizon for Next
	MaxRange time.Duration // longest range Windows accepts
	Workers  int           // concurrent samplers per block
}

func (c Config) withDefaults() Config {
	if c.Step <= 0 {
		c.Step = DefaultStep
	}
	if c.Horizon <= 0 {
		c.Horizon = DefaultHorizon
	}
	if c.MaxRange <= 0 {
		c.MaxRange = DefaultMaxRange
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	return c
}

// Query selects windows between Start and End.
type Query struct {
	SatelliteID      int
	GroundStationID  int
	Start            time.Time
	End              time.Time
	MinimumElevation float64
	// MinimumDurationSeconds drops shorter windows when positive.
	MinimumDurationSeconds float64
	// MaxResults stops the scan after this many windows when positive.
	MaxResults int
	// Step overrides the configured sampling step when positive.
	Step time.Duration
}

// NextQuery searches forward from From for the first complete window.
type NextQuery struct {
	SatelliteID            int
	GroundStationID        int
	From                   time.Time // zero means now
	MinimumElevation       float64
	MinimumDurationSeconds float64
	Horizon                time.Duration // zero means the configured horizon
	Step                   time.Duration
}

// Engine predicts overpass windows by sampling an orbit.Observer at a fixed
// step.
type Engine struct {
	catalog  Catalog
	observer orbit.Observer
	cfg      Config
	log      logging.Logger
	metrics  Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithConfig(cfg Config) Option        { return func(e *Engine) { e.cfg = cfg.withDefaults() } }
func WithLogger(l logging.Logger) Option  { return func(e *Engine) { e.log = l } }
func WithMetrics(m Metrics) Option        { return func(e *Engine) { e.metrics = m } }
func WithNow(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithTracer(tr trace.Tracer) Option   { return func(e *Engine) { e.tracer = tr } }

// NewEngine constructs an engine over the given catalog and observer.
func NewEngine(cat Catalog, obs orbit.Observer, opts ...Option) *Engine {
	e := &Engine{
		catalog:  cat,
		observer: obs,
		cfg:      Config{}.withDefaults(),
		log:      logging.Noop(),
		tracer:   observability.Tracer("overpass"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Windows returns every complete window inside [q.Start, q.End], in time
// order.
func (e *Engine) Windows(ctx context.Context, q Query) ([]model.OverpassWindow, error) {
	verr := &apperr.ValidationError{}
	if !q.End.After(q.Start) {
		verr.Add("endTime", "must be after startTime")
	} else if q.End.Sub(q.Start) > e.cfg.MaxRange {
		verr.Add("endTime", "range must not exceed %s", e.cfg.MaxRange)
	}
	checkCommon(verr, q.SatelliteID, q.GroundStationID, q.MinimumElevation, q.MinimumDurationSeconds, q.Step)
	if q.MaxResults < 0 {
		verr.Add("maxResults", "must not be negative")
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "overpass.Windows", trace.WithAttributes(
		attribute.Int("satellite_id", q.SatelliteID),
		attribute.Int("ground_station_id", q.GroundStationID),
	))
	defer span.End()

	tg, err := e.resolve(q.SatelliteID, q.GroundStationID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	step := e.step(q.Step)
	var windows []model.OverpassWindow
	started := time.Now()
	err = e.scan(ctx, tg, q.Start, q.End, step, q.MinimumElevation, func(w model.OverpassWindow) bool {
		if q.MinimumDurationSeconds > 0 && w.DurationSeconds < q.MinimumDurationSeconds {
			return true
		}
		windows = append(windows, w)
		return q.MaxResults == 0 || len(windows) < q.MaxResults
	})
	e.observe(started, len(windows))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("windows", len(windows)))
	e.log.Debug(ctx, "overpass windows computed",
		logging.Int("satellite_id", q.SatelliteID),
		logging.Int("ground_station_id", q.GroundStationID),
		logging.Int("windows", len(windows)),
		logging.Duration("elapsed", time.Since(started)),
	)
	if windows == nil {
		windows = []model.OverpassWindow{}
	}
	return windows, nil
}

// Next returns the first complete window starting at or after q.From. It
// fails with ErrNotFound when no window completes within the horizon.
func (e *Engine) Next(ctx context.Context, q NextQuery) (model.OverpassWindow, error) {
	verr := &apperr.ValidationError{}
	checkCommon(verr, q.SatelliteID, q.GroundStationID, q.MinimumElevation, q.MinimumDurationSeconds, q.Step)
	if q.Horizon < 0 {
		verr.Add("horizon", "must not be negative")
	}
	if err := verr.Err(); err != nil {
		return model.OverpassWindow{}, err
	}

	from := q.From
	if from.IsZero() {
		from = e.now()
	}
	horizon := q.Horizon
	if horizon == 0 {
		horizon = e.cfg.Horizon
	}

	ctx, span := e.tracer.Start(ctx, "overpass.Next", trace.WithAttributes(
		attribute.Int("satellite_id", q.SatelliteID),
		attribute.Int("ground_station_id", q.GroundStationID),
	))
	defer span.End()

	tg, err := e.resolve(q.SatelliteID, q.GroundStationID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return model.OverpassWindow{}, err
	}

	var (
		found model.OverpassWindow
		ok    bool
	)
	started := time.Now()
	err = e.scan(ctx, tg, from, from.Add(horizon), e.step(q.Step), q.MinimumElevation, func(w model.OverpassWindow) bool {
		if q.MinimumDurationSeconds > 0 && w.DurationSeconds < q.MinimumDurationSeconds {
			return true
		}
		found, ok = w, true
		return false
	})
	if ok {
		e.observe(started, 1)
	} else {
		e.observe(started, 0)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return model.OverpassWindow{}, err
	}
	if !ok {
		return model.OverpassWindow{}, fmt.Errorf("%w: no overpass of satellite %d over ground station %d within %s",
			apperr.ErrNotFound, q.SatelliteID, q.GroundStationID, horizon)
	}
	return found, nil
}

type target struct {
	sat  model.Satellite
	gs   model.GroundStation
	tle  orbit.TLE
	site orbit.Site
}

func (e *Engine) resolve(satID, gsID int) (target, error) {
	sat, err := e.catalog.Satellite(satID)
	if err != nil {
		return target{}, err
	}
	gs, err := e.catalog.GroundStation(gsID)
	if err != nil {
		return target{}, err
	}
	tle := orbit.TLE{Line1: sat.TLELine1, Line2: sat.TLELine2}
	if tle.Empty() {
		return target{}, fmt.Errorf("%w: satellite %d has no TLE data", apperr.ErrBadRequest, satID)
	}
	if err := tle.Validate(); err != nil {
		return target{}, err
	}
	return target{
		sat: sat,
		gs:  gs,
		tle: tle,
		site: orbit.Site{
			LatitudeDeg:  gs.Location.Latitude,
			LongitudeDeg: gs.Location.Longitude,
			AltitudeKm:   gs.Location.Altitude,
		},
	}, nil
}

// scan samples [start, end] at step, block by block. Samples inside a block
// are computed concurrently; the tracker consumes them strictly in order so
// window boundaries do not depend on scheduling. emit returning false stops
// the scan.
func (e *Engine) scan(ctx context.Context, tg target, start, end time.Time, step time.Duration, threshold float64, emit func(model.OverpassWindow) bool) error {
	total := int(end.Sub(start)/step) + 1
	tr := &tracker{threshold: threshold}
	samples := make([]sample, blockSize)

	for offset := 0; offset < total; offset += blockSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(blockSize, total-offset)
		if err := e.sampleBlock(ctx, tg, start, step, offset, samples[:n]); err != nil {
			return err
		}
		for _, s := range samples[:n] {
			w, done := tr.feed(s)
			if !done {
				continue
			}
			w.SatelliteID = tg.sat.ID
			w.SatelliteName = tg.sat.Name
			w.GroundStationID = tg.gs.ID
			w.GroundStationName = tg.gs.Name
			if !emit(w) {
				return nil
			}
		}
	}
	return nil
}

func (e *Engine) sampleBlock(ctx context.Context, tg target, start time.Time, step time.Duration, offset int, out []sample) error {
	g, gctx := errgroup.WithContext(ctx)
	workers := min(e.cfg.Workers, len(out))
	chunk := (len(out) + workers - 1) / workers

	for lo := 0; lo < len(out); lo += chunk {
		hi := min(lo+chunk, len(out))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				at := start.Add(time.Duration(offset+i) * step)
				look, err := e.observer.Observe(tg.tle, tg.site, at)
				if err != nil {
					if errors.Is(err, apperr.ErrBadRequest) || errors.Is(err, apperr.ErrUpstreamUnavailable) {
						return err
					}
					return fmt.Errorf("%w: observe at %s: %w", apperr.ErrUpstreamUnavailable, at.Format(time.RFC3339), err)
				}
				out[i] = sample{at: at, elevation: look.ElevationDeg, azimuth: look.AzimuthDeg}
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) step(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return e.cfg.Step
}

func (e *Engine) observe(started time.Time, windows int) {
	if e.metrics != nil {
		e.metrics.ObserveScan(time.Since(started), windows)
	}
}

func checkCommon(verr *apperr.ValidationError, satID, gsID int, minElevation, minDuration float64, step time.Duration) {
	if satID <= 0 {
		verr.Add("satelliteId", "must be a positive integer")
	}
	if gsID <= 0 {
		verr.Add("groundStationId", "must be a positive integer")
	}
	if minElevation < -90 || minElevation > 90 {
		verr.Add("minimumElevation", "must be between -90 and 90")
	}
	if minDuration < 0 {
		verr.Add("minimumDurationSeconds", "must not be negative")
	}
	if step < 0 || (step > 0 && step < time.Second) {
		verr.Add("step", "must be at least one second")
	}
}
