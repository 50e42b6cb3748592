// Package dispatch sends approved flight plans to their ground stations as
// their scheduled time approaches.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/satops/gateway"
	"github.com/signalsfoundry/satops/internal/apperr"
	"github.com/signalsfoundry/satops/internal/clock"
	"github.com/signalsfoundry/satops/internal/logging"
	"github.com/signalsfoundry/satops/internal/observability"
	"github.com/signalsfoundry/satops/model"
	"github.com/signalsfoundry/satops/overpass"
)

const (
	DefaultInterval        = 30 * time.Second
	DefaultLookahead       = 5 * time.Minute
	DefaultOverpassHorizon = 24 * time.Hour
)

// Outcome labels one dispatch attempt.
type Outcome string

const (
	OutcomeSent          Outcome = "sent"
	OutcomeNotConnected  Outcome = "not_connected"
	OutcomeNoOverpass    Outcome = "no_overpass"
	OutcomeUnresolved    Outcome = "unresolved"
	OutcomeCompileFailed Outcome = "compile_failed"
	OutcomeSendFailed    Outcome = "send_failed"
	OutcomePartial       Outcome = "partial_delivery"
	OutcomeMarkFailed    Outcome = "mark_failed"
)

// Plans is the lifecycle surface the dispatcher drives.
type Plans interface {
	DueForDispatch(ctx context.Context, lookahead time.Duration) ([]*model.FlightPlan, error)
	CompilePlan(ctx context.Context, id uuid.UUID) ([]string, error)
	MarkTransmitted(ctx context.Context, id uuid.UUID) (*model.FlightPlan, error)
}

// Gateway delivers compiled scripts.
type Gateway interface {
	IsConnected(groundStationID int) bool
	Send(ctx context.Context, t gateway.Transmission) (string, error)
}

// Satellites resolves the satellite name placed in the envelope.
type Satellites interface {
	Satellite(id int) (model.Satellite, error)
}

// Passes predicts the next overpass of a plan's satellite over its station.
type Passes interface {
	Next(ctx context.Context, q overpass.NextQuery) (model.OverpassWindow, error)
}

// Metrics counts dispatch outcomes.
type Metrics interface {
	RecordDispatch(outcome string)
}

// Config tunes the dispatch loop.
type Config struct {
	Interval  time.Duration
	Lookahead time.Duration
	// OverpassHorizon bounds the search for a pass when a Passes source is
	// configured.
	OverpassHorizon  time.Duration
	MinimumElevation float64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Lookahead <= 0 {
		c.Lookahead = DefaultLookahead
	}
	if c.OverpassHorizon <= 0 {
		c.OverpassHorizon = DefaultOverpassHorizon
	}
	return c
}

// Attempt records what happened to one due plan during a cycle.
type Attempt struct {
	PlanID    uuid.UUID
	Outcome   Outcome
	RequestID string
	Err       error
}

// Dispatcher polls for due plans and pushes them through the gateway. A
// plan is marked transmitted only after both frames were delivered; every
// other outcome leaves it approved for the next cycle.
type Dispatcher struct {
	plans      Plans
	gw         Gateway
	satellites Satellites
	passes     Passes
	cfg        Config
	clock      clock.Clock
	log        logging.Logger
	metrics    Metrics
	tracer     trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithConfig(cfg Config) Option       { return func(d *Dispatcher) { d.cfg = cfg.withDefaults() } }
func WithClock(c clock.Clock) Option     { return func(d *Dispatcher) { d.clock = c } }
func WithLogger(l logging.Logger) Option { return func(d *Dispatcher) { d.log = l } }
func WithMetrics(m Metrics) Option       { return func(d *Dispatcher) { d.metrics = m } }

// WithPasses requires a predicted overpass before a plan is sent.
func WithPasses(p Passes) Option { return func(d *Dispatcher) { d.passes = p } }

// New constructs a dispatcher.
func New(plans Plans, gw Gateway, satellites Satellites, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		plans:      plans,
		gw:         gw,
		satellites: satellites,
		cfg:        Config{}.withDefaults(),
		clock:      clock.Real{},
		log:        logging.Noop(),
		tracer:     observability.Tracer("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes a cycle immediately and then every Interval until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info(ctx, "dispatcher started",
		logging.Duration("interval", d.cfg.Interval),
		logging.Duration("lookahead", d.cfg.Lookahead),
	)
	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn(ctx, "dispatch cycle failed", logging.Err(err))
		}
		select {
		case <-ctx.Done():
			d.log.Info(ctx, "dispatcher stopped")
			return
		case <-d.clock.After(d.cfg.Interval):
		}
	}
}

// RunOnce dispatches every plan due within the lookahead, earliest first.
// Plans are handled one at a time so repeated dispatches to a station keep
// their order. The returned error covers only the due-plan query.
func (d *Dispatcher) RunOnce(ctx context.Context) ([]Attempt, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.RunOnce")
	defer span.End()

	due, err := d.plans.DueForDispatch(ctx, d.cfg.Lookahead)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("due", len(due)))

	attempts := make([]Attempt, 0, len(due))
	for _, p := range due {
		if ctx.Err() != nil {
			break
		}
		a := d.dispatch(ctx, p)
		if d.metrics != nil {
			d.metrics.RecordDispatch(string(a.Outcome))
		}
		attempts = append(attempts, a)
	}
	return attempts, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, p *model.FlightPlan) Attempt {
	a := Attempt{PlanID: p.ID}
	log := d.log.With(
		logging.String("flight_plan_id", p.ID.String()),
		logging.Int("ground_station_id", p.GroundStationID),
		logging.Time("scheduled_at", p.ScheduledAt),
	)

	if !d.gw.IsConnected(p.GroundStationID) {
		a.Outcome = OutcomeNotConnected
		log.Warn(ctx, "ground station not connected; plan stays approved")
		return a
	}

	sat, err := d.satellites.Satellite(p.SatelliteID)
	if err != nil {
		a.Outcome, a.Err = OutcomeUnresolved, err
		log.Error(ctx, "cannot resolve plan satellite", logging.Err(err))
		return a
	}

	if d.passes != nil {
		from := d.clock.Now()
		if p.ScheduledAt.After(from) {
			from = p.ScheduledAt
		}
		w, err := d.passes.Next(ctx, overpass.NextQuery{
			SatelliteID:      p.SatelliteID,
			GroundStationID:  p.GroundStationID,
			From:             from,
			MinimumElevation: d.cfg.MinimumElevation,
			Horizon:          d.cfg.OverpassHorizon,
		})
		if err != nil {
			a.Outcome, a.Err = OutcomeNoOverpass, err
			if errors.Is(err, apperr.ErrNotFound) {
				log.Warn(ctx, "no overpass within horizon; plan stays approved")
			} else {
				log.Error(ctx, "overpass prediction failed", logging.Err(err))
			}
			return a
		}
		log = log.With(logging.Time("overpass_start", w.StartTime))
	}

	script, err := d.plans.CompilePlan(ctx, p.ID)
	if err != nil {
		a.Outcome, a.Err = OutcomeCompileFailed, err
		log.Error(ctx, "flight plan does not compile", logging.Err(err))
		return a
	}

	a.RequestID, err = d.gw.Send(ctx, gateway.Transmission{
		GroundStationID: p.GroundStationID,
		SatelliteName:   sat.Name,
		ExecutionTime:   p.ScheduledAt,
		Script:          script,
		FlightPlanID:    p.ID,
		SatelliteID:     p.SatelliteID,
	})
	if err != nil {
		a.Err = err
		switch {
		case errors.Is(err, gateway.ErrPartialDelivery):
			a.Outcome = OutcomePartial
		case errors.Is(err, apperr.ErrNotConnected):
			a.Outcome = OutcomeNotConnected
		default:
			a.Outcome = OutcomeSendFailed
		}
		if a.Outcome == OutcomePartial {
			// The station holds an envelope without its script; the next
			// cycle resends both under a new request id.
			log.Error(ctx, "flight plan partially delivered; retrying next cycle", logging.Err(err),
				logging.String("dispatch_request_id", a.RequestID))
			return a
		}
		log.Error(ctx, "flight plan transmission failed", logging.Err(err), logging.String("outcome", string(a.Outcome)))
		return a
	}

	if _, err := d.plans.MarkTransmitted(ctx, p.ID); err != nil {
		a.Outcome, a.Err = OutcomeMarkFailed, err
		log.Error(ctx, "plan delivered but not marked transmitted", logging.Err(err),
			logging.String("dispatch_request_id", a.RequestID))
		return a
	}
	a.Outcome = OutcomeSent
	log.Info(ctx, "flight plan transmitted", logging.String("dispatch_request_id", a.RequestID))
	return a
}
