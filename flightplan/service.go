package flightplan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/satops/command"
	"github.com/signalsfoundry/satops/internal/apperr"
	"github.com/signalsfoundry/satops/internal/clock"
	"github.com/signalsfoundry/satops/internal/logging"
	"github.com/signalsfoundry/satops/internal/observability"
	"github.com/signalsfoundry/satops/model"
)

const maxNameLength = 200

// Spec is the operator-supplied content of a flight plan.
type Spec struct {
	Name            string           `json:"name"`
	Commands        command.Sequence `json:"commands"`
	ScheduledAt     time.Time        `json:"scheduledAt"`
	GroundStationID int              `json:"groundStationId"`
	SatelliteID     int              `json:"satelliteId"`
}

// Validate checks the plan fields and every command. Command failures are
// reported as commands[i].<field>.
func (s Spec) Validate() error {
	verr := &apperr.ValidationError{}
	name := strings.TrimSpace(s.Name)
	if name == "" {
		verr.Add("name", "must not be empty")
	} else if len(name) > maxNameLength {
		verr.Add("name", "must be at most %d characters", maxNameLength)
	}
	if s.ScheduledAt.IsZero() {
		verr.Add("scheduledAt", "is required")
	}
	if s.GroundStationID <= 0 {
		verr.Add("groundStationId", "must be a positive integer")
	}
	if s.SatelliteID <= 0 {
		verr.Add("satelliteId", "must be a positive integer")
	}
	if err := command.ValidateAll(s.Commands); err != nil {
		if cv, ok := apperr.AsValidation(err); ok {
			verr.Fields = append(verr.Fields, cv.Fields...)
		} else {
			verr.Add("commands", "%v", err)
		}
	}
	return verr.Err()
}

// Decision is an approver's verdict on a pending plan.
type Decision string

const (
	Approve Decision = "approved"
	Reject  Decision = "rejected"
)

// ParseDecision accepts "approved"/"approve" and "rejected"/"reject" in any case.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approved", "approve":
		return Approve, nil
	case "rejected", "reject":
		return Reject, nil
	default:
		return "", apperr.Validation("status", "must be approved or rejected")
	}
}

// Identity supplies the already-authenticated caller.
type Identity interface {
	Subject(ctx context.Context) (string, error)
}

// IdentityFunc adapts a function to Identity.
type IdentityFunc func(ctx context.Context) (string, error)

func (f IdentityFunc) Subject(ctx context.Context) (string, error) { return f(ctx) }

// References checks that a plan's targets exist.
type References interface {
	Satellite(id int) (model.Satellite, error)
	GroundStation(id int) (model.GroundStation, error)
}

// Metrics receives lifecycle transitions.
type Metrics interface {
	RecordTransition(status string)
}

// Notifier is told about every plan that changed status, after the change
// is committed.
type Notifier interface {
	PlanChanged(ctx context.Context, p *model.FlightPlan)
}

// Result is the outcome of ApproveOrReject.
type Result struct {
	Plan    *model.FlightPlan `json:"flightPlan"`
	Message string            `json:"message"`
}

// Service owns the flight plan lifecycle. The store is the single source of
// truth for plan status; the service keeps no plan state of its own.
type Service struct {
	store    Store
	identity Identity
	refs     References
	clock    clock.Clock
	log      logging.Logger
	metrics  Metrics
	notifier Notifier
	tracer   trace.Tracer
	newID    func() uuid.UUID
}

// Option configures a Service.
type Option func(*Service)

func WithReferences(r References) Option { return func(s *Service) { s.refs = r } }
func WithClock(c clock.Clock) Option     { return func(s *Service) { s.clock = c } }
func WithLogger(l logging.Logger) Option { return func(s *Service) { s.log = l } }
func WithMetrics(m Metrics) Option       { return func(s *Service) { s.metrics = m } }

// WithNotifier publishes committed status changes to n.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// NewService constructs a lifecycle service.
func NewService(store Store, identity Identity, opts ...Option) *Service {
	s := &Service{
		store:    store,
		identity: identity,
		clock:    clock.Real{},
		log:      logging.Noop(),
		tracer:   observability.Tracer("flightplan"),
		newID:    uuid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates spec and stores it as a new pending plan.
func (s *Service) Create(ctx context.Context, spec Spec) (*model.FlightPlan, error) {
	ctx, span := s.tracer.Start(ctx, "flightplan.Create")
	defer span.End()

	if err := s.check(spec); err != nil {
		return nil, err
	}
	p := s.newPlan(spec, nil)
	if err := s.store.Insert(ctx, p); err != nil {
		return nil, storeErr("insert flight plan", err)
	}
	span.SetAttributes(attribute.String("flight_plan_id", p.ID.String()))
	s.transitioned(ctx, p, "flight plan created")
	return p, nil
}

// CreateNewVersion supersedes the pending plan id with a new pending plan
// built from spec. Both writes happen in one transaction.
func (s *Service) CreateNewVersion(ctx context.Context, id uuid.UUID, spec Spec) (*model.FlightPlan, error) {
	ctx, span := s.tracer.Start(ctx, "flightplan.CreateNewVersion",
		trace.WithAttributes(attribute.String("flight_plan_id", id.String())))
	defer span.End()

	if err := s.check(spec); err != nil {
		return nil, err
	}

	var old, next *model.FlightPlan
	err := s.store.InTx(ctx, func(tx Tx) error {
		existing, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if existing.Status != model.StatusPending {
			return fmt.Errorf("%w: flight plan %s is %s; only pending plans can be edited",
				apperr.ErrInvalidState, id, existing.Status)
		}

		now := s.clock.Now()
		existing.Status = model.StatusSuperseded
		existing.UpdatedAt = now
		if err := tx.Update(ctx, existing, model.StatusPending); err != nil {
			return err
		}

		prev := existing.ID
		next = s.newPlan(spec, &prev)
		if err := tx.Insert(ctx, next); err != nil {
			return err
		}
		old = existing
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, fmt.Errorf("%w: flight plan %s changed while being edited", apperr.ErrInvalidState, id)
		}
		return nil, storeErr("create flight plan version", err)
	}

	s.transitioned(ctx, old, "flight plan superseded")
	s.transitioned(ctx, next, "flight plan version created")
	return next, nil
}

// ApproveOrReject records an approver's decision on a pending plan. Racing
// calls on the same plan produce exactly one winner; the others get
// ErrInvalidState.
func (s *Service) ApproveOrReject(ctx context.Context, id uuid.UUID, decision Decision) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "flightplan.ApproveOrReject",
		trace.WithAttributes(attribute.String("flight_plan_id", id.String()), attribute.String("decision", string(decision))))
	defer span.End()

	if decision != Approve && decision != Reject {
		return Result{}, apperr.Validation("status", "must be approved or rejected")
	}
	approver, err := s.approver(ctx)
	if err != nil {
		return Result{}, err
	}

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return Result{}, storeErr("get flight plan", err)
	}
	if p.Status != model.StatusPending {
		return Result{}, fmt.Errorf("%w: flight plan %s is already %s", apperr.ErrInvalidState, id, p.Status)
	}

	now := s.clock.Now()
	p.Status = model.FlightPlanStatus(decision)
	p.ApproverID = approver
	p.ApprovedAt = &now
	p.UpdatedAt = now
	if err := s.store.Update(ctx, p, model.StatusPending); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return Result{}, fmt.Errorf("%w: flight plan %s was decided concurrently", apperr.ErrInvalidState, id)
		}
		return Result{}, storeErr("update flight plan", err)
	}

	s.transitioned(ctx, p, "flight plan decided", logging.String("approver_id", approver))
	return Result{Plan: p, Message: fmt.Sprintf("Flight plan %s successfully.", decision)}, nil
}

// MarkTransmitted moves an approved plan to transmitted. Only the dispatcher
// calls it, after both gateway frames were delivered.
func (s *Service) MarkTransmitted(ctx context.Context, id uuid.UUID) (*model.FlightPlan, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr("get flight plan", err)
	}
	if p.Status != model.StatusApproved {
		return nil, fmt.Errorf("%w: flight plan %s is %s, not approved", apperr.ErrInvalidState, id, p.Status)
	}
	p.Status = model.StatusTransmitted
	p.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, p, model.StatusApproved); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, fmt.Errorf("%w: flight plan %s changed during transmission", apperr.ErrInvalidState, id)
		}
		return nil, storeErr("update flight plan", err)
	}
	s.transitioned(ctx, p, "flight plan transmitted")
	return p, nil
}

// List returns every plan, newest first.
func (s *Service) List(ctx context.Context) ([]*model.FlightPlan, error) {
	plans, err := s.store.List(ctx)
	if err != nil {
		return nil, storeErr("list flight plans", err)
	}
	return plans, nil
}

// Get returns one plan.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.FlightPlan, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr("get flight plan", err)
	}
	return p, nil
}

// CompilePlan re-validates a stored plan's commands and compiles them into
// the ordered statement script.
func (s *Service) CompilePlan(ctx context.Context, id uuid.UUID) ([]string, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return command.CompileAll(p.Commands)
}

// DueForDispatch returns approved plans scheduled no later than
// now+lookahead, earliest first.
func (s *Service) DueForDispatch(ctx context.Context, lookahead time.Duration) ([]*model.FlightPlan, error) {
	plans, err := s.store.ListByStatus(ctx, model.StatusApproved)
	if err != nil {
		return nil, storeErr("list approved flight plans", err)
	}
	cutoff := s.clock.Now().Add(lookahead)
	due := plans[:0]
	for _, p := range plans {
		if !p.ScheduledAt.After(cutoff) {
			due = append(due, p)
		}
	}
	return due, nil
}

func (s *Service) check(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if s.refs == nil {
		return nil
	}
	if _, err := s.refs.Satellite(spec.SatelliteID); err != nil {
		return err
	}
	if _, err := s.refs.GroundStation(spec.GroundStationID); err != nil {
		return err
	}
	return nil
}

func (s *Service) approver(ctx context.Context) (string, error) {
	if s.identity == nil {
		return "", fmt.Errorf("%w: no identity provider configured", apperr.ErrUpstreamUnavailable)
	}
	subject, err := s.identity.Subject(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(subject) == "" {
		return "", apperr.Validation("approverId", "caller identity is missing")
	}
	return subject, nil
}

func (s *Service) newPlan(spec Spec, previous *uuid.UUID) *model.FlightPlan {
	now := s.clock.Now()
	return &model.FlightPlan{
		ID:              s.newID(),
		Name:            strings.TrimSpace(spec.Name),
		Commands:        append(command.Sequence(nil), spec.Commands...),
		ScheduledAt:     spec.ScheduledAt.UTC(),
		GroundStationID: spec.GroundStationID,
		SatelliteID:     spec.SatelliteID,
		Status:          model.StatusPending,
		PreviousPlanID:  previous,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (s *Service) transitioned(ctx context.Context, p *model.FlightPlan, msg string, extra ...logging.Field) {
	if s.metrics != nil {
		s.metrics.RecordTransition(string(p.Status))
	}
	if s.notifier != nil {
		s.notifier.PlanChanged(ctx, p.Clone())
	}
	fields := append([]logging.Field{
		logging.String("flight_plan_id", p.ID.String()),
		logging.String("status", string(p.Status)),
	}, extra...)
	s.log.Info(ctx, msg, fields...)
}

// storeErr passes domain errors through and marks everything else as a
// storage failure.
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, apperr.ErrNotFound),
		errors.Is(err, apperr.ErrInvalidState),
		errors.Is(err, apperr.ErrValidation),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", apperr.ErrUpstreamUnavailable, op, err)
	}
}
