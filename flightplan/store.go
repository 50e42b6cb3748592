package flightplan

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/signalsfoundry/satops/model"
)

// ErrStatusConflict is returned by Tx.Update when the stored status no longer
// matches the expected one.
var ErrStatusConflict = errors.New("flight plan status changed concurrently")

// Tx is the unit of work the lifecycle runs against. Implementations report
// missing plans with an error wrapping apperr.ErrNotFound.
type Tx interface {
	Insert(ctx context.Context, p *model.FlightPlan) error
	Get(ctx context.Context, id uuid.UUID) (*model.FlightPlan, error)
	// Update replaces the stored plan only if its current status equals
	// expected; otherwise it returns ErrStatusConflict and writes nothing.
	Update(ctx context.Context, p *model.FlightPlan, expected model.FlightPlanStatus) error
}

// Store is durable keyed storage for flight plans.
type Store interface {
	Tx
	// List returns every plan, newest created first.
	List(ctx context.Context) ([]*model.FlightPlan, error)
	// ListByStatus returns plans in status ordered by scheduled time.
	ListByStatus(ctx context.Context, status model.FlightPlanStatus) ([]*model.FlightPlan, error)
	// InTx runs fn in one transaction. It commits when fn returns nil and
	// rolls back every write otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
