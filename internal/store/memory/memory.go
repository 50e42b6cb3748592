// Package memory is an in-process flight plan store. Transactions hold the
// store lock for their whole duration and stage writes until commit, so
// readers never observe a partially applied unit of work.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/signalsfoundry/satops/flightplan"
	"github.com/signalsfoundry/satops/internal/apperr"
	"github.com/signalsfoundry/satops/model"
)

// Store keeps plans in a map. Every read returns a copy.
type Store struct {
	mu    sync.RWMutex
	plans map[uuid.UUID]*model.FlightPlan
}

var _ flightplan.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{plans: make(map[uuid.UUID]*model.FlightPlan)}
}

func (s *Store) Insert(ctx context.Context, p *model.FlightPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insert(s.plans, nil, p)
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*model.FlightPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.plans, nil, id)
}

func (s *Store) Update(ctx context.Context, p *model.FlightPlan, expected model.FlightPlanStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return update(s.plans, nil, p, expected)
}

func (s *Store) List(ctx context.Context) ([]*model.FlightPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]*model.FlightPlan, 0, len(s.plans))
	for _, p := range s.plans {
		res = append(res, p.Clone())
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID.String() > res[j].ID.String()
		}
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return res, nil
}

func (s *Store) ListByStatus(ctx context.Context, status model.FlightPlanStatus) ([]*model.FlightPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []*model.FlightPlan
	for _, p := range s.plans {
		if p.Status == status {
			res = append(res, p.Clone())
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ScheduledAt.Before(res[j].ScheduledAt) })
	return res, nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx flightplan.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &tx{base: s.plans, staged: make(map[uuid.UUID]*model.FlightPlan)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for id, p := range tx.staged {
		s.plans[id] = p
	}
	return nil
}

// tx reads through its staged writes to the committed map.
type tx struct {
	base   map[uuid.UUID]*model.FlightPlan
	staged map[uuid.UUID]*model.FlightPlan
}

func (t *tx) Insert(ctx context.Context, p *model.FlightPlan) error {
	return insert(t.staged, t.base, p)
}

func (t *tx) Get(ctx context.Context, id uuid.UUID) (*model.FlightPlan, error) {
	return get(t.staged, t.base, id)
}

func (t *tx) Update(ctx context.Context, p *model.FlightPlan, expected model.FlightPlanStatus) error {
	return update(t.staged, t.base, p, expected)
}

func lookup(dst, fallback map[uuid.UUID]*model.FlightPlan, id uuid.UUID) (*model.FlightPlan, bool) {
	if p, ok := dst[id]; ok {
		return p, true
	}
	p, ok := fallback[id]
	return p, ok
}

func insert(dst, fallback map[uuid.UUID]*model.FlightPlan, p *model.FlightPlan) error {
	if _, exists := lookup(dst, fallback, p.ID); exists {
		return fmt.Errorf("flight plan %s already exists", p.ID)
	}
	dst[p.ID] = p.Clone()
	return nil
}

func get(dst, fallback map[uuid.UUID]*model.FlightPlan, id uuid.UUID) (*model.FlightPlan, error) {
	p, ok := lookup(dst, fallback, id)
	if !ok {
		return nil, fmt.Errorf("%w: flight plan %s", apperr.ErrNotFound, id)
	}
	return p.Clone(), nil
}

func update(dst, fallback map[uuid.UUID]*model.FlightPlan, p *model.FlightPlan, expected model.FlightPlanStatus) error {
	current, ok := lookup(dst, fallback, p.ID)
	if !ok {
		return fmt.Errorf("%w: flight plan %s", apperr.ErrNotFound, p.ID)
	}
	if current.Status != expected {
		return fmt.Errorf("%w: flight plan %s is %s, expected %s", flightplan.ErrStatusConflict, p.ID, current.Status, expected)
	}
	dst[p.ID] = p.Clone()
	return nil
}
