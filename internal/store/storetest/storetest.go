// Package storetest holds the behavioural contract every flightplan.Store
// implementation must satisfy.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/satops/command"
	"github.com/signalsfoundry/satops/flightplan"
	"github.com/signalsfoundry/satops/internal/apperr"
	"github.com/signalsfoundry/satops/model"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Plan builds a pending plan created offset after a fixed base time.
func Plan(offset time.Duration) *model.FlightPlan {
	created := base.Add(offset)
	return &model.FlightPlan{
		ID:   uuid.New(),
		Name: "pass " + offset.String(),
		Commands: command.Sequence{
			command.ConfigureSom{},
			command.TriggerPipeline{Mode: 1},
			command.TriggerCapture{
				CameraID: "Boson", CameraType: command.CameraInfrared, ExposureMicroseconds: 1000,
				ISO: 2.5, NumImages: 3, IntervalMicroseconds: 500, ObservationID: 7, PipelineID: 8,
			},
		},
		ScheduledAt:     created.Add(time.Hour),
		GroundStationID: 3,
		SatelliteID:     4,
		Status:          model.StatusPending,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

// Run exercises newStore against the contract. newStore must return an
// empty store.
func Run(t *testing.T, newStore func(t *testing.T) flightplan.Store) {
	t.Run("InsertAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := Plan(0)
		prev := uuid.New()
		p.PreviousPlanID = &prev

		require.NoError(t, s.Insert(ctx, p))
		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)

		assert.Equal(t, p.ID, got.ID)
		assert.Equal(t, p.Name, got.Name)
		assert.Equal(t, p.Commands, got.Commands, "command order and variants must survive storage")
		assert.True(t, p.ScheduledAt.Equal(got.ScheduledAt))
		assert.True(t, p.CreatedAt.Equal(got.CreatedAt))
		assert.Equal(t, model.StatusPending, got.Status)
		require.NotNil(t, got.PreviousPlanID)
		assert.Equal(t, prev, *got.PreviousPlanID)
		assert.Nil(t, got.ApprovedAt)
		assert.Empty(t, got.ApproverID)
	})

	t.Run("GetMissingIsNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), uuid.New())
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("InsertDuplicateFails", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := Plan(0)
		require.NoError(t, s.Insert(ctx, p))
		assert.Error(t, s.Insert(ctx, p))
	})

	t.Run("UpdateComparesStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := Plan(0)
		require.NoError(t, s.Insert(ctx, p))

		approved := p.Clone()
		at := base.Add(time.Minute)
		approved.Status = model.StatusApproved
		approved.ApproverID = "alice"
		approved.ApprovedAt = &at
		require.NoError(t, s.Update(ctx, approved, model.StatusPending))

		rejected := p.Clone()
		rejected.Status = model.StatusRejected
		err := s.Update(ctx, rejected, model.StatusPending)
		assert.ErrorIs(t, err, flightplan.ErrStatusConflict)

		got, err := s.Get(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusApproved, got.Status)
		assert.Equal(t, "alice", got.ApproverID)
		require.NotNil(t, got.ApprovedAt)
		assert.True(t, at.Equal(*got.ApprovedAt))

		missing := Plan(time.Hour)
		assert.ErrorIs(t, s.Update(ctx, missing, model.StatusPending), apperr.ErrNotFound)
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		old, mid, recent := Plan(0), Plan(time.Minute), Plan(2*time.Minute)
		for _, p := range []*model.FlightPlan{mid, recent, old} {
			require.NoError(t, s.Insert(ctx, p))
		}
		plans, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, plans, 3)
		assert.Equal(t, []uuid.UUID{recent.ID, mid.ID, old.ID}, []uuid.UUID{plans[0].ID, plans[1].ID, plans[2].ID})
	})

	t.Run("ListByStatusOrdersBySchedule", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		late, early, other := Plan(0), Plan(time.Minute), Plan(2*time.Minute)
		late.Status, early.Status = model.StatusApproved, model.StatusApproved
		late.ScheduledAt = base.Add(5 * time.Hour)
		early.ScheduledAt = base.Add(2 * time.Hour)
		for _, p := range []*model.FlightPlan{late, early, other} {
			require.NoError(t, s.Insert(ctx, p))
		}
		plans, err := s.ListByStatus(ctx, model.StatusApproved)
		require.NoError(t, err)
		require.Len(t, plans, 2)
		assert.Equal(t, early.ID, plans[0].ID)
		assert.Equal(t, late.ID, plans[1].ID)
	})

	t.Run("TxCommitsBothWrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		old := Plan(0)
		require.NoError(t, s.Insert(ctx, old))

		next := Plan(time.Minute)
		next.PreviousPlanID = &old.ID
		err := s.InTx(ctx, func(tx flightplan.Tx) error {
			cur, err := tx.Get(ctx, old.ID)
			if err != nil {
				return err
			}
			cur.Status = model.StatusSuperseded
			if err := tx.Update(ctx, cur, model.StatusPending); err != nil {
				return err
			}
			if err := tx.Insert(ctx, next); err != nil {
				return err
			}
			// Reads inside the transaction see its own writes.
			staged, err := tx.Get(ctx, next.ID)
			if err != nil {
				return err
			}
			if staged.Status != model.StatusPending {
				return errors.New("staged plan not visible inside transaction")
			}
			return nil
		})
		require.NoError(t, err)

		gotOld, err := s.Get(ctx, old.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusSuperseded, gotOld.Status)
		gotNext, err := s.Get(ctx, next.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, gotNext.Status)
	})

	t.Run("TxRollsBackOnError", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		old := Plan(0)
		require.NoError(t, s.Insert(ctx, old))

		next := Plan(time.Minute)
		boom := errors.New("boom")
		err := s.InTx(ctx, func(tx flightplan.Tx) error {
			cur, err := tx.Get(ctx, old.ID)
			if err != nil {
				return err
			}
			cur.Status = model.StatusSuperseded
			if err := tx.Update(ctx, cur, model.StatusPending); err != nil {
				return err
			}
			if err := tx.Insert(ctx, next); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		gotOld, err := s.Get(ctx, old.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, gotOld.Status, "rolled back update must not be visible")
		_, err = s.Get(ctx, next.ID)
		assert.ErrorIs(t, err, apperr.ErrNotFound, "rolled back insert must not be visible")
	})

	t.Run("ConcurrentUpdatesHaveOneWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := Plan(0)
		require.NoError(t, s.Insert(ctx, p))

		const racers = 8
		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				cp := p.Clone()
				cp.Status = model.StatusApproved
				cp.ApproverID = uuid.NewString()
				err := s.Update(ctx, cp, model.StatusPending)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, flightplan.ErrStatusConflict):
					conflicts.Add(1)
				default:
					t.Errorf("racer %d: unexpected error %v", i, err)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(racers-1), conflicts.Load())
	})
}
