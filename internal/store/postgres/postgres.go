// Package postgres persists flight plans in PostgreSQL through a pgx
// connection pool. Commands live in a JSONB column.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signalsfoundry/satops/command"
	"github.com/signalsfoundry/satops/flightplan"
	"github.com/signalsfoundry/satops/internal/apperr"
	"github.com/signalsfoundry/satops/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS flight_plans (
	id                uuid PRIMARY KEY,
	name              text NOT NULL,
	commands          jsonb NOT NULL,
	scheduled_at      timestamptz NOT NULL,
	ground_station_id integer NOT NULL,
	satellite_id      integer NOT NULL,
	status            text NOT NULL,
	previous_plan_id  uuid,
	approver_id       text NOT NULL DEFAULT '',
	approved_at       timestamptz,
	created_at        timestamptz NOT NULL,
	updated_at        timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS flight_plans_status_scheduled_idx ON flight_plans (status, scheduled_at);
CREATE INDEX IF NOT EXISTS flight_plans_created_idx ON flight_plans (created_at DESC);
`

const columns = `id::text, name, commands, scheduled_at, ground_station_id, satellite_id,
	status, previous_plan_id::text, approver_id, approved_at, created_at, updated_at`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a flightplan.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	repo
}

var _ flightplan.Store = (*Store)(nil)

// Open connects to dsn and creates the schema when missing.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate flight_plans: %w", err)
	}
	return &Store{pool: pool, repo: repo{q: pool}}, nil
}

// Ping checks the pool can reach the server.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) List(ctx context.Context) ([]*model.FlightPlan, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+columns+` FROM flight_plans ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list flight plans: %w", err)
	}
	return collect(rows)
}

func (s *Store) ListByStatus(ctx context.Context, status model.FlightPlanStatus) ([]*model.FlightPlan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+columns+` FROM flight_plans WHERE status = $1 ORDER BY scheduled_at ASC, id ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s flight plans: %w", status, err)
	}
	return collect(rows)
}

func (s *Store) InTx(ctx context.Context, fn func(tx flightplan.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(repo{q: tx})
	})
}

type repo struct {
	q querier
}

func (r repo) Insert(ctx context.Context, p *model.FlightPlan) error {
	cmds, err := json.Marshal(p.Commands)
	if err != nil {
		return fmt.Errorf("encode commands of flight plan %s: %w", p.ID, err)
	}
	_, err = r.q.Exec(ctx, `
		INSERT INTO flight_plans (id, name, commands, scheduled_at, ground_station_id, satellite_id,
			status, previous_plan_id, approver_id, approved_at, created_at, updated_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8::uuid, $9, $10, $11, $12)`,
		p.ID.String(), p.Name, cmds, p.ScheduledAt.UTC(), p.GroundStationID, p.SatelliteID,
		string(p.Status), previousID(p), p.ApproverID, p.ApprovedAt, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert flight plan %s: %w", p.ID, err)
	}
	return nil
}

func (r repo) Get(ctx context.Context, id uuid.UUID) (*model.FlightPlan, error) {
	row := r.q.QueryRow(ctx, `SELECT `+columns+` FROM flight_plans WHERE id = $1::uuid`, id.String())
	p, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: flight plan %s", apperr.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get flight plan %s: %w", id, err)
	}
	return p, nil
}

func (r repo) Update(ctx context.Context, p *model.FlightPlan, expected model.FlightPlanStatus) error {
	cmds, err := json.Marshal(p.Commands)
	if err != nil {
		return fmt.Errorf("encode commands of flight plan %s: %w", p.ID, err)
	}
	tag, err := r.q.Exec(ctx, `
		UPDATE flight_plans SET name = $3, commands = $4, scheduled_at = $5, ground_station_id = $6,
			satellite_id = $7, status = $8, previous_plan_id = $9::uuid, approver_id = $10,
			approved_at = $11, updated_at = $12
		WHERE id = $1::uuid AND status = $2`,
		p.ID.String(), string(expected), p.Name, cmds, p.ScheduledAt.UTC(), p.GroundStationID,
		p.SatelliteID, string(p.Status), previousID(p), p.ApproverID, p.ApprovedAt, p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("update flight plan %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = r.q.QueryRow(ctx, `SELECT status FROM flight_plans WHERE id = $1::uuid`, p.ID.String()).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: flight plan %s", apperr.ErrNotFound, p.ID)
	}
	if err != nil {
		return fmt.Errorf("get flight plan %s: %w", p.ID, err)
	}
	return fmt.Errorf("%w: flight plan %s is %s, expected %s", flightplan.ErrStatusConflict, p.ID, current, expected)
}

func previousID(p *model.FlightPlan) *string {
	if p.PreviousPlanID == nil {
		return nil
	}
	s := p.PreviousPlanID.String()
	return &s
}

func scan(row pgx.Row) (*model.FlightPlan, error) {
	var (
		id, status      string
		prev            *string
		cmds            []byte
		approvedAt      *time.Time
		p               model.FlightPlan
		scheduled, c, u time.Time
	)
	if err := row.Scan(&id, &p.Name, &cmds, &scheduled, &p.GroundStationID, &p.SatelliteID,
		&status, &prev, &p.ApproverID, &approvedAt, &c, &u); err != nil {
		return nil, err
	}

	var err error
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("decode flight plan id %q: %w", id, err)
	}
	if p.Status, err = model.ParseFlightPlanStatus(status); err != nil {
		return nil, fmt.Errorf("decode status of flight plan %s: %w", id, err)
	}
	var seq command.Sequence
	if err := json.Unmarshal(cmds, &seq); err != nil {
		return nil, fmt.Errorf("decode commands of flight plan %s: %w", id, err)
	}
	p.Commands = seq
	if prev != nil {
		pid, err := uuid.Parse(*prev)
		if err != nil {
			return nil, fmt.Errorf("decode previous plan of %s: %w", id, err)
		}
		p.PreviousPlanID = &pid
	}
	if approvedAt != nil {
		at := approvedAt.UTC()
		p.ApprovedAt = &at
	}
	p.ScheduledAt, p.CreatedAt, p.UpdatedAt = scheduled.UTC(), c.UTC(), u.UTC()
	return &p, nil
}

func collect(rows pgx.Rows) ([]*model.FlightPlan, error) {
	defer rows.Close()
	var res []*model.FlightPlan
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read flight plans: %w", err)
	}
	if res == nil {
		res = []*model.FlightPlan{}
	}
	return res, nil
}
