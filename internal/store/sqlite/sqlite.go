// Package sqlite persists flight plans in SQLite through GORM. Commands are
// stored as their JSON encoding so variant order and discriminators survive.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/signalsfoundry/satops/command"
	"github.com/signalsfoundry/satops/flightplan"
	"github.com/signalsfoundry/satops/internal/apperr"
	"github.com/signalsfoundry/satops/model"
)

// planRow is the flight_plans table.
type planRow struct {
	ID              string     `gorm:"primaryKey;size:36"`
	Name            string     `gorm:"not null"`
	Commands        string     `gorm:"type:text;not null"`
	ScheduledAt     time.Time  `gorm:"index;not null"`
	GroundStationID int        `gorm:"not null"`
	SatelliteID     int        `gorm:"not null"`
	Status          string     `gorm:"index;size:16;not null"`
	PreviousPlanID  *string    `gorm:"size:36"`
	ApproverID      string     `gorm:"size:200"`
	ApprovedAt      *time.Time
	CreatedAt       time.Time `gorm:"autoCreateTime:false;index"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false"`
}

func (planRow) TableName() string { return "flight_plans" }

// Store is a flightplan.Store backed by a SQLite database.
type Store struct {
	repo
}

var _ flightplan.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and migrates the
// schema. Use ":memory:" for a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting per connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&planRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate flight_plans: %w", err)
	}
	return &Store{repo{db: db}}, nil
}

func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) List(ctx context.Context) ([]*model.FlightPlan, error) {
	var rows []planRow
	if err := s.db.WithContext(ctx).Order("created_at desc, id desc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list flight plans: %w", err)
	}
	return fromRows(rows)
}

func (s *Store) ListByStatus(ctx context.Context, status model.FlightPlanStatus) ([]*model.FlightPlan, error) {
	var rows []planRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("scheduled_at asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list %s flight plans: %w", status, err)
	}
	return fromRows(rows)
}

func (s *Store) InTx(ctx context.Context, fn func(tx flightplan.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(repo{db: tx})
	})
}

// repo implements flightplan.Tx over either the root handle or a
// transaction.
type repo struct {
	db *gorm.DB
}

func (r repo) Insert(ctx context.Context, p *model.FlightPlan) error {
	row, err := toRow(p)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert flight plan %s: %w", p.ID, err)
	}
	return nil
}

func (r repo) Get(ctx context.Context, id uuid.UUID) (*model.FlightPlan, error) {
	var row planRow
	err := r.db.WithContext(ctx).Where("id = ?", id.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: flight plan %s", apperr.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get flight plan %s: %w", id, err)
	}
	return fromRow(row)
}

func (r repo) Update(ctx context.Context, p *model.FlightPlan, expected model.FlightPlanStatus) error {
	row, err := toRow(p)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&planRow{}).
		Where("id = ? AND status = ?", row.ID, string(expected)).
		Updates(map[string]any{
			"name":              row.Name,
			"commands":          row.Commands,
			"scheduled_at":      row.ScheduledAt,
			"ground_station_id": row.GroundStationID,
			"satellite_id":      row.SatelliteID,
			"status":            row.Status,
			"previous_plan_id":  row.PreviousPlanID,
			"approver_id":       row.ApproverID,
			"approved_at":       row.ApprovedAt,
			"updated_at":        row.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("update flight plan %s: %w", p.ID, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var current planRow
	err = r.db.WithContext(ctx).Select("status").Where("id = ?", row.ID).Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: flight plan %s", apperr.ErrNotFound, p.ID)
	}
	if err != nil {
		return fmt.Errorf("get flight plan %s: %w", p.ID, err)
	}
	return fmt.Errorf("%w: flight plan %s is %s, expected %s", flightplan.ErrStatusConflict, p.ID, current.Status, expected)
}

func toRow(p *model.FlightPlan) (planRow, error) {
	cmds, err := json.Marshal(p.Commands)
	if err != nil {
		return planRow{}, fmt.Errorf("encode commands of flight plan %s: %w", p.ID, err)
	}
	row := planRow{
		ID:              p.ID.String(),
		Name:            p.Name,
		Commands:        string(cmds),
		ScheduledAt:     p.ScheduledAt.UTC(),
		GroundStationID: p.GroundStationID,
		SatelliteID:     p.SatelliteID,
		Status:          string(p.Status),
		ApproverID:      p.ApproverID,
		CreatedAt:       p.CreatedAt.UTC(),
		UpdatedAt:       p.UpdatedAt.UTC(),
	}
	if p.PreviousPlanID != nil {
		prev := p.PreviousPlanID.String()
		row.PreviousPlanID = &prev
	}
	if p.ApprovedAt != nil {
		at := p.ApprovedAt.UTC()
		row.ApprovedAt = &at
	}
	return row, nil
}

func fromRow(row planRow) (*model.FlightPlan, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("decode flight plan id %q: %w", row.ID, err)
	}
	status, err := model.ParseFlightPlanStatus(row.Status)
	if err != nil {
		return nil, fmt.Errorf("decode status of flight plan %s: %w", id, err)
	}
	var cmds command.Sequence
	if err := json.Unmarshal([]byte(row.Commands), &cmds); err != nil {
		return nil, fmt.Errorf("decode commands of flight plan %s: %w", id, err)
	}
	p := &model.FlightPlan{
		ID:              id,
		Name:            row.Name,
		Commands:        cmds,
		ScheduledAt:     row.ScheduledAt.UTC(),
		GroundStationID: row.GroundStationID,
		SatelliteID:     row.SatelliteID,
		Status:          status,
		ApproverID:      row.ApproverID,
		CreatedAt:       row.CreatedAt.UTC(),
		UpdatedAt:       row.UpdatedAt.UTC(),
	}
	if row.PreviousPlanID != nil {
		prev, err := uuid.Parse(*row.PreviousPlanID)
		if err != nil {
			return nil, fmt.Errorf("decode previous plan of %s: %w", id, err)
		}
		p.PreviousPlanID = &prev
	}
	if row.ApprovedAt != nil {
		at := row.ApprovedAt.UTC()
		p.ApprovedAt = &at
	}
	return p, nil
}

func fromRows(rows []planRow) ([]*model.FlightPlan, error) {
	res := make([]*model.FlightPlan, 0, len(rows))
	for _, row := range rows {
		p, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}
