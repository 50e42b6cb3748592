package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/satops/command"
)

// FlightPlanStatus is the lifecycle state of a flight plan.
type FlightPlanStatus string

const (
	StatusPending     FlightPlanStatus = "pending"
	StatusApproved    FlightPlanStatus = "approved"
	StatusRejected    FlightPlanStatus = "rejected"
	StatusSuperseded  FlightPlanStatus = "superseded"
	StatusTransmitted FlightPlanStatus = "transmitted"
)

// ParseFlightPlanStatus accepts a status name in any case.
func ParseFlightPlanStatus(s string) (FlightPlanStatus, error) {
	st := FlightPlanStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusApproved, StatusRejected, StatusSuperseded, StatusTransmitted:
		return st, nil
	default:
		return "", fmt.Errorf("unknown flight plan status %q", s)
	}
}

// Terminal reports whether no further transition is possible from s.
func (s FlightPlanStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusSuperseded, StatusTransmitted:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s FlightPlanStatus) CanTransition(next FlightPlanStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusApproved || next == StatusRejected || next == StatusSuperseded
	case StatusApproved:
		return next == StatusTransmitted
	default:
		return false
	}
}

// FlightPlan is a versioned, ordered command list scheduled for uplink to a
// satellite through a ground station.
type FlightPlan struct {
	ID              uuid.UUID        `json:"id"`
	Name            string           `json:"name"`
	Commands        command.Sequence `json:"commands"`
	ScheduledAt     time.Time        `json:"scheduledAt"`
	GroundStationID int              `json:"groundStationId"`
	SatelliteID     int              `json:"satelliteId"`
	Status          FlightPlanStatus `json:"status"`
	PreviousPlanID  *uuid.UUID       `json:"previousPlanId,omitempty"`
	ApproverID      string           `json:"approverId,omitempty"`
	ApprovedAt      *time.Time       `json:"approvalDate,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Clone returns a deep copy of p. Commands are immutable values, so the
// slice is copied but its elements are shared.
func (p *FlightPlan) Clone() *FlightPlan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Commands = append(command.Sequence(nil), p.Commands...)
	if p.PreviousPlanID != nil {
		prev := *p.PreviousPlanID
		cp.PreviousPlanID = &prev
	}
	if p.ApprovedAt != nil {
		at := *p.ApprovedAt
		cp.ApprovedAt = &at
	}
	return &cp
}
