package model

import "time"

// Satellite is a tracked spacecraft with its latest two-line element set.
type Satellite struct {
	ID        int       `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	NoradID   int       `json:"noradId" yaml:"noradId"`
	TLELine1  string    `json:"tleLine1" yaml:"tleLine1"`
	TLELine2  string    `json:"tleLine2" yaml:"tleLine2"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// HasTLE reports whether both element lines are present.
func (s *Satellite) HasTLE() bool {
	return s != nil && s.TLELine1 != "" && s.TLELine2 != ""
}
