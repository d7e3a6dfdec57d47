package domain

import (
	"time"

	"github.com/google/uuid"
)

// Severity levels for risk events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// RiskEvent is a rule breach row written on behalf of a rule evaluator.
// Corresponds to risk_events table.
type RiskEvent struct {
	ID        uuid.UUID
	TS        time.Time
	Venue     Venue
	Symbol    string
	Rule      string         // rule identifier
	Value     float64        // observed metric value
	Threshold float64        // configured threshold
	Severity  string         // info | warning | critical
	Context   map[string]any // free-form context, stored as JSON
}

// RiskScore is a composite score row.
// Corresponds to risk_scores table.
type RiskScore struct {
	ID         uuid.UUID
	TS         time.Time
	Venue      Venue
	Symbol     string
	LiqScore   float64
	VolScore   float64
	InfraScore float64
	Composite  float64
}
