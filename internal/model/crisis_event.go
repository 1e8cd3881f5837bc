package model

import (
	"slices"
	"time"
)

type CrisisStatus string

const (
	CrisisStatusOpen      CrisisStatus = "open"
	CrisisStatusEscalated CrisisStatus = "escalated"
	CrisisStatusResolved  CrisisStatus = "resolved"
)

type TriggerType string

const (
	TriggerTypeManual   TriggerType = "manual"
	TriggerTypeDetected TriggerType = "detected"
)

func (t TriggerType) IsValid() bool {
	return t == TriggerTypeManual || t == TriggerTypeDetected
}

// Common resolution methods. Any non-empty method is accepted.
const (
	ResolutionUserConfirmedSafe  = "user-confirmed-safe"
	ResolutionHelperIntervention = "helper-intervention"
	ResolutionTimeoutAutoClose   = "timeout-auto-close"
)

type CrisisEvent struct {
	ID                int64                    `json:"id,string"`
	UserID            string                   `json:"userId"`
	Severity          Severity                 `json:"severity"`
	TriggerType       TriggerType              `json:"triggerType"`
	Status            CrisisStatus             `json:"status"`
	Categories        []RiskCategory           `json:"categories"`
	Recommendations   []ResourceRecommendation `json:"recommendations"`
	Version           int64                    `json:"version"`
	CreatedAt         time.Time                `json:"createdAt"`
	UpdatedAt         time.Time                `json:"updatedAt"`
	SeverityChangedAt time.Time                `json:"severityChangedAt"`
	EscalatedAt       *time.Time               `json:"escalatedAt,omitempty"`
	ResolvedAt        *time.Time               `json:"resolvedAt,omitempty"`
	ResolutionMethod  *string                  `json:"resolutionMethod,omitempty"`
}

// IsActive reports whether the event still counts as the user's single open crisis.
func (e *CrisisEvent) IsActive() bool {
	return e.Status == CrisisStatusOpen || e.Status == CrisisStatusEscalated
}

// Clone returns a deep copy so snapshots handed to callers never alias machine state.
func (e *CrisisEvent) Clone() *CrisisEvent {
	if e == nil {
		return nil
	}
	c := *e
	c.Categories = slices.Clone(e.Categories)
	c.Recommendations = slices.Clone(e.Recommendations)
	if e.EscalatedAt != nil {
		t := *e.EscalatedAt
		c.EscalatedAt = &t
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		c.ResolvedAt = &t
	}
	if e.ResolutionMethod != nil {
		m := *e.ResolutionMethod
		c.ResolutionMethod = &m
	}
	return &c
}
