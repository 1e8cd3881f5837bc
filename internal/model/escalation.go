package model

import (
	"fmt"
	"time"
)

// EscalationPayload is what the human-response system receives for an escalated event.
// It travels through the escalation stream and is POSTed as-is to the webhook.
type EscalationPayload struct {
	CrisisEventID   int64                    `json:"crisisEventId,string" jsonschema:"required,description=Dedup key for consumers"`
	Version         int64                    `json:"version" jsonschema:"required,description=Event version; higher versions supersede lower ones"`
	UserID          string                   `json:"userId" jsonschema:"required"`
	Severity        Severity                 `json:"severity" jsonschema:"required,enum=low,enum=medium,enum=high,enum=critical"`
	Status          CrisisStatus             `json:"status" jsonschema:"required,enum=open,enum=escalated,enum=resolved"`
	TriggerType     TriggerType              `json:"triggerType" jsonschema:"enum=manual,enum=detected"`
	Categories      []RiskCategory           `json:"categories"`
	Recommendations []ResourceRecommendation `json:"recommendations"`
	Reason          string                   `json:"reason,omitempty"`
	CreatedAt       time.Time                `json:"createdAt"`
	EscalatedAt     time.Time                `json:"escalatedAt"`
	TraceID         string                   `json:"-"`
}

// IdempotencyKey identifies one version of one escalation for downstream dedup.
func (p EscalationPayload) IdempotencyKey() string {
	return fmt.Sprintf("%d:v%d", p.CrisisEventID, p.Version)
}

func NewEscalationPayload(e *CrisisEvent, reason string) EscalationPayload {
	escalatedAt := e.UpdatedAt
	if e.EscalatedAt != nil {
		escalatedAt = *e.EscalatedAt
	}
	return EscalationPayload{
		CrisisEventID:   e.ID,
		Version:         e.Version,
		UserID:          e.UserID,
		Severity:        e.Severity,
		Status:          e.Status,
		TriggerType:     e.TriggerType,
		Categories:      e.Categories,
		Recommendations: e.Recommendations,
		Reason:          reason,
		CreatedAt:       e.CreatedAt,
		EscalatedAt:     escalatedAt,
	}
}
