package model

import "time"

// Actions the engine records itself. Callers may record other free-form actions
// (for example "breathing-exercise-shown") through the intervention API.
const (
	ActionCrisisOpened        = "crisis-opened"
	ActionSeverityRaised      = "severity-raised"
	ActionSeverityHeld        = "severity-held"
	ActionSeverityLowered     = "severity-lowered"
	ActionRedetected          = "redetected"
	ActionEscalated           = "escalated"
	ActionEscalateNoop        = "escalate-noop"
	ActionResolved            = "resolved"
	ActionAlertDispatched     = "alert-dispatched"
	ActionEscalationQueued    = "escalation-queued"
	ActionEscalationDelivered = "escalation-delivered"
	ActionDeliveryFailed      = "delivery-failed"
)

const (
	ActorSystem = "system"
	ActorUser   = "user"
	ActorHelper = "helper"
	ActorWorker = "escalation-relay"
)

// InterventionRecord is one append-only audit entry for a crisis event.
type InterventionRecord struct {
	ID            int64     `json:"id,string"`
	CrisisEventID int64     `json:"crisisEventId,string"`
	Action        string    `json:"action"`
	Actor         string    `json:"actor"`
	OutcomeNote   *string   `json:"outcomeNote,omitempty"`
	DedupeKey     *string   `json:"-"`
	Timestamp     time.Time `json:"timestamp"`
}
