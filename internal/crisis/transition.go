package crisis

import (
	"time"

	"astralcore.app/crisis/internal/model"
)

type TransitionKind string

const (
	KindOpened          TransitionKind = "opened"
	KindSeverityRaised  TransitionKind = "severity-raised"
	KindSeverityHeld    TransitionKind = "severity-held"
	KindSeverityLowered TransitionKind = "severity-lowered"
	KindRedetected      TransitionKind = "redetected"
	KindEscalated       TransitionKind = "escalated"
	KindEscalateNoop    TransitionKind = "escalate-noop"
	KindResolved        TransitionKind = "resolved"
)

// Transition describes one committed state change. Event is a snapshot the
// caller may keep; it never aliases machine state.
type Transition struct {
	Kind          TransitionKind
	Event         *model.CrisisEvent
	Previous      *model.CrisisEvent
	AutoEscalated bool
	Records       []model.InterventionRecord
}

// Escalated reports whether this transition moved the event into escalated.
func (t Transition) Escalated() bool {
	return t.Kind == KindEscalated || t.AutoEscalated
}

type DetectInput struct {
	UserID          string
	Severity        model.Severity
	TriggerType     model.TriggerType
	Categories      []model.RiskCategory
	ExpectedVersion *int64
}

type ResolveInput struct {
	EventID         int64
	Method          string
	ResolvedAt      *time.Time
	ExpectedVersion *int64
	Actor           string
}
