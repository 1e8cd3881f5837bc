package dispatch

import (
	"fmt"
	"time"

	"astralcore.app/crisis/common/id"
	"astralcore.app/crisis/internal/model"
)

// DispatchRecord is the alert-dispatched entry for one event version. Its
// dedupe key makes a replayed dispatch a no-op.
func DispatchRecord(e *model.CrisisEvent, at time.Time) model.InterventionRecord {
	note := fmt.Sprintf("severity=%s status=%s", e.Severity, e.Status)
	return model.InterventionRecord{
		ID:            id.New(),
		CrisisEventID: e.ID,
		Action:        model.ActionAlertDispatched,
		Actor:         model.ActorSystem,
		OutcomeNote:   &note,
		DedupeKey:     dedupe("dispatch:%d:v%d", e.ID, e.Version),
		Timestamp:     at,
	}
}

func EscalationQueuedRecord(p model.EscalationPayload, at time.Time) model.InterventionRecord {
	note := fmt.Sprintf("severity=%s", p.Severity)
	return model.InterventionRecord{
		ID:            id.New(),
		CrisisEventID: p.CrisisEventID,
		Action:        model.ActionEscalationQueued,
		Actor:         model.ActorSystem,
		OutcomeNote:   &note,
		DedupeKey:     dedupe("escalation-queued:%d:v%d", p.CrisisEventID, p.Version),
		Timestamp:     at,
	}
}

// DeliveryFailedRecord audits a delivery that gave up. seq tells failures of the
// same event apart: the event version for escalations, the sync entry id for audit replays.
func DeliveryFailedRecord(eventID, seq int64, ch model.DeliveryChannel, cause error, at time.Time) model.InterventionRecord {
	note := fmt.Sprintf("%s: %v", ch, cause)
	return model.InterventionRecord{
		ID:            id.New(),
		CrisisEventID: eventID,
		Action:        model.ActionDeliveryFailed,
		Actor:         model.ActorSystem,
		OutcomeNote:   &note,
		DedupeKey:     dedupe("delivery-failed:%s:%d:%d", ch, eventID, seq),
		Timestamp:     at,
	}
}

// QueuedRecord carries an audit record through the sync queue. The record's
// dedupe key is not part of its public JSON, so it travels alongside.
type QueuedRecord struct {
	Record    model.InterventionRecord `json:"record"`
	DedupeKey string                   `json:"dedupeKey,omitempty"`
}

func NewQueuedRecord(rec model.InterventionRecord) QueuedRecord {
	q := QueuedRecord{Record: rec}
	if rec.DedupeKey != nil {
		q.DedupeKey = *rec.DedupeKey
	}
	return q
}

func (q QueuedRecord) InterventionRecord() model.InterventionRecord {
	rec := q.Record
	if q.DedupeKey != "" {
		k := q.DedupeKey
		rec.DedupeKey = &k
	}
	return rec
}
