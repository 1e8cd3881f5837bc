package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"astralcore.app/crisis/common/logger"
	"astralcore.app/crisis/internal/model"
	"astralcore.app/crisis/internal/queue"
	"astralcore.app/crisis/internal/syncqueue"
)

// AuditDeliverer replays queued audit records. The dedupe key makes a
// replay of an already-stored record succeed without a second row.
func AuditDeliverer(audit AuditLog) syncqueue.Deliverer {
	return syncqueue.DelivererFunc(func(ctx context.Context, _ model.SyncQueueEntry, data json.RawMessage) error {
		var q QueuedRecord
		if err := json.Unmarshal(data, &q); err != nil {
			return model.Permanent(model.DeliveryChannelAudit, fmt.Errorf("decode queued record: %w", err))
		}
		if _, err := audit.Append(ctx, q.InterventionRecord()); err != nil {
			return model.Transient(model.DeliveryChannelAudit, err)
		}
		return nil
	})
}

// EscalationDeliverer republishes queued escalations to the human-response stream.
func EscalationDeliverer(publisher Publisher, audit AuditLog) syncqueue.Deliverer {
	return syncqueue.DelivererFunc(func(ctx context.Context, entry model.SyncQueueEntry, data json.RawMessage) error {
		var p model.EscalationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return model.Permanent(model.DeliveryChannelEscalation, fmt.Errorf("decode queued escalation: %w", err))
		}
		if publisher == nil {
			return model.Transient(model.DeliveryChannelEscalation, errors.New("escalation stream unavailable"))
		}

		eventID := p.CrisisEventID
		ctx = logger.WithLogFields(ctx, logger.LogFields{CrisisEventID: &eventID})
		msg := queue.EscalationMessage{Payload: p, TraceID: logger.TraceID(ctx), Attempt: entry.Attempts + 1}
		if _, err := publisher.Publish(ctx, msg); err != nil {
			return err
		}

		rec := EscalationQueuedRecord(p, time.Now().UTC())
		if _, err := audit.Append(ctx, rec); err != nil {
			slog.WarnContext(ctx, "failed to record escalation handoff", "error", err)
		}
		return nil
	})
}

// DeadLetterAuditor records a delivery-failed audit entry for every sync entry
// that gave up.
type DeadLetterAuditor struct {
	audit AuditLog
}

func NewDeadLetterAuditor(audit AuditLog) *DeadLetterAuditor {
	return &DeadLetterAuditor{audit: audit}
}

func (a *DeadLetterAuditor) DeadLettered(ctx context.Context, entry model.SyncQueueEntry, data json.RawMessage, cause error) {
	var (
		eventID int64
		seq     int64
		channel model.DeliveryChannel
	)
	switch entry.Kind {
	case model.SyncKindEscalation:
		var p model.EscalationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			slog.ErrorContext(ctx, "dead-lettered escalation is unreadable", "error", err)
			return
		}
		eventID, seq, channel = p.CrisisEventID, p.Version, model.DeliveryChannelEscalation
	case model.SyncKindIntervention:
		var q QueuedRecord
		if err := json.Unmarshal(data, &q); err != nil {
			slog.ErrorContext(ctx, "dead-lettered audit record is unreadable", "error", err)
			return
		}
		eventID, seq, channel = q.Record.CrisisEventID, entry.ID, model.DeliveryChannelAudit
	default:
		slog.ErrorContext(ctx, "dead-lettered entry of unknown kind", "kind", entry.Kind)
		return
	}

	rec := DeliveryFailedRecord(eventID, seq, channel, cause, time.Now().UTC())
	if _, err := a.audit.Append(context.WithoutCancel(ctx), rec); err != nil {
		slog.ErrorContext(ctx, "failed to audit dead-lettered delivery",
			"crisis_event_id", eventID,
			"channel", channel,
			"error", err)
	}
}
