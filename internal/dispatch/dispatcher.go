package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"astralcore.app/crisis/common/logger"
	"astralcore.app/crisis/internal/metrics"
	"astralcore.app/crisis/internal/model"
	"astralcore.app/crisis/internal/queue"
	"astralcore.app/crisis/internal/store"
)

// AuditLog is the subset of store.InterventionStore the dispatcher writes to.
type AuditLog interface {
	Append(ctx context.Context, record model.InterventionRecord) (store.AppendAck, error)
}

type Publisher interface {
	Publish(ctx context.Context, msg queue.EscalationMessage) (string, error)
}

type SyncQueue interface {
	Enqueue(ctx context.Context, kind model.SyncKind, data any) (model.SyncQueueEntry, error)
}

type Config struct {
	// AuditAttempts bounds in-line retries of the audit append before it is queued.
	AuditAttempts     int
	AuditBackoff      time.Duration
	EscalationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AuditAttempts <= 0 {
		c.AuditAttempts = 3
	}
	if c.AuditBackoff <= 0 {
		c.AuditBackoff = 100 * time.Millisecond
	}
	if c.EscalationTimeout <= 0 {
		c.EscalationTimeout = 5 * time.Second
	}
	return c
}

// Request is one event snapshot to fan out. Escalate asks for a human-response
// handoff; it is ignored unless the event is escalated.
type Request struct {
	Event    *model.CrisisEvent
	Escalate bool
	Reason   string
}

type Report struct {
	CrisisEventID int64                  `json:"crisisEventId,string"`
	Version       int64                  `json:"version"`
	Results       []model.DeliveryResult `json:"results"`
}

func (r Report) Result(channel model.DeliveryChannel) (model.DeliveryResult, bool) {
	for _, res := range r.Results {
		if res.Channel == channel {
			return res, true
		}
	}
	return model.DeliveryResult{}, false
}

// Dispatcher fans a crisis event out to the UI hub, the audit log and the
// human-response stream. Network channels that fail transiently are handed to
// the offline sync queue.
type Dispatcher struct {
	hub       *Hub
	audit     AuditLog
	publisher Publisher
	sync      SyncQueue
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func NewDispatcher(hub *Hub, audit AuditLog, publisher Publisher, syncQueue SyncQueue, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		hub:       hub,
		audit:     audit,
		publisher: publisher,
		sync:      syncQueue,
		cfg:       cfg.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers req on every channel concurrently. Delivery problems are
// reported per channel and never returned as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Report {
	e := req.Event
	eventID := e.ID
	userID := e.UserID
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		CrisisEventID: &eventID,
		UserID:        &userID,
		Component:     "crisis.dispatch",
	})

	sc := logger.StartSpan(ctx, "dispatch.alert", trace.WithAttributes(
		attribute.Int64("crisis.event_id", e.ID),
		attribute.Int64("crisis.version", e.Version),
		attribute.String("crisis.severity", string(e.Severity)),
		attribute.String("crisis.status", string(e.Status)),
	))
	defer sc.End()
	ctx = sc.Context()

	report := Report{
		CrisisEventID: e.ID,
		Version:       e.Version,
		Results:       make([]model.DeliveryResult, 3),
	}

	channels := []func(context.Context, Request) model.DeliveryResult{
		d.deliverUI,
		d.deliverAudit,
		d.deliverEscalation,
	}

	var wg sync.WaitGroup
	for i, deliver := range channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			res := deliver(ctx, req)
			d.metrics.ObserveDelivery(string(res.Channel), string(res.Status), time.Since(start).Seconds())
			report.Results[i] = res
		}()
	}
	wg.Wait()

	for _, res := range report.Results {
		sc.Span().SetAttributes(attribute.String("dispatch."+string(res.Channel), string(res.Status)))
	}
	slog.InfoContext(ctx, "alert dispatched",
		"version", e.Version,
		"ui", report.Results[0].Status,
		"audit", report.Results[1].Status,
		"escalation", report.Results[2].Status)
	return report
}

func (d *Dispatcher) deliverUI(_ context.Context, req Request) model.DeliveryResult {
	d.hub.Publish(alertFor(req.Event, d.now()))
	return model.DeliveryResult{
		Channel:  model.DeliveryChannelUI,
		Status:   model.DeliveryStatusDelivered,
		Attempts: 1,
	}
}

func (d *Dispatcher) deliverAudit(ctx context.Context, req Request) model.DeliveryResult {
	ctx = withChannel(ctx, model.DeliveryChannelAudit)
	res := model.DeliveryResult{Channel: model.DeliveryChannelAudit}
	rec := DispatchRecord(req.Event, d.now())

	var lastErr error
	for attempt := 1; attempt <= d.cfg.AuditAttempts; attempt++ {
		res.Attempts = attempt
		_, err := d.audit.Append(ctx, rec)
		if err == nil {
			res.Status = model.DeliveryStatusDelivered
			return res
		}
		lastErr = err
		slog.WarnContext(ctx, "audit append failed", "attempt", attempt, "error", err)
		if attempt == d.cfg.AuditAttempts {
			break
		}
		if err := sleep(ctx, d.cfg.AuditBackoff<<(attempt-1)); err != nil {
			break
		}
	}

	res.Status = model.DeliveryStatusTransientFailure
	res.Error = lastErr.Error()
	entry, err := d.sync.Enqueue(context.WithoutCancel(ctx), model.SyncKindIntervention, NewQueuedRecord(rec))
	if err != nil {
		slog.ErrorContext(ctx, "audit record lost: sync queue unavailable", "error", err, "append_error", lastErr)
		d.metrics.ObserveOperationalAlert("audit")
		res.Status = model.DeliveryStatusPermanentFailure
		res.Error = errors.Join(lastErr, err).Error()
		return res
	}
	res.Queued = true
	res.SyncEntryID = entry.ID
	return res
}

func (d *Dispatcher) deliverEscalation(ctx context.Context, req Request) model.DeliveryResult {
	res := model.DeliveryResult{Channel: model.DeliveryChannelEscalation}
	if !req.Escalate || req.Event.Status != model.CrisisStatusEscalated {
		res.Status = model.DeliveryStatusSkipped
		return res
	}
	ctx = withChannel(ctx, model.DeliveryChannelEscalation)

	payload := model.NewEscalationPayload(req.Event, req.Reason)
	msg := queue.EscalationMessage{Payload: payload, TraceID: logger.TraceID(ctx), Attempt: 1}
	res.Attempts = 1

	err := d.publish(ctx, msg)
	if err == nil {
		res.Status = model.DeliveryStatusDelivered
		d.appendBestEffort(ctx, EscalationQueuedRecord(payload, d.now()))
		return res
	}
	res.Error = err.Error()

	if model.IsPermanent(err) {
		res.Status = model.DeliveryStatusPermanentFailure
		slog.ErrorContext(ctx, "escalation rejected", "error", err)
		d.metrics.ObserveOperationalAlert("escalation")
		d.appendBestEffort(ctx, DeliveryFailedRecord(payload.CrisisEventID, payload.Version, model.DeliveryChannelEscalation, err, d.now()))
		return res
	}

	res.Status = model.DeliveryStatusTransientFailure
	entry, qerr := d.sync.Enqueue(context.WithoutCancel(ctx), model.SyncKindEscalation, payload)
	if qerr != nil {
		slog.ErrorContext(ctx, "escalation could not be queued", "error", qerr, "publish_error", err)
		d.metrics.ObserveOperationalAlert("escalation")
		res.Status = model.DeliveryStatusPermanentFailure
		d.appendBestEffort(ctx, DeliveryFailedRecord(payload.CrisisEventID, payload.Version, model.DeliveryChannelEscalation, errors.Join(err, qerr), d.now()))
		return res
	}
	slog.WarnContext(ctx, "escalation queued for retry", "sync_entry_id", entry.ID, "error", err)
	res.Queued = true
	res.SyncEntryID = entry.ID
	return res
}

func (d *Dispatcher) publish(ctx context.Context, msg queue.EscalationMessage) error {
	if d.publisher == nil {
		return model.Transient(model.DeliveryChannelEscalation, errors.New("escalation stream unavailable"))
	}
	pctx, cancel := context.WithTimeout(ctx, d.cfg.EscalationTimeout)
	defer cancel()
	_, err := d.publisher.Publish(pctx, msg)
	if err != nil && !model.IsPermanent(err) {
		var te *model.TransientDeliveryError
		if !errors.As(err, &te) {
			err = model.Transient(model.DeliveryChannelEscalation, err)
		}
	}
	return err
}

func (d *Dispatcher) appendBestEffort(ctx context.Context, rec model.InterventionRecord) {
	if _, err := d.audit.Append(ctx, rec); err != nil {
		slog.WarnContext(ctx, "failed to record delivery audit entry", "action", rec.Action, "error", err)
	}
}

func withChannel(ctx context.Context, ch model.DeliveryChannel) context.Context {
	name := string(ch)
	return logger.WithLogFields(ctx, logger.LogFields{Channel: &name})
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func dedupe(format string, args ...any) *string {
	k := fmt.Sprintf(format, args...)
	return &k
}
