package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"astralcore.app/crisis/common/logger"
	"astralcore.app/crisis/internal/metrics"
	"astralcore.app/crisis/internal/model"
	"astralcore.app/crisis/internal/queue"
	"astralcore.app/crisis/internal/store"
)

// Mirrors crisis.StoreProvider - defined here to avoid import cycles.
type StoreProvider interface {
	CrisisEvents() store.CrisisEventStore
	Interventions() store.InterventionStore
}

// Mirrors crisis.TxRunner - defined here to avoid import cycles.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(stores StoreProvider) error) error
}

type Config struct {
	MaxAttempts int
}

// Worker relays escalations from the stream to the human-response webhook.
type Worker struct {
	consumer  Consumer
	txRunner  TxRunner
	deliverer Deliverer
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer Consumer, txRunner TxRunner, deliverer Deliverer, m *metrics.Metrics, cfg Config) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Worker{
		consumer:  consumer,
		txRunner:  txRunner,
		deliverer: deliverer,
		metrics:   m,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "crisis.worker"})
	slog.InfoContext(ctx, "worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				// Brief backoff on error
				select {
				case <-ctx.Done():
				case <-w.stopCh:
				case <-time.After(time.Second):
				}
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		w.Handle(ctx, msg)
	}
	return nil
}

// Handle processes msg and takes care of requeue or dead-lettering on failure.
// Exported so it can be reused by the reclaimer.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	msgID := msg.ID
	eventID := msg.CrisisEventID
	ctx = logger.WithLogFields(ctx, logger.LogFields{MessageID: &msgID, CrisisEventID: &eventID})

	sc := logger.StartSpanFromTraceID(ctx, msg.TraceID, "worker.relay_escalation")
	defer sc.End()
	ctx = sc.Context()

	if err := w.processMessageSafe(ctx, msg); err != nil {
		sc.RecordError(err)
		slog.ErrorContext(ctx, "message processing failed",
			"error", err,
			"attempt", msg.Attempt)
		w.handleFailedMessage(ctx, msg, err)
		return err
	}
	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage delivers one escalation and acknowledges it. An escalation
// version that was already delivered is acknowledged without a second call.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	slog.InfoContext(ctx, "relaying escalation",
		"version", msg.Version,
		"severity", msg.Payload.Severity,
		"attempt", msg.Attempt)

	key := deliveredKey(msg)
	var delivered bool
	err := w.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		records, err := sp.Interventions().ListByCrisisEvent(ctx, msg.CrisisEventID)
		if err != nil {
			return fmt.Errorf("listing interventions: %w", err)
		}
		for _, r := range records {
			if r.DedupeKey != nil && *r.DedupeKey == key {
				delivered = true
				break
			}
		}
		return nil
	})
	if err != nil {
		return model.Transient(model.DeliveryChannelEscalation, fmt.Errorf("checking prior delivery: %w", err))
	}
	if delivered {
		slog.InfoContext(ctx, "escalation version already delivered, acknowledging")
		w.metrics.ObserveRelay("duplicate")
		w.ack(ctx, msg)
		return nil
	}

	start := time.Now()
	if err := w.deliverer.Deliver(ctx, msg.Payload); err != nil {
		return err
	}

	note := fmt.Sprintf("attempt=%d duration_ms=%d", msg.Attempt, time.Since(start).Milliseconds())
	rec := model.InterventionRecord{
		CrisisEventID: msg.CrisisEventID,
		Action:        model.ActionEscalationDelivered,
		Actor:         model.ActorWorker,
		OutcomeNote:   &note,
		DedupeKey:     &key,
		Timestamp:     w.now(),
	}
	if err := w.appendRecord(ctx, rec); err != nil {
		// the webhook already has it; the idempotency key covers a redelivery
		slog.WarnContext(ctx, "failed to audit escalation delivery", "error", err)
	}

	w.metrics.ObserveRelay("delivered")
	w.ack(ctx, msg)
	slog.InfoContext(ctx, "escalation delivered", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	if model.IsPermanent(err) || msg.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "escalation cannot be delivered, sending to DLQ",
			"attempts", msg.Attempt,
			"permanent", model.IsPermanent(err))
		w.metrics.ObserveRelay("dead-lettered")
		w.metrics.ObserveOperationalAlert("escalation_relay")

		note := err.Error()
		failKey := fmt.Sprintf("delivery-failed:relay:%d:v%d", msg.CrisisEventID, msg.Version)
		rec := model.InterventionRecord{
			CrisisEventID: msg.CrisisEventID,
			Action:        model.ActionDeliveryFailed,
			Actor:         model.ActorWorker,
			OutcomeNote:   &note,
			DedupeKey:     &failKey,
			Timestamp:     w.now(),
		}
		if auditErr := w.appendRecord(ctx, rec); auditErr != nil {
			slog.ErrorContext(ctx, "failed to audit undeliverable escalation", "error", auditErr)
		}
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed escalation", "attempt", msg.Attempt)
	w.metrics.ObserveRelay("requeued")
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}

func (w *Worker) appendRecord(ctx context.Context, rec model.InterventionRecord) error {
	return w.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		_, err := sp.Interventions().Append(ctx, rec)
		return err
	})
}

func (w *Worker) ack(ctx context.Context, msg queue.Message) {
	if err := w.consumer.Ack(ctx, msg); err != nil {
		// Log but don't fail - message will be reclaimed and deduplicated
		slog.WarnContext(ctx, "failed to ACK message", "error", err)
	}
}

func deliveredKey(msg queue.Message) string {
	return fmt.Sprintf("escalation:%d:v%d", msg.CrisisEventID, msg.Version)
}
