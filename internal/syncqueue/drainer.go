package syncqueue

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"astralcore.app/crisis/common/logger"
)

// Drainer runs DrainOnce on a ticker and whenever Notify is called.
type Drainer struct {
	queue    *Queue
	interval time.Duration
	notifyCh chan struct{}
}

func NewDrainer(queue *Queue, interval time.Duration) *Drainer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Drainer{
		queue:    queue,
		interval: interval,
		notifyCh: make(chan struct{}, 1),
	}
}

// Notify requests an immediate drain. It never blocks; bursts collapse into one pass.
func (d *Drainer) Notify() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "crisis.syncqueue.drainer"})
	slog.InfoContext(ctx, "sync drainer started", "interval", d.interval)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.drain(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "sync drainer stopped")
			return
		case <-ticker.C:
			d.drain(ctx, "tick")
		case <-d.notifyCh:
			d.drain(ctx, "notify")
		}
	}
}

func (d *Drainer) drain(ctx context.Context, trigger string) {
	sc := logger.StartSpan(ctx, "syncqueue.drain",
		trace.WithAttributes(attribute.String("sync.trigger", trigger)))
	defer sc.End()
	ctx = sc.Context()
	span := sc.Span()

	outcomes, err := d.queue.DrainOnce(ctx)
	span.SetAttributes(attribute.Int("sync.outcomes", len(outcomes)))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "drain failed")
		slog.ErrorContext(ctx, "sync drain failed", "trigger", trigger, "error", err)
		return
	}
	if len(outcomes) > 0 {
		slog.DebugContext(ctx, "sync drain pass complete", "trigger", trigger, "outcomes", len(outcomes))
	}
}
