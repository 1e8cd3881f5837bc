package syncqueue

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"astralcore.app/crisis/common/id"
	"astralcore.app/crisis/common/logger"
	"astralcore.app/crisis/internal/metrics"
	"astralcore.app/crisis/internal/model"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

type Config struct {
	Path        string
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	BatchSize   int
	// DeliveryTimeout bounds each Deliverer call.
	DeliveryTimeout time.Duration
}

// Deliverer hands one decoded payload to its destination. Returning a
// PermanentDeliveryError dead-letters the entry immediately.
type Deliverer interface {
	Deliver(ctx context.Context, entry model.SyncQueueEntry, data json.RawMessage) error
}

type DelivererFunc func(ctx context.Context, entry model.SyncQueueEntry, data json.RawMessage) error

func (f DelivererFunc) Deliver(ctx context.Context, entry model.SyncQueueEntry, data json.RawMessage) error {
	return f(ctx, entry, data)
}

// DeadLetterSink is told about every entry that gave up.
type DeadLetterSink interface {
	DeadLettered(ctx context.Context, entry model.SyncQueueEntry, data json.RawMessage, cause error)
}

type OutcomeStatus string

const (
	OutcomeDelivered      OutcomeStatus = "delivered"
	OutcomeRetryScheduled OutcomeStatus = "retry-scheduled"
	OutcomeDeadLettered   OutcomeStatus = "dead-lettered"
	OutcomeSkipped        OutcomeStatus = "skipped"
)

type Outcome struct {
	EntryID     int64
	Kind        model.SyncKind
	Status      OutcomeStatus
	Attempts    int
	NextRetryAt time.Time
	Error       string
}

type DeadLetter struct {
	Entry  model.SyncQueueEntry
	DeadAt time.Time
}

type Stats struct {
	Pending     int
	Due         int
	DeadLetters int
	Oldest      *time.Time
}

// Queue is a durable local queue. Entries survive restarts and are removed
// only after their Deliverer acknowledges them.
type Queue struct {
	db         *sql.DB
	cfg        Config
	deliverers map[model.SyncKind]Deliverer
	sink       DeadLetterSink
	metrics    *metrics.Metrics
	now        func() time.Time

	drainMu sync.Mutex
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

func WithDeadLetterSink(sink DeadLetterSink) Option {
	return func(q *Queue) { q.sink = sink }
}

// Open opens or creates the queue file at cfg.Path.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Queue, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = max(cfg.BaseBackoff, 10*time.Minute)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create sync queue dir: %w", err)
		}
	}

	dsn := cfg.Path
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	// FULL sync so a returned Enqueue survives power loss, not just a crash.
	dsn += sep + "_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sync queue: %w", err)
	}

	q := &Queue{
		db:         db,
		cfg:        cfg,
		deliverers: make(map[model.SyncKind]Deliverer),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// Register sets the deliverer for kind. Call before draining.
func (q *Queue) Register(kind model.SyncKind, d Deliverer) {
	q.deliverers[kind] = d
}

// Enqueue durably stores data. The entry is committed when Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, kind model.SyncKind, data any) (model.SyncQueueEntry, error) {
	payload, err := encodeEnvelope(kind, data)
	if err != nil {
		return model.SyncQueueEntry{}, err
	}

	now := q.now()
	entry := model.SyncQueueEntry{
		ID:          id.New(),
		Kind:        kind,
		Payload:     payload,
		NextRetryAt: now,
		CreatedAt:   now,
	}
	if _, err := q.db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, kind, payload, attempts, next_retry_at, created_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		entry.ID, string(kind), string(payload), now.UnixMilli(), now.UnixMilli()); err != nil {
		return model.SyncQueueEntry{}, fmt.Errorf("insert sync entry: %w", err)
	}

	entryID := entry.ID
	slog.InfoContext(logger.WithLogFields(ctx, logger.LogFields{SyncEntryID: &entryID, Component: "crisis.syncqueue"}),
		"sync entry enqueued", "kind", kind)
	q.refreshDepth(ctx)
	return entry, nil
}

// DrainOnce attempts every due entry once, oldest first, up to the batch size.
func (q *Queue) DrainOnce(ctx context.Context) ([]Outcome, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	defer q.refreshDepth(ctx)

	entries, err := q.due(ctx)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcome, err := q.attempt(ctx, entry)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (q *Queue) attempt(ctx context.Context, entry model.SyncQueueEntry) (Outcome, error) {
	entryID := entry.ID
	ctx = logger.WithLogFields(ctx, logger.LogFields{SyncEntryID: &entryID, Component: "crisis.syncqueue"})
	out := Outcome{EntryID: entry.ID, Kind: entry.Kind, Attempts: entry.Attempts}

	env, err := decodeEnvelope(entry.Payload)
	if err != nil {
		return q.deadLetter(ctx, entry, nil, model.Permanent("", err), out)
	}
	if env.V > EnvelopeVersion {
		// written by a newer binary; keep it for that binary to deliver
		slog.WarnContext(ctx, "skipping sync entry with newer envelope version", "version", env.V)
		return q.skip(ctx, entry, out)
	}
	deliverer, ok := q.deliverers[entry.Kind]
	if !ok {
		slog.WarnContext(ctx, "no deliverer registered for sync entry", "kind", entry.Kind)
		return q.skip(ctx, entry, out)
	}

	dctx, cancel := context.WithTimeout(ctx, q.cfg.DeliveryTimeout)
	deliverErr := deliverer.Deliver(dctx, entry, env.Data)
	cancel()

	entry.Attempts++
	out.Attempts = entry.Attempts

	if deliverErr == nil {
		if _, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, entry.ID); err != nil {
			return out, fmt.Errorf("delete delivered sync entry: %w", err)
		}
		slog.InfoContext(ctx, "sync entry delivered", "kind", entry.Kind, "attempts", entry.Attempts)
		out.Status = OutcomeDelivered
		return out, nil
	}

	if model.IsPermanent(deliverErr) || entry.Attempts >= q.cfg.MaxAttempts {
		return q.deadLetter(ctx, entry, env.Data, deliverErr, out)
	}

	next := q.now().Add(q.Backoff(entry.Attempts))
	msg := deliverErr.Error()
	if _, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET attempts = ?, next_retry_at = ?, last_error = ? WHERE id = ?`,
		entry.Attempts, next.UnixMilli(), msg, entry.ID); err != nil {
		return out, fmt.Errorf("schedule sync retry: %w", err)
	}
	slog.WarnContext(ctx, "sync delivery failed, retry scheduled",
		"kind", entry.Kind,
		"attempts", entry.Attempts,
		"next_retry_at", next,
		"error", deliverErr)
	out.Status = OutcomeRetryScheduled
	out.NextRetryAt = next
	out.Error = msg
	return out, nil
}

// skip defers an entry this binary cannot deliver by MaxBackoff so it stops
// occupying a batch slot ahead of deliverable entries. Attempts are untouched.
func (q *Queue) skip(ctx context.Context, entry model.SyncQueueEntry, out Outcome) (Outcome, error) {
	next := q.now().Add(q.cfg.MaxBackoff)
	if _, err := q.db.ExecContext(ctx, `UPDATE sync_queue SET next_retry_at = ? WHERE id = ?`,
		next.UnixMilli(), entry.ID); err != nil {
		return out, fmt.Errorf("defer skipped sync entry: %w", err)
	}
	out.Status = OutcomeSkipped
	out.NextRetryAt = next
	return out, nil
}

func (q *Queue) deadLetter(ctx context.Context, entry model.SyncQueueEntry, data json.RawMessage, cause error, out Outcome) (Outcome, error) {
	msg := cause.Error()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("begin dead-letter: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_dead_letters (id, kind, payload, attempts, created_at, dead_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Kind), string(entry.Payload), entry.Attempts,
		entry.CreatedAt.UnixMilli(), q.now().UnixMilli(), msg); err != nil {
		return out, fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, entry.ID); err != nil {
		return out, fmt.Errorf("delete dead-lettered entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return out, fmt.Errorf("commit dead letter: %w", err)
	}

	slog.ErrorContext(ctx, "sync entry dead-lettered",
		"kind", entry.Kind,
		"attempts", entry.Attempts,
		"error", cause)
	q.metrics.ObserveDeadLetter()
	q.metrics.ObserveOperationalAlert("sync_queue")
	if q.sink != nil {
		entry.LastError = &msg
		q.sink.DeadLettered(ctx, entry, data, cause)
	}

	out.Status = OutcomeDeadLettered
	out.Error = msg
	return out, nil
}

// Backoff returns base·2^(attempts-1), capped at the configured maximum.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := q.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	return min(d, q.cfg.MaxBackoff)
}

func (q *Queue) due(ctx context.Context) ([]model.SyncQueueEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, kind, payload, attempts, next_retry_at, created_at, last_error
		FROM sync_queue WHERE next_retry_at <= ? ORDER BY created_at, id LIMIT ?`,
		q.now().UnixMilli(), q.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query due sync entries: %w", err)
	}
	return scanEntries(rows)
}

// Pending lists every queued entry, due or not.
func (q *Queue) Pending(ctx context.Context) ([]model.SyncQueueEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, kind, payload, attempts, next_retry_at, created_at, last_error
		FROM sync_queue ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query pending sync entries: %w", err)
	}
	return scanEntries(rows)
}

func (q *Queue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, kind, payload, attempts, created_at, dead_at, last_error
		FROM sync_dead_letters ORDER BY dead_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl                       DeadLetter
			kind, payload, lastError string
			createdAt, deadAt        int64
		)
		if err := rows.Scan(&dl.Entry.ID, &kind, &payload, &dl.Entry.Attempts, &createdAt, &deadAt, &lastError); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Entry.Kind = model.SyncKind(kind)
		dl.Entry.Payload = json.RawMessage(payload)
		dl.Entry.CreatedAt = time.UnixMilli(createdAt).UTC()
		dl.Entry.LastError = &lastError
		dl.DeadAt = time.UnixMilli(deadAt).UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var (
		s      Stats
		oldest sql.NullInt64
	)
	if err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN next_retry_at <= ? THEN 1 ELSE 0 END), 0), MIN(created_at)
		FROM sync_queue`, q.now().UnixMilli()).Scan(&s.Pending, &s.Due, &oldest); err != nil {
		return Stats{}, fmt.Errorf("sync queue stats: %w", err)
	}
	if oldest.Valid {
		t := time.UnixMilli(oldest.Int64).UTC()
		s.Oldest = &t
	}
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_dead_letters`).Scan(&s.DeadLetters); err != nil {
		return Stats{}, fmt.Errorf("dead letter count: %w", err)
	}
	return s, nil
}

func (q *Queue) refreshDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	var n int
	if err := q.db.QueryRowContext(context.WithoutCancel(ctx), `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		slog.WarnContext(ctx, "failed to read sync queue depth", "error", err)
		return
	}
	q.metrics.SetSyncQueueDepth(n)
}

func scanEntries(rows *sql.Rows) ([]model.SyncQueueEntry, error) {
	defer rows.Close()
	var out []model.SyncQueueEntry
	for rows.Next() {
		var (
			e                    model.SyncQueueEntry
			kind, payload        string
			nextRetry, createdAt int64
			lastError            sql.NullString
		)
		if err := rows.Scan(&e.ID, &kind, &payload, &e.Attempts, &nextRetry, &createdAt, &lastError); err != nil {
			return nil, fmt.Errorf("scan sync entry: %w", err)
		}
		e.Kind = model.SyncKind(kind)
		e.Payload = json.RawMessage(payload)
		e.NextRetryAt = time.UnixMilli(nextRetry).UTC()
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		if lastError.Valid {
			msg := lastError.String
			e.LastError = &msg
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
