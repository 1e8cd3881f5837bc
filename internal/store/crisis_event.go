package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"astralcore.app/crisis/core/db"
	"astralcore.app/crisis/internal/model"
	"github.com/jackc/pgx/v5"
)

const crisisEventColumns = `id, user_id, severity, trigger_type, status, categories, recommendations,
	version, created_at, updated_at, severity_changed_at, escalated_at, resolved_at, resolution_method`

type crisisEventStore struct {
	conn db.DBTX
}

func newCrisisEventStore(conn db.DBTX) CrisisEventStore {
	return &crisisEventStore{conn: conn}
}

func (s *crisisEventStore) Create(ctx context.Context, e *model.CrisisEvent) error {
	recs, err := json.Marshal(e.Recommendations)
	if err != nil {
		return fmt.Errorf("marshal recommendations: %w", err)
	}
	_, err = s.conn.Exec(ctx, `
		INSERT INTO crisis_events (`+crisisEventColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		e.ID, e.UserID, string(e.Severity), string(e.TriggerType), string(e.Status),
		categoryStrings(e.Categories), recs, e.Version, e.CreatedAt, e.UpdatedAt,
		e.SeverityChangedAt, e.EscalatedAt, e.ResolvedAt, e.ResolutionMethod)
	if err != nil {
		return fmt.Errorf("insert crisis event: %w", err)
	}
	return nil
}

func (s *crisisEventStore) Update(ctx context.Context, e *model.CrisisEvent, prevVersion int64) error {
	recs, err := json.Marshal(e.Recommendations)
	if err != nil {
		return fmt.Errorf("marshal recommendations: %w", err)
	}
	tag, err := s.conn.Exec(ctx, `
		UPDATE crisis_events SET
			severity = $2, status = $3, categories = $4, recommendations = $5, version = $6,
			updated_at = $7, severity_changed_at = $8, escalated_at = $9, resolved_at = $10,
			resolution_method = $11
		WHERE id = $1 AND version = $12`,
		e.ID, string(e.Severity), string(e.Status), categoryStrings(e.Categories), recs, e.Version,
		e.UpdatedAt, e.SeverityChangedAt, e.EscalatedAt, e.ResolvedAt, e.ResolutionMethod, prevVersion)
	if err != nil {
		return fmt.Errorf("update crisis event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("crisis event %d at version %d: %w", e.ID, prevVersion, ErrVersionConflict)
	}
	return nil
}

func (s *crisisEventStore) GetByID(ctx context.Context, id int64) (*model.CrisisEvent, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+crisisEventColumns+` FROM crisis_events WHERE id = $1`, id)
	e, err := scanCrisisEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func (s *crisisEventStore) ListActive(ctx context.Context) ([]model.CrisisEvent, error) {
	rows, err := s.conn.Query(ctx, `SELECT `+crisisEventColumns+`
		FROM crisis_events WHERE status <> 'resolved' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query active crisis events: %w", err)
	}
	return collectCrisisEvents(rows)
}

func collectCrisisEvents(rows pgx.Rows) ([]model.CrisisEvent, error) {
	defer rows.Close()
	var events []model.CrisisEvent
	for rows.Next() {
		e, err := scanCrisisEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func scanCrisisEvent(row pgx.Row) (*model.CrisisEvent, error) {
	var (
		e                             model.CrisisEvent
		severity, triggerType, status string
		categories                    []string
		recs                          []byte
		escalatedAt, resolvedAt       *time.Time
		resolutionMethod              *string
	)
	if err := row.Scan(&e.ID, &e.UserID, &severity, &triggerType, &status, &categories, &recs,
		&e.Version, &e.CreatedAt, &e.UpdatedAt, &e.SeverityChangedAt, &escalatedAt, &resolvedAt,
		&resolutionMethod); err != nil {
		return nil, err
	}

	e.Severity = model.Severity(severity).Normalize()
	e.TriggerType = model.TriggerType(triggerType)
	e.Status = model.CrisisStatus(status)
	e.Categories = make([]model.RiskCategory, len(categories))
	for i, c := range categories {
		e.Categories[i] = model.RiskCategory(c)
	}
	if len(recs) > 0 {
		if err := json.Unmarshal(recs, &e.Recommendations); err != nil {
			return nil, fmt.Errorf("unmarshal recommendations for %d: %w", e.ID, err)
		}
	}
	e.EscalatedAt = escalatedAt
	e.ResolvedAt = resolvedAt
	e.ResolutionMethod = resolutionMethod
	return &e, nil
}

func categoryStrings(cats []model.RiskCategory) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}
