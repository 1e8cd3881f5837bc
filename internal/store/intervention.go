package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"astralcore.app/crisis/common/id"
	"astralcore.app/crisis/core/db"
	"astralcore.app/crisis/internal/model"
	"github.com/jackc/pgx/v5"
)

type interventionStore struct {
	conn db.DBTX
}

func newInterventionStore(conn db.DBTX) InterventionStore {
	return &interventionStore{conn: conn}
}

// Append inserts record, assigning an id and timestamp when missing. A record
// whose dedupe key already exists is not inserted again; the stored one is returned.
func (s *interventionStore) Append(ctx context.Context, rec model.InterventionRecord) (AppendAck, error) {
	if rec.ID == 0 {
		rec.ID = id.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	var insertedID int64
	err := s.conn.QueryRow(ctx, `
		INSERT INTO intervention_records (id, crisis_event_id, action, actor, outcome_note, dedupe_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING id`,
		rec.ID, rec.CrisisEventID, rec.Action, rec.Actor, rec.OutcomeNote, rec.DedupeKey, rec.Timestamp,
	).Scan(&insertedID)
	if err == nil {
		return AppendAck{Record: rec, Inserted: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || rec.DedupeKey == nil {
		return AppendAck{}, fmt.Errorf("append intervention record: %w", err)
	}

	existing, err := scanIntervention(s.conn.QueryRow(ctx, `
		SELECT id, crisis_event_id, action, actor, outcome_note, dedupe_key, created_at
		FROM intervention_records WHERE dedupe_key = $1`, *rec.DedupeKey))
	if err != nil {
		return AppendAck{}, fmt.Errorf("load deduplicated intervention record: %w", err)
	}
	return AppendAck{Record: *existing, Inserted: false}, nil
}

func (s *interventionStore) ListByCrisisEvent(ctx context.Context, crisisEventID int64) ([]model.InterventionRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, crisis_event_id, action, actor, outcome_note, dedupe_key, created_at
		FROM intervention_records WHERE crisis_event_id = $1 ORDER BY created_at, id`, crisisEventID)
	if err != nil {
		return nil, fmt.Errorf("query intervention records: %w", err)
	}
	defer rows.Close()

	records := []model.InterventionRecord{}
	for rows.Next() {
		r, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intervention record: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func scanIntervention(row pgx.Row) (*model.InterventionRecord, error) {
	var r model.InterventionRecord
	if err := row.Scan(&r.ID, &r.CrisisEventID, &r.Action, &r.Actor, &r.OutcomeNote, &r.DedupeKey, &r.Timestamp); err != nil {
		return nil, err
	}
	return &r, nil
}
