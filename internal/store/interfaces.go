package store

import (
	"context"
	"errors"

	"astralcore.app/crisis/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a guarded update finds a different version than expected
var ErrVersionConflict = errors.New("version conflict")

// CrisisEventStore defines the contract for crisis event persistence
type CrisisEventStore interface {
	Create(ctx context.Context, event *model.CrisisEvent) error
	// Update writes event only if the stored row still has prevVersion.
	Update(ctx context.Context, event *model.CrisisEvent, prevVersion int64) error
	GetByID(ctx context.Context, id int64) (*model.CrisisEvent, error)
	ListActive(ctx context.Context) ([]model.CrisisEvent, error)
}

// AppendAck acknowledges an audit append. Inserted is false when a record with
// the same dedupe key already existed; Record is then the existing one.
type AppendAck struct {
	Record   model.InterventionRecord
	Inserted bool
}

// InterventionStore is the append-only audit log: no update, no delete.
type InterventionStore interface {
	Append(ctx context.Context, record model.InterventionRecord) (AppendAck, error)
	ListByCrisisEvent(ctx context.Context, crisisEventID int64) ([]model.InterventionRecord, error)
}
