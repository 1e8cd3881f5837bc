package model

import (
	"encoding/json"
	"time"
)

type SyncKind string

const (
	SyncKindEscalation   SyncKind = "escalation"
	SyncKindIntervention SyncKind = "intervention"
)

// SyncQueueEntry is a payload waiting for delivery. Payload holds the
// version-tagged envelope exactly as stored.
type SyncQueueEntry struct {
	ID          int64           `json:"id,string"`
	Kind        SyncKind        `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	NextRetryAt time.Time       `json:"nextRetryAt"`
	CreatedAt   time.Time       `json:"createdAt"`
	LastError   *string         `json:"lastError,omitempty"`
}
