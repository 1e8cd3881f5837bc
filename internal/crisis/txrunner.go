package crisis

import (
	"context"

	"astralcore.app/crisis/core/db"
	"astralcore.app/crisis/internal/store"
)

// StoreProvider exposes the stores the state machine persists through.
// This is a local interface to avoid import cycles (service → crisis, not crisis → service).
type StoreProvider interface {
	CrisisEvents() store.CrisisEventStore
	Interventions() store.InterventionStore
}

// TxRunner runs functions within a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(stores StoreProvider) error) error
}

type dbTxRunner struct {
	db *db.DB
}

// NewTxRunner creates a TxRunner backed by the given database.
func NewTxRunner(db *db.DB) TxRunner {
	return &dbTxRunner{db: db}
}

func (r *dbTxRunner) WithTx(ctx context.Context, fn func(stores StoreProvider) error) error {
	return r.db.WithTx(ctx, func(tx db.DBTX) error {
		return fn(store.NewStores(tx))
	})
}
