package store

import (
	"astralcore.app/crisis/core/db"
)

type Stores struct {
	conn db.DBTX
}

func NewStores(conn db.DBTX) *Stores {
	return &Stores{conn: conn}
}

func (s *Stores) CrisisEvents() CrisisEventStore {
	return newCrisisEventStore(s.conn)
}

func (s *Stores) Interventions() InterventionStore {
	return newInterventionStore(s.conn)
}
