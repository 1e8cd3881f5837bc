package crisis_test

import (
	"context"
	"maps"
	"slices"
	"sync"

	"astralcore.app/crisis/internal/crisis"
	"astralcore.app/crisis/internal/model"
	"astralcore.app/crisis/internal/store"
)

// memDB is an in-memory stand-in for Postgres with transactional rollback.
type memDB struct {
	mu      sync.Mutex
	events  map[int64]model.CrisisEvent
	records []model.InterventionRecord

	txErr       error
	updateErr   error
	appendCalls int
}

func newMemDB() *memDB {
	return &memDB{events: make(map[int64]model.CrisisEvent)}
}

func (d *memDB) WithTx(ctx context.Context, fn func(stores crisis.StoreProvider) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.txErr != nil {
		return d.txErr
	}
	events := maps.Clone(d.events)
	records := slices.Clone(d.records)
	if err := fn(memStores{d}); err != nil {
		d.events = events
		d.records = records
		return err
	}
	return nil
}

func (d *memDB) recordsFor(eventID int64) []model.InterventionRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []model.InterventionRecord
	for _, r := range d.records {
		if r.CrisisEventID == eventID {
			out = append(out, r)
		}
	}
	return out
}

func (d *memDB) actions(eventID int64) []string {
	var out []string
	for _, r := range d.recordsFor(eventID) {
		out = append(out, r.Action)
	}
	return out
}

// memStores is used both inside WithTx (lock held) and for plain reads.
type memStores struct{ d *memDB }

func (s memStores) CrisisEvents() store.CrisisEventStore  { return memEvents(s) }
func (s memStores) Interventions() store.InterventionStore { return memRecords(s) }

type memEvents struct{ d *memDB }

func (s memEvents) Create(_ context.Context, e *model.CrisisEvent) error {
	s.d.events[e.ID] = *e.Clone()
	return nil
}

func (s memEvents) Update(_ context.Context, e *model.CrisisEvent, prevVersion int64) error {
	if s.d.updateErr != nil {
		return s.d.updateErr
	}
	cur, ok := s.d.events[e.ID]
	if !ok || cur.Version != prevVersion {
		return store.ErrVersionConflict
	}
	s.d.events[e.ID] = *e.Clone()
	return nil
}

func (s memEvents) GetByID(_ context.Context, id int64) (*model.CrisisEvent, error) {
	e, ok := s.d.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e.Clone(), nil
}

func (s memEvents) ListActive(context.Context) ([]model.CrisisEvent, error) {
	var out []model.CrisisEvent
	for _, e := range s.d.events {
		if e.IsActive() {
			out = append(out, *e.Clone())
		}
	}
	return out, nil
}

type memRecords struct{ d *memDB }

func (s memRecords) Append(_ context.Context, r model.InterventionRecord) (store.AppendAck, error) {
	s.d.appendCalls++
	s.d.records = append(s.d.records, r)
	return store.AppendAck{Record: r, Inserted: true}, nil
}

func (s memRecords) ListByCrisisEvent(_ context.Context, eventID int64) ([]model.InterventionRecord, error) {
	var out []model.InterventionRecord
	for _, r := range s.d.records {
		if r.CrisisEventID == eventID {
			out = append(out, r)
		}
	}
	return out, nil
}

// lockedReads wraps memStores for reads outside WithTx.
type lockedReads struct{ d *memDB }

func (l lockedReads) CrisisEvents() store.CrisisEventStore  { return lockedEvents(l) }
func (l lockedReads) Interventions() store.InterventionStore { return memRecords(l) }

type lockedEvents struct{ d *memDB }

func (l lockedEvents) Create(ctx context.Context, e *model.CrisisEvent) error {
	return memEvents(l).Create(ctx, e)
}

func (l lockedEvents) Update(ctx context.Context, e *model.CrisisEvent, prev int64) error {
	return memEvents(l).Update(ctx, e, prev)
}

func (l lockedEvents) GetByID(ctx context.Context, id int64) (*model.CrisisEvent, error) {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	return memEvents(l).GetByID(ctx, id)
}

func (l lockedEvents) ListActive(ctx context.Context) ([]model.CrisisEvent, error) {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	return memEvents(l).ListActive(ctx)
}

type fixedRecommender struct{}

func (fixedRecommender) Recommend(sev model.Severity, cats []model.RiskCategory) []model.ResourceRecommendation {
	return []model.ResourceRecommendation{{Action: "act-" + string(sev.Normalize()), Priority: len(cats), Channel: model.ChannelSelfGuided}}
}
