package worker_test

import (
	"context"
	"errors"
	"sync"

	"astralcore.app/crisis/internal/model"
	"astralcore.app/crisis/internal/queue"
	"astralcore.app/crisis/internal/store"
	"astralcore.app/crisis/internal/worker"
)

type mockConsumer struct {
	mu        sync.Mutex
	readFn    func(ctx context.Context) ([]queue.Message, error)
	requeueFn func(ctx context.Context, msg queue.Message, errMsg string) error
	acked     []string
	requeued  []string
	dlq       map[string]string
}

func (m *mockConsumer) Read(ctx context.Context) ([]queue.Message, error) {
	if m.readFn != nil {
		return m.readFn(ctx)
	}
	return nil, nil
}

func (m *mockConsumer) Ack(_ context.Context, msg queue.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, msg.ID)
	return nil
}

func (m *mockConsumer) Requeue(ctx context.Context, msg queue.Message, errMsg string) error {
	if m.requeueFn != nil {
		if err := m.requeueFn(ctx, msg, errMsg); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeued = append(m.requeued, msg.ID)
	return nil
}

func (m *mockConsumer) SendDLQ(_ context.Context, msg queue.Message, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dlq == nil {
		m.dlq = make(map[string]string)
	}
	m.dlq[msg.ID] = errMsg
	return nil
}

type mockDeliverer struct {
	mu        sync.Mutex
	deliverFn func(ctx context.Context, payload model.EscalationPayload) error
	delivered []model.EscalationPayload
}

func (m *mockDeliverer) Deliver(ctx context.Context, payload model.EscalationPayload) error {
	if m.deliverFn != nil {
		if err := m.deliverFn(ctx, payload); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, payload)
	return nil
}

// memTx keeps intervention records in memory; events are not needed by the relay.
type memTx struct {
	mu      sync.Mutex
	records []model.InterventionRecord
	txErr   error
}

func (t *memTx) WithTx(_ context.Context, fn func(stores worker.StoreProvider) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.txErr != nil {
		return t.txErr
	}
	return fn(memStores{t})
}

func (t *memTx) actions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, r := range t.records {
		out = append(out, r.Action)
	}
	return out
}

type memStores struct{ t *memTx }

func (s memStores) CrisisEvents() store.CrisisEventStore  { return nil }
func (s memStores) Interventions() store.InterventionStore { return memRecords(s) }

type memRecords struct{ t *memTx }

func (r memRecords) Append(_ context.Context, rec model.InterventionRecord) (store.AppendAck, error) {
	if rec.DedupeKey != nil {
		for _, existing := range r.t.records {
			if existing.DedupeKey != nil && *existing.DedupeKey == *rec.DedupeKey {
				return store.AppendAck{Record: existing}, nil
			}
		}
	}
	r.t.records = append(r.t.records, rec)
	return store.AppendAck{Record: rec, Inserted: true}, nil
}

func (r memRecords) ListByCrisisEvent(_ context.Context, id int64) ([]model.InterventionRecord, error) {
	var out []model.InterventionRecord
	for _, rec := range r.t.records {
		if rec.CrisisEventID == id {
			out = append(out, rec)
		}
	}
	return out, nil
}

var errBoom = errors.New("boom")
