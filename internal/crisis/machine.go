package crisis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"astralcore.app/crisis/common/id"
	"astralcore.app/crisis/common/logger"
	"astralcore.app/crisis/internal/model"
	"astralcore.app/crisis/internal/store"
)

type Recommender interface {
	Recommend(severity model.Severity, categories []model.RiskCategory) []model.ResourceRecommendation
}

type Config struct {
	// Cooldown is how long a severity must stand before a re-detection may lower it.
	Cooldown time.Duration
}

type slot struct {
	mu     sync.Mutex
	userID string
	active *model.CrisisEvent
	// dead marks a slot pruned from the map; lockers must look it up again.
	dead bool
}

// Machine owns the lifecycle of crisis events, one active event per user.
// Transitions for a user are serialized by that user's slot; different users
// never contend beyond the short map lookup.
type Machine struct {
	txRunner    TxRunner
	stores      StoreProvider
	recommender Recommender
	cfg         Config
	now         func() time.Time

	mu      sync.Mutex // guards slots and byEvent, never held across a transition
	slots   map[string]*slot
	byEvent map[int64]string
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

func NewMachine(txRunner TxRunner, stores StoreProvider, recommender Recommender, cfg Config, opts ...Option) *Machine {
	m := &Machine{
		txRunner:    txRunner,
		stores:      stores,
		recommender: recommender,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		slots:       make(map[string]*slot),
		byEvent:     make(map[int64]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lockSlot returns the user's slot locked, creating it when create is set.
// It returns nil when the user has no slot and create is false.
func (m *Machine) lockSlot(userID string, create bool) *slot {
	for {
		m.mu.Lock()
		s, ok := m.slots[userID]
		if !ok {
			if !create {
				m.mu.Unlock()
				return nil
			}
			s = &slot{userID: userID}
			m.slots[userID] = s
		}
		m.mu.Unlock()

		s.mu.Lock()
		if !s.dead {
			return s
		}
		s.mu.Unlock()
	}
}

// unlock releases s, pruning it from the map first when it holds no active event.
// Lock order is slot then m.mu.
func (m *Machine) unlock(s *slot) {
	if s.active == nil && !s.dead {
		m.mu.Lock()
		if m.slots[s.userID] == s {
			delete(m.slots, s.userID)
		}
		m.mu.Unlock()
		s.dead = true
	}
	s.mu.Unlock()
}

func (m *Machine) userFor(eventID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byEvent[eventID]
	return u, ok
}

func (m *Machine) index(eventID int64, userID string) {
	m.mu.Lock()
	m.byEvent[eventID] = userID
	m.mu.Unlock()
}

func (m *Machine) unindex(eventID int64) {
	m.mu.Lock()
	delete(m.byEvent, eventID)
	m.mu.Unlock()
}

// Load rehydrates active events from the store. Call once before serving.
func (m *Machine) Load(ctx context.Context) (int, error) {
	events, err := m.stores.CrisisEvents().ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading active crisis events: %w", err)
	}
	for i := range events {
		e := events[i]
		s := m.lockSlot(e.UserID, true)
		s.active = &e
		m.unlock(s)
		m.index(e.ID, e.UserID)
	}
	return len(events), nil
}

// Detect opens an event for the user or updates the active one, then
// escalates automatically when the resulting severity requires it.
func (m *Machine) Detect(ctx context.Context, in DetectInput) (Transition, error) {
	if in.UserID == "" {
		return Transition{}, model.NewValidationError("userId", "is required")
	}
	if !in.TriggerType.IsValid() {
		return Transition{}, model.NewValidationError("triggerType", fmt.Sprintf("unknown trigger type %q", in.TriggerType))
	}
	severity := in.Severity.Normalize()

	s := m.lockSlot(in.UserID, true)
	defer m.unlock(s)

	if err := checkVersion(s.active, in.ExpectedVersion); err != nil {
		return Transition{}, err
	}

	now := m.now()
	if s.active == nil {
		return m.open(ctx, s, in, severity, now)
	}
	return m.update(ctx, s, in, severity, now)
}

func (m *Machine) open(ctx context.Context, s *slot, in DetectInput, severity model.Severity, now time.Time) (Transition, error) {
	categories := mergeCategories(nil, in.Categories)
	next := &model.CrisisEvent{
		ID:                id.New(),
		UserID:            in.UserID,
		Severity:          severity,
		TriggerType:       in.TriggerType,
		Status:            model.CrisisStatusOpen,
		Categories:        categories,
		Recommendations:   m.recommender.Recommend(severity, categories),
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
		SeverityChangedAt: now,
	}
	t := Transition{Kind: KindOpened}
	t.Records = append(t.Records, record(next, model.ActionCrisisOpened, model.ActorSystem, now,
		fmt.Sprintf("severity=%s trigger=%s", severity, in.TriggerType)))

	if severity.RequiresEscalation() {
		m.escalateInPlace(next, now)
		t.AutoEscalated = true
		t.Records = append(t.Records, record(next, model.ActionEscalated, model.ActorSystem, now,
			fmt.Sprintf("automatic: severity %s", severity)))
	}

	err := m.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		if err := sp.CrisisEvents().Create(ctx, next); err != nil {
			return err
		}
		return appendAll(ctx, sp, t.Records)
	})
	if err != nil {
		return Transition{}, fmt.Errorf("persisting new crisis event: %w", err)
	}

	s.active = next
	m.index(next.ID, next.UserID)
	t.Event = next.Clone()

	slog.InfoContext(m.eventContext(ctx, next), "crisis event opened",
		"severity", next.Severity,
		"trigger_type", next.TriggerType,
		"auto_escalated", t.AutoEscalated)
	return t, nil
}

func (m *Machine) update(ctx context.Context, s *slot, in DetectInput, severity model.Severity, now time.Time) (Transition, error) {
	cur := s.active
	next := cur.Clone()
	next.Categories = mergeCategories(cur.Categories, in.Categories)
	next.Version++
	next.UpdatedAt = now

	t := Transition{Previous: cur.Clone()}
	switch {
	case severity.Rank() > cur.Severity.Rank():
		t.Kind = KindSeverityRaised
		next.Severity = severity
		next.SeverityChangedAt = now
		t.Records = append(t.Records, record(next, model.ActionSeverityRaised, model.ActorSystem, now,
			fmt.Sprintf("%s -> %s", cur.Severity, severity)))
	case severity.Rank() < cur.Severity.Rank() && now.Sub(cur.SeverityChangedAt) >= m.cfg.Cooldown:
		t.Kind = KindSeverityLowered
		next.Severity = severity
		next.SeverityChangedAt = now
		t.Records = append(t.Records, record(next, model.ActionSeverityLowered, model.ActorSystem, now,
			fmt.Sprintf("%s -> %s after cooldown", cur.Severity, severity)))
	case severity.Rank() < cur.Severity.Rank():
		t.Kind = KindSeverityHeld
		t.Records = append(t.Records, record(next, model.ActionSeverityHeld, model.ActorSystem, now,
			fmt.Sprintf("detected %s, holding %s until %s", severity, cur.Severity,
				cur.SeverityChangedAt.Add(m.cfg.Cooldown).Format(time.RFC3339))))
	default:
		t.Kind = KindRedetected
		t.Records = append(t.Records, record(next, model.ActionRedetected, model.ActorSystem, now,
			fmt.Sprintf("severity=%s", severity)))
	}
	next.Recommendations = m.recommender.Recommend(next.Severity, next.Categories)

	if next.Status == model.CrisisStatusOpen && next.Severity.RequiresEscalation() {
		m.escalateInPlace(next, now)
		t.AutoEscalated = true
		t.Records = append(t.Records, record(next, model.ActionEscalated, model.ActorSystem, now,
			fmt.Sprintf("automatic: severity %s", next.Severity)))
	}

	if err := m.persist(ctx, s, next, cur.Version, t.Records); err != nil {
		return Transition{}, err
	}
	t.Event = next.Clone()

	slog.InfoContext(m.eventContext(ctx, next), "crisis event updated",
		"transition", t.Kind,
		"severity", next.Severity,
		"previous_severity", cur.Severity,
		"version", next.Version,
		"auto_escalated", t.AutoEscalated)
	return t, nil
}

// Escalate moves an open event to escalated. Escalating an escalated event
// changes nothing but is still recorded.
func (m *Machine) Escalate(ctx context.Context, eventID int64, reason string, expectedVersion *int64) (Transition, error) {
	s, err := m.lockActive(ctx, eventID)
	if err != nil {
		return Transition{}, err
	}
	defer m.unlock(s)

	cur := s.active
	if err := checkVersion(cur, expectedVersion); err != nil {
		return Transition{}, err
	}
	now := m.now()
	if reason == "" {
		reason = "manual"
	}

	if cur.Status == model.CrisisStatusEscalated {
		rec := record(cur, model.ActionEscalateNoop, model.ActorSystem, now, reason)
		err := m.txRunner.WithTx(ctx, func(sp StoreProvider) error {
			_, err := sp.Interventions().Append(ctx, rec)
			return err
		})
		if err != nil {
			return Transition{}, fmt.Errorf("recording escalate no-op: %w", err)
		}
		slog.InfoContext(m.eventContext(ctx, cur), "crisis event already escalated", "reason", reason)
		return Transition{Kind: KindEscalateNoop, Event: cur.Clone(), Previous: cur.Clone(), Records: []model.InterventionRecord{rec}}, nil
	}

	next := cur.Clone()
	m.escalateInPlace(next, now)
	next.UpdatedAt = now
	rec := record(next, model.ActionEscalated, model.ActorSystem, now, reason)
	if err := m.persist(ctx, s, next, cur.Version, []model.InterventionRecord{rec}); err != nil {
		return Transition{}, err
	}

	slog.InfoContext(m.eventContext(ctx, next), "crisis event escalated", "reason", reason, "version", next.Version)
	return Transition{Kind: KindEscalated, Event: next.Clone(), Previous: cur.Clone(), Records: []model.InterventionRecord{rec}}, nil
}

// Resolve closes an active event. A method is required; resolvedAt defaults to now.
func (m *Machine) Resolve(ctx context.Context, in ResolveInput) (Transition, error) {
	if in.Method == "" {
		return Transition{}, model.NewValidationError("resolutionMethod", "is required")
	}

	s, err := m.lockActive(ctx, in.EventID)
	if err != nil {
		return Transition{}, err
	}
	defer m.unlock(s)

	cur := s.active
	if err := checkVersion(cur, in.ExpectedVersion); err != nil {
		return Transition{}, err
	}

	now := m.now()
	resolvedAt := now
	if in.ResolvedAt != nil {
		resolvedAt = in.ResolvedAt.UTC()
	}
	if resolvedAt.Before(cur.CreatedAt) {
		return Transition{}, model.NewValidationError("resolvedAt", "is before the event was created")
	}
	actor := in.Actor
	if actor == "" {
		actor = model.ActorUser
	}

	next := cur.Clone()
	method := in.Method
	next.Status = model.CrisisStatusResolved
	next.ResolvedAt = &resolvedAt
	next.ResolutionMethod = &method
	next.Version++
	next.UpdatedAt = now

	rec := record(next, model.ActionResolved, actor, now, method)
	if err := m.persist(ctx, s, next, cur.Version, []model.InterventionRecord{rec}); err != nil {
		return Transition{}, err
	}
	s.active = nil
	m.unindex(next.ID)

	slog.InfoContext(m.eventContext(ctx, next), "crisis event resolved", "resolution_method", method)
	return Transition{Kind: KindResolved, Event: next.Clone(), Previous: cur.Clone(), Records: []model.InterventionRecord{rec}}, nil
}

// ExpireStale auto-closes active events with no transition for maxAge.
func (m *Machine) ExpireStale(ctx context.Context, maxAge time.Duration) ([]Transition, error) {
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	candidates := make([]int64, 0, len(m.byEvent))
	for eventID := range m.byEvent {
		candidates = append(candidates, eventID)
	}
	m.mu.Unlock()
	slices.Sort(candidates)

	var (
		out  []Transition
		errs []error
	)
	for _, eventID := range candidates {
		e, ok := m.activeByID(eventID)
		if !ok || !e.UpdatedAt.Before(cutoff) {
			continue
		}
		v := e.Version
		t, err := m.Resolve(ctx, ResolveInput{
			EventID:         eventID,
			Method:          model.ResolutionTimeoutAutoClose,
			ExpectedVersion: &v,
			Actor:           model.ActorSystem,
		})
		if err != nil {
			// a concurrent transition touched the event, so it is no longer stale
			if errors.Is(err, model.ErrStaleTransition) || errors.Is(err, model.ErrInvalidTransition) {
				continue
			}
			errs = append(errs, fmt.Errorf("auto-closing %d: %w", eventID, err))
			continue
		}
		out = append(out, t)
	}
	return out, errors.Join(errs...)
}

// Active returns the user's active event, if any.
func (m *Machine) Active(userID string) []model.CrisisEvent {
	s := m.lockSlot(userID, false)
	if s == nil {
		return []model.CrisisEvent{}
	}
	defer s.mu.Unlock()
	if s.active == nil {
		return []model.CrisisEvent{}
	}
	return []model.CrisisEvent{*s.active.Clone()}
}

// TrackedUsers reports how many users currently hold a slot.
func (m *Machine) TrackedUsers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

func (m *Machine) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byEvent)
}

// Get returns an event by id, active or not.
func (m *Machine) Get(ctx context.Context, eventID int64) (*model.CrisisEvent, error) {
	if e, ok := m.activeByID(eventID); ok {
		return e, nil
	}
	e, err := m.stores.CrisisEvents().GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("getting crisis event: %w", err)
	}
	return e, nil
}

func (m *Machine) activeByID(eventID int64) (*model.CrisisEvent, bool) {
	userID, ok := m.userFor(eventID)
	if !ok {
		return nil, false
	}
	s := m.lockSlot(userID, false)
	if s == nil {
		return nil, false
	}
	defer s.mu.Unlock()
	if s.active == nil || s.active.ID != eventID {
		return nil, false
	}
	return s.active.Clone(), true
}

// lockActive returns the locked slot holding eventID as its active event.
// Unknown ids yield ErrNotFound; known but resolved ids yield ErrInvalidTransition.
func (m *Machine) lockActive(ctx context.Context, eventID int64) (*slot, error) {
	if userID, ok := m.userFor(eventID); ok {
		if s := m.lockSlot(userID, false); s != nil {
			if s.active != nil && s.active.ID == eventID {
				return s, nil
			}
			s.mu.Unlock()
		}
	}

	e, err := m.stores.CrisisEvents().GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("getting crisis event: %w", err)
	}
	return nil, fmt.Errorf("crisis event %d is %s: %w", eventID, e.Status, model.ErrInvalidTransition)
}

// persist writes next guarded by prevVersion together with its audit records,
// and swaps it into the slot only after commit.
func (m *Machine) persist(ctx context.Context, s *slot, next *model.CrisisEvent, prevVersion int64, records []model.InterventionRecord) error {
	err := m.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		if err := sp.CrisisEvents().Update(ctx, next, prevVersion); err != nil {
			return err
		}
		return appendAll(ctx, sp, records)
	})
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			m.refresh(ctx, s, next.ID)
			return fmt.Errorf("crisis event %d changed concurrently: %w", next.ID, model.ErrStaleTransition)
		}
		return fmt.Errorf("persisting crisis transition: %w", err)
	}
	s.active = next
	return nil
}

// refresh reloads a slot after another writer won a version race. Caller holds s.mu.
func (m *Machine) refresh(ctx context.Context, s *slot, eventID int64) {
	e, err := m.stores.CrisisEvents().GetByID(ctx, eventID)
	if err != nil {
		slog.WarnContext(ctx, "failed to refresh crisis event after version conflict", "error", err, "crisis_event_id", eventID)
		return
	}
	if e.IsActive() {
		s.active = e
		return
	}
	s.active = nil
	m.unindex(eventID)
}

func (m *Machine) escalateInPlace(e *model.CrisisEvent, now time.Time) {
	e.Status = model.CrisisStatusEscalated
	e.EscalatedAt = &now
	e.Version++
}

func (m *Machine) eventContext(ctx context.Context, e *model.CrisisEvent) context.Context {
	eventID, userID := e.ID, e.UserID
	return logger.WithLogFields(ctx, logger.LogFields{
		CrisisEventID: &eventID,
		UserID:        &userID,
		Component:     "crisis.machine",
	})
}

func checkVersion(cur *model.CrisisEvent, expected *int64) error {
	if expected == nil {
		return nil
	}
	var have int64
	if cur != nil {
		have = cur.Version
	}
	if have != *expected {
		return fmt.Errorf("expected version %d, current %d: %w", *expected, have, model.ErrStaleTransition)
	}
	return nil
}

func appendAll(ctx context.Context, sp StoreProvider, records []model.InterventionRecord) error {
	for _, r := range records {
		if _, err := sp.Interventions().Append(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func record(e *model.CrisisEvent, action, actor string, at time.Time, note string) model.InterventionRecord {
	r := model.InterventionRecord{
		ID:            id.New(),
		CrisisEventID: e.ID,
		Action:        action,
		Actor:         actor,
		Timestamp:     at,
	}
	if note != "" {
		r.OutcomeNote = &note
	}
	return r
}

func mergeCategories(existing, added []model.RiskCategory) []model.RiskCategory {
	out := slices.Clone(existing)
	if out == nil {
		out = []model.RiskCategory{}
	}
	for _, c := range added {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}
