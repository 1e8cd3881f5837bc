package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"astralcore.app/crisis/common/id"
	"astralcore.app/crisis/common/logger"
	"astralcore.app/crisis/internal/classify"
	"astralcore.app/crisis/internal/crisis"
	"astralcore.app/crisis/internal/dispatch"
	"astralcore.app/crisis/internal/metrics"
	"astralcore.app/crisis/internal/model"
	"astralcore.app/crisis/internal/store"
)

type Detector interface {
	Extract(text string) []model.RiskSignal
}

type SeverityClassifier interface {
	Classify(signals []model.RiskSignal, trend *classify.Trend) model.Severity
	Config() classify.Config
}

// StateMachine is the transition API of crisis.Machine.
type StateMachine interface {
	Detect(ctx context.Context, in crisis.DetectInput) (crisis.Transition, error)
	Escalate(ctx context.Context, eventID int64, reason string, expectedVersion *int64) (crisis.Transition, error)
	Resolve(ctx context.Context, in crisis.ResolveInput) (crisis.Transition, error)
	ExpireStale(ctx context.Context, maxAge time.Duration) ([]crisis.Transition, error)
	Active(userID string) []model.CrisisEvent
	ActiveCount() int
	Get(ctx context.Context, eventID int64) (*model.CrisisEvent, error)
}

type AlertDispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Report
}

type CreateParams struct {
	UserID          string
	Text            *string
	Severity        *model.Severity
	TriggerType     model.TriggerType
	RecentMoods     []model.MoodSample
	ExpectedVersion *int64
}

type CreateResult struct {
	Event         *model.CrisisEvent
	Transition    crisis.TransitionKind
	AutoEscalated bool
	Signals       []model.RiskSignal
	Deliveries    []model.DeliveryResult
}

// A non-empty Owner on ResolveParams, EscalateParams or RecordInterventionParams
// must match the event's user; other users get ErrNotFound.
type ResolveParams struct {
	CrisisEventID   int64
	Owner           string
	Method          string
	ResolvedAt      *time.Time
	ExpectedVersion *int64
	Actor           string
}

type EscalateParams struct {
	CrisisEventID   int64
	Owner           string
	Reason          string
	ExpectedVersion *int64
}

type TransitionResult struct {
	Event      *model.CrisisEvent
	Transition crisis.TransitionKind
	Deliveries []model.DeliveryResult
}

type RecordInterventionParams struct {
	CrisisEventID int64
	Owner         string
	Action        string
	Actor         string
	OutcomeNote   *string
}

type CrisisService interface {
	Create(ctx context.Context, params CreateParams) (*CreateResult, error)
	Active(ctx context.Context, userID string) ([]model.CrisisEvent, error)
	Escalate(ctx context.Context, params EscalateParams) (*TransitionResult, error)
	Resolve(ctx context.Context, params ResolveParams) (*TransitionResult, error)
	Interventions(ctx context.Context, crisisEventID int64) ([]model.InterventionRecord, error)
	RecordIntervention(ctx context.Context, params RecordInterventionParams) (*model.InterventionRecord, error)
	ExpireStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// engine-owned actions cannot be recorded through the intervention API
var reservedActions = map[string]bool{
	model.ActionCrisisOpened:        true,
	model.ActionSeverityRaised:      true,
	model.ActionSeverityHeld:        true,
	model.ActionSeverityLowered:     true,
	model.ActionRedetected:          true,
	model.ActionEscalated:           true,
	model.ActionEscalateNoop:        true,
	model.ActionResolved:            true,
	model.ActionAlertDispatched:     true,
	model.ActionEscalationQueued:    true,
	model.ActionEscalationDelivered: true,
	model.ActionDeliveryFailed:      true,
}

type crisisService struct {
	detector   Detector
	classifier SeverityClassifier
	machine    StateMachine
	dispatcher AlertDispatcher
	txRunner   TxRunner
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewCrisisService(
	detector Detector,
	classifier SeverityClassifier,
	machine StateMachine,
	dispatcher AlertDispatcher,
	txRunner TxRunner,
	m *metrics.Metrics,
) CrisisService {
	return &crisisService{
		detector:   detector,
		classifier: classifier,
		machine:    machine,
		dispatcher: dispatcher,
		txRunner:   txRunner,
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *crisisService) Create(ctx context.Context, params CreateParams) (*CreateResult, error) {
	if err := validateCreate(params); err != nil {
		return nil, err
	}
	userID := params.UserID
	ctx = logger.WithLogFields(ctx, logger.LogFields{UserID: &userID, Component: "crisis.service"})

	sc := logger.StartSpan(ctx, "crisis.create",
		trace.WithAttributes(attribute.String("crisis.trigger_type", string(params.TriggerType))))
	defer sc.End()
	ctx = sc.Context()

	var (
		severity   model.Severity
		signals    []model.RiskSignal
		categories []model.RiskCategory
	)
	if params.Text != nil {
		signals = s.detector.Extract(*params.Text)
		trend := classify.TrendFromSamples(params.RecentMoods, s.now(), s.classifier.Config().Trend.Window)
		severity = s.classifier.Classify(signals, trend)
		for _, sig := range signals {
			categories = append(categories, sig.Category)
		}
		slog.DebugContext(ctx, "text classified",
			"severity", severity,
			"signals", len(signals),
			"trend_declining", trend.Declining(s.classifier.Config().Trend))
	} else {
		severity = *params.Severity
		signals = []model.RiskSignal{}
	}
	s.metrics.ObserveDetection(string(severity), string(params.TriggerType))
	sc.Span().SetAttributes(attribute.String("crisis.severity", string(severity)))

	t, err := s.machine.Detect(ctx, crisis.DetectInput{
		UserID:          params.UserID,
		Severity:        severity,
		TriggerType:     params.TriggerType,
		Categories:      categories,
		ExpectedVersion: params.ExpectedVersion,
	})
	if err != nil {
		sc.RecordError(err)
		return nil, err
	}
	s.observe(t)

	report := s.dispatch(ctx, t, escalationReason(t))
	return &CreateResult{
		Event:         t.Event,
		Transition:    t.Kind,
		AutoEscalated: t.AutoEscalated,
		Signals:       signals,
		Deliveries:    report.Results,
	}, nil
}

func (s *crisisService) Active(_ context.Context, userID string) ([]model.CrisisEvent, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, model.NewValidationError("userId", "is required")
	}
	return s.machine.Active(userID), nil
}

func (s *crisisService) Escalate(ctx context.Context, params EscalateParams) (*TransitionResult, error) {
	if params.CrisisEventID == 0 {
		return nil, model.NewValidationError("crisisEventId", "is required")
	}
	reason := strings.TrimSpace(params.Reason)
	if reason == "" {
		reason = "manual"
	}
	if err := s.checkOwner(ctx, params.CrisisEventID, params.Owner); err != nil {
		return nil, err
	}

	t, err := s.machine.Escalate(ctx, params.CrisisEventID, reason, params.ExpectedVersion)
	if err != nil {
		return nil, err
	}
	s.observe(t)

	res := &TransitionResult{Event: t.Event, Transition: t.Kind}
	if t.Kind == crisis.KindEscalated {
		res.Deliveries = s.dispatch(ctx, t, reason).Results
	}
	return res, nil
}

func (s *crisisService) Resolve(ctx context.Context, params ResolveParams) (*TransitionResult, error) {
	if params.CrisisEventID == 0 {
		return nil, model.NewValidationError("crisisEventId", "is required")
	}
	if err := s.checkOwner(ctx, params.CrisisEventID, params.Owner); err != nil {
		return nil, err
	}
	t, err := s.machine.Resolve(ctx, crisis.ResolveInput{
		EventID:         params.CrisisEventID,
		Method:          strings.TrimSpace(params.Method),
		ResolvedAt:      params.ResolvedAt,
		ExpectedVersion: params.ExpectedVersion,
		Actor:           params.Actor,
	})
	if err != nil {
		return nil, err
	}
	s.observe(t)

	report := s.dispatch(ctx, t, "")
	return &TransitionResult{Event: t.Event, Transition: t.Kind, Deliveries: report.Results}, nil
}

func (s *crisisService) Interventions(ctx context.Context, crisisEventID int64) ([]model.InterventionRecord, error) {
	var records []model.InterventionRecord
	err := s.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		if _, err := sp.CrisisEvents().GetByID(ctx, crisisEventID); err != nil {
			return err
		}
		var err error
		records, err = sp.Interventions().ListByCrisisEvent(ctx, crisisEventID)
		return err
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if records == nil {
		records = []model.InterventionRecord{}
	}
	return records, nil
}

// RecordIntervention stores a caller-reported action (resource shown, call
// placed, outcome) for effectiveness tracking.
func (s *crisisService) RecordIntervention(ctx context.Context, params RecordInterventionParams) (*model.InterventionRecord, error) {
	action := strings.TrimSpace(params.Action)
	if action == "" {
		return nil, model.NewValidationError("action", "is required")
	}
	if reservedActions[action] {
		return nil, model.NewValidationError("action", fmt.Sprintf("%q is recorded by the engine", action))
	}
	actor := params.Actor
	if actor == "" {
		actor = model.ActorHelper
	}

	rec := model.InterventionRecord{
		ID:            id.New(),
		CrisisEventID: params.CrisisEventID,
		Action:        action,
		Actor:         actor,
		OutcomeNote:   params.OutcomeNote,
		Timestamp:     s.now(),
	}
	err := s.txRunner.WithTx(ctx, func(sp StoreProvider) error {
		e, err := sp.CrisisEvents().GetByID(ctx, params.CrisisEventID)
		if err != nil {
			return err
		}
		if params.Owner != "" && e.UserID != params.Owner {
			return store.ErrNotFound
		}
		ack, err := sp.Interventions().Append(ctx, rec)
		if err != nil {
			return err
		}
		rec = ack.Record
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &rec, nil
}

// checkOwner hides events of other users behind ErrNotFound. An event's user
// never changes, so the check holds for the transition that follows.
func (s *crisisService) checkOwner(ctx context.Context, eventID int64, owner string) error {
	if owner == "" {
		return nil
	}
	e, err := s.machine.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if e.UserID != owner {
		return model.ErrNotFound
	}
	return nil
}

// ExpireStale auto-closes events with no activity for maxAge and dispatches
// each closure.
func (s *crisisService) ExpireStale(ctx context.Context, maxAge time.Duration) (int, error) {
	ts, err := s.machine.ExpireStale(ctx, maxAge)
	for _, t := range ts {
		s.observe(t)
		s.dispatch(ctx, t, "")
	}
	if len(ts) > 0 {
		slog.InfoContext(ctx, "auto-closed stale crisis events", "count", len(ts))
	}
	return len(ts), err
}

func (s *crisisService) dispatch(ctx context.Context, t crisis.Transition, reason string) dispatch.Report {
	escalate := t.Escalated() ||
		(t.Event.Status == model.CrisisStatusEscalated && t.Kind == crisis.KindSeverityRaised)
	return s.dispatcher.Dispatch(ctx, dispatch.Request{
		Event:    t.Event,
		Escalate: escalate,
		Reason:   reason,
	})
}

func (s *crisisService) observe(t crisis.Transition) {
	s.metrics.ObserveTransition(string(t.Kind))
	if t.AutoEscalated {
		s.metrics.ObserveTransition(string(crisis.KindEscalated))
	}
	s.metrics.SetActiveEvents(s.machine.ActiveCount())
}

func escalationReason(t crisis.Transition) string {
	switch {
	case t.AutoEscalated:
		return fmt.Sprintf("automatic: severity %s", t.Event.Severity)
	case t.Kind == crisis.KindSeverityRaised:
		return fmt.Sprintf("severity raised to %s", t.Event.Severity)
	default:
		return ""
	}
}

func validateCreate(p CreateParams) error {
	if strings.TrimSpace(p.UserID) == "" {
		return model.NewValidationError("userId", "is required")
	}
	if !p.TriggerType.IsValid() {
		return model.NewValidationError("triggerType", "must be manual or detected")
	}
	switch {
	case p.Text == nil && p.Severity == nil:
		return model.NewValidationError("text", "text or severity is required")
	case p.Text != nil && p.Severity != nil:
		return model.NewValidationError("severity", "cannot be combined with text")
	case p.Severity != nil:
		if p.TriggerType != model.TriggerTypeManual {
			return model.NewValidationError("severity", "requires triggerType manual")
		}
		if !p.Severity.IsValid() {
			return model.NewValidationError("severity", "must be low, medium, high or critical")
		}
	}
	for i, m := range p.RecentMoods {
		if m.RecordedAt.IsZero() {
			return model.NewValidationError(fmt.Sprintf("recentMoods[%d].recordedAt", i), "is required")
		}
	}
	return nil
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return model.ErrNotFound
	}
	return fmt.Errorf("crisis store: %w", err)
}
