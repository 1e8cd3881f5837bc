package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"astralcore.app/crisis/internal/crisis"
	"astralcore.app/crisis/internal/dispatch"
	"astralcore.app/crisis/internal/http/handler"
	"astralcore.app/crisis/internal/http/router"
	"astralcore.app/crisis/internal/model"
	"astralcore.app/crisis/internal/service"
)

const userHeader = "X-User-ID"

var _ = Describe("CrisisHandler", func() {
	var (
		engine *gin.Engine
		svc    *mockCrisisService
		hub    *dispatch.Hub
		now    time.Time
	)

	BeforeEach(func() {
		engine = gin.New()
		svc = &mockCrisisService{}
		hub = dispatch.NewHub()
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		h := handler.NewCrisisHandler(svc, hub, time.Hour)
		router.CrisisRouter(engine.Group("/crisis"), h, userHeader)
	})

	do := func(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
		var buf *bytes.Buffer
		switch b := body.(type) {
		case nil:
			buf = &bytes.Buffer{}
		case string:
			buf = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			Expect(err).NotTo(HaveOccurred())
			buf = bytes.NewBuffer(raw)
		}
		req := httptest.NewRequest(method, path, buf)
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		return w
	}

	decode := func(w *httptest.ResponseRecorder) map[string]any {
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		return resp
	}

	event := func(status model.CrisisStatus, version int64) *model.CrisisEvent {
		return &model.CrisisEvent{
			ID:          42,
			UserID:      "u1",
			Severity:    model.SeverityHigh,
			TriggerType: model.TriggerTypeDetected,
			Status:      status,
			Version:     version,
			Recommendations: []model.ResourceRecommendation{
				{Action: "Call 988", Priority: 100, Channel: model.ChannelEmergency},
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	Describe("Create", func() {
		It("returns 201 with the event snapshot and delivery statuses", func() {
			var got service.CreateParams
			svc.createFn = func(_ context.Context, params service.CreateParams) (*service.CreateResult, error) {
				got = params
				return &service.CreateResult{
					Event:         event(model.CrisisStatusEscalated, 2),
					AutoEscalated: true,
					Deliveries: []model.DeliveryResult{
						{Channel: model.DeliveryChannelUI, Status: model.DeliveryStatusDelivered, Attempts: 1},
						{
							Channel:  model.DeliveryChannelEscalation,
							Status:   model.DeliveryStatusTransientFailure,
							Attempts: 1,
							Queued:   true,
							Error:    "dial tcp redis:6379: connection refused",
						},
					},
				}, nil
			}

			w := do(http.MethodPost, "/crisis/create", map[string]any{
				"userId":      "u1",
				"text":        "i want to end my life",
				"triggerType": "detected",
				"recentMoods": []map[string]any{{"value": 3, "recordedAt": now}},
			}, nil)

			Expect(w.Code).To(Equal(http.StatusCreated))
			Expect(got.UserID).To(Equal("u1"))
			Expect(*got.Text).To(Equal("i want to end my life"))
			Expect(got.TriggerType).To(Equal(model.TriggerTypeDetected))
			Expect(got.RecentMoods).To(HaveLen(1))
			Expect(got.Severity).To(BeNil())

			resp := decode(w)
			Expect(resp["crisisEventId"]).To(Equal("42"))
			Expect(resp["status"]).To(Equal("escalated"))
			Expect(resp["autoEscalated"]).To(BeTrue())
			Expect(resp["version"]).To(BeEquivalentTo(2))
			Expect(resp["recommendations"]).To(HaveLen(1))
			Expect(resp["deliveries"]).To(HaveLen(2))
			Expect(w.Body.String()).NotTo(ContainSubstring("redis"))
		})

		It("parses a manual severity", func() {
			var got service.CreateParams
			svc.createFn = func(_ context.Context, params service.CreateParams) (*service.CreateResult, error) {
				got = params
				return &service.CreateResult{Event: event(model.CrisisStatusOpen, 1)}, nil
			}

			w := do(http.MethodPost, "/crisis/create", map[string]any{
				"userId":      "u1",
				"severity":    "High",
				"triggerType": "manual",
			}, nil)

			Expect(w.Code).To(Equal(http.StatusCreated))
			Expect(*got.Severity).To(Equal(model.SeverityHigh))
			Expect(got.TriggerType).To(Equal(model.TriggerTypeManual))
		})

		It("falls back to the gateway user id", func() {
			var got service.CreateParams
			svc.createFn = func(_ context.Context, params service.CreateParams) (*service.CreateResult, error) {
				got = params
				return &service.CreateResult{Event: event(model.CrisisStatusOpen, 1)}, nil
			}

			w := do(http.MethodPost, "/crisis/create", map[string]any{
				"severity":    "low",
				"triggerType": "manual",
			}, map[string]string{userHeader: "u9"})

			Expect(w.Code).To(Equal(http.StatusCreated))
			Expect(got.UserID).To(Equal("u9"))
		})

		It("returns 400 on a malformed body", func() {
			w := do(http.MethodPost, "/crisis/create", `{`, nil)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 400 on an unknown severity without calling the service", func() {
			called := false
			svc.createFn = func(context.Context, service.CreateParams) (*service.CreateResult, error) {
				called = true
				return nil, nil
			}

			w := do(http.MethodPost, "/crisis/create", map[string]any{
				"userId":      "u1",
				"severity":    "extreme",
				"triggerType": "manual",
			}, nil)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(called).To(BeFalse())
		})

		It("returns 400 with the field on a validation error", func() {
			svc.createFn = func(context.Context, service.CreateParams) (*service.CreateResult, error) {
				return nil, model.NewValidationError("text", "text or severity is required")
			}

			w := do(http.MethodPost, "/crisis/create", map[string]any{
				"userId":      "u1",
				"triggerType": "detected",
			}, nil)

			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(decode(w)["error"]).To(ContainSubstring("text"))
		})

		It("returns 409 on a stale expected version", func() {
			svc.createFn = func(context.Context, service.CreateParams) (*service.CreateResult, error) {
				return nil, fmt.Errorf("detect: %w", model.ErrStaleTransition)
			}

			w := do(http.MethodPost, "/crisis/create", map[string]any{
				"userId":          "u1",
				"text":            "hello",
				"triggerType":     "detected",
				"expectedVersion": 3,
			}, nil)

			Expect(w.Code).To(Equal(http.StatusConflict))
		})

		It("returns 500 without leaking the cause", func() {
			svc.createFn = func(context.Context, service.CreateParams) (*service.CreateResult, error) {
				return nil, errors.New("pgx: connection reset")
			}

			w := do(http.MethodPost, "/crisis/create", map[string]any{
				"userId":      "u1",
				"text":        "hello",
				"triggerType": "detected",
			}, nil)

			Expect(w.Code).To(Equal(http.StatusInternalServerError))
			Expect(w.Body.String()).NotTo(ContainSubstring("pgx"))
		})
	})

	Describe("Active", func() {
		It("requires the user header", func() {
			w := do(http.MethodGet, "/crisis/active", nil, nil)
			Expect(w.Code).To(Equal(http.StatusUnauthorized))
		})

		It("lists the caller's active events", func() {
			svc.activeFn = func(_ context.Context, userID string) ([]model.CrisisEvent, error) {
				Expect(userID).To(Equal("u1"))
				return []model.CrisisEvent{*event(model.CrisisStatusOpen, 1)}, nil
			}

			w := do(http.MethodGet, "/crisis/active", nil, map[string]string{userHeader: "u1"})

			Expect(w.Code).To(Equal(http.StatusOK))
			resp := decode(w)
			Expect(resp["count"]).To(BeEquivalentTo(1))
			Expect(resp["events"]).To(HaveLen(1))
		})

		It("returns an empty list rather than null", func() {
			w := do(http.MethodGet, "/crisis/active", nil, map[string]string{userHeader: "u1"})

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(ContainSubstring(`"events":[]`))
		})
	})

	Describe("Resolve", func() {
		It("returns the resolution", func() {
			resolvedAt := now.Add(time.Hour)
			method := model.ResolutionUserConfirmedSafe
			var got service.ResolveParams
			svc.resolveFn = func(_ context.Context, params service.ResolveParams) (*service.TransitionResult, error) {
				got = params
				e := event(model.CrisisStatusResolved, 3)
				e.ResolvedAt = &resolvedAt
				e.ResolutionMethod = &method
				return &service.TransitionResult{Event: e, Transition: crisis.KindResolved}, nil
			}

			w := do(http.MethodPost, "/crisis/resolve", map[string]any{
				"crisisEventId":    "42",
				"resolutionMethod": method,
			}, map[string]string{userHeader: "u1"})

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(got.CrisisEventID).To(Equal(int64(42)))
			Expect(got.Owner).To(Equal("u1"))
			Expect(got.Actor).To(Equal(model.ActorUser))
			resp := decode(w)
			Expect(resp["crisisEventId"]).To(Equal("42"))
			Expect(resp["resolutionMethod"]).To(Equal(method))
			Expect(resp["resolvedAt"]).To(Equal(resolvedAt.Format(time.RFC3339)))
		})

		It("returns 400 when the method is missing", func() {
			w := do(http.MethodPost, "/crisis/resolve", map[string]any{"crisisEventId": "42"}, nil)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 404 for an unknown event", func() {
			svc.resolveFn = func(context.Context, service.ResolveParams) (*service.TransitionResult, error) {
				return nil, model.ErrNotFound
			}

			w := do(http.MethodPost, "/crisis/resolve", map[string]any{
				"crisisEventId":    "7",
				"resolutionMethod": "helper-intervention",
			}, nil)

			Expect(w.Code).To(Equal(http.StatusNotFound))
		})

		It("returns 409 when the event is already resolved", func() {
			svc.resolveFn = func(context.Context, service.ResolveParams) (*service.TransitionResult, error) {
				return nil, model.ErrInvalidTransition
			}

			w := do(http.MethodPost, "/crisis/resolve", map[string]any{
				"crisisEventId":    "42",
				"resolutionMethod": "helper-intervention",
			}, nil)

			Expect(w.Code).To(Equal(http.StatusConflict))
		})
	})

	Describe("Escalate", func() {
		It("reports a no-op escalation", func() {
			svc.escalateFn = func(_ context.Context, params service.EscalateParams) (*service.TransitionResult, error) {
				Expect(params.Reason).To(Equal("helper request"))
				return &service.TransitionResult{
					Event:      event(model.CrisisStatusEscalated, 2),
					Transition: crisis.KindEscalateNoop,
				}, nil
			}

			w := do(http.MethodPost, "/crisis/escalate", map[string]any{
				"crisisEventId": "42",
				"reason":        "helper request",
			}, nil)

			Expect(w.Code).To(Equal(http.StatusOK))
			resp := decode(w)
			Expect(resp["noop"]).To(BeTrue())
			Expect(resp["deliveries"]).To(BeEmpty())
		})
	})

	Describe("event ownership", func() {
		hideOthers := func(owner string) error {
			if owner != "" && owner != "u1" {
				return model.ErrNotFound
			}
			return nil
		}

		BeforeEach(func() {
			svc.resolveFn = func(_ context.Context, params service.ResolveParams) (*service.TransitionResult, error) {
				if err := hideOthers(params.Owner); err != nil {
					return nil, err
				}
				return &service.TransitionResult{Event: event(model.CrisisStatusResolved, 3), Transition: crisis.KindResolved}, nil
			}
			svc.escalateFn = func(_ context.Context, params service.EscalateParams) (*service.TransitionResult, error) {
				if err := hideOthers(params.Owner); err != nil {
					return nil, err
				}
				return &service.TransitionResult{Event: event(model.CrisisStatusEscalated, 2), Transition: crisis.KindEscalated}, nil
			}
			svc.recordInterventionFn = func(_ context.Context, params service.RecordInterventionParams) (*model.InterventionRecord, error) {
				if err := hideOthers(params.Owner); err != nil {
					return nil, err
				}
				return &model.InterventionRecord{ID: 9, CrisisEventID: params.CrisisEventID, Action: params.Action, Actor: params.Actor, Timestamp: now}, nil
			}
		})

		DescribeTable("passes the caller as owner and maps a foreign event to 404",
			func(method, path string, body map[string]any) {
				w := do(method, path, body, map[string]string{userHeader: "u2"})
				Expect(w.Code).To(Equal(http.StatusNotFound))

				w = do(method, path, body, map[string]string{userHeader: "u1"})
				Expect(w.Code).To(BeNumerically("<", 300))

				w = do(method, path, body, nil)
				Expect(w.Code).To(BeNumerically("<", 300))
			},
			Entry("resolve", http.MethodPost, "/crisis/resolve", map[string]any{"crisisEventId": "42", "resolutionMethod": "user-confirmed-safe"}),
			Entry("escalate", http.MethodPost, "/crisis/escalate", map[string]any{"crisisEventId": "42"}),
			Entry("record intervention", http.MethodPost, "/crisis/42/interventions", map[string]any{"action": "call-placed"}),
		)
	})

	Describe("Interventions", func() {
		It("rejects a non-numeric id", func() {
			w := do(http.MethodGet, "/crisis/abc/interventions", nil, nil)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("lists records", func() {
			svc.interventionsFn = func(_ context.Context, id int64) ([]model.InterventionRecord, error) {
				Expect(id).To(Equal(int64(42)))
				return []model.InterventionRecord{
					{ID: 1, CrisisEventID: 42, Action: model.ActionCrisisOpened, Actor: model.ActorSystem, Timestamp: now},
					{ID: 2, CrisisEventID: 42, Action: model.ActionAlertDispatched, Actor: model.ActorSystem, Timestamp: now},
				}, nil
			}

			w := do(http.MethodGet, "/crisis/42/interventions", nil, nil)

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)["count"]).To(BeEquivalentTo(2))
		})

		It("records a caller action", func() {
			var got service.RecordInterventionParams
			svc.recordInterventionFn = func(_ context.Context, params service.RecordInterventionParams) (*model.InterventionRecord, error) {
				got = params
				return &model.InterventionRecord{
					ID:            9,
					CrisisEventID: params.CrisisEventID,
					Action:        params.Action,
					Actor:         params.Actor,
					OutcomeNote:   params.OutcomeNote,
					Timestamp:     now,
				}, nil
			}

			w := do(http.MethodPost, "/crisis/42/interventions", map[string]any{
				"action":      "breathing-exercise-shown",
				"outcomeNote": "completed",
			}, nil)

			Expect(w.Code).To(Equal(http.StatusCreated))
			Expect(got.CrisisEventID).To(Equal(int64(42)))
			Expect(got.Owner).To(BeEmpty())
			Expect(got.Actor).To(Equal(model.ActorHelper))
			Expect(*got.OutcomeNote).To(Equal("completed"))
			Expect(decode(w)["action"]).To(Equal("breathing-exercise-shown"))
		})

		It("returns 404 when the event does not exist", func() {
			svc.recordInterventionFn = func(context.Context, service.RecordInterventionParams) (*model.InterventionRecord, error) {
				return nil, model.ErrNotFound
			}

			w := do(http.MethodPost, "/crisis/5/interventions", map[string]any{"action": "call-placed"}, nil)

			Expect(w.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("Stream", func() {
		It("replays the latest alert and pushes new ones", func() {
			hub.Publish(dispatch.Alert{CrisisEventID: 42, UserID: "u1", Status: model.CrisisStatusOpen, Version: 1, At: now})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			req := httptest.NewRequest(http.MethodGet, "/crisis/alerts/stream", nil).WithContext(ctx)
			req.Header.Set(userHeader, "u1")
			rec := newStreamRecorder()

			done := make(chan struct{})
			go func() {
				defer close(done)
				engine.ServeHTTP(rec, req)
			}()

			Eventually(rec.Body).Should(ContainSubstring(`"version":1`))
			Eventually(func() int { return hub.Subscribers("u1") }).Should(Equal(1))

			hub.Publish(dispatch.Alert{CrisisEventID: 42, UserID: "u1", Status: model.CrisisStatusEscalated, Version: 2, At: now})
			Eventually(rec.Body).Should(ContainSubstring(`"version":2`))
			Expect(rec.Body()).To(ContainSubstring("event:alert"))

			cancel()
			Eventually(done).Should(BeClosed())
			Expect(hub.Subscribers("u1")).To(Equal(0))
		})

		It("requires the user header", func() {
			w := do(http.MethodGet, "/crisis/alerts/stream", nil, nil)
			Expect(w.Code).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("EscalationSchema", func() {
		It("describes the webhook payload", func() {
			w := do(http.MethodGet, "/crisis/schema/escalation", nil, nil)

			Expect(w.Code).To(Equal(http.StatusOK))
			resp := decode(w)
			Expect(resp["title"]).To(Equal("EscalationPayload"))
			props, ok := resp["properties"].(map[string]any)
			Expect(ok).To(BeTrue())
			Expect(props).To(HaveKey("crisisEventId"))
			Expect(props).To(HaveKey("severity"))
			Expect(props).NotTo(HaveKey("TraceID"))
		})
	})
})
