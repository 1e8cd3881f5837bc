package crisis_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"astralcore.app/crisis/internal/crisis"
	"astralcore.app/crisis/internal/model"
	"astralcore.app/crisis/internal/store"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Machine", func() {
	var (
		db      *memDB
		machine *crisis.Machine
		ctx     context.Context
		now     time.Time
		clockMu sync.Mutex
	)

	advance := func(d time.Duration) {
		clockMu.Lock()
		now = now.Add(d)
		clockMu.Unlock()
	}

	detect := func(userID string, sev model.Severity, cats ...model.RiskCategory) crisis.Transition {
		t, err := machine.Detect(ctx, crisis.DetectInput{
			UserID:      userID,
			Severity:    sev,
			TriggerType: model.TriggerTypeDetected,
			Categories:  cats,
		})
		Expect(err).NotTo(HaveOccurred())
		return t
	}

	BeforeEach(func() {
		db = newMemDB()
		ctx = context.Background()
		now = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
		machine = crisis.NewMachine(db, lockedReads{db}, fixedRecommender{},
			crisis.Config{Cooldown: 15 * time.Minute},
			crisis.WithClock(func() time.Time {
				clockMu.Lock()
				defer clockMu.Unlock()
				return now
			}))
	})

	Describe("Detect", func() {
		It("opens an event on first detection", func() {
			t := detect("u1", model.SeverityLow, model.RiskCategoryOther)

			Expect(t.Kind).To(Equal(crisis.KindOpened))
			Expect(t.AutoEscalated).To(BeFalse())
			Expect(t.Event.Status).To(Equal(model.CrisisStatusOpen))
			Expect(t.Event.Version).To(Equal(int64(1)))
			Expect(t.Event.Recommendations).NotTo(BeEmpty())
			Expect(db.actions(t.Event.ID)).To(Equal([]string{model.ActionCrisisOpened}))
			Expect(machine.Active("u1")).To(HaveLen(1))
		})

		It("escalates automatically at high severity", func() {
			t := detect("u1", model.SeverityCritical, model.RiskCategorySelfHarm)

			Expect(t.AutoEscalated).To(BeTrue())
			Expect(t.Escalated()).To(BeTrue())
			Expect(t.Event.Status).To(Equal(model.CrisisStatusEscalated))
			Expect(t.Event.EscalatedAt).NotTo(BeNil())
			Expect(t.Event.Version).To(Equal(int64(2)))
			Expect(db.actions(t.Event.ID)).To(Equal([]string{model.ActionCrisisOpened, model.ActionEscalated}))
		})

		It("updates the same event in place for rapid detections", func() {
			first := detect("u1", model.SeverityMedium, model.RiskCategoryHopelessness)
			advance(time.Second)
			second := detect("u1", model.SeverityHigh, model.RiskCategoryAbuse)

			Expect(second.Event.ID).To(Equal(first.Event.ID))
			Expect(second.Kind).To(Equal(crisis.KindSeverityRaised))
			Expect(second.Event.Severity).To(Equal(model.SeverityHigh))
			Expect(second.AutoEscalated).To(BeTrue())
			Expect(second.Event.Categories).To(Equal([]model.RiskCategory{model.RiskCategoryHopelessness, model.RiskCategoryAbuse}))
			Expect(second.Previous.Severity).To(Equal(model.SeverityMedium))
			Expect(machine.Active("u1")).To(HaveLen(1))
		})

		It("holds a lower severity inside the cooldown and audits it", func() {
			first := detect("u1", model.SeverityMedium)
			advance(5 * time.Minute)
			held := detect("u1", model.SeverityLow)

			Expect(held.Kind).To(Equal(crisis.KindSeverityHeld))
			Expect(held.Event.Severity).To(Equal(model.SeverityMedium))
			Expect(held.Event.Version).To(Equal(first.Event.Version + 1))
			Expect(db.actions(first.Event.ID)).To(ContainElement(model.ActionSeverityHeld))
		})

		It("lowers severity after the cooldown and audits it", func() {
			first := detect("u1", model.SeverityMedium)
			advance(16 * time.Minute)
			lowered := detect("u1", model.SeverityLow)

			Expect(lowered.Kind).To(Equal(crisis.KindSeverityLowered))
			Expect(lowered.Event.Severity).To(Equal(model.SeverityLow))
			Expect(lowered.Event.SeverityChangedAt).To(Equal(now))
			Expect(lowered.Event.Recommendations[0].Action).To(Equal("act-low"))
			Expect(db.actions(first.Event.ID)).To(ContainElement(model.ActionSeverityLowered))
		})

		It("never lowers severity without an audit record", func() {
			opened := detect("u1", model.SeverityHigh)
			lowered := false
			for i := 0; i < 5 && !lowered; i++ {
				advance(4 * time.Minute)
				t := detect("u1", model.SeverityLow)
				lowered = t.Event.Severity == model.SeverityLow
				if lowered {
					Expect(t.Kind).To(Equal(crisis.KindSeverityLowered))
				} else {
					Expect(t.Kind).To(Equal(crisis.KindSeverityHeld))
				}
			}
			Expect(lowered).To(BeTrue())
			Expect(db.actions(opened.Event.ID)).To(ContainElement(model.ActionSeverityLowered))
		})

		It("rejects a stale expected version", func() {
			t := detect("u1", model.SeverityLow)
			stale := t.Event.Version - 1
			_, err := machine.Detect(ctx, crisis.DetectInput{
				UserID: "u1", Severity: model.SeverityMedium, TriggerType: model.TriggerTypeDetected, ExpectedVersion: &stale,
			})
			Expect(err).To(MatchError(model.ErrStaleTransition))
			Expect(machine.Active("u1")[0].Severity).To(Equal(model.SeverityLow))
		})

		It("validates input", func() {
			_, err := machine.Detect(ctx, crisis.DetectInput{Severity: model.SeverityLow, TriggerType: model.TriggerTypeDetected})
			Expect(model.IsValidationError(err)).To(BeTrue())

			_, err = machine.Detect(ctx, crisis.DetectInput{UserID: "u1", Severity: model.SeverityLow, TriggerType: "auto"})
			Expect(model.IsValidationError(err)).To(BeTrue())
		})

		It("treats an unknown severity as low", func() {
			t := detect("u1", model.Severity("extreme"))
			Expect(t.Event.Severity).To(Equal(model.SeverityLow))
		})

		It("leaves state untouched when the transaction fails", func() {
			t := detect("u1", model.SeverityLow)
			db.txErr = errors.New("database unavailable")

			_, err := machine.Detect(ctx, crisis.DetectInput{UserID: "u1", Severity: model.SeverityCritical, TriggerType: model.TriggerTypeDetected})
			Expect(err).To(MatchError(ContainSubstring("database unavailable")))

			active := machine.Active("u1")
			Expect(active).To(HaveLen(1))
			Expect(active[0].Version).To(Equal(t.Event.Version))
			Expect(active[0].Severity).To(Equal(model.SeverityLow))
		})

		It("maps a store version conflict to a stale transition", func() {
			detect("u1", model.SeverityLow)
			db.updateErr = store.ErrVersionConflict

			_, err := machine.Detect(ctx, crisis.DetectInput{UserID: "u1", Severity: model.SeverityMedium, TriggerType: model.TriggerTypeDetected})
			Expect(err).To(MatchError(model.ErrStaleTransition))
		})

		It("serializes concurrent detections for one user", func() {
			const n = 40
			var wg sync.WaitGroup
			ids := make(chan int64, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					t, err := machine.Detect(ctx, crisis.DetectInput{UserID: "same", Severity: model.SeverityLow, TriggerType: model.TriggerTypeDetected})
					Expect(err).NotTo(HaveOccurred())
					ids <- t.Event.ID
				}()
			}
			wg.Wait()
			close(ids)

			var first int64
			for eventID := range ids {
				if first == 0 {
					first = eventID
				}
				Expect(eventID).To(Equal(first))
			}
			Expect(machine.Active("same")[0].Version).To(Equal(int64(n)))
			Expect(db.recordsFor(first)).To(HaveLen(n))
		})

		It("runs different users independently", func() {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					defer GinkgoRecover()
					_, err := machine.Detect(ctx, crisis.DetectInput{UserID: fmt.Sprintf("user-%d", i), Severity: model.SeverityMedium, TriggerType: model.TriggerTypeDetected})
					Expect(err).NotTo(HaveOccurred())
				}(i)
			}
			wg.Wait()
			for i := 0; i < 20; i++ {
				Expect(machine.Active(fmt.Sprintf("user-%d", i))).To(HaveLen(1))
			}
		})
	})

	Describe("Escalate", func() {
		It("escalates an open event", func() {
			opened := detect("u1", model.SeverityMedium)
			t, err := machine.Escalate(ctx, opened.Event.ID, "helper requested", nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(t.Kind).To(Equal(crisis.KindEscalated))
			Expect(t.Event.Status).To(Equal(model.CrisisStatusEscalated))
			Expect(t.Event.Version).To(Equal(opened.Event.Version + 1))
		})

		It("records a no-op when already escalated", func() {
			opened := detect("u1", model.SeverityCritical)
			t, err := machine.Escalate(ctx, opened.Event.ID, "", nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(t.Kind).To(Equal(crisis.KindEscalateNoop))
			Expect(t.Event.Version).To(Equal(opened.Event.Version))
			Expect(db.actions(opened.Event.ID)).To(HaveLen(3))
			Expect(db.actions(opened.Event.ID)[2]).To(Equal(model.ActionEscalateNoop))
		})

		It("returns not found for unknown events", func() {
			_, err := machine.Escalate(ctx, 12345, "", nil)
			Expect(err).To(MatchError(model.ErrNotFound))
		})
	})

	Describe("Resolve", func() {
		It("requires a resolution method", func() {
			opened := detect("u1", model.SeverityLow)
			_, err := machine.Resolve(ctx, crisis.ResolveInput{EventID: opened.Event.ID})
			Expect(model.IsValidationError(err)).To(BeTrue())
			Expect(machine.Active("u1")).To(HaveLen(1))
		})

		It("returns not found for an unknown event without writing an audit record", func() {
			_, err := machine.Resolve(ctx, crisis.ResolveInput{EventID: 999, Method: model.ResolutionUserConfirmedSafe})
			Expect(err).To(MatchError(model.ErrNotFound))
			Expect(db.appendCalls).To(BeZero())
		})

		It("resolves an event and frees the user slot", func() {
			opened := detect("u1", model.SeverityHigh)
			advance(time.Hour)

			t, err := machine.Resolve(ctx, crisis.ResolveInput{EventID: opened.Event.ID, Method: model.ResolutionHelperIntervention})
			Expect(err).NotTo(HaveOccurred())
			Expect(t.Event.Status).To(Equal(model.CrisisStatusResolved))
			Expect(*t.Event.ResolvedAt).To(Equal(now))
			Expect(*t.Event.ResolutionMethod).To(Equal(model.ResolutionHelperIntervention))
			Expect(machine.Active("u1")).To(BeEmpty())

			got, err := machine.Get(ctx, opened.Event.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(model.CrisisStatusResolved))

			Expect(machine.TrackedUsers()).To(BeZero())

			next := detect("u1", model.SeverityLow)
			Expect(next.Event.ID).NotTo(Equal(opened.Event.ID))
			Expect(machine.TrackedUsers()).To(Equal(1))
		})

		It("uses the caller supplied resolution time", func() {
			opened := detect("u1", model.SeverityLow)
			at := now.Add(10 * time.Minute)
			t, err := machine.Resolve(ctx, crisis.ResolveInput{EventID: opened.Event.ID, Method: "user-confirmed-safe", ResolvedAt: &at})
			Expect(err).NotTo(HaveOccurred())
			Expect(*t.Event.ResolvedAt).To(Equal(at))
		})

		It("rejects resolving twice", func() {
			opened := detect("u1", model.SeverityLow)
			_, err := machine.Resolve(ctx, crisis.ResolveInput{EventID: opened.Event.ID, Method: "user-confirmed-safe"})
			Expect(err).NotTo(HaveOccurred())

			_, err = machine.Resolve(ctx, crisis.ResolveInput{EventID: opened.Event.ID, Method: "user-confirmed-safe"})
			Expect(err).To(MatchError(model.ErrInvalidTransition))
		})
	})

	Describe("Load and ExpireStale", func() {
		It("rehydrates active events from the store", func() {
			opened := detect("u1", model.SeverityMedium)

			restarted := crisis.NewMachine(db, lockedReads{db}, fixedRecommender{}, crisis.Config{Cooldown: time.Minute})
			n, err := restarted.Load(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
			Expect(restarted.Active("u1")[0].ID).To(Equal(opened.Event.ID))
		})

		It("auto-closes events without activity", func() {
			stale := detect("old", model.SeverityLow)
			advance(80 * time.Hour)
			fresh := detect("new", model.SeverityLow)

			closed, err := machine.ExpireStale(ctx, 72*time.Hour)
			Expect(err).NotTo(HaveOccurred())
			Expect(closed).To(HaveLen(1))
			Expect(closed[0].Event.ID).To(Equal(stale.Event.ID))
			Expect(*closed[0].Event.ResolutionMethod).To(Equal(model.ResolutionTimeoutAutoClose))
			Expect(machine.Active("old")).To(BeEmpty())
			Expect(machine.Active("new")[0].ID).To(Equal(fresh.Event.ID))
			Expect(machine.TrackedUsers()).To(Equal(1))
		})
	})

	Describe("user slots", func() {
		It("does not keep a slot when the first detection fails", func() {
			db.txErr = errors.New("database unavailable")
			_, err := machine.Detect(ctx, crisis.DetectInput{UserID: "u1", Severity: model.SeverityLow, TriggerType: model.TriggerTypeDetected})
			Expect(err).To(HaveOccurred())
			Expect(machine.TrackedUsers()).To(BeZero())
		})

		It("does not create slots for read-only lookups", func() {
			Expect(machine.Active("nobody")).To(BeEmpty())
			Expect(machine.TrackedUsers()).To(BeZero())
		})

		It("keeps one active event per user while slots are pruned concurrently", func() {
			const users, rounds = 4, 25
			var wg sync.WaitGroup
			for u := range users {
				userID := fmt.Sprintf("churn-%d", u)
				for range 2 {
					wg.Add(1)
					go func() {
						defer GinkgoRecover()
						defer wg.Done()
						for range rounds {
							t, err := machine.Detect(ctx, crisis.DetectInput{UserID: userID, Severity: model.SeverityLow, TriggerType: model.TriggerTypeDetected})
							Expect(err).NotTo(HaveOccurred())
							_, err = machine.Resolve(ctx, crisis.ResolveInput{EventID: t.Event.ID, Method: "user-confirmed-safe"})
							if err != nil {
								Expect(errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, model.ErrStaleTransition)).To(BeTrue())
							}
						}
					}()
				}
			}
			wg.Wait()

			Expect(machine.ActiveCount()).To(BeZero())
			Expect(machine.TrackedUsers()).To(BeZero())
			for _, e := range db.events {
				Expect(e.IsActive()).To(BeFalse(), "event %d for %s left active", e.ID, e.UserID)
			}
		})
	})
})
