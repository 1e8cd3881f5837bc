package dto

import (
	"time"

	"astralcore.app/crisis/internal/model"
)

type MoodSample struct {
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recordedAt"`
}

type CreateCrisisRequest struct {
	UserID          string       `json:"userId" binding:"max=255"`
	Text            *string      `json:"text,omitempty" binding:"omitempty,max=20000"`
	Severity        *string      `json:"severity,omitempty"`
	TriggerType     string       `json:"triggerType" binding:"required"`
	RecentMoods     []MoodSample `json:"recentMoods,omitempty" binding:"omitempty,max=500"`
	ExpectedVersion *int64       `json:"expectedVersion,omitempty"`
}

type ResolveCrisisRequest struct {
	CrisisEventID    int64      `json:"crisisEventId,string" binding:"required"`
	ResolutionMethod string     `json:"resolutionMethod" binding:"required,max=128"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	ExpectedVersion  *int64     `json:"expectedVersion,omitempty"`
}

type EscalateCrisisRequest struct {
	CrisisEventID   int64  `json:"crisisEventId,string" binding:"required"`
	Reason          string `json:"reason,omitempty" binding:"max=512"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

type RecordInterventionRequest struct {
	Action      string  `json:"action" binding:"required,max=128"`
	OutcomeNote *string `json:"outcomeNote,omitempty" binding:"omitempty,max=2000"`
}

// DeliveryResponse is a DeliveryResult without the error text, which can
// describe backend configuration.
type DeliveryResponse struct {
	Channel  model.DeliveryChannel `json:"channel"`
	Status   model.DeliveryStatus  `json:"status"`
	Attempts int                   `json:"attempts"`
	Queued   bool                  `json:"queued"`
}

type CreateCrisisResponse struct {
	CrisisEventID   int64                          `json:"crisisEventId,string"`
	Severity        model.Severity                 `json:"severity"`
	Status          model.CrisisStatus             `json:"status"`
	AutoEscalated   bool                           `json:"autoEscalated"`
	Version         int64                          `json:"version"`
	Recommendations []model.ResourceRecommendation `json:"recommendations"`
	Deliveries      []DeliveryResponse             `json:"deliveries"`
}

type ResolveCrisisResponse struct {
	CrisisEventID    int64     `json:"crisisEventId,string"`
	ResolvedAt       time.Time `json:"resolvedAt"`
	ResolutionMethod string    `json:"resolutionMethod"`
	Version          int64     `json:"version"`
}

type EscalateCrisisResponse struct {
	CrisisEventID int64              `json:"crisisEventId,string"`
	Status        model.CrisisStatus `json:"status"`
	Version       int64              `json:"version"`
	Noop          bool               `json:"noop"`
	Deliveries    []DeliveryResponse `json:"deliveries"`
}

type ActiveCrisesResponse struct {
	Events []model.CrisisEvent `json:"events"`
	Count  int                 `json:"count"`
}

type InterventionsResponse struct {
	Records []model.InterventionRecord `json:"records"`
	Count   int                        `json:"count"`
}

func ToDeliveryResponses(results []model.DeliveryResult) []DeliveryResponse {
	out := make([]DeliveryResponse, 0, len(results))
	for _, r := range results {
		out = append(out, DeliveryResponse{
			Channel:  r.Channel,
			Status:   r.Status,
			Attempts: r.Attempts,
			Queued:   r.Queued,
		})
	}
	return out
}

func ToMoodSamples(in []MoodSample) []model.MoodSample {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.MoodSample, len(in))
	for i, m := range in {
		out[i] = model.MoodSample{Value: m.Value, RecordedAt: m.RecordedAt}
	}
	return out
}

func ToCreateCrisisResponse(e *model.CrisisEvent, autoEscalated bool, deliveries []model.DeliveryResult) *CreateCrisisResponse {
	return &CreateCrisisResponse{
		CrisisEventID:   e.ID,
		Severity:        e.Severity,
		Status:          e.Status,
		AutoEscalated:   autoEscalated,
		Version:         e.Version,
		Recommendations: e.Recommendations,
		Deliveries:      ToDeliveryResponses(deliveries),
	}
}
