package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/invopop/jsonschema"

	"astralcore.app/crisis/internal/crisis"
	"astralcore.app/crisis/internal/dispatch"
	"astralcore.app/crisis/internal/http/dto"
	"astralcore.app/crisis/internal/http/middleware"
	"astralcore.app/crisis/internal/model"
	"astralcore.app/crisis/internal/service"
)

// AlertSource is the subscription side of the in-process UI hub.
type AlertSource interface {
	Subscribe(userID string, buffer int) (<-chan dispatch.Alert, func())
	Latest(userID string) (dispatch.Alert, bool)
}

type CrisisHandler struct {
	crisisService service.CrisisService
	alerts        AlertSource
	heartbeat     time.Duration

	schemaOnce sync.Once
	schema     *jsonschema.Schema
}

func NewCrisisHandler(crisisService service.CrisisService, alerts AlertSource, heartbeat time.Duration) *CrisisHandler {
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	return &CrisisHandler{
		crisisService: crisisService,
		alerts:        alerts,
		heartbeat:     heartbeat,
	}
}

func (h *CrisisHandler) Create(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.CreateCrisisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid crisis create request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := service.CreateParams{
		UserID:          req.UserID,
		Text:            req.Text,
		TriggerType:     model.TriggerType(strings.ToLower(strings.TrimSpace(req.TriggerType))),
		RecentMoods:     dto.ToMoodSamples(req.RecentMoods),
		ExpectedVersion: req.ExpectedVersion,
	}
	if params.UserID == "" {
		params.UserID, _ = middleware.GetUserID(c)
	}
	if req.Severity != nil {
		sev, err := model.ParseSeverity(*req.Severity)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "severity: must be low, medium, high or critical"})
			return
		}
		params.Severity = &sev
	}

	result, err := h.crisisService.Create(ctx, params)
	if err != nil {
		writeError(c, err, "failed to create crisis event")
		return
	}

	c.JSON(http.StatusCreated, dto.ToCreateCrisisResponse(result.Event, result.AutoEscalated, result.Deliveries))
}

func (h *CrisisHandler) Active(c *gin.Context) {
	ctx := c.Request.Context()
	userID, _ := middleware.GetUserID(c)

	events, err := h.crisisService.Active(ctx, userID)
	if err != nil {
		writeError(c, err, "failed to list active crisis events")
		return
	}
	if events == nil {
		events = []model.CrisisEvent{}
	}
	c.JSON(http.StatusOK, dto.ActiveCrisesResponse{Events: events, Count: len(events)})
}

func (h *CrisisHandler) Resolve(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.ResolveCrisisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid crisis resolve request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := model.ActorUser
	owner, ok := middleware.GetUserID(c)
	if !ok {
		actor = model.ActorHelper
	}
	result, err := h.crisisService.Resolve(ctx, service.ResolveParams{
		CrisisEventID:   req.CrisisEventID,
		Owner:           owner,
		Method:          req.ResolutionMethod,
		ResolvedAt:      req.ResolvedAt,
		ExpectedVersion: req.ExpectedVersion,
		Actor:           actor,
	})
	if err != nil {
		writeError(c, err, "failed to resolve crisis event")
		return
	}

	e := result.Event
	resp := dto.ResolveCrisisResponse{CrisisEventID: e.ID, Version: e.Version}
	if e.ResolvedAt != nil {
		resp.ResolvedAt = *e.ResolvedAt
	}
	if e.ResolutionMethod != nil {
		resp.ResolutionMethod = *e.ResolutionMethod
	}
	c.JSON(http.StatusOK, resp)
}

func (h *CrisisHandler) Escalate(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.EscalateCrisisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid crisis escalate request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	owner, _ := middleware.GetUserID(c)
	result, err := h.crisisService.Escalate(ctx, service.EscalateParams{
		CrisisEventID:   req.CrisisEventID,
		Owner:           owner,
		Reason:          req.Reason,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeError(c, err, "failed to escalate crisis event")
		return
	}

	c.JSON(http.StatusOK, dto.EscalateCrisisResponse{
		CrisisEventID: result.Event.ID,
		Status:        result.Event.Status,
		Version:       result.Event.Version,
		Noop:          result.Transition == crisis.KindEscalateNoop,
		Deliveries:    dto.ToDeliveryResponses(result.Deliveries),
	})
}

func (h *CrisisHandler) Interventions(c *gin.Context) {
	ctx := c.Request.Context()

	eventID, ok := parseEventID(c)
	if !ok {
		return
	}
	records, err := h.crisisService.Interventions(ctx, eventID)
	if err != nil {
		writeError(c, err, "failed to list interventions")
		return
	}
	c.JSON(http.StatusOK, dto.InterventionsResponse{Records: records, Count: len(records)})
}

func (h *CrisisHandler) RecordIntervention(c *gin.Context) {
	ctx := c.Request.Context()

	eventID, ok := parseEventID(c)
	if !ok {
		return
	}
	var req dto.RecordInterventionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid intervention request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := model.ActorHelper
	owner, ok := middleware.GetUserID(c)
	if ok {
		actor = model.ActorUser
	}
	rec, err := h.crisisService.RecordIntervention(ctx, service.RecordInterventionParams{
		CrisisEventID: eventID,
		Owner:         owner,
		Action:        req.Action,
		Actor:         actor,
		OutcomeNote:   req.OutcomeNote,
	})
	if err != nil {
		writeError(c, err, "failed to record intervention")
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// Stream pushes the caller's alerts as server-sent events. The latest known
// alert is replayed first so a reconnecting client never misses the current state.
func (h *CrisisHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	userID, _ := middleware.GetUserID(c)

	alerts, cancel := h.alerts.Subscribe(userID, 16)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	if latest, ok := h.alerts.Latest(userID); ok {
		c.SSEvent("alert", latest)
	}
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case alert, ok := <-alerts:
			if !ok {
				return
			}
			c.SSEvent("alert", alert)
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
		}
		c.Writer.Flush()
	}
}

// EscalationSchema serves the JSON schema of the webhook payload the worker sends.
func (h *CrisisHandler) EscalationSchema(c *gin.Context) {
	h.schemaOnce.Do(func() {
		reflector := jsonschema.Reflector{
			AllowAdditionalProperties: true,
			DoNotReference:            true,
		}
		h.schema = reflector.Reflect(&model.EscalationPayload{})
		h.schema.Title = "EscalationPayload"
	})
	c.JSON(http.StatusOK, h.schema)
}

func parseEventID(c *gin.Context) (int64, bool) {
	eventID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || eventID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid crisis event id"})
		return 0, false
	}
	return eventID, true
}

func writeError(c *gin.Context, err error, msg string) {
	ctx := c.Request.Context()

	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "crisis event not found"})
	case errors.Is(err, model.ErrStaleTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "crisis event was modified; reload and retry"})
	case errors.Is(err, model.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "transition not allowed in the current state"})
	default:
		slog.ErrorContext(ctx, msg, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
