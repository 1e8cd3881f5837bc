package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, so the crisis event being handled is attached
// to every log line emitted while handling it.
type LogFields struct {
	CrisisEventID *int64  // Crisis event being transitioned or dispatched
	UserID        *string // Opaque user id supplied by the gateway
	MessageID     *string // Redis stream message ID
	SyncEntryID   *int64  // Offline sync queue entry
	Channel       *string // Delivery channel (ui, audit, escalation)
	Component     string  // Component name (OTel semantic convention style, e.g., "crisis.dispatch")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.CrisisEventID != nil {
		result.CrisisEventID = next.CrisisEventID
	}
	if next.UserID != nil {
		result.UserID = next.UserID
	}
	if next.MessageID != nil {
		result.MessageID = next.MessageID
	}
	if next.SyncEntryID != nil {
		result.SyncEntryID = next.SyncEntryID
	}
	if next.Channel != nil {
		result.Channel = next.Channel
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{CrisisEventID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen bytes, appending "..." if truncated.
// User text must never be logged in full; callers log a truncated prefix at most.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
