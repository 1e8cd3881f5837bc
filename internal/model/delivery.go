package model

type DeliveryChannel string

const (
	DeliveryChannelUI         DeliveryChannel = "ui"
	DeliveryChannelAudit      DeliveryChannel = "audit"
	DeliveryChannelEscalation DeliveryChannel = "escalation"
)

type DeliveryStatus string

const (
	DeliveryStatusDelivered        DeliveryStatus = "delivered"
	DeliveryStatusTransientFailure DeliveryStatus = "transient-failure"
	DeliveryStatusPermanentFailure DeliveryStatus = "permanent-failure"
	DeliveryStatusSkipped          DeliveryStatus = "skipped"
)

// DeliveryResult is the outcome of one channel for one dispatch.
// A transient failure with Queued set means the payload is owned by the offline sync queue.
type DeliveryResult struct {
	Channel     DeliveryChannel `json:"channel"`
	Status      DeliveryStatus  `json:"status"`
	Attempts    int             `json:"attempts"`
	Queued      bool            `json:"queued,omitempty"`
	SyncEntryID int64           `json:"syncEntryId,omitempty,string"`
	Error       string          `json:"error,omitempty"`
}

func (r DeliveryResult) Delivered() bool {
	return r.Status == DeliveryStatusDelivered
}
