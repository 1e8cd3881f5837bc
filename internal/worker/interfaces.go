package worker

import (
	"context"

	"astralcore.app/crisis/internal/model"
	"astralcore.app/crisis/internal/queue"
)

// Consumer abstracts the message queue for testability.
type Consumer interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Requeue(ctx context.Context, msg queue.Message, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

// Deliverer hands an escalation to the human-response system. Errors are
// model.TransientDeliveryError or model.PermanentDeliveryError.
type Deliverer interface {
	Deliver(ctx context.Context, payload model.EscalationPayload) error
}
