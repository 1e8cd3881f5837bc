package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("crisis event not found")
	ErrInvalidTransition = errors.New("invalid crisis transition")
	ErrStaleTransition   = errors.New("stale crisis transition")
)

// ValidationError reports malformed input. Surfaced as 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientDeliveryError means the channel was unavailable and the delivery
// should be retried through the offline sync queue.
type TransientDeliveryError struct {
	Channel DeliveryChannel
	Err     error
}

func (e *TransientDeliveryError) Error() string {
	return fmt.Sprintf("transient delivery failure (%s): %v", e.Channel, e.Err)
}

func (e *TransientDeliveryError) Unwrap() error {
	return e.Err
}

// PermanentDeliveryError means retrying cannot help (rejected payload or retry
// ceiling exceeded). It is audited and raised as an operational alert.
type PermanentDeliveryError struct {
	Channel DeliveryChannel
	Err     error
}

func (e *PermanentDeliveryError) Error() string {
	return fmt.Sprintf("permanent delivery failure (%s): %v", e.Channel, e.Err)
}

func (e *PermanentDeliveryError) Unwrap() error {
	return e.Err
}

func Transient(channel DeliveryChannel, err error) error {
	return &TransientDeliveryError{Channel: channel, Err: err}
}

func Permanent(channel DeliveryChannel, err error) error {
	return &PermanentDeliveryError{Channel: channel, Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentDeliveryError
	return errors.As(err, &pe)
}
