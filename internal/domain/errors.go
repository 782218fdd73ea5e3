package domain

import "errors"

var (
	// ErrSessionNotReady means a send was attempted before the session reached ready.
	ErrSessionNotReady = errors.New("session not ready")
	// ErrInvalidRecipient means the recipient address is malformed.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrTransientDelivery covers network failures and timeouts.
	ErrTransientDelivery = errors.New("transient delivery failure")
	// ErrPermanentDelivery covers rejected content, blocked recipients and exhausted retries.
	ErrPermanentDelivery = errors.New("permanent delivery failure")
	// ErrSessionTerminated fails all pending work of a logged out or exhausted session.
	ErrSessionTerminated = errors.New("session terminated")

	ErrInvalidContent  = errors.New("invalid message content")
	ErrSessionNotFound = errors.New("session not found")
	ErrJobNotFound     = errors.New("broadcast job not found")
	ErrJobState        = errors.New("broadcast job is not startable")
)

const (
	CodeSessionNotReady   = "SESSION_NOT_READY"
	CodeInvalidRecipient  = "INVALID_RECIPIENT"
	CodeInvalidContent    = "INVALID_CONTENT"
	CodeTransientDelivery = "TRANSIENT_DELIVERY_FAILURE"
	CodePermanentDelivery = "PERMANENT_DELIVERY_FAILURE"
	CodeSessionTerminated = "SESSION_TERMINATED"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeJobNotFound       = "JOB_NOT_FOUND"
	CodeJobState          = "JOB_STATE"
	CodeInternal          = "INTERNAL_ERROR"
)

// DeliveryError is a classified send failure reported by a client.
type DeliveryError struct {
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		if e.Permanent {
			return ErrPermanentDelivery.Error()
		}
		return ErrTransientDelivery.Error()
	}
	return e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool {
	if e.Permanent {
		return target == ErrPermanentDelivery
	}
	return target == ErrTransientDelivery
}

// Transient marks err as retryable.
func Transient(err error) error {
	return &DeliveryError{Err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return &DeliveryError{Permanent: true, Err: err}
}

// IsPermanent reports whether a send failure must not be retried.
// Unclassified errors are treated as transient; the retry ceiling bounds them.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Permanent
	}
	switch {
	case errors.Is(err, ErrInvalidRecipient),
		errors.Is(err, ErrInvalidContent),
		errors.Is(err, ErrPermanentDelivery),
		errors.Is(err, ErrSessionTerminated):
		return true
	}
	return false
}

// ErrorCode maps an error to the stable code exposed over the API and stored on messages.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionNotReady):
		return CodeSessionNotReady
	case errors.Is(err, ErrInvalidRecipient):
		return CodeInvalidRecipient
	case errors.Is(err, ErrInvalidContent):
		return CodeInvalidContent
	case errors.Is(err, ErrSessionTerminated):
		return CodeSessionTerminated
	case errors.Is(err, ErrPermanentDelivery):
		return CodePermanentDelivery
	case errors.Is(err, ErrTransientDelivery):
		return CodeTransientDelivery
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrJobNotFound):
		return CodeJobNotFound
	case errors.Is(err, ErrJobState):
		return CodeJobState
	}
	return CodeInternal
}
