package domain

import "errors"

var (
	ErrNotAuthorized     = errors.New("not authorized")
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrTransientDelivery = errors.New("transient delivery failure")
	ErrPermanentDelivery = errors.New("permanent delivery failure")

	ErrUnknownConnection = errors.New("unknown connection")
	ErrSlowConsumer      = errors.New("slow consumer")
)

// IsPermanentDelivery reports whether err marks a destination as permanently invalid.
func IsPermanentDelivery(err error) bool {
	return errors.Is(err, ErrPermanentDelivery)
}
