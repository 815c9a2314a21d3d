package models

import "github.com/pkg/errors"

// Business-rule failures returned to callers as-is. All are expected,
// recoverable conditions; the engine never retries them on its own.
// Check with errors.Is — storage and services wrap them with context.
var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrShipmentNotOpen        = errors.New("shipment is not open for requests")
	ErrRequestAlreadyResolved = errors.New("request already resolved")
	ErrNotAuthorized          = errors.New("not authorized")
	ErrEmptyBody              = errors.New("message body is empty")
	ErrValidation             = errors.New("validation failed")

	// ErrRateLimited is an operational guard, not a business rule: the actor
	// exceeded the per-minute action budget and should retry later.
	ErrRateLimited = errors.New("rate limit exceeded")
)
