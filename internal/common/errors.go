package common

import "errors"

// Engine error taxonomy. ValidationFailed and Unauthenticated are rejected
// synchronously at the facade boundary; PersistenceFailed surfaces as a
// failed message state; ChannelUnavailable only escapes once the adapter's
// reconnect budget is exhausted.
var (
	ErrUnauthenticated    = errors.New("unauthenticated: no current user")
	ErrChannelUnavailable = errors.New("channel unavailable")
	ErrPersistenceFailed  = errors.New("persistence failed")
	ErrValidationFailed   = errors.New("validation failed")
)
