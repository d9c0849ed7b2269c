package signal

import "errors"

var (
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrSchemaValidation      = errors.New("schema validation failure")
	ErrDuplicateSignal       = errors.New("duplicate signal")
	ErrStaleSignal           = errors.New("stale signal")
	ErrAccountUnknown        = errors.New("account unknown")
	ErrRateLimited           = errors.New("rate limited")
)
