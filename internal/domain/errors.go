package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvariant        = errors.New("invariant violated")
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrStalePrice       = errors.New("stale price")
	ErrUnsupportedAsset = errors.New("unsupported asset")
	ErrOrderRejected    = errors.New("order rejected")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrLockHeld         = errors.New("lock already held")
	ErrLockLost         = errors.New("lock lost")
)
