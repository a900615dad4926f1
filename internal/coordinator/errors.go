package coordinator

import "errors"

var (
	ErrActorUnavailable   = errors.New("sync coordinator unavailable")
	ErrActorStopped       = errors.New("actor is stopped")
	ErrRegistryClosed     = errors.New("registry is closed")
	ErrMailboxFull        = errors.New("actor mailbox is full")
	ErrTooManyConnections = errors.New("maximum connections reached for user")
	ErrDeviceNotConnected = errors.New("device is not connected")
)
