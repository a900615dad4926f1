package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("entity not found")
	ErrClosed      = errors.New("store is closed")
	ErrInvalidType = errors.New("invalid entity type")
)

// VersionConflictError reports a push whose claimed version does not line
// up with the stored row. It is not a failure to the caller: the sync
// layer routes it to the conflict resolver.
type VersionConflictError struct {
	EntityID       string
	ServerVersion  int64
	ServerChecksum string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: server at %d", e.EntityID, e.ServerVersion)
}

// IsVersionConflict reports whether err wraps a VersionConflictError.
func IsVersionConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}
