package entity

// SyncState is the coarse outcome of the most recent sync cycle.
type SyncState string

const (
	SyncStateNever   SyncState = "never"
	SyncStateSuccess SyncState = "success"
	SyncStatePartial SyncState = "partial"
	SyncStateFailed  SyncState = "failed"
)

// SyncMetadata describes one user's sync position. The server derives it
// from the change stream; the client persists its own copy alongside the
// local store.
type SyncMetadata struct {
	UserID            string    `json:"userId,omitempty"`
	LastSyncTimestamp int64     `json:"lastSyncTimestamp"`
	SyncToken         string    `json:"syncToken"`
	PendingSyncCount  int       `json:"pendingSyncCount"`
	LastSyncStatus    SyncState `json:"lastSyncStatus"`
	LastSyncError     string    `json:"lastSyncError,omitempty"`
}

// DeviceInfo identifies one of a user's devices. Used to scope broadcast
// exclusion so a device never receives the echo of its own push.
type DeviceInfo struct {
	DeviceID  string `json:"deviceId"`
	UserID    string `json:"userId"`
	FirstSeen int64  `json:"firstSeen"`
	LastSeen  int64  `json:"lastSeen"`
}

// Conflict pairs two diverged versions of the same entity. It is a
// transient value handed to the resolver, never persisted.
type Conflict struct {
	EntityID string
	Local    SyncableEntity
	Remote   SyncableEntity
}
