package entity

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Type identifies the kind of record being synchronized.
type Type string

const (
	TypePracticeSession Type = "practice_session"
	TypeLogbookEntry    Type = "logbook_entry"
	TypeGoal            Type = "goal"
	TypeRepertoireItem  Type = "repertoire_item"
)

// Types lists every valid entity type.
var Types = []Type{TypePracticeSession, TypeLogbookEntry, TypeGoal, TypeRepertoireItem}

// Valid reports whether t belongs to the closed entity type set.
func (t Type) Valid() bool {
	switch t {
	case TypePracticeSession, TypeLogbookEntry, TypeGoal, TypeRepertoireItem:
		return true
	}
	return false
}

// Status tracks where an entity sits in the device-side sync lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSyncing  Status = "syncing"
	StatusSynced   Status = "synced"
	StatusConflict Status = "conflict"
)

// SyncableEntity is the unit of synchronization. IDs are minted on the
// device that creates the row and never renamed by the server. Data is
// opaque to the sync layer beyond checksum computation; typed accessors
// live in payload.go.
type SyncableEntity struct {
	ID          string          `json:"id"`
	EntityType  Type            `json:"entityType"`
	Data        json.RawMessage `json:"data"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt"`
	DeletedAt   *int64          `json:"deletedAt,omitempty"`
	SyncVersion int64           `json:"syncVersion"`
	Checksum    string          `json:"checksum"`
	SyncStatus  Status          `json:"syncStatus,omitempty"`
	DeviceID    string          `json:"deviceId,omitempty"`
}

// Key uniquely identifies an entity within one user's data set.
type Key struct {
	Type Type
	ID   string
}

func (e *SyncableEntity) Key() Key {
	return Key{Type: e.EntityType, ID: e.ID}
}

// Deleted reports whether the entity is a tombstone.
func (e *SyncableEntity) Deleted() bool {
	return e.DeletedAt != nil
}

// MarkDeleted turns the entity into a tombstone at the given time.
func (e *SyncableEntity) MarkDeleted(atMillis int64) {
	e.DeletedAt = &atMillis
	e.UpdatedAt = atMillis
}

// RecomputeChecksum refreshes Checksum from Data.
func (e *SyncableEntity) RecomputeChecksum() {
	e.Checksum = Checksum(e.Data)
}

// Clone returns a deep copy; Data bytes are copied so callers can mutate
// the result without aliasing.
func (e *SyncableEntity) Clone() SyncableEntity {
	out := *e
	if e.Data != nil {
		out.Data = append(json.RawMessage(nil), e.Data...)
	}
	if e.DeletedAt != nil {
		at := *e.DeletedAt
		out.DeletedAt = &at
	}
	return out
}

// Checksum computes the content hash of an opaque data payload. The JSON
// is canonicalized first so that key order does not change the hash.
func Checksum(data json.RawMessage) string {
	canonical := canonicalJSON(data)
	return strconv.FormatUint(xxhash.Sum64(canonical), 16)
}

func canonicalJSON(data json.RawMessage) []byte {
	if len(data) == 0 {
		return []byte("{}")
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return data
	}
	// encoding/json marshals map keys in sorted order.
	out, err := json.Marshal(v)
	if err != nil {
		return data
	}
	return out
}

// NowMillis returns the current time as epoch milliseconds, the timestamp
// unit used throughout the sync layer.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
