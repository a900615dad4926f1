package coordinator

import (
	"encoding/json"

	"github.com/opuslog/opuslog/internal/core/entity"
)

// MessageType tags every frame on the device WebSocket channel.
type MessageType string

const (
	MsgEntryCreated MessageType = "ENTRY_CREATED"
	MsgEntryUpdated MessageType = "ENTRY_UPDATED"
	MsgEntryDeleted MessageType = "ENTRY_DELETED"
	MsgPieceAdded   MessageType = "PIECE_ADDED"
	MsgPieceUpdated MessageType = "PIECE_UPDATED"
	MsgPieceRemoved MessageType = "PIECE_REMOVED"
	MsgBulkSync     MessageType = "BULK_SYNC"
	MsgSyncRequest  MessageType = "SYNC_REQUEST"
	MsgSyncResponse MessageType = "SYNC_RESPONSE"
	MsgPing         MessageType = "PING"
	MsgPong         MessageType = "PONG"
	MsgWelcome      MessageType = "WELCOME"
	MsgError        MessageType = "ERROR"
)

// Message is the JSON frame exchanged over the WebSocket channel. Change
// frames carry the entity type, the authoritative entity, and the device
// that originated the change so receivers can drop their own echoes.
type Message struct {
	Type           MessageType             `json:"type"`
	EntityType     entity.Type             `json:"entityType,omitempty"`
	Entity         *entity.SyncableEntity  `json:"entity,omitempty"`
	Entities       []entity.SyncableEntity `json:"entities,omitempty"`
	SourceDeviceID string                  `json:"sourceDeviceId,omitempty"`
	SyncToken      string                  `json:"syncToken,omitempty"`
	Metadata       *entity.SyncMetadata    `json:"metadata,omitempty"`
	Code           string                  `json:"code,omitempty"`
	Error          string                  `json:"error,omitempty"`
}

// Encode marshals the message frame.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage unmarshals one frame.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// ChangeMessage builds the broadcast frame for an accepted change.
// Repertoire items use the PIECE_* family, everything else ENTRY_*.
func ChangeMessage(e entity.SyncableEntity, created bool, sourceDeviceID string) Message {
	var t MessageType
	piece := e.EntityType == entity.TypeRepertoireItem
	switch {
	case e.Deleted() && piece:
		t = MsgPieceRemoved
	case e.Deleted():
		t = MsgEntryDeleted
	case created && piece:
		t = MsgPieceAdded
	case created:
		t = MsgEntryCreated
	case piece:
		t = MsgPieceUpdated
	default:
		t = MsgEntryUpdated
	}
	ec := e.Clone()
	return Message{
		Type:           t,
		EntityType:     e.EntityType,
		Entity:         &ec,
		SourceDeviceID: sourceDeviceID,
	}
}

// ErrorMessage builds an ERROR frame.
func ErrorMessage(code, msg string) Message {
	return Message{Type: MsgError, Code: code, Error: msg}
}

// Error codes carried on ERROR frames.
const (
	CodeVersionConflict  = "VERSION_CONFLICT"
	CodeValidation       = "VALIDATION_ERROR"
	CodeQuotaExceeded    = "QUOTA_EXCEEDED"
	CodeActorUnavailable = "ACTOR_UNAVAILABLE"
	CodeInternal         = "INTERNAL"
)
