package entity

import (
	"encoding/json"
	"fmt"
)

// CurrentSchemaVersion is stamped into payloads written by this build.
// Older payloads with a lower schemaVersion are still decodable; unknown
// fields are ignored by encoding/json.
const CurrentSchemaVersion = 1

// Payload is the typed view of SyncableEntity.Data. The sync layer treats
// Data as opaque bytes; payload decoding is used only where semantics are
// needed (duplicate detection, field-level merge).
type Payload interface {
	PayloadType() Type
}

// PracticeSession records one sitting at the instrument.
type PracticeSession struct {
	SchemaVersion int      `json:"schemaVersion"`
	Instrument    string   `json:"instrument"`
	StartedAt     int64    `json:"startedAt"`
	DurationSec   int      `json:"durationSec"`
	Tempo         int      `json:"tempo,omitempty"`
	Notes         string   `json:"notes,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

func (PracticeSession) PayloadType() Type { return TypePracticeSession }

// LogbookEntry is a free-form diary record attached to a practice day.
type LogbookEntry struct {
	SchemaVersion int      `json:"schemaVersion"`
	Title         string   `json:"title"`
	Body          string   `json:"body,omitempty"`
	Instrument    string   `json:"instrument,omitempty"`
	DurationSec   int      `json:"durationSec,omitempty"`
	PracticedAt   int64    `json:"practicedAt"`
	Tags          []string `json:"tags,omitempty"`
}

func (LogbookEntry) PayloadType() Type { return TypeLogbookEntry }

// Goal is a practice target with progress tracking.
type Goal struct {
	SchemaVersion int      `json:"schemaVersion"`
	Title         string   `json:"title"`
	Notes         string   `json:"notes,omitempty"`
	Progress      float64  `json:"progress"`
	DueAt         int64    `json:"dueAt,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

func (Goal) PayloadType() Type { return TypeGoal }

// RepertoireItem is a piece the user is learning or maintaining.
type RepertoireItem struct {
	SchemaVersion int      `json:"schemaVersion"`
	Title         string   `json:"title"`
	Composer      string   `json:"composer,omitempty"`
	Status        string   `json:"status,omitempty"`
	Notes         string   `json:"notes,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

func (RepertoireItem) PayloadType() Type { return TypeRepertoireItem }

// DecodePayload unmarshals raw data into the concrete payload for t.
func DecodePayload(t Type, data json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TypePracticeSession:
		var v PracticeSession
		err = json.Unmarshal(data, &v)
		p = v
	case TypeLogbookEntry:
		var v LogbookEntry
		err = json.Unmarshal(data, &v)
		p = v
	case TypeGoal:
		var v Goal
		err = json.Unmarshal(data, &v)
		p = v
	case TypeRepertoireItem:
		var v RepertoireItem
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// EncodePayload marshals a typed payload back into opaque data bytes,
// stamping the current schema version when the payload carries zero.
func EncodePayload(p Payload) (json.RawMessage, error) {
	switch v := p.(type) {
	case PracticeSession:
		if v.SchemaVersion == 0 {
			v.SchemaVersion = CurrentSchemaVersion
		}
		return json.Marshal(v)
	case LogbookEntry:
		if v.SchemaVersion == 0 {
			v.SchemaVersion = CurrentSchemaVersion
		}
		return json.Marshal(v)
	case Goal:
		if v.SchemaVersion == 0 {
			v.SchemaVersion = CurrentSchemaVersion
		}
		return json.Marshal(v)
	case RepertoireItem:
		if v.SchemaVersion == 0 {
			v.SchemaVersion = CurrentSchemaVersion
		}
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("unknown payload type %T", p)
	}
}

// DuplicateKey computes the coarse grouping key used by duplicate
// detection: entity type plus a minute-bucketed timestamp plus the
// instrument (or title where no instrument applies). The second return is
// false when the payload cannot be decoded.
func (e *SyncableEntity) DuplicateKey() (string, bool) {
	p, err := DecodePayload(e.EntityType, e.Data)
	if err != nil {
		return "", false
	}
	switch v := p.(type) {
	case PracticeSession:
		return fmt.Sprintf("%s|%d|%s", e.EntityType, minuteBucket(v.StartedAt), v.Instrument), true
	case LogbookEntry:
		return fmt.Sprintf("%s|%d|%s", e.EntityType, minuteBucket(v.PracticedAt), v.Instrument), true
	case Goal:
		return fmt.Sprintf("%s|%s", e.EntityType, v.Title), true
	case RepertoireItem:
		return fmt.Sprintf("%s|%s|%s", e.EntityType, v.Title, v.Composer), true
	}
	return "", false
}

func minuteBucket(millis int64) int64 {
	return millis / 60_000
}
