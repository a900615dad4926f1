// Package resolve decides the outcome of concurrent edits: last-write-wins
// conflict resolution for diverged versions of one entity, and duplicate
// collapse for distinct records describing the same logical event.
package resolve

import (
	"encoding/json"

	"github.com/opuslog/opuslog/internal/core/entity"
	"github.com/opuslog/opuslog/internal/core/observability/log"
)

// Resolver merges diverged versions of one entity deterministically.
type Resolver struct {
	logger log.Log
}

func NewResolver(logger log.Log) *Resolver {
	if logger == nil {
		logger = log.Provide()
	}
	return &Resolver{logger: logger.With(log.String("component", "resolver"))}
}

// Diverged reports whether both sides moved past the last common sync
// point independently. Only then is resolution needed; otherwise one side
// is a plain fast-forward of the other.
func Diverged(local, remote entity.SyncableEntity, baseVersion int64) bool {
	return local.SyncVersion > baseVersion && remote.SyncVersion > baseVersion
}

// Resolve picks the winner by updatedAt, ties broken by lexical deviceId
// order so every device computes the same answer regardless of arrival
// order. The loser's non-overlapping fields survive via a shallow merge.
// The merged entity carries syncVersion = max(local, remote) + 1 and a
// fresh checksum.
func (r *Resolver) Resolve(c entity.Conflict) entity.SyncableEntity {
	winner, loser := pickWinner(c.Local, c.Remote)

	merged := winner.Clone()
	merged.Data = mergeFields(winner, loser)
	if merged.SyncVersion = c.Local.SyncVersion; c.Remote.SyncVersion > merged.SyncVersion {
		merged.SyncVersion = c.Remote.SyncVersion
	}
	merged.SyncVersion++
	merged.RecomputeChecksum()
	merged.SyncStatus = entity.StatusSynced

	r.logger.Info("conflict resolved",
		log.String("entity_id", c.EntityID),
		log.String("entity_type", string(winner.EntityType)),
		log.Int64("local_version", c.Local.SyncVersion),
		log.Int64("remote_version", c.Remote.SyncVersion),
		log.Int64("merged_version", merged.SyncVersion),
		log.String("winner_device", winner.DeviceID),
	)
	return merged
}

func pickWinner(a, b entity.SyncableEntity) (winner, loser entity.SyncableEntity) {
	if a.UpdatedAt != b.UpdatedAt {
		if a.UpdatedAt > b.UpdatedAt {
			return a, b
		}
		return b, a
	}
	// Never decide by arrival order; it is nondeterministic.
	if a.DeviceID <= b.DeviceID {
		return a, b
	}
	return b, a
}

// mergeFields does a shallow field-level merge: the loser's value is kept
// only where the winner's field is unset or empty. Tag lists are unioned.
// A tombstoned winner keeps its data untouched.
func mergeFields(winner, loser entity.SyncableEntity) json.RawMessage {
	if winner.Deleted() {
		return winner.Data
	}
	var w, l map[string]any
	if err := json.Unmarshal(winner.Data, &w); err != nil {
		return winner.Data
	}
	if err := json.Unmarshal(loser.Data, &l); err != nil {
		return winner.Data
	}
	for k, lv := range l {
		wv, ok := w[k]
		if k == "tags" {
			w[k] = unionTags(wv, lv)
			continue
		}
		if !ok || isEmptyValue(wv) {
			w[k] = lv
		}
	}
	out, err := json.Marshal(w)
	if err != nil {
		return winner.Data
	}
	return out
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func unionTags(a, b any) []any {
	seen := make(map[string]struct{})
	out := make([]any, 0)
	for _, side := range []any{a, b} {
		list, ok := side.([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
