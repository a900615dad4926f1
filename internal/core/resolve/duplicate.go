package resolve

import (
	"github.com/opuslog/opuslog/internal/core/entity"
	"github.com/opuslog/opuslog/internal/core/observability/log"
)

// durationToleranceSec bounds how far apart two session durations may be
// while still counting as the same sitting.
const durationToleranceSec = 60

// DuplicatePair flags two records with different ids that describe the
// same logical entity.
type DuplicatePair struct {
	Local  entity.SyncableEntity
	Remote entity.SyncableEntity
}

// DuplicateMerge is the outcome of collapsing a pair: the survivor keeps
// the earlier createdAt and absorbs non-conflicting metadata; the
// discarded record becomes a tombstone so an in-flight copy on another
// device cannot resurrect it.
type DuplicateMerge struct {
	Survivor   entity.SyncableEntity
	Tombstoned entity.SyncableEntity
}

// Detector finds and collapses duplicate records.
type Detector struct {
	logger log.Log
}

func NewDetector(logger log.Log) *Detector {
	if logger == nil {
		logger = log.Provide()
	}
	return &Detector{logger: logger.With(log.String("component", "duplicates"))}
}

// Detect compares local against remote entities of one user and returns
// pairs judged to be the same logical record despite distinct ids.
// Candidates are grouped by the coarse key (type + minute bucket +
// instrument) first; only within a bucket are checksums and near-equality
// compared.
func (d *Detector) Detect(local, remote []entity.SyncableEntity) []DuplicatePair {
	buckets := make(map[string][]entity.SyncableEntity)
	for _, r := range remote {
		if r.Deleted() {
			continue
		}
		key, ok := r.DuplicateKey()
		if !ok {
			continue
		}
		buckets[key] = append(buckets[key], r)
	}

	var pairs []DuplicatePair
	for _, l := range local {
		if l.Deleted() {
			continue
		}
		key, ok := l.DuplicateKey()
		if !ok {
			continue
		}
		for _, r := range buckets[key] {
			if l.ID == r.ID || l.EntityType != r.EntityType {
				continue
			}
			if sameRecord(l, r) {
				pairs = append(pairs, DuplicatePair{Local: l, Remote: r})
				break
			}
		}
	}
	return pairs
}

// Merge collapses one pair. The record with the earlier createdAt
// survives; tag metadata from the discarded record is unioned in; the
// discarded record is tombstoned, never hard-deleted.
func (d *Detector) Merge(pair DuplicatePair) DuplicateMerge {
	survivor, discarded := pair.Local, pair.Remote
	if discarded.CreatedAt < survivor.CreatedAt {
		survivor, discarded = discarded, survivor
	}

	out := survivor.Clone()
	out.Data = mergeFields(survivor, discarded)
	out.UpdatedAt = entity.NowMillis()
	if out.SyncVersion = survivor.SyncVersion; discarded.SyncVersion > out.SyncVersion {
		out.SyncVersion = discarded.SyncVersion
	}
	out.SyncVersion++
	out.RecomputeChecksum()
	out.SyncStatus = entity.StatusPending

	dead := discarded.Clone()
	dead.MarkDeleted(entity.NowMillis())
	dead.SyncVersion++
	dead.SyncStatus = entity.StatusPending

	d.logger.Info("duplicate collapsed",
		log.String("entity_type", string(out.EntityType)),
		log.String("survivor_id", out.ID),
		log.String("tombstoned_id", dead.ID),
	)
	return DuplicateMerge{Survivor: out, Tombstoned: dead}
}

// sameRecord holds when two bucket-mates pass the similarity threshold:
// identical content hashes, or near-equal practice sessions (same
// instrument bucket already, duration within tolerance).
func sameRecord(a, b entity.SyncableEntity) bool {
	if a.Checksum != "" && a.Checksum == b.Checksum {
		return true
	}
	if a.EntityType != entity.TypePracticeSession {
		return false
	}
	pa, errA := entity.DecodePayload(a.EntityType, a.Data)
	pb, errB := entity.DecodePayload(b.EntityType, b.Data)
	if errA != nil || errB != nil {
		return false
	}
	sa, okA := pa.(entity.PracticeSession)
	sb, okB := pb.(entity.PracticeSession)
	if !okA || !okB {
		return false
	}
	diff := sa.DurationSec - sb.DurationSec
	if diff < 0 {
		diff = -diff
	}
	return diff <= durationToleranceSec
}
