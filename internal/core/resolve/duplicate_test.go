package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opuslog/opuslog/internal/core/entity"
	"github.com/opuslog/opuslog/internal/core/observability/log"
)

func mkSession(id string, createdAt, startedAt int64, durationSec int, tags ...string) entity.SyncableEntity {
	data, err := entity.EncodePayload(entity.PracticeSession{
		Instrument:  "piano",
		StartedAt:   startedAt,
		DurationSec: durationSec,
		Tags:        tags,
	})
	if err != nil {
		panic(err)
	}
	e := entity.SyncableEntity{
		ID:          id,
		EntityType:  entity.TypePracticeSession,
		Data:        data,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
		SyncVersion: 1,
	}
	e.RecomputeChecksum()
	return e
}

func TestDetectSameChecksum(t *testing.T) {
	d := NewDetector(log.Nop())

	local := mkSession("local-1", 1000, 120_000, 1800)
	remote := mkSession("remote-1", 2000, 120_000, 1800)

	pairs := d.Detect(
		[]entity.SyncableEntity{local},
		[]entity.SyncableEntity{remote},
	)
	require.Len(t, pairs, 1)
	assert.Equal(t, "local-1", pairs[0].Local.ID)
	assert.Equal(t, "remote-1", pairs[0].Remote.ID)
}

func TestDetectNearEqualDuration(t *testing.T) {
	d := NewDetector(log.Nop())

	// Same minute and instrument, durations 30s apart: one sitting logged
	// twice with slightly different stop times.
	local := mkSession("local-1", 1000, 120_000, 1800)
	remote := mkSession("remote-1", 2000, 150_000, 1830)

	pairs := d.Detect(
		[]entity.SyncableEntity{local},
		[]entity.SyncableEntity{remote},
	)
	assert.Len(t, pairs, 1)
}

func TestDetectDifferentMinuteNoMatch(t *testing.T) {
	d := NewDetector(log.Nop())

	local := mkSession("local-1", 1000, 120_000, 1800)
	remote := mkSession("remote-1", 2000, 190_000, 1800)

	pairs := d.Detect(
		[]entity.SyncableEntity{local},
		[]entity.SyncableEntity{remote},
	)
	assert.Empty(t, pairs)
}

func TestDetectDurationOutsideTolerance(t *testing.T) {
	d := NewDetector(log.Nop())

	local := mkSession("local-1", 1000, 120_000, 1800)
	remote := mkSession("remote-1", 2000, 120_000, 3600)

	pairs := d.Detect(
		[]entity.SyncableEntity{local},
		[]entity.SyncableEntity{remote},
	)
	assert.Empty(t, pairs)
}

func TestDetectSkipsTombstones(t *testing.T) {
	d := NewDetector(log.Nop())

	local := mkSession("local-1", 1000, 120_000, 1800)
	remote := mkSession("remote-1", 2000, 120_000, 1800)
	remote.MarkDeleted(5000)

	pairs := d.Detect(
		[]entity.SyncableEntity{local},
		[]entity.SyncableEntity{remote},
	)
	assert.Empty(t, pairs)
}

func TestMergeEarlierCreatedAtSurvives(t *testing.T) {
	d := NewDetector(log.Nop())

	older := mkSession("older", 1000, 120_000, 1800, "scales")
	newer := mkSession("newer", 5000, 120_000, 1800, "etudes")

	merge := d.Merge(DuplicatePair{Local: newer, Remote: older})

	assert.Equal(t, "older", merge.Survivor.ID)
	assert.Equal(t, "newer", merge.Tombstoned.ID)
	assert.True(t, merge.Tombstoned.Deleted())
	assert.False(t, merge.Survivor.Deleted())
	assert.Equal(t, entity.StatusPending, merge.Survivor.SyncStatus)

	// Tag metadata from the discarded copy is unioned in.
	p, err := entity.DecodePayload(entity.TypePracticeSession, merge.Survivor.Data)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"scales", "etudes"}, p.(entity.PracticeSession).Tags)
}

func TestMergeBumpsVersionPastBothSides(t *testing.T) {
	d := NewDetector(log.Nop())

	a := mkSession("a", 1000, 120_000, 1800)
	a.SyncVersion = 4
	b := mkSession("b", 2000, 120_000, 1800)
	b.SyncVersion = 7

	merge := d.Merge(DuplicatePair{Local: a, Remote: b})
	assert.Equal(t, int64(8), merge.Survivor.SyncVersion)
}
