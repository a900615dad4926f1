package resolve

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opuslog/opuslog/internal/core/entity"
	"github.com/opuslog/opuslog/internal/core/observability/log"
)

func mkVersion(deviceID string, updatedAt int64, version int64, data string) entity.SyncableEntity {
	e := entity.SyncableEntity{
		ID:          "e1",
		EntityType:  entity.TypeLogbookEntry,
		Data:        json.RawMessage(data),
		CreatedAt:   1000,
		UpdatedAt:   updatedAt,
		SyncVersion: version,
		DeviceID:    deviceID,
	}
	e.RecomputeChecksum()
	return e
}

func TestDiverged(t *testing.T) {
	local := mkVersion("a", 2000, 3, `{}`)
	remote := mkVersion("b", 2000, 4, `{}`)

	assert.True(t, Diverged(local, remote, 2))
	assert.False(t, Diverged(local, remote, 3)) // remote is a fast-forward
}

func TestResolveLastWriteWins(t *testing.T) {
	r := NewResolver(log.Nop())

	local := mkVersion("phone", 3000, 3, `{"title":"newer"}`)
	remote := mkVersion("laptop", 2000, 3, `{"title":"older"}`)

	merged := r.Resolve(entity.Conflict{EntityID: "e1", Local: local, Remote: remote})

	var data map[string]any
	require.NoError(t, json.Unmarshal(merged.Data, &data))
	assert.Equal(t, "newer", data["title"])
	assert.Equal(t, int64(4), merged.SyncVersion)
	assert.Equal(t, entity.Checksum(merged.Data), merged.Checksum)
}

func TestResolveTieBreaksByDeviceID(t *testing.T) {
	r := NewResolver(log.Nop())

	a := mkVersion("aaa", 2000, 3, `{"title":"from aaa"}`)
	b := mkVersion("bbb", 2000, 3, `{"title":"from bbb"}`)

	// Both orderings produce the same winner.
	m1 := r.Resolve(entity.Conflict{EntityID: "e1", Local: a, Remote: b})
	m2 := r.Resolve(entity.Conflict{EntityID: "e1", Local: b, Remote: a})

	var d1, d2 map[string]any
	require.NoError(t, json.Unmarshal(m1.Data, &d1))
	require.NoError(t, json.Unmarshal(m2.Data, &d2))
	assert.Equal(t, "from aaa", d1["title"])
	assert.Equal(t, d1["title"], d2["title"])
	assert.Equal(t, m1.Checksum, m2.Checksum)
}

func TestResolveMergesLoserFields(t *testing.T) {
	r := NewResolver(log.Nop())

	local := mkVersion("phone", 3000, 3, `{"title":"winner","notes":""}`)
	remote := mkVersion("laptop", 2000, 3, `{"title":"loser","notes":"keep these notes","instrument":"cello"}`)

	merged := r.Resolve(entity.Conflict{EntityID: "e1", Local: local, Remote: remote})

	var data map[string]any
	require.NoError(t, json.Unmarshal(merged.Data, &data))
	assert.Equal(t, "winner", data["title"])
	assert.Equal(t, "keep these notes", data["notes"])
	assert.Equal(t, "cello", data["instrument"])
}

func TestResolveUnionsTags(t *testing.T) {
	r := NewResolver(log.Nop())

	local := mkVersion("phone", 3000, 3, `{"title":"x","tags":["czerny","technique"]}`)
	remote := mkVersion("laptop", 2000, 3, `{"title":"x","tags":["technique","scales"]}`)

	merged := r.Resolve(entity.Conflict{EntityID: "e1", Local: local, Remote: remote})

	var data struct {
		Tags []string `json:"tags"`
	}
	require.NoError(t, json.Unmarshal(merged.Data, &data))
	assert.ElementsMatch(t, []string{"czerny", "technique", "scales"}, data.Tags)
}

func TestResolveTombstoneWins(t *testing.T) {
	r := NewResolver(log.Nop())

	local := mkVersion("phone", 3000, 3, `{"title":"deleted"}`)
	local.MarkDeleted(3000)
	remote := mkVersion("laptop", 2000, 3, `{"title":"edited"}`)

	merged := r.Resolve(entity.Conflict{EntityID: "e1", Local: local, Remote: remote})
	assert.True(t, merged.Deleted())
	assert.JSONEq(t, `{"title":"deleted"}`, string(merged.Data))
}
