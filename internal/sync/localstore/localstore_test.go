package localstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opuslog/opuslog/internal/core/entity"
	"github.com/opuslog/opuslog/internal/core/observability/log"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir()+"/local.db", log.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func localEntity(id string, updatedAt int64) entity.SyncableEntity {
	e := entity.SyncableEntity{
		ID:          id,
		EntityType:  entity.TypeGoal,
		Data:        json.RawMessage(`{"title":"local"}`),
		CreatedAt:   1000,
		UpdatedAt:   updatedAt,
		SyncVersion: 1,
		DeviceID:    "phone",
	}
	e.RecomputeChecksum()
	return e
}

func TestPutIsLocalFirst(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, localEntity("g1", 2000)))

	got, err := st.Get(ctx, entity.TypeGoal, "g1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, got.SyncStatus)

	// The write also queued an upload op.
	ops, err := st.DueOps(ctx, entity.NowMillis(), 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, OpUpsert, ops[0].Op)
	assert.Equal(t, "g1", ops[0].EntityID)
}

func TestPutTombstoneQueuesDelete(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	e := localEntity("g1", 2000)
	e.MarkDeleted(3000)
	require.NoError(t, st.Put(ctx, e))

	ops, err := st.DueOps(ctx, entity.NowMillis(), 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, OpDelete, ops[0].Op)
}

func TestMarkSyncedClearsPending(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, localEntity("g1", 2000)))

	unsynced, err := st.ListUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)

	accepted := unsynced[0]
	accepted.SyncVersion = 2
	require.NoError(t, st.MarkSynced(ctx, accepted))

	unsynced, err = st.ListUnsynced(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	got, err := st.Get(ctx, entity.TypeGoal, "g1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusSynced, got.SyncStatus)
	assert.Equal(t, int64(2), got.SyncVersion)
}

func TestApplyRemoteKeepsNewerPendingEdit(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	local := localEntity("g1", 5000)
	require.NoError(t, st.Put(ctx, local))

	remote := localEntity("g1", 3000)
	remote.Data = json.RawMessage(`{"title":"older server copy"}`)
	remote.RecomputeChecksum()
	require.NoError(t, st.ApplyRemote(ctx, remote))

	got, err := st.Get(ctx, entity.TypeGoal, "g1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, got.SyncStatus)
	assert.JSONEq(t, `{"title":"local"}`, string(got.Data))
}

func TestApplyRemoteNeverClobbersUnsyncedRow(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	// Even a newer server copy must not replace an unshipped local edit;
	// the two sides diverged and only the resolver may merge them.
	local := localEntity("g1", 2000)
	require.NoError(t, st.Put(ctx, local))

	remote := localEntity("g1", 9000)
	remote.Data = json.RawMessage(`{"title":"newer server copy"}`)
	remote.RecomputeChecksum()
	require.NoError(t, st.ApplyRemote(ctx, remote))

	got, err := st.Get(ctx, entity.TypeGoal, "g1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, got.SyncStatus)
	assert.JSONEq(t, `{"title":"local"}`, string(got.Data))
}

func TestApplyRemoteOverwritesSyncedRow(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	local := localEntity("g1", 2000)
	require.NoError(t, st.Put(ctx, local))
	local.SyncVersion = 1
	require.NoError(t, st.MarkSynced(ctx, local))

	remote := localEntity("g1", 9000)
	remote.SyncVersion = 2
	remote.Data = json.RawMessage(`{"title":"newer server copy"}`)
	remote.RecomputeChecksum()
	require.NoError(t, st.ApplyRemote(ctx, remote))

	got, err := st.Get(ctx, entity.TypeGoal, "g1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusSynced, got.SyncStatus)
	assert.Equal(t, int64(2), got.SyncVersion)
	assert.JSONEq(t, `{"title":"newer server copy"}`, string(got.Data))
}

func TestSyncStateRoundTrip(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	state, errMsg, at, err := st.SyncState(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.SyncStateNever, state)
	assert.Empty(t, errMsg)
	assert.Zero(t, at)

	require.NoError(t, st.SetSyncState(ctx, entity.SyncStateFailed, "pull: timeout", 4200))
	state, errMsg, at, err = st.SyncState(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.SyncStateFailed, state)
	assert.Equal(t, "pull: timeout", errMsg)
	assert.Equal(t, int64(4200), at)

	require.NoError(t, st.SetSyncState(ctx, entity.SyncStateSuccess, "", 5000))
	state, errMsg, _, err = st.SyncState(ctx)
	require.NoError(t, err)
	assert.Equal(t, entity.SyncStateSuccess, state)
	assert.Empty(t, errMsg)
}

func TestDueOpsPreservesPerEntityOrder(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	// Create then update the same entity, plus an unrelated one.
	require.NoError(t, st.Put(ctx, localEntity("g1", 2000)))
	require.NoError(t, st.Put(ctx, localEntity("g1", 3000)))
	require.NoError(t, st.Put(ctx, localEntity("g2", 2500)))

	ops, err := st.DueOps(ctx, entity.NowMillis(), 10)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Less(t, ops[0].Seq, ops[1].Seq)

	// Defer the first g1 op into the future: the second g1 op must not
	// jump the queue, but g2 still flows.
	require.NoError(t, st.RescheduleOp(ctx, ops[0].Seq, entity.NowMillis()+60_000))

	due, err := st.DueOps(ctx, entity.NowMillis(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "g2", due[0].EntityID)
}

func TestFailOpUnblocksEntity(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, localEntity("g1", 2000)))
	require.NoError(t, st.Put(ctx, localEntity("g1", 3000)))

	ops, err := st.DueOps(ctx, entity.NowMillis(), 10)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	require.NoError(t, st.FailOp(ctx, ops[0].Seq))

	due, err := st.DueOps(ctx, entity.NowMillis(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, ops[1].Seq, due[0].Seq)

	failed, err := st.FailedOps(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ops[0].Seq, failed[0].Seq)
}

func TestSyncTokenPersistence(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	tok, err := st.SyncToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", tok)

	require.NoError(t, st.SetSyncToken(ctx, "c42"))
	require.NoError(t, st.SetSyncToken(ctx, "c43"))

	tok, err = st.SyncToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c43", tok)
}

func TestMarkConflict(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, localEntity("g1", 2000)))
	require.NoError(t, st.MarkConflict(ctx, entity.TypeGoal, "g1"))

	got, err := st.Get(ctx, entity.TypeGoal, "g1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusConflict, got.SyncStatus)

	// Conflicted rows still count as unsynced.
	unsynced, err := st.ListUnsynced(ctx)
	require.NoError(t, err)
	assert.Len(t, unsynced, 1)
}
