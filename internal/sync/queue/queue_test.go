package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opuslog/opuslog/internal/core/entity"
	"github.com/opuslog/opuslog/internal/core/observability/log"
	"github.com/opuslog/opuslog/internal/sync/localstore"
	"github.com/opuslog/opuslog/internal/sync/remote"
)

// fakeSender scripts the server's verdicts.
type fakeSender struct {
	pushes  [][]entity.SyncableEntity
	fail    error
	rejects map[string]remote.Rejection
}

func (f *fakeSender) Push(_ context.Context, batch []entity.SyncableEntity) (remote.PushResult, error) {
	f.pushes = append(f.pushes, batch)
	if f.fail != nil {
		return remote.PushResult{}, f.fail
	}
	var out remote.PushResult
	for _, e := range batch {
		if rej, ok := f.rejects[e.ID]; ok {
			out.Rejected = append(out.Rejected, rej)
			continue
		}
		accepted := e.Clone()
		accepted.SyncStatus = entity.StatusSynced
		out.Accepted = append(out.Accepted, e.ID)
		out.Entities = append(out.Entities, accepted)
	}
	return out, nil
}

func testQueue(t *testing.T, sender Sender) (*Queue, *localstore.Store) {
	t.Helper()
	st, err := localstore.Open(t.TempDir()+"/q.db", log.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, sender, DefaultConfig(), log.Nop()), st
}

func queuedEntity(id string) entity.SyncableEntity {
	e := entity.SyncableEntity{
		ID:          id,
		EntityType:  entity.TypeLogbookEntry,
		Data:        json.RawMessage(`{"title":"queued"}`),
		CreatedAt:   1000,
		UpdatedAt:   2000,
		SyncVersion: 1,
	}
	e.RecomputeChecksum()
	return e
}

func TestDrainDeliversInOrder(t *testing.T) {
	sender := &fakeSender{}
	q, st := testQueue(t, sender)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, queuedEntity("e1")))
	require.NoError(t, st.Put(ctx, queuedEntity("e2")))

	res, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	require.Len(t, sender.pushes, 1)
	assert.Equal(t, "e1", sender.pushes[0][0].ID)
	assert.Equal(t, "e2", sender.pushes[0][1].ID)

	// Nothing left.
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	got, err := st.Get(ctx, entity.TypeLogbookEntry, "e1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusSynced, got.SyncStatus)
}

func TestDrainCoalescesOpsForOneEntity(t *testing.T) {
	sender := &fakeSender{}
	q, st := testQueue(t, sender)
	ctx := context.Background()

	// Two edits to the same row before a drain: one snapshot goes up and
	// both ops complete with it.
	e := queuedEntity("e1")
	require.NoError(t, st.Put(ctx, e))
	e.Data = json.RawMessage(`{"title":"edited again"}`)
	e.UpdatedAt = 3000
	e.RecomputeChecksum()
	require.NoError(t, st.Put(ctx, e))

	res, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	require.Len(t, sender.pushes, 1)
	require.Len(t, sender.pushes[0], 1)
	assert.JSONEq(t, `{"title":"edited again"}`, string(sender.pushes[0][0].Data))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestDrainEmptyQueueIsNoop(t *testing.T) {
	sender := &fakeSender{}
	q, _ := testQueue(t, sender)

	res, err := q.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)
	assert.Empty(t, sender.pushes)
}

func TestDrainNetworkErrorBacksOff(t *testing.T) {
	sender := &fakeSender{fail: fmt.Errorf("%w: connection refused", remote.ErrNetwork)}
	q, st := testQueue(t, sender)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, queuedEntity("e1")))

	res, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)

	// The op survived but is not due again yet.
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	res, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Deferred)
	assert.Len(t, sender.pushes, 1)
}

func TestDrainAuthErrorPropagates(t *testing.T) {
	sender := &fakeSender{fail: fmt.Errorf("%w: bad token", remote.ErrAuth)}
	q, st := testQueue(t, sender)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, queuedEntity("e1")))

	_, err := q.Drain(ctx)
	assert.ErrorIs(t, err, remote.ErrAuth)

	// Not consumed and not backed off: retrying cannot help until the
	// credential changes.
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestDrainRejectionBecomesConflict(t *testing.T) {
	sender := &fakeSender{rejects: map[string]remote.Rejection{
		"e1": {ID: "e1", ServerVersion: 4, Reason: "version_conflict"},
	}}
	q, st := testQueue(t, sender)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, queuedEntity("e1")))
	require.NoError(t, st.Put(ctx, queuedEntity("e2")))

	res, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Conflicts)

	got, err := st.Get(ctx, entity.TypeLogbookEntry, "e1")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusConflict, got.SyncStatus)

	// The rejected op does not sit in the queue forever.
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestRetriesExhaustToFailed(t *testing.T) {
	sender := &fakeSender{fail: fmt.Errorf("%w: down", remote.ErrNetwork)}
	st, err := localstore.Open(t.TempDir()+"/q.db", log.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	q := New(st, sender, cfg, log.Nop())

	ctx := context.Background()
	require.NoError(t, st.Put(ctx, queuedEntity("e1")))

	// Make the op instantly due again to step through retries.
	for i := 0; i < cfg.MaxRetries; i++ {
		ops, lerr := st.DueOps(ctx, time.Now().Add(time.Hour).UnixMilli(), 10)
		require.NoError(t, lerr)
		for _, op := range ops {
			require.NoError(t, st.RescheduleOp(ctx, op.Seq, 0))
		}
		_, err = q.Drain(ctx)
		require.NoError(t, err)
	}

	failed, err := st.FailedOps(ctx)
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestBackoffCaps(t *testing.T) {
	q := New(nil, nil, Config{
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		MaxRetries: 20,
		BatchSize:  10,
	}, log.Nop())

	assert.Equal(t, time.Second, q.backoff(0))
	assert.Equal(t, 2*time.Second, q.backoff(1))
	assert.Equal(t, 8*time.Second, q.backoff(3))
	assert.Equal(t, 10*time.Second, q.backoff(10))
}
