// Package queue drains the device's pending uploads. Ops leave in
// enqueue order per entity; transient failures back off exponentially
// and permanent rejections surface as conflicts instead of blocking the
// queue forever.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/opuslog/opuslog/internal/core/entity"
	"github.com/opuslog/opuslog/internal/core/observability/log"
	"github.com/opuslog/opuslog/internal/sync/localstore"
	"github.com/opuslog/opuslog/internal/sync/remote"
)

// Sender is the slice of the remote client the queue needs.
type Sender interface {
	Push(ctx context.Context, batch []entity.SyncableEntity) (remote.PushResult, error)
}

// Config tunes retry behavior.
type Config struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	BatchSize  int
}

// DefaultConfig matches a mobile client on a flaky link.
func DefaultConfig() Config {
	return Config{
		BaseDelay:  2 * time.Second,
		MaxDelay:   5 * time.Minute,
		MaxRetries: 8,
		BatchSize:  50,
	}
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Delivered int
	Deferred  int
	Conflicts int
	Failed    int
}

// Queue processes the persisted op queue against the server.
type Queue struct {
	store  *localstore.Store
	sender Sender
	cfg    Config
	logger log.Log
	now    func() int64
}

// New builds a Queue over the local store.
func New(store *localstore.Store, sender Sender, cfg Config, logger log.Log) *Queue {
	if cfg.BaseDelay <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = log.Provide()
	}
	return &Queue{
		store:  store,
		sender: sender,
		cfg:    cfg,
		logger: logger.With(log.String("component", "queue")),
		now:    entity.NowMillis,
	}
}

// Drain pushes every due op in order. Accepted ops are removed and the
// rows marked synced; version rejections flag the row as a conflict for
// the next pull-and-resolve cycle; network errors reschedule the op.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	ops, err := q.store.DueOps(ctx, q.now(), q.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	if len(ops) == 0 {
		return res, nil
	}

	// Ops are dirty markers; the row snapshot pushed here covers every
	// op queued for it, so they all complete together.
	batch := make([]entity.SyncableEntity, 0, len(ops))
	opsFor := make(map[string][]localstore.PendingOp, len(ops))
	for _, op := range ops {
		if _, ok := opsFor[op.EntityID]; ok {
			opsFor[op.EntityID] = append(opsFor[op.EntityID], op)
			continue
		}
		e, err := q.store.Get(ctx, op.EntityType, op.EntityID)
		if err != nil {
			if errors.Is(err, localstore.ErrNotFound) {
				// Row vanished under the op; nothing left to upload.
				_ = q.store.CompleteOp(ctx, op.Seq)
				continue
			}
			return res, err
		}
		batch = append(batch, *e)
		opsFor[op.EntityID] = []localstore.PendingOp{op}
	}
	if len(batch) == 0 {
		return res, nil
	}

	out, err := q.sender.Push(ctx, batch)
	if err != nil {
		if remote.Retryable(err) {
			res.Deferred = len(batch)
			return res, q.rescheduleAll(ctx, opsFor, batch)
		}
		return res, err
	}

	byID := make(map[string]entity.SyncableEntity, len(out.Entities))
	for _, e := range out.Entities {
		byID[e.ID] = e
	}
	for _, id := range out.Accepted {
		entityOps, ok := opsFor[id]
		if !ok {
			continue
		}
		delete(opsFor, id)
		if accepted, ok := byID[id]; ok {
			if err = q.store.MarkSynced(ctx, accepted); err != nil {
				return res, err
			}
		}
		for _, op := range entityOps {
			if err = q.store.CompleteOp(ctx, op.Seq); err != nil {
				return res, err
			}
		}
		res.Delivered++
	}
	for _, rej := range out.Rejected {
		entityOps, ok := opsFor[rej.ID]
		if !ok {
			continue
		}
		delete(opsFor, rej.ID)
		// A version rejection means another device moved the row; the
		// conflict is resolved by pulling, not by retrying the push.
		if err = q.store.MarkConflict(ctx, entityOps[0].EntityType, entityOps[0].EntityID); err != nil {
			return res, err
		}
		for _, op := range entityOps {
			if err = q.store.CompleteOp(ctx, op.Seq); err != nil {
				return res, err
			}
		}
		res.Conflicts++
		q.logger.Info("push rejected",
			log.String("entity_id", rej.ID),
			log.Int64("server_version", rej.ServerVersion),
			log.String("reason", rej.Reason))
	}
	return res, nil
}

func (q *Queue) rescheduleAll(ctx context.Context, opsFor map[string][]localstore.PendingOp, batch []entity.SyncableEntity) error {
	now := q.now()
	for _, e := range batch {
		for _, op := range opsFor[e.ID] {
			if op.RetryCount+1 >= q.cfg.MaxRetries {
				q.logger.Warn("op exhausted retries",
					log.String("entity_id", op.EntityID),
					log.Int("retries", op.RetryCount))
				if err := q.store.FailOp(ctx, op.Seq); err != nil {
					return err
				}
				continue
			}
			if err := q.store.RescheduleOp(ctx, op.Seq, now+q.backoff(op.RetryCount).Milliseconds()); err != nil {
				return err
			}
		}
	}
	return nil
}

// backoff returns base*2^retry capped at MaxDelay.
func (q *Queue) backoff(retry int) time.Duration {
	d := q.cfg.BaseDelay
	for i := 0; i < retry && d < q.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > q.cfg.MaxDelay {
		d = q.cfg.MaxDelay
	}
	return d
}

// Pending reports how many ops are still waiting.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	return q.store.QueuedCount(ctx)
}
