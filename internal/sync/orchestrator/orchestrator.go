// Package orchestrator drives the device's sync cycle: pull server
// changes, collapse duplicates, resolve conflicts, push local edits,
// persist the new cursor. Writes never wait on a cycle; the local store
// accepts them immediately and a cycle ships them later.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opuslog/opuslog/internal/core/entity"
	"github.com/opuslog/opuslog/internal/core/events/bus"
	"github.com/opuslog/opuslog/internal/core/observability/log"
	"github.com/opuslog/opuslog/internal/core/resolve"
	"github.com/opuslog/opuslog/internal/sync/localstore"
	"github.com/opuslog/opuslog/internal/sync/queue"
	"github.com/opuslog/opuslog/internal/sync/remote"
)

// State is the phase the orchestrator is currently in.
type State string

const (
	StateIdle       State = "idle"
	StatePulling    State = "pulling"
	StateDetecting  State = "detecting"
	StateResolving  State = "resolving"
	StatePushing    State = "pushing"
	StatePersisting State = "persisting"
	StateFailed     State = "failed"
)

// Summary is the outcome of one completed cycle, published on the bus.
type Summary struct {
	Pulled     int    `json:"pulled"`
	Pushed     int    `json:"pushed"`
	Conflicts  int    `json:"conflicts"`
	Duplicates int    `json:"duplicates"`
	SyncToken  string `json:"syncToken"`
}

// Remote is the slice of the sync server the orchestrator needs.
type Remote interface {
	Pull(ctx context.Context, token string, limit int) (remote.PullResult, error)
	Push(ctx context.Context, batch []entity.SyncableEntity) (remote.PushResult, error)
	PushBulk(ctx context.Context, batch []entity.SyncableEntity) (remote.PushResult, error)
	Fetch(ctx context.Context, t entity.Type, id string) (*entity.SyncableEntity, error)
	FetchMetadata(ctx context.Context) (entity.SyncMetadata, error)
}

// Orchestrator owns the device's sync lifecycle. Cycles are serialized;
// a trigger arriving mid-cycle coalesces into exactly one follow-up
// cycle instead of queueing.
type Orchestrator struct {
	local    *localstore.Store
	remote   Remote
	queue    *queue.Queue
	resolver *resolve.Resolver
	detector *resolve.Detector
	bus      bus.EventBus
	logger   log.Log

	pullLimit int

	runMu sync.Mutex

	mu      sync.Mutex
	state   State
	pending bool
	running bool
}

// New wires an Orchestrator. eventBus may be nil when cycle results need
// no listeners.
func New(local *localstore.Store, rc Remote, q *queue.Queue, resolver *resolve.Resolver, detector *resolve.Detector, eventBus bus.EventBus, logger log.Log) *Orchestrator {
	if logger == nil {
		logger = log.Provide()
	}
	return &Orchestrator{
		local:     local,
		remote:    rc,
		queue:     q,
		resolver:  resolver,
		detector:  detector,
		bus:       eventBus,
		logger:    logger.With(log.String("component", "orchestrator")),
		pullLimit: 200,
		state:     StateIdle,
	}
}

// State returns the current phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// InitializeSync bootstraps a device that has local data but no sync
// history: the whole local dataset goes up in one bulk batch the server
// resolves itself, then a full pull replaces the cache with the merged
// authoritative view.
func (o *Orchestrator) InitializeSync(ctx context.Context) (Summary, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	unsynced, err := o.local.ListUnsynced(ctx)
	if err != nil {
		return Summary{}, o.fail(ctx, err)
	}
	var pushed int
	for start := 0; start < len(unsynced); start += o.pullLimit {
		end := start + o.pullLimit
		if end > len(unsynced) {
			end = len(unsynced)
		}
		o.setState(StatePushing)
		out, err := o.remote.PushBulk(ctx, unsynced[start:end])
		if err != nil {
			return Summary{}, o.fail(ctx, err)
		}
		for _, e := range out.Entities {
			if err = o.local.MarkSynced(ctx, e); err != nil {
				return Summary{}, o.fail(ctx, err)
			}
			// The bulk upload covers anything the row had queued.
			if err = o.local.ClearOps(ctx, e.EntityType, e.ID); err != nil {
				return Summary{}, o.fail(ctx, err)
			}
		}
		pushed += len(out.Accepted)
	}

	sum, err := o.cycle(ctx, true)
	sum.Pushed += pushed
	return sum, err
}

// PerformIncrementalSync runs one cycle from the persisted cursor. A
// concurrent caller does not start a second cycle; it marks one pending
// follow-up and returns.
func (o *Orchestrator) PerformIncrementalSync(ctx context.Context) (Summary, error) {
	o.mu.Lock()
	if o.running {
		o.pending = true
		o.mu.Unlock()
		return Summary{}, nil
	}
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	o.runMu.Lock()
	sum, err := o.cycle(ctx, false)
	o.runMu.Unlock()

	for err == nil && o.takePending() {
		o.runMu.Lock()
		sum, err = o.cycle(ctx, false)
		o.runMu.Unlock()
	}
	return sum, err
}

// ForceFullSync discards the cursor and pulls the entire dataset again.
// Local pending edits survive; they are pushed as part of the cycle.
func (o *Orchestrator) ForceFullSync(ctx context.Context) (Summary, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.cycle(ctx, true)
}

// AttemptFinalSync races one cycle against the deadline, for app
// shutdown. On timeout it returns without error; unsynced changes stay
// queued for the next launch.
func (o *Orchestrator) AttemptFinalSync(ctx context.Context, timeout time.Duration) (Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		sum Summary
		err error
	}
	done := make(chan result, 1)
	go func() {
		o.runMu.Lock()
		defer o.runMu.Unlock()
		sum, err := o.cycle(ctx, false)
		done <- result{sum, err}
	}()

	select {
	case r := <-done:
		if errors.Is(r.err, context.DeadlineExceeded) {
			o.logger.Info("final sync hit deadline, changes stay queued")
			return r.sum, nil
		}
		return r.sum, r.err
	case <-ctx.Done():
		o.logger.Info("final sync hit deadline, changes stay queued")
		return Summary{}, nil
	}
}

func (o *Orchestrator) takePending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.pending
	o.pending = false
	return p
}

// cycle runs pull, detect, resolve, push, persist. Callers hold runMu.
func (o *Orchestrator) cycle(ctx context.Context, full bool) (Summary, error) {
	var sum Summary

	token := ""
	if !full {
		var err error
		if token, err = o.local.SyncToken(ctx); err != nil {
			return sum, o.fail(ctx, err)
		}
	}

	o.setState(StatePulling)
	pulled, token, err := o.pullAll(ctx, token)
	if err != nil {
		return sum, o.fail(ctx, err)
	}
	sum.Pulled = len(pulled)

	o.setState(StateDetecting)
	if sum.Duplicates, err = o.collapseDuplicates(ctx, pulled); err != nil {
		return sum, o.fail(ctx, err)
	}

	o.setState(StateResolving)
	if sum.Conflicts, err = o.resolveConflicts(ctx, pulled); err != nil {
		return sum, o.fail(ctx, err)
	}

	o.setState(StatePushing)
	drained, err := o.queue.Drain(ctx)
	if err != nil {
		return sum, o.fail(ctx, err)
	}
	sum.Pushed = drained.Delivered
	sum.Conflicts += drained.Conflicts

	o.setState(StatePersisting)
	if token != "" {
		if err = o.local.SetSyncToken(ctx, token); err != nil {
			return sum, o.fail(ctx, err)
		}
	}
	sum.SyncToken = token

	outcome := entity.SyncStateSuccess
	if drained.Deferred > 0 || drained.Failed > 0 || drained.Conflicts > 0 {
		outcome = entity.SyncStatePartial
	}
	if err = o.local.SetSyncState(ctx, outcome, "", entity.NowMillis()); err != nil {
		return sum, o.fail(ctx, err)
	}

	o.setState(StateIdle)
	o.logger.Info("cycle complete",
		log.Int("pulled", sum.Pulled),
		log.Int("pushed", sum.Pushed),
		log.Int("conflicts", sum.Conflicts),
		log.Int("duplicates", sum.Duplicates))
	if o.bus != nil {
		_ = o.bus.Publish(bus.NewEvent(bus.EventSyncCompleted, "orchestrator", sum))
	}
	return sum, nil
}

// pullAll pages through the change stream until a short page arrives,
// applying every row to the local cache.
func (o *Orchestrator) pullAll(ctx context.Context, token string) ([]entity.SyncableEntity, string, error) {
	var all []entity.SyncableEntity
	for {
		page, err := o.remote.Pull(ctx, token, o.pullLimit)
		if err != nil {
			return nil, "", err
		}
		for _, e := range page.Entities {
			if err = o.local.ApplyRemote(ctx, e); err != nil {
				return nil, "", err
			}
		}
		all = append(all, page.Entities...)
		if page.NewSyncToken != "" {
			token = page.NewSyncToken
		}
		if len(page.Entities) < o.pullLimit {
			return all, token, nil
		}
	}
}

// collapseDuplicates compares local pending rows against the pulled set
// and writes back merges. Both sides of a merge go through Put so the
// queue ships the survivor and the tombstone on the next push.
func (o *Orchestrator) collapseDuplicates(ctx context.Context, pulled []entity.SyncableEntity) (int, error) {
	local, err := o.local.ListUnsynced(ctx)
	if err != nil {
		return 0, err
	}
	pairs := o.detector.Detect(local, pulled)
	for _, pair := range pairs {
		merge := o.detector.Merge(pair)
		if err = o.local.Put(ctx, merge.Survivor); err != nil {
			return 0, err
		}
		if err = o.local.Put(ctx, merge.Tombstoned); err != nil {
			return 0, err
		}
	}
	return len(pairs), nil
}

// resolveConflicts rebases every diverged unsynced row onto the server's
// counterpart and re-queues the merge for upload. Conflict rows whose
// counterpart fell outside the pull window are fetched directly; the
// rejection that flagged them already proved the server holds one.
func (o *Orchestrator) resolveConflicts(ctx context.Context, pulled []entity.SyncableEntity) (int, error) {
	byID := make(map[string]entity.SyncableEntity, len(pulled))
	for _, e := range pulled {
		byID[e.ID] = e
	}
	local, err := o.local.ListUnsynced(ctx)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, l := range local {
		r, ok := byID[l.ID]
		if !ok {
			if l.SyncStatus != entity.StatusConflict {
				continue
			}
			srv, ferr := o.remote.Fetch(ctx, l.EntityType, l.ID)
			if ferr != nil {
				if errors.Is(ferr, remote.ErrNotFound) {
					// Row vanished server-side; ship the local copy.
					if err = o.local.QueuePending(ctx, l); err != nil {
						return resolved, err
					}
					continue
				}
				return resolved, ferr
			}
			r = *srv
		}
		if l.SyncStatus != entity.StatusConflict && r.SyncVersion < l.SyncVersion {
			// A full pull echoes unchanged rows; a pending edit built on
			// top of one is simply ahead, not diverged.
			continue
		}
		if r.Checksum == l.Checksum {
			// Same content reached the server through another device;
			// adopt its version so the queued op replays idempotently.
			if err = o.local.MarkSynced(ctx, r); err != nil {
				return resolved, err
			}
			continue
		}
		merged := o.resolver.Resolve(entity.Conflict{EntityID: l.ID, Local: l, Remote: r})
		if err = o.local.Put(ctx, merged); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) fail(ctx context.Context, err error) error {
	o.setState(StateFailed)
	o.logger.Warn("cycle failed", log.Error(err))
	if serr := o.local.SetSyncState(ctx, entity.SyncStateFailed, err.Error(), entity.NowMillis()); serr != nil {
		o.logger.Warn("recording sync state failed", log.Error(serr))
	}
	if o.bus != nil {
		_ = o.bus.Publish(bus.NewEvent(bus.EventSyncFailed, "orchestrator", err.Error()))
	}
	return err
}

// Status reports the device's sync position: cursor, last outcome and
// the number of ops still waiting for upload.
func (o *Orchestrator) Status(ctx context.Context) (entity.SyncMetadata, error) {
	token, err := o.local.SyncToken(ctx)
	if err != nil {
		return entity.SyncMetadata{}, err
	}
	state, lastErr, at, err := o.local.SyncState(ctx)
	if err != nil {
		return entity.SyncMetadata{}, err
	}
	pending, err := o.local.QueuedCount(ctx)
	if err != nil {
		return entity.SyncMetadata{}, err
	}
	return entity.SyncMetadata{
		SyncToken:         token,
		LastSyncTimestamp: at,
		LastSyncStatus:    state,
		LastSyncError:     lastErr,
		PendingSyncCount:  pending,
	}, nil
}
