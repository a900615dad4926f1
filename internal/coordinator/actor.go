// Package coordinator hosts the server-side per-user sync actor: a
// single goroutine per user that owns that user's live device
// connections, serializes every write to the persistence store, and
// broadcasts accepted changes to the user's other devices.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/opuslog/opuslog/internal/core/entity"
	"github.com/opuslog/opuslog/internal/core/observability/log"
	"github.com/opuslog/opuslog/internal/core/resolve"
	"github.com/opuslog/opuslog/internal/core/store"
	"github.com/opuslog/opuslog/pkg/concurrent"
)

// Config holds coordinator tuning knobs.
type Config struct {
	HeartbeatInterval  time.Duration
	HeartbeatMissLimit int
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	MaxConnsPerUser    int
	MailboxSize        int
}

// DefaultConfig returns the defaults used when no config file overrides
// them.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  30 * time.Second,
		HeartbeatMissLimit: 3,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        5 * time.Minute,
		MaxConnsPerUser:    16,
		MailboxSize:        256,
	}
}

// Rejection reports one entity of a push batch that was not applied.
type Rejection struct {
	ID            string `json:"id"`
	ServerVersion int64  `json:"serverVersion,omitempty"`
	Reason        string `json:"reason"`
}

// PushResult is the per-batch outcome. A rejection of one entity never
// blocks acceptance of the others.
type PushResult struct {
	Accepted []entity.SyncableEntity `json:"accepted"`
	Rejected []Rejection             `json:"rejected"`
}

// AcceptedIDs is a convenience view for wire responses.
func (r PushResult) AcceptedIDs() []string {
	ids := make([]string, 0, len(r.Accepted))
	for _, e := range r.Accepted {
		ids = append(ids, e.ID)
	}
	return ids
}

type command interface{ isCommand() }

type cmdApply struct {
	deviceID         string
	batch            []entity.SyncableEntity
	resolveConflicts bool
	reply            chan applyReply
}

type applyReply struct {
	result PushResult
	err    error
}

type cmdAttach struct {
	sess  *session
	reply chan error
}

type cmdDetach struct {
	deviceID string
	sess     *session
}

type cmdInbound struct {
	sess *session
	msg  Message
}

type cmdStop struct {
	done chan struct{}
}

func (cmdApply) isCommand()   {}
func (cmdAttach) isCommand()  {}
func (cmdDetach) isCommand()  {}
func (cmdInbound) isCommand() {}
func (cmdStop) isCommand()    {}

// Actor is the per-user coordinator. All mutation requests for its user
// pass through the mailbox and are processed strictly sequentially, which
// is what makes version comparison race-free without locks. No durable
// state lives here; eviction and re-creation is always safe.
type Actor struct {
	userID   string
	store    *store.Store
	resolver *resolve.Resolver
	cfg      Config
	logger   log.Log

	mailbox chan command
	// conns is owned exclusively by the run goroutine.
	conns map[string]*session

	stopped    atomic.Bool
	lastActive atomic.Int64
	connCount  atomic.Int32
}

func newActor(userID string, st *store.Store, resolver *resolve.Resolver, cfg Config, logger log.Log) *Actor {
	a := &Actor{
		userID:   userID,
		store:    st,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.With(log.String("component", "actor"), log.String("user_id", userID)),
		mailbox:  make(chan command, cfg.MailboxSize),
		conns:    make(map[string]*session),
	}
	a.touch()
	go a.run()
	return a
}

func (a *Actor) touch() {
	a.lastActive.Store(time.Now().UnixMilli())
}

// IdleSince returns the time of the last processed command.
func (a *Actor) IdleSince() time.Time {
	return time.UnixMilli(a.lastActive.Load())
}

// ConnectionCount returns the number of live device connections.
func (a *Actor) ConnectionCount() int {
	return int(a.connCount.Load())
}

func (a *Actor) submit(cmd command) error {
	if a.stopped.Load() {
		return ErrActorStopped
	}
	select {
	case a.mailbox <- cmd:
		return nil
	default:
		return ErrMailboxFull
	}
}

// PushBatch applies a batch of entity changes for one device. When
// resolveConflicts is false a stale entity is rejected with the server
// version (the REST contract); when true the conflict resolver produces
// a merged row instead (the WebSocket contract).
func (a *Actor) PushBatch(ctx context.Context, deviceID string, batch []entity.SyncableEntity, resolveConflicts bool) (PushResult, error) {
	reply := make(chan applyReply, 1)
	if err := a.submit(cmdApply{deviceID: deviceID, batch: batch, resolveConflicts: resolveConflicts, reply: reply}); err != nil {
		return PushResult{}, err
	}
	select {
	case r := <-reply:
		return r.result, r.err
	case <-ctx.Done():
		return PushResult{}, ctx.Err()
	}
}

// Attach hands a freshly upgraded WebSocket connection to the actor. The
// actor sends the WELCOME frame with the user's current sync token so the
// device can immediately pull anything missed while disconnected.
func (a *Actor) Attach(sess *session) error {
	reply := make(chan error, 1)
	if err := a.submit(cmdAttach{sess: sess, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Stop drains the actor and closes every connection.
func (a *Actor) Stop() {
	if a.stopped.Swap(true) {
		return
	}
	done := make(chan struct{})
	a.mailbox <- cmdStop{done: done}
	<-done
}

func (a *Actor) run() {
	for cmd := range a.mailbox {
		a.touch()
		switch c := cmd.(type) {
		case cmdApply:
			result, err := a.applyBatch(c.deviceID, c.batch, c.resolveConflicts)
			if err == nil {
				a.broadcast(result.Accepted, c.deviceID, c.batch)
			}
			c.reply <- applyReply{result: result, err: err}
		case cmdAttach:
			c.reply <- a.attach(c.sess)
		case cmdDetach:
			a.detach(c.deviceID, c.sess)
		case cmdInbound:
			a.handleInbound(c.sess, c.msg)
		case cmdStop:
			for _, sess := range a.conns {
				sess.close("server shutting down")
			}
			a.conns = make(map[string]*session)
			a.connCount.Store(0)
			close(c.done)
			return
		}
	}
}

// applyBatch validates and persists each entity independently: a
// malformed or stale entity is rejected while the rest of the batch
// commits.
func (a *Actor) applyBatch(deviceID string, batch []entity.SyncableEntity, resolveConflicts bool) (PushResult, error) {
	var result PushResult
	ctx := context.Background()
	for _, e := range batch {
		if reason := Validate(&e); reason != "" {
			a.logger.Warn("entity rejected",
				log.String("entity_id", e.ID),
				log.String("reason", reason))
			result.Rejected = append(result.Rejected, Rejection{ID: e.ID, Reason: reason})
			continue
		}
		e.DeviceID = deviceID
		e.RecomputeChecksum()

		applied, err := a.store.Apply(ctx, a.userID, e)
		if err != nil {
			var vc *store.VersionConflictError
			if !errors.As(err, &vc) {
				return result, err
			}
			if !resolveConflicts {
				result.Rejected = append(result.Rejected, Rejection{
					ID:            e.ID,
					ServerVersion: vc.ServerVersion,
					Reason:        "version_conflict",
				})
				continue
			}
			stored, gerr := a.store.Get(ctx, a.userID, e.EntityType, e.ID)
			if gerr != nil {
				return result, gerr
			}
			merged := a.resolver.Resolve(entity.Conflict{
				EntityID: e.ID,
				Local:    e,
				Remote:   *stored,
			})
			applied, err = a.store.ApplyResolved(ctx, a.userID, merged)
			if err != nil {
				return result, err
			}
		}
		result.Accepted = append(result.Accepted, *applied)
	}
	return result, nil
}

// broadcast fans accepted changes out to every other connected device of
// the user. The sender is always excluded; a slow or broken sibling never
// blocks the others.
func (a *Actor) broadcast(accepted []entity.SyncableEntity, sourceDeviceID string, batch []entity.SyncableEntity) {
	targets := make([]*session, 0, len(a.conns))
	for deviceID, sess := range a.conns {
		if deviceID == sourceDeviceID {
			continue
		}
		targets = append(targets, sess)
	}
	if len(accepted) == 0 || len(targets) == 0 {
		return
	}
	created := make(map[string]bool, len(batch))
	for _, e := range batch {
		created[e.ID] = e.SyncVersion <= 1
	}
	for _, e := range accepted {
		msg := ChangeMessage(e, created[e.ID], sourceDeviceID)
		errs := concurrent.CollectErrors(targets, func(s *session) error {
			return s.send(msg)
		})
		for i, err := range errs {
			if err != nil {
				a.logger.Warn("broadcast failed",
					log.String("device_id", targets[i].deviceID),
					log.Error(err))
			}
		}
	}
}

func (a *Actor) attach(sess *session) error {
	if len(a.conns) >= a.cfg.MaxConnsPerUser {
		return ErrTooManyConnections
	}
	if old, ok := a.conns[sess.deviceID]; ok {
		old.close("replaced by new connection")
	}
	a.conns[sess.deviceID] = sess
	a.connCount.Store(int32(len(a.conns)))

	if err := a.store.TouchDevice(context.Background(), a.userID, sess.deviceID); err != nil {
		a.logger.Warn("device registry update failed", log.Error(err))
	}

	meta, err := a.store.Metadata(context.Background(), a.userID)
	if err != nil {
		a.logger.Error("metadata read failed", log.Error(err))
	}
	welcome := Message{Type: MsgWelcome, SyncToken: meta.SyncToken, Metadata: &meta}
	if err = sess.send(welcome); err != nil {
		delete(a.conns, sess.deviceID)
		a.connCount.Store(int32(len(a.conns)))
		return err
	}

	sess.start()
	a.logger.Info("device connected",
		log.String("device_id", sess.deviceID),
		log.Int("connections", len(a.conns)))
	return nil
}

func (a *Actor) detach(deviceID string, sess *session) {
	// Only drop the mapping if it still points at this session; a
	// replacement connection may already own the slot.
	if cur, ok := a.conns[deviceID]; ok && cur == sess {
		delete(a.conns, deviceID)
		a.connCount.Store(int32(len(a.conns)))
		a.logger.Info("device disconnected",
			log.String("device_id", deviceID),
			log.Int("connections", len(a.conns)))
	}
}

// handleInbound processes one frame from a device. Change frames go
// through the same apply path as REST pushes, but with server-side
// conflict resolution enabled.
func (a *Actor) handleInbound(sess *session, msg Message) {
	switch msg.Type {
	case MsgEntryCreated, MsgEntryUpdated, MsgEntryDeleted,
		MsgPieceAdded, MsgPieceUpdated, MsgPieceRemoved:
		if msg.Entity == nil {
			_ = sess.send(ErrorMessage(CodeValidation, "change frame without entity"))
			return
		}
		result, err := a.applyBatch(sess.deviceID, []entity.SyncableEntity{*msg.Entity}, true)
		if err != nil {
			a.logger.Error("inbound change failed", log.Error(err))
			_ = sess.send(ErrorMessage(CodeInternal, "change not applied"))
			return
		}
		a.broadcast(result.Accepted, sess.deviceID, []entity.SyncableEntity{*msg.Entity})
		_ = sess.send(Message{Type: MsgSyncResponse, Entities: result.Accepted})
	case MsgBulkSync:
		result, err := a.applyBatch(sess.deviceID, msg.Entities, true)
		if err != nil {
			a.logger.Error("bulk sync failed", log.Error(err))
			_ = sess.send(ErrorMessage(CodeInternal, "bulk sync not applied"))
			return
		}
		a.broadcast(result.Accepted, sess.deviceID, msg.Entities)
		_ = sess.send(Message{Type: MsgSyncResponse, Entities: result.Accepted})
	case MsgSyncRequest:
		cursor, err := store.CursorFromToken(msg.SyncToken)
		if err != nil {
			_ = sess.send(ErrorMessage(CodeValidation, "malformed sync token"))
			return
		}
		entities, next, err := a.store.ChangesSince(context.Background(), a.userID, cursor, 0)
		if err != nil {
			_ = sess.send(ErrorMessage(CodeInternal, "change stream read failed"))
			return
		}
		_ = sess.send(Message{
			Type:      MsgSyncResponse,
			Entities:  entities,
			SyncToken: store.TokenFromCursor(next),
		})
	case MsgPing:
		_ = sess.send(Message{Type: MsgPong})
	case MsgPong:
		// Application-level pong; transport pongs are handled by the
		// connection itself.
	default:
		_ = sess.send(ErrorMessage(CodeValidation, "unknown message type"))
	}
}

// Validate reports why an entity cannot be applied, or "" when it can.
// Shared by the actor and the REST fallback path.
func Validate(e *entity.SyncableEntity) string {
	if e.ID == "" {
		return "missing id"
	}
	if !e.EntityType.Valid() {
		return "unknown entity type"
	}
	if len(e.Data) == 0 || !json.Valid(e.Data) {
		return "malformed payload"
	}
	if e.UpdatedAt <= 0 {
		return "missing updatedAt"
	}
	return ""
}
