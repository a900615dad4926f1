// Package localstore is the device-resident cache. Writes land here
// first and are queued for upload; the orchestrator later reconciles
// the cache against the server and flips rows to synced.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	_ "modernc.org/sqlite"

	"github.com/opuslog/opuslog/internal/core/entity"
	"github.com/opuslog/opuslog/internal/core/observability/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	entity_type TEXT    NOT NULL,
	entity_id   TEXT    NOT NULL,
	data_json   TEXT    NOT NULL,
	checksum    TEXT    NOT NULL,
	version     INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	deleted_at  INTEGER,
	device_id   TEXT    NOT NULL DEFAULT '',
	sync_status TEXT    NOT NULL DEFAULT 'pending',
	PRIMARY KEY (entity_type, entity_id)
);
CREATE INDEX IF NOT EXISTS idx_entities_status ON entities(sync_status);

CREATE TABLE IF NOT EXISTS ops (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type     TEXT    NOT NULL,
	entity_id       TEXT    NOT NULL,
	op              TEXT    NOT NULL,
	payload         TEXT    NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	status          TEXT    NOT NULL DEFAULT 'queued'
);
CREATE INDEX IF NOT EXISTS idx_ops_status ON ops(status, next_attempt_at);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Op kinds recorded in the pending queue.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// Op statuses.
const (
	OpQueued = "queued"
	OpFailed = "failed"
)

// ErrNotFound is returned when no row exists for the key.
var ErrNotFound = errors.New("localstore: not found")

// PendingOp is one queued upload.
type PendingOp struct {
	Seq           int64
	EntityType    entity.Type
	EntityID      string
	Op            string
	Payload       []byte
	RetryCount    int
	NextAttemptAt int64
	Status        string
}

// Store is the device-side database. One Store serves one user on one
// device; there is no user column.
type Store struct {
	db     *sql.DB
	logger log.Log
}

// Open opens (and if needed creates) the local database at dsn.
func Open(dsn string, logger log.Log) (*Store, error) {
	if logger == nil {
		logger = log.Provide()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, logger: logger.With(log.String("component", "localstore"))}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the cached row including tombstones.
func (s *Store) Get(ctx context.Context, t entity.Type, id string) (*entity.SyncableEntity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, data_json, checksum, version, created_at, updated_at, deleted_at, device_id, sync_status
		FROM entities WHERE entity_type = ? AND entity_id = ?
	`, string(t), id)
	return scanEntity(row)
}

// List returns all live cached rows of one type.
func (s *Store) List(ctx context.Context, t entity.Type) ([]entity.SyncableEntity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, data_json, checksum, version, created_at, updated_at, deleted_at, device_id, sync_status
		FROM entities WHERE entity_type = ? AND deleted_at IS NULL
		ORDER BY updated_at DESC
	`, string(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntities(rows)
}

// Put writes the row locally with sync_status pending and enqueues an
// upload op for it. This is the local-first write path: it never touches
// the network and never fails because the device is offline.
func (s *Store) Put(ctx context.Context, e entity.SyncableEntity) error {
	e.SyncStatus = entity.StatusPending
	return s.withTx(func(tx *sql.Tx) error {
		if err := upsertTx(tx, &e); err != nil {
			return err
		}
		return enqueueTx(tx, &e)
	})
}

// ApplyRemote persists a server-authoritative row as synced. An unsynced
// local row is never overwritten, whichever side is newer: divergence is
// the resolver's call, and the merge comes back through Put.
func (s *Store) ApplyRemote(ctx context.Context, e entity.SyncableEntity) error {
	return s.withTx(func(tx *sql.Tx) error {
		stored, err := getTx(tx, e.EntityType, e.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if stored != nil && stored.SyncStatus != entity.StatusSynced {
			return nil
		}
		e.SyncStatus = entity.StatusSynced
		return upsertTx(tx, &e)
	})
}

// ListUnsynced returns every row still waiting for upload.
func (s *Store) ListUnsynced(ctx context.Context) ([]entity.SyncableEntity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, data_json, checksum, version, created_at, updated_at, deleted_at, device_id, sync_status
		FROM entities WHERE sync_status != ?
		ORDER BY updated_at ASC
	`, string(entity.StatusSynced))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntities(rows)
}

// MarkSynced records the server's accepted view of the row.
func (s *Store) MarkSynced(ctx context.Context, accepted entity.SyncableEntity) error {
	accepted.SyncStatus = entity.StatusSynced
	return s.withTx(func(tx *sql.Tx) error {
		return upsertTx(tx, &accepted)
	})
}

// MarkConflict flags the row so the UI can surface it while resolution
// is pending.
func (s *Store) MarkConflict(ctx context.Context, t entity.Type, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET sync_status = ? WHERE entity_type = ? AND entity_id = ?`,
		string(entity.StatusConflict), string(t), id)
	return err
}

// SyncToken returns the persisted pull cursor, empty when the device has
// never completed a sync.
func (s *Store) SyncToken(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'sync_token'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetSyncToken persists the pull cursor after a completed cycle.
func (s *Store) SetSyncToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('sync_token', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, token)
	return err
}

// SetSyncState records the outcome of the most recent cycle.
func (s *Store) SetSyncState(ctx context.Context, state entity.SyncState, errMsg string, atMillis int64) error {
	return s.withTx(func(tx *sql.Tx) error {
		for k, v := range map[string]string{
			"last_sync_status": string(state),
			"last_sync_error":  errMsg,
			"last_sync_at":     strconv.FormatInt(atMillis, 10),
		} {
			if _, err := tx.Exec(`
				INSERT INTO meta (key, value) VALUES (?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value
			`, k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// SyncState returns the recorded outcome of the most recent cycle.
// A device that has never synced reports SyncStateNever.
func (s *Store) SyncState(ctx context.Context) (entity.SyncState, string, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM meta WHERE key IN ('last_sync_status', 'last_sync_error', 'last_sync_at')`)
	if err != nil {
		return entity.SyncStateNever, "", 0, err
	}
	defer rows.Close()

	state := entity.SyncStateNever
	var errMsg string
	var at int64
	for rows.Next() {
		var k, v string
		if err = rows.Scan(&k, &v); err != nil {
			return entity.SyncStateNever, "", 0, err
		}
		switch k {
		case "last_sync_status":
			state = entity.SyncState(v)
		case "last_sync_error":
			errMsg = v
		case "last_sync_at":
			at, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	return state, errMsg, at, rows.Err()
}

// QueuePending enqueues an upload op without rewriting the entity row.
// Used when a row already exists locally but its op was lost or failed.
func (s *Store) QueuePending(ctx context.Context, e entity.SyncableEntity) error {
	return s.withTx(func(tx *sql.Tx) error {
		return enqueueTx(tx, &e)
	})
}

// DueOps returns queued ops whose next attempt time has passed, oldest
// first. An op that is not yet due blocks every later op for the same
// entity so creates are never reordered after updates.
func (s *Store) DueOps(ctx context.Context, now int64, limit int) ([]PendingOp, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, entity_type, entity_id, op, payload, retry_count, next_attempt_at, status
		FROM ops WHERE status = ?
		ORDER BY seq ASC
		LIMIT ?
	`, OpQueued, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	blocked := map[string]bool{}
	var out []PendingOp
	for rows.Next() {
		var op PendingOp
		if err = rows.Scan(&op.Seq, &op.EntityType, &op.EntityID, &op.Op,
			&op.Payload, &op.RetryCount, &op.NextAttemptAt, &op.Status); err != nil {
			return nil, err
		}
		key := string(op.EntityType) + "/" + op.EntityID
		if blocked[key] {
			continue
		}
		if op.NextAttemptAt > now {
			blocked[key] = true
			continue
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// ClearOps drops every queued op for one entity, used when the entity
// reached the server through another path.
func (s *Store) ClearOps(ctx context.Context, t entity.Type, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ops WHERE status = ? AND entity_type = ? AND entity_id = ?`,
		OpQueued, string(t), id)
	return err
}

// CompleteOp removes a delivered op from the queue.
func (s *Store) CompleteOp(ctx context.Context, seq int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ops WHERE seq = ?`, seq)
	return err
}

// RescheduleOp bumps the retry counter and the next attempt time after a
// transient failure.
func (s *Store) RescheduleOp(ctx context.Context, seq int64, nextAttemptAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ops SET retry_count = retry_count + 1, next_attempt_at = ? WHERE seq = ?`,
		nextAttemptAt, seq)
	return err
}

// FailOp parks the op permanently; it no longer blocks its entity.
func (s *Store) FailOp(ctx context.Context, seq int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE ops SET status = ? WHERE seq = ?`, OpFailed, seq)
	return err
}

// FailedOps lists ops that exhausted their retries.
func (s *Store) FailedOps(ctx context.Context) ([]PendingOp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, entity_type, entity_id, op, payload, retry_count, next_attempt_at, status
		FROM ops WHERE status = ? ORDER BY seq ASC
	`, OpFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PendingOp
	for rows.Next() {
		var op PendingOp
		if err = rows.Scan(&op.Seq, &op.EntityType, &op.EntityID, &op.Op,
			&op.Payload, &op.RetryCount, &op.NextAttemptAt, &op.Status); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// QueuedCount returns the number of ops waiting for upload.
func (s *Store) QueuedCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ops WHERE status = ?`, OpQueued).Scan(&n)
	return n, err
}

func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func enqueueTx(tx *sql.Tx, e *entity.SyncableEntity) error {
	kind := OpUpsert
	if e.Deleted() {
		kind = OpDelete
	}
	payload := e.Data
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := tx.Exec(`
		INSERT INTO ops (entity_type, entity_id, op, payload)
		VALUES (?, ?, ?, ?)
	`, string(e.EntityType), e.ID, kind, string(payload))
	if err != nil {
		return fmt.Errorf("enqueue op: %w", err)
	}
	return nil
}

func getTx(tx *sql.Tx, t entity.Type, id string) (*entity.SyncableEntity, error) {
	row := tx.QueryRow(`
		SELECT entity_type, entity_id, data_json, checksum, version, created_at, updated_at, deleted_at, device_id, sync_status
		FROM entities WHERE entity_type = ? AND entity_id = ?
	`, string(t), id)
	return scanEntity(row)
}

func upsertTx(tx *sql.Tx, e *entity.SyncableEntity) error {
	var deletedAt any
	if e.DeletedAt != nil {
		deletedAt = *e.DeletedAt
	}
	_, err := tx.Exec(`
		INSERT INTO entities (entity_type, entity_id, data_json, checksum, version,
			created_at, updated_at, deleted_at, device_id, sync_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			data_json   = excluded.data_json,
			checksum    = excluded.checksum,
			version     = excluded.version,
			updated_at  = excluded.updated_at,
			deleted_at  = excluded.deleted_at,
			device_id   = excluded.device_id,
			sync_status = excluded.sync_status
	`, string(e.EntityType), e.ID, string(e.Data), e.Checksum, e.SyncVersion,
		e.CreatedAt, e.UpdatedAt, deletedAt, e.DeviceID, string(e.SyncStatus))
	return err
}

func scanEntity(row *sql.Row) (*entity.SyncableEntity, error) {
	var (
		e    entity.SyncableEntity
		data []byte
		del  sql.NullInt64
	)
	err := row.Scan(&e.EntityType, &e.ID, &data, &e.Checksum, &e.SyncVersion,
		&e.CreatedAt, &e.UpdatedAt, &del, &e.DeviceID, &e.SyncStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.Data = data
	if del.Valid {
		at := del.Int64
		e.DeletedAt = &at
	}
	return &e, nil
}

func collectEntities(rows *sql.Rows) ([]entity.SyncableEntity, error) {
	var out []entity.SyncableEntity
	for rows.Next() {
		var (
			e    entity.SyncableEntity
			data []byte
			del  sql.NullInt64
		)
		if err := rows.Scan(&e.EntityType, &e.ID, &data, &e.Checksum, &e.SyncVersion,
			&e.CreatedAt, &e.UpdatedAt, &del, &e.DeviceID, &e.SyncStatus); err != nil {
			return nil, err
		}
		e.Data = data
		if del.Valid {
			at := del.Int64
			e.DeletedAt = &at
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
