// Package store is the authoritative persistence layer. One row exists
// per (user, entity_type, entity_id); every accepted write moves the row
// forward on a global change sequence that doubles as the pull cursor.
package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	_ "modernc.org/sqlite"

	"github.com/opuslog/opuslog/internal/core/entity"
	"github.com/opuslog/opuslog/internal/core/observability/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	user_id     TEXT    NOT NULL,
	entity_type TEXT    NOT NULL,
	entity_id   TEXT    NOT NULL,
	data_json   TEXT    NOT NULL,
	checksum    TEXT    NOT NULL,
	version     INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	deleted_at  INTEGER,
	device_id   TEXT    NOT NULL DEFAULT '',
	change_seq  INTEGER NOT NULL,
	PRIMARY KEY (user_id, entity_type, entity_id)
);
CREATE INDEX IF NOT EXISTS idx_entities_change ON entities(user_id, change_seq);

CREATE TABLE IF NOT EXISTS changes (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     TEXT    NOT NULL,
	entity_type TEXT    NOT NULL,
	entity_id   TEXT    NOT NULL,
	version     INTEGER NOT NULL,
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS devices (
	device_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	first_seen INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL,
	PRIMARY KEY (device_id, user_id)
);
`

// Store wraps the relational database holding every user's authoritative
// entity rows. Writes for one user are serialized by the owning
// coordinator actor, not by this layer.
type Store struct {
	db     *sql.DB
	logger log.Log
}

// Open opens (and if needed creates) the database at dsn.
func Open(dsn string, logger log.Log) (*Store, error) {
	if logger == nil {
		logger = log.Provide()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// modernc sqlite allows one writer; a single connection avoids
	// SQLITE_BUSY under concurrent actors.
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, logger: logger.With(log.String("component", "store"))}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
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

// Get returns the row for (userID, t, id) including tombstones.
func (s *Store) Get(ctx context.Context, userID string, t entity.Type, id string) (*entity.SyncableEntity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, data_json, checksum, version, created_at, updated_at, deleted_at, device_id
		FROM entities WHERE user_id = ? AND entity_type = ? AND entity_id = ?
	`, userID, string(t), id)
	return scanEntity(row)
}

// List returns all live rows of one type. Tombstones are excluded from
// normal reads but retained for propagation.
func (s *Store) List(ctx context.Context, userID string, t entity.Type) ([]entity.SyncableEntity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, data_json, checksum, version, created_at, updated_at, deleted_at, device_id
		FROM entities WHERE user_id = ? AND entity_type = ? AND deleted_at IS NULL
		ORDER BY updated_at DESC
	`, userID, string(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntities(rows)
}

// ChangesSince returns rows whose change sequence is past the cursor, in
// sequence order, tombstones included. The second return is the new
// cursor.
func (s *Store) ChangesSince(ctx context.Context, userID string, cursor int64, limit int) ([]entity.SyncableEntity, int64, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, data_json, checksum, version, created_at, updated_at, deleted_at, device_id, change_seq
		FROM entities WHERE user_id = ? AND change_seq > ?
		ORDER BY change_seq ASC
		LIMIT ?
	`, userID, cursor, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]entity.SyncableEntity, 0, limit)
	next := cursor
	for rows.Next() {
		var (
			e    entity.SyncableEntity
			data []byte
			del  sql.NullInt64
			seq  int64
		)
		if err = rows.Scan(&e.EntityType, &e.ID, &data, &e.Checksum, &e.SyncVersion,
			&e.CreatedAt, &e.UpdatedAt, &del, &e.DeviceID, &seq); err != nil {
			return nil, 0, err
		}
		e.Data = data
		if del.Valid {
			at := del.Int64
			e.DeletedAt = &at
		}
		e.SyncStatus = entity.StatusSynced
		out = append(out, e)
		next = seq
	}
	if err = rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, next, nil
}

// LatestCursor returns the user's current position in the change stream.
func (s *Store) LatestCursor(ctx context.Context, userID string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(change_seq), 0) FROM entities WHERE user_id = ?`, userID).Scan(&v)
	return v, err
}

// Apply validates the claimed version against the stored row and persists
// the entity if it lines up. Rules:
//   - no stored row: accepted as-is at whatever version it claims, so
//     a device syncing for the first time keeps its offline history
//   - claimed == stored and checksums match: idempotent no-op
//   - claimed == stored+1: accepted
//   - anything else: VersionConflictError carrying the server version
func (s *Store) Apply(ctx context.Context, userID string, e entity.SyncableEntity) (*entity.SyncableEntity, error) {
	if !e.EntityType.Valid() {
		return nil, ErrInvalidType
	}
	var out *entity.SyncableEntity
	err := s.WithTx(func(tx *sql.Tx) error {
		stored, err := getTx(tx, userID, e.EntityType, e.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if stored != nil {
			switch {
			case e.SyncVersion == stored.SyncVersion && e.Checksum == stored.Checksum:
				// Same batch replayed; nothing to apply.
				c := stored.Clone()
				out = &c
				return nil
			case e.SyncVersion == stored.SyncVersion+1:
				e.CreatedAt = stored.CreatedAt
			default:
				return &VersionConflictError{
					EntityID:       e.ID,
					ServerVersion:  stored.SyncVersion,
					ServerChecksum: stored.Checksum,
				}
			}
		} else if e.SyncVersion < 1 {
			// First write: any claimed version is accepted, not just 1.
			// A device that edited offline before its first sync arrives
			// with version > 1 and its history must not be rejected.
			e.SyncVersion = 1
		}
		if err = upsertTx(tx, userID, &e); err != nil {
			return err
		}
		c := e.Clone()
		c.SyncStatus = entity.StatusSynced
		out = &c
		return nil
	})
	return out, err
}

// ApplyResolved persists the output of the conflict resolver. The merged
// version was computed as max(local, remote)+1, so it always moves the
// row forward; no version check is repeated here.
func (s *Store) ApplyResolved(ctx context.Context, userID string, merged entity.SyncableEntity) (*entity.SyncableEntity, error) {
	var out *entity.SyncableEntity
	err := s.WithTx(func(tx *sql.Tx) error {
		stored, err := getTx(tx, userID, merged.EntityType, merged.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if stored != nil {
			merged.CreatedAt = stored.CreatedAt
			if merged.SyncVersion <= stored.SyncVersion {
				merged.SyncVersion = stored.SyncVersion + 1
			}
		}
		if err = upsertTx(tx, userID, &merged); err != nil {
			return err
		}
		c := merged.Clone()
		c.SyncStatus = entity.StatusSynced
		out = &c
		return nil
	})
	return out, err
}

// TouchDevice upserts the device registry row and refreshes last_seen.
func (s *Store) TouchDevice(ctx context.Context, userID, deviceID string) error {
	now := entity.NowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, user_id, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, user_id) DO UPDATE SET last_seen = excluded.last_seen
	`, deviceID, userID, now, now)
	return err
}

// Devices lists the registered devices for one user.
func (s *Store) Devices(ctx context.Context, userID string) ([]entity.DeviceInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, user_id, first_seen, last_seen FROM devices WHERE user_id = ?
		ORDER BY last_seen DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entity.DeviceInfo
	for rows.Next() {
		var d entity.DeviceInfo
		if err = rows.Scan(&d.DeviceID, &d.UserID, &d.FirstSeen, &d.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Metadata derives the user's server-side sync metadata from the change
// stream.
func (s *Store) Metadata(ctx context.Context, userID string) (entity.SyncMetadata, error) {
	cursor, err := s.LatestCursor(ctx, userID)
	if err != nil {
		return entity.SyncMetadata{}, err
	}
	state := entity.SyncStateSuccess
	if cursor == 0 {
		state = entity.SyncStateNever
	}
	return entity.SyncMetadata{
		UserID:            userID,
		LastSyncTimestamp: entity.NowMillis(),
		SyncToken:         TokenFromCursor(cursor),
		LastSyncStatus:    state,
	}, nil
}

// TokenFromCursor wraps a change-stream cursor into an opaque sync token.
// Clients must never parse it.
func TokenFromCursor(cursor int64) string {
	if cursor <= 0 {
		return ""
	}
	return "c" + strconv.FormatInt(cursor, 36)
}

// CursorFromToken unwraps a sync token; an empty token means full sync.
func CursorFromToken(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	if token[0] != 'c' {
		return 0, errors.New("malformed sync token")
	}
	return strconv.ParseInt(token[1:], 36, 64)
}

func getTx(tx *sql.Tx, userID string, t entity.Type, id string) (*entity.SyncableEntity, error) {
	row := tx.QueryRow(`
		SELECT entity_type, entity_id, data_json, checksum, version, created_at, updated_at, deleted_at, device_id
		FROM entities WHERE user_id = ? AND entity_type = ? AND entity_id = ?
	`, userID, string(t), id)
	return scanEntity(row)
}

func upsertTx(tx *sql.Tx, userID string, e *entity.SyncableEntity) error {
	res, err := tx.Exec(`
		INSERT INTO changes (user_id, entity_type, entity_id, version, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, userID, string(e.EntityType), e.ID, e.SyncVersion, entity.NowMillis())
	if err != nil {
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	var deletedAt any
	if e.DeletedAt != nil {
		deletedAt = *e.DeletedAt
	}
	_, err = tx.Exec(`
		INSERT INTO entities (user_id, entity_type, entity_id, data_json, checksum, version,
			created_at, updated_at, deleted_at, device_id, change_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, entity_type, entity_id) DO UPDATE SET
			data_json  = excluded.data_json,
			checksum   = excluded.checksum,
			version    = excluded.version,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			device_id  = excluded.device_id,
			change_seq = excluded.change_seq
	`, userID, string(e.EntityType), e.ID, string(e.Data), e.Checksum, e.SyncVersion,
		e.CreatedAt, e.UpdatedAt, deletedAt, e.DeviceID, seq)
	return err
}

func scanEntity(row *sql.Row) (*entity.SyncableEntity, error) {
	var (
		e    entity.SyncableEntity
		data []byte
		del  sql.NullInt64
	)
	err := row.Scan(&e.EntityType, &e.ID, &data, &e.Checksum, &e.SyncVersion,
		&e.CreatedAt, &e.UpdatedAt, &del, &e.DeviceID)
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
	e.SyncStatus = entity.StatusSynced
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
			&e.CreatedAt, &e.UpdatedAt, &del, &e.DeviceID); err != nil {
			return nil, err
		}
		e.Data = data
		if del.Valid {
			at := del.Int64
			e.DeletedAt = &at
		}
		e.SyncStatus = entity.StatusSynced
		out = append(out, e)
	}
	return out, rows.Err()
}
