// Package pgstore keeps room documents as jsonb rows in Postgres. Writes bump
// a revision column and publish pg_notify so listeners can push snapshots.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/hotseat/go/internal/sqlutil"
	"github.com/mcdev12/hotseat/go/internal/store"
	"github.com/rs/zerolog/log"
)

// Schema creates the rooms table.
const Schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id         TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	revision   BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const (
	selectRoom       = `SELECT doc, revision, now() FROM rooms WHERE id = $1`
	selectRoomLocked = `SELECT doc, revision, now() FROM rooms WHERE id = $1 FOR UPDATE`
	insertRoom       = `INSERT INTO rooms (id, doc, revision, updated_at) VALUES ($1, $2, 1, now())`
	updateRoom       = `UPDATE rooms SET doc = $2, revision = revision + 1, updated_at = now() WHERE id = $1 AND revision = $3`
	deleteRoom       = `DELETE FROM rooms WHERE id = $1`
	notifyRoom       = `SELECT pg_notify($1, $2)`
)

// Store is a Postgres backed room store.
type Store struct {
	pool     *pgxpool.Pool
	clock    clockwork.Clock
	cfg      ListenerConfig
	ownsPool bool

	mu       sync.Mutex
	listener *Listener
}

var _ store.Store = (*Store)(nil)

// Open connects a pool to dsn, creates the schema and prepares the listener
// configuration used by Subscribe.
func Open(ctx context.Context, dsn string, cfg ListenerConfig, clock clockwork.Clock) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = dsn
	}
	s := New(pool, cfg, clock)
	s.ownsPool = true
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, cfg ListenerConfig, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{pool: pool, clock: clock, cfg: cfg.withDefaults()}
}

// EnsureSchema creates the rooms table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// mapError converts pgx failures into store codes.
func mapError(op, roomID string, err error) error {
	if err == nil {
		return nil
	}
	var se *store.Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.NewError(store.CodeNotFound, op, roomID, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return store.NewError(store.CodeDeadlineExceeded, op, roomID, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return store.NewError(store.CodeAlreadyExists, op, roomID, err)
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return store.NewError(store.CodeFailedPrecondition, op, roomID, err)
		case pgErr.Code == "42501":
			return store.NewError(store.CodePermissionDenied, op, roomID, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return store.NewError(store.CodeUnavailable, op, roomID, err)
		}
		return store.NewError(store.CodeInternal, op, roomID, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return store.NewError(store.CodeUnavailable, op, roomID, err)
	}
	return store.NewError(store.CodeInternal, op, roomID, err)
}

type row struct {
	doc      []byte
	revision int64
	now      time.Time
}

func scanRoom(r pgx.Row) (row, error) {
	var out row
	err := r.Scan(&out.doc, &out.revision, &out.now)
	return out, err
}

func (s *Store) toSnapshot(roomID string, r row) (store.Snapshot, error) {
	doc, err := store.DecodeDocument(r.doc)
	if err != nil {
		return store.Snapshot{}, store.NewError(store.CodeInternal, "decode", roomID, err)
	}
	return store.Snapshot{
		RoomID:   roomID,
		Exists:   true,
		Data:     doc,
		Revision: uint64(r.revision),
		ReadAt:   r.now,
	}, nil
}

func (s *Store) notify(ctx context.Context, tx pgx.Tx, roomID string) error {
	if _, err := tx.Exec(ctx, notifyRoom, s.cfg.NotifyChannel, roomID); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return nil
}

// Get returns the current snapshot; Exists is false for absent rooms.
func (s *Store) Get(ctx context.Context, roomID string) (store.Snapshot, error) {
	r, err := scanRoom(s.pool.QueryRow(ctx, selectRoom, roomID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Snapshot{RoomID: roomID, ReadAt: s.serverNow(ctx)}, nil
	}
	if err != nil {
		return store.Snapshot{}, mapError("get", roomID, err)
	}
	return s.toSnapshot(roomID, r)
}

func (s *Store) serverNow(ctx context.Context) time.Time {
	var now pgtype.Timestamptz
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return s.clock.Now()
	}
	return sqlutil.TimeOr(now, s.clock.Now())
}

// Create stores a new document, failing if the room exists.
func (s *Store) Create(ctx context.Context, roomID string, doc store.Document) error {
	err := sqlutil.Run(ctx, s.pool, func(tx pgx.Tx) error {
		var now time.Time
		if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
			return err
		}
		plain, err := store.PlainDocument(doc, now)
		if err != nil {
			return err
		}
		b, err := store.EncodeDocument(plain)
		if err != nil {
			return store.NewError(store.CodeInvalidArgument, "create", roomID, err)
		}
		if _, err := tx.Exec(ctx, insertRoom, roomID, b); err != nil {
			return err
		}
		return s.notify(ctx, tx, roomID)
	})
	return mapError("create", roomID, err)
}

// UpdateFields applies a field-scoped update under a row lock.
func (s *Store) UpdateFields(ctx context.Context, roomID string, fields store.Fields) error {
	err := sqlutil.Run(ctx, s.pool, func(tx pgx.Tx) error {
		r, err := scanRoom(tx.QueryRow(ctx, selectRoomLocked, roomID))
		if err != nil {
			return err
		}
		return s.write(ctx, tx, roomID, r, fields)
	})
	return mapError("update", roomID, err)
}

func (s *Store) write(ctx context.Context, tx pgx.Tx, roomID string, r row, fields store.Fields) error {
	snap, err := s.toSnapshot(roomID, r)
	if err != nil {
		return err
	}
	next, err := store.Apply(snap.Data, fields, r.now)
	if err != nil {
		return err
	}
	b, err := store.EncodeDocument(next)
	if err != nil {
		return store.NewError(store.CodeInvalidArgument, "write", roomID, err)
	}
	tag, err := tx.Exec(ctx, updateRoom, roomID, b, r.revision)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.NewError(store.CodeFailedPrecondition, "write", roomID, errors.New("revision changed"))
	}
	return s.notify(ctx, tx, roomID)
}

// RunTransaction reads without locking, runs fn and commits only if the
// revision is unchanged.
func (s *Store) RunTransaction(ctx context.Context, roomID string, fn store.TxFunc) error {
	r, err := scanRoom(s.pool.QueryRow(ctx, selectRoom, roomID))
	if err != nil {
		return mapError("transaction", roomID, err)
	}
	snap, err := s.toSnapshot(roomID, r)
	if err != nil {
		return err
	}
	fields, err := fn(snap)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	err = sqlutil.Run(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&r.now); err != nil {
			return err
		}
		return s.write(ctx, tx, roomID, r, fields)
	})
	return mapError("transaction", roomID, err)
}

// Delete removes the room row.
func (s *Store) Delete(ctx context.Context, roomID string) error {
	err := sqlutil.Run(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, deleteRoom, roomID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return s.notify(ctx, tx, roomID)
	})
	return mapError("delete", roomID, err)
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	return mapError("ping", "", s.pool.Ping(ctx))
}

// Subscribe registers cb with the shared LISTEN connection, starting it on
// first use.
func (s *Store) Subscribe(ctx context.Context, roomID string, cb store.Callback) (func(), error) {
	s.mu.Lock()
	if s.listener == nil {
		l, err := NewListener(s, s.cfg, s.clock)
		if err != nil {
			s.mu.Unlock()
			return nil, mapError("subscribe", roomID, err)
		}
		s.listener = l
		go func() {
			if err := l.Start(context.Background()); err != nil {
				log.Error().Err(err).Msg("room listener stopped")
			}
		}()
	}
	l := s.listener
	s.mu.Unlock()

	unsubscribe := l.add(ctx, roomID, cb)
	return unsubscribe, nil
}

// Close stops the listener and closes the pool if Open created it.
func (s *Store) Close() error {
	s.mu.Lock()
	l := s.listener
	s.listener = nil
	s.mu.Unlock()

	var err error
	if l != nil {
		err = l.Stop()
	}
	if s.ownsPool {
		s.pool.Close()
	}
	return err
}
