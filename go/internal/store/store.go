// Package store defines the contract every room document backend implements:
// typed reads, field-scoped updates, optimistic transactions and change
// notifications against a single shared room document.
package store

import (
	"context"
	"time"
)

// Document is the raw, nested representation of a room as held by a backend.
type Document = map[string]any

// Snapshot is one observed version of a room document.
type Snapshot struct {
	RoomID string
	// Exists is false when the document is absent (never created or deleted).
	Exists bool
	Data   Document
	// Revision is assigned by the backend and increases with every committed write.
	Revision uint64
	// HasPendingWrites marks a locally-originated snapshot that the backend
	// has not confirmed yet.
	HasPendingWrites bool
	// ReadAt is the backend's clock at the time the snapshot was produced.
	ReadAt time.Time
}

// Fields is a partial update keyed by dotted field path, e.g.
// "players.alice.temperature". Values may be plain values or one of the
// sentinels Delete, Increment and ServerTimestamp.
type Fields map[string]any

// TxFunc receives a fresh snapshot and returns the fields to commit. Returning
// no fields commits nothing; returning an error aborts the transaction.
type TxFunc func(snap Snapshot) (Fields, error)

// Callback receives snapshots from a subscription. Deliveries may be stale,
// duplicated or out of order.
type Callback func(snap Snapshot)

// Store is a transactional key-document store holding one document per room.
type Store interface {
	Get(ctx context.Context, roomID string) (Snapshot, error)
	Create(ctx context.Context, roomID string, doc Document) error
	UpdateFields(ctx context.Context, roomID string, fields Fields) error
	RunTransaction(ctx context.Context, roomID string, fn TxFunc) error
	Subscribe(ctx context.Context, roomID string, cb Callback) (unsubscribe func(), err error)
	Delete(ctx context.Context, roomID string) error
	Ping(ctx context.Context) error
	Close() error
}

type deleteSentinel struct{}

// Delete removes the field at the given path when used as a Fields value.
var Delete = deleteSentinel{}

// IncrementOp atomically adds Delta to a numeric field (missing counts as 0).
type IncrementOp struct {
	Delta float64
}

// Increment returns the increment sentinel for delta.
func Increment(delta float64) IncrementOp {
	return IncrementOp{Delta: delta}
}

type serverTimestampSentinel struct{}

// ServerTimestamp is replaced by the backend's clock when the write commits.
var ServerTimestamp = serverTimestampSentinel{}
