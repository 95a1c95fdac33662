// Package memstore is an in-process room store. It keeps the optimistic
// concurrency and weak delivery guarantees of the remote backends so the
// session logic can be exercised without a server.
package memstore

import (
	"context"
	"errors"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/hotseat/go/internal/store"
	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 256

type room struct {
	doc store.Document
	rev uint64
}

type subscriber struct {
	ch   chan store.Snapshot
	done chan struct{}
}

type fault struct {
	code  store.Code
	count int
}

// Store is a mutex-guarded map of room documents.
type Store struct {
	clock clockwork.Clock

	mu          sync.Mutex
	rooms       map[string]*room
	tombstones  map[string]uint64
	subs        map[string]map[uint64]*subscriber
	nextSubID   uint64
	faults      map[string]*fault
	unreachable bool
	beforeTx    func(roomID string)
	closed      bool
}

// New creates an empty store using clock for server timestamps.
func New(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:      clock,
		rooms:      make(map[string]*room),
		tombstones: make(map[string]uint64),
		subs:       make(map[string]map[uint64]*subscriber),
		faults:     make(map[string]*fault),
	}
}

var _ store.Store = (*Store)(nil)

// Operation names accepted by FailNext.
const (
	OpGet         = "get"
	OpCreate      = "create"
	OpUpdate      = "update"
	OpTransaction = "transaction"
	OpDelete      = "delete"
	OpPing        = "ping"
)

// FailNext makes the next n calls of op fail with code.
func (s *Store) FailNext(op string, code store.Code, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{code: code, count: n}
}

// SetUnreachable makes every operation fail with unavailable until reset.
func (s *Store) SetUnreachable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreachable = down
}

// BeforeTransactionCommit installs a hook that runs after a transaction
// function returns and before its revision check, letting tests interleave a
// competing write.
func (s *Store) BeforeTransactionCommit(hook func(roomID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeTx = hook
}

// Redeliver pushes snap to the room's subscribers as if the notification
// channel replayed it.
func (s *Store) Redeliver(snap store.Snapshot) {
	s.notify(snap.RoomID, snap)
}

// injected must be called with s.mu held.
func (s *Store) injected(op, roomID string) error {
	if s.closed {
		return store.NewError(store.CodeUnavailable, op, roomID, errors.New("store closed"))
	}
	if s.unreachable {
		return store.NewError(store.CodeUnavailable, op, roomID, errors.New("network unreachable"))
	}
	if f := s.faults[op]; f != nil && f.count > 0 {
		f.count--
		return store.NewError(f.code, op, roomID, errors.New("injected fault"))
	}
	return nil
}

func ctxError(ctx context.Context, op, roomID string) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return store.NewError(store.CodeDeadlineExceeded, op, roomID, err)
	}
	return err
}

// snapshotLocked must be called with s.mu held.
func (s *Store) snapshotLocked(roomID string) store.Snapshot {
	snap := store.Snapshot{RoomID: roomID, ReadAt: s.clock.Now()}
	if r, ok := s.rooms[roomID]; ok {
		snap.Exists = true
		snap.Data = store.CloneDocument(r.doc)
		snap.Revision = r.rev
	} else {
		snap.Revision = s.tombstones[roomID]
	}
	return snap
}

// Get returns the current snapshot; Exists is false for absent rooms.
func (s *Store) Get(ctx context.Context, roomID string) (store.Snapshot, error) {
	if err := ctxError(ctx, OpGet, roomID); err != nil {
		return store.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpGet, roomID); err != nil {
		return store.Snapshot{}, err
	}
	return s.snapshotLocked(roomID), nil
}

// Create stores a new document, failing if the room exists.
func (s *Store) Create(ctx context.Context, roomID string, doc store.Document) error {
	if err := ctxError(ctx, OpCreate, roomID); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.injected(OpCreate, roomID); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := s.rooms[roomID]; ok {
		s.mu.Unlock()
		return store.NewError(store.CodeAlreadyExists, OpCreate, roomID, nil)
	}
	plain, err := store.PlainDocument(doc, s.clock.Now())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.rooms[roomID] = &room{doc: plain, rev: s.tombstones[roomID] + 1}
	snap := s.snapshotLocked(roomID)
	s.mu.Unlock()

	s.notify(roomID, snap)
	return nil
}

// UpdateFields applies a field-scoped update atomically.
func (s *Store) UpdateFields(ctx context.Context, roomID string, fields store.Fields) error {
	if err := ctxError(ctx, OpUpdate, roomID); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.injected(OpUpdate, roomID); err != nil {
		s.mu.Unlock()
		return err
	}
	snap, err := s.commitLocked(OpUpdate, roomID, 0, false, fields)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(roomID, snap)
	return nil
}

// commitLocked must be called with s.mu held.
func (s *Store) commitLocked(op, roomID string, expectRev uint64, checkRev bool, fields store.Fields) (store.Snapshot, error) {
	r, ok := s.rooms[roomID]
	if !ok {
		return store.Snapshot{}, store.NewError(store.CodeNotFound, op, roomID, nil)
	}
	if checkRev && r.rev != expectRev {
		return store.Snapshot{}, store.NewError(store.CodeFailedPrecondition, op, roomID, errors.New("document changed since read"))
	}
	next, err := store.Apply(r.doc, fields, s.clock.Now())
	if err != nil {
		return store.Snapshot{}, err
	}
	r.doc = next
	r.rev++
	return s.snapshotLocked(roomID), nil
}

// RunTransaction reads the room, runs fn without holding the lock and commits
// only if no other write landed in between.
func (s *Store) RunTransaction(ctx context.Context, roomID string, fn store.TxFunc) error {
	if err := ctxError(ctx, OpTransaction, roomID); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.injected(OpTransaction, roomID); err != nil {
		s.mu.Unlock()
		return err
	}
	snap := s.snapshotLocked(roomID)
	s.mu.Unlock()

	if !snap.Exists {
		return store.NewError(store.CodeNotFound, OpTransaction, roomID, nil)
	}

	fields, err := fn(snap)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	s.mu.Lock()
	hook := s.beforeTx
	s.mu.Unlock()
	if hook != nil {
		hook(roomID)
	}

	s.mu.Lock()
	committed, err := s.commitLocked(OpTransaction, roomID, snap.Revision, true, fields)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(roomID, committed)
	return nil
}

// Delete removes the room document.
func (s *Store) Delete(ctx context.Context, roomID string) error {
	if err := ctxError(ctx, OpDelete, roomID); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.injected(OpDelete, roomID); err != nil {
		s.mu.Unlock()
		return err
	}
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return store.NewError(store.CodeNotFound, OpDelete, roomID, nil)
	}
	delete(s.rooms, roomID)
	s.tombstones[roomID] = r.rev + 1
	snap := s.snapshotLocked(roomID)
	s.mu.Unlock()

	s.notify(roomID, snap)
	return nil
}

// Ping reports whether the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctxError(ctx, OpPing, ""); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.injected(OpPing, "")
}

// Subscribe delivers the current snapshot and every later change to cb on a
// dedicated goroutine.
func (s *Store) Subscribe(ctx context.Context, roomID string, cb store.Callback) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, store.NewError(store.CodeUnavailable, "subscribe", roomID, errors.New("store closed"))
	}
	s.nextSubID++
	id := s.nextSubID
	sub := &subscriber{
		ch:   make(chan store.Snapshot, subscriberBuffer),
		done: make(chan struct{}),
	}
	if s.subs[roomID] == nil {
		s.subs[roomID] = make(map[uint64]*subscriber)
	}
	s.subs[roomID][id] = sub
	initial := s.snapshotLocked(roomID)
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			case snap := <-sub.ch:
				cb(snap)
			}
		}
	}()
	sub.ch <- initial

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[roomID], id)
			if len(s.subs[roomID]) == 0 {
				delete(s.subs, roomID)
			}
			s.mu.Unlock()
			close(sub.done)
		})
	}, nil
}

func (s *Store) notify(roomID string, snap store.Snapshot) {
	s.mu.Lock()
	targets := make([]*subscriber, 0, len(s.subs[roomID]))
	for _, sub := range s.subs[roomID] {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		copySnap := snap
		copySnap.Data = store.CloneDocument(snap.Data)
		select {
		case sub.ch <- copySnap:
		case <-sub.done:
		default:
			log.Warn().Str("room_id", roomID).Uint64("revision", snap.Revision).Msg("memstore subscriber buffer full, dropping snapshot")
		}
	}
}

// Close stops accepting operations. Existing subscriptions stay until
// unsubscribed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
