// Package natskv stores room documents in a JetStream key-value bucket. The
// per-key revision is the optimistic concurrency token and key watches drive
// subscriptions.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/hotseat/go/internal/store"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const keyPrefix = "room."

// Config holds connection and bucket settings.
type Config struct {
	URL              string
	Bucket           string
	Replicas         int
	MemoryStorage    bool
	MaxReconnects    int
	ReconnectWait    time.Duration
	MaxUpdateRetries int
}

// DefaultConfig returns a single-replica file-backed bucket on the local server.
func DefaultConfig() Config {
	return Config{
		URL:              nats.DefaultURL,
		Bucket:           "HOTSEAT_ROOMS",
		Replicas:         1,
		MaxReconnects:    -1, // Infinite
		ReconnectWait:    2 * time.Second,
		MaxUpdateRetries: 16,
	}
}

// Store is a JetStream KV backed room store.
type Store struct {
	nc     *nats.Conn
	kv     jetstream.KeyValue
	clock  clockwork.Clock
	config Config

	mu       sync.Mutex
	watchers map[jetstream.KeyWatcher]struct{}
}

var _ store.Store = (*Store)(nil)

// Open connects to NATS and creates the bucket if needed.
func Open(ctx context.Context, config Config, clock clockwork.Clock) (*Store, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	opts := []nats.Option{
		nats.Name("hotseat-natskv"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := ensureBucket(ctx, js, config)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	log.Info().Str("bucket", config.Bucket).Str("url", nc.ConnectedUrl()).Msg("natskv store ready")

	return &Store{
		nc:       nc,
		kv:       kv,
		clock:    clock,
		config:   config,
		watchers: make(map[jetstream.KeyWatcher]struct{}),
	}, nil
}

func ensureBucket(ctx context.Context, js jetstream.JetStream, config Config) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, config.Bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, err
	}

	storage := jetstream.FileStorage
	if config.MemoryStorage {
		storage = jetstream.MemoryStorage
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      config.Bucket,
		Description: "hotseat room documents",
		History:     1,
		Storage:     storage,
		Replicas:    config.Replicas,
	})
}

func key(roomID string) string {
	return keyPrefix + roomID
}

// mapError converts NATS failures into store codes.
func mapError(op, roomID string, err error) error {
	if err == nil {
		return nil
	}
	var se *store.Error
	if errors.As(err, &se) {
		return err
	}

	var apiErr *jetstream.APIError
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		return store.NewError(store.CodeNotFound, op, roomID, err)
	case errors.Is(err, jetstream.ErrKeyExists):
		if op == "create" {
			return store.NewError(store.CodeAlreadyExists, op, roomID, err)
		}
		return store.NewError(store.CodeFailedPrecondition, op, roomID, err)
	case errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence:
		return store.NewError(store.CodeFailedPrecondition, op, roomID, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return store.NewError(store.CodeDeadlineExceeded, op, roomID, err)
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrDisconnected),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, jetstream.ErrNoStreamResponse):
		return store.NewError(store.CodeUnavailable, op, roomID, err)
	}
	return store.NewError(store.CodeInternal, op, roomID, err)
}

func (s *Store) snapshotFromEntry(roomID string, entry jetstream.KeyValueEntry) (store.Snapshot, error) {
	snap := store.Snapshot{RoomID: roomID, ReadAt: s.clock.Now()}
	if entry == nil || entry.Operation() != jetstream.KeyValuePut {
		if entry != nil {
			snap.Revision = entry.Revision()
		}
		return snap, nil
	}
	doc, err := store.DecodeDocument(entry.Value())
	if err != nil {
		return store.Snapshot{}, store.NewError(store.CodeInternal, "decode", roomID, err)
	}
	snap.Exists = true
	snap.Data = doc
	snap.Revision = entry.Revision()
	return snap, nil
}

// Get returns the current snapshot; Exists is false for absent rooms.
func (s *Store) Get(ctx context.Context, roomID string) (store.Snapshot, error) {
	entry, err := s.kv.Get(ctx, key(roomID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return store.Snapshot{RoomID: roomID, ReadAt: s.clock.Now()}, nil
	}
	if err != nil {
		return store.Snapshot{}, mapError("get", roomID, err)
	}
	return s.snapshotFromEntry(roomID, entry)
}

// Create stores a new document, failing if the room exists.
func (s *Store) Create(ctx context.Context, roomID string, doc store.Document) error {
	plain, err := store.PlainDocument(doc, s.clock.Now())
	if err != nil {
		return err
	}
	b, err := store.EncodeDocument(plain)
	if err != nil {
		return store.NewError(store.CodeInvalidArgument, "create", roomID, err)
	}
	if _, err := s.kv.Create(ctx, key(roomID), b); err != nil {
		return mapError("create", roomID, err)
	}
	return nil
}

// commit writes fields on top of snap guarded by its revision.
func (s *Store) commit(ctx context.Context, op string, snap store.Snapshot, fields store.Fields) error {
	next, err := store.Apply(snap.Data, fields, s.clock.Now())
	if err != nil {
		return err
	}
	b, err := store.EncodeDocument(next)
	if err != nil {
		return store.NewError(store.CodeInvalidArgument, op, snap.RoomID, err)
	}
	if _, err := s.kv.Update(ctx, key(snap.RoomID), b, snap.Revision); err != nil {
		return mapError(op, snap.RoomID, err)
	}
	return nil
}

// UpdateFields applies a field-scoped update, re-reading and retrying on
// revision races so concurrent writers to other fields are never clobbered.
func (s *Store) UpdateFields(ctx context.Context, roomID string, fields store.Fields) error {
	var lastErr error
	for attempt := 0; attempt < s.config.MaxUpdateRetries; attempt++ {
		snap, err := s.Get(ctx, roomID)
		if err != nil {
			return err
		}
		if !snap.Exists {
			return store.NewError(store.CodeNotFound, "update", roomID, nil)
		}
		err = s.commit(ctx, "update", snap, fields)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrFailedPrecondition) {
			return err
		}
		lastErr = err
		log.Debug().Str("room_id", roomID).Int("attempt", attempt+1).Msg("natskv update raced, re-reading")
	}
	return fmt.Errorf("update after %d attempts: %w", s.config.MaxUpdateRetries, lastErr)
}

// RunTransaction runs fn against the current entry and commits only if the
// entry revision is unchanged.
func (s *Store) RunTransaction(ctx context.Context, roomID string, fn store.TxFunc) error {
	snap, err := s.Get(ctx, roomID)
	if err != nil {
		return err
	}
	if !snap.Exists {
		return store.NewError(store.CodeNotFound, "transaction", roomID, nil)
	}
	fields, err := fn(snap)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	return s.commit(ctx, "transaction", snap, fields)
}

// Delete removes the room key.
func (s *Store) Delete(ctx context.Context, roomID string) error {
	if _, err := s.kv.Get(ctx, key(roomID)); err != nil {
		return mapError("delete", roomID, err)
	}
	if err := s.kv.Delete(ctx, key(roomID)); err != nil {
		return mapError("delete", roomID, err)
	}
	return nil
}

// Ping round-trips to the server.
func (s *Store) Ping(ctx context.Context) error {
	if s.nc.IsClosed() {
		return store.NewError(store.CodeUnavailable, "ping", "", nats.ErrConnectionClosed)
	}
	if _, err := s.nc.RTT(); err != nil {
		return mapError("ping", "", err)
	}
	return ctx.Err()
}

// Subscribe watches the room key. The watcher replays the latest value first.
func (s *Store) Subscribe(ctx context.Context, roomID string, cb store.Callback) (func(), error) {
	w, err := s.kv.Watch(ctx, key(roomID))
	if err != nil {
		return nil, mapError("subscribe", roomID, err)
	}

	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		sawInitial := false
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// End of initial replay; an empty replay means the room is absent.
					if !sawInitial {
						cb(store.Snapshot{RoomID: roomID, ReadAt: s.clock.Now()})
						sawInitial = true
					}
					continue
				}
				sawInitial = true
				snap, err := s.snapshotFromEntry(roomID, entry)
				if err != nil {
					log.Error().Err(err).Str("room_id", roomID).Msg("failed to decode watched entry")
					continue
				}
				cb(snap)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			s.mu.Lock()
			delete(s.watchers, w)
			s.mu.Unlock()
			if err := w.Stop(); err != nil {
				log.Warn().Err(err).Str("room_id", roomID).Msg("failed to stop watcher")
			}
		})
	}, nil
}

// Close stops all watchers and drains the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	for w := range s.watchers {
		_ = w.Stop()
	}
	s.watchers = map[jetstream.KeyWatcher]struct{}{}
	s.mu.Unlock()
	return s.nc.Drain()
}
