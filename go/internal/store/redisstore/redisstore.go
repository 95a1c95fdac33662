// Package redisstore keeps each room as a JSON envelope {rev, doc} under one
// key. Optimistic transactions use WATCH/MULTI and every write publishes the
// room id on a per-room channel.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mcdev12/hotseat/go/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	roomKeyPrefix      = "hotseat:room:"
	tombstoneKeyPrefix = "hotseat:tombstone:"
	channelPrefix      = "hotseat:notify:"
)

// Config holds connection settings.
type Config struct {
	Addr             string
	Password         string
	DB               int
	DialTimeout      time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PoolSize         int
	MaxUpdateRetries int
	FetchTimeout     time.Duration
}

// DefaultConfig targets a local server.
func DefaultConfig() Config {
	return Config{
		Addr:             "localhost:6379",
		DialTimeout:      5 * time.Second,
		ReadTimeout:      3 * time.Second,
		WriteTimeout:     3 * time.Second,
		PoolSize:         10,
		MaxUpdateRetries: 16,
		FetchTimeout:     5 * time.Second,
	}
}

type envelope struct {
	Rev uint64         `json:"rev"`
	Doc store.Document `json:"doc"`
}

// Store is a Redis backed room store.
type Store struct {
	client *redis.Client
	config Config

	mu      sync.Mutex
	pubsubs map[*redis.PubSub]struct{}
}

var _ store.Store = (*Store)(nil)

// Open connects and pings the server.
func Open(ctx context.Context, config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		PoolSize:     config.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", config.Addr, err)
	}
	log.Info().Str("addr", config.Addr).Msg("redisstore connected")
	return New(client, config), nil
}

// New wraps an existing client.
func New(client *redis.Client, config Config) *Store {
	d := DefaultConfig()
	if config.MaxUpdateRetries <= 0 {
		config.MaxUpdateRetries = d.MaxUpdateRetries
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = d.FetchTimeout
	}
	return &Store{client: client, config: config, pubsubs: make(map[*redis.PubSub]struct{})}
}

func roomKey(roomID string) string      { return roomKeyPrefix + roomID }
func tombstoneKey(roomID string) string { return tombstoneKeyPrefix + roomID }
func channel(roomID string) string      { return channelPrefix + roomID }

// mapError converts redis failures into store codes.
func mapError(op, roomID string, err error) error {
	if err == nil {
		return nil
	}
	var se *store.Error
	if errors.As(err, &se) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, redis.Nil):
		return store.NewError(store.CodeNotFound, op, roomID, err)
	case errors.Is(err, redis.TxFailedErr):
		return store.NewError(store.CodeFailedPrecondition, op, roomID, err)
	case errors.Is(err, context.DeadlineExceeded):
		return store.NewError(store.CodeDeadlineExceeded, op, roomID, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return store.NewError(store.CodeDeadlineExceeded, op, roomID, err)
	case errors.As(err, &netErr), errors.Is(err, io.EOF), errors.Is(err, redis.ErrClosed):
		return store.NewError(store.CodeUnavailable, op, roomID, err)
	case strings.HasPrefix(err.Error(), "NOPERM"), strings.HasPrefix(err.Error(), "NOAUTH"):
		return store.NewError(store.CodePermissionDenied, op, roomID, err)
	case strings.HasPrefix(err.Error(), "LOADING"), strings.HasPrefix(err.Error(), "BUSY"):
		return store.NewError(store.CodeUnavailable, op, roomID, err)
	}
	return store.NewError(store.CodeInternal, op, roomID, err)
}

func decodeEnvelope(b []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readSnapshot(ctx context.Context, c getter, roomID string, now time.Time) (store.Snapshot, error) {
	snap := store.Snapshot{RoomID: roomID, ReadAt: now}
	b, err := c.Get(ctx, roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		if tomb, err := c.Get(ctx, tombstoneKey(roomID)).Uint64(); err == nil {
			snap.Revision = tomb
		}
		return snap, nil
	}
	if err != nil {
		return store.Snapshot{}, err
	}
	env, err := decodeEnvelope(b)
	if err != nil {
		return store.Snapshot{}, store.NewError(store.CodeInternal, "decode", roomID, err)
	}
	snap.Exists = true
	snap.Data = env.Doc
	snap.Revision = env.Rev
	return snap, nil
}

func (s *Store) serverTime(ctx context.Context) (time.Time, error) {
	return s.client.Time(ctx).Result()
}

// Get returns the current snapshot; Exists is false for absent rooms.
func (s *Store) Get(ctx context.Context, roomID string) (store.Snapshot, error) {
	now, err := s.serverTime(ctx)
	if err != nil {
		return store.Snapshot{}, mapError("get", roomID, err)
	}
	snap, err := readSnapshot(ctx, s.client, roomID, now)
	return snap, mapError("get", roomID, err)
}

// Create stores a new document, failing if the room exists.
func (s *Store) Create(ctx context.Context, roomID string, doc store.Document) error {
	now, err := s.serverTime(ctx)
	if err != nil {
		return mapError("create", roomID, err)
	}
	plain, err := store.PlainDocument(doc, now)
	if err != nil {
		return err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, roomKey(roomID)).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return store.NewError(store.CodeAlreadyExists, "create", roomID, nil)
		}
		var rev uint64 = 1
		if tomb, err := tx.Get(ctx, tombstoneKey(roomID)).Uint64(); err == nil {
			rev = tomb + 1
		}
		b, err := json.Marshal(envelope{Rev: rev, Doc: plain})
		if err != nil {
			return store.NewError(store.CodeInvalidArgument, "create", roomID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, roomKey(roomID), b, 0)
			pipe.Publish(ctx, channel(roomID), roomID)
			return nil
		})
		return err
	}, roomKey(roomID))
	if errors.Is(err, redis.TxFailedErr) {
		return store.NewError(store.CodeAlreadyExists, "create", roomID, err)
	}
	return mapError("create", roomID, err)
}

// transact runs fn against the watched envelope and commits the result.
func (s *Store) transact(ctx context.Context, op, roomID string, fn store.TxFunc) error {
	now, err := s.serverTime(ctx)
	if err != nil {
		return mapError(op, roomID, err)
	}
	var fnErr error
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		snap, err := readSnapshot(ctx, tx, roomID, now)
		if err != nil {
			return err
		}
		if !snap.Exists {
			return store.NewError(store.CodeNotFound, op, roomID, nil)
		}
		fields, err := fn(snap)
		if err != nil {
			fnErr = err
			return err
		}
		if len(fields) == 0 {
			return nil
		}
		next, err := store.Apply(snap.Data, fields, now)
		if err != nil {
			return err
		}
		b, err := json.Marshal(envelope{Rev: snap.Revision + 1, Doc: next})
		if err != nil {
			return store.NewError(store.CodeInvalidArgument, op, roomID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, roomKey(roomID), b, 0)
			pipe.Publish(ctx, channel(roomID), roomID)
			return nil
		})
		return err
	}, roomKey(roomID))
	if fnErr != nil {
		return fnErr
	}
	return mapError(op, roomID, err)
}

// UpdateFields applies a field-scoped update, retrying lost WATCH races.
func (s *Store) UpdateFields(ctx context.Context, roomID string, fields store.Fields) error {
	var lastErr error
	for attempt := 0; attempt < s.config.MaxUpdateRetries; attempt++ {
		err := s.transact(ctx, "update", roomID, func(store.Snapshot) (store.Fields, error) {
			return fields, nil
		})
		if err == nil || !errors.Is(err, store.ErrFailedPrecondition) {
			return err
		}
		lastErr = err
		log.Debug().Str("room_id", roomID).Int("attempt", attempt+1).Msg("redisstore update raced, re-reading")
	}
	return fmt.Errorf("update after %d attempts: %w", s.config.MaxUpdateRetries, lastErr)
}

// RunTransaction runs fn once under WATCH; a concurrent write fails it with
// failed-precondition.
func (s *Store) RunTransaction(ctx context.Context, roomID string, fn store.TxFunc) error {
	return s.transact(ctx, "transaction", roomID, fn)
}

// Delete removes the room and records its last revision.
func (s *Store) Delete(ctx context.Context, roomID string) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, roomKey(roomID)).Bytes()
		if err != nil {
			return err
		}
		env, err := decodeEnvelope(b)
		if err != nil {
			return store.NewError(store.CodeInternal, "delete", roomID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, roomKey(roomID))
			pipe.Set(ctx, tombstoneKey(roomID), env.Rev+1, 0)
			pipe.Publish(ctx, channel(roomID), roomID)
			return nil
		})
		return err
	}, roomKey(roomID))
	return mapError("delete", roomID, err)
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return mapError("ping", "", s.client.Ping(ctx).Err())
}

// Subscribe listens on the room channel and re-reads the room on every message.
func (s *Store) Subscribe(ctx context.Context, roomID string, cb store.Callback) (func(), error) {
	pubsub := s.client.Subscribe(ctx, channel(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, mapError("subscribe", roomID, err)
	}

	s.mu.Lock()
	s.pubsubs[pubsub] = struct{}{}
	s.mu.Unlock()

	deliver := func() {
		fetchCtx, cancel := context.WithTimeout(context.Background(), s.config.FetchTimeout)
		defer cancel()
		snap, err := s.Get(fetchCtx, roomID)
		if err != nil {
			log.Error().Err(err).Str("room_id", roomID).Msg("failed to fetch notified room")
			return
		}
		if ctx.Err() == nil {
			cb(snap)
		}
	}

	msgs := pubsub.Channel()
	go func() {
		deliver()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				deliver()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.pubsubs, pubsub)
			s.mu.Unlock()
			if err := pubsub.Close(); err != nil {
				log.Warn().Err(err).Str("room_id", roomID).Msg("failed to close pubsub")
			}
		})
	}, nil
}

// Close closes subscriptions and the client.
func (s *Store) Close() error {
	s.mu.Lock()
	for ps := range s.pubsubs {
		_ = ps.Close()
	}
	s.pubsubs = map[*redis.PubSub]struct{}{}
	s.mu.Unlock()
	return s.client.Close()
}
