package pgstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/mcdev12/hotseat/go/internal/store"
	"github.com/rs/zerolog/log"
)

type ListenerConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to re-read subscribed rooms
	PingInterval     time.Duration
	FetchTimeout     time.Duration
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		DatabaseURL:      "",
		NotifyChannel:    "hotseat_rooms",
		FallbackInterval: 30 * time.Second,
		PingInterval:     90 * time.Second,
		FetchTimeout:     5 * time.Second,
	}
}

func (c ListenerConfig) withDefaults() ListenerConfig {
	d := DefaultListenerConfig()
	if c.NotifyChannel == "" {
		c.NotifyChannel = d.NotifyChannel
	}
	if c.FallbackInterval <= 0 {
		c.FallbackInterval = d.FallbackInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	return c
}

type subscription struct {
	roomID string
	cb     store.Callback
	ctx    context.Context
}

// Listener fans pg_notify payloads (room ids) out to per-room subscribers by
// re-reading the notified room.
type Listener struct {
	store    *Store
	listener *pq.Listener
	cfg      ListenerConfig
	clock    clockwork.Clock

	mu     sync.Mutex
	subs   map[string]map[int]*subscription
	nextID int
}

func NewListener(s *Store, cfg ListenerConfig, clock clockwork.Clock) (*Listener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for notifications")

	return &Listener{
		store:    s,
		listener: l,
		cfg:      cfg,
		clock:    clock,
		subs:     make(map[string]map[int]*subscription),
	}, nil
}

// add registers cb, delivers the current snapshot and returns the unsubscribe
// function.
func (l *Listener) add(ctx context.Context, roomID string, cb store.Callback) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	if l.subs[roomID] == nil {
		l.subs[roomID] = make(map[int]*subscription)
	}
	sub := &subscription{roomID: roomID, cb: cb, ctx: ctx}
	l.subs[roomID][id] = sub
	l.mu.Unlock()

	go l.deliver(roomID, []*subscription{sub})

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs[roomID], id)
			if len(l.subs[roomID]) == 0 {
				delete(l.subs, roomID)
			}
			l.mu.Unlock()
		})
	}
}

func (l *Listener) Start(ctx context.Context) error {
	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("ping_interval", l.cfg.PingInterval).
		Dur("fallback_interval", l.cfg.FallbackInterval).
		Msg("listener started")

	pingTicker := l.clock.NewTicker(l.cfg.PingInterval)
	fallbackTicker := l.clock.NewTicker(l.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("listener shutting down")
			return l.Stop()
		case note, ok := <-l.listener.Notify:
			if !ok {
				return nil
			}
			if note == nil {
				// nil notification means the connection was re-established, so
				// anything sent meanwhile was lost
				l.refreshAll()
				continue
			}
			l.handleNotification(note.Extra)
		case <-fallbackTicker.Chan():
			l.refreshAll()
		case <-pingTicker.Chan():
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (l *Listener) Stop() error {
	return l.listener.Close()
}

// handleNotification re-reads the room named by the payload and delivers it.
func (l *Listener) handleNotification(roomID string) {
	l.deliver(roomID, l.subscribers(roomID))
}

func (l *Listener) refreshAll() {
	l.mu.Lock()
	rooms := make([]string, 0, len(l.subs))
	for roomID := range l.subs {
		rooms = append(rooms, roomID)
	}
	l.mu.Unlock()

	for _, roomID := range rooms {
		l.deliver(roomID, l.subscribers(roomID))
	}
}

func (l *Listener) subscribers(roomID string) []*subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*subscription, 0, len(l.subs[roomID]))
	for _, sub := range l.subs[roomID] {
		out = append(out, sub)
	}
	return out
}

func (l *Listener) deliver(roomID string, subs []*subscription) {
	if len(subs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.FetchTimeout)
	defer cancel()

	snap, err := l.store.Get(ctx, roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to fetch notified room")
		return
	}
	for _, sub := range subs {
		if sub.ctx.Err() != nil {
			continue
		}
		copySnap := snap
		copySnap.Data = store.CloneDocument(snap.Data)
		sub.cb(copySnap)
	}
}
