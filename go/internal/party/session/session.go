// Package session is one player's client for a shared room. It turns player
// commands into guarded store writes, filters the room's change feed into a
// consistent view, and runs the timers that keep a room moving when the host
// disappears.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/hotseat/go/internal/models"
	"github.com/mcdev12/hotseat/go/internal/party/attack"
	"github.com/mcdev12/hotseat/go/internal/party/leader"
	"github.com/mcdev12/hotseat/go/internal/party/questions"
	"github.com/mcdev12/hotseat/go/internal/party/retry"
	"github.com/mcdev12/hotseat/go/internal/party/round"
	"github.com/mcdev12/hotseat/go/internal/party/snapshot"
	"github.com/mcdev12/hotseat/go/internal/party/watchdog"
	"github.com/mcdev12/hotseat/go/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	snapshotBuffer  = 64
	watchBuffer     = 16
	roomCodeLength  = 6
	maxCodeAttempts = 5
)

type Config struct {
	PlayerID string
	Emoji    string

	HeartbeatInterval     time.Duration // Presence and host activity refresh
	ProbeInterval         time.Duration // Connection indicator refresh
	AutoAdvanceInterval   time.Duration // Re-evaluation of the current view
	HostInactiveThreshold time.Duration

	Retry    retry.Config
	Watchdog watchdog.Config
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:     5 * time.Second,
		ProbeInterval:         10 * time.Second,
		AutoAdvanceInterval:   2 * time.Second,
		HostInactiveThreshold: leader.DefaultHostInactiveThreshold,
		Retry:                 retry.DefaultConfig(),
		Watchdog:              watchdog.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.AutoAdvanceInterval <= 0 {
		c.AutoAdvanceInterval = d.AutoAdvanceInterval
	}
	if c.HostInactiveThreshold <= 0 {
		c.HostInactiveThreshold = d.HostInactiveThreshold
	}
	if c.Retry.ProbeTimeout <= 0 {
		c.Retry.ProbeTimeout = d.Retry.ProbeTimeout
	}
	if c.Watchdog.StallThreshold <= 0 {
		c.Watchdog.StallThreshold = d.Watchdog.StallThreshold
	}
	return c
}

// View is what the UI renders. Room is nil until the first snapshot arrives.
type View struct {
	RoomID    string
	Room      *models.Room
	Phase     round.Phase
	Changes   snapshot.ChangeSet
	Authority leader.Authority
	Connected bool
	Deleted   bool
}

// Session is safe for concurrent use.
type Session struct {
	store    store.Store
	clock    clockwork.Clock
	cfg      Config
	me       models.PlayerID
	bank     *questions.Bank
	retry    *retry.Engine
	selector *leader.Selector
	settler  *attack.Engine
	watchdog *watchdog.Watchdog

	mu          sync.Mutex
	room        *attachment
	watchers    map[uint64]chan View
	nextWatcher uint64
	connected   bool
	lastPing    time.Time
	lastPingErr error
	lastReport  watchdog.Report
}

// attachment is the per-room state; it is replaced wholesale when the session
// moves to another room.
type attachment struct {
	roomID string
	filter *snapshot.Filter
	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}

	triggerMu    sync.Mutex
	triggerRound int
	triggers     map[string]bool
}

// New creates a session for cfg.PlayerID. A nil clock uses the real clock and
// a nil bank the built-in questions.
func New(s store.Store, bank *questions.Bank, clock clockwork.Clock, cfg Config) (*Session, error) {
	me, err := models.ParsePlayerID(cfg.PlayerID)
	if err != nil {
		return nil, reject(CodeInvalidPlayer, err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if bank == nil {
		bank = questions.Default()
	}
	cfg = cfg.withDefaults()

	r := retry.New(clock, cfg.Retry, s)
	sel := leader.NewSelector(clock, cfg.HostInactiveThreshold)
	return &Session{
		store:     s,
		clock:     clock,
		cfg:       cfg,
		me:        me,
		bank:      bank,
		retry:     r,
		selector:  sel,
		settler:   attack.New(s, r, sel, me),
		watchdog:  watchdog.New(s, r, bank, clock, cfg.Watchdog),
		watchers:  make(map[uint64]chan View),
		connected: true,
	}, nil
}

// PlayerID returns the normalized id this session plays as.
func (s *Session) PlayerID() models.PlayerID {
	return s.me
}

// RoomID returns the attached room, or "".
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return ""
	}
	return s.room.roomID
}

// Room returns the last accepted view of the attached room, or nil.
func (s *Session) Room() *models.Room {
	a, err := s.current()
	if err != nil {
		return nil
	}
	return a.filter.Current()
}

// View returns the current view without waiting for a change.
func (s *Session) View() View {
	a, err := s.current()
	if err != nil {
		return View{Phase: round.PhaseDeleted, Connected: s.isConnected()}
	}
	return s.view(a.roomID, a.filter.Current(), nil)
}

// Watch streams view updates until ctx is done. Slow readers miss
// intermediate views, never the latest one for long: every accepted snapshot
// produces a new view.
func (s *Session) Watch(ctx context.Context) <-chan View {
	ch := make(chan View, watchBuffer)
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

func (s *Session) publish(v View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- v:
		default:
			log.Debug().Str("room_id", v.RoomID).Msg("view watcher is behind, dropping update")
		}
	}
}

func (s *Session) view(roomID string, r *models.Room, changes snapshot.ChangeSet) View {
	v := View{
		RoomID:    roomID,
		Room:      r,
		Phase:     round.PhaseOf(r),
		Changes:   changes,
		Connected: s.isConnected(),
	}
	if r != nil {
		v.Authority = s.selector.Evaluate(r, s.me)
	}
	return v
}

func (s *Session) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) current() (*attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return nil, errNoRoom
	}
	return s.room, nil
}

// attach subscribes to roomID and starts the event loop and timers, leaving
// any previous room first.
func (s *Session) attach(roomID string) error {
	s.detach()

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	a := &attachment{
		roomID:   roomID,
		filter:   snapshot.New(roomID),
		cancel:   cancel,
		group:    g,
		done:     make(chan struct{}),
		triggers: make(map[string]bool),
	}

	snaps := make(chan store.Snapshot, snapshotBuffer)
	unsubscribe, err := s.store.Subscribe(gctx, roomID, func(snap store.Snapshot) {
		select {
		case snaps <- snap:
		case <-gctx.Done():
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to room %s: %w", roomID, err)
	}

	s.mu.Lock()
	s.room = a
	s.mu.Unlock()

	g.Go(func() error {
		defer unsubscribe()
		return s.loop(gctx, a, snaps)
	})
	g.Go(func() error { return s.heartbeat(gctx, a) })
	g.Go(func() error { return s.probe(gctx) })
	g.Go(func() error { return s.autoAdvance(gctx, a) })
	g.Go(func() error { return s.watchdog.Run(gctx, roomID, s.noteReport) })

	go func() {
		if err := g.Wait(); err != nil {
			log.Error().Err(err).Str("room_id", roomID).Msg("room loop stopped with error")
		}
		close(a.done)
	}()

	log.Info().
		Str("room_id", roomID).
		Str("player_id", string(s.me)).
		Msg("attached to room")
	return nil
}

// release stops a without waiting. It is used from inside the loop.
func (s *Session) release(a *attachment) {
	s.mu.Lock()
	if s.room == a {
		s.room = nil
	}
	s.mu.Unlock()
	a.cancel()
}

// detach stops the attached room and waits for its goroutines.
func (s *Session) detach() {
	s.mu.Lock()
	a := s.room
	s.room = nil
	s.mu.Unlock()
	if a == nil {
		return
	}
	a.cancel()
	<-a.done
	log.Info().
		Str("room_id", a.roomID).
		Str("player_id", string(s.me)).
		Msg("detached from room")
}

// Close stops the session without leaving the room. Other players see this
// client go silent.
func (s *Session) Close() error {
	s.detach()
	return nil
}

func (s *Session) noteReport(rep watchdog.Report) {
	s.mu.Lock()
	s.lastReport = rep
	s.mu.Unlock()
}

func newRoomCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:roomCodeLength])
}

func normalizeRoomCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" || !store.ValidSegment(code) {
		return "", reject(CodeNotFound, fmt.Errorf("invalid room code %q", raw))
	}
	return code, nil
}

func opID(kind, roomID string, parts ...any) string {
	var b strings.Builder
	b.WriteString(kind)
	b.WriteString(":")
	b.WriteString(roomID)
	for _, p := range parts {
		fmt.Fprintf(&b, ":%v", p)
	}
	return b.String()
}
