// Package watchdog detects a room that stopped making progress while writes
// are pending and repairs the known wedged shapes directly.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/hotseat/go/internal/models"
	"github.com/mcdev12/hotseat/go/internal/party/questions"
	"github.com/mcdev12/hotseat/go/internal/party/retry"
	"github.com/mcdev12/hotseat/go/internal/party/round"
	"github.com/mcdev12/hotseat/go/internal/store"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Interval       time.Duration // How often to check
	StallThreshold time.Duration // Time without a successful write before acting
	ProbeTimeout   time.Duration // Timeout for the reachability probe and repairs
}

func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Second,
		StallThreshold: 20 * time.Second,
		ProbeTimeout:   3 * time.Second,
	}
}

// Repair names the wedged shape that was fixed.
type Repair string

const (
	RepairNone        Repair = ""
	RepairRecap       Repair = "recap-shown"
	RepairAdvance     Repair = "advance-round"
	RepairCloseVoting Repair = "close-voting"
)

// Report is the outcome of one check.
type Report struct {
	At        time.Time
	Stalled   bool
	Pending   int
	Reachable bool
	Repair    Repair
	Expired   []retry.Pending
	Err       error
}

// Watchdog inspects one client's retry registry.
type Watchdog struct {
	store store.Store
	retry *retry.Engine
	bank  *questions.Bank
	clock clockwork.Clock
	cfg   Config
}

// New creates a watchdog. Zero config fields take their defaults.
func New(s store.Store, r *retry.Engine, bank *questions.Bank, clock clockwork.Clock, cfg Config) *Watchdog {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = d.StallThreshold
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = d.ProbeTimeout
	}
	return &Watchdog{store: s, retry: r, bank: bank, clock: clock, cfg: cfg}
}

// Run checks roomID every interval until ctx is done. onReport may be nil.
func (w *Watchdog) Run(ctx context.Context, roomID string, onReport func(Report)) error {
	ticker := w.clock.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			rep := w.Check(ctx, roomID)
			if onReport != nil {
				onReport(rep)
			}
		}
	}
}

// Check runs one pass.
func (w *Watchdog) Check(ctx context.Context, roomID string) Report {
	reg := w.retry.Registry()
	now := w.clock.Now()
	rep := Report{At: now, Pending: reg.Len()}

	if rep.Pending == 0 || now.Sub(reg.LastSuccess()) <= w.cfg.StallThreshold {
		return rep
	}
	rep.Stalled = true

	log.Warn().
		Str("room_id", roomID).
		Int("pending", rep.Pending).
		Time("last_success", reg.LastSuccess()).
		Msg("room stalled with pending writes")

	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	defer cancel()

	if err := w.store.Ping(probeCtx); err != nil {
		rep.Err = fmt.Errorf("probe store: %w", err)
		log.Warn().Err(err).Str("room_id", roomID).Msg("store unreachable, leaving repairs for later")
		return rep
	}
	rep.Reachable = true

	repair, err := w.repair(probeCtx, roomID)
	rep.Repair = repair
	if err != nil {
		rep.Err = err
		log.Error().Err(err).Str("room_id", roomID).Msg("watchdog repair failed")
	} else if repair != RepairNone {
		log.Info().Str("room_id", roomID).Str("repair", string(repair)).Msg("watchdog repaired room")
	}

	rep.Expired = reg.Expire(now.Add(-w.cfg.StallThreshold))
	for _, p := range rep.Expired {
		log.Warn().
			Str("operation_id", p.ID).
			Str("room_id", p.RoomID).
			Int("attempts", p.Attempts).
			Str("last_error", p.LastError).
			Dur("age", now.Sub(p.StartedAt)).
			Msg("expired stuck operation")
	}
	return rep
}

var errNoRepair = errors.New("no repair needed")

// repair re-reads the room and issues the missing transition in one guarded
// transaction.
func (w *Watchdog) repair(ctx context.Context, roomID string) (Repair, error) {
	var applied Repair
	err := w.store.RunTransaction(ctx, roomID, func(snap store.Snapshot) (store.Fields, error) {
		applied = RepairNone
		r, err := models.DecodeRoom(snap)
		if err != nil {
			return nil, err
		}
		if r == nil || r.Deleted() {
			return nil, errNoRepair
		}
		repair, f := w.shape(r)
		if repair == RepairNone {
			return nil, errNoRepair
		}
		applied = repair
		return f, nil
	})
	switch {
	case errors.Is(err, errNoRepair), errors.Is(err, store.ErrNotFound):
		return RepairNone, nil
	case err != nil:
		return RepairNone, fmt.Errorf("repair room %s: %w", roomID, err)
	}
	return applied, nil
}

// shape matches r against the wedged states.
func (w *Watchdog) shape(r *models.Room) (Repair, store.Fields) {
	switch {
	case round.ReadyToSettle(r):
		return RepairRecap, store.Fields{models.FieldRoundRecapShown: true}
	case round.ReadyToAdvance(r):
		if f, err := round.AdvanceRound(r, w.bank, false); err == nil {
			return RepairAdvance, f
		}
	case round.ReadyToClose(r):
		if f, err := round.CloseVoting(r, false); err == nil {
			return RepairCloseVoting, f
		}
	}
	return RepairNone, nil
}
