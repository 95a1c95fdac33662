package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcdev12/hotseat/go/internal/models"
	"github.com/mcdev12/hotseat/go/internal/party/leader"
	"github.com/mcdev12/hotseat/go/internal/party/round"
	"github.com/mcdev12/hotseat/go/internal/party/snapshot"
	"github.com/mcdev12/hotseat/go/internal/store"
	"github.com/rs/zerolog/log"
)

// loop is the single consumer of the room's change feed.
func (s *Session) loop(ctx context.Context, a *attachment, snaps <-chan store.Snapshot) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-snaps:
			s.handle(ctx, a, snap)
		}
	}
}

func (s *Session) handle(ctx context.Context, a *attachment, snap store.Snapshot) {
	res, err := a.filter.Offer(snap)
	if err != nil {
		log.Error().Err(err).Str("room_id", a.roomID).Msg("failed to decode room snapshot")
		return
	}

	switch res.Decision {
	case snapshot.Accept:
		s.publish(s.view(a.roomID, res.Room, res.Changes))
		if !res.Room.HasPendingWrites {
			s.react(ctx, a, res.Room)
		}
	case snapshot.Deleted:
		log.Info().Str("room_id", a.roomID).Msg("room deleted, leaving")
		v := s.view(a.roomID, res.Room, nil)
		v.Deleted = true
		v.Phase = round.PhaseDeleted
		s.publish(v)
		s.release(a)
	default:
		log.Debug().
			Str("room_id", a.roomID).
			Str("decision", res.Decision.String()).
			Uint64("revision", snap.Revision).
			Msg("snapshot rejected")
	}
}

// react fires the automatic transitions the view calls for. Each runs at most
// once per round from this client; the transaction guards make repeats from
// other clients no-ops.
func (s *Session) react(ctx context.Context, a *attachment, r *models.Room) {
	if r == nil || r.Deleted() || !r.IsActive(s.me) {
		return
	}
	auth := s.selector.Evaluate(r, s.me)

	switch {
	case r.Status == models.StatusLobby && auth.Leader && round.CanStart(r):
		s.trigger(ctx, a, "start", r.RoundID, func(ctx context.Context, op string) error {
			return s.transact(ctx, a.roomID, op, leaderOnly, func(r *models.Room) (store.Fields, error) {
				return round.StartGame(r, s.bank, false)
			}, nil)
		})
	case round.ReadyToClose(r):
		s.trigger(ctx, a, "close", r.RoundID, func(ctx context.Context, op string) error {
			return s.transact(ctx, a.roomID, op, anyone, func(r *models.Room) (store.Fields, error) {
				return round.CloseVoting(r, false)
			}, nil)
		})
	case round.ReadyToSettle(r) && auth.Leader:
		roundID := r.RoundID
		s.trigger(ctx, a, "settle", roundID, func(ctx context.Context, _ string) error {
			_, err := s.settler.Settle(ctx, a.roomID, roundID, false)
			return err
		})
	case round.ReadyToAdvance(r):
		s.trigger(ctx, a, "advance", r.RoundID, func(ctx context.Context, op string) error {
			return s.transact(ctx, a.roomID, op, anyone, func(r *models.Room) (store.Fields, error) {
				return round.AdvanceRound(r, s.bank, false)
			}, nil)
		})
	}
}

// trigger runs fn once per (kind, round) in the background. Only a
// successful run keeps its key; after a rejection or failure the next
// snapshot or tick decides again.
func (s *Session) trigger(ctx context.Context, a *attachment, kind string, roundID int, fn func(ctx context.Context, op string) error) {
	key := fmt.Sprintf("%s:%d", kind, roundID)

	a.triggerMu.Lock()
	if roundID > a.triggerRound {
		a.triggerRound = roundID
		clear(a.triggers)
	}
	if a.triggers[key] {
		a.triggerMu.Unlock()
		return
	}
	a.triggers[key] = true
	a.triggerMu.Unlock()

	op := opID(kind, a.roomID, roundID)
	a.group.Go(func() error {
		err := fn(ctx, op)
		var rej *Rejection
		switch {
		case err == nil:
			log.Debug().Str("room_id", a.roomID).Str("trigger", key).Msg("transition done")
		case errors.As(asRejection(err), &rej):
			log.Debug().Str("room_id", a.roomID).Str("trigger", key).Str("code", string(rej.Code)).Msg("transition rejected")
			s.forget(a, key)
		case ctx.Err() != nil:
		default:
			log.Warn().Err(err).Str("room_id", a.roomID).Str("trigger", key).Msg("transition failed, will retry")
			s.forget(a, key)
		}
		return nil
	})
}

func (s *Session) forget(a *attachment, key string) {
	a.triggerMu.Lock()
	delete(a.triggers, key)
	a.triggerMu.Unlock()
}

// heartbeat refreshes this player's presence and, for the host, the host
// activity timestamp that keeps leadership.
func (s *Session) heartbeat(ctx context.Context, a *attachment) error {
	ticker := s.clock.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			s.beat(ctx, a)
		}
	}
}

func (s *Session) beat(ctx context.Context, a *attachment) {
	err := s.transact(ctx, a.roomID, opID("heartbeat", a.roomID, s.me), anyone, func(r *models.Room) (store.Fields, error) {
		if !r.HasPlayer(s.me) {
			return nil, nil
		}
		f := round.Presence(s.me)
		for k, v := range leader.Heartbeat(r, s.me) {
			f[k] = v
		}
		return f, nil
	}, nil)
	if err != nil && ctx.Err() == nil {
		log.Debug().Err(err).Str("room_id", a.roomID).Msg("heartbeat failed")
	}
}

// probe keeps the connection indicator current.
func (s *Session) probe(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			s.checkConnection(ctx)
		}
	}
}

func (s *Session) checkConnection(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.Retry.ProbeTimeout)
	err := s.store.Ping(pctx)
	cancel()
	if err != nil && ctx.Err() != nil {
		return s.isConnected()
	}

	s.mu.Lock()
	changed := s.connected != (err == nil)
	s.connected = err == nil
	s.lastPing = s.clock.Now()
	s.lastPingErr = err
	s.mu.Unlock()

	if changed {
		if err != nil {
			log.Warn().Err(err).Msg("store connection lost")
		} else {
			log.Info().Msg("store connection restored")
		}
		if a, aerr := s.current(); aerr == nil {
			s.publish(s.view(a.roomID, a.filter.Current(), nil))
		}
	}
	return err == nil
}

// autoAdvance re-evaluates the current view on a timer. Leadership changes
// with time alone, so a backup must notice a silent host without a new
// snapshot.
func (s *Session) autoAdvance(ctx context.Context, a *attachment) error {
	ticker := s.clock.NewTicker(s.cfg.AutoAdvanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if r := a.filter.Current(); r != nil && !r.HasPendingWrites {
				s.react(ctx, a, r)
			}
		}
	}
}
