package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcdev12/hotseat/go/internal/models"
	"github.com/mcdev12/hotseat/go/internal/party/attack"
	"github.com/mcdev12/hotseat/go/internal/party/leader"
	"github.com/mcdev12/hotseat/go/internal/party/retry"
	"github.com/mcdev12/hotseat/go/internal/party/round"
	"github.com/mcdev12/hotseat/go/internal/store"
	"github.com/rs/zerolog/log"
)

type gate int

const (
	anyone gate = iota
	leaderOnly
)

type builder func(r *models.Room) (store.Fields, error)

// transact runs build on a fresh read of roomID inside a transaction, through
// the retry engine. Leader-only writes re-check leadership on the same read
// and carry the leader claim.
func (s *Session) transact(ctx context.Context, roomID, op string, g gate, build builder, retryIf func(error) bool) error {
	return s.retry.Do(ctx, retry.Request{ID: op, RoomID: roomID, RetryIf: retryIf}, func(ctx context.Context) error {
		return s.store.RunTransaction(ctx, roomID, func(snap store.Snapshot) (store.Fields, error) {
			r, err := models.DecodeRoom(snap)
			if err != nil {
				return nil, err
			}
			if r == nil {
				return nil, errRoomMissing
			}
			if r.Deleted() {
				return nil, errRoomDeleted
			}
			var claim store.Fields
			if g == leaderOnly {
				a := s.selector.Evaluate(r, s.me)
				if !a.Leader {
					return nil, attack.ErrNotLeader
				}
				claim = leader.ClaimFields(a, s.me)
			}
			f, err := build(r)
			if err != nil || len(f) == 0 {
				return nil, err
			}
			for k, v := range claim {
				if _, ok := f[k]; !ok {
					f[k] = v
				}
			}
			return f, nil
		})
	})
}

// command runs build against the attached room.
func (s *Session) command(ctx context.Context, kind string, g gate, build builder) error {
	a, err := s.current()
	if err != nil {
		return asRejection(err)
	}
	op := opID(kind, a.roomID, s.me, a.filter.LastRoundID())
	if err := s.transact(ctx, a.roomID, op, g, build, nil); err != nil {
		err = asRejection(err)
		logCommandError(err, kind, a.roomID)
		return err
	}
	return nil
}

func logCommandError(err error, kind, roomID string) {
	var rej *Rejection
	if errors.As(err, &rej) {
		log.Warn().Str("room_id", roomID).Str("command", kind).Str("code", string(rej.Code)).Msg("command rejected")
		return
	}
	log.Error().Err(err).Str("room_id", roomID).Str("command", kind).Msg("command failed")
}

// CreateRoom creates a lobby hosted by this player and attaches to it.
func (s *Session) CreateRoom(ctx context.Context, cfg models.GameConfig) (string, error) {
	doc := models.NewRoomDocument(s.me, s.cfg.Emoji, cfg)
	for i := 0; i < maxCodeAttempts; i++ {
		code := newRoomCode()
		err := s.retry.Do(ctx, retry.Request{ID: opID("create", code)}, func(ctx context.Context) error {
			return s.store.Create(ctx, code, doc)
		})
		if errors.Is(err, store.ErrAlreadyExists) {
			log.Debug().Str("room_id", code).Msg("room code taken, drawing another")
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create room: %w", err)
		}
		if err := s.attach(code); err != nil {
			return "", err
		}
		log.Info().Str("room_id", code).Str("player_id", string(s.me)).Msg("room created")
		return code, nil
	}
	return "", fmt.Errorf("create room: no free room code after %d attempts", maxCodeAttempts)
}

// JoinRoom adds this player to a lobby and attaches to it.
func (s *Session) JoinRoom(ctx context.Context, code string) error {
	roomID, err := normalizeRoomCode(code)
	if err != nil {
		return err
	}
	err = s.transact(ctx, roomID, opID("join", roomID, s.me), anyone, func(r *models.Room) (store.Fields, error) {
		return round.Join(r, s.me, s.cfg.Emoji)
	}, nil)
	if err != nil {
		err = asRejection(err)
		logCommandError(err, "join", roomID)
		return err
	}
	log.Info().Str("room_id", roomID).Str("player_id", string(s.me)).Msg("joined room")
	return s.attach(roomID)
}

// Rejoin attaches to a room this player is already part of, e.g. after a
// reload.
func (s *Session) Rejoin(ctx context.Context, code string) error {
	roomID, err := normalizeRoomCode(code)
	if err != nil {
		return err
	}
	err = s.transact(ctx, roomID, opID("rejoin", roomID, s.me), anyone, func(r *models.Room) (store.Fields, error) {
		return round.Rejoin(r, s.me)
	}, nil)
	if err != nil {
		err = asRejection(err)
		logCommandError(err, "rejoin", roomID)
		return err
	}
	return s.attach(roomID)
}

// LeaveRoom removes this player from a lobby (or hands over the host role in
// a running game) and stops following the room.
func (s *Session) LeaveRoom(ctx context.Context) error {
	err := s.command(ctx, "leave", anyone, func(r *models.Room) (store.Fields, error) {
		return round.Leave(r, s.me)
	})
	s.detach()
	return err
}

// SubmitVote records this player's answer for the round currently shown. A
// lost transaction race is not retried: the room is re-read and, if the vote
// is still missing, written directly.
func (s *Session) SubmitVote(ctx context.Context, choice, strategy string) error {
	a, err := s.current()
	if err != nil {
		return asRejection(err)
	}
	return s.vote(ctx, a, a.filter.LastRoundID(), choice, strategy)
}

// vote answers round observed. Both the transaction and the direct write
// refuse it once the room has moved to another round.
func (s *Session) vote(ctx context.Context, a *attachment, observed int, choice, strategy string) error {
	op := opID("vote", a.roomID, s.me, observed)
	build := func(r *models.Room) (store.Fields, error) {
		return round.Vote(r, s.me, observed, choice, strategy)
	}

	err := s.transact(ctx, a.roomID, op, anyone, build, retry.NotConflict)
	if errors.Is(err, store.ErrFailedPrecondition) {
		log.Warn().Str("room_id", a.roomID).Str("player_id", string(s.me)).Msg("vote lost a transaction race, verifying before direct write")
		err = s.retry.Do(ctx, retry.Request{ID: op + ":direct", RoomID: a.roomID, RetryIf: retry.NotConflict}, func(ctx context.Context) error {
			snap, err := s.store.Get(ctx, a.roomID)
			if err != nil {
				return err
			}
			r, err := models.DecodeRoom(snap)
			if err != nil {
				return err
			}
			if r == nil {
				return errRoomMissing
			}
			if r.Deleted() {
				return errRoomDeleted
			}
			f, err := build(r)
			if err != nil {
				return err
			}
			return s.store.UpdateFields(ctx, a.roomID, f)
		})
	}
	if err != nil {
		err = asRejection(err)
		logCommandError(err, "vote", a.roomID)
		return err
	}
	return nil
}

// ChooseAttack queues an attack on target.
func (s *Session) ChooseAttack(ctx context.Context, target string) error {
	id, err := models.ParsePlayerID(target)
	if err != nil {
		return reject(CodeInvalidTarget, err)
	}
	return s.command(ctx, "attack", anyone, func(r *models.Room) (store.Fields, error) {
		return round.ChooseAttack(r, s.me, id)
	})
}

// SkipAttack passes on attacking this round.
func (s *Session) SkipAttack(ctx context.Context) error {
	return s.command(ctx, "skip", anyone, func(r *models.Room) (store.Fields, error) {
		return round.SkipAttack(r, s.me)
	})
}

// DrawReward takes a power-up card instead of attacking.
func (s *Session) DrawReward(ctx context.Context, card string) error {
	return s.command(ctx, "reward", anyone, func(r *models.Room) (store.Fields, error) {
		return round.DrawReward(r, s.me, card)
	})
}

// SetReady marks this player lobby-ready in the lobby and round-ready after
// the recap.
func (s *Session) SetReady(ctx context.Context) error {
	return s.command(ctx, "ready", anyone, func(r *models.Room) (store.Fields, error) {
		if r.Status == models.StatusLobby {
			return round.SetLobbyReady(r, s.me)
		}
		return round.SetRoundReady(r, s.me)
	})
}

// ConfirmPopup acknowledges this player's attack result.
func (s *Session) ConfirmPopup(ctx context.Context) error {
	return s.command(ctx, "popup", anyone, func(r *models.Room) (store.Fields, error) {
		return round.ConfirmPopup(r, s.me)
	})
}

// ForceAdvance is the leader's escape hatch for a stuck phase.
func (s *Session) ForceAdvance(ctx context.Context) error {
	a, err := s.current()
	if err != nil {
		return asRejection(err)
	}
	snap, err := s.store.Get(ctx, a.roomID)
	if err != nil {
		return asRejection(fmt.Errorf("read room %s: %w", a.roomID, err))
	}
	r, err := models.DecodeRoom(snap)
	if err != nil {
		return err
	}
	if r == nil {
		return reject(CodeNotFound, errRoomMissing)
	}

	phase := round.PhaseOf(r)
	log.Info().Str("room_id", a.roomID).Str("phase", string(phase)).Msg("forcing phase advance")

	switch phase {
	case round.PhaseLobby:
		return s.command(ctx, "force-start", leaderOnly, func(r *models.Room) (store.Fields, error) {
			return round.StartGame(r, s.bank, true)
		})
	case round.PhaseVoting, round.PhaseWaitingForHotseat:
		return s.command(ctx, "force-close", leaderOnly, func(r *models.Room) (store.Fields, error) {
			return round.CloseVoting(r, true)
		})
	case round.PhaseAttackDecision:
		if _, err := s.settler.Settle(ctx, a.roomID, r.RoundID, true); err != nil {
			err = asRejection(err)
			logCommandError(err, "force-settle", a.roomID)
			return err
		}
		return nil
	case round.PhaseRecap:
		return s.command(ctx, "force-advance", leaderOnly, func(r *models.Room) (store.Fields, error) {
			return round.AdvanceRound(r, s.bank, true)
		})
	case round.PhaseDeleted:
		return reject(CodeRoomGone, errRoomDeleted)
	}
	return reject(CodeWrongPhase, round.ErrWrongPhase)
}

// Restart returns the room to a fresh lobby from any phase.
func (s *Session) Restart(ctx context.Context) error {
	return s.command(ctx, "restart", leaderOnly, round.Restart)
}

// Rematch starts over after a finished game.
func (s *Session) Rematch(ctx context.Context) error {
	return s.command(ctx, "rematch", leaderOnly, round.Rematch)
}

// DeleteRoom marks the room deleted, removes the document and leaves.
func (s *Session) DeleteRoom(ctx context.Context) error {
	a, err := s.current()
	if err != nil {
		return asRejection(err)
	}
	err = s.command(ctx, "delete", leaderOnly, func(r *models.Room) (store.Fields, error) {
		return store.Fields{
			models.FieldStatus:    string(models.StatusDeleted),
			models.FieldDeletedAt: store.ServerTimestamp,
		}, nil
	})
	if err != nil {
		return err
	}

	err = s.retry.Do(ctx, retry.Request{ID: opID("delete-document", a.roomID)}, func(ctx context.Context) error {
		return s.store.Delete(ctx, a.roomID)
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		// The deleted marker already tears every client down.
		log.Warn().Err(err).Str("room_id", a.roomID).Msg("failed to remove room document")
	}
	s.detach()
	log.Info().Str("room_id", a.roomID).Str("player_id", string(s.me)).Msg("room deleted")
	return nil
}
