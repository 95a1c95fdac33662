// Package attack settles a round's queued attacks and penalties.
//
// Settlement is a chain of small transactions, each guarded by a per-round
// marker in the room document, ending with one transaction guarded by
// roundRecapShown. Any leader can run or re-run it, including a backup that
// takes over halfway, and every effect lands exactly once.
package attack

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/mcdev12/hotseat/go/internal/models"
	"github.com/mcdev12/hotseat/go/internal/party/leader"
	"github.com/mcdev12/hotseat/go/internal/party/retry"
	"github.com/mcdev12/hotseat/go/internal/party/round"
	"github.com/mcdev12/hotseat/go/internal/store"
	"github.com/rs/zerolog/log"
)

// ErrNotLeader is returned when the client lost leadership during settlement.
var ErrNotLeader = errors.New("not the room leader")

var errUnsettledTargets = errors.New("targets left unsettled")

const maxPasses = 3

// Outcome describes a settlement this client committed.
type Outcome struct {
	RoundID    int
	Results    map[models.PlayerID]models.AttackResult
	Eliminated []models.PlayerID
	// Finished is set when the game ended; Winner is empty on a draw.
	Finished bool
	Winner   models.PlayerID
	// Skipped is set when there was nothing to settle: another leader
	// finished first, the round moved on or decisions are missing.
	Skipped bool
}

// Engine runs settlements on behalf of one client.
type Engine struct {
	store    store.Store
	retry    *retry.Engine
	selector *leader.Selector
	me       models.PlayerID
}

// New creates an engine acting as me.
func New(s store.Store, r *retry.Engine, sel *leader.Selector, me models.PlayerID) *Engine {
	return &Engine{store: s, retry: r, selector: sel, me: me}
}

// Settle resolves roundID. force settles even with decisions missing, treating
// undecided players as having skipped.
func (e *Engine) Settle(ctx context.Context, roomID string, roundID int, force bool) (Outcome, error) {
	out := Outcome{RoundID: roundID}
	prefix := fmt.Sprintf("settle:%s:%d", roomID, roundID)

	for pass := 1; pass <= maxPasses; pass++ {
		r, err := e.read(ctx, roomID)
		if err != nil {
			return out, err
		}
		if !settleable(r, roundID) || (!force && !r.AllDecided()) {
			out.Skipped = true
			return out, nil
		}
		if a := e.selector.Evaluate(r, e.me); !a.Leader {
			return out, ErrNotLeader
		}

		if _, err := e.step(ctx, roomID, prefix+":penalties", roundID, func(r *models.Room) (store.Fields, error) {
			return penaltyFields(r, roundID, force), nil
		}); err != nil {
			return out, fmt.Errorf("apply penalties: %w", err)
		}

		for _, target := range r.AttackTargets() {
			if _, err := e.step(ctx, roomID, prefix+":target:"+string(target), roundID, func(r *models.Room) (store.Fields, error) {
				return targetFields(r, target, roundID), nil
			}); err != nil {
				return out, fmt.Errorf("settle attacks on %s: %w", target, err)
			}
		}

		var final Outcome
		applied, err := e.step(ctx, roomID, prefix+":final", roundID, func(r *models.Room) (store.Fields, error) {
			if len(unsettled(r, roundID)) > 0 {
				return nil, errUnsettledTargets
			}
			var f store.Fields
			f, final = finalFields(r, roundID)
			return f, nil
		})
		if errors.Is(err, errUnsettledTargets) {
			log.Warn().Str("room_id", roomID).Int("round_id", roundID).Int("pass", pass).Msg("attacks queued during settlement, settling again")
			continue
		}
		if err != nil {
			return out, fmt.Errorf("finish settlement: %w", err)
		}
		if !applied {
			out.Skipped = true
			return out, nil
		}

		final.RoundID = roundID
		log.Info().
			Str("room_id", roomID).
			Int("round_id", roundID).
			Int("results", len(final.Results)).
			Int("eliminated", len(final.Eliminated)).
			Bool("finished", final.Finished).
			Msg("round settled")
		return final, nil
	}
	return out, fmt.Errorf("settle round %d: %w", roundID, errUnsettledTargets)
}

func (e *Engine) read(ctx context.Context, roomID string) (*models.Room, error) {
	snap, err := e.store.Get(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("read room %s: %w", roomID, err)
	}
	return models.DecodeRoom(snap)
}

func settleable(r *models.Room, roundID int) bool {
	return r != nil && !r.Deleted() &&
		r.RoundID == roundID &&
		r.Status == models.StatusResult &&
		!r.RoundRecapShown
}

// step runs build inside a guarded transaction through the retry engine and
// reports whether this client's write committed. build returning no fields
// means the step was already done.
func (e *Engine) step(ctx context.Context, roomID, opID string, roundID int, build func(*models.Room) (store.Fields, error)) (bool, error) {
	var applied bool
	err := e.retry.Do(ctx, retry.Request{ID: opID, RoomID: roomID}, func(ctx context.Context) error {
		applied = false
		return e.store.RunTransaction(ctx, roomID, func(snap store.Snapshot) (store.Fields, error) {
			applied = false
			r, err := models.DecodeRoom(snap)
			if err != nil {
				return nil, err
			}
			if !settleable(r, roundID) {
				return nil, nil
			}
			a := e.selector.Evaluate(r, e.me)
			if !a.Leader {
				return nil, ErrNotLeader
			}
			f, err := build(r)
			if err != nil || len(f) == 0 {
				return nil, err
			}
			for k, v := range leader.ClaimFields(a, e.me) {
				if _, ok := f[k]; !ok {
					f[k] = v
				}
			}
			applied = true
			return f, nil
		})
	})
	return applied, err
}

// penaltyFields charges every wrong guesser once per round and, when forced,
// closes the remaining decisions.
func penaltyFields(r *models.Room, roundID int, force bool) store.Fields {
	f := store.Fields{}
	for _, id := range round.WrongGuessers(r) {
		if r.PenaltyApplied[id] == roundID {
			continue
		}
		f[models.PlayerPath(id, models.PlayerTemperature)] = store.Increment(r.Config.WrongGuessPenalty)
		f[models.MemberPath(models.FieldPenaltyApplied, id)] = roundID
	}
	if force {
		for _, id := range r.ActivePlayers() {
			if !r.AttackDecisions[id] {
				f[models.MemberPath(models.FieldAttackDecisions, id)] = true
			}
		}
	}
	return f
}

// targetFields applies the queued attacks on target, or mirrors them back to
// their attackers when target holds a reflect card.
func targetFields(r *models.Room, target models.PlayerID, roundID int) store.Fields {
	if r.SettledTargets[target].RoundID == roundID {
		return nil
	}
	attacks := r.AttacksOn(target)
	if len(attacks) == 0 {
		return nil
	}
	f := store.Fields{}
	settled := map[string]any{"roundId": roundID}
	if r.Players[target].HasItem(models.ItemReflect) {
		for _, a := range attacks {
			f[models.PlayerPath(a.Attacker, models.PlayerTemperature)] = store.Increment(a.Damage)
		}
		f[store.Path(models.FieldPlayers, string(target), models.PlayerInventory, models.ItemReflect)] = store.Delete
		settled["mirrored"] = true
	} else {
		total := 0.0
		for _, a := range attacks {
			total += a.Damage
		}
		f[models.PlayerPath(target, models.PlayerTemperature)] = store.Increment(total)
	}
	f[models.MemberPath(models.FieldSettledTargets, target)] = settled
	return f
}

func unsettled(r *models.Room, roundID int) []models.PlayerID {
	var out []models.PlayerID
	for _, t := range r.AttackTargets() {
		if r.SettledTargets[t].RoundID != roundID {
			out = append(out, t)
		}
	}
	return out
}

// finalFields builds the recap from the settled state: per-player results,
// eliminations, host handoff and the end of the game.
func finalFields(r *models.Room, roundID int) (store.Fields, Outcome) {
	results := map[models.PlayerID]*models.AttackResult{}
	get := func(id models.PlayerID) *models.AttackResult {
		res, ok := results[id]
		if !ok {
			res = &models.AttackResult{}
			results[id] = res
		}
		return res
	}

	for _, id := range round.WrongGuessers(r) {
		if r.PenaltyApplied[id] != roundID {
			continue
		}
		res := get(id)
		res.Breakdown = append(res.Breakdown, models.BreakdownEntry{Kind: models.KindPenalty, Damage: r.Config.WrongGuessPenalty})
		res.TotalDamage += r.Config.WrongGuessPenalty
	}

	for _, target := range r.AttackTargets() {
		mirrored := r.SettledTargets[target].Mirrored
		res := get(target)
		for _, a := range r.AttacksOn(target) {
			res.Attackers = append(res.Attackers, a.Attacker)
			if mirrored {
				back := get(a.Attacker)
				back.Breakdown = append(back.Breakdown, models.BreakdownEntry{Source: target, Kind: models.KindMirror, Damage: a.Damage})
				back.TotalDamage += a.Damage
				continue
			}
			res.Breakdown = append(res.Breakdown, models.BreakdownEntry{Source: a.Attacker, Kind: models.KindAttack, Damage: a.Damage})
			res.TotalDamage += a.Damage
		}
		if mirrored {
			res.Mirrored = true
		}
	}

	var eliminated, remaining []models.PlayerID
	for _, id := range r.ActivePlayers() {
		if r.Temperature(id) >= r.Config.MaxTemperature {
			eliminated = append(eliminated, id)
			get(id).Eliminated = true
			continue
		}
		remaining = append(remaining, id)
	}

	docs := make(map[string]any, len(results))
	out := Outcome{Results: make(map[models.PlayerID]models.AttackResult, len(results)), Eliminated: eliminated}
	for id, res := range results {
		docs[string(id)] = models.ResultDocument(*res)
		out.Results[id] = *res
	}

	f := store.Fields{
		models.FieldAttackResults:   docs,
		models.FieldRoundRecapShown: true,
	}
	for _, id := range eliminated {
		f[models.MemberPath(models.FieldEliminated, id)] = true
		f[models.MemberPath(models.FieldLobbyReady, id)] = store.Delete
	}
	if (slices.Contains(eliminated, r.Host) || r.Eliminated.Has(r.Host)) && len(remaining) > 0 {
		f[models.FieldHost] = string(remaining[0])
		f[models.FieldLastHostActivity] = store.ServerTimestamp
	}
	if len(remaining) <= 1 {
		for k, v := range round.WinnerFields(remaining) {
			f[k] = v
		}
		out.Finished = true
		if len(remaining) == 1 {
			out.Winner = remaining[0]
		}
	}
	return f, out
}
