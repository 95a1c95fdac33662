// Package round holds the game's state machine as pure functions over a room
// view. Each transition checks its guard against the room it is given and
// returns the field updates that perform it. Callers run them inside a store
// transaction on a freshly read room, so a transition that was already made
// by another client fails its guard and becomes a no-op.
package round

import (
	"errors"

	"github.com/mcdev12/hotseat/go/internal/models"
	"github.com/mcdev12/hotseat/go/internal/party/questions"
	"github.com/mcdev12/hotseat/go/internal/store"
)

var (
	ErrWrongPhase        = errors.New("not allowed in the current phase")
	ErrNotEnoughPlayers  = errors.New("not enough players")
	ErrNotReady          = errors.New("players are not ready")
	ErrVotingOpen        = errors.New("votes are still missing")
	ErrWaitingForHotseat = errors.New("waiting for the hotseat to answer")
	ErrAlreadyVoted      = errors.New("already voted this round")
	ErrStaleRound        = errors.New("round changed since it was shown")
	ErrNotEligible       = errors.New("player is not eligible")
	ErrInvalidTarget     = errors.New("invalid attack target")
	ErrAlreadyDecided    = errors.New("decision already made this round")
	ErrInvalidCard       = errors.New("unknown reward card")
	ErrInvalidChoice     = errors.New("choice is not one of the options")
	ErrAlreadyJoined     = errors.New("player already joined")
	ErrNotJoined         = errors.New("player has not joined")
)

// Phase is the UI sub-phase derived from the room.
type Phase string

const (
	PhaseLobby             Phase = "lobby"
	PhaseVoting            Phase = "voting"
	PhaseWaitingForHotseat Phase = "waiting-for-hotseat"
	PhaseAttackDecision    Phase = "attack-decision"
	PhaseRecap             Phase = "recap"
	PhaseWinner            Phase = "winner"
	PhaseDeleted           Phase = "deleted"
)

// PhaseOf computes the sub-phase of r.
func PhaseOf(r *models.Room) Phase {
	switch {
	case r == nil || r.Deleted():
		return PhaseDeleted
	case r.Status == models.StatusWinner:
		return PhaseWinner
	case r.Status == models.StatusGame:
		if !r.HotseatVoted() && othersVoted(r) {
			return PhaseWaitingForHotseat
		}
		return PhaseVoting
	case r.Status == models.StatusResult:
		if r.RoundRecapShown {
			return PhaseRecap
		}
		return PhaseAttackDecision
	}
	return PhaseLobby
}

func othersVoted(r *models.Room) bool {
	n := 0
	for _, id := range r.ActivePlayers() {
		if id == r.Hotseat {
			continue
		}
		if _, ok := r.ValidVote(id); !ok {
			return false
		}
		n++
	}
	return n > 0
}

// HotseatFor returns the hotseat of roundID: the sorted active players indexed
// by roundID modulo their count.
func HotseatFor(r *models.Room, roundID int) models.PlayerID {
	active := r.ActivePlayers()
	if len(active) == 0 {
		return ""
	}
	idx := roundID % len(active)
	if idx < 0 {
		idx += len(active)
	}
	return active[idx]
}

// CanStart reports whether the lobby can start a game on its own.
func CanStart(r *models.Room) bool {
	return r.Status == models.StatusLobby &&
		len(r.ActivePlayers()) >= r.Config.MinPlayers &&
		allLobbyReady(r)
}

// ReadyToClose reports whether every active player, hotseat included, voted.
func ReadyToClose(r *models.Room) bool {
	return r.Status == models.StatusGame && r.AllVoted()
}

// ReadyToSettle reports whether every decision is in and nothing was settled.
func ReadyToSettle(r *models.Room) bool {
	return r.Status == models.StatusResult && !r.RoundRecapShown && r.AllDecided()
}

// ReadyToAdvance reports whether the recap was shown and acknowledged.
func ReadyToAdvance(r *models.Room) bool {
	return r.Status == models.StatusResult && r.AcksComplete()
}

func allLobbyReady(r *models.Room) bool {
	for _, id := range r.ActivePlayers() {
		if !r.LobbyReady.Has(id) {
			return false
		}
	}
	return true
}

// Join adds me to a room in the lobby.
func Join(r *models.Room, me models.PlayerID, emoji string) (store.Fields, error) {
	if r.HasPlayer(me) {
		return nil, ErrAlreadyJoined
	}
	if r.Status != models.StatusLobby {
		return nil, ErrWrongPhase
	}
	return store.Fields{
		store.Path(models.FieldPlayers, string(me)): models.NewPlayerDocument(emoji),
	}, nil
}

// Rejoin refreshes presence for a player already in the room.
func Rejoin(r *models.Room, me models.PlayerID) (store.Fields, error) {
	if !r.HasPlayer(me) {
		return nil, ErrNotJoined
	}
	return Presence(me), nil
}

// Presence is the heartbeat write for me.
func Presence(me models.PlayerID) store.Fields {
	return store.Fields{
		models.PlayerPath(me, models.PlayerLastSeen): store.ServerTimestamp,
	}
}

// Leave removes me from a lobby. Outside the lobby the player stays in the
// game; only the host role is handed over.
func Leave(r *models.Room, me models.PlayerID) (store.Fields, error) {
	if !r.HasPlayer(me) {
		return nil, ErrNotJoined
	}
	f := store.Fields{}
	if r.Status == models.StatusLobby {
		f[store.Path(models.FieldPlayers, string(me))] = store.Delete
		f[models.MemberPath(models.FieldLobbyReady, me)] = store.Delete
	}
	if r.Host == me {
		if next := firstOther(r, me); next != "" {
			f[models.FieldHost] = string(next)
			f[models.FieldLastHostActivity] = store.ServerTimestamp
		}
	}
	if len(f) == 0 {
		return nil, nil
	}
	return f, nil
}

func firstOther(r *models.Room, me models.PlayerID) models.PlayerID {
	for _, id := range r.ActivePlayers() {
		if id != me {
			return id
		}
	}
	return ""
}

// SetLobbyReady marks me ready to start.
func SetLobbyReady(r *models.Room, me models.PlayerID) (store.Fields, error) {
	if r.Status != models.StatusLobby {
		return nil, ErrWrongPhase
	}
	if !r.HasPlayer(me) {
		return nil, ErrNotJoined
	}
	if r.LobbyReady.Has(me) {
		return nil, nil
	}
	return store.Fields{models.MemberPath(models.FieldLobbyReady, me): true}, nil
}

// SetRoundReady marks me ready for the next round after the recap.
func SetRoundReady(r *models.Room, me models.PlayerID) (store.Fields, error) {
	if r.Status != models.StatusResult || !r.RoundRecapShown {
		return nil, ErrWrongPhase
	}
	if !r.IsActive(me) {
		return nil, ErrNotEligible
	}
	if r.Ready.Has(me) {
		return nil, nil
	}
	return store.Fields{models.MemberPath(models.FieldReady, me): true}, nil
}

// ConfirmPopup acknowledges me's attack result.
func ConfirmPopup(r *models.Room, me models.PlayerID) (store.Fields, error) {
	if r.Status != models.StatusResult || !r.RoundRecapShown {
		return nil, ErrWrongPhase
	}
	if !r.HasPlayer(me) {
		return nil, ErrNotJoined
	}
	if r.PopupConfirmed[me] {
		return nil, nil
	}
	return store.Fields{models.MemberPath(models.FieldPopupConfirmed, me): true}, nil
}

// StartGame moves the lobby into the first round. force skips the lobby-ready
// check but never the player minimum.
func StartGame(r *models.Room, bank *questions.Bank, force bool) (store.Fields, error) {
	if r.Status != models.StatusLobby {
		return nil, ErrWrongPhase
	}
	if len(r.ActivePlayers()) < r.Config.MinPlayers {
		return nil, ErrNotEnoughPlayers
	}
	if !force && !allLobbyReady(r) {
		return nil, ErrNotReady
	}
	return newRound(r, bank, r.RoundID+1), nil
}

// newRound builds the transition into nextRoundID: hotseat, question, cleared
// per-round state and pending cooling.
func newRound(r *models.Room, bank *questions.Bank, nextRoundID int) store.Fields {
	q, wrapped := bank.Pick(r.UsedQuestions, nextRoundID, r.Config.Categories)
	f := store.Fields{
		models.FieldRoundID:         nextRoundID,
		models.FieldStatus:          string(models.StatusGame),
		models.FieldHotseat:         string(HotseatFor(r, nextRoundID)),
		models.FieldQuestion:        q.Document(),
		models.FieldVotes:           map[string]any{},
		models.FieldReady:           map[string]any{},
		models.FieldPendingAttacks:  map[string]any{},
		models.FieldAttackDecisions: map[string]any{},
		models.FieldAttackResults:   map[string]any{},
		models.FieldPopupConfirmed:  map[string]any{},
		models.FieldRoundRecapShown: false,
		models.FieldPenaltyApplied:  map[string]any{},
		models.FieldSettledTargets:  map[string]any{},
	}
	if wrapped {
		f[models.FieldUsedQuestions] = map[string]any{q.ID: true}
	} else {
		f[store.Path(models.FieldUsedQuestions, q.ID)] = true
	}
	for k, v := range Cooling(r, nextRoundID) {
		f[k] = v
	}
	return f
}

// Cooling spends every active player's ice card: temperature drops by the
// configured amount, floored at zero. It runs once per round.
func Cooling(r *models.Room, roundID int) store.Fields {
	if r.CooledRound >= roundID {
		return nil
	}
	f := store.Fields{}
	for _, id := range r.ActivePlayers() {
		p := r.Players[id]
		if !p.HasItem(models.ItemIce) {
			continue
		}
		temp := p.Temperature - r.Config.CoolingAmount
		if temp < 0 {
			temp = 0
		}
		f[models.PlayerPath(id, models.PlayerTemperature)] = temp
		f[store.Path(models.FieldPlayers, string(id), models.PlayerInventory, models.ItemIce)] = store.Delete
	}
	if len(f) == 0 {
		return nil
	}
	f[models.FieldCooledRound] = roundID
	return f
}

// CheckVote validates a vote by me against r.
func CheckVote(r *models.Room, me models.PlayerID, choice string) error {
	if r.Status != models.StatusGame {
		return ErrWrongPhase
	}
	if !r.IsActive(me) {
		return ErrNotEligible
	}
	if r.Question != nil && len(r.Question.Options) > 0 {
		valid := false
		for _, o := range r.Question.Options {
			if o == choice {
				valid = true
				break
			}
		}
		if !valid {
			return ErrInvalidChoice
		}
	}
	if _, ok := r.ValidVote(me); ok {
		return ErrAlreadyVoted
	}
	return nil
}

// Vote stamps me's vote with the round of r, which must be the freshly read
// room so the stamp is the server-observed round. observed is the round the
// player answered; a vote for any other round is refused.
func Vote(r *models.Room, me models.PlayerID, observed int, choice, strategy string) (store.Fields, error) {
	if err := CheckVote(r, me, choice); err != nil {
		return nil, err
	}
	if r.RoundID != observed {
		return nil, ErrStaleRound
	}
	return store.Fields{
		models.MemberPath(models.FieldVotes, me): map[string]any{
			"choice":    choice,
			"strategy":  strategy,
			"roundId":   r.RoundID,
			"timestamp": store.ServerTimestamp,
		},
	}, nil
}

// CloseVoting moves the round to the result phase. The hotseat and every
// player who did not guess the hotseat's answer are decided automatically,
// and wrong guessers take the penalty now, marked in penaltyApplied so
// settlement does not charge it again. force accepts missing votes from
// players other than the hotseat.
func CloseVoting(r *models.Room, force bool) (store.Fields, error) {
	if r.Status != models.StatusGame {
		return nil, ErrWrongPhase
	}
	if !r.HotseatVoted() {
		return nil, ErrWaitingForHotseat
	}
	if !force && !r.AllVoted() {
		return nil, ErrVotingOpen
	}
	f := store.Fields{
		models.FieldStatus:          string(models.StatusResult),
		models.FieldRoundRecapShown: false,
	}
	for _, id := range r.ActivePlayers() {
		if id == r.Hotseat || !r.GuessedCorrectly(id) {
			f[models.MemberPath(models.FieldAttackDecisions, id)] = true
		}
	}
	for _, id := range WrongGuessers(r) {
		if r.PenaltyApplied[id] == r.RoundID {
			continue
		}
		f[models.PlayerPath(id, models.PlayerTemperature)] = store.Increment(r.Config.WrongGuessPenalty)
		f[models.MemberPath(models.FieldPenaltyApplied, id)] = r.RoundID
	}
	return f, nil
}

// WrongGuessers returns the active players other than the hotseat who did
// not match the hotseat's answer, including players who never voted.
func WrongGuessers(r *models.Room) []models.PlayerID {
	var out []models.PlayerID
	for _, id := range r.ActivePlayers() {
		if id != r.Hotseat && !r.GuessedCorrectly(id) {
			out = append(out, id)
		}
	}
	return out
}

func checkDecision(r *models.Room, me models.PlayerID) error {
	if r.Status != models.StatusResult || r.RoundRecapShown {
		return ErrWrongPhase
	}
	if !r.IsActive(me) || me == r.Hotseat || !r.GuessedCorrectly(me) {
		return ErrNotEligible
	}
	if r.AttackDecisions[me] {
		return ErrAlreadyDecided
	}
	return nil
}

// ChooseAttack queues me's attack on target. A double card is spent here.
func ChooseAttack(r *models.Room, me, target models.PlayerID) (store.Fields, error) {
	if err := checkDecision(r, me); err != nil {
		return nil, err
	}
	if target == me || !r.IsActive(target) {
		return nil, ErrInvalidTarget
	}
	damage := r.Config.BaseDamage
	flags := []any{}
	f := store.Fields{}
	if r.Players[me].HasItem(models.ItemDouble) {
		damage *= 2
		flags = append(flags, models.ItemDouble)
		f[store.Path(models.FieldPlayers, string(me), models.PlayerInventory, models.ItemDouble)] = store.Delete
	}
	f[store.Path(models.FieldPendingAttacks, string(target), string(me))] = map[string]any{
		"damage":   damage,
		"flags":    flags,
		"queuedAt": store.ServerTimestamp,
	}
	f[models.MemberPath(models.FieldAttackDecisions, me)] = true
	return f, nil
}

// SkipAttack records that me passes this round.
func SkipAttack(r *models.Room, me models.PlayerID) (store.Fields, error) {
	if err := checkDecision(r, me); err != nil {
		return nil, err
	}
	return store.Fields{models.MemberPath(models.FieldAttackDecisions, me): true}, nil
}

// DrawReward takes a power-up instead of attacking.
func DrawReward(r *models.Room, me models.PlayerID, card string) (store.Fields, error) {
	if !models.IsRewardCard(card) {
		return nil, ErrInvalidCard
	}
	if err := checkDecision(r, me); err != nil {
		return nil, err
	}
	return store.Fields{
		store.Path(models.FieldPlayers, string(me), models.PlayerInventory, card): true,
		models.MemberPath(models.FieldAttackDecisions, me):                        true,
	}, nil
}

// AdvanceRound leaves the recap for the next round, or for the winner screen
// when at most one player remains. force ignores missing acknowledgments.
func AdvanceRound(r *models.Room, bank *questions.Bank, force bool) (store.Fields, error) {
	if r.Status != models.StatusResult || !r.RoundRecapShown {
		return nil, ErrWrongPhase
	}
	if !force && !r.AcksComplete() {
		return nil, ErrNotReady
	}
	active := r.ActivePlayers()
	if len(active) <= 1 {
		return WinnerFields(active), nil
	}
	return newRound(r, bank, r.RoundID+1), nil
}

// WinnerFields ends the game. No remaining player is a draw.
func WinnerFields(active []models.PlayerID) store.Fields {
	winner := ""
	if len(active) == 1 {
		winner = string(active[0])
	}
	return store.Fields{
		models.FieldStatus: string(models.StatusWinner),
		models.FieldWinner: winner,
	}
}

// Restart returns any room to a fresh lobby.
func Restart(r *models.Room) (store.Fields, error) {
	if r.Deleted() {
		return nil, ErrWrongPhase
	}
	f := reset(r)
	f[models.FieldUsedQuestions] = map[string]any{}
	return f, nil
}

// Rematch returns a finished game to the lobby, keeping question history.
func Rematch(r *models.Room) (store.Fields, error) {
	if r.Status != models.StatusWinner {
		return nil, ErrWrongPhase
	}
	return reset(r), nil
}

func reset(r *models.Room) store.Fields {
	f := store.Fields{
		models.FieldRoundID:         r.RoundID + 1,
		models.FieldStatus:          string(models.StatusLobby),
		models.FieldHotseat:         "",
		models.FieldWinner:          "",
		models.FieldQuestion:        store.Delete,
		models.FieldEliminated:      map[string]any{},
		models.FieldVotes:           map[string]any{},
		models.FieldReady:           map[string]any{},
		models.FieldLobbyReady:      map[string]any{},
		models.FieldPendingAttacks:  map[string]any{},
		models.FieldAttackDecisions: map[string]any{},
		models.FieldAttackResults:   map[string]any{},
		models.FieldPopupConfirmed:  map[string]any{},
		models.FieldRoundRecapShown: false,
		models.FieldPenaltyApplied:  map[string]any{},
		models.FieldSettledTargets:  map[string]any{},
		models.FieldCooledRound:     0,
	}
	for _, id := range r.PlayerIDs() {
		f[models.PlayerPath(id, models.PlayerTemperature)] = 0
		f[models.PlayerPath(id, models.PlayerInventory)] = map[string]any{}
	}
	return f
}
