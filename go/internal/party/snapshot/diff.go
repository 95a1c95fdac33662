package snapshot

import (
	"maps"
	"slices"
	"time"

	"github.com/mcdev12/hotseat/go/internal/models"
)

// Change names one area of the room that differs between two views.
type Change string

const (
	ChangeRound        Change = "round"
	ChangeStatus       Change = "status"
	ChangeHost         Change = "host"
	ChangeHostActivity Change = "host-activity"
	ChangePlayers      Change = "players"
	ChangePresence     Change = "presence"
	ChangeEliminated   Change = "eliminated"
	ChangeVotes        Change = "votes"
	ChangeHotseat      Change = "hotseat"
	ChangeReady        Change = "ready"
	ChangeLobbyReady   Change = "lobby-ready"
	ChangeAttacks      Change = "attacks"
	ChangeDecisions    Change = "decisions"
	ChangeResults      Change = "results"
	ChangePopups       Change = "popups"
	ChangeRecap        Change = "recap"
	ChangeQuestion     Change = "question"
	ChangeWinner       Change = "winner"
	ChangeConfig       Change = "config"
)

// ChangeSet is the set of areas that changed.
type ChangeSet map[Change]bool

// Has reports whether c changed.
func (s ChangeSet) Has(c Change) bool {
	return s[c]
}

// Any reports whether any of cs changed.
func (s ChangeSet) Any(cs ...Change) bool {
	for _, c := range cs {
		if s[c] {
			return true
		}
	}
	return false
}

// Sorted lists the changes for logging.
func (s ChangeSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	slices.Sort(out)
	return out
}

// Diff compares two views field by field. A nil prev marks everything changed.
func Diff(prev, next *models.Room) ChangeSet {
	cs := ChangeSet{}
	if next == nil {
		return cs
	}
	if prev == nil {
		for _, c := range []Change{
			ChangeRound, ChangeStatus, ChangeHost, ChangeHostActivity, ChangePlayers,
			ChangePresence, ChangeEliminated, ChangeVotes, ChangeHotseat, ChangeReady,
			ChangeLobbyReady, ChangeAttacks, ChangeDecisions, ChangeResults, ChangePopups,
			ChangeRecap, ChangeQuestion, ChangeWinner, ChangeConfig,
		} {
			cs[c] = true
		}
		return cs
	}

	set := func(c Change, changed bool) {
		if changed {
			cs[c] = true
		}
	}
	set(ChangeRound, prev.RoundID != next.RoundID)
	set(ChangeStatus, prev.Status != next.Status)
	set(ChangeHost, prev.Host != next.Host)
	set(ChangeHostActivity, !sameTime(prev.LastHostActivity, next.LastHostActivity))
	players, presence := diffPlayers(prev.Players, next.Players)
	set(ChangePlayers, players)
	set(ChangePresence, presence)
	set(ChangeEliminated, !maps.Equal(prev.Eliminated, next.Eliminated))
	set(ChangeVotes, !maps.EqualFunc(prev.Votes, next.Votes, sameVote))
	set(ChangeHotseat, prev.Hotseat != next.Hotseat)
	set(ChangeReady, !maps.Equal(prev.Ready, next.Ready))
	set(ChangeLobbyReady, !maps.Equal(prev.LobbyReady, next.LobbyReady))
	set(ChangeAttacks, !maps.EqualFunc(prev.PendingAttacks, next.PendingAttacks, sameAttacks))
	set(ChangeDecisions, !maps.Equal(prev.AttackDecisions, next.AttackDecisions))
	set(ChangeResults, !maps.EqualFunc(prev.AttackResults, next.AttackResults, sameResult))
	set(ChangePopups, !maps.Equal(prev.PopupConfirmed, next.PopupConfirmed))
	set(ChangeRecap, prev.RoundRecapShown != next.RoundRecapShown)
	set(ChangeQuestion, questionID(prev.Question) != questionID(next.Question))
	set(ChangeWinner, prev.Winner != next.Winner)
	set(ChangeConfig, !sameConfig(prev.Config, next.Config))
	return cs
}

// diffPlayers separates game-relevant player changes from lastSeen-only ones.
func diffPlayers(prev, next map[models.PlayerID]models.Player) (players, presence bool) {
	if len(prev) != len(next) {
		return true, true
	}
	for id, np := range next {
		pp, ok := prev[id]
		if !ok {
			return true, true
		}
		if pp.Temperature != np.Temperature || pp.Emoji != np.Emoji || !maps.Equal(pp.Inventory, np.Inventory) {
			players = true
		}
		if !sameTime(pp.LastSeen, np.LastSeen) {
			presence = true
		}
	}
	return players, presence
}

func sameVote(a, b models.Vote) bool {
	return a.Choice == b.Choice && a.Strategy == b.Strategy && sameInt(a.RoundID, b.RoundID)
}

func sameAttacks(a, b map[models.PlayerID]models.PendingAttack) bool {
	return maps.EqualFunc(a, b, func(x, y models.PendingAttack) bool {
		return x.Damage == y.Damage && slices.Equal(x.Flags, y.Flags)
	})
}

func sameResult(a, b models.AttackResult) bool {
	return a.TotalDamage == b.TotalDamage &&
		a.Mirrored == b.Mirrored &&
		a.Eliminated == b.Eliminated &&
		slices.Equal(a.Attackers, b.Attackers) &&
		slices.Equal(a.Breakdown, b.Breakdown)
}

func sameConfig(a, b models.GameConfig) bool {
	return a.MaxTemperature == b.MaxTemperature &&
		a.BaseDamage == b.BaseDamage &&
		a.WrongGuessPenalty == b.WrongGuessPenalty &&
		a.CoolingAmount == b.CoolingAmount &&
		a.MinPlayers == b.MinPlayers &&
		slices.Equal(a.Categories, b.Categories)
}

func questionID(q *models.Question) string {
	if q == nil {
		return ""
	}
	return q.ID
}

func sameInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
