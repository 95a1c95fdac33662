package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mcdev12/hotseat/go/internal/store"
)

const maxPlayerIDLength = 40

// PlayerID is a player's stable display name and the key of every per-player map.
type PlayerID string

// ParsePlayerID normalizes and validates a display name.
func ParsePlayerID(raw string) (PlayerID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("player id is empty")
	}
	if len(id) > maxPlayerIDLength {
		return "", fmt.Errorf("player id %q longer than %d characters", id, maxPlayerIDLength)
	}
	if !store.ValidSegment(id) {
		return "", fmt.Errorf("player id %q must not contain %q", id, store.PathSeparator)
	}
	return PlayerID(id), nil
}

// UnmarshalJSON accepts the canonical string form as well as the legacy
// object form {"id": ...} or {"name": ...}.
func (p *PlayerID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*p = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = PlayerID(strings.TrimSpace(s))
		return nil
	}
	var legacy struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(b, &legacy); err != nil {
		return fmt.Errorf("decode player id: %w", err)
	}
	if legacy.ID != "" {
		*p = PlayerID(strings.TrimSpace(legacy.ID))
	} else {
		*p = PlayerID(strings.TrimSpace(legacy.Name))
	}
	return nil
}

// Set is a string-keyed set stored as a map of id to true.
type Set[K ~string] map[K]bool

// UnmarshalJSON accepts the map form and the legacy array form.
func (s *Set[K]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	out := Set[K]{}
	switch {
	case bytes.Equal(b, []byte("null")):
	case len(b) > 0 && b[0] == '[':
		var items []string
		if err := json.Unmarshal(b, &items); err != nil {
			return fmt.Errorf("decode set: %w", err)
		}
		for _, it := range items {
			out[K(it)] = true
		}
	default:
		var m map[string]bool
		if err := json.Unmarshal(b, &m); err != nil {
			return fmt.Errorf("decode set: %w", err)
		}
		for k, v := range m {
			if v {
				out[K(k)] = true
			}
		}
	}
	*s = out
	return nil
}

// Has reports membership.
func (s Set[K]) Has(k K) bool {
	return s[k]
}

// Sorted returns the members in ascending order.
func (s Set[K]) Sorted() []K {
	out := make([]K, 0, len(s))
	for k, ok := range s {
		if ok {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// Player is one participant's per-game state.
type Player struct {
	Temperature float64     `json:"temperature"`
	Inventory   Set[string] `json:"inventory,omitempty"`
	Emoji       string      `json:"emoji,omitempty"`
	LastSeen    *time.Time  `json:"lastSeen,omitempty"`
	JoinedAt    *time.Time  `json:"joinedAt,omitempty"`
}

// HasItem reports whether the player holds a power-up.
func (p Player) HasItem(item string) bool {
	return p.Inventory.Has(item)
}

// Power-up ids.
const (
	ItemReflect = "reflect"
	ItemDouble  = "double"
	ItemIce     = "ice"
)

// RewardCards are the power-ups a player may draw instead of attacking.
var RewardCards = []string{ItemReflect, ItemDouble, ItemIce}

// IsRewardCard reports whether id is a drawable power-up.
func IsRewardCard(id string) bool {
	return slices.Contains(RewardCards, id)
}

// Vote is one player's answer for a round.
type Vote struct {
	Choice    string     `json:"choice"`
	Strategy  string     `json:"strategy,omitempty"`
	RoundID   *int       `json:"roundId,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// UnmarshalJSON accepts legacy bare-string votes, which carry no round stamp
// and are therefore never valid.
func (v *Vote) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var choice string
		if err := json.Unmarshal(b, &choice); err != nil {
			return err
		}
		*v = Vote{Choice: choice}
		return nil
	}
	type plainVote Vote
	var pv plainVote
	if err := json.Unmarshal(b, &pv); err != nil {
		return fmt.Errorf("decode vote: %w", err)
	}
	*v = Vote(pv)
	return nil
}

// ValidFor reports whether the vote is stamped with roundID.
func (v Vote) ValidFor(roundID int) bool {
	return v.RoundID != nil && *v.RoundID == roundID
}

// PendingAttack is one queued attack on a target.
type PendingAttack struct {
	Attacker PlayerID   `json:"-"`
	Damage   float64    `json:"damage"`
	Flags    []string   `json:"flags,omitempty"`
	QueuedAt *time.Time `json:"queuedAt,omitempty"`
}

// Settlement marks a target whose queued attacks were applied for a round.
type Settlement struct {
	RoundID  int  `json:"roundId"`
	Mirrored bool `json:"mirrored,omitempty"`
}

// Breakdown entry kinds.
const (
	KindAttack  = "attack"
	KindPenalty = "penalty"
	KindMirror  = "mirror"
)

// BreakdownEntry is one contribution to a player's settled damage.
type BreakdownEntry struct {
	Source PlayerID `json:"source,omitempty"`
	Kind   string   `json:"kind"`
	Damage float64  `json:"damage"`
}

// AttackResult is the settled outcome shown to a player.
type AttackResult struct {
	Attackers   []PlayerID       `json:"attackers"`
	TotalDamage float64          `json:"totalDamage"`
	Breakdown   []BreakdownEntry `json:"breakdown"`
	Mirrored    bool             `json:"mirrored,omitempty"`
	Eliminated  bool             `json:"eliminated,omitempty"`
}
