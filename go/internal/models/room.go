package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/mcdev12/hotseat/go/internal/store"
)

// Status is the room lifecycle state.
type Status string

const (
	StatusLobby  Status = "lobby"
	StatusGame   Status = "game"
	StatusResult Status = "result"
	StatusWinner Status = "winner"

	// StatusDeleted is the terminal marker written by DeleteRoom.
	StatusDeleted Status = "deleted"
)

// Document field names.
const (
	FieldRoundID          = "roundId"
	FieldStatus           = "status"
	FieldHost             = "host"
	FieldLastHostActivity = "lastHostActivity"
	FieldPlayers          = "players"
	FieldEliminated       = "eliminatedPlayers"
	FieldVotes            = "votes"
	FieldHotseat          = "hotseat"
	FieldReady            = "ready"
	FieldLobbyReady       = "lobbyReady"
	FieldPendingAttacks   = "pendingAttacks"
	FieldAttackDecisions  = "attackDecisions"
	FieldAttackResults    = "attackResults"
	FieldPopupConfirmed   = "popupConfirmed"
	FieldRoundRecapShown  = "roundRecapShown"
	FieldUsedQuestions    = "usedQuestions"
	FieldQuestion         = "question"
	FieldConfig           = "config"
	FieldWinner           = "winner"
	FieldPenaltyApplied   = "penaltyApplied"
	FieldSettledTargets   = "settledTargets"
	FieldCooledRound      = "cooledRound"
	FieldDeletedAt        = "deletedAt"
	FieldCreatedAt        = "createdAt"
	FieldCreatedBy        = "createdBy"

	PlayerTemperature = "temperature"
	PlayerInventory   = "inventory"
	PlayerEmoji       = "emoji"
	PlayerLastSeen    = "lastSeen"
	PlayerJoinedAt    = "joinedAt"
)

// GameConfig is fixed for the duration of a game.
type GameConfig struct {
	MaxTemperature    float64  `json:"maxTemperature" yaml:"max_temperature"`
	BaseDamage        float64  `json:"baseDamage" yaml:"base_damage"`
	WrongGuessPenalty float64  `json:"wrongGuessPenalty" yaml:"wrong_guess_penalty"`
	CoolingAmount     float64  `json:"coolingAmount" yaml:"cooling_amount"`
	MinPlayers        int      `json:"minPlayers" yaml:"min_players"`
	Categories        []string `json:"categories,omitempty" yaml:"categories"`
}

// DefaultGameConfig returns the standard rules.
func DefaultGameConfig() GameConfig {
	return GameConfig{
		MaxTemperature:    100,
		BaseDamage:        20,
		WrongGuessPenalty: 10,
		CoolingAmount:     15,
		MinPlayers:        2,
	}
}

// WithDefaults fills zero fields from DefaultGameConfig.
func (c GameConfig) WithDefaults() GameConfig {
	d := DefaultGameConfig()
	if c.MaxTemperature <= 0 {
		c.MaxTemperature = d.MaxTemperature
	}
	if c.BaseDamage <= 0 {
		c.BaseDamage = d.BaseDamage
	}
	if c.WrongGuessPenalty < 0 {
		c.WrongGuessPenalty = 0
	}
	if c.CoolingAmount <= 0 {
		c.CoolingAmount = d.CoolingAmount
	}
	if c.MinPlayers < 2 {
		c.MinPlayers = d.MinPlayers
	}
	return c
}

// Document renders the config as a nested document value.
func (c GameConfig) Document() map[string]any {
	cats := make([]any, 0, len(c.Categories))
	for _, cat := range c.Categories {
		cats = append(cats, cat)
	}
	return map[string]any{
		"maxTemperature":    c.MaxTemperature,
		"baseDamage":        c.BaseDamage,
		"wrongGuessPenalty": c.WrongGuessPenalty,
		"coolingAmount":     c.CoolingAmount,
		"minPlayers":        float64(c.MinPlayers),
		"categories":        cats,
	}
}

// Question is the content shown for a round.
type Question struct {
	ID       string   `json:"id" yaml:"id"`
	Text     string   `json:"text" yaml:"text"`
	Options  []string `json:"options" yaml:"options"`
	Category string   `json:"category,omitempty" yaml:"category"`
}

// Document renders the question as a nested document value.
func (q Question) Document() map[string]any {
	opts := make([]any, 0, len(q.Options))
	for _, o := range q.Options {
		opts = append(opts, o)
	}
	return map[string]any{
		"id":       q.ID,
		"text":     q.Text,
		"options":  opts,
		"category": q.Category,
	}
}

// Room is the typed view of one room document.
type Room struct {
	ID               string `json:"-"`
	Revision         uint64 `json:"-"`
	HasPendingWrites bool   `json:"-"`

	RoundID          int                                     `json:"roundId"`
	Status           Status                                  `json:"status"`
	Host             PlayerID                                `json:"host"`
	LastHostActivity *time.Time                              `json:"lastHostActivity,omitempty"`
	Players          map[PlayerID]Player                     `json:"players"`
	Eliminated       Set[PlayerID]                           `json:"eliminatedPlayers"`
	Votes            map[PlayerID]Vote                       `json:"votes"`
	Hotseat          PlayerID                                `json:"hotseat"`
	Ready            Set[PlayerID]                           `json:"ready"`
	LobbyReady       Set[PlayerID]                           `json:"lobbyReady"`
	PendingAttacks   map[PlayerID]map[PlayerID]PendingAttack `json:"pendingAttacks"`
	AttackDecisions  map[PlayerID]bool                       `json:"attackDecisions"`
	AttackResults    map[PlayerID]AttackResult               `json:"attackResults"`
	PopupConfirmed   map[PlayerID]bool                       `json:"popupConfirmed"`
	RoundRecapShown  bool                                    `json:"roundRecapShown"`
	UsedQuestions    Set[string]                             `json:"usedQuestions"`
	Question         *Question                               `json:"question,omitempty"`
	Config           GameConfig                              `json:"config"`
	Winner           PlayerID                                `json:"winner"`
	PenaltyApplied   map[PlayerID]int                        `json:"penaltyApplied"`
	SettledTargets   map[PlayerID]Settlement                 `json:"settledTargets"`
	CooledRound      int                                     `json:"cooledRound"`
	DeletedAt        *time.Time                              `json:"deletedAt,omitempty"`
	CreatedAt        *time.Time                              `json:"createdAt,omitempty"`
	CreatedBy        PlayerID                                `json:"createdBy"`
}

// DecodeRoom converts a snapshot into a Room, normalizing legacy encodings.
// It returns nil for absent documents.
func DecodeRoom(snap store.Snapshot) (*Room, error) {
	if !snap.Exists {
		return nil, nil
	}
	b, err := json.Marshal(snap.Data)
	if err != nil {
		return nil, fmt.Errorf("encode room %s: %w", snap.RoomID, err)
	}
	var r Room
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", snap.RoomID, err)
	}
	r.ID = snap.RoomID
	r.Revision = snap.Revision
	r.HasPendingWrites = snap.HasPendingWrites
	r.normalize()
	return &r, nil
}

func (r *Room) normalize() {
	if r.Players == nil {
		r.Players = map[PlayerID]Player{}
	}
	for id, p := range r.Players {
		if id == "" || !store.ValidSegment(string(id)) {
			delete(r.Players, id)
			continue
		}
		if p.Temperature < 0 {
			p.Temperature = 0
		}
		if p.Inventory == nil {
			p.Inventory = Set[string]{}
		}
		r.Players[id] = p
	}
	if r.Eliminated == nil {
		r.Eliminated = Set[PlayerID]{}
	}
	if r.Votes == nil {
		r.Votes = map[PlayerID]Vote{}
	}
	if r.Ready == nil {
		r.Ready = Set[PlayerID]{}
	}
	if r.LobbyReady == nil {
		r.LobbyReady = Set[PlayerID]{}
	}
	if r.PendingAttacks == nil {
		r.PendingAttacks = map[PlayerID]map[PlayerID]PendingAttack{}
	}
	for target, byAttacker := range r.PendingAttacks {
		for attacker, a := range byAttacker {
			a.Attacker = attacker
			byAttacker[attacker] = a
		}
		r.PendingAttacks[target] = byAttacker
	}
	if r.AttackDecisions == nil {
		r.AttackDecisions = map[PlayerID]bool{}
	}
	if r.AttackResults == nil {
		r.AttackResults = map[PlayerID]AttackResult{}
	}
	if r.PopupConfirmed == nil {
		r.PopupConfirmed = map[PlayerID]bool{}
	}
	if r.UsedQuestions == nil {
		r.UsedQuestions = Set[string]{}
	}
	if r.PenaltyApplied == nil {
		r.PenaltyApplied = map[PlayerID]int{}
	}
	if r.SettledTargets == nil {
		r.SettledTargets = map[PlayerID]Settlement{}
	}
	if r.Status == "" {
		r.Status = StatusLobby
	}
	r.Config = r.Config.WithDefaults()
}

// Deleted reports whether the room carries the terminal deleted marker.
func (r *Room) Deleted() bool {
	return r.Status == StatusDeleted || r.DeletedAt != nil
}

// HasPlayer reports whether id has joined.
func (r *Room) HasPlayer(id PlayerID) bool {
	_, ok := r.Players[id]
	return ok
}

// IsActive reports whether id has joined and is not eliminated.
func (r *Room) IsActive(id PlayerID) bool {
	return r.HasPlayer(id) && !r.Eliminated.Has(id)
}

// ActivePlayers returns the non-eliminated players in sorted order.
func (r *Room) ActivePlayers() []PlayerID {
	out := make([]PlayerID, 0, len(r.Players))
	for id := range r.Players {
		if !r.Eliminated.Has(id) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// PlayerIDs returns every joined player in sorted order.
func (r *Room) PlayerIDs() []PlayerID {
	out := make([]PlayerID, 0, len(r.Players))
	for id := range r.Players {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ValidVote returns id's vote if it is stamped with the current round.
func (r *Room) ValidVote(id PlayerID) (Vote, bool) {
	v, ok := r.Votes[id]
	if !ok || !v.ValidFor(r.RoundID) {
		return Vote{}, false
	}
	return v, true
}

// HotseatVoted reports whether the hotseat has answered this round.
func (r *Room) HotseatVoted() bool {
	if r.Hotseat == "" {
		return false
	}
	_, ok := r.ValidVote(r.Hotseat)
	return ok
}

// AllVoted reports whether every active player has a valid vote.
func (r *Room) AllVoted() bool {
	active := r.ActivePlayers()
	if len(active) == 0 {
		return false
	}
	for _, id := range active {
		if _, ok := r.ValidVote(id); !ok {
			return false
		}
	}
	return true
}

// GuessedCorrectly reports whether a non-hotseat player matched the hotseat's
// answer. It is false whenever either vote is missing.
func (r *Room) GuessedCorrectly(id PlayerID) bool {
	if id == r.Hotseat {
		return false
	}
	truth, ok := r.ValidVote(r.Hotseat)
	if !ok {
		return false
	}
	v, ok := r.ValidVote(id)
	return ok && v.Choice == truth.Choice
}

// DecidedCount counts active players whose end-of-round decision is recorded.
func (r *Room) DecidedCount() int {
	n := 0
	for _, id := range r.ActivePlayers() {
		if r.AttackDecisions[id] {
			n++
		}
	}
	return n
}

// AllDecided reports whether every active player has decided.
func (r *Room) AllDecided() bool {
	active := r.ActivePlayers()
	return len(active) > 0 && r.DecidedCount() >= len(active)
}

// AcksComplete reports whether the recap has been shown, every player with a
// result confirmed it and every active player is ready.
func (r *Room) AcksComplete() bool {
	if !r.RoundRecapShown {
		return false
	}
	for id := range r.AttackResults {
		if !r.HasPlayer(id) {
			continue
		}
		if !r.PopupConfirmed[id] {
			return false
		}
	}
	for _, id := range r.ActivePlayers() {
		if !r.Ready.Has(id) {
			return false
		}
	}
	return true
}

// AttacksOn returns the queued attacks on target ordered by queue time, then
// attacker id.
func (r *Room) AttacksOn(target PlayerID) []PendingAttack {
	byAttacker := r.PendingAttacks[target]
	out := make([]PendingAttack, 0, len(byAttacker))
	for _, a := range byAttacker {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b PendingAttack) int {
		switch {
		case a.QueuedAt != nil && b.QueuedAt != nil && !a.QueuedAt.Equal(*b.QueuedAt):
			return a.QueuedAt.Compare(*b.QueuedAt)
		case a.Attacker < b.Attacker:
			return -1
		case a.Attacker > b.Attacker:
			return 1
		}
		return 0
	})
	return out
}

// AttackTargets returns every target with queued attacks in sorted order.
func (r *Room) AttackTargets() []PlayerID {
	out := make([]PlayerID, 0, len(r.PendingAttacks))
	for t, byAttacker := range r.PendingAttacks {
		if len(byAttacker) > 0 {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

// HasQueuedAttack reports whether attacker already queued an attack this round.
func (r *Room) HasQueuedAttack(attacker PlayerID) bool {
	for _, byAttacker := range r.PendingAttacks {
		if _, ok := byAttacker[attacker]; ok {
			return true
		}
	}
	return false
}

// Temperature returns a player's temperature, or 0 for unknown players.
func (r *Room) Temperature(id PlayerID) float64 {
	return r.Players[id].Temperature
}

// NewRoomDocument builds the initial lobby document for a room created by creator.
func NewRoomDocument(creator PlayerID, emoji string, cfg GameConfig) store.Document {
	return store.Document{
		FieldRoundID:          0.0,
		FieldStatus:           string(StatusLobby),
		FieldHost:             string(creator),
		FieldLastHostActivity: store.ServerTimestamp,
		FieldPlayers: map[string]any{
			string(creator): NewPlayerDocument(emoji),
		},
		FieldEliminated:      map[string]any{},
		FieldVotes:           map[string]any{},
		FieldReady:           map[string]any{},
		FieldLobbyReady:      map[string]any{},
		FieldPendingAttacks:  map[string]any{},
		FieldAttackDecisions: map[string]any{},
		FieldAttackResults:   map[string]any{},
		FieldPopupConfirmed:  map[string]any{},
		FieldRoundRecapShown: false,
		FieldUsedQuestions:   map[string]any{},
		FieldConfig:          cfg.WithDefaults().Document(),
		FieldCreatedAt:       store.ServerTimestamp,
		FieldCreatedBy:       string(creator),
	}
}

// NewPlayerDocument is the nested value written when a player joins.
func NewPlayerDocument(emoji string) map[string]any {
	return map[string]any{
		PlayerTemperature: 0.0,
		PlayerInventory:   map[string]any{},
		PlayerEmoji:       emoji,
		PlayerLastSeen:    store.ServerTimestamp,
		PlayerJoinedAt:    store.ServerTimestamp,
	}
}

// PlayerPath addresses a field of a player's entry.
func PlayerPath(id PlayerID, field string) string {
	return store.Path(FieldPlayers, string(id), field)
}

// MemberPath addresses one member of a map-valued field.
func MemberPath(field string, id PlayerID) string {
	return store.Path(field, string(id))
}

// ResultDocument renders an attack result as a nested document value.
func ResultDocument(res AttackResult) map[string]any {
	attackers := make([]any, 0, len(res.Attackers))
	for _, a := range res.Attackers {
		attackers = append(attackers, string(a))
	}
	breakdown := make([]any, 0, len(res.Breakdown))
	for _, e := range res.Breakdown {
		breakdown = append(breakdown, map[string]any{
			"source": string(e.Source),
			"kind":   e.Kind,
			"damage": e.Damage,
		})
	}
	return map[string]any{
		"attackers":   attackers,
		"totalDamage": res.TotalDamage,
		"breakdown":   breakdown,
		"mirrored":    res.Mirrored,
		"eliminated":  res.Eliminated,
	}
}
