package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/mcdev12/hotseat/go/internal/models"
	"github.com/mcdev12/hotseat/go/internal/party/events"
	"github.com/mcdev12/hotseat/go/internal/party/session"
	"github.com/rs/zerolog/log"
)

// SnapshotFromView renders a session view for the UI. Choices are revealed
// once voting has closed; until then only me's own choice is shown.
func SnapshotFromView(v session.View, me models.PlayerID) events.SnapshotPayload {
	p := events.SnapshotPayload{
		PlayerID:  string(me),
		Phase:     string(v.Phase),
		Leader:    v.Authority.Leader,
		Role:      string(v.Authority.Role),
		Connected: v.Connected,
		Deleted:   v.Deleted,
		Players:   []events.PlayerPayload{},
		Changes:   v.Changes.Sorted(),
	}
	r := v.Room
	if r == nil {
		return p
	}

	p.RoundID = r.RoundID
	p.Status = string(r.Status)
	p.Winner = string(r.Winner)
	p.Question = r.Question
	cfg := r.Config
	p.Config = &cfg

	reveal := r.Status != models.StatusGame
	for _, id := range r.PlayerIDs() {
		pl := r.Players[id]
		pp := events.PlayerPayload{
			ID:          string(id),
			Emoji:       pl.Emoji,
			Temperature: pl.Temperature,
			Inventory:   pl.Inventory.Sorted(),
			Eliminated:  r.Eliminated.Has(id),
			Host:        r.Host == id,
			Hotseat:     r.Hotseat == id,
			Decided:     r.AttackDecisions[id],
			Ready:       r.Ready.Has(id),
			LobbyReady:  r.LobbyReady.Has(id),
		}
		if vote, ok := r.ValidVote(id); ok {
			pp.Voted = true
			if reveal || id == me {
				pp.Choice = vote.Choice
			}
		}
		p.Players = append(p.Players, pp)
	}

	if len(r.AttackResults) > 0 {
		p.Results = make(map[string]models.AttackResult, len(r.AttackResults))
		for id, res := range r.AttackResults {
			p.Results[string(id)] = res
		}
	}
	return p
}

// StateHandler handles HTTP requests for the current room state
type StateHandler struct {
	session *session.Session
}

// NewStateHandler creates a new state handler
func NewStateHandler(s *session.Session) *StateHandler {
	return &StateHandler{session: s}
}

// RegisterStateRoutes registers the state endpoints
func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/room", h.HandleGetRoom)
}

// HandleGetRoom returns the last accepted view of the attached room
func (h *StateHandler) HandleGetRoom(w http.ResponseWriter, r *http.Request) {
	v := h.session.View()
	if v.RoomID == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not in a room"})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		RoomID string `json:"room_id"`
		events.SnapshotPayload
	}{RoomID: v.RoomID, SnapshotPayload: SnapshotFromView(v, h.session.PlayerID())})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
