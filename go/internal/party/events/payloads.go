// Package events defines the JSON messages exchanged between the gateway and
// a UI over the WebSocket bridge.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/hotseat/go/internal/models"
)

// Message is the envelope for everything the gateway pushes to a UI.
type Message struct {
	ID        string          `json:"id"`      // Message UUID
	RoomID    string          `json:"room_id"` // Room code, empty before joining
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// MessageType identifies the payload carried by a Message.
type MessageType string

const (
	TypeSnapshot   MessageType = "snapshot"
	TypeRejection  MessageType = "rejection"
	TypeConnection MessageType = "connection"
	TypeAck        MessageType = "ack"
	TypeError      MessageType = "error"
)

// NewMessage marshals payload into a fresh envelope.
func NewMessage(t MessageType, roomID string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return &Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// PlayerPayload is one player as the UI shows it. Other players' answers stay
// hidden while voting is open.
type PlayerPayload struct {
	ID          string   `json:"id"`
	Emoji       string   `json:"emoji,omitempty"`
	Temperature float64  `json:"temperature"`
	Inventory   []string `json:"inventory"`
	Eliminated  bool     `json:"eliminated"`
	Host        bool     `json:"host"`
	Hotseat     bool     `json:"hotseat"`
	Voted       bool     `json:"voted"`
	Choice      string   `json:"choice,omitempty"`
	Decided     bool     `json:"decided"`
	Ready       bool     `json:"ready"`
	LobbyReady  bool     `json:"lobby_ready"`
}

// SnapshotPayload is the full room view sent after every accepted snapshot.
type SnapshotPayload struct {
	PlayerID  string                         `json:"player_id"`
	RoundID   int                            `json:"round_id"`
	Status    string                         `json:"status"`
	Phase     string                         `json:"phase"`
	Leader    bool                           `json:"leader"`
	Role      string                         `json:"role"`
	Connected bool                           `json:"connected"`
	Deleted   bool                           `json:"deleted"`
	Winner    string                         `json:"winner,omitempty"`
	Question  *models.Question               `json:"question,omitempty"`
	Players   []PlayerPayload                `json:"players"`
	Results   map[string]models.AttackResult `json:"results,omitempty"`
	Config    *models.GameConfig             `json:"config,omitempty"`
	Changes   []string                       `json:"changes,omitempty"`
}

// RejectionPayload reports a command refused by the game rules.
type RejectionPayload struct {
	CommandID string      `json:"command_id,omitempty"`
	Command   CommandType `json:"command"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
}

// ConnectionPayload reports the store connection indicator and bridge state.
type ConnectionPayload struct {
	PlayerID  string `json:"player_id"`
	Connected bool   `json:"connected"`
	Clients   int    `json:"clients"`
}

// AckPayload confirms a command was applied.
type AckPayload struct {
	CommandID string      `json:"command_id,omitempty"`
	Command   CommandType `json:"command"`
	RoomID    string      `json:"room_id,omitempty"`
}

// ErrorPayload reports a command that failed for reasons other than the
// rules, or a message the gateway could not read.
type ErrorPayload struct {
	CommandID string      `json:"command_id,omitempty"`
	Command   CommandType `json:"command,omitempty"`
	Message   string      `json:"message"`
}

// ParseMessagePayload decodes msg.Data into the payload struct for its type.
func ParseMessagePayload(msg *Message) (interface{}, error) {
	switch msg.Type {
	case TypeSnapshot:
		var payload SnapshotPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeRejection:
		var payload RejectionPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeConnection:
		var payload ConnectionPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeAck:
		var payload AckPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeError:
		var payload ErrorPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, nil // Unknown message type
	}
}
