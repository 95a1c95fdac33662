package events

import (
	"encoding/json"
	"fmt"

	"github.com/mcdev12/hotseat/go/internal/models"
)

// CommandType names a player command sent by the UI.
type CommandType string

const (
	CommandCreateRoom   CommandType = "create_room"
	CommandJoinRoom     CommandType = "join_room"
	CommandRejoin       CommandType = "rejoin"
	CommandLeaveRoom    CommandType = "leave_room"
	CommandVote         CommandType = "vote"
	CommandAttack       CommandType = "attack"
	CommandSkip         CommandType = "skip"
	CommandDrawReward   CommandType = "draw_reward"
	CommandReady        CommandType = "ready"
	CommandConfirmPopup CommandType = "confirm_popup"
	CommandForceAdvance CommandType = "force_advance"
	CommandRestart      CommandType = "restart"
	CommandRematch      CommandType = "rematch"
	CommandDeleteRoom   CommandType = "delete_room"
)

var commandTypes = map[CommandType]bool{
	CommandCreateRoom:   true,
	CommandJoinRoom:     true,
	CommandRejoin:       true,
	CommandLeaveRoom:    true,
	CommandVote:         true,
	CommandAttack:       true,
	CommandSkip:         true,
	CommandDrawReward:   true,
	CommandReady:        true,
	CommandConfirmPopup: true,
	CommandForceAdvance: true,
	CommandRestart:      true,
	CommandRematch:      true,
	CommandDeleteRoom:   true,
}

// Command is a message received from the UI. Only the fields relevant to
// Type are read.
type Command struct {
	ID       string             `json:"id,omitempty"` // Echoed in the reply
	Type     CommandType        `json:"type"`
	RoomID   string             `json:"room_id,omitempty"`
	Choice   string             `json:"choice,omitempty"`
	Strategy string             `json:"strategy,omitempty"`
	Target   string             `json:"target,omitempty"`
	Card     string             `json:"card,omitempty"`
	Config   *models.GameConfig `json:"config,omitempty"`
}

// ParseCommand decodes and checks a raw client message.
func ParseCommand(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}
	if !commandTypes[cmd.Type] {
		return cmd, fmt.Errorf("unknown command type %q", cmd.Type)
	}
	switch cmd.Type {
	case CommandJoinRoom, CommandRejoin:
		if cmd.RoomID == "" {
			return cmd, fmt.Errorf("%s requires room_id", cmd.Type)
		}
	case CommandVote:
		if cmd.Choice == "" {
			return cmd, fmt.Errorf("vote requires choice")
		}
	case CommandAttack:
		if cmd.Target == "" {
			return cmd, fmt.Errorf("attack requires target")
		}
	case CommandDrawReward:
		if cmd.Card == "" {
			return cmd, fmt.Errorf("draw_reward requires card")
		}
	}
	return cmd, nil
}
