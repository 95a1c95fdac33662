package events

import "testing"

func TestParseMessagePayload(t *testing.T) {
	tests := []struct {
		name    string
		typ     MessageType
		payload any
		check   func(t *testing.T, got interface{})
	}{
		{
			name:    "snapshot",
			typ:     TypeSnapshot,
			payload: SnapshotPayload{PlayerID: "alice", RoundID: 3, Phase: "voting", Players: []PlayerPayload{{ID: "alice", Voted: true}}},
			check: func(t *testing.T, got interface{}) {
				p, ok := got.(SnapshotPayload)
				if !ok {
					t.Fatalf("got %T", got)
				}
				if p.RoundID != 3 || p.Phase != "voting" || len(p.Players) != 1 || !p.Players[0].Voted {
					t.Fatalf("unexpected payload %+v", p)
				}
			},
		},
		{
			name:    "rejection",
			typ:     TypeRejection,
			payload: RejectionPayload{CommandID: "c1", Command: CommandVote, Code: "already-voted"},
			check: func(t *testing.T, got interface{}) {
				p, ok := got.(RejectionPayload)
				if !ok || p.Code != "already-voted" || p.Command != CommandVote {
					t.Fatalf("unexpected payload %#v", got)
				}
			},
		},
		{
			name:    "connection",
			typ:     TypeConnection,
			payload: ConnectionPayload{PlayerID: "bob", Connected: true, Clients: 2},
			check: func(t *testing.T, got interface{}) {
				p, ok := got.(ConnectionPayload)
				if !ok || !p.Connected || p.Clients != 2 {
					t.Fatalf("unexpected payload %#v", got)
				}
			},
		},
		{
			name:    "ack",
			typ:     TypeAck,
			payload: AckPayload{Command: CommandCreateRoom, RoomID: "ABCDEF"},
			check: func(t *testing.T, got interface{}) {
				p, ok := got.(AckPayload)
				if !ok || p.RoomID != "ABCDEF" {
					t.Fatalf("unexpected payload %#v", got)
				}
			},
		},
		{
			name:    "unknown type",
			typ:     MessageType("bogus"),
			payload: map[string]int{"x": 1},
			check: func(t *testing.T, got interface{}) {
				if got != nil {
					t.Fatalf("expected nil payload, got %#v", got)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.typ, "ROOM", tt.payload)
			if err != nil {
				t.Fatal(err)
			}
			if msg.ID == "" || msg.Timestamp.IsZero() || msg.RoomID != "ROOM" {
				t.Fatalf("envelope not filled: %+v", msg)
			}
			got, err := ParseMessagePayload(msg)
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, got)
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    CommandType
		wantErr bool
	}{
		{name: "vote", raw: `{"id":"1","type":"vote","choice":"x","strategy":"bold"}`, want: CommandVote},
		{name: "join", raw: `{"type":"join_room","room_id":"abcdef"}`, want: CommandJoinRoom},
		{name: "create with config", raw: `{"type":"create_room","config":{"maxTemperature":80}}`, want: CommandCreateRoom},
		{name: "skip", raw: `{"type":"skip"}`, want: CommandSkip},
		{name: "not json", raw: `vote`, wantErr: true},
		{name: "unknown", raw: `{"type":"explode"}`, wantErr: true},
		{name: "vote without choice", raw: `{"type":"vote"}`, wantErr: true},
		{name: "join without room", raw: `{"type":"join_room"}`, wantErr: true},
		{name: "attack without target", raw: `{"type":"attack"}`, wantErr: true},
		{name: "draw without card", raw: `{"type":"draw_reward"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", cmd)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if cmd.Type != tt.want {
				t.Fatalf("type = %q, want %q", cmd.Type, tt.want)
			}
		})
	}

	cmd, err := ParseCommand([]byte(`{"type":"create_room","config":{"maxTemperature":80}}`))
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Config == nil || cmd.Config.MaxTemperature != 80 {
		t.Fatalf("config not decoded: %+v", cmd.Config)
	}
}
