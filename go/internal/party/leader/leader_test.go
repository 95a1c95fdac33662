package leader

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/hotseat/go/internal/models"
	"github.com/mcdev12/hotseat/go/internal/store"
)

var start = time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)

func room(t *testing.T, host string, activity *time.Time, eliminated ...string) *models.Room {
	t.Helper()
	doc := store.Document{
		"status": "game",
		"host":   host,
		"players": map[string]any{
			"alice": map[string]any{"temperature": 0},
			"bob":   map[string]any{"temperature": 0},
			"carol": map[string]any{"temperature": 0},
		},
	}
	if activity != nil {
		doc["lastHostActivity"] = store.FormatTime(*activity)
	}
	elim := map[string]any{}
	for _, id := range eliminated {
		elim[id] = true
	}
	doc["eliminatedPlayers"] = elim
	r, err := models.DecodeRoom(store.Snapshot{RoomID: "R", Exists: true, Data: doc})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestEvaluate(t *testing.T) {
	fresh := start.Add(-5 * time.Second)
	stale := start.Add(-20 * time.Second)

	tests := []struct {
		name       string
		host       string
		activity   *time.Time
		eliminated []string
		leader     models.PlayerID
		role       Role
	}{
		{"active host leads", "bob", &fresh, nil, "bob", RoleHost},
		{"stale host replaced by first other", "alice", &stale, nil, "bob", RoleBackup},
		{"stale non-first host", "bob", &stale, nil, "alice", RoleBackup},
		{"missing activity is stale", "alice", nil, nil, "bob", RoleBackup},
		{"eliminated host", "alice", &fresh, []string{"alice"}, "bob", RoleBackup},
		{"eliminated backup skipped", "alice", &stale, []string{"bob"}, "carol", RoleBackup},
		{"threshold is exclusive", "alice", ptr(start.Add(-15 * time.Second)), nil, "bob", RoleBackup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSelector(clockwork.NewFakeClockAt(start), 15*time.Second)
			r := room(t, tt.host, tt.activity, tt.eliminated...)

			leaders := 0
			for _, id := range r.PlayerIDs() {
				a := s.Evaluate(r, id)
				if !a.Leader {
					continue
				}
				leaders++
				if id != tt.leader || a.Role != tt.role {
					t.Fatalf("leader = %s (%s), want %s (%s)", id, a.Role, tt.leader, tt.role)
				}
			}
			if leaders != 1 {
				t.Fatalf("%d leaders, want exactly one", leaders)
			}
		})
	}
}

func TestFailoverWithFakeClock(t *testing.T) {
	clock := clockwork.NewFakeClockAt(start)
	s := NewSelector(clock, 15*time.Second)
	activity := start
	r := room(t, "alice", &activity)

	if a := s.Evaluate(r, "alice"); !a.Leader || a.Role != RoleHost {
		t.Fatalf("alice = %+v", a)
	}
	if a := s.Evaluate(r, "bob"); a.Leader {
		t.Fatalf("bob leads while host active: %+v", a)
	}

	clock.Advance(16 * time.Second)
	if a := s.Evaluate(r, "alice"); a.Leader {
		t.Fatalf("stale host still leads: %+v", a)
	}
	a := s.Evaluate(r, "bob")
	if !a.Leader || a.Role != RoleBackup {
		t.Fatalf("bob = %+v", a)
	}

	claim := ClaimFields(a, "bob")
	if claim[models.FieldHost] != "bob" || claim[models.FieldLastHostActivity] != store.ServerTimestamp {
		t.Fatalf("claim = %v", claim)
	}
	if ClaimFields(Authority{}, "carol") != nil {
		t.Fatal("non-leader produced a claim")
	}
}

func TestHeartbeat(t *testing.T) {
	now := start
	r := room(t, "alice", &now)
	if Heartbeat(r, "alice") == nil {
		t.Fatal("host heartbeat missing")
	}
	if Heartbeat(r, "bob") != nil {
		t.Fatal("non-host wrote host activity")
	}
}

func ptr(t time.Time) *time.Time {
	return &t
}
