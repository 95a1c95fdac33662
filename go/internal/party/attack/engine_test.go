package attack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/hotseat/go/internal/models"
	"github.com/mcdev12/hotseat/go/internal/party/leader"
	"github.com/mcdev12/hotseat/go/internal/party/retry"
	"github.com/mcdev12/hotseat/go/internal/store"
	"github.com/mcdev12/hotseat/go/internal/store/memstore"
)

var start = time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)

type fixture struct {
	clock *clockwork.FakeClock
	store *memstore.Store
}

func newFixture(t *testing.T, doc store.Document) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(start)
	s := memstore.New(clock)
	if err := s.Create(context.Background(), "R", doc); err != nil {
		t.Fatal(err)
	}
	return &fixture{clock: clock, store: s}
}

func (f *fixture) engine(me models.PlayerID) *Engine {
	r := retry.New(clockwork.NewRealClock(), retry.Config{MaxAttempts: 20, BaseDelay: time.Millisecond}, f.store)
	return New(f.store, r, leader.NewSelector(f.clock, 15*time.Second), me)
}

func (f *fixture) room(t *testing.T) *models.Room {
	t.Helper()
	snap, err := f.store.Get(context.Background(), "R")
	if err != nil {
		t.Fatal(err)
	}
	r, err := models.DecodeRoom(snap)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func vote(choice string) map[string]any {
	return map[string]any{"choice": choice, "roundId": 3}
}

func player(temp float64, items ...string) map[string]any {
	inv := map[string]any{}
	for _, it := range items {
		inv[it] = true
	}
	return map[string]any{"temperature": temp, "inventory": inv}
}

func attackBy(damage float64) map[string]any {
	return map[string]any{"damage": damage, "queuedAt": store.FormatTime(start)}
}

// resultDoc is round 3 after voting: bob answered "x" in the hotseat, alice
// guessed right and attacked bob, carol guessed wrong.
func resultDoc(overrides store.Fields) store.Document {
	doc := store.Document{
		"roundId":          3,
		"status":           "result",
		"host":             "alice",
		"lastHostActivity": store.FormatTime(start),
		"hotseat":          "bob",
		"players": map[string]any{
			"alice": player(0),
			"bob":   player(0),
			"carol": player(0),
		},
		"votes": map[string]any{
			"alice": vote("x"),
			"bob":   vote("x"),
			"carol": vote("y"),
		},
		"pendingAttacks": map[string]any{
			"bob": map[string]any{"alice": attackBy(20)},
		},
		"attackDecisions": map[string]any{"alice": true, "bob": true, "carol": true},
		"lobbyReady":      map[string]any{"alice": true, "bob": true, "carol": true},
	}
	out, err := store.Apply(doc, overrides, start)
	if err != nil {
		panic(err)
	}
	return out
}

func TestSettleAppliesAttacksAndPenalties(t *testing.T) {
	f := newFixture(t, resultDoc(nil))
	out, err := f.engine("alice").Settle(context.Background(), "R", 3, false)
	if err != nil {
		t.Fatal(err)
	}
	if out.Skipped || out.Finished {
		t.Fatalf("outcome = %+v", out)
	}

	r := f.room(t)
	if got := r.Temperature("bob"); got != 20 {
		t.Errorf("bob = %v, want 20", got)
	}
	if got := r.Temperature("carol"); got != 10 {
		t.Errorf("carol = %v, want 10 penalty", got)
	}
	if !r.RoundRecapShown || r.Status != models.StatusResult {
		t.Errorf("recap %v status %s", r.RoundRecapShown, r.Status)
	}

	bob := r.AttackResults["bob"]
	if bob.TotalDamage != 20 || len(bob.Attackers) != 1 || bob.Attackers[0] != "alice" {
		t.Errorf("bob result = %+v", bob)
	}
	carol := r.AttackResults["carol"]
	if len(carol.Breakdown) != 1 || carol.Breakdown[0].Kind != models.KindPenalty || carol.TotalDamage != 10 {
		t.Errorf("carol result = %+v", carol)
	}
	if _, ok := r.AttackResults["alice"]; ok {
		t.Error("alice has a result without damage")
	}
}

func TestSettleTwiceAppliesOnce(t *testing.T) {
	f := newFixture(t, resultDoc(nil))
	e := f.engine("alice")
	if _, err := e.Settle(context.Background(), "R", 3, false); err != nil {
		t.Fatal(err)
	}
	out, err := e.Settle(context.Background(), "R", 3, false)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Skipped {
		t.Fatalf("second settlement not skipped: %+v", out)
	}
	if got := f.room(t).Temperature("bob"); got != 20 {
		t.Fatalf("bob = %v after re-run", got)
	}
}

func TestConcurrentSettlementAppliesOnce(t *testing.T) {
	for i := 0; i < 10; i++ {
		f := newFixture(t, resultDoc(nil))
		engines := []*Engine{f.engine("alice"), f.engine("alice"), f.engine("alice")}

		var wg sync.WaitGroup
		outcomes := make([]Outcome, len(engines))
		errs := make([]error, len(engines))
		for j, e := range engines {
			j, e := j, e
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcomes[j], errs[j] = e.Settle(context.Background(), "R", 3, false)
			}()
		}
		wg.Wait()

		committed := 0
		for j := range engines {
			if errs[j] != nil {
				t.Fatalf("engine %d: %v", j, errs[j])
			}
			if !outcomes[j].Skipped {
				committed++
			}
		}
		if committed != 1 {
			t.Fatalf("%d engines committed the recap, want 1", committed)
		}
		r := f.room(t)
		if r.Temperature("bob") != 20 || r.Temperature("carol") != 10 {
			t.Fatalf("temperatures bob=%v carol=%v", r.Temperature("bob"), r.Temperature("carol"))
		}
	}
}

func TestEliminationHandsOffHost(t *testing.T) {
	// bob is host and at 90; carol is in the hotseat this time.
	f := newFixture(t, resultDoc(store.Fields{
		"host":                      "bob",
		"hotseat":                   "carol",
		"players.bob":               player(90),
		"votes.carol":               vote("x"),
		"votes.bob":                 vote("x"),
		"pendingAttacks.bob":        map[string]any{"alice": attackBy(20)},
		"attackDecisions.bob":       true,
		"attackDecisions.carol":     true,
		"attackDecisions.alice":     true,
		"eliminatedPlayers":         map[string]any{},
		"players.alice.temperature": 0,
	}))

	out, err := f.engine("bob").Settle(context.Background(), "R", 3, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Eliminated) != 1 || out.Eliminated[0] != "bob" {
		t.Fatalf("eliminated = %v", out.Eliminated)
	}

	r := f.room(t)
	if r.Temperature("bob") != 110 {
		t.Fatalf("bob = %v, want 110", r.Temperature("bob"))
	}
	if !r.Eliminated.Has("bob") || r.LobbyReady.Has("bob") {
		t.Fatalf("eliminated %v lobbyReady %v", r.Eliminated, r.LobbyReady)
	}
	if r.Host != "alice" {
		t.Fatalf("host = %s, want alice", r.Host)
	}
	if !r.AttackResults["bob"].Eliminated {
		t.Fatal("result does not mark the elimination")
	}
	if r.Status != models.StatusResult {
		t.Fatalf("status = %s with two players left", r.Status)
	}

	// A re-run cannot eliminate again.
	again, err := f.engine("alice").Settle(context.Background(), "R", 3, false)
	if err != nil || !again.Skipped {
		t.Fatalf("re-run = %+v, %v", again, err)
	}
}

func TestLastPlayerStandingWins(t *testing.T) {
	f := newFixture(t, resultDoc(store.Fields{
		"players.bob":       player(90),
		"eliminatedPlayers": map[string]any{"carol": true},
	}))
	out, err := f.engine("alice").Settle(context.Background(), "R", 3, false)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Finished || out.Winner != "alice" {
		t.Fatalf("outcome = %+v", out)
	}
	r := f.room(t)
	if r.Status != models.StatusWinner || r.Winner != "alice" {
		t.Fatalf("status %s winner %s", r.Status, r.Winner)
	}
}

func TestDrawWhenEveryoneEliminated(t *testing.T) {
	// bob already crossed the limit in a settlement whose final write never
	// landed; alice's attack on him is reflected back and takes her over too.
	f := newFixture(t, resultDoc(store.Fields{
		"players.alice":     player(85),
		"players.bob":       player(100, models.ItemReflect),
		"eliminatedPlayers": map[string]any{"carol": true},
	}))
	out, err := f.engine("alice").Settle(context.Background(), "R", 3, false)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Finished || out.Winner != "" || len(out.Eliminated) != 2 {
		t.Fatalf("outcome = %+v", out)
	}
	r := f.room(t)
	if r.Status != models.StatusWinner || r.Winner != "" {
		t.Fatalf("status %s winner %q", r.Status, r.Winner)
	}
}

func TestReflectMirrorsDamage(t *testing.T) {
	f := newFixture(t, resultDoc(store.Fields{
		"players.bob": player(10, models.ItemReflect),
	}))
	if _, err := f.engine("alice").Settle(context.Background(), "R", 3, false); err != nil {
		t.Fatal(err)
	}
	r := f.room(t)
	if r.Temperature("bob") != 10 || r.Temperature("alice") != 20 {
		t.Fatalf("bob=%v alice=%v", r.Temperature("bob"), r.Temperature("alice"))
	}
	if r.Players["bob"].HasItem(models.ItemReflect) {
		t.Fatal("reflect not consumed")
	}
	if !r.AttackResults["bob"].Mirrored {
		t.Fatal("bob result not mirrored")
	}
	alice := r.AttackResults["alice"]
	if len(alice.Breakdown) != 1 || alice.Breakdown[0].Kind != models.KindMirror || alice.Breakdown[0].Source != "bob" {
		t.Fatalf("alice result = %+v", alice)
	}
}

func TestBackupResumesPartialSettlement(t *testing.T) {
	// The old host applied penalties and bob's attacks, then went silent.
	f := newFixture(t, resultDoc(store.Fields{
		"lastHostActivity":          store.FormatTime(start.Add(-time.Minute)),
		"players.bob.temperature":   20,
		"players.carol.temperature": 10,
		"penaltyApplied.carol":      3,
		"settledTargets.bob":        map[string]any{"roundId": 3},
	}))

	if _, err := f.engine("carol").Settle(context.Background(), "R", 3, false); !errors.Is(err, ErrNotLeader) {
		t.Fatalf("carol err = %v, want not leader", err)
	}

	out, err := f.engine("bob").Settle(context.Background(), "R", 3, false)
	if err != nil || out.Skipped {
		t.Fatalf("backup settle = %+v, %v", out, err)
	}
	r := f.room(t)
	if r.Temperature("bob") != 20 || r.Temperature("carol") != 10 {
		t.Fatalf("effects applied twice: bob=%v carol=%v", r.Temperature("bob"), r.Temperature("carol"))
	}
	if r.Host != "bob" {
		t.Fatalf("host = %s, want the backup", r.Host)
	}
	if r.AttackResults["carol"].TotalDamage != 10 || r.AttackResults["bob"].TotalDamage != 20 {
		t.Fatalf("results = %+v", r.AttackResults)
	}
}

func TestSettleWaitsForDecisions(t *testing.T) {
	doc := resultDoc(store.Fields{"attackDecisions.alice": store.Delete, "pendingAttacks": map[string]any{}})
	f := newFixture(t, doc)
	e := f.engine("alice")

	out, err := e.Settle(context.Background(), "R", 3, false)
	if err != nil || !out.Skipped {
		t.Fatalf("undecided settle = %+v, %v", out, err)
	}

	out, err = e.Settle(context.Background(), "R", 3, true)
	if err != nil || out.Skipped {
		t.Fatalf("forced settle = %+v, %v", out, err)
	}
	r := f.room(t)
	if !r.AttackDecisions["alice"] || !r.RoundRecapShown {
		t.Fatalf("decisions %v recap %v", r.AttackDecisions, r.RoundRecapShown)
	}
}

func TestNobodyAttacksStillSettles(t *testing.T) {
	f := newFixture(t, resultDoc(store.Fields{
		"pendingAttacks": map[string]any{},
		"votes.carol":    vote("x"),
	}))
	out, err := f.engine("alice").Settle(context.Background(), "R", 3, false)
	if err != nil || out.Skipped {
		t.Fatalf("settle = %+v, %v", out, err)
	}
	r := f.room(t)
	if !r.RoundRecapShown || len(r.AttackResults) != 0 {
		t.Fatalf("recap %v results %v", r.RoundRecapShown, r.AttackResults)
	}
}
