package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/hotseat/go/internal/models"
	"github.com/mcdev12/hotseat/go/internal/party/attack"
	"github.com/mcdev12/hotseat/go/internal/party/questions"
	"github.com/mcdev12/hotseat/go/internal/party/retry"
	"github.com/mcdev12/hotseat/go/internal/party/round"
	"github.com/mcdev12/hotseat/go/internal/party/watchdog"
	"github.com/mcdev12/hotseat/go/internal/store"
	"github.com/mcdev12/hotseat/go/internal/store/memstore"
)

var start = time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)

func testBank(t *testing.T) *questions.Bank {
	t.Helper()
	b, err := questions.New([]models.Question{
		{ID: "q1", Text: "one", Options: []string{"x", "y"}},
		{ID: "q2", Text: "two", Options: []string{"x", "y"}},
		{ID: "q3", Text: "three", Options: []string{"x", "y"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// newSession builds a session whose timers stay quiet unless autoAdvance is
// set, so tests drive every write themselves.
func newSession(t *testing.T, s store.Store, clock clockwork.Clock, id string, autoAdvance time.Duration) *Session {
	t.Helper()
	if autoAdvance <= 0 {
		autoAdvance = time.Hour
	}
	sess, err := New(s, testBank(t), clock, Config{
		PlayerID:            id,
		HeartbeatInterval:   time.Hour,
		ProbeInterval:       time.Hour,
		AutoAdvanceInterval: autoAdvance,
		Retry:               retry.Config{MaxAttempts: 10, BaseDelay: time.Millisecond},
		Watchdog:            watchdog.Config{Interval: time.Hour},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// seesRound waits until sess shows round n, as a player answers only the
// question on screen.
func seesRound(t *testing.T, sess *Session, n int) {
	t.Helper()
	waitFor(t, "view of round", func() bool {
		r := sess.Room()
		return r != nil && r.RoundID == n
	})
}

func stored(t *testing.T, s store.Store, roomID string) *models.Room {
	t.Helper()
	snap, err := s.Get(context.Background(), roomID)
	if err != nil {
		t.Fatal(err)
	}
	r, err := models.DecodeRoom(snap)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func wantRejection(t *testing.T, err error, code RejectionCode) {
	t.Helper()
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("err = %v, want rejection %s", err, code)
	}
	if rej.Code != code {
		t.Fatalf("rejection = %s (%s), want %s", rej.Code, rej.Message, code)
	}
}

// lobby creates a room hosted by the first id and joins the others.
func lobby(t *testing.T, s store.Store, clock clockwork.Clock, ids ...string) (string, []*Session) {
	t.Helper()
	ctx := context.Background()
	sessions := make([]*Session, len(ids))
	for i, id := range ids {
		sessions[i] = newSession(t, s, clock, id, 0)
	}
	code, err := sessions[0].CreateRoom(ctx, models.DefaultGameConfig())
	mustOK(t, err)
	for _, sess := range sessions[1:] {
		mustOK(t, sess.JoinRoom(ctx, strings.ToLower(code)))
	}
	return code, sessions
}

func TestFullRound(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(clockwork.NewRealClock())
	code, ss := lobby(t, s, nil, "alice", "bob", "carol")
	alice, bob, carol := ss[0], ss[1], ss[2]

	for _, sess := range ss {
		mustOK(t, sess.SetReady(ctx))
	}
	waitFor(t, "game start", func() bool { return stored(t, s, code).Status == models.StatusGame })

	r := stored(t, s, code)
	if r.RoundID != 1 || r.Hotseat != "bob" {
		t.Fatalf("round %d hotseat %s", r.RoundID, r.Hotseat)
	}
	if r.Question == nil || !r.UsedQuestions.Has(r.Question.ID) {
		t.Fatalf("question not recorded: %+v", r.Question)
	}

	for _, sess := range ss {
		seesRound(t, sess, 1)
	}
	mustOK(t, bob.SubmitVote(ctx, "x", "honest"))
	mustOK(t, alice.SubmitVote(ctx, "x", ""))
	mustOK(t, carol.SubmitVote(ctx, "y", ""))
	waitFor(t, "voting closed", func() bool { return stored(t, s, code).Status == models.StatusResult })

	wantRejection(t, carol.ChooseAttack(ctx, "bob"), CodeNotEligible)
	mustOK(t, alice.ChooseAttack(ctx, "bob"))
	waitFor(t, "settlement", func() bool { return stored(t, s, code).RoundRecapShown })

	r = stored(t, s, code)
	if got := r.Temperature("bob"); got != 20 {
		t.Errorf("bob temperature = %v, want 20", got)
	}
	if got := r.Temperature("carol"); got != 10 {
		t.Errorf("carol temperature = %v, want 10", got)
	}
	if got := r.AttackResults["carol"].Breakdown; len(got) != 1 || got[0].Kind != models.KindPenalty {
		t.Errorf("carol breakdown = %+v", got)
	}

	mustOK(t, bob.ConfirmPopup(ctx))
	mustOK(t, carol.ConfirmPopup(ctx))
	for _, sess := range ss {
		mustOK(t, sess.SetReady(ctx))
	}
	waitFor(t, "next round", func() bool {
		r := stored(t, s, code)
		return r.RoundID == 2 && r.Status == models.StatusGame
	})

	r = stored(t, s, code)
	if r.Hotseat != "carol" {
		t.Errorf("round 2 hotseat = %s, want carol", r.Hotseat)
	}
	if len(r.Votes) != 0 || len(r.AttackResults) != 0 || r.RoundRecapShown {
		t.Errorf("round state not cleared: votes %v results %v", r.Votes, r.AttackResults)
	}
	if got := r.Temperature("bob"); got != 20 {
		t.Errorf("bob temperature changed on advance: %v", got)
	}

	waitFor(t, "alice's view catches up", func() bool {
		v := alice.View()
		return v.Room != nil && v.Room.RoundID == 2 && v.Phase == round.PhaseVoting
	})
}

func TestDuplicateTabVote(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(clockwork.NewRealClock())
	code, ss := lobby(t, s, nil, "alice", "bob")
	for _, sess := range ss {
		mustOK(t, sess.SetReady(ctx))
	}
	waitFor(t, "game start", func() bool { return stored(t, s, code).Status == models.StatusGame })

	tab := newSession(t, s, nil, "alice", 0)
	mustOK(t, tab.Rejoin(ctx, code))
	seesRound(t, ss[0], 1)
	seesRound(t, tab, 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, sess := range []*Session{ss[0], tab} {
		i, sess := i, sess
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = sess.SubmitVote(ctx, "x", "")
		}()
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		wantRejection(t, err, CodeAlreadyVoted)
	}
	if accepted != 1 {
		t.Fatalf("%d votes accepted, want 1 (errs %v)", accepted, errs)
	}
	v, ok := stored(t, s, code).ValidVote("alice")
	if !ok || !v.ValidFor(1) || v.Choice != "x" {
		t.Fatalf("stored vote = %+v, %v", v, ok)
	}
}

// alice hosts and goes silent in the middle of round 3. bob takes over once
// the host threshold passes, settles the round and advances it.
func TestHostFailover(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(start)
	s := memstore.New(clock)
	doc := store.Document{
		"roundId":          3,
		"status":           "result",
		"host":             "alice",
		"lastHostActivity": store.FormatTime(start),
		"hotseat":          "bob",
		"players": map[string]any{
			"alice": map[string]any{"temperature": 0},
			"bob":   map[string]any{"temperature": 0},
		},
		"question":        map[string]any{"id": "q1", "text": "one", "options": []any{"x", "y"}},
		"usedQuestions":   map[string]any{"q1": true},
		"votes":           map[string]any{"alice": map[string]any{"choice": "x", "roundId": 3}, "bob": map[string]any{"choice": "x", "roundId": 3}},
		"attackDecisions": map[string]any{"alice": true, "bob": true},
		"pendingAttacks":  map[string]any{"bob": map[string]any{"alice": map[string]any{"damage": 20, "queuedAt": store.FormatTime(start)}}},
	}
	mustOK(t, s.Create(ctx, "ROOM", doc))

	bob := newSession(t, s, clock, "bob", time.Second)
	mustOK(t, bob.Rejoin(ctx, "room"))

	waitFor(t, "bob's first view", func() bool { return bob.Room() != nil })
	if a := bob.View().Authority; a.Leader {
		t.Fatalf("bob leads while alice is active: %+v", a)
	}
	if stored(t, s, "ROOM").RoundRecapShown {
		t.Fatal("settled without a leader")
	}

	// heartbeat, probe, auto-advance and watchdog tickers
	if err := clock.BlockUntilContext(ctx, 4); err != nil {
		t.Fatal(err)
	}
	clock.Advance(16 * time.Second)

	waitFor(t, "backup settlement", func() bool { return stored(t, s, "ROOM").RoundRecapShown })
	r := stored(t, s, "ROOM")
	if r.Host != "bob" {
		t.Fatalf("host = %s, want bob", r.Host)
	}
	if got := r.Temperature("bob"); got != 20 {
		t.Fatalf("bob temperature = %v, want 20", got)
	}
	if r.LastHostActivity == nil || !r.LastHostActivity.Equal(start.Add(16*time.Second)) {
		t.Fatalf("lastHostActivity = %v", r.LastHostActivity)
	}

	mustOK(t, bob.ForceAdvance(ctx))
	r = stored(t, s, "ROOM")
	if r.RoundID != 4 || r.Status != models.StatusGame || r.Hotseat != "alice" {
		t.Fatalf("round %d status %s hotseat %s", r.RoundID, r.Status, r.Hotseat)
	}
}

func TestRejections(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(clockwork.NewRealClock())

	if _, err := New(s, nil, nil, Config{PlayerID: "a.b"}); err == nil {
		t.Fatal("dotted player id accepted")
	} else {
		wantRejection(t, err, CodeInvalidPlayer)
	}

	loner := newSession(t, s, nil, "dave", 0)
	wantRejection(t, loner.SubmitVote(ctx, "x", ""), CodeNoRoom)
	wantRejection(t, loner.JoinRoom(ctx, "NOPE"), CodeNotFound)
	wantRejection(t, loner.JoinRoom(ctx, "  "), CodeNotFound)

	code, ss := lobby(t, s, nil, "alice", "bob")
	alice, bob := ss[0], ss[1]

	twin := newSession(t, s, nil, "bob", 0)
	wantRejection(t, twin.JoinRoom(ctx, code), CodeAlreadyJoined)
	wantRejection(t, loner.Rejoin(ctx, code), CodeNotJoined)

	wantRejection(t, bob.SubmitVote(ctx, "x", ""), CodeWrongPhase)
	wantRejection(t, bob.ChooseAttack(ctx, "alice"), CodeWrongPhase)
	wantRejection(t, bob.DrawReward(ctx, "shield"), CodeInvalidCard)
	wantRejection(t, bob.Restart(ctx), CodeNotLeader)
	wantRejection(t, bob.Rematch(ctx), CodeNotLeader)
	wantRejection(t, bob.DeleteRoom(ctx), CodeNotLeader)
	wantRejection(t, alice.Rematch(ctx), CodeWrongPhase)

	// Only alice is ready, so force is needed to start.
	mustOK(t, alice.SetReady(ctx))
	wantRejection(t, bob.ForceAdvance(ctx), CodeNotLeader)
	mustOK(t, alice.ForceAdvance(ctx))
	r := stored(t, s, code)
	if r.Status != models.StatusGame {
		t.Fatalf("status = %s", r.Status)
	}
	if r.Hotseat != "bob" {
		t.Fatalf("hotseat = %s", r.Hotseat)
	}

	seesRound(t, alice, 1)
	wantRejection(t, alice.SubmitVote(ctx, "maybe", ""), CodeInvalidChoice)
	mustOK(t, alice.SubmitVote(ctx, "x", ""))
	wantRejection(t, alice.SubmitVote(ctx, "y", ""), CodeAlreadyVoted)
	wantRejection(t, alice.ForceAdvance(ctx), CodeWaitingForHotseat)
	wantRejection(t, twin.JoinRoom(ctx, code), CodeAlreadyJoined)
	wantRejection(t, newSession(t, s, nil, "erin", 0).JoinRoom(ctx, code), CodeWrongPhase)
}

// startGame readies every session and waits until all of them show round 1.
func startGame(t *testing.T, s store.Store, code string, ss []*Session) {
	t.Helper()
	for _, sess := range ss {
		mustOK(t, sess.SetReady(context.Background()))
	}
	waitFor(t, "game start", func() bool { return stored(t, s, code).Status == models.StatusGame })
	for _, sess := range ss {
		seesRound(t, sess, 1)
	}
}

func TestVoteForEarlierRoundRejected(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(clockwork.NewRealClock())
	code, ss := lobby(t, s, nil, "alice", "bob")
	startGame(t, s, code, ss)
	bob := ss[1]

	mustOK(t, s.UpdateFields(ctx, code, store.Fields{models.FieldRoundID: 2}))

	// bob answers the round 1 question after the room moved on.
	a, err := bob.current()
	mustOK(t, err)
	wantRejection(t, bob.vote(ctx, a, 1, "x", ""), CodeStaleRound)
	if _, ok := stored(t, s, code).ValidVote("bob"); ok {
		t.Fatal("answer to round 1 recorded as a round 2 vote")
	}

	seesRound(t, bob, 2)
	mustOK(t, bob.SubmitVote(ctx, "x", ""))
	if v, ok := stored(t, s, code).ValidVote("bob"); !ok || !v.ValidFor(2) {
		t.Fatalf("round 2 vote = %+v, %v", v, ok)
	}
}

func TestVoteConflictFallsBackToDirectWrite(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(clockwork.NewRealClock())
	code, ss := lobby(t, s, nil, "alice", "bob")
	startGame(t, s, code, ss)
	alice := ss[0]

	// A heartbeat lands between the vote's read and its commit.
	var commits atomic.Int32
	s.BeforeTransactionCommit(func(roomID string) {
		if commits.Add(1) == 1 {
			if err := s.UpdateFields(context.Background(), roomID, round.Presence("bob")); err != nil {
				t.Errorf("competing write: %v", err)
			}
		}
	})

	mustOK(t, alice.SubmitVote(ctx, "x", "gut"))
	if n := commits.Load(); n != 1 {
		t.Fatalf("vote transaction ran %d times, want 1", n)
	}

	r := stored(t, s, code)
	if len(r.Votes) != 1 {
		t.Fatalf("votes = %+v, want exactly alice's", r.Votes)
	}
	if v, ok := r.ValidVote("alice"); !ok || !v.ValidFor(1) || v.Choice != "x" {
		t.Fatalf("alice vote = %+v, %v", v, ok)
	}

	wantRejection(t, alice.SubmitVote(ctx, "y", ""), CodeAlreadyVoted)
	if v, _ := stored(t, s, code).ValidVote("alice"); v.Choice != "x" {
		t.Fatalf("second attempt overwrote the vote: %+v", v)
	}
}

// alice leads from a view that predates carol's join, so her first start
// attempt is refused. Once carol is ready the lobby still starts on its own.
func TestRejectedStartIsRetried(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(clockwork.NewRealClock())
	code, ss := lobby(t, s, nil, "alice", "bob", "carol")
	alice, bob, carol := ss[0], ss[1], ss[2]
	mustOK(t, alice.SetReady(ctx))
	mustOK(t, bob.SetReady(ctx))

	early := stored(t, s, code)
	delete(early.Players, "carol")
	if !round.CanStart(early) {
		t.Fatal("early view should look ready to start")
	}

	a, err := alice.current()
	mustOK(t, err)
	alice.react(ctx, a, early)
	waitFor(t, "refused start", func() bool {
		a.triggerMu.Lock()
		defer a.triggerMu.Unlock()
		return !a.triggers["start:0"]
	})
	if r := stored(t, s, code); r.Status != models.StatusLobby {
		t.Fatalf("started without carol: status %s", r.Status)
	}

	mustOK(t, carol.SetReady(ctx))
	waitFor(t, "game start", func() bool { return stored(t, s, code).Status == models.StatusGame })
}

func TestConcurrentDecisionsFromOnePlayer(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(clockwork.NewRealClock())
	vote := func(choice string) map[string]any { return map[string]any{"choice": choice, "roundId": 3} }
	doc := store.Document{
		"roundId":          3,
		"status":           "result",
		"host":             "alice",
		"lastHostActivity": store.FormatTime(time.Now()),
		"hotseat":          "bob",
		"players": map[string]any{
			"alice": map[string]any{"temperature": 0},
			"bob":   map[string]any{"temperature": 0},
			"carol": map[string]any{"temperature": 0},
		},
		"question":        map[string]any{"id": "q1", "text": "one", "options": []any{"x", "y"}},
		"usedQuestions":   map[string]any{"q1": true},
		"votes":           map[string]any{"alice": vote("x"), "bob": vote("x"), "carol": vote("x")},
		"attackDecisions": map[string]any{"bob": true},
	}
	mustOK(t, s.Create(ctx, "ROOM", doc))

	alice := newSession(t, s, nil, "alice", 0)
	mustOK(t, alice.Rejoin(ctx, "room"))
	seesRound(t, alice, 3)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, decide := range []func() error{
		func() error { return alice.ChooseAttack(ctx, "carol") },
		func() error { return alice.SkipAttack(ctx) },
	} {
		i, decide := i, decide
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = decide()
		}()
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		wantRejection(t, err, CodeAlreadyDecided)
	}
	if accepted != 1 {
		t.Fatalf("%d decisions accepted, want 1 (errs %v)", accepted, errs)
	}
	wantRejection(t, alice.DrawReward(ctx, models.ItemIce), CodeAlreadyDecided)
}

func TestDeleteRoomTearsDownEveryone(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(clockwork.NewRealClock())
	code, ss := lobby(t, s, nil, "alice", "bob")
	alice, bob := ss[0], ss[1]

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	views := bob.Watch(wctx)

	mustOK(t, alice.DeleteRoom(ctx))
	if alice.RoomID() != "" {
		t.Fatal("alice still attached")
	}

	deadline := time.After(5 * time.Second)
	for deleted := false; !deleted; {
		select {
		case v := <-views:
			deleted = v.Deleted
		case <-deadline:
			t.Fatal("bob never saw the room go away")
		}
	}
	waitFor(t, "bob detached", func() bool { return bob.RoomID() == "" })

	if snap, err := s.Get(ctx, code); err != nil || snap.Exists {
		t.Fatalf("room document still present: %v %v", snap.Exists, err)
	}
	wantRejection(t, bob.SetReady(ctx), CodeNoRoom)
	wantRejection(t, bob.Rejoin(ctx, code), CodeNotFound)
}

func TestLeaveRoomHandsOverHost(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(clockwork.NewRealClock())
	code, ss := lobby(t, s, nil, "alice", "bob", "carol")

	mustOK(t, ss[0].SetReady(ctx))
	mustOK(t, ss[0].LeaveRoom(ctx))

	r := stored(t, s, code)
	if r.HasPlayer("alice") || r.LobbyReady.Has("alice") {
		t.Fatal("alice still in the lobby")
	}
	if r.Host != "bob" {
		t.Fatalf("host = %s, want bob", r.Host)
	}
	if ss[0].RoomID() != "" {
		t.Fatal("alice still attached")
	}
	mustOK(t, ss[1].Restart(ctx))
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	s := memstore.New(clockwork.NewRealClock())
	_, ss := lobby(t, s, nil, "alice")
	alice := ss[0]

	if h := alice.Health(ctx); !h.Healthy || !h.StoreConnected || h.WritesSucceeded == 0 {
		t.Fatalf("health = %+v", h)
	}

	s.SetUnreachable(true)
	h := alice.Health(ctx)
	if h.Healthy || h.StoreConnected || len(h.Errors) == 0 {
		t.Fatalf("health while unreachable = %+v", h)
	}
	if alice.View().Connected {
		t.Fatal("view still shows connected")
	}

	rec := httptest.NewRecorder()
	NewHealthHandler(alice).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if out := NewPrometheusExporter(alice).Export(ctx); !strings.Contains(out, "hotseat_store_connected 0") {
		t.Fatalf("metrics = %s", out)
	}

	s.SetUnreachable(false)
	if h := alice.Health(ctx); !h.Healthy {
		t.Fatalf("health after recovery = %+v", h)
	}
}

func TestAsRejection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code RejectionCode
	}{
		{"round rule", round.ErrAlreadyVoted, CodeAlreadyVoted},
		{"wrapped round rule", errors.Join(errors.New("vote"), round.ErrWaitingForHotseat), CodeWaitingForHotseat},
		{"leadership", attack.ErrNotLeader, CodeNotLeader},
		{"room gone", retry.ErrRoomGone, CodeRoomGone},
		{"store not found", store.NewError(store.CodeNotFound, "transaction", "R", nil), CodeNotFound},
		{"already a rejection", reject(CodeNoRoom, nil), CodeNoRoom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantRejection(t, asRejection(tt.err), tt.code)
		})
	}

	infra := store.NewError(store.CodeUnavailable, "update", "R", nil)
	if got := asRejection(infra); got != infra {
		t.Fatalf("infrastructure error converted: %v", got)
	}
	if !errors.Is(asRejection(round.ErrNotEligible), &Rejection{Code: CodeNotEligible}) {
		t.Fatal("rejection does not match by code")
	}
}
