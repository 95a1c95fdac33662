// Package storetest is a conformance suite every store backend must pass.
package storetest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/hotseat/go/internal/store"
)

// Factory returns a ready store for one test. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateGet", testCreateGet},
		{"CreateExisting", testCreateExisting},
		{"UpdateFields", testUpdateFields},
		{"UpdateMissing", testUpdateMissing},
		{"TransactionCommits", testTransactionCommits},
		{"TransactionConflict", testTransactionConflict},
		{"TransactionAbort", testTransactionAbort},
		{"Delete", testDelete},
		{"Subscribe", testSubscribe},
		{"Ping", testPing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func roomID() string {
	return "T" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:12]
}

func ctxFor(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testCreateGet(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	id := roomID()

	snap, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get absent: %v", err)
	}
	if snap.Exists {
		t.Fatal("absent room exists")
	}

	doc := store.Document{
		"status":    "lobby",
		"roundId":   0,
		"createdAt": store.ServerTimestamp,
		"players":   map[string]any{"alice": map[string]any{"temperature": 0}},
	}
	if err := s.Create(ctx, id, doc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	snap, err = s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !snap.Exists || snap.Data["status"] != "lobby" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if _, ok := snap.Data["createdAt"].(string); !ok {
		t.Fatalf("server timestamp not resolved: %#v", snap.Data["createdAt"])
	}
	if snap.Revision == 0 {
		t.Fatal("revision not assigned")
	}
}

func testCreateExisting(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	id := roomID()
	if err := s.Create(ctx, id, store.Document{"a": 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, id, store.Document{"a": 2}); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("second Create err = %v, want already-exists", err)
	}
}

func testUpdateFields(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	id := roomID()
	_ = s.Create(ctx, id, store.Document{
		"roundId": 1,
		"ready":   map[string]any{"alice": true, "bob": true},
	})
	before, _ := s.Get(ctx, id)

	err := s.UpdateFields(ctx, id, store.Fields{
		"roundId":                 store.Increment(1),
		"ready.alice":             store.Delete,
		"players.bob.temperature": store.Increment(30),
		"players.bob.lastSeen":    store.ServerTimestamp,
		"votes.bob":               map[string]any{"choice": "a", "roundId": 2},
	})
	if err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}

	after, _ := s.Get(ctx, id)
	if after.Revision <= before.Revision {
		t.Fatalf("revision %d -> %d", before.Revision, after.Revision)
	}
	if n, _ := store.ToFloat(after.Data["roundId"]); n != 2 {
		t.Fatalf("roundId = %v", after.Data["roundId"])
	}
	ready := after.Data["ready"].(map[string]any)
	if _, ok := ready["alice"]; ok || ready["bob"] != true {
		t.Fatalf("ready = %v", ready)
	}
	bob := after.Data["players"].(map[string]any)["bob"].(map[string]any)
	if n, _ := store.ToFloat(bob["temperature"]); n != 30 {
		t.Fatalf("temperature = %v", bob["temperature"])
	}
}

func testUpdateMissing(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	err := s.UpdateFields(ctx, roomID(), store.Fields{"a": 1})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want not-found", err)
	}
}

func testTransactionCommits(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	id := roomID()
	_ = s.Create(ctx, id, store.Document{"roundId": 4})

	err := s.RunTransaction(ctx, id, func(snap store.Snapshot) (store.Fields, error) {
		round, _ := store.ToFloat(snap.Data["roundId"])
		return store.Fields{"votes.alice": map[string]any{"choice": "x", "roundId": round}}, nil
	})
	if err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}
	snap, _ := s.Get(ctx, id)
	vote := snap.Data["votes"].(map[string]any)["alice"].(map[string]any)
	if n, _ := store.ToFloat(vote["roundId"]); n != 4 {
		t.Fatalf("vote = %v", vote)
	}
}

func testTransactionConflict(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	id := roomID()
	_ = s.Create(ctx, id, store.Document{"roundId": 1})

	err := s.RunTransaction(ctx, id, func(snap store.Snapshot) (store.Fields, error) {
		// A competing writer lands between our read and our commit.
		if err := s.UpdateFields(ctx, id, store.Fields{"roundId": 2}); err != nil {
			return nil, err
		}
		return store.Fields{"roundId": 5}, nil
	})
	if !errors.Is(err, store.ErrFailedPrecondition) {
		t.Fatalf("err = %v, want failed-precondition", err)
	}
	snap, _ := s.Get(ctx, id)
	if n, _ := store.ToFloat(snap.Data["roundId"]); n != 2 {
		t.Fatalf("roundId = %v, want the competing write", snap.Data["roundId"])
	}
}

func testTransactionAbort(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	id := roomID()
	_ = s.Create(ctx, id, store.Document{"roundId": 1})
	before, _ := s.Get(ctx, id)

	boom := errors.New("abort")
	if err := s.RunTransaction(ctx, id, func(store.Snapshot) (store.Fields, error) {
		return store.Fields{"roundId": 9}, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if err := s.RunTransaction(ctx, id, func(store.Snapshot) (store.Fields, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("no-op transaction: %v", err)
	}

	after, _ := s.Get(ctx, id)
	if after.Revision != before.Revision {
		t.Fatal("aborted or empty transaction wrote")
	}
}

func testDelete(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	id := roomID()
	_ = s.Create(ctx, id, store.Document{"a": 1})
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	snap, err := s.Get(ctx, id)
	if err != nil || snap.Exists {
		t.Fatalf("after delete: %+v, %v", snap, err)
	}
	if err := s.Delete(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second Delete err = %v", err)
	}
}

func testSubscribe(t *testing.T, s store.Store) {
	ctx := ctxFor(t)
	id := roomID()
	_ = s.Create(ctx, id, store.Document{"roundId": 1})

	got := make(chan store.Snapshot, 16)
	unsub, err := s.Subscribe(ctx, id, func(snap store.Snapshot) { got <- snap })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	waitFor(t, got, func(snap store.Snapshot) bool {
		n, _ := store.ToFloat(snap.Data["roundId"])
		return snap.Exists && n == 1
	})

	if err := s.UpdateFields(ctx, id, store.Fields{"roundId": 2}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, got, func(snap store.Snapshot) bool {
		n, _ := store.ToFloat(snap.Data["roundId"])
		return n == 2
	})

	if err := s.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, got, func(snap store.Snapshot) bool { return !snap.Exists })
}

func testPing(t *testing.T, s store.Store) {
	if err := s.Ping(ctxFor(t)); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

// waitFor drains ch until match accepts a snapshot. Backends may redeliver
// older snapshots first.
func waitFor(t *testing.T, ch <-chan store.Snapshot, match func(store.Snapshot) bool) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case snap := <-ch:
			if match(snap) {
				return
			}
		case <-timeout:
			t.Fatal("expected snapshot was not delivered")
		}
	}
}
