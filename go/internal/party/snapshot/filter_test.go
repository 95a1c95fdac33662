package snapshot

import (
	"testing"

	"github.com/mcdev12/hotseat/go/internal/store"
)

func snap(rev uint64, round int, extra store.Document) store.Snapshot {
	doc := store.Document{"roundId": round, "status": "game"}
	for k, v := range extra {
		doc[k] = v
	}
	return store.Snapshot{RoomID: "R", Exists: true, Revision: rev, Data: doc}
}

func TestOfferSequence(t *testing.T) {
	tests := []struct {
		name   string
		offers []store.Snapshot
		want   []Decision
		round  int
	}{
		{
			name:   "in order",
			offers: []store.Snapshot{snap(1, 1, nil), snap(2, 1, nil), snap(3, 2, nil)},
			want:   []Decision{Accept, Accept, Accept},
			round:  2,
		},
		{
			name:   "out of order redelivery",
			offers: []store.Snapshot{snap(1, 1, nil), snap(5, 3, nil), snap(3, 2, nil), snap(2, 1, nil)},
			want:   []Decision{Accept, Accept, RejectStale, RejectStale},
			round:  3,
		},
		{
			name:   "older revision in same round",
			offers: []store.Snapshot{snap(4, 2, nil), snap(3, 2, nil)},
			want:   []Decision{Accept, RejectStale},
			round:  2,
		},
		{
			name:   "duplicate",
			offers: []store.Snapshot{snap(4, 2, nil), snap(4, 2, nil)},
			want:   []Decision{Accept, RejectDuplicate},
			round:  2,
		},
		{
			name:   "server counter regressed",
			offers: []store.Snapshot{snap(4, 5, nil), snap(9, 2, nil)},
			want:   []Decision{Accept, CriticalRegression},
			round:  5,
		},
		{
			name: "deleted marker",
			offers: []store.Snapshot{
				snap(1, 1, nil),
				snap(2, 1, store.Document{"status": "deleted"}),
			},
			want:  []Decision{Accept, Deleted},
			round: 1,
		},
		{
			name: "document removed",
			offers: []store.Snapshot{
				snap(1, 1, nil),
				{RoomID: "R", Exists: false, Revision: 2},
			},
			want:  []Decision{Accept, Deleted},
			round: 1,
		},
		{
			name: "absent before creation replayed",
			offers: []store.Snapshot{
				snap(3, 1, nil),
				{RoomID: "R", Exists: false, Revision: 2},
			},
			want:  []Decision{Accept, RejectStale},
			round: 1,
		},
		{
			name:   "other room",
			offers: []store.Snapshot{{RoomID: "OTHER", Exists: true, Revision: 9, Data: store.Document{"roundId": 9}}},
			want:   []Decision{RejectStale},
			round:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New("R")
			for i, s := range tt.offers {
				res, err := f.Offer(s)
				if err != nil {
					t.Fatalf("offer %d: %v", i, err)
				}
				if res.Decision != tt.want[i] {
					t.Fatalf("offer %d: decision = %v, want %v", i, res.Decision, tt.want[i])
				}
			}
			if got := f.LastRoundID(); got != tt.round {
				t.Fatalf("last round = %d, want %d", got, tt.round)
			}
		})
	}
}

func TestAcceptedRoundNeverDecreases(t *testing.T) {
	// Revisions and rounds delivered in a scrambled order.
	order := []struct {
		rev   uint64
		round int
	}{
		{3, 1}, {1, 0}, {7, 3}, {4, 2}, {6, 2}, {2, 1}, {8, 3}, {5, 2}, {10, 4}, {9, 3},
	}
	f := New("R")
	high := 0
	for _, o := range order {
		res, err := f.Offer(snap(o.rev, o.round, nil))
		if err != nil {
			t.Fatal(err)
		}
		if res.Decision == Accept && res.Room.RoundID < high {
			t.Fatalf("accepted round %d after %d", res.Room.RoundID, high)
		}
		if f.LastRoundID() < high {
			t.Fatalf("last round decreased to %d", f.LastRoundID())
		}
		high = f.LastRoundID()
	}
	if high != 4 {
		t.Fatalf("final round = %d", high)
	}
}

func TestPendingWritesDoNotAdvanceRevision(t *testing.T) {
	f := New("R")
	if res, _ := f.Offer(snap(2, 1, nil)); res.Decision != Accept {
		t.Fatal("initial snapshot rejected")
	}
	pending := snap(2, 1, store.Document{"votes": map[string]any{"alice": map[string]any{"choice": "a", "roundId": 1}}})
	pending.HasPendingWrites = true
	res, _ := f.Offer(pending)
	if res.Decision != Accept || !res.Changes.Has(ChangeVotes) {
		t.Fatalf("pending snapshot: %v %v", res.Decision, res.Changes.Sorted())
	}
	// The confirmed write for the same change arrives with the next revision.
	if res, _ := f.Offer(snap(3, 1, nil)); res.Decision != Accept {
		t.Fatalf("confirmed snapshot: %v", res.Decision)
	}
}

func TestDiff(t *testing.T) {
	base := snap(1, 2, store.Document{
		"players": map[string]any{
			"alice": map[string]any{"temperature": 10, "lastSeen": "2024-01-01T00:00:00Z"},
			"bob":   map[string]any{"temperature": 0},
		},
		"votes": map[string]any{"alice": map[string]any{"choice": "a", "roundId": 2}},
	})

	tests := []struct {
		name    string
		next    store.Document
		want    []Change
		notWant []Change
	}{
		{
			name: "presence only",
			next: store.Document{"players": map[string]any{
				"alice": map[string]any{"temperature": 10, "lastSeen": "2024-01-01T00:00:05Z"},
				"bob":   map[string]any{"temperature": 0},
			}},
			want:    []Change{ChangePresence},
			notWant: []Change{ChangePlayers, ChangeVotes, ChangeRound},
		},
		{
			name: "temperature",
			next: store.Document{"players": map[string]any{
				"alice": map[string]any{"temperature": 30, "lastSeen": "2024-01-01T00:00:00Z"},
				"bob":   map[string]any{"temperature": 0},
			}},
			want:    []Change{ChangePlayers},
			notWant: []Change{ChangePresence},
		},
		{
			name:    "new vote",
			next:    store.Document{"votes": map[string]any{"alice": map[string]any{"choice": "a", "roundId": 2}, "bob": map[string]any{"choice": "b", "roundId": 2}}},
			want:    []Change{ChangeVotes},
			notWant: []Change{ChangePlayers},
		},
		{
			name: "status and recap",
			next: store.Document{"status": "result", "roundRecapShown": true},
			want: []Change{ChangeStatus, ChangeRecap},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New("R")
			if _, err := f.Offer(base); err != nil {
				t.Fatal(err)
			}
			next := store.Snapshot{RoomID: "R", Exists: true, Revision: 2, Data: store.CloneDocument(base.Data)}
			for k, v := range tt.next {
				next.Data[k] = v
			}
			res, err := f.Offer(next)
			if err != nil || res.Decision != Accept {
				t.Fatalf("offer: %v %v", res.Decision, err)
			}
			for _, c := range tt.want {
				if !res.Changes.Has(c) {
					t.Errorf("missing change %s in %v", c, res.Changes.Sorted())
				}
			}
			for _, c := range tt.notWant {
				if res.Changes.Has(c) {
					t.Errorf("unexpected change %s in %v", c, res.Changes.Sorted())
				}
			}
		})
	}
}
