// Package snapshot decides which store snapshots a client applies.
//
// The notification channel may redeliver old snapshots, deliver them out of
// order or replay locally pending writes. The filter keeps the highest round
// and revision it accepted and rejects anything that would move the view
// backwards.
package snapshot

import (
	"fmt"
	"sync"

	"github.com/mcdev12/hotseat/go/internal/models"
	"github.com/mcdev12/hotseat/go/internal/store"
	"github.com/rs/zerolog/log"
)

// Decision is the filter's verdict on one snapshot.
type Decision int

const (
	Accept Decision = iota
	RejectStale
	RejectDuplicate
	// Deleted means the room is gone and the session must tear down.
	Deleted
	// CriticalRegression means the stored round counter went backwards.
	CriticalRegression
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case RejectStale:
		return "reject-stale"
	case RejectDuplicate:
		return "reject-duplicate"
	case Deleted:
		return "deleted"
	case CriticalRegression:
		return "critical-regression"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Result is returned by Offer.
type Result struct {
	Decision Decision
	// Room is the decoded view for accepted snapshots.
	Room    *models.Room
	Changes ChangeSet
}

// Filter is safe for concurrent use.
type Filter struct {
	mu           sync.Mutex
	roomID       string
	last         *models.Room
	lastRoundID  int
	lastRevision uint64
}

// New creates a filter for one room.
func New(roomID string) *Filter {
	return &Filter{roomID: roomID}
}

// Offer classifies snap and, when accepted, makes it the current view.
func (f *Filter) Offer(snap store.Snapshot) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if snap.RoomID != f.roomID {
		return Result{Decision: RejectStale}, nil
	}

	if !snap.Exists {
		if snap.Revision != 0 && snap.Revision <= f.lastRevision {
			return Result{Decision: RejectStale}, nil
		}
		return Result{Decision: Deleted}, nil
	}

	room, err := models.DecodeRoom(snap)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot for room %s: %w", f.roomID, err)
	}
	if room.Deleted() {
		return Result{Decision: Deleted, Room: room}, nil
	}

	confirmed := !snap.HasPendingWrites
	if f.last != nil && confirmed && snap.Revision != 0 && snap.Revision == f.lastRevision {
		return Result{Decision: RejectDuplicate}, nil
	}

	if f.last != nil && room.RoundID < f.lastRoundID {
		if confirmed && snap.Revision > f.lastRevision {
			log.Error().
				Str("room_id", f.roomID).
				Int("accepted_round_id", f.lastRoundID).
				Int("round_id", room.RoundID).
				Uint64("revision", snap.Revision).
				Msg("round counter regressed in store, ignoring snapshot")
			return Result{Decision: CriticalRegression}, nil
		}
		log.Debug().
			Str("room_id", f.roomID).
			Int("accepted_round_id", f.lastRoundID).
			Int("round_id", room.RoundID).
			Msg("dropping stale snapshot")
		return Result{Decision: RejectStale}, nil
	}

	if f.last != nil && confirmed && snap.Revision < f.lastRevision {
		return Result{Decision: RejectStale}, nil
	}

	changes := Diff(f.last, room)
	f.last = room
	if room.RoundID > f.lastRoundID {
		f.lastRoundID = room.RoundID
	}
	if confirmed && snap.Revision > f.lastRevision {
		f.lastRevision = snap.Revision
	}
	return Result{Decision: Accept, Room: room, Changes: changes}, nil
}

// Current returns the last accepted view, or nil.
func (f *Filter) Current() *models.Room {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// LastRoundID returns the highest accepted round id.
func (f *Filter) LastRoundID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRoundID
}

// Reset forgets everything accepted so far.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = nil
	f.lastRoundID = 0
	f.lastRevision = 0
}
