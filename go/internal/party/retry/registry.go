package retry

import (
	"slices"
	"sync"
	"time"
)

// Pending is one in-flight operation.
type Pending struct {
	ID        string
	RoomID    string
	StartedAt time.Time
	Attempts  int
	LastError string
}

// Registry tracks in-flight operations and the outcome of the most recent ones.
type Registry struct {
	mu          sync.Mutex
	pending     map[string]*Pending
	lastSuccess time.Time
	lastErr     error
	lastErrAt   time.Time
	succeeded   uint64
	failed      uint64
}

func newRegistry(now time.Time) *Registry {
	return &Registry{
		pending:     make(map[string]*Pending),
		lastSuccess: now,
	}
}

func (r *Registry) start(id, roomID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[id] = &Pending{ID: id, RoomID: roomID, StartedAt: now}
}

func (r *Registry) attempt(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[id]; ok {
		p.Attempts++
	}
}

func (r *Registry) note(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[id]; ok {
		p.LastError = err.Error()
	}
}

func (r *Registry) succeed(id string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
	r.lastSuccess = now
	r.succeeded++
}

func (r *Registry) fail(id string, err error, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
	r.lastErr = err
	r.lastErrAt = now
	r.failed++
}

// Pending returns the in-flight operations, oldest first.
func (r *Registry) Pending() []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Pending, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Pending) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of in-flight operations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// LastSuccess is the time of the most recent successful write, or the engine
// start time.
func (r *Registry) LastSuccess() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSuccess
}

// LastError returns the most recent terminal failure.
func (r *Registry) LastError() (error, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr, r.lastErrAt
}

// Counts returns the number of succeeded and failed operations.
func (r *Registry) Counts() (succeeded, failed uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.succeeded, r.failed
}

// Expire drops entries started before cutoff and returns them. Their
// operations may still finish; the late outcome is then ignored.
func (r *Registry) Expire(cutoff time.Time) []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Pending
	for id, p := range r.pending {
		if p.StartedAt.Before(cutoff) {
			out = append(out, *p)
			delete(r.pending, id)
		}
	}
	return out
}
