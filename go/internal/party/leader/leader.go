// Package leader decides which client may perform leader-only writes.
package leader

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/hotseat/go/internal/models"
	"github.com/mcdev12/hotseat/go/internal/store"
)

// DefaultHostInactiveThreshold is how long the host may stay silent before a
// backup takes over.
const DefaultHostInactiveThreshold = 15 * time.Second

// Role is the reason a client is leader.
type Role string

const (
	RoleNone   Role = "none"
	RoleHost   Role = "host"
	RoleBackup Role = "backup"
)

// Authority is the outcome of one evaluation.
type Authority struct {
	Leader bool
	Role   Role
	Reason string
}

// Selector evaluates leadership against the injected clock.
type Selector struct {
	clock     clockwork.Clock
	threshold time.Duration
}

// NewSelector creates a selector. A non-positive threshold uses the default.
func NewSelector(clock clockwork.Clock, threshold time.Duration) *Selector {
	if threshold <= 0 {
		threshold = DefaultHostInactiveThreshold
	}
	return &Selector{clock: clock, threshold: threshold}
}

// Threshold returns the host inactivity threshold.
func (s *Selector) Threshold() time.Duration {
	return s.threshold
}

// HostActive reports whether the recorded host refreshed its activity within
// the threshold. Missing activity counts as inactive.
func (s *Selector) HostActive(r *models.Room) bool {
	if r.Host == "" || r.LastHostActivity == nil || !r.IsActive(r.Host) {
		return false
	}
	return s.clock.Since(*r.LastHostActivity) < s.threshold
}

// Evaluate decides whether me leads r. The active host leads; once it goes
// stale, the first active player in sorted order other than the host does.
func (s *Selector) Evaluate(r *models.Room, me models.PlayerID) Authority {
	if r == nil || r.Deleted() {
		return Authority{Role: RoleNone, Reason: "room gone"}
	}
	if !r.IsActive(me) {
		return Authority{Role: RoleNone, Reason: "not an active player"}
	}
	if s.HostActive(r) {
		if r.Host == me {
			return Authority{Leader: true, Role: RoleHost, Reason: "host"}
		}
		return Authority{Role: RoleNone, Reason: "host " + string(r.Host) + " is active"}
	}
	if Backup(r) == me {
		return Authority{Leader: true, Role: RoleBackup, Reason: "host " + string(r.Host) + " inactive"}
	}
	return Authority{Role: RoleNone, Reason: "not the backup"}
}

// Backup returns the player that takes over from a stale host.
func Backup(r *models.Room) models.PlayerID {
	for _, id := range r.ActivePlayers() {
		if id != r.Host {
			return id
		}
	}
	return ""
}

// ClaimFields are added to every leader write. A backup also takes the host
// role so the stale host does not look alive once activity is refreshed.
func ClaimFields(a Authority, me models.PlayerID) store.Fields {
	if !a.Leader {
		return nil
	}
	f := store.Fields{models.FieldLastHostActivity: store.ServerTimestamp}
	if a.Role == RoleBackup {
		f[models.FieldHost] = string(me)
	}
	return f
}

// Heartbeat is the periodic activity refresh for the recorded host.
func Heartbeat(r *models.Room, me models.PlayerID) store.Fields {
	if r == nil || r.Host != me || !r.IsActive(me) {
		return nil
	}
	return store.Fields{models.FieldLastHostActivity: store.ServerTimestamp}
}
