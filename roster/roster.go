// Package roster tracks the authority's view of a room's membership. Roster
// broadcasts are full snapshots, never deltas: each well-formed broadcast
// replaces the member list outright, and malformed payloads preserve the
// last known-good roster.
package roster

import (
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// Tracker holds the latest roster snapshot and derives the local
// participant's effective permissions from it. It is not safe for concurrent
// use; callers serialize access through one event loop.
type Tracker struct {
	userID  string
	members []domain.Member
}

// New creates a tracker for the given local participant. Until a snapshot
// naming the participant arrives, IsHost is false.
func New(userID string) *Tracker {
	return &Tracker{userID: userID}
}

// Apply decodes a memberUpdate payload and replaces the roster atomically.
// Transport framing is not trusted: anything that does not decode to a
// member list is treated as no update. Returns whether the roster changed.
func (t *Tracker) Apply(payload json.RawMessage) bool {
	if len(payload) == 0 {
		return false
	}
	var members []domain.Member
	if err := json.Unmarshal(payload, &members); err != nil {
		log.Debugf("roster: ignoring malformed member update: %v", err)
		return false
	}
	if members == nil {
		// A JSON null decodes without error but carries no roster.
		return false
	}
	t.members = members
	return true
}

// Replace installs a decoded roster snapshot directly.
func (t *Tracker) Replace(members []domain.Member) {
	t.members = append([]domain.Member(nil), members...)
}

// Members returns a copy of the current roster.
func (t *Tracker) Members() []domain.Member {
	return append([]domain.Member(nil), t.members...)
}

// Local returns the local participant's entry in the latest snapshot.
func (t *Tracker) Local() (domain.Member, bool) {
	for _, m := range t.members {
		if m.UserID == t.userID {
			return m, true
		}
	}
	return domain.Member{}, false
}

// IsHost reports whether the local participant holds the host role in the
// latest snapshot. A participant absent from the snapshot is never host.
func (t *Tracker) IsHost() bool {
	m, ok := t.Local()
	return ok && m.Role == domain.RoleHost
}
