// Package registry holds the in-memory comparison state for the tracker: the
// last-known snapshot per session and the set of project paths that were
// active on the most recent cycle.
//
// The registry is only ever touched by the single in-flight reconciliation
// cycle, so it carries no locks. It is rebuilt from the external source on
// startup; the durable store is an output sink, not a recovery source.
package registry

import (
	"tallyd/internal/usage"
)

// Kind discriminates real sessions from placeholders.
type Kind int

const (
	// KindPlaceholder marks a project that is known but has produced no
	// session identifier yet.
	KindPlaceholder Kind = iota
	// KindReal marks a session with a real external identifier.
	KindReal
)

// SessionKey identifies a registry entry. A placeholder key is derived from
// the project path alone; once the external source reports a real session
// identifier for that project, a new real key supersedes the placeholder.
type SessionKey struct {
	Kind        Kind
	SessionID   string
	ProjectPath string
}

// PlaceholderKey returns the key for a project with no session yet.
func PlaceholderKey(projectPath string) SessionKey {
	return SessionKey{Kind: KindPlaceholder, ProjectPath: projectPath}
}

// RealKey returns the key for a real external session identifier.
func RealKey(sessionID, projectPath string) SessionKey {
	return SessionKey{Kind: KindReal, SessionID: sessionID, ProjectPath: projectPath}
}

// ID returns the durable identifier used for store writes. Placeholder
// sessions are stored under a path-derived identifier so that "project known,
// no activity yet" is still visible in session listings.
func (k SessionKey) ID() string {
	if k.Kind == KindReal {
		return k.SessionID
	}
	return "path:" + k.ProjectPath
}

// Registry maps session identifiers to their last-known snapshot and tracks
// which project paths were active on the previous cycle.
type Registry struct {
	snapshots map[string]usage.Snapshot
	active    map[string]bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		snapshots: make(map[string]usage.Snapshot),
		active:    make(map[string]bool),
	}
}

// Observe records the last-known snapshot for a session. Overwrites any
// previous entry; idempotent for identical snapshots.
func (r *Registry) Observe(key SessionKey, snap usage.Snapshot) {
	r.snapshots[key.ID()] = snap
}

// Previous returns the last-known snapshot for a session, if one exists.
func (r *Registry) Previous(key SessionKey) (usage.Snapshot, bool) {
	snap, ok := r.snapshots[key.ID()]
	return snap, ok
}

// SetActive replaces the active project-path set with the paths seen carrying
// a session identifier on the current cycle. It returns the paths that
// dropped out since the previous cycle, so the caller can log session-ended
// events.
func (r *Registry) SetActive(paths []string) (ended []string) {
	next := make(map[string]bool, len(paths))
	for _, p := range paths {
		next[p] = true
	}

	for p := range r.active {
		if !next[p] {
			ended = append(ended, p)
		}
	}

	r.active = next
	return ended
}

// ActiveCount returns the number of currently active project paths.
func (r *Registry) ActiveCount() int {
	return len(r.active)
}

// Active reports whether a project path was active on the most recent cycle.
func (r *Registry) Active(projectPath string) bool {
	return r.active[projectPath]
}

// Len returns the number of tracked sessions. Entries are never evicted.
func (r *Registry) Len() int {
	return len(r.snapshots)
}
