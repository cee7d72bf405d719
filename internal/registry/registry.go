// Package registry owns the userID -> live connection mapping. It is the single
// source of truth for "who is online"; every send-to-user path resolves through
// it. The map is sharded by key, so unrelated users never contend on one lock.
package registry

import (
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/chatrelay/internal/event"
	"github.com/chatrelay/internal/logger"
)

// Handle is a live client connection as seen by the coordination core.
// Implementations live in the transport layer (ws.Client).
type Handle interface {
	UserID() string
	// Send enqueues without blocking. false means the connection is closed or
	// its buffer is full; callers treat that as unreachable.
	Send(msg event.Outgoing) bool
	// Alive reports whether the connection is still tracked by the transport.
	// A registered but dead handle is stale and gets purged on resolve.
	Alive() bool
	Close()
}

// ResolveStatus tells a caller why a resolve returned no usable handle.
type ResolveStatus int

const (
	ResolveLive ResolveStatus = iota
	// ResolveAbsent means no registered connection for the user.
	ResolveAbsent
	// ResolveStale means a connection was registered but its transport is dead;
	// the entry has been purged.
	ResolveStale
)

type Registry struct {
	conns cmap.ConcurrentMap[string, Handle]
}

func New() *Registry {
	return &Registry{conns: cmap.New[Handle]()}
}

// Register stores the mapping, replacing any previous connection for the same
// user (last connection wins). The evicted handle is closed so the older
// session cannot keep receiving events.
func (r *Registry) Register(userID string, h Handle) {
	var evicted Handle
	r.conns.Upsert(userID, h, func(exists bool, old, new Handle) Handle {
		if exists && old != new {
			evicted = old
		}
		return new
	})
	if evicted != nil {
		logger.Infof("registry: replacing connection user=%s (duplicate login)", userID)
		evicted.Close()
	}
}

// Unregister removes the mapping only if the stored handle is the caller's.
// A disconnect event from an already-replaced connection must not evict the
// newer one. Returns whether the removal took effect.
func (r *Registry) Unregister(userID string, h Handle) bool {
	return r.conns.RemoveCb(userID, func(key string, cur Handle, exists bool) bool {
		return exists && cur == h
	})
}

// Resolve returns the user's live handle. Never blocks. Liveness is validated
// lazily: a dead handle is purged here and reported as ResolveStale so callers
// can distinguish "offline" from "registered but unreachable".
func (r *Registry) Resolve(userID string) (Handle, ResolveStatus) {
	h, ok := r.conns.Get(userID)
	if !ok {
		return nil, ResolveAbsent
	}
	if !h.Alive() {
		r.Purge(userID, h)
		return nil, ResolveStale
	}
	return h, ResolveLive
}

// Purge drops a stale entry if it still points at the given handle.
func (r *Registry) Purge(userID string, h Handle) {
	removed := r.conns.RemoveCb(userID, func(key string, cur Handle, exists bool) bool {
		return exists && cur == h
	})
	if removed {
		logger.Infof("registry: purged stale connection user=%s", userID)
	}
}

// Online returns a snapshot of currently connected user ids, used for the
// bulk presence resync after connect/disconnect.
func (r *Registry) Online() []string {
	ids := make([]string, 0, r.conns.Count())
	for item := range r.conns.IterBuffered() {
		if item.Val.Alive() {
			ids = append(ids, item.Key)
		}
	}
	return ids
}

// Handles returns all live handles for broadcast.
func (r *Registry) Handles() []Handle {
	hs := make([]Handle, 0, r.conns.Count())
	for item := range r.conns.IterBuffered() {
		if item.Val.Alive() {
			hs = append(hs, item.Val)
		}
	}
	return hs
}

func (r *Registry) Count() int {
	return r.conns.Count()
}
