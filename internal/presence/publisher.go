// Package presence turns registry connect/disconnect transitions into broadcast
// events and write-behind persistence. The in-memory registry is authoritative
// for "now"; Postgres and the cache record history and may lag briefly.
package presence

import (
	"context"
	"sort"
	"time"

	"github.com/chatrelay/internal/event"
	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/registry"
	"github.com/chatrelay/internal/storage"
)

const persistTimeout = 5 * time.Second

// UserStore is the durable presence sink (updateUserPresence in the store).
type UserStore interface {
	SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error
}

type Publisher struct {
	reg   *registry.Registry
	users UserStore
	cache storage.PresenceCache
}

func NewPublisher(reg *registry.Registry, users UserStore, cache storage.PresenceCache) *Publisher {
	return &Publisher{reg: reg, users: users, cache: cache}
}

// UserOnline announces a connect: userOnline to everyone else, then the full
// online snapshot to all clients as the reconciliation mechanism that heals
// any missed individual event. Persistence runs asynchronously.
func (p *Publisher) UserOnline(userID string) {
	p.broadcastExcept(userID, event.Outgoing{
		Type:    event.TypeUserOnline,
		Payload: event.UserStatusPayload{UserID: userID},
	})
	p.broadcastSnapshot()
	p.persist(userID, true)
}

// UserOffline announces a disconnect the same way.
func (p *Publisher) UserOffline(userID string) {
	p.broadcastExcept(userID, event.Outgoing{
		Type:    event.TypeUserOffline,
		Payload: event.UserStatusPayload{UserID: userID},
	})
	p.broadcastSnapshot()
	p.persist(userID, false)
}

// Snapshot returns the canonical online-user list, sorted for stable output.
func (p *Publisher) Snapshot() []string {
	ids := p.reg.Online()
	sort.Strings(ids)
	return ids
}

func (p *Publisher) broadcastSnapshot() {
	out := event.Outgoing{
		Type:    event.TypeGetOnlineUsers,
		Payload: event.OnlineUsersPayload{UserIDs: p.Snapshot()},
	}
	for _, h := range p.reg.Handles() {
		h.Send(out)
	}
}

func (p *Publisher) broadcastExcept(userID string, out event.Outgoing) {
	for _, h := range p.reg.Handles() {
		if h.UserID() == userID {
			continue
		}
		h.Send(out)
	}
}

// persist is fire-and-forget: a store failure must not prevent the user from
// being treated as online/offline in memory.
func (p *Publisher) persist(userID string, online bool) {
	now := time.Now().UTC()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := p.users.SetPresence(ctx, userID, online, now); err != nil {
			logger.Errorf("presence: persist user=%s online=%v: %v", userID, online, err)
		}
		if p.cache == nil {
			return
		}
		var err error
		if online {
			err = p.cache.SetOnline(ctx, userID, now)
		} else {
			err = p.cache.SetOffline(ctx, userID, now)
		}
		if err != nil {
			logger.Errorf("presence: cache user=%s online=%v: %v", userID, online, err)
		}
	}()
}
