package storage

import (
	"context"
	"time"
)

// PresenceCache mirrors the in-memory presence view so other services (and a
// restarted process) can read online/last-seen without hitting Postgres.
// Implementations: redis.Client, memory.Client (for -dev without Redis).
// Cache writes are fire-and-forget; a failure never affects live presence.
type PresenceCache interface {
	SetOnline(ctx context.Context, userID string, lastSeen time.Time) error
	SetOffline(ctx context.Context, userID string, lastSeen time.Time) error
	OnlineUsers(ctx context.Context) ([]string, error)
	LastSeen(ctx context.Context, userID string) (time.Time, error)
	// Reset clears the online set at startup so a crashed process leaves no
	// ghosts behind.
	Reset(ctx context.Context) error
	Close() error
}
