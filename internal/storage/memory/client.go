package memory

import (
	"context"
	"sync"
	"time"
)

// Client is an in-process PresenceCache for -dev runs without Redis.
type Client struct {
	mu       sync.RWMutex
	online   map[string]struct{}
	lastSeen map[string]time.Time
}

func New() *Client {
	return &Client{
		online:   make(map[string]struct{}),
		lastSeen: make(map[string]time.Time),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetOnline(ctx context.Context, userID string, lastSeen time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online[userID] = struct{}{}
	c.lastSeen[userID] = lastSeen
	return nil
}

func (c *Client) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.online, userID)
	c.lastSeen[userID] = lastSeen
	return nil
}

func (c *Client) OnlineUsers(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.online))
	for uid := range c.online {
		out = append(out, uid)
	}
	return out, nil
}

func (c *Client) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen[userID], nil
}

func (c *Client) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = make(map[string]struct{})
	return nil
}
