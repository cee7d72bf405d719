package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	onlineSetKey    = "presence:online"
	lastSeenHashKey = "presence:last_seen"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Raw exposes the underlying client for packages that keep their own keys
// (push subscriptions).
func (c *Client) Raw() *redis.Client {
	return c.cli
}

func (c *Client) SetOnline(ctx context.Context, userID string, lastSeen time.Time) error {
	pipe := c.cli.TxPipeline()
	pipe.SAdd(ctx, onlineSetKey, userID)
	pipe.HSet(ctx, lastSeenHashKey, userID, lastSeen.UTC().Format(time.RFC3339Nano))
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Client) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	pipe := c.cli.TxPipeline()
	pipe.SRem(ctx, onlineSetKey, userID)
	pipe.HSet(ctx, lastSeenHashKey, userID, lastSeen.UTC().Format(time.RFC3339Nano))
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Client) OnlineUsers(ctx context.Context) ([]string, error) {
	return c.cli.SMembers(ctx, onlineSetKey).Result()
}

func (c *Client) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	val, err := c.cli.HGet(ctx, lastSeenHashKey, userID).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, val)
}

// Reset clears cached presence, used at startup so a crashed process does not
// leave ghosts in the online set.
func (c *Client) Reset(ctx context.Context) error {
	return c.cli.Del(ctx, onlineSetKey).Err()
}
