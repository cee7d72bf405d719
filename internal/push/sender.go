// Package push delivers Web Push notifications to recipients without a live
// connection. Subscriptions live in Redis (per-user list, capped and expiring)
// so a restart does not lose them.
package push

import (
	"context"
	"encoding/json"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/redis/go-redis/v9"

	"github.com/chatrelay/internal/logger"
)

const (
	redisKeyPrefix  = "push:subs:"
	maxSubsPerUser  = 10
	subscriptionTTL = 30 * 24 * time.Hour
)

// Subscription is the browser-side push subscription.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Sender sends Web Push notifications. A nil redis client or missing VAPID
// keys turn every method into a no-op: push is optional, delivery never
// depends on it.
type Sender struct {
	rdb   *redis.Client
	vapid *webpush.Options
	pub   string
}

func NewSender(rdb *redis.Client, keys *VAPIDKeys) *Sender {
	s := &Sender{rdb: rdb}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		s.pub = keys.PublicKey
		s.vapid = &webpush.Options{
			Subscriber:      "chatrelay-push",
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return s
}

// PublicKey returns the VAPID public key clients subscribe with, or "" when
// push is disabled.
func (s *Sender) PublicKey() string { return s.pub }

func (s *Sender) Enabled() bool { return s.rdb != nil && s.vapid != nil }

// Subscribe stores a browser subscription for the user.
func (s *Sender) Subscribe(ctx context.Context, userID string, sub Subscription) error {
	if s.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	key := redisKeyPrefix + userID
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -maxSubsPerUser, -1)
	pipe.Expire(ctx, key, subscriptionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Unsubscribe removes the subscription with the given endpoint.
func (s *Sender) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	if s.rdb == nil {
		return nil
	}
	return s.removeSubscription(ctx, userID, endpoint)
}

// Notify sends a push to every subscription of the user. Dead endpoints
// (404/410 from the push service) are pruned along the way.
func (s *Sender) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if !s.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	subs, err := s.subscriptions(ctx, userID)
	if err != nil {
		logger.Errorf("push notify user=%s: %v", userID, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, _ := json.Marshal(map[string]any{"title": title, "body": body, "data": data})
	for i := range subs {
		sub := &subs[i]
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, s.vapid)
		if err != nil {
			logger.Errorf("push send user=%s: %v", userID, err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == 410 || resp.StatusCode == 404 {
			if err := s.removeSubscription(ctx, userID, sub.Endpoint); err != nil {
				logger.Errorf("push prune user=%s: %v", userID, err)
			}
		}
	}
}

func (s *Sender) subscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	list, err := s.rdb.LRange(ctx, redisKeyPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	subs := make([]Subscription, 0, len(list))
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != "" {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

func (s *Sender) removeSubscription(ctx context.Context, userID, endpoint string) error {
	key := redisKeyPrefix + userID
	list, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	var kept []string
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != endpoint {
			kept = append(kept, item)
		}
	}
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, key)
	if len(kept) > 0 {
		pipe.RPush(ctx, key, toAny(kept)...)
		pipe.Expire(ctx, key, subscriptionTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
