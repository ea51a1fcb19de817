package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/docroute/model"
)

// sentTTL bounds how long a delivered notification ID is remembered for
// deduplication.
const sentTTL = 24 * time.Hour

// RedisNotifier publishes notifications on a per-user channel and keeps a
// capped per-user inbox list.
//
// Keys:
//
//	{prefix}:user:{id}        pub/sub channel
//	{prefix}:inbox:{id}       list, newest first
//	{prefix}:sent:{notif id}  delivery marker
type RedisNotifier struct {
	client     redis.Cmdable
	prefix     string
	inboxLimit int64
}

// NewRedisNotifier creates a Redis-backed notifier. inboxLimit caps each
// user's inbox; zero or less keeps everything.
func NewRedisNotifier(client redis.Cmdable, prefix string, inboxLimit int64) *RedisNotifier {
	return &RedisNotifier{client: client, prefix: prefix, inboxLimit: inboxLimit}
}

// Channel returns the pub/sub channel for a user.
func (n *RedisNotifier) Channel(userID string) string {
	return fmt.Sprintf("%s:user:%s", n.prefix, userID)
}

func (n *RedisNotifier) inboxKey(userID string) string {
	return fmt.Sprintf("%s:inbox:%s", n.prefix, userID)
}

func (n *RedisNotifier) sentKey(id string) string {
	return fmt.Sprintf("%s:sent:%s", n.prefix, id)
}

// Notify pushes the notification to the user's inbox and channel. A
// notification whose ID was already delivered is ignored.
func (n *RedisNotifier) Notify(ctx context.Context, note model.Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	fresh, err := n.client.SetNX(ctx, n.sentKey(note.ID), 1, sentTTL).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %q: %w", n.sentKey(note.ID), err)
	}
	if !fresh {
		return nil
	}

	inbox := n.inboxKey(note.UserID)
	_, err = n.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, inbox, data)
		if n.inboxLimit > 0 {
			pipe.LTrim(ctx, inbox, 0, n.inboxLimit-1)
		}
		pipe.Publish(ctx, n.Channel(note.UserID), data)
		return nil
	})
	if err != nil {
		// Forget the marker so a retry can deliver.
		n.client.Del(ctx, n.sentKey(note.ID))
		return fmt.Errorf("redis deliver notification %q: %w", note.ID, err)
	}
	return nil
}

// Inbox returns up to limit of the user's notifications, newest first. A
// limit of zero or less returns the whole inbox.
func (n *RedisNotifier) Inbox(ctx context.Context, userID string, limit int64) ([]model.Notification, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = limit - 1
	}
	raw, err := n.client.LRange(ctx, n.inboxKey(userID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %q: %w", n.inboxKey(userID), err)
	}
	result := make([]model.Notification, 0, len(raw))
	for _, r := range raw {
		var note model.Notification
		if err := json.Unmarshal([]byte(r), &note); err != nil {
			return nil, fmt.Errorf("unmarshal notification: %w", err)
		}
		result = append(result, note)
	}
	return result, nil
}

// HealthCheck implements observability.HealthChecker.
func (n *RedisNotifier) HealthCheck(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}
