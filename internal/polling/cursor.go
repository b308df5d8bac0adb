package polling

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	cursorKeyPrefix = "careline:latest:"
	cursorTTL       = 24 * time.Hour
)

// Cursor caches the latest message id per conversation so phase-one polls
// usually skip the database.
type Cursor interface {
	// Latest returns the cached id and whether it was present.
	Latest(ctx context.Context, conversationID int64) (int64, bool, error)
	// Advance raises the cached id; lower ids are ignored.
	Advance(ctx context.Context, conversationID, messageID int64) error
	// Invalidate drops the cached id so the next read goes to the store.
	Invalidate(ctx context.Context, conversationID int64) error
}

// advanceScript sets the key only when the new id is greater, so concurrent
// writers can never move the cursor backwards.
var advanceScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local candidate = tonumber(ARGV[1])
if candidate > current then
	redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
	return 1
end
redis.call("EXPIRE", KEYS[1], ARGV[2])
return 0
`)

// RedisCursor is a Cursor backed by Redis.
type RedisCursor struct {
	redis  *redis.Client
	tracer trace.Tracer
	ttl    time.Duration
}

func NewRedisCursor(client *redis.Client) *RedisCursor {
	if client == nil {
		return nil
	}
	return &RedisCursor{
		redis:  client,
		tracer: otel.Tracer("careline/polling"),
		ttl:    cursorTTL,
	}
}

func cursorKey(conversationID int64) string {
	return cursorKeyPrefix + strconv.FormatInt(conversationID, 10)
}

func (c *RedisCursor) Latest(ctx context.Context, conversationID int64) (int64, bool, error) {
	if c == nil || c.redis == nil {
		return 0, false, nil
	}
	ctx, span := c.tracer.Start(ctx, "polling.cursor.latest")
	defer span.End()

	raw, err := c.redis.Get(ctx, cursorKey(conversationID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return 0, false, fmt.Errorf("polling: read cursor: %w", err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("polling: parse cursor %q: %w", raw, err)
	}
	return id, true, nil
}

func (c *RedisCursor) Advance(ctx context.Context, conversationID, messageID int64) error {
	if c == nil || c.redis == nil || messageID <= 0 {
		return nil
	}
	ctx, span := c.tracer.Start(ctx, "polling.cursor.advance")
	defer span.End()

	keys := []string{cursorKey(conversationID)}
	if err := advanceScript.Run(ctx, c.redis, keys, messageID, int(c.ttl.Seconds())).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("polling: advance cursor: %w", err)
	}
	return nil
}

func (c *RedisCursor) Invalidate(ctx context.Context, conversationID int64) error {
	if c == nil || c.redis == nil {
		return nil
	}
	ctx, span := c.tracer.Start(ctx, "polling.cursor.invalidate")
	defer span.End()

	if err := c.redis.Del(ctx, cursorKey(conversationID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("polling: invalidate cursor: %w", err)
	}
	return nil
}

var _ Cursor = (*RedisCursor)(nil)
