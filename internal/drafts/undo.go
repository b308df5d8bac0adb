package drafts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	undoKeyPrefix    = "careline:draft_undo:"
	defaultUndoDepth = 10
	undoTTL          = 24 * time.Hour
)

// UndoStack keeps prior draft texts per (conversation, therapist) session.
// It is bounded: pushing past the depth drops the oldest entry.
type UndoStack interface {
	Push(ctx context.Context, conversationID int64, therapistID, text string) error
	Pop(ctx context.Context, conversationID int64, therapistID string) (string, bool, error)
	Depth(ctx context.Context, conversationID int64, therapistID string) (int, error)
	Clear(ctx context.Context, conversationID int64, therapistID string) error
}

func undoKey(conversationID int64, therapistID string) string {
	return undoKeyPrefix + strconv.FormatInt(conversationID, 10) + ":" + therapistID
}

// RedisUndoStack stores the stack as a Redis list, newest first.
type RedisUndoStack struct {
	redis *redis.Client
	depth int64
	ttl   time.Duration
}

func NewRedisUndoStack(client *redis.Client, depth int) *RedisUndoStack {
	if client == nil {
		return nil
	}
	if depth <= 0 {
		depth = defaultUndoDepth
	}
	return &RedisUndoStack{redis: client, depth: int64(depth), ttl: undoTTL}
}

func (s *RedisUndoStack) Push(ctx context.Context, conversationID int64, therapistID, text string) error {
	key := undoKey(conversationID, therapistID)
	pipe := s.redis.TxPipeline()
	pipe.LPush(ctx, key, text)
	pipe.LTrim(ctx, key, 0, s.depth-1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("drafts: push undo: %w", err)
	}
	return nil
}

func (s *RedisUndoStack) Pop(ctx context.Context, conversationID int64, therapistID string) (string, bool, error) {
	text, err := s.redis.LPop(ctx, undoKey(conversationID, therapistID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("drafts: pop undo: %w", err)
	}
	return text, true, nil
}

func (s *RedisUndoStack) Depth(ctx context.Context, conversationID int64, therapistID string) (int, error) {
	n, err := s.redis.LLen(ctx, undoKey(conversationID, therapistID)).Result()
	if err != nil {
		return 0, fmt.Errorf("drafts: undo depth: %w", err)
	}
	return int(n), nil
}

func (s *RedisUndoStack) Clear(ctx context.Context, conversationID int64, therapistID string) error {
	if err := s.redis.Del(ctx, undoKey(conversationID, therapistID)).Err(); err != nil {
		return fmt.Errorf("drafts: clear undo: %w", err)
	}
	return nil
}

// MemoryUndoStack is an in-process UndoStack.
type MemoryUndoStack struct {
	mu     sync.Mutex
	depth  int
	stacks map[string][]string
}

func NewMemoryUndoStack(depth int) *MemoryUndoStack {
	if depth <= 0 {
		depth = defaultUndoDepth
	}
	return &MemoryUndoStack{depth: depth, stacks: make(map[string][]string)}
}

func (s *MemoryUndoStack) Push(_ context.Context, conversationID int64, therapistID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := undoKey(conversationID, therapistID)
	stack := append(s.stacks[key], text)
	if len(stack) > s.depth {
		stack = stack[len(stack)-s.depth:]
	}
	s.stacks[key] = stack
	return nil
}

func (s *MemoryUndoStack) Pop(_ context.Context, conversationID int64, therapistID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := undoKey(conversationID, therapistID)
	stack := s.stacks[key]
	if len(stack) == 0 {
		return "", false, nil
	}
	text := stack[len(stack)-1]
	s.stacks[key] = stack[:len(stack)-1]
	return text, true, nil
}

func (s *MemoryUndoStack) Depth(_ context.Context, conversationID int64, therapistID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stacks[undoKey(conversationID, therapistID)]), nil
}

func (s *MemoryUndoStack) Clear(_ context.Context, conversationID int64, therapistID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stacks, undoKey(conversationID, therapistID))
	return nil
}

var (
	_ UndoStack = (*RedisUndoStack)(nil)
	_ UndoStack = (*MemoryUndoStack)(nil)
)
