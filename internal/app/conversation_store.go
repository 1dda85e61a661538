package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/carrymate/delivery-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// ConversationStore persists per-user chat state between turns.
type ConversationStore interface {
	Load(ctx context.Context, userID string) (domain.Conversation, error)
	Save(ctx context.Context, conv domain.Conversation) error
}

// MemoryConversationStore keeps chat state in process.
type MemoryConversationStore struct {
	mu    sync.Mutex
	convs map[string]domain.Conversation
}

func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{convs: make(map[string]domain.Conversation)}
}

func (m *MemoryConversationStore) Load(_ context.Context, userID string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[userID]
	if !ok {
		return domain.NewConversation(userID), nil
	}
	return conv, nil
}

func (m *MemoryConversationStore) Save(_ context.Context, conv domain.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv.State == domain.ConversationIdle {
		delete(m.convs, conv.UserID)
		return nil
	}
	m.convs[conv.UserID] = conv
	return nil
}

// RedisConversationStore shares chat state across instances. Abandoned
// conversations expire after ttl.
type RedisConversationStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisConversationStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisConversationStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "delivery:conversation"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisConversationStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisConversationStore) key(userID string) string {
	return r.prefix + ":" + userID
}

func (r *RedisConversationStore) Load(ctx context.Context, userID string) (domain.Conversation, error) {
	raw, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.NewConversation(userID), nil
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	// Corrupt state restarts the flow.
	var conv domain.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return domain.NewConversation(userID), nil
	}
	if conv.UserID != userID || conv.Validate() != nil {
		return domain.NewConversation(userID), nil
	}
	return conv, nil
}

func (r *RedisConversationStore) Save(ctx context.Context, conv domain.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	if conv.State == domain.ConversationIdle {
		if err := r.client.Del(ctx, r.key(conv.UserID)).Err(); err != nil {
			return fmt.Errorf("clear conversation: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	if err := r.client.Set(ctx, r.key(conv.UserID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}
