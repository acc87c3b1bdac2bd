package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefix for cached conversation sessions.
	sessionKeyPrefix = "mealpipe:session:"
	// Default TTL for cached sessions (24 hours).
	defaultSessionTTL = 24 * time.Hour
)

// SessionCache persists conversation sessions so an orchestrator restart can
// resume in-progress conversations. Get returns (nil, nil) when the session
// is not found.
type SessionCache interface {
	Put(ctx context.Context, session *models.ConversationSession) error
	Get(ctx context.Context, conversationID string) (*models.ConversationSession, error)
	Delete(ctx context.Context, conversationID string) error
	Close() error
}

// MemorySessionCache implements SessionCache with an in-memory map.
type MemorySessionCache struct {
	mu       sync.RWMutex
	sessions map[string]*models.ConversationSession
}

// NewMemorySessionCache creates a new in-memory session cache.
func NewMemorySessionCache() *MemorySessionCache {
	return &MemorySessionCache{
		sessions: make(map[string]*models.ConversationSession),
	}
}

func (c *MemorySessionCache) Put(ctx context.Context, session *models.ConversationSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[session.ConversationID] = session
	return nil
}

func (c *MemorySessionCache) Get(ctx context.Context, conversationID string) (*models.ConversationSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	session, exists := c.sessions[conversationID]
	if !exists {
		return nil, nil
	}
	return session, nil
}

func (c *MemorySessionCache) Delete(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, conversationID)
	return nil
}

func (c *MemorySessionCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = nil
	return nil
}

// RedisSessionCache implements SessionCache on Redis with a sliding TTL.
type RedisSessionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSessionCache creates a Redis-backed session cache from an address
// like "localhost:6379". Pass ttl <= 0 for the default of 24 hours.
func NewRedisSessionCache(addr string, ttl time.Duration) (*RedisSessionCache, error) {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisSessionCache{client: client, ttl: ttl}, nil
}

func (c *RedisSessionCache) Put(ctx context.Context, session *models.ConversationSession) error {
	val, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return c.client.Set(ctx, c.key(session.ConversationID), val, c.ttl).Err()
}

func (c *RedisSessionCache) Get(ctx context.Context, conversationID string) (*models.ConversationSession, error) {
	key := c.key(conversationID)
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session from redis: %w", err)
	}

	var session models.ConversationSession
	if err := json.Unmarshal([]byte(val), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	// Refresh TTL on read so active conversations do not expire mid-flow.
	_ = c.client.Expire(ctx, key, c.ttl).Err()

	return &session, nil
}

func (c *RedisSessionCache) Delete(ctx context.Context, conversationID string) error {
	return c.client.Del(ctx, c.key(conversationID)).Err()
}

func (c *RedisSessionCache) Close() error {
	return c.client.Close()
}

func (c *RedisSessionCache) key(conversationID string) string {
	return sessionKeyPrefix + conversationID
}

var _ SessionCache = (*MemorySessionCache)(nil)
var _ SessionCache = (*RedisSessionCache)(nil)
