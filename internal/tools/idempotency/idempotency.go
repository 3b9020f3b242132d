// Package idempotency guards state-mutating tool calls across runs. A claim
// is keyed the same way as the in-run admission guard (tool name plus
// canonical arguments) and scoped to a wallet or session.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL    = 24 * time.Hour
	defaultPrefix = "openmcp:idem:"
)

// Store records that a call key has been executed. Claim returns true when
// the caller is the first to claim key within scope. Release drops a claim
// whose call is known to have had no effect; releasing a missing claim is
// not an error.
type Store interface {
	Claim(ctx context.Context, scope, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, scope, key string) error
}

// MemoryStore 是进程内实现，适用于单实例部署与测试。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore 创建进程内幂等存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time), now: time.Now}
}

// Claim 实现 Store 接口。
func (s *MemoryStore) Claim(_ context.Context, scope, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	id := scope + "\x00" + key
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if expires, ok := s.entries[id]; ok && now.Before(expires) {
		return false, nil
	}
	s.entries[id] = now.Add(ttl)
	return true, nil
}

// Release 实现 Store 接口。
func (s *MemoryStore) Release(_ context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, scope+"\x00"+key)
	return nil
}

// RedisStore 使用 SET NX PX 在多个实例之间共享幂等记录。
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore 创建基于 Redis 的幂等存储。
func NewRedisStore(client redis.Cmdable, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("未提供 Redis 客户端")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Claim 实现 Store 接口。
func (s *RedisStore) Claim(ctx context.Context, scope, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	ok, err := s.client.SetNX(ctx, s.redisKey(scope, key), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency store network error: %w", err)
	}
	return ok, nil
}

// Release 实现 Store 接口。
func (s *RedisStore) Release(ctx context.Context, scope, key string) error {
	if err := s.client.Del(ctx, s.redisKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("idempotency store network error: %w", err)
	}
	return nil
}

// redisKey 对调用键取 keccak 摘要，避免参数过长时产生超大 key。
func (s *RedisStore) redisKey(scope, key string) string {
	if scope == "" {
		scope = "global"
	}
	return s.prefix + scope + ":" + crypto.Keccak256Hash([]byte(key)).Hex()
}
