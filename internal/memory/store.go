// Package memory holds durable session facts between intent runs and the
// projector that derives those facts from successful tool outputs.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"OpenMCP-Intent/internal/session"
)

const defaultKeyPrefix = "openmcp:memory:"

// Store 以会话为单位保存记忆事实。
type Store interface {
	Load(ctx context.Context, sessionID string) (map[string]any, error)
	Remember(ctx context.Context, sessionID, key string, value any) error
}

// ForSession 将 Store 绑定到单个会话，供 session.Context.Memory 使用。
func ForSession(store Store, sessionID string) session.Memory {
	if store == nil {
		return nil
	}
	return session.MemoryFunc(func(ctx context.Context, key string, value any) error {
		return store.Remember(ctx, sessionID, key, value)
	})
}

// InMemoryStore 是进程内实现。写入时对值做 JSON 规范化，
// 使读取结果与 Redis 实现保持一致。
type InMemoryStore struct {
	mu    sync.RWMutex
	facts map[string]map[string]any
}

// NewInMemoryStore 创建进程内记忆存储。
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{facts: make(map[string]map[string]any)}
}

// Load 返回会话事实的副本。
func (s *InMemoryStore) Load(_ context.Context, sessionID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.facts[sessionID]))
	for k, v := range s.facts[sessionID] {
		out[k] = v
	}
	return out, nil
}

// Remember 写入单条事实。
func (s *InMemoryStore) Remember(_ context.Context, sessionID, key string, value any) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("记忆 key 不能为空")
	}
	normalized, err := normalize(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	facts, ok := s.facts[sessionID]
	if !ok {
		facts = make(map[string]any)
		s.facts[sessionID] = facts
	}
	facts[key] = normalized
	return nil
}

// RedisStore 将每个会话保存为一个 Hash，字段值为 JSON。
type RedisStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisStore 创建基于 Redis 的记忆存储。ttl 为 0 时不设置过期。
func NewRedisStore(client redis.Cmdable, prefix string, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("未提供 Redis 客户端")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}, nil
}

// Load 读取会话的全部事实。
func (s *RedisStore) Load(ctx context.Context, sessionID string) (map[string]any, error) {
	raw, err := s.client.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取会话记忆失败: %w", err)
	}
	out := make(map[string]any, len(raw))
	for field, payload := range raw {
		var v any
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			// 非 JSON 旧数据按字符串返回
			out[field] = payload
			continue
		}
		out[field] = v
	}
	return out, nil
}

// Remember 写入单条事实并刷新过期时间。
func (s *RedisStore) Remember(ctx context.Context, sessionID, key string, value any) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("记忆 key 不能为空")
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("序列化记忆失败: %w", err)
	}
	redisKey := s.key(sessionID)
	if err := s.client.HSet(ctx, redisKey, key, payload).Err(); err != nil {
		return fmt.Errorf("写入会话记忆失败: %w", err)
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, redisKey, s.ttl).Err(); err != nil {
			return fmt.Errorf("设置记忆过期失败: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) key(sessionID string) string {
	if sessionID == "" {
		sessionID = "anonymous"
	}
	return s.prefix + sessionID
}

func normalize(value any) (any, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("序列化记忆失败: %w", err)
	}
	var out any
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("解析记忆失败: %w", err)
	}
	return out, nil
}
