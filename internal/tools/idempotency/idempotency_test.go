package idempotency

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryStoreClaim(t *testing.T) {
	store := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := store.Claim(ctx, "0xWALLET", `transfer_funds:{"amount":"5","to":"0xAAA"}`, time.Minute)
	if err != nil || !first {
		t.Fatalf("first claim should win: ok=%v err=%v", first, err)
	}
	second, _ := store.Claim(ctx, "0xWALLET", `transfer_funds:{"amount":"5","to":"0xAAA"}`, time.Minute)
	if second {
		t.Fatalf("second claim within ttl should lose")
	}
	other, _ := store.Claim(ctx, "0xOTHER", `transfer_funds:{"amount":"5","to":"0xAAA"}`, time.Minute)
	if !other {
		t.Fatalf("claims are scoped per wallet")
	}

	now = now.Add(2 * time.Minute)
	again, _ := store.Claim(ctx, "0xWALLET", `transfer_funds:{"amount":"5","to":"0xAAA"}`, time.Minute)
	if !again {
		t.Fatalf("claim should be available after ttl expiry")
	}
}

func TestMemoryStoreReleaseReopensClaim(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	const key = `execute_swap:{"amount":"1","from":"ETH","to":"USDC"}`

	if ok, _ := store.Claim(ctx, "0xWALLET", key, time.Hour); !ok {
		t.Fatalf("first claim should win")
	}
	if err := store.Release(ctx, "0xOTHER", key); err != nil {
		t.Fatalf("release other scope: %v", err)
	}
	if ok, _ := store.Claim(ctx, "0xWALLET", key, time.Hour); ok {
		t.Fatalf("releasing another wallet must not free this claim")
	}
	if err := store.Release(ctx, "0xWALLET", key); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := store.Claim(ctx, "0xWALLET", key, time.Hour); !ok {
		t.Fatalf("claim should be available again after release")
	}
	if err := store.Release(ctx, "0xWALLET", "unknown"); err != nil {
		t.Fatalf("releasing a missing key is a no-op: %v", err)
	}
}

func TestRedisStoreKey(t *testing.T) {
	if _, err := NewRedisStore(nil, ""); err == nil {
		t.Fatalf("expected error without client")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	store, err := NewRedisStore(client, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key := store.redisKey("", strings.Repeat("x", 4096))
	if !strings.HasPrefix(key, defaultPrefix+"global:0x") || len(key) > 100 {
		t.Fatalf("unexpected redis key %q", key)
	}
	if store.redisKey("s", "a") == store.redisKey("s", "b") {
		t.Fatalf("distinct call keys must map to distinct redis keys")
	}
}

// TestRedisStoreClaim 需要可用的 Redis，通过 OPENMCP_TEST_REDIS 指定地址。
func TestRedisStoreClaim(t *testing.T) {
	addr := os.Getenv("OPENMCP_TEST_REDIS")
	if addr == "" {
		t.Skip("OPENMCP_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	store, _ := NewRedisStore(client, "openmcp:test:idem:"+time.Now().Format("150405.000000")+":")
	ctx := context.Background()
	first, err := store.Claim(ctx, "w", "execute_swap:{}", time.Minute)
	if err != nil || !first {
		t.Fatalf("first claim should win: ok=%v err=%v", first, err)
	}
	second, err := store.Claim(ctx, "w", "execute_swap:{}", time.Minute)
	if err != nil || second {
		t.Fatalf("second claim should lose: ok=%v err=%v", second, err)
	}
	if err := store.Release(ctx, "w", "execute_swap:{}"); err != nil {
		t.Fatalf("release: %v", err)
	}
	third, err := store.Claim(ctx, "w", "execute_swap:{}", time.Minute)
	if err != nil || !third {
		t.Fatalf("claim after release should win: ok=%v err=%v", third, err)
	}
}
