package memory

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"OpenMCP-Intent/internal/session"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newSession(store Store) session.Context {
	return session.Context{SessionID: "s1", Wallet: "0xWALLET", Memory: ForSession(store, "s1")}
}

func pendingOf(t *testing.T, store Store) []any {
	t.Helper()
	facts, err := store.Load(context.Background(), "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	list, _ := facts[KeyPendingOperations].([]any)
	return list
}

func TestProjectorCoalescesQuotes(t *testing.T) {
	store := NewInMemoryStore()
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	p := NewProjector(WithClock(c.now))
	sctx := newSession(store)
	ctx := context.Background()

	p.Project(ctx, "get_swap_quote", map[string]any{"out": "0.03"}, map[string]any{"from_token": "USDC", "to_token": "ETH", "amount": "100"}, sctx)
	c.t = c.t.Add(5 * time.Second)
	p.Project(ctx, "get_swap_quote", map[string]any{"out": "1.2"}, map[string]any{"from_token": "USDC", "to_token": "BTC", "amount": "50"}, sctx)
	c.t = c.t.Add(5 * time.Second)
	p.Project(ctx, "get_swap_quote", map[string]any{"out": "0.031"}, map[string]any{"from_token": "usdc", "to_token": "eth", "amount": "100"}, sctx)

	if got := len(pendingOf(t, store)); got != 2 {
		t.Fatalf("expected 2 pending operations (same pair+amount replaced), got %d", got)
	}
	last := p.Pending()[1]
	if last.ToToken != "eth" || last.Quote.(map[string]any)["out"] != "0.031" {
		t.Fatalf("latest quote should be last: %+v", last)
	}
}

func TestProjectorStaleListIsReplaced(t *testing.T) {
	store := NewInMemoryStore()
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	p := NewProjector(WithClock(c.now), WithStaleness(30*time.Second))
	sctx := newSession(store)

	p.Project(context.Background(), "get_swap_quote", "q1", map[string]any{"from_token": "USDC", "to_token": "ETH", "amount": "100"}, sctx)
	c.t = c.t.Add(31 * time.Second)
	p.Project(context.Background(), "get_swap_quote", "q2", map[string]any{"from_token": "DAI", "to_token": "ETH", "amount": "10"}, sctx)

	pending := p.Pending()
	if len(pending) != 1 || pending[0].FromToken != "DAI" {
		t.Fatalf("stale list should be replaced, got %+v", pending)
	}
}

func TestProjectorSeedsFromSnapshot(t *testing.T) {
	store := NewInMemoryStore()
	created := time.Unix(1_700_000_000, 0).UTC()
	sctx := newSession(store)
	sctx.MemoryFacts = map[string]any{
		KeyPendingOperations: []any{
			map[string]any{"tool": "get_swap_quote", "from_token": "USDC", "to_token": "ETH", "amount": "100", "created_at": created.Format(time.RFC3339)},
		},
	}
	c := &clock{t: created.Add(10 * time.Second)}
	p := NewProjector(WithClock(c.now))

	p.Project(context.Background(), "execute_swap", map[string]any{"tx_hash": "0xabc"}, map[string]any{"from_token": "USDC", "to_token": "ETH", "amount": "100"}, sctx)

	if len(p.Pending()) != 0 {
		t.Fatalf("executed swap should be removed from pending list: %+v", p.Pending())
	}
	facts, _ := store.Load(context.Background(), "s1")
	last, ok := facts[KeyLastExecuted].(map[string]any)
	if !ok || last["tool"] != "execute_swap" {
		t.Fatalf("expected last_executed fact, got %#v", facts[KeyLastExecuted])
	}
	if list, ok := facts[KeyPendingOperations].([]any); !ok || len(list) != 0 {
		t.Fatalf("expected empty pending list to be written, got %#v", facts[KeyPendingOperations])
	}
}

func TestProjectorFactsPerTool(t *testing.T) {
	store := NewInMemoryStore()
	p := NewProjector()
	sctx := newSession(store)
	ctx := context.Background()

	p.Project(ctx, "transfer_funds", "sent", map[string]any{"to": "0xAAA", "amount": "5"}, sctx)
	p.Project(ctx, "pay_x402", map[string]any{"receipt": "r1"}, map[string]any{"url": "https://api"}, sctx)
	p.Project(ctx, "get_balance", map[string]any{"USDC": "120"}, nil, sctx)
	p.Project(ctx, "get_portfolio", map[string]any{"total": "400"}, nil, sctx)
	p.Project(ctx, "get_price", "3000", map[string]any{"token": "ETH"}, sctx)

	facts, _ := store.Load(ctx, "s1")
	if facts[KeyLastExecuted].(map[string]any)["tool"] != "transfer_funds" {
		t.Fatalf("unexpected last_executed: %#v", facts[KeyLastExecuted])
	}
	if facts[KeyLastPayment].(map[string]any)["tool"] != "pay_x402" {
		t.Fatalf("unexpected last_payment: %#v", facts[KeyLastPayment])
	}
	snapshot := facts[KeyBalanceSnapshot].(map[string]any)
	if snapshot["tool"] != "get_portfolio" || snapshot["wallet"] != "0xWALLET" {
		t.Fatalf("balance snapshot should be overwritten by latest query: %#v", snapshot)
	}
	if len(facts) != 3 {
		t.Fatalf("tools without a rule must not write facts: %#v", facts)
	}
}

func TestProjectorSwallowsWriteErrors(t *testing.T) {
	calls := 0
	sctx := session.Context{Memory: session.MemoryFunc(func(context.Context, string, any) error {
		calls++
		return errors.New("redis down")
	})}
	p := NewProjector()
	p.Project(context.Background(), "get_balance", "1", nil, sctx)
	if calls != 1 {
		t.Fatalf("expected one write attempt, got %d", calls)
	}

	// 没有记忆存储时直接跳过
	p.Project(context.Background(), "get_balance", "1", nil, session.Context{})
}

func TestInMemoryStoreRejectsEmptyKey(t *testing.T) {
	if err := NewInMemoryStore().Remember(context.Background(), "s", " ", 1); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

// TestRedisStoreRoundTrip 需要可用的 Redis，通过 OPENMCP_TEST_REDIS 指定地址。
func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("OPENMCP_TEST_REDIS")
	if addr == "" {
		t.Skip("OPENMCP_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	store, err := NewRedisStore(client, "openmcp:test:memory:"+time.Now().Format("150405.000000")+":", time.Minute)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if err := store.Remember(ctx, "s1", KeyBalanceSnapshot, map[string]any{"USDC": "10"}); err != nil {
		t.Fatalf("remember: %v", err)
	}
	facts, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if facts[KeyBalanceSnapshot].(map[string]any)["USDC"] != "10" {
		t.Fatalf("unexpected facts: %#v", facts)
	}
}
