package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"OpenMCP-Intent/internal/session"
	"OpenMCP-Intent/pkg/logger"
)

// Fact keys written by the projector.
const (
	KeyPendingOperations = "pending_operations"
	KeyLastExecuted      = "last_executed"
	KeyLastPayment       = "last_payment"
	KeyBalanceSnapshot   = "balance_snapshot"
)

// DefaultStaleness is how old the newest pending quote may be before a new
// quote replaces the whole list instead of joining it.
const DefaultStaleness = 30 * time.Second

// PendingOperation is a quoted swap that has not been executed yet.
type PendingOperation struct {
	Tool      string    `json:"tool"`
	FromToken string    `json:"from_token,omitempty"`
	ToToken   string    `json:"to_token,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Quote     any       `json:"quote,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (p PendingOperation) samePair(other PendingOperation) bool {
	return strings.EqualFold(p.FromToken, other.FromToken) && strings.EqualFold(p.ToToken, other.ToToken)
}

func (p PendingOperation) sameOperation(other PendingOperation) bool {
	return p.samePair(other) && p.Amount == other.Amount
}

// Projector writes a curated subset of successful tool outputs to session
// memory. One projector serves one run: it starts from the run-start
// snapshot and keeps its own working copy of the pending list, never reading
// the store back.
type Projector struct {
	log       *slog.Logger
	staleness time.Duration
	now       func() time.Time

	pending []PendingOperation
	seeded  bool
}

// ProjectorOption customises a Projector.
type ProjectorOption func(*Projector)

// WithStaleness overrides DefaultStaleness.
func WithStaleness(d time.Duration) ProjectorOption {
	return func(p *Projector) {
		if d > 0 {
			p.staleness = d
		}
	}
}

// WithLogger sets the logger for write failures.
func WithLogger(l *slog.Logger) ProjectorOption {
	return func(p *Projector) {
		if l != nil {
			p.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ProjectorOption {
	return func(p *Projector) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProjector creates a run-scoped projector.
func NewProjector(opts ...ProjectorOption) *Projector {
	p := &Projector{log: logger.Nop(), staleness: DefaultStaleness, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Project applies the rule registered for tool, if any. Write failures are
// logged and swallowed.
func (p *Projector) Project(ctx context.Context, tool string, result any, args map[string]any, sctx session.Context) {
	if p == nil || sctx.Memory == nil {
		return
	}
	p.seed(sctx)

	var writes []write
	switch tool {
	case "get_swap_quote":
		writes = p.quote(result, args)
	case "execute_swap":
		writes = p.executeSwap(result, args)
	case "transfer_funds":
		writes = []write{{KeyLastExecuted, p.record(tool, result, args)}}
	case "pay_x402":
		writes = []write{{KeyLastPayment, p.record(tool, result, args)}}
	case "get_balance", "get_portfolio":
		writes = []write{{KeyBalanceSnapshot, map[string]any{
			"tool":       tool,
			"wallet":     sctx.Wallet,
			"data":       result,
			"updated_at": p.now().UTC(),
		}}}
	default:
		return
	}

	for _, w := range writes {
		if err := sctx.Memory.Remember(ctx, w.key, w.value); err != nil {
			p.log.Warn("session memory write failed",
				slog.String("tool", tool),
				slog.String("key", w.key),
				slog.String("session_id", sctx.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Pending returns the projector's working copy of the pending list.
func (p *Projector) Pending() []PendingOperation {
	out := make([]PendingOperation, len(p.pending))
	copy(out, p.pending)
	return out
}

type write struct {
	key   string
	value any
}

func (p *Projector) quote(result any, args map[string]any) []write {
	op := operationFrom("get_swap_quote", args)
	op.Quote = result
	op.CreatedAt = p.now().UTC()

	if newest, ok := p.newest(); ok && op.CreatedAt.Sub(newest) > p.staleness {
		p.pending = []PendingOperation{op}
	} else {
		kept := p.pending[:0]
		for _, existing := range p.pending {
			if !existing.sameOperation(op) {
				kept = append(kept, existing)
			}
		}
		p.pending = append(kept, op)
	}
	return []write{{KeyPendingOperations, p.Pending()}}
}

func (p *Projector) executeSwap(result any, args map[string]any) []write {
	executed := operationFrom("execute_swap", args)
	idx := -1
	for i, existing := range p.pending {
		if existing.sameOperation(executed) {
			idx = i
			break
		}
	}
	if idx < 0 {
		for i, existing := range p.pending {
			if existing.samePair(executed) {
				idx = i
				break
			}
		}
	}
	writes := make([]write, 0, 2)
	if idx >= 0 {
		p.pending = append(p.pending[:idx], p.pending[idx+1:]...)
		writes = append(writes, write{KeyPendingOperations, p.Pending()})
	}
	return append(writes, write{KeyLastExecuted, p.record("execute_swap", result, args)})
}

func (p *Projector) record(tool string, result any, args map[string]any) map[string]any {
	return map[string]any{
		"tool":        tool,
		"arguments":   args,
		"result":      result,
		"executed_at": p.now().UTC(),
	}
}

func (p *Projector) newest() (time.Time, bool) {
	var newest time.Time
	for _, op := range p.pending {
		if op.CreatedAt.After(newest) {
			newest = op.CreatedAt
		}
	}
	return newest, len(p.pending) > 0
}

// seed copies the pending list out of the run-start snapshot once.
func (p *Projector) seed(sctx session.Context) {
	if p.seeded {
		return
	}
	p.seeded = true
	raw, ok := sctx.Fact(KeyPendingOperations)
	if !ok || raw == nil {
		return
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return
	}
	var ops []PendingOperation
	if err := json.Unmarshal(payload, &ops); err != nil {
		p.log.Debug("ignore malformed pending operations", slog.String("error", err.Error()))
		return
	}
	p.pending = ops
}

func operationFrom(tool string, args map[string]any) PendingOperation {
	return PendingOperation{
		Tool:      tool,
		FromToken: stringArg(args, "from_token", "fromToken", "token_in", "tokenIn", "sell_token"),
		ToToken:   stringArg(args, "to_token", "toToken", "token_out", "tokenOut", "buy_token"),
		Amount:    stringArg(args, "amount", "amount_in", "amountIn"),
	}
}

func stringArg(args map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := args[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			return strings.TrimSpace(t)
		case json.Number:
			return t.String()
		default:
			payload, err := json.Marshal(t)
			if err == nil {
				return string(payload)
			}
		}
	}
	return ""
}
