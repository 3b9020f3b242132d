package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	xerrors "OpenMCP-Intent/internal/errors"
	"OpenMCP-Intent/internal/llm"
	"OpenMCP-Intent/internal/observability/alerting"
	"OpenMCP-Intent/internal/recovery"
	"OpenMCP-Intent/internal/session"
	"OpenMCP-Intent/internal/tools"
)

func TestAdmissionStateReadWindow(t *testing.T) {
	st := newAdmissionState(5, 2)
	seq := []string{"a", "a", "a", "b", "c", "d", "e", "a"}
	want := []admission{admitted, admitted, skipRedundant, admitted, admitted, admitted, admitted, admitted}
	for i, key := range seq {
		if got := st.admitRead(key); got != want[i] {
			t.Fatalf("call %d (%s): got %s want %s", i, key, got, want[i])
		}
	}
	if len(st.recentReads) != 5 {
		t.Fatalf("window should stay bounded, got %d entries", len(st.recentReads))
	}
}

func TestAdmissionStateWriteOnce(t *testing.T) {
	st := newAdmissionState(5, 2)
	if st.admitWrite("k") != admitted {
		t.Fatalf("first write should be admitted")
	}
	if st.admitWrite("k") != blockDuplicate {
		t.Fatalf("second write should be blocked")
	}
	st.forgetWrite("k")
	if st.admitWrite("k") != admitted {
		t.Fatalf("forgotten write should be admitted again")
	}
	st.markFailed("k")
	if st.admitWrite("k") != blockDuplicate || !st.hasFailed("k") {
		t.Fatalf("a failed write stays executed")
	}
}

func TestRunBlocksRepeatOfFailedWrite(t *testing.T) {
	swaps := &counter{}
	reg := newRegistry(t, staticTool("execute_swap", swaps, nil, fmt.Errorf("execution reverted")))
	args := map[string]any{"from_token": "USDC", "to_token": "ETH", "amount": "100"}
	client := &scriptedLLM{steps: []step{
		callsTurn(call("c1", "execute_swap", args)),
		callsTurn(call("c2", "execute_swap", args)),
		finalTurn("The swap reverted."),
	}}
	ag, _ := newTestAgent(client, reg)

	if _, err := ag.Run(context.Background(), "swap", session.Context{}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if swaps.get() != 1 {
		t.Fatalf("write must not run twice, got %d", swaps.get())
	}
	blocked := toolPayload(t, toolMessages(client.lastRequest().Messages)[1])
	if blocked["BLOCKED"] != true || !strings.Contains(blocked["message"].(string), "failed") {
		t.Fatalf("repeat of a failed write should explain the earlier failure: %#v", blocked)
	}
}

func TestIdempotencyScope(t *testing.T) {
	cases := map[string]session.Context{
		"wallet:0xME": {Wallet: "0xME", SessionID: "s1"},
		"session:s1":  {SessionID: "s1"},
		"anonymous":   {},
	}
	for want, sctx := range cases {
		if got := idempotencyScope(sctx); got != want {
			t.Fatalf("scope: got %q want %q", got, want)
		}
	}
}

// 每个生成的整数对应一次 transfer_funds 调用，金额即该整数。
func TestWriteCallsExecuteAtMostOnceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 80
	properties := gopter.NewProperties(parameters)

	properties.Property("a write call key executes at most once per run", prop.ForAll(
		func(amounts []int) bool {
			executed := map[string]int{}
			reg := newRegistry(t, &tools.Tool{
				Name: "transfer_funds",
				Handler: func(_ context.Context, args map[string]any, _ session.Context) (any, error) {
					executed[tools.CallKey("transfer_funds", args)]++
					return "sent", nil
				},
			})
			calls := make([]llm.ToolCall, 0, len(amounts))
			distinct := map[int]struct{}{}
			for i, amount := range amounts {
				calls = append(calls, call(fmt.Sprintf("c%d", i), "transfer_funds", map[string]any{"to": "0xAAA", "amount": fmt.Sprint(amount)}))
				distinct[amount] = struct{}{}
			}
			client := &scriptedLLM{steps: []step{callsTurn(calls...), finalTurn("done")}}
			ag, _ := newTestAgent(client, reg)
			result, err := ag.Run(context.Background(), "pay", session.Context{}, nil)
			if err != nil {
				return false
			}
			for _, n := range executed {
				if n != 1 {
					return false
				}
			}
			blocked := 0
			for _, r := range result.ToolResults {
				if r.Blocked {
					blocked++
				}
			}
			return len(executed) == len(distinct) && blocked == len(amounts)-len(distinct)
		},
		gen.SliceOfN(8, gen.IntRange(1, 3)),
	))

	properties.TestingRun(t)
}

func TestReadDedupBoundProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 80
	properties := gopter.NewProperties(parameters)

	properties.Property("identical reads inside the window never exceed the threshold", prop.ForAll(
		func(keys []int, window, threshold int) bool {
			st := newAdmissionState(window, threshold)
			var history []string
			for _, k := range keys {
				key := fmt.Sprintf("get_price:%d", k)
				if st.admitRead(key) == admitted {
					history = append(history, key)
				}
				// 以最近 window 次被放行的调用为窗口
				start := len(history) - window
				if start < 0 {
					start = 0
				}
				count := map[string]int{}
				for _, h := range history[start:] {
					count[h]++
					if count[h] > threshold {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 2)),
		gen.IntRange(1, 6),
		gen.IntRange(1, 3),
	))

	properties.TestingRun(t)
}

func TestEscalationMonotonicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	categories := []recovery.Category{recovery.CategorySlippage, recovery.CategoryNetwork, recovery.CategoryInvalidToken}

	// 负数表示一次工具成功
	properties.Property("same-category count strictly increases and resets on success", prop.ForAll(
		func(ops []int) bool {
			table := recovery.NewAttemptTable(3)
			expected := map[recovery.Category]int{}
			for _, op := range ops {
				if op < 0 {
					table.Reset()
					expected = map[recovery.Category]int{}
					if table.Len() != 0 {
						return false
					}
					continue
				}
				category := categories[op%len(categories)]
				before := table.Count(category)
				if got := table.Record(category); got != before+1 {
					return false
				}
				expected[category]++
				for c, n := range expected {
					if table.Count(c) != n {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(-1, 5)),
	))

	properties.TestingRun(t)
}

func TestRunResetsAttemptsOnAnySuccess(t *testing.T) {
	reg := newRegistry(t,
		staticTool("execute_swap", &counter{}, nil, fmt.Errorf("slippage tolerance exceeded")),
		staticTool("get_price", &counter{}, "3000", nil),
	)
	swap := func(id, amount string) llm.ToolCall {
		return call(id, "execute_swap", map[string]any{"amount": amount})
	}
	client := &scriptedLLM{steps: []step{
		callsTurn(swap("c1", "1"), swap("c2", "2")),
		callsTurn(call("c3", "get_price", map[string]any{"token": "ETH"})),
		callsTurn(swap("c4", "3")),
		finalTurn("gave up"),
	}}
	ag, _ := newTestAgent(client, reg)

	if _, err := ag.Run(context.Background(), "swap", session.Context{}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := toolMessages(client.lastRequest().Messages)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 tool messages, got %d", len(msgs))
	}
	second := toolPayload(t, msgs[1])["instruction"].(string)
	if want := "(1 attempt(s) remaining for SLIPPAGE_ERROR)"; !strings.Contains(second, want) {
		t.Fatalf("second failure should count 2: %q", second)
	}
	afterReset := toolPayload(t, msgs[3])["instruction"].(string)
	if want := "(2 attempt(s) remaining for SLIPPAGE_ERROR)"; !strings.Contains(afterReset, want) {
		t.Fatalf("count should restart after a success: %q", afterReset)
	}
}

func TestRunEscalatesAfterRepeatedCategory(t *testing.T) {
	reg := newRegistry(t, staticTool("execute_swap", &counter{}, nil, fmt.Errorf("execution reverted")))
	client := &scriptedLLM{steps: []step{
		callsTurn(
			call("c1", "execute_swap", map[string]any{"amount": "1"}),
			call("c2", "execute_swap", map[string]any{"amount": "2"}),
			call("c3", "execute_swap", map[string]any{"amount": "3"}),
		),
		finalTurn("I could not complete the swap."),
	}}
	alerts := &recordingAlerter{}
	ag, _ := newTestAgent(client, reg, WithAlertDispatcher(alerts))

	if _, err := ag.Run(context.Background(), "swap", session.Context{}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := toolPayload(t, toolMessages(client.lastRequest().Messages)[2])["instruction"].(string)
	if !strings.Contains(last, "Stop retrying") {
		t.Fatalf("third same-category failure should defer to the user: %q", last)
	}
	if len(alerts.events) != 1 || alerts.events[0].Severity != xerrors.SeverityCritical || alerts.events[0].Metadata["tool"] != "execute_swap" {
		t.Fatalf("expected one critical escalation alert, got %+v", alerts.events)
	}
}

type recordingAlerter struct {
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, e alerting.Event) error {
	r.events = append(r.events, e)
	return nil
}
