package recovery

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		text string
		want Category
	}{
		{"Enforcer: transfer-amount-exceeded", CategoryDelegation},
		{"ERC20: transfer amount exceeds allowance", CategoryPermission},
		{"ERC20: insufficient allowance", CategoryPermission},
		{"Enforcer: allowance exceeded for period", CategoryDelegation},
		{"delegation: insufficient allowance remaining", CategoryDelegation},
		{"caveat violated: ERC20PeriodTransferEnforcer", CategoryDelegation},
		{"insufficient balance to cover amount", CategoryInsufficientBalance},
		{"Insufficient funds for gas * price + value", CategoryInsufficientBalance},
		{"ERC20: transfer amount exceeds balance", CategoryInsufficientBalance},
		{"panic: arithmetic overflow", CategoryArithmeticOverflow},
		{"UniswapV2Router: INSUFFICIENT_OUTPUT_AMOUNT", CategorySlippage},
		{"Too little received", CategorySlippage},
		{"execution reverted", CategoryExecution},
		{"out of gas", CategoryExecution},
		{"unknown token: FOO", CategoryInvalidToken},
		{"ETIMEDOUT", CategoryNetwork},
		{"HTTP 503: upstream unavailable", CategoryNetwork},
		{"socket hang up", CategoryNetwork},
		{"HTTP 403: forbidden", CategoryPermission},
		{"wallet not authorized", CategoryPermission},
		{"something odd happened", CategoryUnknown},
		{"", CategoryUnknown},
	}
	for _, tc := range cases {
		got := Classify(tc.text)
		if got.Category != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.text, got.Category, tc.want)
		}
		if got.Suggestion == "" || got.Action == "" {
			t.Errorf("Classify(%q) returned empty suggestion or action", tc.text)
		}
		if got.ShouldAutoDiagnose != (tc.want == CategoryDelegation) {
			t.Errorf("Classify(%q) auto-diagnose = %v", tc.text, got.ShouldAutoDiagnose)
		}
	}
}

func TestTokenApprovalIsNotDelegation(t *testing.T) {
	res := Classify("execution reverted: ERC20: transfer amount exceeds allowance")
	if res.Action != ActionApproveToken || res.ShouldAutoDiagnose {
		t.Fatalf("approval failures must not trigger delegation diagnosis: %+v", res)
	}
}

func TestSixDigitNumbersAreNotStatusCodes(t *testing.T) {
	if got := Classify("nonce 15030 rejected").Category; got == CategoryNetwork {
		t.Fatalf("embedded digits should not match HTTP status codes")
	}
}

func TestInsufficientBalanceScenario(t *testing.T) {
	table := NewAttemptTable(0)
	res := ClassifyCall("insufficient balance to cover amount", "execute_swap", map[string]any{"amount": "100"})
	if res.Category != CategoryInsufficientBalance {
		t.Fatalf("unexpected category %s", res.Category)
	}
	if n := table.Record(res.Category); n != 1 {
		t.Fatalf("expected first attempt, got %d", n)
	}
	msg := table.FollowUp(res)
	if !strings.Contains(msg, "90% of balance") {
		t.Fatalf("follow-up lacks remediation text: %s", msg)
	}
	if !strings.Contains(msg, "2 attempt(s) remaining") {
		t.Fatalf("follow-up should state the remaining budget: %s", msg)
	}
	if !strings.Contains(res.Suggestion, "asked for 100") {
		t.Fatalf("tool-specific hint missing: %s", res.Suggestion)
	}
}

func TestFollowUpDefersAtBound(t *testing.T) {
	table := NewAttemptTable(3)
	res := Classify("execution reverted")
	for i := 0; i < 3; i++ {
		table.Record(res.Category)
	}
	msg := table.FollowUp(res)
	if !strings.Contains(msg, "Stop retrying") {
		t.Fatalf("expected deferral at bound: %s", msg)
	}
	if table.Remaining(res.Category) != 0 || !table.Exhausted(res.Category) {
		t.Fatalf("table should be exhausted")
	}
}

func TestClassifyCallSwapHints(t *testing.T) {
	res := ClassifyCall("execution reverted: STF", "execute_swap", nil)
	if !strings.Contains(res.Suggestion, "get_swap_quote") {
		t.Fatalf("expected re-quote hint: %s", res.Suggestion)
	}
	res = ClassifyCall("unknown token", "get_swap_quote", map[string]any{"from": "USDX"})
	if !strings.Contains(res.Suggestion, `"USDX"`) {
		t.Fatalf("expected rejected token in hint: %s", res.Suggestion)
	}
}

// 同类错误计数单调递增，任意成功后清零。
func TestAttemptTableMonotonicAndReset(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	categories := []Category{
		CategoryDelegation, CategoryInsufficientBalance, CategoryArithmeticOverflow, CategorySlippage,
		CategoryExecution, CategoryInvalidToken, CategoryNetwork, CategoryPermission, CategoryUnknown,
	}

	// 每个元素：-1 表示一次工具成功，其余为失败类别下标。
	properties.Property("counts increase until a success resets them", prop.ForAll(
		func(steps []int) bool {
			table := NewAttemptTable(3)
			shadow := map[Category]int{}
			for _, step := range steps {
				if step < 0 {
					table.Reset()
					shadow = map[Category]int{}
					if table.Len() != 0 {
						return false
					}
					continue
				}
				cat := categories[step%len(categories)]
				before := table.Count(cat)
				after := table.Record(cat)
				shadow[cat]++
				if after != before+1 || after != shadow[cat] {
					return false
				}
			}
			for cat, n := range shadow {
				if table.Count(cat) != n {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(-1, len(categories)-1)),
	))

	properties.TestingRun(t)
}
