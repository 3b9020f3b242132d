package recovery

import (
	"fmt"
	"regexp"
	"strings"
)

// Category is the failure taxonomy used to drive conversation-level recovery.
type Category string

const (
	CategoryDelegation          Category = "DELEGATION_ERROR"
	CategoryInsufficientBalance Category = "INSUFFICIENT_BALANCE"
	CategoryArithmeticOverflow  Category = "ARITHMETIC_OVERFLOW"
	CategorySlippage            Category = "SLIPPAGE_ERROR"
	CategoryExecution           Category = "EXECUTION_ERROR"
	CategoryInvalidToken        Category = "INVALID_TOKEN"
	CategoryNetwork             Category = "NETWORK_ERROR"
	CategoryPermission          Category = "PERMISSION_ERROR"
	CategoryUnknown             Category = "UNKNOWN"
)

// Action is the machine-readable remediation tag attached to a category.
type Action string

const (
	ActionDiagnoseDelegation Action = "diagnose_delegation"
	ActionReduceAmount       Action = "reduce_amount"
	ActionNormalizeUnits     Action = "normalize_units"
	ActionAdjustSlippage     Action = "adjust_slippage"
	ActionRefreshQuote       Action = "refresh_quote"
	ActionResolveToken       Action = "resolve_token"
	ActionRetryLater         Action = "retry_later"
	ActionRequestPermission  Action = "request_permission"
	ActionApproveToken       Action = "approve_token"
	ActionAskUser            Action = "ask_user"
)

// Result is the classification of one failure.
type Result struct {
	Category           Category `json:"category"`
	Suggestion         string   `json:"suggestion"`
	Action             Action   `json:"recoveryAction"`
	ShouldAutoDiagnose bool     `json:"shouldAutoDiagnose"`
}

type rule struct {
	category   Category
	action     Action
	suggestion string
	match      func(text string) bool
}

func containsAny(needles ...string) func(string) bool {
	return func(text string) bool {
		for _, n := range needles {
			if strings.Contains(text, n) {
				return true
			}
		}
		return false
	}
}

var httpTransient = regexp.MustCompile(`\b(429|502|503|504)\b`)
var httpDenied = regexp.MustCompile(`\b(401|403)\b`)

var isDelegation = containsAny("enforcer", "delegation", "caveat", "transfer-amount-exceeded", "allowance exceeded")

// isTokenApproval matches ERC-20 allowance failures that are not raised by a delegation enforcer.
func isTokenApproval(text string) bool {
	return !isDelegation(text) &&
		containsAny("exceeds allowance", "insufficient allowance", "allowance too low", "approve first", "not approved")(text)
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{
		category:   CategoryPermission,
		action:     ActionApproveToken,
		suggestion: "The token contract has not approved the spender for this amount. Ask the user to approve the token for the router or spender (at least the requested amount), then retry.",
		match:      isTokenApproval,
	},
	{
		category:   CategoryDelegation,
		action:     ActionDiagnoseDelegation,
		suggestion: "The spending permission (delegation) rejected this action. Check the delegation's remaining allowance, period and allowed targets before retrying, or ask the user to grant a new permission.",
		match:      isDelegation,
	},
	{
		category:   CategoryInsufficientBalance,
		action:     ActionReduceAmount,
		suggestion: "The wallet does not hold enough funds. Check the balance and retry with at most 90% of balance so gas and fees are covered, or tell the user how much is available.",
		match:      containsAny("insufficient balance", "insufficient funds", "exceeds balance", "not enough balance", "balance too low"),
	},
	{
		category:   CategoryArithmeticOverflow,
		action:     ActionNormalizeUnits,
		suggestion: "The amount overflowed during calculation. Make sure the amount is given in human units (for example \"1.5\"), not already scaled by token decimals.",
		match:      containsAny("overflow", "underflow", "arithmetic", "panic code 0x11"),
	},
	{
		category:   CategorySlippage,
		action:     ActionAdjustSlippage,
		suggestion: "The price moved beyond the allowed slippage. Fetch a fresh quote and retry with a slightly higher slippage tolerance or a smaller amount.",
		match:      containsAny("slippage", "price impact", "too little received", "insufficient output amount", "insufficient_output_amount", "min return", "minimum output"),
	},
	{
		category:   CategoryExecution,
		action:     ActionRefreshQuote,
		suggestion: "The transaction reverted on-chain. Refresh the quote and confirm the route, amount and gas before trying again.",
		match:      containsAny("revert", "out of gas", "gas required exceeds", "nonce too low", "underpriced", "execution failed"),
	},
	{
		category:   CategoryInvalidToken,
		action:     ActionResolveToken,
		suggestion: "The token could not be resolved. Confirm the token symbol or contract address and the chain it lives on.",
		match:      containsAny("invalid token", "unknown token", "token not found", "unsupported token", "invalid address", "unrecognized token"),
	},
	{
		category:   CategoryNetwork,
		action:     ActionRetryLater,
		suggestion: "A network or provider problem interrupted the call. Wait briefly and retry once; if it keeps failing, tell the user the service is temporarily unavailable.",
		match:      isNetwork,
	},
	{
		category:   CategoryPermission,
		action:     ActionRequestPermission,
		suggestion: "The operation is not authorized for this wallet. Ask the user to connect the right wallet or grant the required permission.",
		match:      isPermission,
	},
}

func isNetwork(text string) bool {
	return httpTransient.MatchString(text) || containsAny(
		"timeout", "timed out", "etimedout", "econnreset", "econnrefused", "connection reset",
		"connection refused", "network", "rate limit", "too many requests", "socket hang up",
		"temporarily", "temporary", "unavailable",
	)(text)
}

func isPermission(text string) bool {
	return httpDenied.MatchString(text) ||
		containsAny("permission", "unauthorized", "forbidden", "not authorized", "access denied", "not allowed")(text)
}

var unknown = rule{
	category:   CategoryUnknown,
	action:     ActionAskUser,
	suggestion: "The failure was not recognised. Explain the error to the user in plain words and ask how they want to proceed.",
}

// Classify maps raw error text to a recovery result.
func Classify(text string) Result {
	lowered := strings.ToLower(text)
	for _, r := range rules {
		if r.match(lowered) {
			return r.result()
		}
	}
	return unknown.result()
}

// ClassifyCall classifies text and sharpens the suggestion with what the
// failing tool and its arguments reveal.
func ClassifyCall(text, tool string, args map[string]any) Result {
	res := Classify(text)
	amount := stringArg(args, "amount")

	switch res.Category {
	case CategoryInsufficientBalance:
		if amount != "" {
			res.Suggestion += fmt.Sprintf(" The failed request asked for %s.", amount)
		}
		if tool != "get_balance" {
			res.Suggestion += " Call get_balance first if the balance is not already known."
		}
	case CategorySlippage, CategoryExecution:
		if tool == "execute_swap" {
			res.Suggestion += " Call get_swap_quote again before the next execute_swap."
		}
	case CategoryInvalidToken:
		for _, key := range []string{"token", "from", "to", "symbol"} {
			if v := stringArg(args, key); v != "" {
				res.Suggestion += fmt.Sprintf(" Rejected value for %s: %q.", key, v)
				break
			}
		}
	}
	return res
}

func (r rule) result() Result {
	return Result{
		Category:           r.category,
		Suggestion:         r.suggestion,
		Action:             r.action,
		ShouldAutoDiagnose: r.category == CategoryDelegation,
	}
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
