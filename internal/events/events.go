// Package events is the ordered side channel through which a run reports its
// lifecycle. The Emitter sits between the orchestration loop and a
// caller-supplied Sink: sink errors and panics are caught and logged there and
// never reach the loop.
package events

import (
	"context"
	"time"
)

// Kind identifies an event within one run.
type Kind string

const (
	// KindThinking signals the start of a loop iteration.
	// Data: iteration.
	KindThinking Kind = "thinking"
	// KindAskStart opens a block of optimistic streamed text.
	KindAskStart Kind = "ask_start"
	// KindAskDelta carries one streamed text fragment.
	// Data: text.
	KindAskDelta Kind = "ask_delta"
	// KindAskRetract voids every ask_delta since the matching ask_start.
	KindAskRetract Kind = "ask_retract"
	// KindAsk carries the final answer text.
	// Data: message.
	KindAsk Kind = "ask"
	// KindThinkingDelta carries retracted text kept as reasoning.
	// Data: text.
	KindThinkingDelta Kind = "thinking_delta"
	// KindToolCall signals that a tool is about to run.
	// Data: tool, input, call_id.
	KindToolCall Kind = "tool_call"
	// KindToolRetry signals a transient-failure retry.
	// Data: tool, attempt.
	KindToolRetry Kind = "tool_retry"
	// KindToolResult carries a successful tool output.
	// Data: tool, output, call_id.
	KindToolResult Kind = "tool_result"
	// KindToolError carries a failed or blocked tool call.
	// Data: tool, error, retriesUsed, recovery.
	KindToolError Kind = "tool_error"
	// KindRecoveryAttempt reports the per-category failure count.
	// Data: category, attempt.
	KindRecoveryAttempt Kind = "recovery_attempt"
	// KindTxMessage reports a transaction reference found in a tool output.
	// Data: txHash, blockNumber, message.
	KindTxMessage Kind = "tx_message"
	// KindError reports a completion-service failure.
	// Data: message.
	KindError Kind = "error"
	// KindDone is emitted exactly once per run.
	// Data: result.
	KindDone Kind = "done"
)

// Event is one entry of the ordered per-run log.
type Event struct {
	RunID     string         `json:"run_id,omitempty"`
	Seq       int            `json:"seq"`
	Kind      Kind           `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// Sink receives events. Implementations may fail or block; the Emitter
// shields the run from both failure modes except blocking.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })
