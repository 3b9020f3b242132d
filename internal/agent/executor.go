package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"OpenMCP-Intent/internal/events"
	"OpenMCP-Intent/internal/llm"
	"OpenMCP-Intent/internal/session"
	"OpenMCP-Intent/internal/tools"
)

// outcome 是一次工具执行（含本地重试）的结果。
type outcome struct {
	result      any
	err         error
	retriesUsed int
	// invoked 表示处理器至少被调用过一次
	invoked bool
}

var transientStatus = regexp.MustCompile(`\b(429|502|503|504)\b`)

var transientMarkers = []string{
	"timeout", "timed out", "etimedout", "deadline exceeded",
	"connection reset", "econnreset", "connection refused", "econnrefused",
	"rate limit", "too many requests", "network", "temporary", "temporarily",
	"socket hang up",
}

// isTransient 判断错误是否值得在本地重试。
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	if transientStatus.MatchString(text) {
		return true
	}
	for _, marker := range transientMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// execute 调用工具处理器。参数先按 schema 校验；瞬时错误在预算内按
// base·2^attempt 退避重试，每次重试前发送 tool_retry。
func (a *Agent) execute(ctx context.Context, emit *events.Emitter, call llm.ToolCall, sctx session.Context) outcome {
	tool := a.registry.Get(call.Name)
	if tool == nil || tool.Handler == nil {
		return outcome{err: &tools.ErrToolUnavailable{ToolName: call.Name}}
	}
	if err := a.registry.Validate(call.Name, call.Arguments); err != nil {
		return outcome{err: err}
	}

	for attempt := 0; ; attempt++ {
		result, err := invoke(ctx, tool.Handler, call.Arguments, sctx)
		if err == nil {
			return outcome{result: result, retriesUsed: attempt, invoked: true}
		}
		if attempt >= a.maxToolRetries || !isTransient(err) || ctx.Err() != nil {
			return outcome{err: err, retriesUsed: attempt, invoked: true}
		}
		emit.Emit(ctx, events.KindToolRetry, map[string]any{
			"tool":    call.Name,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
		if sleepErr := a.sleep(ctx, backoff(a.toolRetryBaseDelay, attempt)); sleepErr != nil {
			return outcome{err: err, retriesUsed: attempt, invoked: true}
		}
	}
}

func backoff(base time.Duration, attempt int) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	return base * time.Duration(1<<attempt)
}

func invoke(ctx context.Context, handler tools.Handler, args map[string]any, sctx session.Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	if args == nil {
		args = map[string]any{}
	}
	return handler(ctx, args, sctx)
}
