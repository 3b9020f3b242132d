package agent

import (
	"context"
	"log/slog"

	"OpenMCP-Intent/internal/llm"
	"OpenMCP-Intent/internal/session"
)

type admission int

const (
	admitted admission = iota
	skipRedundant
	blockDuplicate
	// blockCrossRun 表示另一次运行已经认领了相同的写调用
	blockCrossRun
)

func (d admission) String() string {
	switch d {
	case skipRedundant:
		return "skip_redundant"
	case blockDuplicate:
		return "block_duplicate"
	case blockCrossRun:
		return "block_cross_run"
	default:
		return "admit"
	}
}

// admissionState 属于单次运行，不可跨运行共享。
type admissionState struct {
	window    int
	threshold int

	recentReads    []string
	executedWrites map[string]struct{}
	failedWrites   map[string]struct{}
	claimed        map[string]struct{}
}

func newAdmissionState(window, threshold int) *admissionState {
	return &admissionState{
		window:         window,
		threshold:      threshold,
		executedWrites: make(map[string]struct{}),
		failedWrites:   make(map[string]struct{}),
		claimed:        make(map[string]struct{}),
	}
}

// admitRead 统计尾部窗口内相同调用的次数，达到阈值则跳过。
func (s *admissionState) admitRead(key string) admission {
	start := len(s.recentReads) - s.window
	if start < 0 {
		start = 0
	}
	count := 0
	for _, k := range s.recentReads[start:] {
		if k == key {
			count++
		}
	}
	if count >= s.threshold {
		return skipRedundant
	}
	s.recentReads = append(s.recentReads, key)
	if len(s.recentReads) > s.window {
		s.recentReads = append([]string(nil), s.recentReads[len(s.recentReads)-s.window:]...)
	}
	return admitted
}

// admitWrite 在执行前写入 key，同一运行内相同的写调用只会被放行一次。
func (s *admissionState) admitWrite(key string) admission {
	if _, ok := s.executedWrites[key]; ok {
		return blockDuplicate
	}
	s.executedWrites[key] = struct{}{}
	return admitted
}

func (s *admissionState) forgetWrite(key string) {
	delete(s.executedWrites, key)
}

// markFailed 记录执行过但失败的写调用，key 仍保留在 executedWrites 中。
func (s *admissionState) markFailed(key string) {
	s.failedWrites[key] = struct{}{}
}

func (s *admissionState) hasFailed(key string) bool {
	_, ok := s.failedWrites[key]
	return ok
}

// admit 依次执行运行内检查与跨运行幂等认领。幂等存储出错时调用失败关闭，
// 返回的错误文本交给恢复分类器处理。
func (a *Agent) admit(ctx context.Context, st *runState, call llm.ToolCall, key string, write bool) (admission, error) {
	if !write {
		return st.admission.admitRead(key), nil
	}
	if decision := st.admission.admitWrite(key); decision != admitted {
		return decision, nil
	}
	if a.idempotency == nil {
		return admitted, nil
	}

	claimed, err := a.idempotency.Claim(ctx, idempotencyScope(st.sctx), key, a.idempotencyTTL)
	if err != nil {
		st.admission.forgetWrite(key)
		st.log.Error("idempotency claim failed",
			slog.String("tool", call.Name),
			slog.String("error", err.Error()),
		)
		return admitted, &idempotencyError{cause: err}
	}
	if !claimed {
		return blockCrossRun, nil
	}
	st.admission.claimed[key] = struct{}{}
	return admitted, nil
}

// releaseClaim 在写调用确定没有产生副作用时归还跨运行认领，之后的运行可以重新执行。
// 超时、网络类失败结果未知，认领保留。
func (a *Agent) releaseClaim(ctx context.Context, st *runState, call llm.ToolCall, key string, out outcome) {
	if a.idempotency == nil {
		return
	}
	if _, ok := st.admission.claimed[key]; !ok {
		return
	}
	if out.invoked && isTransient(out.err) {
		return
	}
	delete(st.admission.claimed, key)
	if err := a.idempotency.Release(context.WithoutCancel(ctx), idempotencyScope(st.sctx), key); err != nil {
		st.log.Warn("idempotency release failed",
			slog.String("tool", call.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	a.audit.Info("idempotency claim released",
		slog.String("run_id", st.runID),
		slog.String("tool", call.Name),
		slog.String("wallet", st.sctx.Wallet),
		slog.String("call_key", key),
	)
}

func idempotencyScope(sctx session.Context) string {
	switch {
	case sctx.Wallet != "":
		return "wallet:" + sctx.Wallet
	case sctx.SessionID != "":
		return "session:" + sctx.SessionID
	default:
		return "anonymous"
	}
}

type idempotencyError struct {
	cause error
}

func (e *idempotencyError) Error() string {
	return "network error: idempotency store unavailable, the call was not executed: " + e.cause.Error()
}

func (e *idempotencyError) Unwrap() error {
	return e.cause
}

func blockedGuidance(tool string, failedBefore, crossRun bool) string {
	if crossRun {
		return "An identical call was already submitted by an earlier request and its outcome is not known in this run. Do not repeat it; tell the user it was already submitted and suggest checking the wallet history before trying again."
	}
	if failedBefore {
		return "This exact call already ran once in this run and failed. Do not repeat it with the same arguments; follow the earlier recovery suggestion or ask the user how to proceed."
	}
	switch tool {
	case "execute_swap":
		return "This swap was already executed with the same parameters. Do not execute it again; tell the user the swap is done and report the earlier result."
	case "transfer_funds":
		return "This transfer was already sent. Do not send it again; tell the user the transfer is done."
	case "pay_x402":
		return "This payment is already completed. Do not pay again; proceed to the tool that needed the payment."
	default:
		return "This state-changing call already ran with the same arguments. Do not repeat it; use the earlier result."
	}
}

const redundantGuidance = "This exact call was already made several times in this run. Reuse the earlier result instead of calling it again."
