package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenMCP-Intent/internal/errors"
	"OpenMCP-Intent/internal/events"
	"OpenMCP-Intent/internal/llm"
	"OpenMCP-Intent/internal/memory"
	"OpenMCP-Intent/internal/observability/alerting"
	"OpenMCP-Intent/internal/observability/metrics"
	"OpenMCP-Intent/internal/recovery"
	"OpenMCP-Intent/internal/session"
	"OpenMCP-Intent/internal/storage/mysql"
	"OpenMCP-Intent/internal/tools"
	"OpenMCP-Intent/internal/web3"
)

// 运行结束的方式，写入 RunResult.Outcome 与运行记录。
const (
	OutcomeFinal          = "final"
	OutcomeInfraFailure   = "infra_failure"
	OutcomeIterationLimit = "iteration_limit"
	OutcomeCancelled      = "cancelled"
)

const (
	apologyText  = "Sorry, I'm having trouble reaching the assistant service right now. Please try again in a moment."
	fallbackText = "I need more details to complete this request. Could you tell me exactly what you would like me to do?"

	emptyNudge = "Your last reply was empty. Either call one of the available tools or answer the user directly."
	infraNudge = "The previous attempt failed because of a temporary service error. Continue with the user's request."

	diagnosedNote = "The delegation has already been diagnosed automatically; the diagnosis is included above. Do not call diagnose_delegation yourself."
)

// Request 是一次意图运行的输入。
type Request struct {
	Prompt    string         `json:"prompt"`
	SessionID string         `json:"session_id,omitempty"`
	Wallet    string         `json:"wallet,omitempty"`
	History   []llm.Message  `json:"history,omitempty"`
	Values    map[string]any `json:"values,omitempty"`
}

// ToolResult 记录一次工具调用的结果。被跳过的重复读调用不会出现在这里。
type ToolResult struct {
	Tool        string `json:"tool"`
	CallID      string `json:"call_id,omitempty"`
	OK          bool   `json:"ok"`
	Output      any    `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	Blocked     bool   `json:"blocked,omitempty"`
	Write       bool   `json:"write,omitempty"`
	Synthetic   bool   `json:"synthetic,omitempty"`
	RetriesUsed int    `json:"retries_used,omitempty"`
}

// RunResult 是一次运行唯一的结果。FinalResponseText 总是非空。
type RunResult struct {
	RunID             string        `json:"run_id"`
	FinalResponseText string        `json:"final_response_text"`
	ToolResults       []ToolResult  `json:"tool_results"`
	Transcript        []llm.Message `json:"transcript"`
	Iterations        int           `json:"iterations"`
	Outcome           string        `json:"outcome"`
}

// ExecutedWrites 返回本次运行中处理器被实际调用过的写工具名，无论成功与否。
func (r *RunResult) ExecutedWrites() []string {
	if r == nil {
		return nil
	}
	var names []string
	for _, res := range r.ToolResults {
		if res.Write {
			names = append(names, res.Tool)
		}
	}
	return names
}

// runState 是单次运行独占的可变状态。
type runState struct {
	runID     string
	sctx      session.Context
	log       *slog.Logger
	emit      *events.Emitter
	admission *admissionState
	attempts  *recovery.AttemptTable
	projector *memory.Projector

	messages   []llm.Message
	results    []ToolResult
	iterations int
}

// Execute 读取会话记忆快照并绑定写入端，然后执行一次运行。
func (a *Agent) Execute(ctx context.Context, req Request, sink events.Sink) (*RunResult, error) {
	sctx := session.Context{
		SessionID: req.SessionID,
		Wallet:    req.Wallet,
		History:   req.History,
		Values:    req.Values,
	}
	if a.memory != nil {
		facts, err := a.memory.Load(ctx, req.SessionID)
		if err != nil {
			a.log.Warn("load session memory failed",
				slog.String("session_id", req.SessionID),
				slog.String("error", err.Error()),
			)
		}
		sctx.MemoryFacts = facts
		sctx.Memory = memory.ForSession(a.memory, req.SessionID)
	}
	return a.Run(ctx, req.Prompt, sctx, sink)
}

// Run 驱动补全与工具调用的循环，直到得到最终回答、达到迭代上限或基础设施错误
// 连续超限。done 事件恰好发送一次。仅在输入非法、未配置模型或调用方取消时返回错误，
// 取消时依然返回带致歉文本的结果。
func (a *Agent) Run(ctx context.Context, prompt string, sctx session.Context, sink events.Sink) (*RunResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户输入不能为空")
	}
	if a.llm == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}

	runID := a.newID()
	log := a.log.With(slog.String("run_id", runID), slog.String("session_id", sctx.SessionID))
	st := &runState{
		runID:     runID,
		sctx:      sctx,
		log:       log,
		emit:      events.NewEmitter(sink, log, runID),
		admission: newAdmissionState(a.readWindow, a.maxIdenticalCalls),
		attempts:  recovery.NewAttemptTable(a.maxSameErrorAttempts),
		projector: memory.NewProjector(
			memory.WithStaleness(a.memoryStaleness),
			memory.WithLogger(log),
			memory.WithClock(a.now),
		),
	}
	st.messages = a.buildConversation(ctx, log, prompt, sctx)

	started := a.now()
	final, outcome, runErr := a.loop(ctx, st)

	// 取消后仍需送达最终回答与 done
	finishCtx := context.WithoutCancel(ctx)
	st.messages = append(st.messages, llm.Message{Role: llm.RoleAssistant, Content: final})
	st.emit.Emit(finishCtx, events.KindAsk, map[string]any{"message": final})

	result := &RunResult{
		RunID:             runID,
		FinalResponseText: final,
		ToolResults:       st.results,
		Transcript:        st.messages,
		Iterations:        st.iterations,
		Outcome:           outcome,
	}
	if result.ToolResults == nil {
		result.ToolResults = []ToolResult{}
	}
	st.emit.Emit(finishCtx, events.KindDone, map[string]any{"result": result})

	elapsed := a.now().Sub(started)
	metrics.ObserveRun(outcome, st.iterations, elapsed)
	log.Info("intent run finished",
		slog.String("outcome", outcome),
		slog.Int("iterations", st.iterations),
		slog.Int("tool_calls", len(st.results)),
		slog.Duration("elapsed", elapsed),
	)
	a.saveRun(finishCtx, prompt, sctx, result, started)
	return result, runErr
}

func (a *Agent) loop(ctx context.Context, st *runState) (string, string, error) {
	schemas := a.registry.Schemas()
	consecutiveInfra := 0

	for iteration := 1; iteration <= a.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return apologyText, OutcomeCancelled, cancelled(err)
		}
		st.iterations = iteration
		st.emit.Emit(ctx, events.KindThinking, map[string]any{"iteration": iteration})

		resp, err := a.dispatch(ctx, st.log, st.emit, llm.ChatRequest{
			Messages:   st.messages,
			Tools:      schemas,
			ToolChoice: llm.ToolChoiceAuto,
		})
		if err != nil {
			if ctx.Err() != nil {
				return apologyText, OutcomeCancelled, cancelled(ctx.Err())
			}
			consecutiveInfra++
			st.log.Warn("completion failed",
				slog.Int("iteration", iteration),
				slog.Int("consecutive", consecutiveInfra),
				slog.String("error", err.Error()),
			)
			st.emit.Emit(ctx, events.KindError, map[string]any{
				"message": err.Error(),
				"attempt": consecutiveInfra,
			})
			if consecutiveInfra >= a.maxInfraErrors {
				return apologyText, OutcomeInfraFailure, nil
			}
			st.messages = append(st.messages, llm.Message{Role: llm.RoleUser, Content: infraNudge})
			if err := a.sleep(ctx, a.infraRetryDelay); err != nil {
				return apologyText, OutcomeCancelled, cancelled(err)
			}
			continue
		}
		consecutiveInfra = 0

		switch {
		case resp.HasToolCalls():
			if text := resp.Text(); text != "" {
				st.emit.Emit(ctx, events.KindThinkingDelta, map[string]any{"text": text})
			}
			calls := a.normalizeCalls(resp.ToolCalls)
			st.messages = append(st.messages, llm.Message{
				Role:      llm.RoleAssistant,
				Content:   resp.Content,
				ToolCalls: calls,
			})
			for _, call := range calls {
				if err := ctx.Err(); err != nil {
					return apologyText, OutcomeCancelled, cancelled(err)
				}
				st.messages = append(st.messages, a.processCall(ctx, st, call))
			}
		case resp.Text() != "":
			return resp.Text(), OutcomeFinal, nil
		default:
			st.messages = append(st.messages, llm.Message{Role: llm.RoleUser, Content: emptyNudge})
		}
	}
	return fallbackText, OutcomeIterationLimit, nil
}

func cancelled(err error) error {
	return xerrors.Wrap(xerrors.CodeTimeout, err, "运行被取消")
}

func (a *Agent) normalizeCalls(calls []llm.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = "call_" + a.newID()
		}
		if call.Arguments == nil {
			call.Arguments = map[string]any{}
		}
		out[i] = call
	}
	return out
}

// processCall 处理单个工具调用并返回对应的 tool 消息。
func (a *Agent) processCall(ctx context.Context, st *runState, call llm.ToolCall) llm.Message {
	key := tools.CallKey(call.Name, call.Arguments)
	write := a.registry.IsWrite(call.Name)

	decision, admitErr := a.admit(ctx, st, call, key, write)
	switch decision {
	case skipRedundant:
		st.log.Debug("redundant read call skipped", slog.String("tool", call.Name))
		metrics.ObserveToolCall(call.Name, "skipped")
		return toolMessage(call, map[string]any{
			"SKIPPED": true,
			"tool":    call.Name,
			"message": redundantGuidance,
		})
	case blockDuplicate, blockCrossRun:
		return a.blocked(ctx, st, call, key, decision == blockCrossRun)
	}

	st.emit.Emit(ctx, events.KindToolCall, map[string]any{
		"tool":  call.Name,
		"input": call.Arguments,
		"id":    call.ID,
	})
	if write {
		a.audit.Info("write tool admitted",
			slog.String("run_id", st.runID),
			slog.String("tool", call.Name),
			slog.String("wallet", st.sctx.Wallet),
			slog.String("call_key", key),
		)
	}

	if admitErr != nil {
		return a.failed(ctx, st, call, outcome{err: admitErr}, write)
	}
	out := a.execute(ctx, st.emit, call, st.sctx)
	if out.err != nil {
		if write {
			st.admission.markFailed(key)
			a.releaseClaim(ctx, st, call, key, out)
		}
		return a.failed(ctx, st, call, out, write)
	}
	return a.succeeded(ctx, st, call, out, write)
}

func (a *Agent) blocked(ctx context.Context, st *runState, call llm.ToolCall, key string, crossRun bool) llm.Message {
	guidance := blockedGuidance(call.Name, st.admission.hasFailed(key), crossRun)
	errText := "duplicate call blocked: " + call.Name + " already executed with the same arguments"
	scope, status := "in_run", "blocked"
	if crossRun {
		errText = "duplicate call blocked: " + call.Name + " already submitted by an earlier run with the same arguments"
		scope, status = "cross_run", "blocked_cross_run"
	}

	a.audit.Warn("duplicate write blocked",
		slog.String("run_id", st.runID),
		slog.String("tool", call.Name),
		slog.String("wallet", st.sctx.Wallet),
		slog.String("scope", scope),
		slog.String("call_key", key),
		slog.String("code", string(xerrors.CodeDuplicateWrite)),
	)
	metrics.ObserveToolCall(call.Name, status)
	st.emit.Emit(ctx, events.KindToolError, map[string]any{
		"tool":        call.Name,
		"id":          call.ID,
		"error":       errText,
		"retriesUsed": 0,
		"blocked":     true,
		"scope":       scope,
	})
	st.results = append(st.results, ToolResult{
		Tool:    call.Name,
		CallID:  call.ID,
		OK:      false,
		Error:   errText,
		Blocked: true,
	})
	return toolMessage(call, map[string]any{
		"BLOCKED": true,
		"tool":    call.Name,
		"error":   errText,
		"message": guidance,
	})
}

func (a *Agent) succeeded(ctx context.Context, st *runState, call llm.ToolCall, out outcome, write bool) llm.Message {
	st.attempts.Reset()
	metrics.ObserveToolCall(call.Name, "ok")
	st.emit.Emit(ctx, events.KindToolResult, map[string]any{
		"tool":   call.Name,
		"id":     call.ID,
		"output": out.result,
	})
	a.emitTxMessage(ctx, st, out.result)
	if write {
		a.audit.Info("write tool succeeded",
			slog.String("run_id", st.runID),
			slog.String("tool", call.Name),
			slog.String("wallet", st.sctx.Wallet),
			slog.Int("retries_used", out.retriesUsed),
		)
	}

	st.projector.Project(ctx, call.Name, out.result, call.Arguments, st.sctx)
	st.results = append(st.results, ToolResult{
		Tool:        call.Name,
		CallID:      call.ID,
		OK:          true,
		Output:      out.result,
		Write:       write,
		RetriesUsed: out.retriesUsed,
	})
	return llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Name: call.Name, Content: stringify(out.result)}
}

// failed 分类错误、记录同类错误次数，并生成带恢复建议的 tool 消息。
// 委托类错误在注册了诊断工具时会自动诊断一次。
func (a *Agent) failed(ctx context.Context, st *runState, call llm.ToolCall, out outcome, write bool) llm.Message {
	errText := out.err.Error()
	res := recovery.ClassifyCall(errText, call.Name, call.Arguments)
	count := st.attempts.Record(res.Category)

	metrics.ObserveToolCall(call.Name, "error")
	st.log.Warn("tool call failed",
		slog.String("tool", call.Name),
		slog.String("category", string(res.Category)),
		slog.Int("attempt", count),
		slog.Int("retries_used", out.retriesUsed),
		slog.String("error", errText),
	)
	if write {
		a.audit.Warn("write tool failed",
			slog.String("run_id", st.runID),
			slog.String("tool", call.Name),
			slog.String("wallet", st.sctx.Wallet),
			slog.String("category", string(res.Category)),
			slog.String("error", errText),
		)
	}
	st.emit.Emit(ctx, events.KindToolError, map[string]any{
		"tool":        call.Name,
		"id":          call.ID,
		"error":       errText,
		"retriesUsed": out.retriesUsed,
		"recovery":    res,
	})
	st.results = append(st.results, ToolResult{
		Tool:        call.Name,
		CallID:      call.ID,
		OK:          false,
		Error:       errText,
		Write:       write && out.invoked,
		RetriesUsed: out.retriesUsed,
	})
	st.emit.Emit(ctx, events.KindRecoveryAttempt, map[string]any{
		"category": string(res.Category),
		"attempt":  count,
		"tool":     call.Name,
	})
	if count == st.attempts.Max() {
		a.alertEscalation(ctx, st, call, res, count)
	}

	payload := map[string]any{
		"error":          errText,
		"category":       string(res.Category),
		"suggestion":     res.Suggestion,
		"recoveryAction": string(res.Action),
		"instruction":    st.attempts.FollowUp(res),
	}
	if res.ShouldAutoDiagnose && call.Name != tools.DiagnosticTool && a.registry.Has(tools.DiagnosticTool) {
		if diagnosis, ok := a.diagnose(ctx, st, call, errText); ok {
			payload["diagnosis"] = diagnosis
			payload["instruction"] = st.attempts.FollowUp(res) + " " + diagnosedNote
		}
	}

	return toolMessage(call, payload)
}

func (a *Agent) alertEscalation(ctx context.Context, st *runState, call llm.ToolCall, res recovery.Result, count int) {
	if a.alerter == nil {
		return
	}
	severity := xerrors.SeverityWarning
	if a.registry.IsWrite(call.Name) {
		severity = xerrors.SeverityCritical
	}
	err := a.alerter.Notify(ctx, alerting.Event{
		Code:       xerrors.CodeToolFailure,
		Message:    fmt.Sprintf("tool %s keeps failing with %s", call.Name, res.Category),
		Severity:   severity,
		RunID:      st.runID,
		SessionID:  st.sctx.SessionID,
		Attempts:   count,
		MaxRetries: st.attempts.Max(),
		Metadata: map[string]string{
			"tool":     call.Name,
			"category": string(res.Category),
		},
		OccurredAt: a.now(),
	})
	if err != nil {
		st.log.Warn("alert dispatch failed", slog.String("error", err.Error()))
	}
}

// diagnose 发起一次合成的诊断调用。诊断失败时返回 false，由调用方走普通恢复路径。
func (a *Agent) diagnose(ctx context.Context, st *runState, failing llm.ToolCall, errText string) (any, bool) {
	call := llm.ToolCall{
		ID:   "diag_" + a.newID(),
		Name: tools.DiagnosticTool,
		Arguments: map[string]any{
			"error":       errText,
			"failed_tool": failing.Name,
			"wallet":      st.sctx.Wallet,
		},
	}
	st.emit.Emit(ctx, events.KindToolCall, map[string]any{
		"tool":      call.Name,
		"input":     call.Arguments,
		"id":        call.ID,
		"synthetic": true,
	})

	out := a.execute(ctx, st.emit, call, st.sctx)
	if out.err != nil {
		st.log.Warn("delegation diagnosis failed",
			slog.String("tool", failing.Name),
			slog.String("error", out.err.Error()),
		)
		metrics.ObserveToolCall(call.Name, "error")
		return nil, false
	}

	metrics.ObserveToolCall(call.Name, "ok")
	write := a.registry.IsWrite(call.Name)
	st.emit.Emit(ctx, events.KindToolResult, map[string]any{
		"tool":      call.Name,
		"id":        call.ID,
		"output":    out.result,
		"synthetic": true,
	})
	st.results = append(st.results, ToolResult{
		Tool:        call.Name,
		CallID:      call.ID,
		OK:          true,
		Output:      out.result,
		Write:       write,
		Synthetic:   true,
		RetriesUsed: out.retriesUsed,
	})
	return out.result, true
}

// emitTxMessage 在工具输出携带交易哈希时发送 tx_message。缺少区块号时尝试查询回执。
func (a *Agent) emitTxMessage(ctx context.Context, st *runState, output any) {
	ref, ok := web3.ExtractTxReference(output)
	if !ok {
		return
	}
	if !ref.HasBlock() && a.receipts != nil {
		receipt, err := a.receipts.TransactionReceipt(ctx, ref.Hash)
		switch {
		case err == nil && receipt != nil:
			block := receipt.BlockNumber
			ref.BlockNumber = &block
		case err != nil:
			st.log.Debug("transaction receipt lookup failed",
				slog.String("tx_hash", ref.Hash.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}

	data := map[string]any{
		"txHash":  ref.Hash.Hex(),
		"message": ref.Message(a.explorer),
	}
	if ref.BlockNumber != nil {
		data["blockNumber"] = *ref.BlockNumber
	}
	st.emit.Emit(ctx, events.KindTxMessage, data)
}

func (a *Agent) saveRun(ctx context.Context, prompt string, sctx session.Context, result *RunResult, started time.Time) {
	if a.runs == nil {
		return
	}
	record := &mysql.RunRecord{
		RunID:         result.RunID,
		SessionID:     sctx.SessionID,
		Wallet:        sctx.Wallet,
		Prompt:        prompt,
		FinalResponse: result.FinalResponseText,
		ToolResults:   stringify(result.ToolResults),
		Transcript:    stringify(result.Transcript),
		Iterations:    result.Iterations,
		Outcome:       result.Outcome,
		CreatedAt:     started.Unix(),
	}
	if err := a.runs.Save(ctx, record); err != nil {
		a.log.Error("save run record failed",
			slog.String("run_id", result.RunID),
			slog.String("code", string(xerrors.CodeStorageFailure)),
			slog.String("error", err.Error()),
		)
	}
}

// ListRuns 查询最近的运行记录，sessionID 为空时返回全部会话。
func (a *Agent) ListRuns(ctx context.Context, sessionID string, limit int) ([]mysql.RunRecord, error) {
	if a.runs == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置运行记录仓库")
	}
	var (
		records []mysql.RunRecord
		err     error
	)
	if sessionID != "" {
		records, err = a.runs.ListBySession(ctx, sessionID, limit)
	} else {
		records, err = a.runs.ListLatest(ctx, limit)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行记录失败")
	}
	return records, nil
}

func toolMessage(call llm.ToolCall, payload map[string]any) llm.Message {
	return llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Name: call.Name, Content: stringify(payload)}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case []byte:
		return string(t)
	case error:
		return t.Error()
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(payload)
}
