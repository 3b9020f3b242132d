package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"OpenMCP-Intent/internal/agent"
	xerrors "OpenMCP-Intent/internal/errors"
	"OpenMCP-Intent/internal/events"
	"OpenMCP-Intent/internal/llm"
	"OpenMCP-Intent/internal/observability/alerting"
	"OpenMCP-Intent/internal/session"
	"OpenMCP-Intent/internal/tools"
)

type fakeAgent struct {
	processed atomic.Int32
	latency   time.Duration
	run       func(req agent.Request) (*agent.RunResult, error)
}

func (f *fakeAgent) Execute(ctx context.Context, req agent.Request, _ events.Sink) (*agent.RunResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.processed.Add(1)
	if f.run != nil {
		return f.run(req)
	}
	return &agent.RunResult{RunID: "run-" + req.Prompt, FinalResponseText: "ok", Outcome: agent.OutcomeFinal}, nil
}

type alertRecorder struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (a *alertRecorder) Notify(_ context.Context, e alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *alertRecorder) snapshot() []alerting.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alerting.Event(nil), a.events...)
}

func startProcessor(t *testing.T, exec Executor, opts ...ProcessorOption) (*Service, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	service := NewService(store, queue, 3)
	processor := NewProcessor(exec, store, queue, queue, opts...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return service, stop
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	exec := &fakeAgent{latency: 10 * time.Millisecond}
	service, stop := startProcessor(t, exec, WithWorkerCount(8))
	ctx := context.Background()

	total := 200
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, Request{Prompt: fmt.Sprintf("intent-%d", i)}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(exec.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", exec.processed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
	stop()
}

func TestProcessorRecordsRunSummary(t *testing.T) {
	exec := &fakeAgent{run: func(req agent.Request) (*agent.RunResult, error) {
		if req.SessionID != "s1" || req.Values["source"] != "api" {
			return nil, fmt.Errorf("request not forwarded: %+v", req)
		}
		return &agent.RunResult{
			RunID:             "run-1",
			FinalResponseText: "Sent 5 USDC.",
			Outcome:           agent.OutcomeFinal,
			Iterations:        2,
			ToolResults:       []agent.ToolResult{{Tool: "transfer_funds", OK: true}},
		}, nil
	}}
	service, _ := startProcessor(t, exec)
	ctx := context.Background()

	task, err := service.Submit(ctx, Request{ID: "t1", Prompt: "send 5 USDC", SessionID: "s1", Metadata: map[string]any{"source": "api"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := service.WaitUntilCompleted(waitCtx, task.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusSucceeded || done.Result == nil || done.Result.RunID != "run-1" || done.Result.ToolCalls != 1 {
		t.Fatalf("unexpected task: %+v", done)
	}

	again, err := service.Submit(ctx, Request{ID: "t1", Prompt: "send 5 USDC"})
	if err != nil || again.Status != StatusSucceeded {
		t.Fatalf("resubmitting an existing ID should return the stored task: %+v %v", again, err)
	}
	if exec.processed.Load() != 1 {
		t.Fatalf("task should run once, ran %d times", exec.processed.Load())
	}
}

func TestProcessorRetriesInfraFailureThenAlerts(t *testing.T) {
	exec := &fakeAgent{run: func(agent.Request) (*agent.RunResult, error) {
		return &agent.RunResult{RunID: "r", FinalResponseText: "Sorry", Outcome: agent.OutcomeInfraFailure}, nil
	}}
	alerts := &alertRecorder{}
	service, _ := startProcessor(t, exec, WithAlertDispatcher(alerts))
	ctx := context.Background()

	task, err := service.Submit(ctx, Request{Prompt: "price of ETH"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := service.WaitUntilCompleted(waitCtx, task.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusFailed || done.Attempts != 3 || done.ErrorCode != string(xerrors.CodeCompletionFailure) {
		t.Fatalf("unexpected task: %+v", done)
	}
	got := alerts.snapshot()
	if len(got) != 1 || got[0].Code != CodeTaskExhausted || got[0].TaskID != task.ID {
		t.Fatalf("expected a single exhaustion alert, got %+v", got)
	}
}

func TestProcessorDoesNotRetryPermanentFailure(t *testing.T) {
	exec := &fakeAgent{run: func(agent.Request) (*agent.RunResult, error) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户输入不能为空")
	}}
	alerts := &alertRecorder{}
	service, _ := startProcessor(t, exec, WithAlertDispatcher(alerts))
	ctx := context.Background()

	task, err := service.Submit(ctx, Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := service.WaitUntilCompleted(waitCtx, task.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Attempts != 1 || exec.processed.Load() != 1 || done.ErrorCode != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("permanent failures run once: %+v", done)
	}
	if got := alerts.snapshot(); len(got) != 1 || got[0].Code != xerrors.CodeInvalidArgument {
		t.Fatalf("unexpected alerts: %+v", got)
	}
}

// transferThenOutage 在每次运行的第一轮请求转账，之后模型服务一直返回 503。
type transferThenOutage struct{}

func (transferThenOutage) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	for _, m := range req.Messages {
		if m.Role == llm.RoleTool {
			return nil, errors.New("upstream 503")
		}
	}
	return &llm.ChatResponse{ToolCalls: []llm.ToolCall{{
		ID:        "c1",
		Name:      "transfer_funds",
		Arguments: map[string]any{"to": "0xAAA", "amount": "5"},
	}}}, nil
}

func TestProcessorDoesNotRetryRunThatExecutedWrite(t *testing.T) {
	var transfers atomic.Int32
	registry := tools.NewRegistry()
	if err := registry.Register(&tools.Tool{
		Name: "transfer_funds",
		Handler: func(context.Context, map[string]any, session.Context) (any, error) {
			transfers.Add(1)
			return map[string]any{"txHash": "0x01"}, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	runner := agent.New(transferThenOutage{}, registry,
		agent.WithInfraRetryDelay(0),
		agent.WithMaxConsecutiveInfraErrors(3),
	)
	alerts := &alertRecorder{}
	service, _ := startProcessor(t, runner, WithAlertDispatcher(alerts))
	ctx := context.Background()

	task, err := service.Submit(ctx, Request{Prompt: "send 5 USDC to 0xAAA", Wallet: "0xME"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := service.WaitUntilCompleted(waitCtx, task.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if transfers.Load() != 1 {
		t.Fatalf("transfer executed %d times for one task", transfers.Load())
	}
	if done.Status != StatusFailed || done.Attempts != 1 || done.ErrorCode != string(CodeTaskWriteCommitted) {
		t.Fatalf("unexpected task: %+v", done)
	}
	got := alerts.snapshot()
	if len(got) != 1 || got[0].Code != CodeTaskWriteCommitted {
		t.Fatalf("expected one write-committed alert, got %+v", got)
	}
}

func TestProcessorDoesNotRetryCancelledRunAfterWrite(t *testing.T) {
	exec := &fakeAgent{run: func(agent.Request) (*agent.RunResult, error) {
		return &agent.RunResult{
			RunID:       "r",
			Outcome:     agent.OutcomeCancelled,
			ToolResults: []agent.ToolResult{{Tool: "get_balance", OK: true}, {Tool: "execute_swap", OK: false, Write: true}},
		}, xerrors.Wrap(xerrors.CodeTimeout, context.Canceled, "运行被取消")
	}}
	service, _ := startProcessor(t, exec)
	ctx := context.Background()

	task, err := service.Submit(ctx, Request{Prompt: "swap 1 ETH"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := service.WaitUntilCompleted(waitCtx, task.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if exec.processed.Load() != 1 || done.ErrorCode != string(CodeTaskWriteCommitted) {
		t.Fatalf("a cancelled run with an executed write must not be retried: runs=%d %+v", exec.processed.Load(), done)
	}
}

func TestSubmitRejectsBlankPrompt(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(1), 3)
	if _, err := service.Submit(context.Background(), Request{Prompt: "  "}); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
