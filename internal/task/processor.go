package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"OpenMCP-Intent/internal/agent"
	xerrors "OpenMCP-Intent/internal/errors"
	"OpenMCP-Intent/internal/events"
	"OpenMCP-Intent/internal/observability/alerting"
	"OpenMCP-Intent/internal/observability/metrics"
	"OpenMCP-Intent/pkg/logger"
)

// Executor 定义了处理器所需的 Agent 能力。
type Executor interface {
	Execute(ctx context.Context, req agent.Request, sink events.Sink) (*agent.RunResult, error)
}

// Processor 负责从队列消费任务并交给 Agent 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	sink        events.Sink
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithEventSink 配置任务运行事件的去向，例如 RabbitMQ。
func WithEventSink(sink events.Sink) ProcessorOption {
	return func(p *Processor) {
		p.sink = sink
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	if p.logger == nil {
		p.logger = logger.Nop()
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	result, execErr := p.executor.Execute(ctx, agent.Request{
		Prompt:    task.Prompt,
		SessionID: task.SessionID,
		Wallet:    task.Wallet,
		Values:    cloneMetadata(task.Metadata),
	}, p.sink)

	// 运行结束后的状态回写不受关停影响
	writeCtx := context.WithoutCancel(ctx)
	if execErr == nil && result != nil && result.Outcome == agent.OutcomeInfraFailure {
		execErr = xerrors.New(xerrors.CodeCompletionFailure, "completion service unavailable during run "+result.RunID)
	}
	if execErr != nil {
		if writes := result.ExecutedWrites(); len(writes) > 0 && xerrors.RetryableError(execErr) {
			// 重跑会从空的准入状态开始，已执行的写操作可能再次执行
			execErr = xerrors.Wrap(CodeTaskWriteCommitted, execErr,
				fmt.Sprintf("运行 %s 已执行写工具 %s，任务不再重试", result.RunID, strings.Join(writes, ",")))
		}
		return p.handleExecutionFailure(writeCtx, task, execErr)
	}

	record := summarize(result)
	if err := p.store.MarkSucceeded(writeCtx, task.ID, record); err != nil {
		// 不重投：重跑会再次执行写操作
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID), slog.String("run_id", record.RunID))
		p.emitAlert(writeCtx, task, CodeTaskProcessing, err, "record")
		return nil
	}
	metrics.ObserveTask(string(StatusSucceeded))
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("run_id", record.RunID),
		slog.String("outcome", record.Outcome),
		slog.Int("tool_calls", record.ToolCalls),
	)
	return nil
}

func summarize(result *agent.RunResult) ExecutionResult {
	if result == nil {
		return ExecutionResult{}
	}
	return ExecutionResult{
		RunID:      result.RunID,
		Reply:      result.FinalResponseText,
		Outcome:    result.Outcome,
		Iterations: result.Iterations,
		ToolCalls:  len(result.ToolResults),
	}
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		metrics.ObserveTask(string(StatusFailed))
		alertCode := code
		if retryable {
			alertCode = CodeTaskExhausted
		}
		p.emitAlert(ctx, task, alertCode, execErr, "terminal")
		return nil
	}

	metrics.ObserveTask("retried")
	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		SessionID:  task.SessionID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
