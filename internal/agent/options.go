package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"OpenMCP-Intent/internal/config"
	"OpenMCP-Intent/internal/knowledge"
	"OpenMCP-Intent/internal/llm"
	"OpenMCP-Intent/internal/memory"
	"OpenMCP-Intent/internal/observability/alerting"
	"OpenMCP-Intent/internal/recovery"
	"OpenMCP-Intent/internal/storage/mysql"
	"OpenMCP-Intent/internal/tools"
	"OpenMCP-Intent/internal/tools/idempotency"
	"OpenMCP-Intent/internal/web3"
	"OpenMCP-Intent/pkg/logger"
)

const (
	defaultMaxIterations      = 10
	defaultMaxInfraErrors     = 3
	defaultInfraRetryDelay    = time.Second
	defaultMaxToolRetries     = 2
	defaultToolRetryBaseDelay = 500 * time.Millisecond
	defaultReadWindow         = 5
	defaultMaxIdenticalCalls  = 2
	defaultHistoryLimit       = 10
	defaultIdempotencyTTL     = 24 * time.Hour
	defaultSystemPrompt       = "You are an on-chain assistant. Use the available tools to fulfil the user's request, confirm amounts before moving funds, and answer in plain language once the work is done."
)

// Agent 驱动一次意图运行的完整循环。Agent 本身无运行期状态，可被多个
// 运行并发使用，每次 Run 都会创建独立的准入与错误计数状态。
type Agent struct {
	llm      llm.Client
	registry *tools.Registry

	log   *slog.Logger
	audit *slog.Logger

	knowledge   knowledge.Provider
	runs        mysql.RunRepository
	memory      memory.Store
	idempotency idempotency.Store
	receipts    web3.ReceiptFetcher
	explorer    string
	alerter     alerting.Dispatcher

	maxIterations        int
	maxInfraErrors       int
	infraRetryDelay      time.Duration
	maxToolRetries       int
	toolRetryBaseDelay   time.Duration
	maxSameErrorAttempts int
	readWindow           int
	maxIdenticalCalls    int
	historyLimit         int
	streaming            bool
	memoryStaleness      time.Duration
	idempotencyTTL       time.Duration
	systemPrompt         string
	llmTimeout           time.Duration

	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
	now   func() time.Time
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// New 创建一个 Agent。registry 为空时模型看不到任何工具。
func New(client llm.Client, registry *tools.Registry, opts ...Option) *Agent {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	ag := &Agent{
		llm:                  client,
		registry:             registry,
		log:                  logger.Nop(),
		audit:                logger.Nop(),
		maxIterations:        defaultMaxIterations,
		maxInfraErrors:       defaultMaxInfraErrors,
		infraRetryDelay:      defaultInfraRetryDelay,
		maxToolRetries:       defaultMaxToolRetries,
		toolRetryBaseDelay:   defaultToolRetryBaseDelay,
		maxSameErrorAttempts: recovery.DefaultMaxSameErrorAttempts,
		readWindow:           defaultReadWindow,
		maxIdenticalCalls:    defaultMaxIdenticalCalls,
		historyLimit:         defaultHistoryLimit,
		streaming:            true,
		memoryStaleness:      memory.DefaultStaleness,
		idempotencyTTL:       defaultIdempotencyTTL,
		systemPrompt:         defaultSystemPrompt,
		sleep:                sleepContext,
		newID:                uuid.NewString,
		now:                  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag
}

// WithConfig 应用配置文件中的 agent 段，零值保持默认。
func WithConfig(cfg config.AgentConfig) Option {
	return func(a *Agent) {
		if cfg.MaxIterations > 0 {
			a.maxIterations = cfg.MaxIterations
		}
		if cfg.MaxConsecutiveInfraErrors > 0 {
			a.maxInfraErrors = cfg.MaxConsecutiveInfraErrors
		}
		if d := cfg.InfraRetryDelay(); d > 0 {
			a.infraRetryDelay = d
		}
		if cfg.MaxToolRetries != nil && *cfg.MaxToolRetries >= 0 {
			a.maxToolRetries = *cfg.MaxToolRetries
		}
		if d := cfg.ToolRetryBaseDelay(); d > 0 {
			a.toolRetryBaseDelay = d
		}
		if cfg.MaxSameErrorAttempts > 0 {
			a.maxSameErrorAttempts = cfg.MaxSameErrorAttempts
		}
		if cfg.ReadWindow > 0 {
			a.readWindow = cfg.ReadWindow
		}
		if cfg.MaxIdenticalCalls > 0 {
			a.maxIdenticalCalls = cfg.MaxIdenticalCalls
		}
		if cfg.HistoryLimit > 0 {
			a.historyLimit = cfg.HistoryLimit
		}
		if d := cfg.MemoryStaleness(); d > 0 {
			a.memoryStaleness = d
		}
		a.streaming = cfg.StreamingEnabled()
		if cfg.SystemPrompt != "" {
			a.systemPrompt = cfg.SystemPrompt
		}
	}
}

// WithLogger 设置运行日志。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.log = l
		}
	}
}

// WithAuditLogger 设置资金类工具的审计日志。
func WithAuditLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.audit = l
		}
	}
}

// WithKnowledgeProvider 配置知识库，用于在推理前补充上下文。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(a *Agent) {
		a.knowledge = provider
	}
}

// WithAlertDispatcher 配置告警派发器，某一错误类别首次达到升级上限时发送告警。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(a *Agent) {
		a.alerter = dispatcher
	}
}

// WithRunRepository 配置运行记录仓库，用于保存结果与加载会话历史。
func WithRunRepository(repo mysql.RunRepository) Option {
	return func(a *Agent) {
		a.runs = repo
	}
}

// WithMemoryStore 配置会话记忆存储，Execute 会从中读取快照并绑定写入端。
func WithMemoryStore(store memory.Store) Option {
	return func(a *Agent) {
		a.memory = store
	}
}

// WithIdempotencyStore 配置跨运行的幂等存储。ttl<=0 使用默认值。
func WithIdempotencyStore(store idempotency.Store, ttl time.Duration) Option {
	return func(a *Agent) {
		a.idempotency = store
		if ttl > 0 {
			a.idempotencyTTL = ttl
		}
	}
}

// WithReceiptFetcher 在工具结果缺少区块号时查询交易回执。
func WithReceiptFetcher(fetcher web3.ReceiptFetcher, explorer string) Option {
	return func(a *Agent) {
		a.receipts = fetcher
		a.explorer = explorer
	}
}

// WithMaxIterations 设置单次运行的补全轮数上限。
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithMaxConsecutiveInfraErrors 设置连续基础设施错误的上限。
func WithMaxConsecutiveInfraErrors(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxInfraErrors = n
		}
	}
}

// WithInfraRetryDelay 设置基础设施错误后的等待时间。
func WithInfraRetryDelay(d time.Duration) Option {
	return func(a *Agent) {
		if d >= 0 {
			a.infraRetryDelay = d
		}
	}
}

// WithMaxToolRetries 设置瞬时错误的本地重试次数。
func WithMaxToolRetries(n int) Option {
	return func(a *Agent) {
		if n >= 0 {
			a.maxToolRetries = n
		}
	}
}

// WithToolRetryBaseDelay 设置指数退避的基准时长。
func WithToolRetryBaseDelay(d time.Duration) Option {
	return func(a *Agent) {
		if d >= 0 {
			a.toolRetryBaseDelay = d
		}
	}
}

// WithMaxSameErrorAttempts 设置同类错误升级给用户前的次数。
func WithMaxSameErrorAttempts(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxSameErrorAttempts = n
		}
	}
}

// WithReadWindow 设置重复读调用检测的窗口大小。
func WithReadWindow(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.readWindow = n
		}
	}
}

// WithMaxIdenticalCalls 设置窗口内相同读调用的阈值。
func WithMaxIdenticalCalls(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIdenticalCalls = n
		}
	}
}

// WithHistoryLimit 设置携带的历史消息数量上限。
func WithHistoryLimit(n int) Option {
	return func(a *Agent) {
		if n >= 0 {
			a.historyLimit = n
		}
	}
}

// WithStreaming 控制是否优先使用流式补全。
func WithStreaming(enabled bool) Option {
	return func(a *Agent) {
		a.streaming = enabled
	}
}

// WithMemoryStaleness 设置报价列表的过期窗口。
func WithMemoryStaleness(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.memoryStaleness = d
		}
	}
}

// WithSystemPrompt 替换默认系统提示词。
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) {
		if prompt != "" {
			a.systemPrompt = prompt
		}
	}
}

// WithLLMTimeout 设置单次补全调用的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// withSleep 替换退避等待，测试使用。
func withSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Agent) {
		a.sleep = sleep
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
