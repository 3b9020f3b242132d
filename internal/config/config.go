package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"OpenMCP-Intent/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "OPENMCP_CONFIG"

// Config 描述了 OpenMCP 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Logging   logger.Config   `json:"logging" yaml:"logging"`
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue" yaml:"task_queue"`
	Events    EventsConfig    `json:"events" yaml:"events"`
	Tools     ToolsConfig     `json:"tools" yaml:"tools"`
	Web3      Web3Config      `json:"web3" yaml:"web3"`
	Knowledge KnowledgeConfig `json:"knowledge" yaml:"knowledge"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting"`
	Runtime   RuntimeConfig   `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
}

// AgentConfig 控制编排循环的各项上限。
type AgentConfig struct {
	MaxIterations             int    `json:"max_iterations" yaml:"max_iterations"`
	MaxConsecutiveInfraErrors int    `json:"max_consecutive_infra_errors" yaml:"max_consecutive_infra_errors"`
	InfraRetryDelayMS         int    `json:"infra_retry_delay_ms" yaml:"infra_retry_delay_ms"`
	MaxToolRetries            *int   `json:"max_tool_retries" yaml:"max_tool_retries"`
	ToolRetryBaseDelayMS      int    `json:"tool_retry_base_delay_ms" yaml:"tool_retry_base_delay_ms"`
	MaxSameErrorAttempts      int    `json:"max_same_error_attempts" yaml:"max_same_error_attempts"`
	ReadWindow                int    `json:"read_window" yaml:"read_window"`
	MaxIdenticalCalls         int    `json:"max_identical_calls" yaml:"max_identical_calls"`
	HistoryLimit              int    `json:"history_limit" yaml:"history_limit"`
	Streaming                 *bool  `json:"streaming" yaml:"streaming"`
	MemoryStalenessSeconds    int    `json:"memory_staleness_seconds" yaml:"memory_staleness_seconds"`
	SystemPrompt              string `json:"system_prompt" yaml:"system_prompt"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider       string          `json:"provider" yaml:"provider"`
	Anthropic      AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI         OpenAIConfig    `json:"openai" yaml:"openai"`
	TimeoutSeconds int             `json:"timeout_seconds" yaml:"timeout_seconds"`
	RateLimitRPS   float64         `json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int             `json:"rate_limit_burst" yaml:"rate_limit_burst"`
}

// AnthropicConfig 描述 Anthropic Messages API 的访问参数。
type AnthropicConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	APIKeyEnv string `json:"api_key_env" yaml:"api_key_env"`
	BaseURL   string `json:"base_url" yaml:"base_url"`
	Model     string `json:"model" yaml:"model"`
	MaxTokens int64  `json:"max_tokens" yaml:"max_tokens"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的访问参数。
type OpenAIConfig struct {
	APIKey      string  `json:"api_key" yaml:"api_key"`
	APIKeyEnv   string  `json:"api_key_env" yaml:"api_key_env"`
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	RunStore    RunStoreConfig    `json:"run_store" yaml:"run_store"`
	Redis       RedisConfig       `json:"redis" yaml:"redis"`
	Memory      MemoryConfig      `json:"memory" yaml:"memory"`
	Idempotency IdempotencyConfig `json:"idempotency" yaml:"idempotency"`
}

// RunStoreConfig 选择运行记录的持久化方式：memory 或 mysql。
type RunStoreConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// RedisConfig 为会话记忆、幂等存储与 Redis 队列共用。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// MemoryConfig 选择会话记忆的存储：memory 或 redis。
type MemoryConfig struct {
	Driver     string `json:"driver" yaml:"driver"`
	Prefix     string `json:"prefix" yaml:"prefix"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// IdempotencyConfig 控制跨运行的写操作去重：none、memory 或 redis。
type IdempotencyConfig struct {
	Driver     string `json:"driver" yaml:"driver"`
	Prefix     string `json:"prefix" yaml:"prefix"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// TaskQueueConfig 描述异步任务队列。
type TaskQueueConfig struct {
	Driver     string         `json:"driver" yaml:"driver"`
	Store      string         `json:"store" yaml:"store"`
	DSN        string         `json:"dsn" yaml:"dsn"`
	Workers    int            `json:"workers" yaml:"workers"`
	MaxRetries int            `json:"max_retries" yaml:"max_retries"`
	BufferSize int            `json:"buffer_size" yaml:"buffer_size"`
	Redis      RedisQueue     `json:"redis" yaml:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisQueue 描述 Redis list 队列的参数，连接信息取自 storage.redis。
type RedisQueue struct {
	Queue            string `json:"queue" yaml:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Exchange string `json:"exchange" yaml:"exchange"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// EventsConfig 控制运行事件的外部发布。
type EventsConfig struct {
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// ToolsConfig 指向远程工具清单。
type ToolsConfig struct {
	Manifest string `json:"manifest" yaml:"manifest"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。
type Web3Config struct {
	RPCURL       string `json:"rpc_url" yaml:"rpc_url"`
	ChainConfig  string `json:"chain_config" yaml:"chain_config"`
	DefaultChain string `json:"default_chain" yaml:"default_chain"`
	ExplorerURL  string `json:"explorer_url" yaml:"explorer_url"`
}

// KnowledgeConfig 描述静态知识库。
type KnowledgeConfig struct {
	Source     string `json:"source" yaml:"source"`
	MaxResults int    `json:"max_results" yaml:"max_results"`
}

// MetricsConfig 控制独立的指标端口；为空时指标挂在 API 服务上。
type MetricsConfig struct {
	Address string `json:"address" yaml:"address"`
}

// AlertingConfig 控制告警渠道。审计日志渠道始终开启。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// ResolvePath 返回命令行参数或环境变量中的配置路径。
func ResolvePath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	return os.Getenv(EnvConfigPath)
}

// Load 负责解析指定路径的配置文件，.yaml/.yml 使用 YAML，其余按 JSON 解析。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

// Parse 按扩展名解析配置内容，不做默认值填充。
func Parse(content []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}
	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置，baseDir 用于解析相对路径。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// InfraRetryDelay returns the pause after a failed completion call.
func (a AgentConfig) InfraRetryDelay() time.Duration {
	return time.Duration(a.InfraRetryDelayMS) * time.Millisecond
}

// ToolRetryBaseDelay returns the executor backoff base.
func (a AgentConfig) ToolRetryBaseDelay() time.Duration {
	return time.Duration(a.ToolRetryBaseDelayMS) * time.Millisecond
}

// MemoryStaleness returns the pending-quote staleness window.
func (a AgentConfig) MemoryStaleness() time.Duration {
	return time.Duration(a.MemoryStalenessSeconds) * time.Second
}

// StreamingEnabled reports whether streaming completions are preferred.
func (a AgentConfig) StreamingEnabled() bool {
	return a.Streaming == nil || *a.Streaming
}

// Timeout returns the completion request timeout.
func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	a := &c.Agent
	if a.MaxIterations <= 0 {
		a.MaxIterations = 10
	}
	if a.MaxConsecutiveInfraErrors <= 0 {
		a.MaxConsecutiveInfraErrors = 3
	}
	if a.InfraRetryDelayMS <= 0 {
		a.InfraRetryDelayMS = 1000
	}
	if a.MaxToolRetries == nil {
		retries := 2
		a.MaxToolRetries = &retries
	}
	if a.ToolRetryBaseDelayMS <= 0 {
		a.ToolRetryBaseDelayMS = 500
	}
	if a.MaxSameErrorAttempts <= 0 {
		a.MaxSameErrorAttempts = 3
	}
	if a.ReadWindow <= 0 {
		a.ReadWindow = 5
	}
	if a.MaxIdenticalCalls <= 0 {
		a.MaxIdenticalCalls = 2
	}
	if a.HistoryLimit <= 0 {
		a.HistoryLimit = 10
	}
	if a.MemoryStalenessSeconds <= 0 {
		a.MemoryStalenessSeconds = 30
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.LLM.Anthropic.APIKeyEnv == "" {
		c.LLM.Anthropic.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Anthropic.APIKey == "" {
		c.LLM.Anthropic.APIKey = os.Getenv(c.LLM.Anthropic.APIKeyEnv)
	}
	if c.LLM.OpenAI.APIKey == "" {
		c.LLM.OpenAI.APIKey = os.Getenv(c.LLM.OpenAI.APIKeyEnv)
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}

	if c.Storage.RunStore.Driver == "" {
		c.Storage.RunStore.Driver = "memory"
	}
	if c.Storage.Memory.Driver == "" {
		c.Storage.Memory.Driver = "memory"
	}
	if c.Storage.Idempotency.Driver == "" {
		c.Storage.Idempotency.Driver = "none"
	}
	if c.Storage.Idempotency.TTLSeconds <= 0 {
		c.Storage.Idempotency.TTLSeconds = int((24 * time.Hour).Seconds())
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Store == "" {
		c.TaskQueue.Store = "memory"
	}
	if c.TaskQueue.DSN == "" {
		c.TaskQueue.DSN = c.Storage.RunStore.DSN
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 4
	}
	if c.TaskQueue.MaxRetries <= 0 {
		c.TaskQueue.MaxRetries = 3
	}

	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}
	c.Knowledge.Source = resolve(baseDir, c.Knowledge.Source)
	c.Tools.Manifest = resolve(baseDir, c.Tools.Manifest)
	c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig)

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
