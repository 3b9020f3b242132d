package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"OpenMCP-Intent/internal/agent"
	"OpenMCP-Intent/internal/config"
	"OpenMCP-Intent/internal/events"
	"OpenMCP-Intent/internal/knowledge"
	"OpenMCP-Intent/internal/llm"
	"OpenMCP-Intent/internal/llm/anthropic"
	"OpenMCP-Intent/internal/llm/openai"
	"OpenMCP-Intent/internal/memory"
	"OpenMCP-Intent/internal/observability/alerting"
	"OpenMCP-Intent/internal/storage/mysql"
	"OpenMCP-Intent/internal/storage/redis"
	"OpenMCP-Intent/internal/task"
	"OpenMCP-Intent/internal/tools"
	"OpenMCP-Intent/internal/tools/idempotency"
	"OpenMCP-Intent/internal/web3/provider"
	"OpenMCP-Intent/pkg/logger"
)

// runtime 持有守护进程的全部组件，close 按创建的逆序释放。
type runtime struct {
	cfg       *config.Config
	agent     *agent.Agent
	sink      events.Sink
	alerter   alerting.Dispatcher
	taskStore task.Store
	queue     task.Queue

	closers []func() error
}

func (r *runtime) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

func (r *runtime) close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// build 根据配置创建智能体及其依赖。withTasks 为 false 时跳过任务存储与队列。
func build(ctx context.Context, cfg *config.Config, withTasks bool) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			_ = rt.close()
			rt = nil
		}
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	client, err := createLLMClient(cfg.LLM)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	if cfg.Tools.Manifest != "" {
		manifest, err := tools.LoadManifest(cfg.Tools.Manifest)
		if err != nil {
			return nil, err
		}
		if err := registry.RegisterManifest(manifest, &http.Client{Timeout: cfg.LLM.Timeout()}); err != nil {
			return nil, err
		}
	}

	var redisClient *goredis.Client
	needsRedis := cfg.Storage.Memory.Driver == "redis" ||
		cfg.Storage.Idempotency.Driver == "redis" ||
		(withTasks && cfg.TaskQueue.Driver == "redis")
	if needsRedis {
		redisClient, err = redis.NewClient(ctx, redis.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		rt.onClose(redisClient.Close)
	}

	opts := []agent.Option{
		agent.WithConfig(cfg.Agent),
		agent.WithLLMTimeout(cfg.LLM.Timeout()),
		agent.WithLogger(logger.Named("agent")),
		agent.WithAuditLogger(logger.Audit()),
	}

	memStore, err := createMemoryStore(cfg.Storage, redisClient)
	if err != nil {
		return nil, err
	}
	opts = append(opts, agent.WithMemoryStore(memStore))

	idemStore, err := createIdempotencyStore(cfg.Storage.Idempotency, redisClient)
	if err != nil {
		return nil, err
	}
	if idemStore != nil {
		ttl := time.Duration(cfg.Storage.Idempotency.TTLSeconds) * time.Second
		opts = append(opts, agent.WithIdempotencyStore(idemStore, ttl))
	}

	runs, err := createRunRepository(ctx, cfg, rt)
	if err != nil {
		return nil, err
	}
	opts = append(opts, agent.WithRunRepository(runs))

	if cfg.Knowledge.Source != "" {
		kb, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agent.WithKnowledgeProvider(kb))
	}

	if cfg.Web3.RPCURL != "" || cfg.Web3.ChainConfig != "" {
		chains, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return nil, err
		}
		rt.onClose(func() error {
			chains.Close()
			return nil
		})
		opts = append(opts, agent.WithReceiptFetcher(chains, chains.Explorer()))
	}

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url})
	}
	rt.alerter = alerting.NewFanout(notifiers...)
	opts = append(opts, agent.WithAlertDispatcher(rt.alerter))

	if cfg.Events.RabbitMQ.URL != "" {
		sink, err := events.NewRabbitMQSink(events.RabbitMQConfig{
			URL:        cfg.Events.RabbitMQ.URL,
			Exchange:   cfg.Events.RabbitMQ.Exchange,
			RoutingKey: cfg.Events.RabbitMQ.Queue,
		})
		if err != nil {
			return nil, err
		}
		rt.onClose(sink.Close)
		rt.sink = sink
	}

	rt.agent = agent.New(client, registry, opts...)

	if withTasks {
		if err := rt.buildTasks(ctx, redisClient); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func (r *runtime) buildTasks(ctx context.Context, redisClient *goredis.Client) error {
	cfg := r.cfg
	switch cfg.TaskQueue.Store {
	case "", "memory":
		r.taskStore = task.NewMemoryStore()
	case "mysql":
		store, err := task.NewMySQLStore(ctx, cfg.TaskQueue.DSN)
		if err != nil {
			return err
		}
		r.taskStore = store
	default:
		return fmt.Errorf("未知的任务存储: %s", cfg.TaskQueue.Store)
	}
	r.onClose(r.taskStore.Close)

	switch cfg.TaskQueue.Driver {
	case "", "memory":
		r.queue = task.NewMemoryQueue(cfg.TaskQueue.BufferSize)
	case "redis":
		wait := time.Duration(cfg.TaskQueue.Redis.BlockWaitSeconds) * time.Second
		r.queue = task.NewRedisQueueWithClient(redisClient, cfg.TaskQueue.Redis.Queue, wait)
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.TaskQueue.RabbitMQ.URL,
			Queue:    cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch: cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:  cfg.TaskQueue.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		r.queue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
	r.onClose(r.queue.Close)
	return nil
}

func (r *runtime) processor() *task.Processor {
	return task.NewProcessor(r.agent, r.taskStore, r.queue, r.queue,
		task.WithWorkerCount(r.cfg.TaskQueue.Workers),
		task.WithProcessorLogger(logger.Named("task")),
		task.WithAlertDispatcher(r.alerter),
		task.WithEventSink(r.sink),
	)
}

func createLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	var (
		client llm.Client
		err    error
	)
	switch strings.ToLower(cfg.Provider) {
	case "", "anthropic":
		client, err = anthropic.NewFromConfig(anthropic.Config{
			APIKey:    cfg.Anthropic.APIKey,
			BaseURL:   cfg.Anthropic.BaseURL,
			Model:     cfg.Anthropic.Model,
			MaxTokens: int(cfg.Anthropic.MaxTokens),
		})
	case "openai":
		if strings.TrimSpace(cfg.OpenAI.APIKey) == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		client, err = openai.NewClient(openai.Config{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			Timeout:     cfg.Timeout(),
			Temperature: cfg.OpenAI.Temperature,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return llm.WithRateLimit(client, cfg.RateLimitRPS, cfg.RateLimitBurst), nil
}

func createMemoryStore(cfg config.StorageConfig, client *goredis.Client) (memory.Store, error) {
	switch cfg.Memory.Driver {
	case "", "memory":
		return memory.NewInMemoryStore(), nil
	case "redis":
		return memory.NewRedisStore(client, cfg.Memory.Prefix, time.Duration(cfg.Memory.TTLSeconds)*time.Second)
	default:
		return nil, fmt.Errorf("未知的记忆存储: %s", cfg.Memory.Driver)
	}
}

func createIdempotencyStore(cfg config.IdempotencyConfig, client *goredis.Client) (idempotency.Store, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		return idempotency.NewMemoryStore(), nil
	case "redis":
		return idempotency.NewRedisStore(client, cfg.Prefix)
	default:
		return nil, fmt.Errorf("未知的幂等存储: %s", cfg.Driver)
	}
}

func createRunRepository(ctx context.Context, cfg *config.Config, rt *runtime) (mysql.RunRepository, error) {
	switch cfg.Storage.RunStore.Driver {
	case "", "memory":
		return mysql.NewMemoryRunRepository(cfg.Runtime.DataDir)
	case "mysql":
		repo, err := mysql.NewSQLRunRepository(ctx, mysql.Config{
			DSN:             cfg.Storage.RunStore.DSN,
			MaxOpenConns:    cfg.Storage.RunStore.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.RunStore.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.RunStore.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		rt.onClose(repo.Close)
		return repo, nil
	default:
		return nil, fmt.Errorf("未知的运行记录存储: %s", cfg.Storage.RunStore.Driver)
	}
}

func logStartup(cfg *config.Config) {
	logger.L().Info("openmcpd starting",
		slog.String("llm_provider", cfg.LLM.Provider),
		slog.String("run_store", cfg.Storage.RunStore.Driver),
		slog.String("memory", cfg.Storage.Memory.Driver),
		slog.String("idempotency", cfg.Storage.Idempotency.Driver),
		slog.String("task_store", cfg.TaskQueue.Store),
		slog.String("task_queue", cfg.TaskQueue.Driver),
	)
}
