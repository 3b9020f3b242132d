package task

import (
	"context"
)

// Handler 处理队列投递的任务 ID。返回错误时，是否重投由具体队列决定。
type Handler func(ctx context.Context, taskID string) error

// Producer 把已落库的意图任务投递给 worker。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以 workerCount 个协程消费任务，直到 ctx 结束。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力，配置中的 memory/redis/rabbitmq 三种后端都实现它。
type Queue interface {
	Producer
	Consumer
}

// DepthReporter 由能够查询积压数量的队列实现，Service.Stats 用它填写 QueueDepth。
type DepthReporter interface {
	Depth(ctx context.Context) (int, error)
}

var (
	_ DepthReporter = (*MemoryQueue)(nil)
	_ DepthReporter = (*RedisQueue)(nil)
	_ DepthReporter = (*RabbitMQQueue)(nil)
)
