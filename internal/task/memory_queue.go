package task

import (
	"context"
	"log/slog"
	"sync"

	xerrors "OpenMCP-Intent/internal/errors"
	"OpenMCP-Intent/pkg/logger"
)

const defaultMemoryQueueSize = 64

// MemoryQueue 是单进程部署与测试使用的 channel 队列。处理失败的任务不会重投，
// 重试由 Processor 重新 Publish 完成。
type MemoryQueue struct {
	ch     chan string
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列，size 非正时使用默认容量。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = defaultMemoryQueueSize
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish 投递任务，队列已满时阻塞到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	// 持有读锁直到发送完成，避免与 Close 竞争向已关闭的 channel 写入
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "内存队列已关闭", xerrors.WithMetadata("task_id", taskID))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- taskID:
		return nil
	}
}

// Consume 启动 workerCount 个协程，阻塞到 ctx 结束且所有协程退出。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case taskID, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, taskID); err != nil {
						logger.L().Debug("内存队列任务处理失败",
							slog.String("task_id", taskID),
							slog.Int("worker", worker),
							slog.Any("error", err),
						)
					}
				}
			}
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Depth 返回尚未被消费的任务数。
func (q *MemoryQueue) Depth(context.Context) (int, error) {
	return len(q.ch), nil
}

// Close 关闭队列，可重复调用。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}
