package llm

import (
	"context"

	"golang.org/x/time/rate"
)

type limitedClient struct {
	next    Client
	limiter *rate.Limiter
}

type limitedStreamClient struct {
	limitedClient
	stream StreamClient
}

// WithRateLimit 在客户端外层包裹令牌桶限流。rps<=0 时原样返回。
// 若 next 支持流式输出，返回值同样实现 StreamClient。
func WithRateLimit(next Client, rps float64, burst int) Client {
	if next == nil || rps <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	base := limitedClient{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
	if sc, ok := next.(StreamClient); ok {
		return &limitedStreamClient{limitedClient: base, stream: sc}
	}
	return &base
}

// Chat 等待令牌后转发请求。
func (c *limitedClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.next.Chat(ctx, req)
}

// ChatStream 等待令牌后转发流式请求。
func (c *limitedStreamClient) ChatStream(ctx context.Context, req ChatRequest, onChunk func(string)) (*ChatResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.stream.ChatStream(ctx, req, onChunk)
}
