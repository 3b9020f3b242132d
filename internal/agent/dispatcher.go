package agent

import (
	"context"
	"log/slog"
	"strings"

	"OpenMCP-Intent/internal/events"
	"OpenMCP-Intent/internal/llm"
)

// dispatch 获取一个 assistant 回合。流式优先：增量文本按最终回答的假设以
// ask_delta 推送，若回合最终请求了工具或流中断，则发送 ask_retract 作废已推送的内容。
// 只有阻塞调用失败才视为基础设施错误。
func (a *Agent) dispatch(ctx context.Context, log *slog.Logger, emit *events.Emitter, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if stream, ok := a.llm.(llm.StreamClient); ok && a.streaming {
		resp, err := a.dispatchStream(ctx, emit, stream, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("streaming completion failed, falling back to blocking call", slog.String("error", err.Error()))
	}

	callCtx, cancel := a.completionContext(ctx)
	defer cancel()
	resp, err := a.llm.Chat(callCtx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &llm.ChatResponse{}
	}
	return resp, nil
}

func (a *Agent) dispatchStream(ctx context.Context, emit *events.Emitter, stream llm.StreamClient, req llm.ChatRequest) (*llm.ChatResponse, error) {
	callCtx, cancel := a.completionContext(ctx)
	defer cancel()

	started := false
	var streamed strings.Builder
	resp, err := stream.ChatStream(callCtx, req, func(chunk string) {
		if chunk == "" {
			return
		}
		if !started {
			started = true
			emit.Emit(ctx, events.KindAskStart, nil)
		}
		streamed.WriteString(chunk)
		emit.Emit(ctx, events.KindAskDelta, map[string]any{"text": chunk})
	})
	if err != nil {
		if started {
			emit.Emit(ctx, events.KindAskRetract, map[string]any{"reason": "stream_failed"})
		}
		return nil, err
	}
	if resp == nil {
		resp = &llm.ChatResponse{}
	}
	if resp.Content == "" {
		resp.Content = streamed.String()
	}
	if started {
		switch {
		case resp.HasToolCalls():
			emit.Emit(ctx, events.KindAskRetract, map[string]any{"reason": "tool_calls"})
		case resp.Text() == "":
			emit.Emit(ctx, events.KindAskRetract, map[string]any{"reason": "empty"})
		}
	}
	return resp, nil
}

func (a *Agent) completionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.llmTimeout > 0 {
		return context.WithTimeout(ctx, a.llmTimeout)
	}
	return context.WithCancel(ctx)
}
