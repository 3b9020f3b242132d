package llm

import (
	"context"
	"strings"
)

// Role 标识消息在对话中的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 是对话中的一条消息。assistant 消息可以携带工具调用，tool
// 消息通过 ToolCallID 关联到对应的调用。
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall 表示模型请求的一次工具调用。
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolSchema 描述暴露给模型的工具签名。
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest 是一次补全请求。
type ChatRequest struct {
	Messages   []Message
	Tools      []ToolSchema
	ToolChoice string
}

// ChatResponse 是模型返回的一个 assistant 回合。
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// HasToolCalls 判断回合是否请求了工具。
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Text 返回去除首尾空白的文本内容。
func (r *ChatResponse) Text() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Content)
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// StreamClient 是支持增量输出的客户端。onChunk 在返回前可被调用零次或多次。
type StreamClient interface {
	Client
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(string)) (*ChatResponse, error)
}

// ToolChoiceAuto 让模型自行决定是否调用工具。
const ToolChoiceAuto = "auto"
