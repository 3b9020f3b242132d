// Package anthropic adapts the Claude Messages API to the llm.Client and
// llm.StreamClient contracts.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"OpenMCP-Intent/internal/llm"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 1024
)

// MessagesClient 是适配器使用的 SDK 子集，*sdk.MessageService 满足该接口。
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Config 描述 Anthropic 客户端配置。
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// Client 基于 Claude Messages API 实现 llm.StreamClient。
type Client struct {
	msg       MessagesClient
	model     string
	maxTokens int
}

// New 使用已有的 MessagesClient 创建适配器。
func New(msg MessagesClient, cfg Config) (*Client, error) {
	if msg == nil {
		return nil, errors.New("未提供 Anthropic Messages 客户端")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{msg: msg, model: model, maxTokens: maxTokens}, nil
}

// NewFromConfig 使用 SDK 默认 HTTP 客户端创建适配器。
func NewFromConfig(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Anthropic API Key")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	ac := sdk.NewClient(opts...)
	return New(&ac.Messages, cfg)
}

// Chat 发起一次非流式请求。
func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateMessage(msg)
}

// ChatStream 发起流式请求，文本增量通过 onChunk 实时回调。
func (c *Client) ChatStream(ctx context.Context, req llm.ChatRequest, onChunk func(string)) (*llm.ChatResponse, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if stream == nil {
		return nil, errors.New("anthropic: 流式接口返回空结果")
	}
	defer stream.Close()

	acc := newAccumulator(onChunk)
	for stream.Next() {
		if err := acc.handle(stream.Current()); err != nil {
			return nil, err
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages stream: %w", err)
	}
	return acc.response()
}

func (c *Client) buildParams(req llm.ChatRequest) (*sdk.MessageNewParams, error) {
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(c.maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(c.model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
		params.ToolChoice = encodeToolChoice(req.ToolChoice)
	}
	return &params, nil
}

func encodeMessages(msgs []llm.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam
	var results []sdk.ContentBlockParamUnion

	// 连续的 tool 消息合并为一条 user 消息中的多个 tool_result。
	flush := func() {
		if len(results) > 0 {
			conversation = append(conversation, sdk.NewUserMessage(results...))
			results = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case llm.RoleTool:
			results = append(results, sdk.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case llm.RoleUser:
			flush()
			if strings.TrimSpace(m.Content) == "" {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case llm.RoleAssistant:
			flush()
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				if call.Name == "" {
					return nil, nil, errors.New("anthropic: tool_use 缺少工具名称")
				}
				input := call.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}
		default:
			return nil, nil, fmt.Errorf("anthropic: 不支持的消息角色 %q", m.Role)
		}
	}
	flush()

	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: 至少需要一条 user/assistant 消息")
	}
	return conversation, system, nil
}

func encodeTools(defs []llm.ToolSchema) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema := sdk.ToolInputSchemaParam{}
		if len(def.Parameters) > 0 {
			// Properties/Required 由 ExtraFields 整体提供。
			fields := make(map[string]any, len(def.Parameters))
			for k, v := range def.Parameters {
				fields[k] = v
			}
			schema.ExtraFields = fields
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func encodeToolChoice(choice string) sdk.ToolChoiceUnionParam {
	switch strings.TrimSpace(choice) {
	case "", llm.ToolChoiceAuto:
		return sdk.ToolChoiceUnionParam{}
	case "none":
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}
	case "any", "required":
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
	default:
		return sdk.ToolChoiceParamOfTool(choice)
	}
}

func translateMessage(msg *sdk.Message) (*llm.ChatResponse, error) {
	if msg == nil {
		return nil, errors.New("anthropic: 响应为空")
	}
	resp := &llm.ChatResponse{}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args, err := decodeArguments(block.Input)
			if err != nil {
				return nil, fmt.Errorf("anthropic: 解析工具 %s 参数失败: %w", block.Name, err)
			}
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	resp.Content = text.String()
	return resp, nil
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
