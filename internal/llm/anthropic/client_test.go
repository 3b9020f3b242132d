package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"OpenMCP-Intent/internal/llm"
)

type stubMessages struct {
	last   sdk.MessageNewParams
	resp   *sdk.Message
	err    error
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.last = body
	return s.resp, s.err
}

func (s *stubMessages) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.last = body
	return s.stream
}

type eventDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *eventDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *eventDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *eventDecoder) Close() error { return nil }
func (d *eventDecoder) Err() error   { return d.err }

func sse(kind, data string) ssestream.Event {
	return ssestream.Event{Type: kind, Data: []byte(data)}
}

func conversation() []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: "you are a swap assistant"},
		{Role: llm.RoleUser, Content: "swap 100 USDC for ETH"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "get_price", Arguments: map[string]any{"symbol": "ETH"}},
			{ID: "c2", Name: "get_balance", Arguments: map[string]any{"token": "USDC"}},
		}},
		{Role: llm.RoleTool, ToolCallID: "c1", Content: `{"price":3000}`},
		{Role: llm.RoleTool, ToolCallID: "c2", Content: `{"balance":"250"}`},
	}
}

func TestNewDefaults(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatalf("expected error without messages client")
	}
	if _, err := NewFromConfig(Config{}); err == nil {
		t.Fatalf("expected error without api key")
	}
	cl, err := New(&stubMessages{}, Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cl.model != defaultModel || cl.maxTokens != defaultMaxTokens {
		t.Fatalf("defaults not applied: %+v", cl)
	}
}

func TestChatEncodesConversation(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text", Text: "done"}}}}
	cl, _ := New(stub, Config{Model: "claude-test", MaxTokens: 256})

	resp, err := cl.Chat(context.Background(), llm.ChatRequest{
		Messages: conversation(),
		Tools: []llm.ToolSchema{{
			Name:        "get_price",
			Description: "latest price",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{"symbol": map[string]any{"type": "string"}}},
		}},
		ToolChoice: llm.ToolChoiceAuto,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "done" || resp.HasToolCalls() {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if len(stub.last.System) != 1 || stub.last.System[0].Text != "you are a swap assistant" {
		t.Fatalf("system prompt not lifted: %+v", stub.last.System)
	}
	// user, assistant(tool_use x2), user(tool_result x2)
	if len(stub.last.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(stub.last.Messages))
	}
	if got := len(stub.last.Messages[1].Content); got != 2 {
		t.Fatalf("expected 2 tool_use blocks, got %d", got)
	}
	if got := len(stub.last.Messages[2].Content); got != 2 {
		t.Fatalf("expected consecutive tool results merged, got %d blocks", got)
	}
	if len(stub.last.Tools) != 1 || stub.last.Tools[0].OfTool == nil || stub.last.Tools[0].OfTool.Name != "get_price" {
		t.Fatalf("tool not encoded: %+v", stub.last.Tools)
	}
	if string(stub.last.Model) != "claude-test" || stub.last.MaxTokens != 256 {
		t.Fatalf("model parameters not applied: %s %d", stub.last.Model, stub.last.MaxTokens)
	}
}

func TestChatToolUse(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{Content: []sdk.ContentBlockUnion{
		{Type: "text", Text: "checking"},
		{Type: "tool_use", ID: "tu1", Name: "get_swap_quote", Input: json.RawMessage(`{"from":"USDC","to":"ETH","amount":"100"}`)},
	}}}
	cl, _ := New(stub, Config{})

	resp, err := cl.Chat(context.Background(), llm.ChatRequest{Messages: conversation()[:2]})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "tu1" || call.Name != "get_swap_quote" || call.Arguments["amount"] != "100" {
		t.Fatalf("unexpected tool call: %+v", call)
	}
}

func TestChatPropagatesError(t *testing.T) {
	boom := errors.New("overloaded")
	cl, _ := New(&stubMessages{err: boom}, Config{})
	if _, err := cl.Chat(context.Background(), llm.ChatRequest{Messages: conversation()[:2]}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestChatRequiresConversation(t *testing.T) {
	cl, _ := New(&stubMessages{}, Config{})
	_, err := cl.Chat(context.Background(), llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleSystem, Content: "only system"}}})
	if err == nil {
		t.Fatalf("expected error for a conversation without user turns")
	}
}

func TestChatStreamTextAndToolCall(t *testing.T) {
	dec := &eventDecoder{events: []ssestream.Event{
		sse("message_start", `{"type":"message_start","message":{"id":"m1","type":"message","role":"assistant","content":[],"model":"claude-test"}}`),
		sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"let me "}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"check"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"get_price","input":{}}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"symbol\":"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"ETH\"}"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":1}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}}
	stub := &stubMessages{stream: ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)}
	cl, _ := New(stub, Config{})

	var chunks []string
	resp, err := cl.ChatStream(context.Background(), llm.ChatRequest{Messages: conversation()[:2]}, func(s string) {
		chunks = append(chunks, s)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if len(chunks) != 2 || resp.Content != "let me check" {
		t.Fatalf("unexpected text: chunks=%v content=%q", chunks, resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "get_price" || resp.ToolCalls[0].Arguments["symbol"] != "ETH" {
		t.Fatalf("unexpected tool calls: %+v", resp.ToolCalls)
	}
}

func TestChatStreamError(t *testing.T) {
	dec := &eventDecoder{err: errors.New("connection reset")}
	stub := &stubMessages{stream: ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)}
	cl, _ := New(stub, Config{})
	if _, err := cl.ChatStream(context.Background(), llm.ChatRequest{Messages: conversation()[:2]}, nil); err == nil {
		t.Fatalf("expected stream error to surface")
	}
}
