package anthropic

import (
	"fmt"
	"sort"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"OpenMCP-Intent/internal/llm"
)

// accumulator 把流式事件还原为一个完整的 assistant 回合。
type accumulator struct {
	onChunk func(string)
	text    strings.Builder
	tools   map[int]*toolBuffer
	done    []indexedCall
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

type indexedCall struct {
	index int
	call  llm.ToolCall
}

func newAccumulator(onChunk func(string)) *accumulator {
	if onChunk == nil {
		onChunk = func(string) {}
	}
	return &accumulator{onChunk: onChunk, tools: make(map[int]*toolBuffer)}
}

func (a *accumulator) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" || toolUse.Name == "" {
				return fmt.Errorf("anthropic stream: tool_use 块缺少 id 或 name")
			}
			a.tools[int(ev.Index)] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
		}
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				a.text.WriteString(delta.Text)
				a.onChunk(delta.Text)
			}
		case sdk.InputJSONDelta:
			if tb := a.tools[int(ev.Index)]; tb != nil && delta.PartialJSON != "" {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		tb := a.tools[idx]
		if tb == nil {
			return nil
		}
		delete(a.tools, idx)
		args, err := decodeArguments([]byte(strings.Join(tb.fragments, "")))
		if err != nil {
			return fmt.Errorf("anthropic stream: 解析工具 %s 参数失败: %w", tb.name, err)
		}
		a.done = append(a.done, indexedCall{index: idx, call: llm.ToolCall{ID: tb.id, Name: tb.name, Arguments: args}})
	}
	return nil
}

func (a *accumulator) response() (*llm.ChatResponse, error) {
	if len(a.tools) > 0 {
		return nil, fmt.Errorf("anthropic stream: %d 个 tool_use 块未结束", len(a.tools))
	}
	sort.SliceStable(a.done, func(i, j int) bool { return a.done[i].index < a.done[j].index })
	resp := &llm.ChatResponse{Content: a.text.String()}
	for _, ic := range a.done {
		resp.ToolCalls = append(resp.ToolCalls, ic.call)
	}
	return resp, nil
}
