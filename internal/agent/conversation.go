package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"OpenMCP-Intent/internal/llm"
	"OpenMCP-Intent/internal/session"
)

// buildConversation 组装初始消息：系统提示、有界历史与本轮用户输入。
func (a *Agent) buildConversation(ctx context.Context, log *slog.Logger, prompt string, sctx session.Context) []llm.Message {
	messages := []llm.Message{{Role: llm.RoleSystem, Content: a.systemMessage(prompt, sctx)}}
	messages = append(messages, a.loadHistory(ctx, log, sctx)...)
	return append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})
}

func (a *Agent) systemMessage(prompt string, sctx session.Context) string {
	var b strings.Builder
	b.WriteString(a.systemPrompt)

	if sctx.Wallet != "" {
		fmt.Fprintf(&b, "\n\nThe user's wallet is %s.", sctx.Wallet)
	}
	if facts := renderFacts(sctx.MemoryFacts); facts != "" {
		b.WriteString("\n\nRemembered from earlier turns:\n")
		b.WriteString(facts)
	}
	if hints := a.collectKnowledge(prompt); hints != "" {
		b.WriteString("\n\nReference notes:\n")
		b.WriteString(hints)
	}
	return b.String()
}

func renderFacts(facts map[string]any) string {
	if len(facts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		payload, err := json.Marshal(facts[k])
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", k, payload)
	}
	return strings.TrimRight(b.String(), "\n")
}

// collectKnowledge 从知识库中检索与输入相关的提示。
func (a *Agent) collectKnowledge(prompt string) string {
	if a.knowledge == nil {
		return ""
	}
	snippets := a.knowledge.Query(prompt)
	lines := make([]string, 0, len(snippets))
	for _, snippet := range snippets {
		title := strings.TrimSpace(snippet.Title)
		content := strings.TrimSpace(snippet.Content)
		switch {
		case title == "" && content == "":
			continue
		case title == "":
			lines = append(lines, "- "+content)
		default:
			lines = append(lines, fmt.Sprintf("- %s: %s", title, content))
		}
	}
	return strings.Join(lines, "\n")
}

// loadHistory 优先使用调用方传入的历史，其次从运行仓库加载同一会话的最近记录。
// 工具消息与工具调用不会进入历史，避免出现没有对应调用的工具结果。
func (a *Agent) loadHistory(ctx context.Context, log *slog.Logger, sctx session.Context) []llm.Message {
	if a.historyLimit <= 0 {
		return nil
	}
	if len(sctx.History) > 0 {
		return trimHistory(conversational(sctx.History), a.historyLimit)
	}
	if a.runs == nil || sctx.SessionID == "" {
		return nil
	}

	records, err := a.runs.ListBySession(ctx, sctx.SessionID, (a.historyLimit+1)/2)
	if err != nil {
		log.Warn("load session history failed", slog.String("error", err.Error()))
		return nil
	}
	history := make([]llm.Message, 0, len(records)*2)
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if strings.TrimSpace(rec.Prompt) != "" {
			history = append(history, llm.Message{Role: llm.RoleUser, Content: rec.Prompt})
		}
		if strings.TrimSpace(rec.FinalResponse) != "" {
			history = append(history, llm.Message{Role: llm.RoleAssistant, Content: rec.FinalResponse})
		}
	}
	return trimHistory(history, a.historyLimit)
}

func conversational(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != llm.RoleUser && msg.Role != llm.RoleAssistant {
			continue
		}
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		out = append(out, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	return out
}

func trimHistory(messages []llm.Message, limit int) []llm.Message {
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	// 历史以用户消息开头
	for len(messages) > 0 && messages[0].Role != llm.RoleUser {
		messages = messages[1:]
	}
	return messages
}
