package agent

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"OpenMCP-Intent/internal/events"
	"OpenMCP-Intent/internal/llm"
	"OpenMCP-Intent/internal/session"
)

type streamTurn struct {
	chunks []string
	resp   *llm.ChatResponse
	err    error
}

// streamLLM 实现 llm.StreamClient。流式回合耗尽后退回 blocking。
type streamLLM struct {
	turns       []streamTurn
	blocking    *llm.ChatResponse
	streamCalls int
	chatCalls   int
}

func (s *streamLLM) Chat(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	s.chatCalls++
	if s.blocking == nil {
		return &llm.ChatResponse{Content: "blocking"}, nil
	}
	resp := *s.blocking
	return &resp, nil
}

func (s *streamLLM) ChatStream(_ context.Context, _ llm.ChatRequest, onChunk func(string)) (*llm.ChatResponse, error) {
	s.streamCalls++
	if len(s.turns) == 0 {
		return s.Chat(context.Background(), llm.ChatRequest{})
	}
	turn := s.turns[0]
	s.turns = s.turns[1:]
	for _, chunk := range turn.chunks {
		onChunk(chunk)
	}
	if turn.err != nil {
		return nil, turn.err
	}
	if turn.resp == nil {
		return &llm.ChatResponse{}, nil
	}
	resp := *turn.resp
	return &resp, nil
}

// assertEventOrdering 检查 ask_delta 只出现在 ask_start 与 ask_retract 之间（或最终 ask 之前），
// 且 done 恰好一次并位于末尾。
func assertEventOrdering(t *testing.T, evs []events.Event) {
	t.Helper()
	if ok, reason := orderingHolds(evs); !ok {
		t.Fatalf("event ordering violated: %s (%v)", reason, kindsOf(evs))
	}
}

func orderingHolds(evs []events.Event) (bool, string) {
	open := false
	done := 0
	for i, e := range evs {
		if e.Seq != i+1 {
			return false, "sequence numbers not contiguous"
		}
		switch e.Kind {
		case events.KindAskStart:
			if open {
				return false, "nested ask_start"
			}
			open = true
		case events.KindAskDelta:
			if !open {
				return false, "ask_delta outside an open stream"
			}
		case events.KindAskRetract:
			if !open {
				return false, "ask_retract without ask_start"
			}
			open = false
		case events.KindThinking:
			if open {
				return false, "stream left open across turns"
			}
		case events.KindAsk:
			open = false
		case events.KindDone:
			done++
			if i != len(evs)-1 {
				return false, "done is not the last event"
			}
		}
	}
	if done != 1 {
		return false, "done emitted wrong number of times"
	}
	return true, ""
}

func kindsOf(evs []events.Event) []events.Kind {
	out := make([]events.Kind, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Kind)
	}
	return out
}

func TestEventOrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	// 每个回合：0 最终回答，1 工具调用，2 流中断，3 空回复
	properties.Property("ask_delta never follows its ask_retract and done is emitted once", prop.ForAll(
		func(shapes []int) bool {
			client := &streamLLM{blocking: &llm.ChatResponse{Content: "final"}}
			for _, shape := range shapes {
				switch shape {
				case 0:
					client.turns = append(client.turns, streamTurn{chunks: []string{"an", "swer"}})
				case 1:
					client.turns = append(client.turns, streamTurn{
						chunks: []string{"thinking"},
						resp:   &llm.ChatResponse{ToolCalls: []llm.ToolCall{{ID: "c", Name: "get_price", Arguments: map[string]any{"n": len(client.turns)}}}},
					})
				case 2:
					client.turns = append(client.turns, streamTurn{chunks: []string{"par"}, err: errStreamReset})
				default:
					client.turns = append(client.turns, streamTurn{chunks: []string{" "}})
				}
			}
			reg := newRegistry(t, staticTool("get_price", &counter{}, "1", nil))
			ag, _ := newTestAgent(client, reg, WithMaxIterations(6))
			rec := &events.Recorder{}
			result, err := ag.Run(context.Background(), "go", session.Context{}, rec)
			if err != nil || result.FinalResponseText == "" {
				return false
			}
			ok, _ := orderingHolds(rec.Events())
			return ok
		},
		gen.SliceOfN(6, gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}

type streamError string

func (e streamError) Error() string { return string(e) }

const errStreamReset = streamError("stream reset by peer")
