package openaicompat

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	gro "github.com/nevindra/gro"
)

// buildSSE constructs a mock SSE stream from data lines.
func buildSSE(lines ...string) string {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func TestStreamSSE_TextChunks(t *testing.T) {
	sse := buildSSE(
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":" world"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"!"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`,
		"[DONE]",
	)

	var deltas []string
	opts := gro.ChatOptions{OnToken: func(tok string) { deltas = append(deltas, tok) }}

	out, err := StreamSSE(context.Background(), strings.NewReader(sse), opts)
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}

	if out.Text != "Hello world!" {
		t.Errorf("expected text 'Hello world!', got %q", out.Text)
	}
	if len(deltas) != 3 {
		t.Errorf("expected 3 deltas, got %d: %v", len(deltas), deltas)
	}
	if out.RequestID != "chatcmpl-1" {
		t.Errorf("unexpected request id: %q", out.RequestID)
	}
	if out.Usage.InputTokens != 5 {
		t.Errorf("expected 5 input tokens, got %d", out.Usage.InputTokens)
	}
	if out.Usage.OutputTokens != 3 {
		t.Errorf("expected 3 output tokens, got %d", out.Usage.OutputTokens)
	}
}

func TestStreamSSE_ReasoningChunks(t *testing.T) {
	sse := buildSSE(
		`{"id":"c","choices":[{"index":0,"delta":{"reasoning_content":"thinking"}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"reasoning_content":" hard"}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"content":"Answer"}}]}`,
		"[DONE]",
	)

	var reasoning []string
	opts := gro.ChatOptions{OnReasoningToken: func(tok string) { reasoning = append(reasoning, tok) }}

	out, err := StreamSSE(context.Background(), strings.NewReader(sse), opts)
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}
	if out.Reasoning != "thinking hard" {
		t.Errorf("unexpected reasoning: %q", out.Reasoning)
	}
	if out.Text != "Answer" {
		t.Errorf("unexpected text: %q", out.Text)
	}
	if len(reasoning) != 2 {
		t.Errorf("expected 2 reasoning deltas, got %d", len(reasoning))
	}
}

func TestStreamSSE_ToolCallChunks(t *testing.T) {
	// Tool calls stream incrementally: the first chunk carries the call ID
	// and function name, later chunks carry argument fragments.
	sse := buildSSE(
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_abc","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\""}}]}}]}`,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":":\"London"}}]}}]}`,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"}"}}]}}]}`,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":10,"completion_tokens":15,"total_tokens":25}}`,
		"[DONE]",
	)

	var textDeltas []string
	opts := gro.ChatOptions{OnToken: func(tok string) { textDeltas = append(textDeltas, tok) }}

	out, err := StreamSSE(context.Background(), strings.NewReader(sse), opts)
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}

	if len(textDeltas) != 0 {
		t.Errorf("expected no text deltas for tool call stream, got %d", len(textDeltas))
	}
	if out.Text != "" {
		t.Errorf("expected empty text, got %q", out.Text)
	}
	if len(out.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(out.ToolCalls))
	}

	tc := out.ToolCalls[0]
	if tc.ID != "call_abc" {
		t.Errorf("expected ID 'call_abc', got %q", tc.ID)
	}
	if tc.Name != "get_weather" {
		t.Errorf("expected name 'get_weather', got %q", tc.Name)
	}

	var args map[string]any
	if err := json.Unmarshal(tc.Args, &args); err != nil {
		t.Fatalf("failed to parse tool call args: %v", err)
	}
	if args["city"] != "London" {
		t.Errorf("expected city 'London', got %v", args["city"])
	}

	if out.Usage.InputTokens != 10 {
		t.Errorf("expected 10 input tokens, got %d", out.Usage.InputTokens)
	}
	if out.Usage.OutputTokens != 15 {
		t.Errorf("expected 15 output tokens, got %d", out.Usage.OutputTokens)
	}
}

func TestStreamSSE_ToolDeltaCallback(t *testing.T) {
	sse := buildSSE(
		`{"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"search","arguments":""}}]}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`,
		"[DONE]",
	)

	type delta struct {
		index int
		name  string
		frag  string
	}
	var got []delta
	opts := gro.ChatOptions{OnToolDelta: func(i int, name, frag string) {
		got = append(got, delta{i, name, frag})
	}}

	if _, err := StreamSSE(context.Background(), strings.NewReader(sse), opts); err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 tool deltas, got %d", len(got))
	}
	if got[0].name != "search" || got[0].index != 0 {
		t.Errorf("unexpected first delta: %+v", got[0])
	}
	if got[0].frag+got[1].frag != `{"q":"x"}` {
		t.Errorf("fragments do not reassemble: %+v", got)
	}
}

func TestStreamSSE_MultipleToolCalls(t *testing.T) {
	sse := buildSSE(
		`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"search","arguments":""}}]}}]}`,
		`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":\"test\"}"}}]}}]}`,
		`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_2","type":"function","function":{"name":"calc","arguments":""}}]}}]}`,
		`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"arguments":"{\"expr\":\"1+1\"}"}}]}}]}`,
		`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		"[DONE]",
	)

	out, err := StreamSSE(context.Background(), strings.NewReader(sse), gro.ChatOptions{})
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}

	if len(out.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(out.ToolCalls))
	}
	if out.ToolCalls[0].Name != "search" || out.ToolCalls[0].ID != "call_1" {
		t.Errorf("unexpected first tool call: %+v", out.ToolCalls[0])
	}
	if out.ToolCalls[1].Name != "calc" || out.ToolCalls[1].ID != "call_2" {
		t.Errorf("unexpected second tool call: %+v", out.ToolCalls[1])
	}
}

func TestStreamSSE_EmptyStream(t *testing.T) {
	out, err := StreamSSE(context.Background(), strings.NewReader(buildSSE("[DONE]")), gro.ChatOptions{})
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}
	if out.Text != "" {
		t.Errorf("expected empty text, got %q", out.Text)
	}
	if len(out.ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %d", len(out.ToolCalls))
	}
}

func TestStreamSSE_UsageOnlyChunk(t *testing.T) {
	// Some providers send usage in a separate chunk with no choices.
	sse := buildSSE(
		`{"id":"chatcmpl-4","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"}}]}`,
		`{"id":"chatcmpl-4","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl-4","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4,"prompt_tokens_details":{"cached_tokens":2}}}`,
		"[DONE]",
	)

	out, err := StreamSSE(context.Background(), strings.NewReader(sse), gro.ChatOptions{})
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}
	if out.Text != "Hi" {
		t.Errorf("expected text 'Hi', got %q", out.Text)
	}
	if out.Usage.InputTokens != 3 {
		t.Errorf("expected 3 input tokens, got %d", out.Usage.InputTokens)
	}
	if out.Usage.OutputTokens != 1 {
		t.Errorf("expected 1 output token, got %d", out.Usage.OutputTokens)
	}
	if out.Usage.CacheReadTokens != 2 {
		t.Errorf("expected 2 cache-read tokens, got %d", out.Usage.CacheReadTokens)
	}
}

func TestStreamSSE_SkipsMalformedChunks(t *testing.T) {
	sse := buildSSE(
		`{"id":"chatcmpl-5","choices":[{"index":0,"delta":{"content":"Good"}}]}`,
		`this is not json`,
		`{"id":"chatcmpl-5","choices":[{"index":0,"delta":{"content":" day"}}]}`,
		"[DONE]",
	)

	out, err := StreamSSE(context.Background(), strings.NewReader(sse), gro.ChatOptions{})
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}
	if out.Text != "Good day" {
		t.Errorf("expected text 'Good day', got %q", out.Text)
	}
}

func TestStreamSSE_NonDataLinesIgnored(t *testing.T) {
	// SSE streams can carry comments, event types, and retry directives.
	raw := ": this is a comment\n" +
		"event: message\n" +
		"data: {\"id\":\"chatcmpl-6\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"OK\"}}]}\n\n" +
		"retry: 3000\n" +
		"data: [DONE]\n\n"

	out, err := StreamSSE(context.Background(), strings.NewReader(raw), gro.ChatOptions{})
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}
	if out.Text != "OK" {
		t.Errorf("expected text 'OK', got %q", out.Text)
	}
}

func TestStreamSSE_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sse := buildSSE(
		`{"id":"c","choices":[{"index":0,"delta":{"content":"never"}}]}`,
		"[DONE]",
	)
	if _, err := StreamSSE(ctx, strings.NewReader(sse), gro.ChatOptions{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestStreamSSE_TornToolArgsCollapse(t *testing.T) {
	// A stream cut mid-arguments must not surface a torn fragment.
	sse := buildSSE(
		`{"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"search","arguments":"{\"q\":"}}]}}]}`,
		"[DONE]",
	)

	out, err := StreamSSE(context.Background(), strings.NewReader(sse), gro.ChatOptions{})
	if err != nil {
		t.Fatalf("StreamSSE returned error: %v", err)
	}
	if len(out.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(out.ToolCalls))
	}
	if string(out.ToolCalls[0].Args) != `{}` {
		t.Errorf("expected torn args to collapse to {}, got %q", string(out.ToolCalls[0].Args))
	}
}
