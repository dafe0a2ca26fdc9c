package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gro "github.com/nevindra/gro"
)

func strPtr(s string) *string { return &s }

func TestBuildBody_SystemInstruction(t *testing.T) {
	messages := []gro.Message{
		{Role: gro.RoleSystem, Content: "Be terse."},
		{Role: gro.RoleSystem, Content: "Answer in English."},
		{Role: gro.RoleUser, Content: "Hi"},
	}

	body := buildBody(messages, "gemini-2.0-flash", gro.ChatOptions{})

	si, ok := body["systemInstruction"].(map[string]any)
	if !ok {
		t.Fatal("missing systemInstruction")
	}
	parts := si["parts"].([]map[string]any)
	text := parts[0]["text"].(string)
	if !strings.Contains(text, "Be terse.") || !strings.Contains(text, "Answer in English.") {
		t.Errorf("system messages not collapsed: %q", text)
	}

	contents := body["contents"].([]map[string]any)
	if len(contents) != 1 {
		t.Fatalf("system messages must not appear in contents, got %d entries", len(contents))
	}
	if contents[0]["role"] != "user" {
		t.Errorf("unexpected role: %v", contents[0]["role"])
	}
}

func TestBuildBody_RoleMapping(t *testing.T) {
	messages := []gro.Message{
		{Role: gro.RoleUser, Content: "q"},
		{Role: gro.RoleAssistant, Content: "a"},
	}

	body := buildBody(messages, "gemini-2.0-flash", gro.ChatOptions{})
	contents := body["contents"].([]map[string]any)
	if contents[0]["role"] != "user" {
		t.Errorf("user role mangled: %v", contents[0]["role"])
	}
	if contents[1]["role"] != "model" {
		t.Errorf("assistant must map to model, got %v", contents[1]["role"])
	}
}

func TestBuildBody_ToolCallsAndResponses(t *testing.T) {
	messages := []gro.Message{
		{Role: gro.RoleUser, Content: "Weather in Oslo?"},
		{
			Role:    gro.RoleAssistant,
			Content: "Checking.",
			ToolCalls: []gro.ToolCall{
				{ID: "get_weather-0", Name: "get_weather", Args: json.RawMessage(`{"city":"Oslo"}`)},
			},
		},
		{Role: gro.RoleTool, Content: "12C", ToolCallID: "get_weather-0", ToolName: "get_weather"},
	}

	body := buildBody(messages, "gemini-2.0-flash", gro.ChatOptions{})
	contents := body["contents"].([]map[string]any)
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}

	model := contents[1]
	if model["role"] != "model" {
		t.Errorf("unexpected role: %v", model["role"])
	}
	parts := model["parts"].([]map[string]any)
	if len(parts) != 2 {
		t.Fatalf("expected text + functionCall parts, got %d", len(parts))
	}
	fc := parts[1]["functionCall"].(map[string]any)
	if fc["name"] != "get_weather" {
		t.Errorf("unexpected function name: %v", fc["name"])
	}
	args := fc["args"].(map[string]any)
	if args["city"] != "Oslo" {
		t.Errorf("args not decoded: %v", args)
	}

	toolMsg := contents[2]
	if toolMsg["role"] != "user" {
		t.Errorf("functionResponse must ride under the user role, got %v", toolMsg["role"])
	}
	fr := toolMsg["parts"].([]map[string]any)[0]["functionResponse"].(map[string]any)
	if fr["name"] != "get_weather" {
		t.Errorf("unexpected response name: %v", fr["name"])
	}
	resp := fr["response"].(map[string]any)
	if resp["result"] != "12C" {
		t.Errorf("tool result not mapped: %v", resp)
	}
}

func TestBuildBody_ToolDeclarations(t *testing.T) {
	tools := []gro.ToolDefinition{
		{
			Name:        "search",
			Description: "Search",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
		},
	}

	body := buildBody([]gro.Message{gro.UserMessage("hi")}, "gemini-2.0-flash",
		gro.ChatOptions{Tools: tools})

	wrapped := body["tools"].([]map[string]any)
	decls := wrapped[0]["functionDeclarations"].([]map[string]any)
	if len(decls) != 1 || decls[0]["name"] != "search" {
		t.Errorf("tool declarations malformed: %v", decls)
	}
}

func TestBuildBody_GenerationConfig(t *testing.T) {
	temp := 0.3
	topP := 0.8
	topK := 20

	body := buildBody([]gro.Message{gro.UserMessage("hi")}, "gemini-2.0-flash",
		gro.ChatOptions{
			MaxTokens: 2048,
			Sampling:  &gro.Sampling{Temperature: &temp, TopP: &topP, TopK: &topK},
		})

	gc := body["generationConfig"].(map[string]any)
	if gc["maxOutputTokens"] != 2048 {
		t.Errorf("maxOutputTokens: %v", gc["maxOutputTokens"])
	}
	if gc["temperature"] != 0.3 || gc["topP"] != 0.8 || gc["topK"] != 20 {
		t.Errorf("sampling not mapped: %v", gc)
	}
}

func TestBuildBody_ThinkingConfig(t *testing.T) {
	body := buildBody([]gro.Message{gro.UserMessage("hard")}, "gemini-2.5-pro",
		gro.ChatOptions{ThinkingBudget: 1.0, MaxTokens: 8192})

	gc := body["generationConfig"].(map[string]any)
	tc, ok := gc["thinkingConfig"].(map[string]any)
	if !ok {
		t.Fatal("thinkingConfig missing for gemini-2.5 with a budget")
	}
	if tc["includeThoughts"] != true {
		t.Error("includeThoughts not set")
	}
	if budget := tc["thinkingBudget"].(int); budget <= 0 {
		t.Errorf("thinkingBudget not positive: %d", budget)
	}

	// No thinkingConfig without a budget.
	body = buildBody([]gro.Message{gro.UserMessage("hi")}, "gemini-2.5-pro", gro.ChatOptions{})
	if gc, ok := body["generationConfig"].(map[string]any); ok {
		if _, has := gc["thinkingConfig"]; has {
			t.Error("thinkingConfig present with zero budget")
		}
	}
}

func TestBuildBody_EmptyContentPlaceholder(t *testing.T) {
	body := buildBody([]gro.Message{{Role: gro.RoleUser, Content: ""}}, "gemini-2.0-flash", gro.ChatOptions{})
	contents := body["contents"].([]map[string]any)
	text := contents[0]["parts"].([]map[string]any)[0]["text"].(string)
	if text == "" {
		t.Error("empty content must be replaced with a placeholder part")
	}
}

func TestParseGeminiResponse(t *testing.T) {
	parsed := geminiResponse{
		ResponseID: "resp-1",
		Candidates: []geminiCandidate{
			{
				Content: geminiContent{
					Role: "model",
					Parts: []geminiPart{
						{Text: strPtr("the plan"), Thought: true},
						{Text: strPtr("Hello")},
						{FunctionCall: &geminiFuncCall{Name: "search", Args: json.RawMessage(`{"q":"x"}`)}},
					},
				},
			},
		},
		UsageMetadata: &geminiUsage{
			PromptTokenCount:        12,
			CandidatesTokenCount:    8,
			CachedContentTokenCount: 4,
		},
	}

	out := parseGeminiResponse(parsed)
	if out.Text != "Hello" {
		t.Errorf("unexpected text: %q", out.Text)
	}
	if out.Reasoning != "the plan" {
		t.Errorf("unexpected reasoning: %q", out.Reasoning)
	}
	if out.RequestID != "resp-1" {
		t.Errorf("unexpected request id: %q", out.RequestID)
	}
	if len(out.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(out.ToolCalls))
	}
	tc := out.ToolCalls[0]
	if tc.Name != "search" || tc.ID != "search-0" {
		t.Errorf("unexpected tool call: %+v", tc)
	}
	if out.Usage.InputTokens != 12 || out.Usage.OutputTokens != 8 || out.Usage.CacheReadTokens != 4 {
		t.Errorf("usage not mapped: %+v", out.Usage)
	}
}

func TestToolCallFromPart_EmptyArgs(t *testing.T) {
	tc := toolCallFromPart(geminiPart{FunctionCall: &geminiFuncCall{Name: "noop"}}, 2)
	if string(tc.Args) != `{}` {
		t.Errorf("expected {} args, got %q", string(tc.Args))
	}
	if tc.ID != "noop-2" {
		t.Errorf("unexpected derived id: %q", tc.ID)
	}
}

func TestChat_Basic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-2.0-flash:generateContent") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("api key not in query: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(geminiResponse{
			Candidates: []geminiCandidate{
				{Content: geminiContent{Parts: []geminiPart{{Text: strPtr("Hi!")}}}},
			},
			UsageMetadata: &geminiUsage{PromptTokenCount: 3, CandidatesTokenCount: 2},
		})
	}))
	defer srv.Close()

	d := New("test-key", "gemini-2.0-flash", WithBaseURL(srv.URL))
	out, err := d.Chat(context.Background(), []gro.Message{gro.UserMessage("Hi")}, gro.ChatOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "Hi!" {
		t.Errorf("unexpected text: %q", out.Text)
	}
	if out.Usage.InputTokens != 3 {
		t.Errorf("unexpected usage: %+v", out.Usage)
	}
}

func TestChat_Streaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("expected streaming endpoint, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}`+"\n\n")
		io.WriteString(w, `data: {"candidates":[{"content":{"parts":[{"text":"lo"}]}}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2}}`+"\n\n")
	}))
	defer srv.Close()

	var tokens []string
	d := New("k", "gemini-2.0-flash", WithBaseURL(srv.URL))
	out, err := d.Chat(context.Background(), []gro.Message{gro.UserMessage("Hi")},
		gro.ChatOptions{OnToken: func(tok string) { tokens = append(tokens, tok) }})
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "Hello" {
		t.Errorf("unexpected text: %q", out.Text)
	}
	if strings.Join(tokens, "") != "Hello" {
		t.Errorf("tokens do not reassemble: %v", tokens)
	}
	if out.Usage.InputTokens != 4 {
		t.Errorf("unexpected usage: %+v", out.Usage)
	}
}

func TestChat_StreamingMultilineChunk(t *testing.T) {
	// Gemini pretty-prints chunks across lines; the reader must reassemble.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"candidates\":[{\"content\":{\"parts\":[\n")
		io.WriteString(w, "{\"text\":\"OK\"}]}}]}\n\n")
	}))
	defer srv.Close()

	d := New("k", "gemini-2.0-flash", WithBaseURL(srv.URL))
	out, err := d.Chat(context.Background(), []gro.Message{gro.UserMessage("Hi")},
		gro.ChatOptions{OnToken: func(string) {}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "OK" {
		t.Errorf("multiline chunk not reassembled: %q", out.Text)
	}
}

func TestChat_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"quota","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"14s"}]}}`)
	}))
	defer srv.Close()

	d := New("k", "gemini-2.0-flash", WithBaseURL(srv.URL))
	_, err := d.Chat(context.Background(), []gro.Message{gro.UserMessage("Hi")}, gro.ChatOptions{})

	var httpErr *gro.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *gro.ErrHTTP, got %T", err)
	}
	if httpErr.Status != http.StatusTooManyRequests {
		t.Errorf("unexpected status: %d", httpErr.Status)
	}
	if httpErr.RetryAfter != 14*time.Second {
		t.Errorf("RetryInfo delay not parsed: %v", httpErr.RetryAfter)
	}
}

func TestParseRetryInfo(t *testing.T) {
	cases := []struct {
		name string
		body string
		want time.Duration
	}{
		{"retry info", `{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"30s"}]}}`, 30 * time.Second},
		{"other detail", `{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.Help"}]}}`, 0},
		{"not json", `quota exceeded`, 0},
		{"empty", ``, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseRetryInfo(tc.body); got != tc.want {
				t.Errorf("parseRetryInfo(%q) = %v, want %v", tc.body, got, tc.want)
			}
		})
	}
}

func TestIsCompleteJSON(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{`{"a":1}`, true},
		{`{"a":{"b":2}}`, true},
		{`{"a":1`, false},
		{`{"a":"has } brace"}`, true},
		{`{"a":"escaped \" quote"}`, true},
		{`[1,2,3]`, true},
		{`[1,2`, false},
	}
	for _, tc := range cases {
		if got := isCompleteJSON(tc.in); got != tc.want {
			t.Errorf("isCompleteJSON(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
