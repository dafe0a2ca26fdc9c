// Package gemini implements the gro driver for the Google Gemini API:
// role-tagged contents with typed parts, functionCall/functionResponse tool
// pairing, a top-level systemInstruction, and thinkingConfig with an
// explicit token budget.
package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gro "github.com/nevindra/gro"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Driver implements gro.Driver for Gemini models.
type Driver struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithBaseURL overrides the API base (proxies, test servers).
func WithBaseURL(u string) Option {
	return func(d *Driver) { d.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Driver) { d.client = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// New creates a Gemini driver with the given default model.
func New(apiKey, model string, opts ...Option) *Driver {
	d := &Driver{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns "gemini".
func (d *Driver) Name() string { return "gemini" }

// Chat sends one generateContent request, streaming over SSE when any
// callback is set. A 4xx rejection of thinkingConfig marks the model in the
// process-wide set and retries once without it.
func (d *Driver) Chat(ctx context.Context, messages []gro.Message, opts gro.ChatOptions) (*gro.Output, error) {
	model := opts.Model
	if model == "" {
		model = d.model
	}

	out, err := d.chatOnce(ctx, messages, model, opts)
	if err != nil && opts.ThinkingBudget > 0 && gro.IsThinkingRejection(err) {
		d.logger.Warn("model rejected thinkingConfig, retrying without it", "model", model)
		gro.MarkThinkingRejected(model)
		retry := opts
		retry.ThinkingBudget = 0
		return d.chatOnce(ctx, messages, model, retry)
	}
	return out, err
}

func (d *Driver) chatOnce(ctx context.Context, messages []gro.Message, model string, opts gro.ChatOptions) (*gro.Output, error) {
	body := buildBody(messages, model, opts)
	streaming := opts.OnToken != nil || opts.OnReasoningToken != nil || opts.OnToolDelta != nil

	verb := "generateContent"
	if streaming {
		verb = "streamGenerateContent?alt=sse&key=" + d.apiKey
	} else {
		verb += "?key=" + d.apiKey
	}
	url := fmt.Sprintf("%s/models/%s:%s", d.baseURL, model, verb)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, d.wrapErr("marshal body: " + err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, d.wrapErr("create request: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, d.wrapErr("request failed: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, httpErr(resp, string(b))
	}

	if streaming {
		return d.stream(ctx, resp.Body, opts)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, d.wrapErr("read response: " + err.Error())
	}
	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, d.wrapErr("parse response: " + err.Error())
	}
	return parseGeminiResponse(parsed), nil
}

// stream reads the SSE response. Gemini chunks can span multiple lines, so
// incomplete JSON accumulates until braces balance.
func (d *Driver) stream(ctx context.Context, body io.Reader, opts gro.ChatOptions) (*gro.Output, error) {
	out := &gro.Output{}
	var text, reasoning strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	var jsonBuf strings.Builder
	process := func(chunk string) {
		d.processChunk(chunk, &text, &reasoning, out, opts)
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			if jsonBuf.Len() > 0 {
				jsonBuf.WriteString(line)
				if isCompleteJSON(jsonBuf.String()) {
					process(jsonBuf.String())
					jsonBuf.Reset()
				}
			}
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}
		if isCompleteJSON(data) {
			process(data)
		} else {
			jsonBuf.Reset()
			jsonBuf.WriteString(data)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if jsonBuf.Len() > 0 && isCompleteJSON(jsonBuf.String()) {
		process(jsonBuf.String())
	}

	out.Text = text.String()
	out.Reasoning = reasoning.String()
	return out, nil
}

// processChunk parses one streamed JSON chunk: text parts fire OnToken,
// thought parts fire OnReasoningToken, functionCall parts arrive complete
// and append to ToolCalls, and usage metadata overwrites (last chunk wins).
func (d *Driver) processChunk(jsonStr string, text, reasoning *strings.Builder, out *gro.Output, opts gro.ChatOptions) {
	var parsed geminiResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return
	}
	if len(parsed.Candidates) > 0 {
		for _, part := range parsed.Candidates[0].Content.Parts {
			switch {
			case part.Thought:
				if part.Text != nil {
					reasoning.WriteString(*part.Text)
					if opts.OnReasoningToken != nil {
						opts.OnReasoningToken(*part.Text)
					}
				}
			case part.FunctionCall != nil:
				tc := toolCallFromPart(part, len(out.ToolCalls))
				if opts.OnToolDelta != nil {
					opts.OnToolDelta(len(out.ToolCalls), tc.Name, string(tc.Args))
				}
				out.ToolCalls = append(out.ToolCalls, tc)
			case part.Text != nil:
				text.WriteString(*part.Text)
				if opts.OnToken != nil {
					opts.OnToken(*part.Text)
				}
			}
		}
	}
	if parsed.UsageMetadata != nil {
		out.Usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		out.Usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
		out.Usage.CacheReadTokens = parsed.UsageMetadata.CachedContentTokenCount
	}
}

func (d *Driver) wrapErr(msg string) error {
	return &gro.ErrLLM{Provider: "gemini", Message: msg}
}

// httpErr creates an ErrHTTP, extracting the retry delay from the
// Retry-After header or the google.rpc.RetryInfo detail in the error body.
func httpErr(resp *http.Response, body string) *gro.ErrHTTP {
	ra := gro.ParseRetryAfter(resp.Header.Get("Retry-After"))
	if ra == 0 {
		ra = parseRetryInfo(body)
	}
	return &gro.ErrHTTP{Status: resp.StatusCode, Body: body, RetryAfter: ra}
}

// parseRetryInfo extracts retryDelay from an error body carrying a
// google.rpc.RetryInfo detail. Returns 0 if not found or unparseable.
func parseRetryInfo(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}

// ---- Body builder ----

// buildBody constructs the generateContent request body. System messages
// collapse into systemInstruction; tool results become functionResponse
// parts under the user role; the thinking budget maps to
// thinkingConfig.thinkingBudget in tokens.
func buildBody(messages []gro.Message, model string, opts gro.ChatOptions) map[string]any {
	var systemParts []string
	var contents []map[string]any

	for _, m := range messages {
		switch {
		case m.Role == gro.RoleSystem:
			systemParts = append(systemParts, m.Content)

		case m.Role == gro.RoleAssistant && len(m.ToolCalls) > 0:
			parts := make([]map[string]any, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args any = map[string]any{}
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &args); err != nil {
						args = map[string]any{}
					}
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{"name": tc.Name, "args": args},
				})
			}
			contents = append(contents, map[string]any{"role": "model", "parts": parts})

		case m.Role == gro.RoleTool:
			name := m.ToolName
			if name == "" {
				name = m.ToolCallID
			}
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{{
					"functionResponse": map[string]any{
						"name":     name,
						"response": map[string]any{"result": m.Content},
					},
				}},
			})

		default:
			content := m.Content
			if content == "" {
				content = " " // the API requires at least one non-empty part
			}
			contents = append(contents, map[string]any{
				"role":  mapRole(m.Role),
				"parts": []map[string]any{{"text": content}},
			})
		}
	}

	body := map[string]any{"contents": contents}

	if len(systemParts) > 0 {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": strings.Join(systemParts, "\n\n")}},
		}
	}

	if len(opts.Tools) > 0 {
		declarations := make([]map[string]any, 0, len(opts.Tools))
		for _, t := range opts.Tools {
			var params any = map[string]any{}
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, &params); err != nil {
					params = map[string]any{}
				}
			}
			declarations = append(declarations, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			})
		}
		body["tools"] = []map[string]any{{"functionDeclarations": declarations}}
	}

	genConfig := map[string]any{}
	if opts.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = opts.MaxTokens
	}
	if s := opts.Sampling; s != nil {
		if s.Temperature != nil {
			genConfig["temperature"] = *s.Temperature
		}
		if s.TopP != nil {
			genConfig["topP"] = *s.TopP
		}
		if s.TopK != nil {
			genConfig["topK"] = *s.TopK
		}
	}
	if opts.ThinkingBudget > 0 && gro.ThinkingModeFor(model) == gro.ThinkingManual {
		maxTokens := opts.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 8192
		}
		genConfig["thinkingConfig"] = map[string]any{
			"thinkingBudget":  gro.ReasoningTokens(opts.ThinkingBudget, maxTokens),
			"includeThoughts": true,
		}
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}

	return body
}

// mapRole converts canonical roles to Gemini API roles.
func mapRole(role string) string {
	if role == gro.RoleAssistant {
		return "model"
	}
	return role
}

// ---- Response parsing types ----

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata"`
	ResponseID    string            `json:"responseId"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role"`
}

type geminiPart struct {
	Text         *string         `json:"text,omitempty"`
	FunctionCall *geminiFuncCall `json:"functionCall,omitempty"`
	Thought      bool            `json:"thought,omitempty"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiUsage struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount"`
}

// parseGeminiResponse converts a parsed response into a gro Output.
func parseGeminiResponse(parsed geminiResponse) *gro.Output {
	out := &gro.Output{RequestID: parsed.ResponseID}
	var content, reasoning strings.Builder

	if len(parsed.Candidates) > 0 {
		for _, part := range parsed.Candidates[0].Content.Parts {
			switch {
			case part.Thought:
				if part.Text != nil {
					reasoning.WriteString(*part.Text)
				}
			case part.FunctionCall != nil:
				out.ToolCalls = append(out.ToolCalls, toolCallFromPart(part, len(out.ToolCalls)))
			case part.Text != nil:
				content.WriteString(*part.Text)
			}
		}
	}
	out.Text = content.String()
	out.Reasoning = reasoning.String()

	if parsed.UsageMetadata != nil {
		out.Usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		out.Usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
		out.Usage.CacheReadTokens = parsed.UsageMetadata.CachedContentTokenCount
	}
	return out
}

// toolCallFromPart converts a functionCall part. Gemini does not assign call
// ids, so one is derived from the name and position; functionResponse
// pairing goes by name on this dialect anyway.
func toolCallFromPart(part geminiPart, index int) gro.ToolCall {
	args := part.FunctionCall.Args
	if len(args) == 0 || !json.Valid(args) {
		args = json.RawMessage(`{}`)
	}
	return gro.ToolCall{
		ID:   fmt.Sprintf("%s-%d", part.FunctionCall.Name, index),
		Name: part.FunctionCall.Name,
		Args: args,
	}
}

// isCompleteJSON checks whether a string has balanced braces/brackets,
// indicating it is a complete JSON value.
func isCompleteJSON(s string) bool {
	depth := 0
	inString := false
	escape := false

	for _, ch := range s {
		if escape {
			escape = false
			continue
		}
		if ch == '\\' && inString {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return depth == 0 && !inString
}

// Compile-time interface check.
var _ gro.Driver = (*Driver)(nil)
