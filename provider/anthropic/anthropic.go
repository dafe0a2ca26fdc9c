package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	gro "github.com/nevindra/gro"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

// Driver implements gro.Driver for the Anthropic Messages API.
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

// New creates an Anthropic driver with the given default model.
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

// Name returns "anthropic".
func (d *Driver) Name() string { return "anthropic" }

// Chat sends one Messages API request. Streaming callbacks switch it to SSE.
// A 4xx rejection of the thinking field marks the model in the process-wide
// set and retries once without it.
func (d *Driver) Chat(ctx context.Context, messages []gro.Message, opts gro.ChatOptions) (*gro.Output, error) {
	model := opts.Model
	if model == "" {
		model = d.model
	}

	out, err := d.chatOnce(ctx, messages, model, opts)
	if err != nil && opts.ThinkingBudget > 0 && gro.IsThinkingRejection(err) {
		d.logger.Warn("model rejected thinking, retrying without it", "model", model)
		gro.MarkThinkingRejected(model)
		retry := opts
		retry.ThinkingBudget = 0
		return d.chatOnce(ctx, messages, model, retry)
	}
	return out, err
}

func (d *Driver) chatOnce(ctx context.Context, messages []gro.Message, model string, opts gro.ChatOptions) (*gro.Output, error) {
	body := BuildBody(messages, model, opts)
	streaming := opts.OnToken != nil || opts.OnReasoningToken != nil || opts.OnToolDelta != nil
	body.Stream = streaming

	resp, err := d.send(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, d.httpErr(resp)
	}

	if streaming {
		return StreamSSE(ctx, resp.Body, d.Name(), opts)
	}

	var r Response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, &gro.ErrLLM{Provider: d.Name(), Message: fmt.Sprintf("decode response: %v", err)}
	}
	return parseResponse(r), nil
}

// parseResponse flattens a block-content response into a gro Output.
func parseResponse(r Response) *gro.Output {
	out := &gro.Output{
		RequestID: r.ID,
		Usage: gro.Usage{
			InputTokens:      r.Usage.InputTokens,
			OutputTokens:     r.Usage.OutputTokens,
			CacheWriteTokens: r.Usage.CacheCreationInputTokens,
			CacheReadTokens:  r.Usage.CacheReadInputTokens,
		},
	}
	for _, b := range r.Content {
		switch b.Type {
		case "text":
			out.Text += b.Text
		case "thinking":
			out.Reasoning += b.Thinking
		case "tool_use":
			input := b.Input
			if len(input) == 0 || !json.Valid(input) {
				input = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, gro.ToolCall{ID: b.ID, Name: b.Name, Args: input})
		}
	}
	return out
}

// send posts the request to the messages endpoint with the version headers.
func (d *Driver) send(ctx context.Context, body Request) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &gro.ErrLLM{Provider: d.Name(), Message: fmt.Sprintf("marshal request: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, &gro.ErrLLM{Provider: d.Name(), Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", d.apiKey)
	req.Header.Set("anthropic-version", apiVersion)
	return d.client.Do(req)
}

// httpErr reads the response body into an ErrHTTP for the retry engine.
func (d *Driver) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &gro.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: gro.ParseRetryAfter(resp.Header.Get("Retry-After")),
		RequestID:  resp.Header.Get("request-id"),
	}
}

// Compile-time interface check.
var _ gro.Driver = (*Driver)(nil)
