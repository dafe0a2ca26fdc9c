package openaicompat

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

// Driver implements gro.Driver for any OpenAI-compatible API.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, and any other provider
// that implements the chat completions API.
type Driver struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	logger  *slog.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithName sets the name returned by Name() (default "openai"). Use this to
// distinguish gateways in logs.
func WithName(name string) Option {
	return func(d *Driver) { d.name = name }
}

// WithHTTPClient sets a custom HTTP client (timeouts, proxies).
func WithHTTPClient(c *http.Client) Option {
	return func(d *Driver) { d.client = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// New creates an OpenAI-compatible driver.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1"). The
// /chat/completions path is appended automatically.
func New(apiKey, model, baseURL string, opts ...Option) *Driver {
	d := &Driver{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the driver name.
func (d *Driver) Name() string { return d.name }

// Chat sends one completion request. With any of the streaming callbacks set
// the request streams over SSE; otherwise it is a plain request/response.
// A 4xx rejection of the reasoning field marks the model in the process-wide
// set and retries once without it.
func (d *Driver) Chat(ctx context.Context, messages []gro.Message, opts gro.ChatOptions) (*gro.Output, error) {
	model := opts.Model
	if model == "" {
		model = d.model
	}
	if s := opts.Sampling; s != nil && s.TopK != nil {
		d.logger.Warn("top_k not supported by chat completions API, ignored", "model", model)
	}

	out, err := d.chatOnce(ctx, messages, model, opts)
	if err != nil && opts.ThinkingBudget > 0 && gro.IsThinkingRejection(err) {
		d.logger.Warn("model rejected reasoning field, retrying without it", "model", model)
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
	if streaming {
		body.Stream = true
		body.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	resp, err := d.send(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, d.httpErr(resp)
	}

	if streaming {
		return StreamSSE(ctx, resp.Body, opts)
	}
	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &gro.ErrLLM{Provider: d.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return ParseResponse(chatResp)
}

// send marshals the request body and posts it to the completions endpoint.
func (d *Driver) send(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &gro.ErrLLM{Provider: d.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := d.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &gro.ErrLLM{Provider: d.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	return d.client.Do(req)
}

// httpErr reads the response body into an ErrHTTP for the retry engine,
// including any Retry-After hint.
func (d *Driver) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &gro.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: gro.ParseRetryAfter(resp.Header.Get("Retry-After")),
		RequestID:  resp.Header.Get("X-Request-Id"),
	}
}

// Compile-time interface check.
var _ gro.Driver = (*Driver)(nil)
