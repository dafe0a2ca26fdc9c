package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	gro "github.com/nevindra/gro"
)

// StreamSSE reads a chat completions SSE stream and returns the fully
// accumulated output. Text and reasoning deltas fire the ChatOptions
// callbacks as they arrive; tool-call argument fragments accumulate per
// index and are finalized only once the stream ends.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, opts gro.ChatOptions) (*gro.Output, error) {
	scanner := bufio.NewScanner(body)
	// Large tool-call argument chunks need room.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var (
		content   strings.Builder
		reasoning strings.Builder
		usage     gro.Usage
		requestID string
	)

	// Tool calls stream incrementally: each chunk carries an index and the
	// arguments arrive as string fragments.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}
		if chunk.ID != "" {
			requestID = chunk.ID
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
			if chunk.Usage.PromptTokensDetails != nil {
				usage.CacheReadTokens = chunk.Usage.PromptTokensDetails.CachedTokens
			}
		}
		if len(chunk.Choices) == 0 {
			continue // usage-only chunk
		}
		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			content.WriteString(delta.Content)
			if opts.OnToken != nil {
				opts.OnToken(delta.Content)
			}
		}
		if delta.ReasoningContent != "" {
			reasoning.WriteString(delta.ReasoningContent)
			if opts.OnReasoningToken != nil {
				opts.OnReasoningToken(delta.ReasoningContent)
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
				if opts.OnToolDelta != nil {
					opts.OnToolDelta(idx, toolCalls[idx].Name, tc.Function.Arguments)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	out := &gro.Output{
		Text:      content.String(),
		Reasoning: reasoning.String(),
		Usage:     usage,
		RequestID: requestID,
	}
	for _, tc := range toolCalls {
		out.ToolCalls = append(out.ToolCalls, finalizeToolCall(tc.ID, tc.Name, tc.Args.String()))
	}
	return out, nil
}

// finalizeToolCall validates accumulated argument fragments; anything that
// is not valid JSON collapses to the empty object so dispatch never sees a
// torn fragment.
func finalizeToolCall(id, name, args string) gro.ToolCall {
	raw := json.RawMessage(args)
	if !json.Valid(raw) {
		raw = json.RawMessage(`{}`)
	}
	return gro.ToolCall{ID: id, Name: name, Args: raw}
}
