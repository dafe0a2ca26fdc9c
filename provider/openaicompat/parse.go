package openaicompat

import (
	"encoding/json"

	gro "github.com/nevindra/gro"
)

// ParseResponse converts a non-streaming ChatResponse to a gro Output,
// extracting content, reasoning, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) (*gro.Output, error) {
	out := &gro.Output{RequestID: resp.ID}

	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		msg := resp.Choices[0].Message
		out.Text = msg.Content
		out.Reasoning = msg.ReasoningContent
		out.ToolCalls = ParseToolCalls(msg.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = gro.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
		if resp.Usage.PromptTokensDetails != nil {
			out.Usage.CacheReadTokens = resp.Usage.PromptTokensDetails.CachedTokens
		}
	}
	return out, nil
}

// ParseToolCalls converts wire tool calls to canonical ones. The wire gives
// arguments as a JSON string; invalid payloads collapse to "{}".
func ParseToolCalls(tcs []ToolCallRequest) []gro.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]gro.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, gro.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	return out
}
