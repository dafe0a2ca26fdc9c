package openaicompat

import (
	"encoding/json"

	gro "github.com/nevindra/gro"
)

// BuildBody converts canonical messages into a flat chat completions
// request. System messages stay in the message list as role:"system";
// source tags (From) are a runtime concern and never reach the wire.
// Thinking maps to reasoning_effort on models that advertise the adaptive
// mode; other models get no reasoning field at all.
func BuildBody(messages []gro.Message, model string, opts gro.ChatOptions) ChatRequest {
	var msgs []Message

	for _, m := range messages {
		switch {
		case m.Role == gro.RoleAssistant && len(m.ToolCalls) > 0:
			var tcs []ToolCallRequest
			for i, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					Index: i,
					ID:    tc.ID,
					Type:  "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msgs = append(msgs, Message{
				Role:      "assistant",
				Content:   m.Content,
				ToolCalls: tcs,
			})

		case m.Role == gro.RoleTool:
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			msgs = append(msgs, Message{Role: m.Role, Content: m.Content})
		}
	}

	req := ChatRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: opts.MaxTokens,
	}

	if len(opts.Tools) > 0 {
		req.Tools = BuildToolDefs(opts.Tools)
	}

	if s := opts.Sampling; s != nil {
		req.Temperature = s.Temperature
		req.TopP = s.TopP
		// top_k is not part of the chat completions surface; drivers warn at
		// construction, not per request.
	}

	if opts.ThinkingBudget > 0 && gro.ThinkingModeFor(model) == gro.ThinkingAdaptive {
		req.ReasoningEffort = gro.EffortLabel(opts.ThinkingBudget)
	}

	return req
}

// BuildToolDefs converts canonical tool definitions to the OpenAI format.
func BuildToolDefs(tools []gro.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
