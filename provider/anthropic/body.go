package anthropic

import (
	"encoding/json"

	gro "github.com/nevindra/gro"
)

// maxCacheBreakpoints is the Messages API limit on cache_control markers per
// request. One is reserved for the tool block when tools are present.
const maxCacheBreakpoints = 4

// defaultMaxTokens applies when the caller sets no completion cap; the
// Messages API requires max_tokens.
const defaultMaxTokens = 8192

// BuildBody converts canonical messages into a Messages API request.
//
// System-role messages leave the conversation and become the top-level
// system block list, ordered by cache stability: the static prompt first,
// then virtual-memory pages, then the per-turn sensory section. Cache
// breakpoints go on the most stable prefixes so reordering volatile content
// never invalidates them.
func BuildBody(messages []gro.Message, model string, opts gro.ChatOptions) Request {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	req := Request{
		Model:     model,
		MaxTokens: maxTokens,
		System:    buildSystem(messages, opts.EnableCaching, len(opts.Tools) > 0),
		Messages:  buildConversation(messages),
	}

	for _, t := range opts.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		req.Tools = append(req.Tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	if opts.EnableCaching && len(req.Tools) > 0 {
		// Tool definitions are the most stable request section; one
		// breakpoint after the last tool covers them all.
		req.Tools[len(req.Tools)-1].CacheControl = &CacheControl{Type: "ephemeral"}
	}

	if s := opts.Sampling; s != nil {
		req.Temperature = s.Temperature
		req.TopP = s.TopP
		req.TopK = s.TopK
	}

	if opts.ThinkingBudget > 0 && gro.ThinkingModeFor(model) == gro.ThinkingManual {
		if budget := gro.ReasoningTokens(opts.ThinkingBudget, maxTokens); budget > 0 {
			req.Thinking = &ThinkingConfig{Type: "enabled", BudgetTokens: budget}
			// Thinking requires default sampling.
			req.Temperature = nil
			req.TopP = nil
			req.TopK = nil
		}
	}

	return req
}

// buildSystem extracts system messages into the block list, stability-sorted
// and cache-marked. Stability classes: static prompt (From=System and
// untagged system turns), virtual-memory pages, sensory. The sensory section
// changes every turn and never gets a breakpoint.
func buildSystem(messages []gro.Message, caching, hasTools bool) []SystemBlock {
	var static, pages, sensory []SystemBlock
	for _, m := range messages {
		if m.Role != gro.RoleSystem {
			continue
		}
		b := SystemBlock{Type: "text", Text: m.Content}
		switch m.From {
		case gro.SourceVirtualMemory:
			pages = append(pages, b)
		case gro.SourceSensory:
			sensory = append(sensory, b)
		default:
			static = append(static, b)
		}
	}

	budget := maxCacheBreakpoints
	if hasTools {
		budget-- // reserved for the tool block
	}
	if caching {
		if len(static) > 0 && budget > 0 {
			static[len(static)-1].CacheControl = &CacheControl{Type: "ephemeral"}
			budget--
		}
		if len(pages) > 0 && budget > 0 {
			pages[len(pages)-1].CacheControl = &CacheControl{Type: "ephemeral"}
			budget--
		}
	}

	out := make([]SystemBlock, 0, len(static)+len(pages)+len(sensory))
	out = append(out, static...)
	out = append(out, pages...)
	out = append(out, sensory...)
	return out
}

// buildConversation converts the non-system turns into block-content
// messages and merges adjacent same-role messages: the API requires strict
// user/assistant alternation, and tool results are user-role blocks.
func buildConversation(messages []gro.Message) []Message {
	var out []Message

	appendBlocks := func(role string, blocks ...ContentBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, Message{Role: role, Content: blocks})
	}

	for _, m := range messages {
		switch m.Role {
		case gro.RoleSystem:
			// Handled by buildSystem.

		case gro.RoleAssistant:
			var blocks []ContentBlock
			if m.Content != "" {
				blocks = append(blocks, ContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Args
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, ContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			appendBlocks("assistant", blocks...)

		case gro.RoleTool:
			appendBlocks("user", ContentBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			})

		default: // user
			if m.Content != "" {
				appendBlocks("user", ContentBlock{Type: "text", Text: m.Content})
			}
		}
	}
	return out
}
