package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	gro "github.com/nevindra/gro"
)

// StreamSSE reads a Messages API SSE stream and returns the accumulated
// output. Blocks are tracked by index: content_block_start announces the
// block type, deltas append to it, and tool_use inputs accumulate as
// partial_json fragments finalized only at stream end.
//
// Event sequence:
//
//	event: message_start        — request id, input-side usage
//	event: content_block_start  — block index and type
//	event: content_block_delta  — text_delta | input_json_delta | thinking_delta | signature_delta
//	event: content_block_stop
//	event: message_delta        — stop reason, output-side usage
//	event: message_stop
func StreamSSE(ctx context.Context, body io.Reader, providerName string, opts gro.ChatOptions) (*gro.Output, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	type partialBlock struct {
		kind     string
		toolID   string
		toolName string
		text     strings.Builder
		args     strings.Builder
	}
	blocks := map[int]*partialBlock{}
	order := []int{}

	var (
		usage     gro.Usage
		requestID string
		reasoning strings.Builder
	)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				requestID = ev.Message.ID
				usage.InputTokens = ev.Message.Usage.InputTokens
				usage.CacheWriteTokens = ev.Message.Usage.CacheCreationInputTokens
				usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			pb := &partialBlock{kind: "text"}
			if ev.ContentBlock != nil {
				pb.kind = ev.ContentBlock.Type
				pb.toolID = ev.ContentBlock.ID
				pb.toolName = ev.ContentBlock.Name
			}
			blocks[ev.Index] = pb
			order = append(order, ev.Index)

		case "content_block_delta":
			pb := blocks[ev.Index]
			if pb == nil || ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				pb.text.WriteString(ev.Delta.Text)
				if opts.OnToken != nil {
					opts.OnToken(ev.Delta.Text)
				}
			case "input_json_delta":
				pb.args.WriteString(ev.Delta.PartialJSON)
				if opts.OnToolDelta != nil {
					opts.OnToolDelta(ev.Index, pb.toolName, ev.Delta.PartialJSON)
				}
			case "thinking_delta":
				reasoning.WriteString(ev.Delta.Thinking)
				if opts.OnReasoningToken != nil {
					opts.OnReasoningToken(ev.Delta.Thinking)
				}
			case "signature_delta":
				// Integrity signature over the thinking block; the runtime
				// does not resend thinking, so it is dropped.
			}

		case "message_delta":
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
			}

		case "error":
			if ev.Error != nil {
				return nil, &gro.ErrLLM{Provider: providerName, Message: fmt.Sprintf("%s: %s", ev.Error.Type, ev.Error.Message)}
			}

		case "message_stop":
			// Fall through to scanner EOF.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	out := &gro.Output{
		Reasoning: reasoning.String(),
		Usage:     usage,
		RequestID: requestID,
	}
	var text strings.Builder
	for _, idx := range order {
		pb := blocks[idx]
		switch pb.kind {
		case "text":
			text.WriteString(pb.text.String())
		case "tool_use":
			args := json.RawMessage(pb.args.String())
			if !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, gro.ToolCall{ID: pb.toolID, Name: pb.toolName, Args: args})
		}
	}
	out.Text = text.String()
	return out, nil
}
