package gro

import (
	"context"
	"sync"
)

// Sampling carries optional generation parameter overrides. Nil fields use
// provider defaults.
type Sampling struct {
	Temperature *float64 // [0, 2]
	TopP        *float64 // [0, 1]
	TopK        *int     // positive
}

// ChatOptions configures a single Driver.Chat call.
type ChatOptions struct {
	// Model overrides the driver's default model for this call.
	Model string
	// Tools is the tool list in canonical format. Empty disables tool calling.
	Tools []ToolDefinition
	// MaxTokens caps the completion length. 0 = driver default.
	MaxTokens int
	// ThinkingBudget in [0,1] controls the provider's reasoning extension.
	// 0 disables reasoning. See the per-model capability table in thinking.go.
	ThinkingBudget float64
	// Sampling holds optional temperature/top-p/top-k overrides.
	Sampling *Sampling
	// EnableCaching turns on prompt-cache hints for dialects that support them.
	EnableCaching bool

	// OnToken receives each streamed text token.
	OnToken func(token string)
	// OnReasoningToken receives each streamed reasoning fragment.
	OnReasoningToken func(token string)
	// OnToolDelta receives incremental tool-call argument fragments, keyed by
	// the call's position in the response.
	OnToolDelta func(index int, name, argsFragment string)
}

// Output is the structured result of one completion request.
type Output struct {
	Text      string
	Reasoning string
	ToolCalls []ToolCall
	Usage     Usage
	RequestID string
}

// Driver is the provider adaptation layer: it translates canonical messages
// to one wire dialect, streams the response, and returns a structured output.
// Cancellation propagates through ctx. Drivers hold no per-conversation state
// between calls.
type Driver interface {
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (*Output, error)
	Name() string
}

// Summarizer is the single-method interface virtual memory needs for
// synchronous page summarization. Passing a Driver through this narrow
// interface breaks the memory ↔ driver reference cycle.
type Summarizer interface {
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (*Output, error)
}

// --- thinking rejection cache ---

// Some models reject requests carrying a thinking/reasoning field with a 4xx.
// The first rejection marks the model in this process-wide set; subsequent
// calls omit the field without a wasted round trip. Tests reset it between
// cases via ResetThinkingRejections.
var (
	thinkingRejectedMu sync.Mutex
	thinkingRejected   = map[string]bool{}
)

// MarkThinkingRejected records that model refused a thinking request.
func MarkThinkingRejected(model string) {
	thinkingRejectedMu.Lock()
	thinkingRejected[model] = true
	thinkingRejectedMu.Unlock()
}

// ThinkingRejected reports whether model previously refused a thinking request.
func ThinkingRejected(model string) bool {
	thinkingRejectedMu.Lock()
	defer thinkingRejectedMu.Unlock()
	return thinkingRejected[model]
}

// ResetThinkingRejections clears the process-wide rejection set. Test helper.
func ResetThinkingRejections() {
	thinkingRejectedMu.Lock()
	thinkingRejected = map[string]bool{}
	thinkingRejectedMu.Unlock()
}
