package gro

import "encoding/json"

// --- Canonical message model ---

// Message roles. Every message in the working buffer carries exactly one.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Source tags for the From field. SourceSystem marks the base system prompt,
// which is never compacted. SourceVirtualMemory marks page bodies injected by
// auto-fill so drivers can apply cache hints. SourceSensory marks the
// per-turn sensory sections (context map, familiarity, deja-vu warnings).
const (
	SourceSystem        = "System"
	SourceVirtualMemory = "VirtualMemory"
	SourceSensory       = "SensoryMemory"
)

// Message is the canonical conversation record shared by the scheduler,
// virtual memory, and all provider drivers.
//
// Invariant: a tool message's ToolCallID references a call that appears in an
// earlier assistant message's ToolCalls list. History repair enforces this
// before every request (see RepairHistory).
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	From       string     `json:"from,omitempty"` // sub-source label, e.g. "System", "VirtualMemory"
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
	Importance float64    `json:"importance,omitempty"` // [0,1]; 0 = unweighted
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a single tool invocation emitted by the model. Args holds the
// raw JSON arguments string; during streaming it accumulates fragments and is
// only parsed at finalization.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDefinition describes a callable tool in the canonical format drivers
// translate to their wire dialect.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Usage counts tokens for one completion request.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.CacheWriteTokens += u2.CacheWriteTokens
	u.CacheReadTokens += u2.CacheReadTokens
}

// --- Message constructors ---

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

func ToolResultMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, ToolName: name}
}

// EstimateTokens approximates the token count of a string using the runtime's
// chars-per-token ratio. Budget arithmetic throughout virtual memory uses
// this, so the same approximation must be applied everywhere.
func EstimateTokens(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}

// charsPerToken is the budgeting approximation for English-heavy text.
const charsPerToken = 4

// MessageTokens estimates the token footprint of a message including its
// tool-call arguments.
func MessageTokens(m Message) int {
	n := EstimateTokens(m.Content)
	for _, tc := range m.ToolCalls {
		n += EstimateTokens(string(tc.Args)) + EstimateTokens(tc.Name)
	}
	return n
}
