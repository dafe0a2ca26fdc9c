package gro

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// EventWriter receives the run's observable events. The scheduler drives one
// writer per run; implementations decide what reaches the terminal.
type EventWriter interface {
	Token(s string)
	Reasoning(s string)
	ToolCall(name string, args json.RawMessage)
	ToolResult(name, content string, isErr bool)
	// Result closes the run with the final assistant text and accounting.
	Result(text string, meta SessionMeta)
}

// Cooperative yield pacing: after roughly this many bytes of output in one
// burst, pause briefly so the terminal and any supervising process keep up.
const (
	yieldEveryBytes = 1024
	yieldPause      = 8 * time.Millisecond
)

// --- text ---

// TextWriter streams tokens verbatim and renders tool activity as single
// status lines. The default interactive format.
type TextWriter struct {
	mu      sync.Mutex
	out     io.Writer
	burst   int
	Verbose bool // also print reasoning and tool arguments
}

func NewTextWriter(out io.Writer) *TextWriter {
	return &TextWriter{out: out}
}

func (w *TextWriter) Token(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	io.WriteString(w.out, s)
	w.burst += len(s)
	if w.burst >= yieldEveryBytes {
		w.burst = 0
		time.Sleep(yieldPause)
	}
}

func (w *TextWriter) Reasoning(s string) {
	if !w.Verbose {
		return
	}
	w.mu.Lock()
	io.WriteString(w.out, s)
	w.mu.Unlock()
}

func (w *TextWriter) ToolCall(name string, args json.RawMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Verbose {
		fmt.Fprintf(w.out, "\n⏺ %s %s\n", name, compactJSON(args))
		return
	}
	fmt.Fprintf(w.out, "\n⏺ %s\n", name)
}

func (w *TextWriter) ToolResult(name, content string, isErr bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	mark := "⎿"
	if isErr {
		mark = "⎿ error:"
	}
	fmt.Fprintf(w.out, "  %s %s\n", mark, firstLine(content, 160))
}

func (w *TextWriter) Result(text string, meta SessionMeta) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !strings.HasSuffix(text, "\n") {
		io.WriteString(w.out, "\n")
	}
}

// --- json ---

// JSONWriter buffers everything and emits one JSON document when the run
// finishes. For -p runs feeding other programs.
type JSONWriter struct {
	mu    sync.Mutex
	out   io.Writer
	tools []jsonToolRecord
}

type jsonToolRecord struct {
	Name    string          `json:"name"`
	Args    json.RawMessage `json:"args,omitempty"`
	Result  string          `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

func NewJSONWriter(out io.Writer) *JSONWriter {
	return &JSONWriter{out: out}
}

func (w *JSONWriter) Token(string)     {}
func (w *JSONWriter) Reasoning(string) {}

func (w *JSONWriter) ToolCall(name string, args json.RawMessage) {
	w.mu.Lock()
	w.tools = append(w.tools, jsonToolRecord{Name: name, Args: args})
	w.mu.Unlock()
}

func (w *JSONWriter) ToolResult(name, content string, isErr bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.tools) - 1; i >= 0; i-- {
		if w.tools[i].Name == name && w.tools[i].Result == "" {
			w.tools[i].Result = content
			w.tools[i].IsError = isErr
			return
		}
	}
}

func (w *JSONWriter) Result(text string, meta SessionMeta) {
	w.mu.Lock()
	defer w.mu.Unlock()
	doc := struct {
		Result    string           `json:"result"`
		SessionID string           `json:"session_id,omitempty"`
		Turns     int              `json:"turns"`
		CostUSD   float64          `json:"cost_usd"`
		Usage     Usage            `json:"usage"`
		Tools     []jsonToolRecord `json:"tools,omitempty"`
	}{text, meta.ID, meta.Turns, meta.CostUSD, meta.Usage, w.tools}
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	enc.Encode(doc)
}

// --- stream-json ---

// StreamJSONWriter emits one JSON event per line as the run progresses.
type StreamJSONWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewStreamJSONWriter(out io.Writer) *StreamJSONWriter {
	return &StreamJSONWriter{enc: json.NewEncoder(out)}
}

type streamEvent struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Name    string          `json:"name,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Content string          `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Turns   int             `json:"turns,omitempty"`
	CostUSD float64         `json:"cost_usd,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

func (w *StreamJSONWriter) emit(ev streamEvent) {
	w.mu.Lock()
	w.enc.Encode(ev)
	w.mu.Unlock()
}

func (w *StreamJSONWriter) Token(s string)     { w.emit(streamEvent{Type: "token", Text: s}) }
func (w *StreamJSONWriter) Reasoning(s string) { w.emit(streamEvent{Type: "reasoning", Text: s}) }

func (w *StreamJSONWriter) ToolCall(name string, args json.RawMessage) {
	w.emit(streamEvent{Type: "tool_call", Name: name, Args: args})
}

func (w *StreamJSONWriter) ToolResult(name, content string, isErr bool) {
	w.emit(streamEvent{Type: "tool_result", Name: name, Content: content, IsError: isErr})
}

func (w *StreamJSONWriter) Result(text string, meta SessionMeta) {
	w.emit(streamEvent{Type: "result", Text: text, Turns: meta.Turns, CostUSD: meta.CostUSD, Usage: &meta.Usage})
}

// nopEventWriter discards everything. Used when no writer is configured.
type nopEventWriter struct{}

func (nopEventWriter) Token(string)                          {}
func (nopEventWriter) Reasoning(string)                      {}
func (nopEventWriter) ToolCall(string, json.RawMessage)      {}
func (nopEventWriter) ToolResult(string, string, bool)       {}
func (nopEventWriter) Result(string, SessionMeta)            {}

var _ EventWriter = nopEventWriter{}

func compactJSON(raw json.RawMessage) string {
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return string(raw)
	}
	return firstLine(b.String(), 160)
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}
