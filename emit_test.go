package gro

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestTextWriter_TokensVerbatim(t *testing.T) {
	var buf bytes.Buffer
	w := NewTextWriter(&buf)
	w.Token("hello ")
	w.Token("world")
	if buf.String() != "hello world" {
		t.Errorf("tokens mangled: %q", buf.String())
	}
}

func TestTextWriter_ReasoningOnlyWhenVerbose(t *testing.T) {
	var buf bytes.Buffer
	w := NewTextWriter(&buf)
	w.Reasoning("hidden")
	if buf.Len() != 0 {
		t.Errorf("reasoning leaked in quiet mode: %q", buf.String())
	}
	w.Verbose = true
	w.Reasoning("visible")
	if buf.String() != "visible" {
		t.Errorf("verbose reasoning missing: %q", buf.String())
	}
}

func TestTextWriter_ToolLines(t *testing.T) {
	var buf bytes.Buffer
	w := NewTextWriter(&buf)
	w.ToolCall("search", json.RawMessage(`{"q":"cats"}`))
	w.ToolResult("search", "12 results\nsecond line ignored", false)

	out := buf.String()
	if !strings.Contains(out, "search") {
		t.Errorf("tool name missing: %q", out)
	}
	if strings.Contains(out, `"q"`) {
		t.Errorf("args printed in quiet mode: %q", out)
	}
	if !strings.Contains(out, "12 results") || strings.Contains(out, "second line") {
		t.Errorf("result not clipped to first line: %q", out)
	}

	buf.Reset()
	w.Verbose = true
	w.ToolCall("search", json.RawMessage(`{"q": "cats"}`))
	if !strings.Contains(buf.String(), `{"q":"cats"}`) {
		t.Errorf("verbose mode must print compact args: %q", buf.String())
	}
}

func TestTextWriter_ToolErrorMarked(t *testing.T) {
	var buf bytes.Buffer
	w := NewTextWriter(&buf)
	w.ToolResult("shell", "exit status 1", true)
	if !strings.Contains(buf.String(), "error") {
		t.Errorf("error result not flagged: %q", buf.String())
	}
}

func TestJSONWriter_SingleDocument(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONWriter(&buf)
	w.Token("ignored during run")
	w.ToolCall("search", json.RawMessage(`{"q":"x"}`))
	w.ToolResult("search", "found", false)
	w.Result("final answer", SessionMeta{ID: "s1", Turns: 2, CostUSD: 0.01, Usage: Usage{InputTokens: 100}})

	var doc struct {
		Result    string  `json:"result"`
		SessionID string  `json:"session_id"`
		Turns     int     `json:"turns"`
		CostUSD   float64 `json:"cost_usd"`
		Usage     Usage   `json:"usage"`
		Tools     []struct {
			Name    string `json:"name"`
			Result  string `json:"result"`
			IsError bool   `json:"is_error"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not one JSON document: %v\n%s", err, buf.String())
	}
	if doc.Result != "final answer" || doc.SessionID != "s1" || doc.Turns != 2 {
		t.Errorf("document wrong: %+v", doc)
	}
	if len(doc.Tools) != 1 || doc.Tools[0].Result != "found" {
		t.Errorf("tool record wrong: %+v", doc.Tools)
	}
	if doc.Usage.InputTokens != 100 {
		t.Errorf("usage missing: %+v", doc.Usage)
	}
}

func TestJSONWriter_ResultPairsWithLatestCall(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONWriter(&buf)
	w.ToolCall("search", json.RawMessage(`{"q":"first"}`))
	w.ToolResult("search", "r1", false)
	w.ToolCall("search", json.RawMessage(`{"q":"second"}`))
	w.ToolResult("search", "r2", true)
	w.Result("done", SessionMeta{})

	var doc struct {
		Tools []struct {
			Result  string `json:"result"`
			IsError bool   `json:"is_error"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.Tools) != 2 || doc.Tools[0].Result != "r1" || doc.Tools[1].Result != "r2" || !doc.Tools[1].IsError {
		t.Errorf("results misrouted: %+v", doc.Tools)
	}
}

func TestStreamJSONWriter_EventPerLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamJSONWriter(&buf)
	w.Token("hi")
	w.Reasoning("mull")
	w.ToolCall("search", json.RawMessage(`{"q":"x"}`))
	w.ToolResult("search", "found", false)
	w.Result("done", SessionMeta{Turns: 1, Usage: Usage{OutputTokens: 5}})

	var types []string
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var ev struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line is not JSON: %v: %s", err, sc.Text())
		}
		types = append(types, ev.Type)
	}
	want := []string{"token", "reasoning", "tool_call", "tool_result", "result"}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(types), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("one\ntwo", 100); got != "one" {
		t.Errorf("newline clip: %q", got)
	}
	if got := firstLine(strings.Repeat("a", 200), 10); got != strings.Repeat("a", 10)+"…" {
		t.Errorf("length clip: %q", got)
	}
}
