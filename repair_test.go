package gro

import (
	"encoding/json"
	"testing"
)

func assistantWithCalls(content string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

func call(id, name string) ToolCall {
	return ToolCall{ID: id, Name: name, Args: json.RawMessage(`{}`)}
}

func TestRepairHistory_WellFormedUntouched(t *testing.T) {
	msgs := []Message{
		UserMessage("hi"),
		assistantWithCalls("", call("c1", "search")),
		ToolResultMessage("c1", "search", "found it"),
		AssistantMessage("done"),
		UserMessage("thanks"),
	}

	out := RepairHistory(msgs, RepairOptions{Orphans: OrphanStrip})
	if len(out) != len(msgs) {
		t.Fatalf("well-formed history changed length: %d -> %d", len(msgs), len(out))
	}
	for i := range msgs {
		if out[i].Role != msgs[i].Role || out[i].Content != msgs[i].Content {
			t.Errorf("message %d altered: %+v", i, out[i])
		}
	}
}

func TestRepairHistory_OrphanUseStripped(t *testing.T) {
	msgs := []Message{
		UserMessage("hi"),
		assistantWithCalls("", call("lost", "search")),
		UserMessage("next"),
	}

	out := RepairHistory(msgs, RepairOptions{Orphans: OrphanStrip})
	for _, m := range out {
		if len(m.ToolCalls) != 0 {
			t.Errorf("orphan tool call survived strip: %+v", m)
		}
	}
	// The empty carrier is dropped entirely.
	if len(out) != 2 {
		t.Errorf("expected 2 messages, got %d: %+v", len(out), out)
	}
}

func TestRepairHistory_OrphanUseKeepsCarrierWithText(t *testing.T) {
	msgs := []Message{
		UserMessage("hi"),
		assistantWithCalls("let me check", call("lost", "search")),
		UserMessage("next"),
	}

	out := RepairHistory(msgs, RepairOptions{Orphans: OrphanStrip})
	if len(out) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out))
	}
	if out[1].Content != "let me check" || len(out[1].ToolCalls) != 0 {
		t.Errorf("carrier with text must survive with calls stripped: %+v", out[1])
	}
}

func TestRepairHistory_OrphanUsePlaceholder(t *testing.T) {
	msgs := []Message{
		UserMessage("hi"),
		assistantWithCalls("", call("lost", "search")),
		UserMessage("next"),
	}

	out := RepairHistory(msgs, RepairOptions{Orphans: OrphanPlaceholder})
	if len(out) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(out), out)
	}
	ph := out[2]
	if ph.Role != RoleTool || ph.ToolCallID != "lost" || ph.Content != PlaceholderToolResult {
		t.Errorf("placeholder not synthesized: %+v", ph)
	}
}

func TestRepairHistory_DanglingResultDropped(t *testing.T) {
	msgs := []Message{
		UserMessage("hi"),
		ToolResultMessage("ghost", "search", "orphaned result"),
		UserMessage("next"),
	}

	out := RepairHistory(msgs, RepairOptions{Orphans: OrphanStrip})
	for _, m := range out {
		if m.Role == RoleTool {
			t.Errorf("dangling result survived: %+v", m)
		}
	}
}

func TestRepairHistory_SeparatedResultRepaired(t *testing.T) {
	// A result separated from its use by an unrelated turn violates
	// adjacency; under the placeholder policy the use gets an immediate
	// placeholder and the displaced result is dropped.
	msgs := []Message{
		UserMessage("hi"),
		assistantWithCalls("", call("c1", "search")),
		UserMessage("interruption"),
		ToolResultMessage("c1", "search", "late result"),
		UserMessage("next"),
	}

	out := RepairHistory(msgs, RepairOptions{Orphans: OrphanPlaceholder})
	for i, m := range out {
		if m.Role == RoleAssistant && len(m.ToolCalls) > 0 {
			if i+1 >= len(out) || out[i+1].Role != RoleTool {
				t.Fatalf("tool result not adjacent to its use: %+v", out)
			}
			if out[i+1].Content != PlaceholderToolResult {
				t.Errorf("expected placeholder, got %q", out[i+1].Content)
			}
		}
		if m.Content == "late result" {
			t.Errorf("displaced result survived: %+v", out)
		}
	}
}

func TestRepairHistory_DuplicateResultsDeduped(t *testing.T) {
	msgs := []Message{
		UserMessage("hi"),
		assistantWithCalls("", call("c1", "search")),
		ToolResultMessage("c1", "search", "first"),
		ToolResultMessage("c1", "search", "second"),
		UserMessage("next"),
	}

	out := RepairHistory(msgs, RepairOptions{Orphans: OrphanStrip})
	count := 0
	for _, m := range out {
		if m.Role == RoleTool && m.ToolCallID == "c1" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly 1 result for c1, got %d", count)
	}
}

func TestRepairHistory_MixedOrphanAndAnswered(t *testing.T) {
	msgs := []Message{
		UserMessage("hi"),
		assistantWithCalls("", call("ok", "search"), call("lost", "calc")),
		ToolResultMessage("ok", "search", "answer"),
		UserMessage("next"),
	}

	out := RepairHistory(msgs, RepairOptions{Orphans: OrphanStrip})
	var asst *Message
	for i := range out {
		if out[i].Role == RoleAssistant {
			asst = &out[i]
		}
	}
	if asst == nil || len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "ok" {
		t.Errorf("answered call must survive, orphan must go: %+v", asst)
	}
}

func TestRepairHistory_EmptyInput(t *testing.T) {
	out := RepairHistory(nil, RepairOptions{})
	if len(out) != 1 || out[0].Role != RoleUser {
		t.Fatalf("empty history must get a continue turn: %+v", out)
	}
}

func TestRepairHistory_AssistantTailGetsContinue(t *testing.T) {
	msgs := []Message{
		UserMessage("hi"),
		AssistantMessage("partial answer"),
	}

	out := RepairHistory(msgs, RepairOptions{})
	last := out[len(out)-1]
	if last.Role != RoleUser || last.Content != continueContent {
		t.Errorf("expected injected continue turn, got %+v", last)
	}
}

func TestRepairHistory_ContinueLoopBroken(t *testing.T) {
	// Three continues already in the recent window: instead of a fourth,
	// the trailing assistant is stripped.
	msgs := []Message{
		UserMessage(continueContent),
		AssistantMessage("a1"),
		UserMessage(continueContent),
		AssistantMessage("a2"),
		UserMessage(continueContent),
		AssistantMessage("a3"),
	}

	out := RepairHistory(msgs, RepairOptions{})
	last := out[len(out)-1]
	if last.Role == RoleAssistant {
		t.Errorf("trailing assistant must be stripped past the injection cap: %+v", out)
	}
	injections := 0
	for _, m := range out {
		if m.Role == RoleUser && m.Content == continueContent {
			injections++
		}
	}
	if injections > maxContinueInjections {
		t.Errorf("injection cap exceeded: %d", injections)
	}
}

func TestRepairHistory_InputNotMutated(t *testing.T) {
	msgs := []Message{
		UserMessage("hi"),
		assistantWithCalls("", call("lost", "search")),
	}
	RepairHistory(msgs, RepairOptions{Orphans: OrphanStrip})
	if len(msgs[1].ToolCalls) != 1 {
		t.Error("RepairHistory mutated its input")
	}
}
