package gro

// Compaction and session resumption can leave the history in shapes the
// provider APIs reject: tool-uses without results, results without uses, and
// results separated from their use by unrelated turns. RepairHistory runs
// three passes in order to restore the pairing invariant, then guarantees the
// list is non-empty and ends on a user-equivalent turn.

// OrphanPolicy decides what happens to an assistant tool-use whose result is
// missing downstream.
type OrphanPolicy int

const (
	// OrphanStrip removes the tool-use (and the carrier message if it
	// becomes empty). Dialects with typed content blocks use this.
	OrphanStrip OrphanPolicy = iota
	// OrphanPlaceholder synthesizes a placeholder tool result instead.
	// Dialects with flat tool-response turns use this.
	OrphanPlaceholder
)

// PlaceholderToolResult is the content of a synthesized tool result standing
// in for one lost to compaction.
const PlaceholderToolResult = "[context compressed — tool result truncated]"

// continueContent is the minimal user turn injected when repair leaves the
// history empty or ending on an assistant message.
const continueContent = "(continue)"

// maxContinueInjections caps consecutive auto-injected continue turns before
// repair breaks the loop by stripping the trailing assistant instead.
const maxContinueInjections = 3

// RepairOptions selects per-dialect repair behavior.
type RepairOptions struct {
	Orphans OrphanPolicy
}

// RepairHistory returns a repaired copy of msgs satisfying the tool pairing
// invariant and the non-empty / user-tail requirement. The input is not
// mutated.
func RepairHistory(msgs []Message, opts RepairOptions) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)

	out = repairOrphanUses(out, opts.Orphans)
	out = dropDanglingResults(out)
	out = repairAdjacency(out, opts.Orphans)
	return ensureUserTail(out)
}

// answeredIDs collects the tool-call ids answered by tool messages.
func answeredIDs(msgs []Message) map[string]bool {
	answered := map[string]bool{}
	for _, m := range msgs {
		if m.Role == RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}
	return answered
}

// repairOrphanUses handles assistant tool-uses with no matching tool-result
// anywhere downstream: strip them, or synthesize placeholder results.
func repairOrphanUses(msgs []Message, policy OrphanPolicy) []Message {
	answered := answeredIDs(msgs)

	var out []Message
	for _, m := range msgs {
		if m.Role != RoleAssistant || len(m.ToolCalls) == 0 {
			out = append(out, m)
			continue
		}
		var kept []ToolCall
		var orphans []ToolCall
		for _, tc := range m.ToolCalls {
			if answered[tc.ID] {
				kept = append(kept, tc)
			} else {
				orphans = append(orphans, tc)
			}
		}
		switch {
		case len(orphans) == 0:
			out = append(out, m)
		case policy == OrphanPlaceholder:
			out = append(out, m)
			for _, tc := range orphans {
				out = append(out, ToolResultMessage(tc.ID, tc.Name, PlaceholderToolResult))
			}
		default: // OrphanStrip
			m.ToolCalls = kept
			if len(kept) > 0 || m.Content != "" {
				out = append(out, m)
			}
			// Now-empty carrier messages are dropped entirely.
		}
	}
	return out
}

// dropDanglingResults removes tool messages whose tool-use no longer exists.
func dropDanglingResults(msgs []Message) []Message {
	uses := map[string]bool{}
	for _, m := range msgs {
		if m.Role == RoleAssistant {
			for _, tc := range m.ToolCalls {
				uses[tc.ID] = true
			}
		}
	}
	var out []Message
	for _, m := range msgs {
		if m.Role == RoleTool && !uses[m.ToolCallID] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// repairAdjacency enforces that each assistant's tool results immediately
// follow it, before any unrelated turn. Uses separated from their results are
// treated like orphans under the same policy; the displaced results are then
// dropped by a second dangling pass.
func repairAdjacency(msgs []Message, policy OrphanPolicy) []Message {
	var out []Message
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role != RoleAssistant || len(m.ToolCalls) == 0 {
			out = append(out, m)
			continue
		}
		// Collect the ids answered in the directly following tool run.
		adjacent := map[string]bool{}
		for j := i + 1; j < len(msgs) && msgs[j].Role == RoleTool; j++ {
			adjacent[msgs[j].ToolCallID] = true
		}
		var kept []ToolCall
		var displaced []ToolCall
		for _, tc := range m.ToolCalls {
			if adjacent[tc.ID] {
				kept = append(kept, tc)
			} else {
				displaced = append(displaced, tc)
			}
		}
		switch {
		case len(displaced) == 0:
			out = append(out, m)
		case policy == OrphanPlaceholder:
			out = append(out, m)
			for _, tc := range displaced {
				out = append(out, ToolResultMessage(tc.ID, tc.Name, PlaceholderToolResult))
			}
		default:
			m.ToolCalls = kept
			if len(kept) > 0 || m.Content != "" {
				out = append(out, m)
			}
		}
	}
	return dropDisplacedResults(out)
}

// dropDisplacedResults keeps a tool message only when it sits inside the
// contiguous tool run following the assistant that declared its id, and only
// once per id. Displaced or duplicate results are removed.
func dropDisplacedResults(msgs []Message) []Message {
	var out []Message
	expected := map[string]bool{}
	for _, m := range msgs {
		switch {
		case m.Role == RoleAssistant:
			expected = map[string]bool{}
			for _, tc := range m.ToolCalls {
				expected[tc.ID] = true
			}
			out = append(out, m)
		case m.Role == RoleTool:
			if expected[m.ToolCallID] {
				expected[m.ToolCallID] = false
				out = append(out, m)
			}
		default:
			expected = map[string]bool{}
			out = append(out, m)
		}
	}
	return out
}

// ensureUserTail guarantees a non-empty history ending on a user-equivalent
// turn. When the trailing assistant would need yet another auto-injected
// continue and recent history already carries three, the assistant is
// stripped instead — this breaks otherwise-infinite continuation loops.
func ensureUserTail(msgs []Message) []Message {
	if len(msgs) == 0 {
		return []Message{UserMessage(continueContent)}
	}
	last := msgs[len(msgs)-1]
	if last.Role != RoleAssistant {
		return msgs
	}

	injections := 0
	window := msgs
	if len(window) > 10 {
		window = window[len(window)-10:]
	}
	for _, m := range window {
		if m.Role == RoleUser && m.Content == continueContent {
			injections++
		}
	}
	if injections >= maxContinueInjections {
		msgs = msgs[:len(msgs)-1]
		if len(msgs) == 0 {
			return []Message{UserMessage(continueContent)}
		}
		return msgs
	}
	return append(msgs, UserMessage(continueContent))
}
