package gro

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

// paddedMessage builds a message with a distinct body costing roughly n
// estimated tokens.
func paddedMessage(role, tag string, n int) Message {
	body := tag + " " + strings.Repeat("x", n*4-len(tag)-1)
	return Message{Role: role, Content: body}
}

func newTestMemory(t *testing.T, opts ...MemoryOption) *Memory {
	t.Helper()
	store, err := NewPageStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewMemory(store, opts...)
}

func TestMemory_AddBelowWatermarkNoCompaction(t *testing.T) {
	m := newTestMemory(t, MemoryBudget(1000))
	for i := 0; i < 5; i++ {
		m.Add(context.Background(), paddedMessage(RoleUser, fmt.Sprintf("m%d", i), 20))
	}
	if m.Len() != 5 {
		t.Errorf("buffer compacted below the watermark: %d messages", m.Len())
	}
	pages, _ := m.Store().List()
	if len(pages) != 0 {
		t.Errorf("unexpected pages: %d", len(pages))
	}
}

func TestMemory_CompactionCrossingHighWatermark(t *testing.T) {
	m := newTestMemory(t, MemoryBudget(100), Watermarks(0.7, 0.5), MinRecentPerLane(1))

	// Four 20-token user messages: the fourth add crosses 70 and compaction
	// evicts the two oldest down to the 50-token target.
	for i := 0; i < 4; i++ {
		m.Add(context.Background(), paddedMessage(RoleUser, fmt.Sprintf("m%d", i), 20))
	}

	pages, err := m.Store().List()
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(pages))
	}
	if pages[0].Lane != RoleUser || pages[0].MessageCount != 2 {
		t.Errorf("unexpected page: %+v", pages[0])
	}
	if !strings.Contains(pages[0].Content, "m0") || !strings.Contains(pages[0].Content, "m1") {
		t.Errorf("oldest messages not in page: %q", pages[0].Content)
	}

	var synth *Message
	for _, msg := range m.Messages() {
		if msg.From == SourceVirtualMemory {
			synth = &msg
			break
		}
	}
	if synth == nil {
		t.Fatal("no synthetic summary message in buffer")
	}
	if !strings.Contains(synth.Content, pages[0].ID) || !strings.Contains(synth.Content, "@@ref(") {
		t.Errorf("summary message missing page handle: %q", synth.Content)
	}
	for _, msg := range m.Messages() {
		if strings.HasPrefix(msg.Content, "m0 ") || strings.HasPrefix(msg.Content, "m1 ") {
			t.Errorf("evicted message still buffered: %q", msg.Content[:12])
		}
	}
}

func TestMemory_SystemPromptNeverEvicted(t *testing.T) {
	m := newTestMemory(t, MemoryBudget(100), Watermarks(0.7, 0.5), MinRecentPerLane(1))
	m.Add(context.Background(), Message{Role: RoleSystem, From: SourceSystem, Content: strings.Repeat("s", 80)})
	for i := 0; i < 6; i++ {
		m.Add(context.Background(), paddedMessage(RoleUser, fmt.Sprintf("m%d", i), 20))
	}

	found := false
	for _, msg := range m.Messages() {
		if msg.From == SourceSystem {
			found = true
		}
	}
	if !found {
		t.Error("base system prompt was compacted away")
	}
}

func TestMemory_MinRecentFloorBlocksCompaction(t *testing.T) {
	m := newTestMemory(t, MemoryBudget(100), Watermarks(0.7, 0.5), MinRecentPerLane(10))
	for i := 0; i < 5; i++ {
		m.Add(context.Background(), paddedMessage(RoleUser, fmt.Sprintf("m%d", i), 25))
	}
	if m.Len() != 5 {
		t.Errorf("floor violated: %d messages left", m.Len())
	}
	pages, _ := m.Store().List()
	if len(pages) != 0 {
		t.Errorf("pages created despite floor: %d", len(pages))
	}
}

func TestMemory_HighImportanceLifted(t *testing.T) {
	m := newTestMemory(t, MemoryBudget(100), Watermarks(0.7, 0.5), MinRecentPerLane(1))

	keep := paddedMessage(RoleUser, "KEEPME", 20)
	keep.Importance = 0.9
	m.Add(context.Background(), keep)
	for i := 1; i < 4; i++ {
		m.Add(context.Background(), paddedMessage(RoleUser, fmt.Sprintf("m%d", i), 20))
	}

	msgs := m.Messages()
	last := msgs[len(msgs)-1]
	if !strings.HasPrefix(last.Content, "KEEPME") {
		t.Errorf("high-importance message not lifted to tail: %+v", msgs)
	}
	pages, _ := m.Store().List()
	for _, p := range pages {
		if strings.Contains(p.Content, "KEEPME") {
			t.Error("lifted message leaked into a page")
		}
	}
}

func TestMemory_SeedAndSnapshot(t *testing.T) {
	m := newTestMemory(t)
	m.Seed([]Message{UserMessage("one"), AssistantMessage("two")})
	if m.Len() != 2 {
		t.Fatalf("seed did not replace buffer: %d", m.Len())
	}

	snap := m.Messages()
	snap[0].Content = "mutated"
	if m.Messages()[0].Content != "one" {
		t.Error("Messages returned a live reference")
	}
}

func TestMemory_StampImportance(t *testing.T) {
	m := newTestMemory(t)
	m.Add(context.Background(), UserMessage("note this"))
	m.StampImportance(2.5)
	if got := m.Messages()[0].Importance; got != 1 {
		t.Errorf("importance not clamped: %v", got)
	}
	m.StampImportance(-1)
	if got := m.Messages()[0].Importance; got != 0 {
		t.Errorf("negative importance not clamped: %v", got)
	}
}

func TestMemory_ReplaceLastAssistant(t *testing.T) {
	m := newTestMemory(t)
	m.Seed([]Message{
		AssistantMessage("old one"),
		AssistantMessage("old two"),
		UserMessage("trailing"),
	})
	m.ReplaceLastAssistant("rewritten")
	msgs := m.Messages()
	if msgs[1].Content != "rewritten" {
		t.Errorf("last assistant not replaced: %+v", msgs)
	}
	if msgs[0].Content != "old one" || msgs[2].Content != "trailing" {
		t.Errorf("wrong message touched: %+v", msgs)
	}
}

func TestMemory_RefAutoFill(t *testing.T) {
	m := newTestMemory(t)
	p, err := m.Store().Create(Page{Content: "alpha beta gamma notes", Label: "user@x", Tokens: 6})
	if err != nil {
		t.Fatal(err)
	}

	m.Ref([]string{p.ID})
	out := m.AutoFill(context.Background())
	if len(out) != 1 {
		t.Fatalf("expected 1 injected page, got %d", len(out))
	}
	if out[0].Role != RoleSystem || out[0].From != SourceVirtualMemory {
		t.Errorf("injected page mis-tagged: %+v", out[0])
	}
	if !strings.Contains(out[0].Content, p.ID) || !strings.Contains(out[0].Content, "alpha beta gamma") {
		t.Errorf("injected content wrong: %q", out[0].Content)
	}
	if !m.Loaded(p.ID) {
		t.Error("Loaded must report the auto-filled page")
	}
}

func TestMemory_UnrefExcludesPage(t *testing.T) {
	m := newTestMemory(t)
	p, err := m.Store().Create(Page{Content: "alpha beta", Tokens: 3})
	if err != nil {
		t.Fatal(err)
	}
	m.Ref([]string{p.ID})
	m.AutoFill(context.Background())
	m.Unref(p.ID)

	out := m.AutoFill(context.Background())
	if len(out) != 0 {
		t.Errorf("unrefd page still injected: %+v", out)
	}
	if m.Loaded(p.ID) {
		t.Error("unrefd page still reported loaded")
	}
}

func TestMemory_AutoFillRespectsSlotBudget(t *testing.T) {
	m := newTestMemory(t, PageSlotBudget(5))
	p, err := m.Store().Create(Page{Content: "too big to fit", Tokens: 50})
	if err != nil {
		t.Fatal(err)
	}
	m.Ref([]string{p.ID})
	out := m.AutoFill(context.Background())
	if len(out) != 0 {
		t.Errorf("over-budget page injected: %+v", out)
	}
}

func TestMemory_AutoFillSkipsUnscoredPages(t *testing.T) {
	m := newTestMemory(t)
	if _, err := m.Store().Create(Page{Content: "zxqwv unrelated jargon", Tokens: 4}); err != nil {
		t.Fatal(err)
	}
	m.Seed([]Message{UserMessage("talking about something else entirely")})

	out := m.AutoFill(context.Background())
	if len(out) != 0 {
		t.Errorf("unreferenced unrelated page injected: %+v", out)
	}
}

func TestMemory_RefWeightDecays(t *testing.T) {
	m := newTestMemory(t)
	p, err := m.Store().Create(Page{Content: "zxqwv decaying", Tokens: 3})
	if err != nil {
		t.Fatal(err)
	}
	m.Ref([]string{p.ID})

	injected := 0
	for i := 0; i < 20; i++ {
		if len(m.AutoFill(context.Background())) > 0 {
			injected++
		}
	}
	if injected == 0 {
		t.Fatal("referenced page never injected")
	}
	if injected == 20 {
		t.Error("ref weight never decayed below the prune floor")
	}
	if len(m.AutoFill(context.Background())) != 0 {
		t.Error("stale ref still injected after decay")
	}
}

func TestMemory_QueryRefResolvesWithoutIndex(t *testing.T) {
	m := newTestMemory(t)
	p, err := m.Store().Create(Page{Content: "postgres migration plan details", Summary: "migration plan", Tokens: 5})
	if err != nil {
		t.Fatal(err)
	}
	m.Ref([]string{"?postgres migration"})

	out := m.AutoFill(context.Background())
	if len(out) != 1 || !strings.Contains(out[0].Content, p.ID) {
		t.Errorf("query ref did not resolve: %+v", out)
	}
}

func TestMemory_SearchExact(t *testing.T) {
	m := newTestMemory(t)
	if _, err := m.Store().Create(Page{Content: "the quick brown fox jumps over the lazy dog"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Store().Create(Page{Content: "nothing relevant here"}); err != nil {
		t.Fatal(err)
	}

	matches := m.SearchExact("BROWN FOX")
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if !strings.Contains(matches[0].Snippet, "brown fox") {
		t.Errorf("snippet missing the hit: %q", matches[0].Snippet)
	}
}

func TestMemory_SearchSemanticFallback(t *testing.T) {
	m := newTestMemory(t)
	if _, err := m.Store().Create(Page{Content: "alpha beta gamma", Summary: "greek letters"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Store().Create(Page{Content: "alpha only", Summary: "partial"}); err != nil {
		t.Fatal(err)
	}

	matches := m.SearchSemantic(context.Background(), "alpha beta", 10)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Score <= matches[1].Score {
		t.Errorf("matches not ranked: %+v", matches)
	}

	if got := m.SearchSemantic(context.Background(), "alpha beta", 1); len(got) != 1 {
		t.Errorf("limit not applied: %d", len(got))
	}
}

func TestLexicalSimilarity(t *testing.T) {
	if got := lexicalSimilarity("alpha beta gamma", "alpha beta"); got != 1 {
		t.Errorf("full overlap = %v, want 1", got)
	}
	if got := lexicalSimilarity("alpha only", "alpha beta"); got != 0.5 {
		t.Errorf("half overlap = %v, want 0.5", got)
	}
	if got := lexicalSimilarity("anything", ""); got != 0 {
		t.Errorf("empty query = %v, want 0", got)
	}
}
