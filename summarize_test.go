package gro

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type stubSummarizer struct {
	reply string
	err   error
	calls int
}

func (s *stubSummarizer) Chat(ctx context.Context, msgs []Message, opts ChatOptions) (*Output, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Output{Text: s.reply}, nil
}

func TestFragmentPage_SmallInputKeepsEverything(t *testing.T) {
	msgs := []Message{
		UserMessage("first"),
		AssistantMessage("second"),
		UserMessage("third"),
	}
	p := fragmentPage(RoleUser, msgs)

	for _, want := range []string{"first", "second", "third"} {
		if !strings.Contains(p.Content, want) {
			t.Errorf("small input must keep all messages, missing %q", want)
		}
	}
	if strings.Contains(p.Content, "[...]") {
		t.Error("single window must not have a separator")
	}
	if p.Summary != "[Fragmented: 1 fragments, 3 sampled from 3]" {
		t.Errorf("unexpected summary: %q", p.Summary)
	}
	if p.MessageCount != 3 || p.Lane != RoleUser {
		t.Errorf("metadata wrong: %+v", p)
	}
}

func TestFragmentPage_LargeInputSamples(t *testing.T) {
	msgs := make([]Message, 100)
	for i := range msgs {
		msgs[i] = UserMessage(fmt.Sprintf("message number %03d", i))
	}
	p := fragmentPage(RoleUser, msgs)

	separators := strings.Count(p.Content, "[...]")
	if separators != maxFragments-1 {
		t.Errorf("expected %d separators, got %d", maxFragments-1, separators)
	}
	lines := 0
	for _, l := range strings.Split(p.Content, "\n") {
		if strings.HasPrefix(l, "[user]") {
			lines++
		}
	}
	if lines != fragmentWindow*maxFragments {
		t.Errorf("expected %d sampled messages, got %d", fragmentWindow*maxFragments, lines)
	}
	if !strings.Contains(p.Summary, "sampled from 100") {
		t.Errorf("summary wrong: %q", p.Summary)
	}
	if p.MessageCount != 100 {
		t.Errorf("message count must reflect the full group: %d", p.MessageCount)
	}
}

func TestFragmentPage_CarriesMaxImportance(t *testing.T) {
	msgs := []Message{
		UserMessage("low"),
		{Role: RoleUser, Content: "high", Importance: 0.6},
	}
	if p := fragmentPage(RoleUser, msgs); p.MaxImportance != 0.6 {
		t.Errorf("importance not carried: %v", p.MaxImportance)
	}
}

func TestSampleWindows(t *testing.T) {
	// Small inputs collapse to one full window.
	ws := sampleWindows(5, 3, 4)
	if len(ws) != 1 || len(ws[0]) != 5 {
		t.Fatalf("small input: %+v", ws)
	}

	ws = sampleWindows(100, 3, 4)
	if len(ws) != 4 {
		t.Fatalf("expected 4 windows, got %d", len(ws))
	}
	prevEnd := -1
	for _, w := range ws {
		if len(w) != 3 {
			t.Errorf("window size wrong: %v", w)
		}
		if w[0] <= prevEnd {
			t.Errorf("windows overlap or out of order: %+v", ws)
		}
		if w[0]%3 != 0 {
			t.Errorf("window not stride-aligned: %v", w)
		}
		prevEnd = w[len(w)-1]
	}
}

func TestMemory_SyncSummaryUsed(t *testing.T) {
	store, err := NewPageStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sum := &stubSummarizer{reply: "they discussed the migration plan"}
	m := NewMemory(store,
		MemoryBudget(100), Watermarks(0.7, 0.5), MinRecentPerLane(1),
		WithSummarizer(sum, "claude-haiku"))

	for i := 0; i < 4; i++ {
		m.Add(context.Background(), paddedMessage(RoleUser, fmt.Sprintf("m%d", i), 20))
	}

	if sum.calls == 0 {
		t.Fatal("summarizer never called")
	}
	pages, _ := store.List()
	if len(pages) != 1 || pages[0].Summary != "they discussed the migration plan" {
		t.Errorf("summary not applied: %+v", pages)
	}
}

func TestMemory_SyncSummaryFailureFallsBack(t *testing.T) {
	store, err := NewPageStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sum := &stubSummarizer{err: errors.New("provider down")}
	m := NewMemory(store,
		MemoryBudget(100), Watermarks(0.7, 0.5), MinRecentPerLane(1),
		WithSummarizer(sum, "claude-haiku"))

	for i := 0; i < 4; i++ {
		m.Add(context.Background(), paddedMessage(RoleUser, fmt.Sprintf("m%d", i), 20))
	}

	pages, _ := store.List()
	if len(pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(pages))
	}
	if !strings.HasPrefix(pages[0].Summary, "[Fragmented:") {
		t.Errorf("failed summary must degrade to fragments: %q", pages[0].Summary)
	}
}

func TestMemory_BatchModeWritesPlaceholderAndEnqueues(t *testing.T) {
	store, err := NewPageStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	var refs []PageRef
	m := NewMemory(store,
		MemoryBudget(100), Watermarks(0.7, 0.5), MinRecentPerLane(1),
		WithSummaryQueue(queueFunc(func(r PageRef) { refs = append(refs, r) })))

	for i := 0; i < 4; i++ {
		m.Add(context.Background(), paddedMessage(RoleUser, fmt.Sprintf("m%d", i), 20))
	}

	pages, _ := store.List()
	if len(pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(pages))
	}
	if !strings.HasPrefix(pages[0].Summary, "[Pending summary") {
		t.Errorf("batch mode must write a placeholder: %q", pages[0].Summary)
	}
	if len(refs) != 1 || refs[0].PageID != pages[0].ID || refs[0].Lane != RoleUser {
		t.Errorf("page not enqueued: %+v", refs)
	}
}

type queueFunc func(PageRef)

func (f queueFunc) Enqueue(r PageRef) { f(r) }
