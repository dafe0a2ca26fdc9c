package gro

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Summarization bounds.
const (
	summaryTimeout    = 30 * time.Second
	summaryMaxTokens  = 512
	fragmentWindow    = 3 // messages per sampled fragment
	maxFragments      = 4
	summaryTruncateAt = 24_000 // chars of page body sent to the summarizer
)

const summaryPrompt = "Summarize the following conversation excerpt in a few sentences. " +
	"Keep concrete names, paths, numbers, and decisions; drop pleasantries."

// summarize produces an LLM summary for a page body under a bounded timeout.
func (m *Memory) summarize(ctx context.Context, p Page) (string, error) {
	if m.summarizer == nil {
		return "", fmt.Errorf("no summarizer configured")
	}
	body := p.Content
	if len(body) > summaryTruncateAt {
		body = body[:summaryTruncateAt]
	}
	ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()
	out, err := m.summarizer.Chat(ctx, []Message{
		SystemMessage(summaryPrompt),
		UserMessage(body),
	}, ChatOptions{Model: m.summaryModel, MaxTokens: summaryMaxTokens})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", fmt.Errorf("summarizer returned empty output")
	}
	return text, nil
}

// fragmentPage builds a page without any LLM call: a handful of randomly
// sampled message windows stand in for the full record. The cheapest summary
// mode and the fallback when synchronous summarization fails.
func fragmentPage(lane string, msgs []Message) Page {
	windows := sampleWindows(len(msgs), fragmentWindow, maxFragments)

	var body strings.Builder
	sampled := 0
	for wi, w := range windows {
		if wi > 0 {
			body.WriteString("[...]\n")
		}
		for _, i := range w {
			m := msgs[i]
			fmt.Fprintf(&body, "[%s] %s\n", m.Role, m.Content)
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&body, "[%s→%s] %s\n", m.Role, tc.Name, tc.Args)
			}
			sampled++
		}
	}

	content := body.String()
	var maxImp float64
	for _, m := range msgs {
		if m.Importance > maxImp {
			maxImp = m.Importance
		}
	}
	now := time.Now()
	return Page{
		ID:            PageID(content),
		Label:         fmt.Sprintf("%s@%s", lane, now.UTC().Format("20060102T150405Z")),
		Content:       content,
		CreatedAt:     now.Unix(),
		MessageCount:  len(msgs),
		Tokens:        EstimateTokens(content),
		Lane:          lane,
		Summary:       fmt.Sprintf("[Fragmented: %d fragments, %d sampled from %d]", len(windows), sampled, len(msgs)),
		MaxImportance: maxImp,
	}
}

// sampleWindows picks up to maxW non-overlapping windows of size w over n
// messages, in order. Small inputs collapse to a single full window.
func sampleWindows(n, w, maxW int) [][]int {
	if n <= w*maxW {
		// Everything fits; keep it all as one window.
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return [][]int{all}
	}
	starts := map[int]bool{}
	for len(starts) < maxW {
		s := rand.Intn(n - w + 1)
		// Align to window stride so picks cannot overlap.
		s -= s % w
		starts[s] = true
	}
	ordered := make([]int, 0, len(starts))
	for s := range starts {
		ordered = append(ordered, s)
	}
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j] < ordered[i] {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	out := make([][]int, 0, len(ordered))
	for _, s := range ordered {
		win := make([]int, 0, w)
		for i := s; i < s+w && i < n; i++ {
			win = append(win, i)
		}
		out = append(out, win)
	}
	return out
}
