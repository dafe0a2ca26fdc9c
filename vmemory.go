package gro

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// PageMatch is one search hit over the page set.
type PageMatch struct {
	ID      string
	Score   float64
	Snippet string
}

// PageIndex is a searchable index over compacted pages. store/sqlite
// provides an FTS5 implementation; a nil index degrades semantic search to
// substring matching over summaries.
type PageIndex interface {
	Index(ctx context.Context, p Page) error
	Search(ctx context.Context, query string, limit int) ([]PageMatch, error)
	Close() error
}

// PageRef identifies a page awaiting asynchronous summarization.
type PageRef struct {
	PageID   string `json:"page_id"`
	Lane     string `json:"lane"`
	Label    string `json:"label"`
	Attempts int    `json:"attempts,omitempty"`
}

// SummaryQueue accepts pages for asynchronous summarization. BatchWorker
// implements it; virtual memory only ever enqueues.
type SummaryQueue interface {
	Enqueue(ref PageRef)
}

// SummaryMode selects how compaction produces page summaries.
type SummaryMode int

const (
	// SummaryFragment samples message windows instead of calling an LLM.
	SummaryFragment SummaryMode = iota
	// SummarySync calls the configured Summarizer inline, blocking the add.
	SummarySync
	// SummaryBatch writes a placeholder and enqueues for the batch worker.
	SummaryBatch
)

// Virtual memory defaults.
const (
	defaultMemoryBudget   = 100_000
	defaultPageSlotBudget = 18_000
	defaultHighRatio      = 0.7
	defaultLowRatio       = 0.5
	defaultMinRecent      = 2
	refDecayPerTurn       = 0.8
	refPruneFloor         = 0.05
)

// Memory is the bounded conversation buffer backing a session. Messages past
// the high watermark are compacted into content-addressed pages, partitioned
// by swimlane (role); the model reloads pages through ref directives, and an
// auto-fill pass packs the most relevant pages under the page-slot budget
// each turn.
//
// The scheduler is the only mutator; readers take snapshots via Messages.
type Memory struct {
	mu     sync.Mutex
	logger *slog.Logger

	store *PageStore
	index PageIndex

	summarizer     Summarizer
	summaryModel   string
	summaryMode    SummaryMode
	queue          SummaryQueue

	budget     int
	pageBudget int
	highRatio  float64
	lowRatio   float64
	minRecent  int

	buffer  []Message
	pending []Page // pages that failed to hit disk; retried next compaction

	turn       int
	loaded     map[string]bool
	refWeight  map[string]float64
	unrefd     map[string]bool
	refQueries []string
}

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// MemoryBudget sets the working-memory token budget W.
func MemoryBudget(w int) MemoryOption {
	return func(m *Memory) { m.budget = w }
}

// PageSlotBudget sets the auto-fill token budget P.
func PageSlotBudget(p int) MemoryOption {
	return func(m *Memory) { m.pageBudget = p }
}

// Watermarks sets the compaction trigger and target ratios.
func Watermarks(high, low float64) MemoryOption {
	return func(m *Memory) { m.highRatio, m.lowRatio = high, low }
}

// MinRecentPerLane sets the per-lane floor of recent messages compaction
// must leave untouched.
func MinRecentPerLane(n int) MemoryOption {
	return func(m *Memory) { m.minRecent = n }
}

// WithSummarizer enables synchronous LLM summaries through the given driver
// and model.
func WithSummarizer(s Summarizer, model string) MemoryOption {
	return func(m *Memory) {
		m.summarizer = s
		m.summaryModel = model
		m.summaryMode = SummarySync
	}
}

// WithSummaryQueue enables asynchronous batch summaries: compaction writes a
// placeholder and hands the page to q.
func WithSummaryQueue(q SummaryQueue) MemoryOption {
	return func(m *Memory) {
		m.queue = q
		m.summaryMode = SummaryBatch
	}
}

// WithPageIndex attaches a search index updated on every page create.
func WithPageIndex(ix PageIndex) MemoryOption {
	return func(m *Memory) { m.index = ix }
}

// MemoryLogger sets the structured logger.
func MemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

// NewMemory creates a virtual memory over the given page store.
func NewMemory(store *PageStore, opts ...MemoryOption) *Memory {
	m := &Memory{
		logger:     nopLogger,
		store:      store,
		budget:     defaultMemoryBudget,
		pageBudget: defaultPageSlotBudget,
		highRatio:  defaultHighRatio,
		lowRatio:   defaultLowRatio,
		minRecent:  defaultMinRecent,
		loaded:     map[string]bool{},
		refWeight:  map[string]float64{},
		unrefd:     map[string]bool{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = nopLogger
	}
	return m
}

// Store exposes the backing page store (the batch worker holds it weakly).
func (m *Memory) Store() *PageStore { return m.store }

// SetBudget adjusts the working-memory budget W at runtime.
func (m *Memory) SetBudget(w int) {
	if w <= 0 {
		return
	}
	m.mu.Lock()
	m.budget = w
	m.mu.Unlock()
}

// Add appends a message. If the buffer crosses the high watermark the add
// triggers compaction synchronously before returning.
func (m *Memory) Add(ctx context.Context, msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = append(m.buffer, msg)
	if m.usageLocked() > int(m.highRatio*float64(m.budget)) {
		m.compactLocked(ctx)
	}
}

// Compact forces a compaction pass down to the low watermark regardless of
// current usage relative to the trigger.
func (m *Memory) Compact(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compactLocked(ctx)
}

// Seed replaces the buffer wholesale (session resume). No compaction runs.
func (m *Memory) Seed(msgs []Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = append([]Message(nil), msgs...)
}

// Messages returns a shallow copy of the working buffer.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.buffer))
	copy(out, m.buffer)
	return out
}

// Usage returns the estimated token footprint of the working buffer.
func (m *Memory) Usage() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageLocked()
}

// Len returns the number of buffered messages.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}

// StampImportance sets the importance of the most recent message. Used by
// the importance directive.
func (m *Memory) StampImportance(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buffer) > 0 {
		m.buffer[len(m.buffer)-1].Importance = v
	}
}

// ReplaceLastAssistant rewrites the content of the most recent assistant
// message (directive markers replaced with glyphs after parsing).
func (m *Memory) ReplaceLastAssistant(content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.buffer) - 1; i >= 0; i-- {
		if m.buffer[i].Role == RoleAssistant {
			m.buffer[i].Content = content
			return
		}
	}
}

func (m *Memory) usageLocked() int {
	var n int
	for _, msg := range m.buffer {
		n += MessageTokens(msg)
	}
	return n
}

// --- compaction ---

// compactLocked evicts oldest messages lane by lane until usage falls to the
// low watermark, grouping evictions into one page per lane. Caller holds mu.
func (m *Memory) compactLocked(ctx context.Context) {
	m.flushPendingLocked(ctx)

	target := int(m.lowRatio * float64(m.budget))
	usage := m.usageLocked()
	if usage <= target {
		return
	}

	evictedByLane := map[string][]int{}
	marked := map[int]bool{} // evicted or lifted
	lifted := map[int]bool{}

	for usage > target {
		idx, ok := m.pickEvictionLocked(marked)
		if !ok {
			break
		}
		marked[idx] = true
		if m.buffer[idx].Importance >= promotedImportance {
			// High-importance messages escape compaction and move to the tail.
			lifted[idx] = true
			continue
		}
		lane := m.buffer[idx].Role
		evictedByLane[lane] = append(evictedByLane[lane], idx)
		usage -= MessageTokens(m.buffer[idx])
	}
	if len(evictedByLane) == 0 && len(lifted) == 0 {
		return
	}

	// One page + one synthetic summary message per non-empty lane, inserted
	// where the lane's oldest evicted message sat.
	synth := map[int]Message{}
	for lane, idxs := range evictedByLane {
		msgs := make([]Message, 0, len(idxs))
		for _, i := range idxs {
			msgs = append(msgs, m.buffer[i])
		}
		page := m.buildPageLocked(ctx, lane, msgs)
		synth[idxs[0]] = Message{
			Role:    RoleAssistant,
			From:    SourceVirtualMemory,
			Content: fmt.Sprintf("[Compacted %d %s messages → %s]\n%s\n@@ref('%s')@@", len(msgs), lane, page.ID, page.Summary, page.ID),
		}
		if page.Promoted() {
			m.loaded[page.ID] = true
		}
	}

	evictedSet := map[int]bool{}
	for _, idxs := range evictedByLane {
		for _, i := range idxs {
			evictedSet[i] = true
		}
	}

	newBuf := make([]Message, 0, len(m.buffer))
	var tail []Message
	for i, msg := range m.buffer {
		if s, ok := synth[i]; ok {
			newBuf = append(newBuf, s)
		}
		switch {
		case evictedSet[i]:
		case lifted[i]:
			tail = append(tail, msg)
		default:
			newBuf = append(newBuf, msg)
		}
	}
	m.buffer = append(newBuf, tail...)

	m.logger.Info("memory compacted",
		"lanes", len(evictedByLane),
		"evicted", len(evictedSet),
		"lifted", len(lifted),
		"usage", m.usageLocked(),
		"budget", m.budget)
}

// pickEvictionLocked selects the oldest message of the lane with the largest
// token footprint whose queue still exceeds the min-recent floor. The base
// system prompt (From == SourceSystem) is never a candidate.
func (m *Memory) pickEvictionLocked(marked map[int]bool) (int, bool) {
	type laneState struct {
		tokens int
		idxs   []int
	}
	lanes := map[string]*laneState{}
	for i, msg := range m.buffer {
		if marked[i] || msg.From == SourceSystem {
			continue
		}
		ls := lanes[msg.Role]
		if ls == nil {
			ls = &laneState{}
			lanes[msg.Role] = ls
		}
		ls.idxs = append(ls.idxs, i)
		ls.tokens += MessageTokens(msg)
	}
	best := ""
	for lane, ls := range lanes {
		if len(ls.idxs) <= m.minRecent {
			continue
		}
		if best == "" || ls.tokens > lanes[best].tokens {
			best = lane
		}
	}
	if best == "" {
		return 0, false
	}
	return lanes[best].idxs[0], true
}

// buildPageLocked creates, persists, and indexes the page for one lane's
// evictions, applying the configured summary mode.
func (m *Memory) buildPageLocked(ctx context.Context, lane string, msgs []Message) Page {
	var page Page
	switch m.summaryMode {
	case SummaryFragment:
		page = fragmentPage(lane, msgs)
	case SummaryBatch:
		page = NewPage(lane, msgs)
		page.Summary = fmt.Sprintf("[Pending summary for %d messages]", len(msgs))
	default: // SummarySync
		page = NewPage(lane, msgs)
		summary, err := m.summarize(ctx, page)
		if err != nil {
			// Degrade to the zero-cost representation; never block the add
			// beyond the summarizer's bounded timeout.
			m.logger.Warn("summarization failed, using fragments", "page", page.ID, "error", err)
			summary = fragmentPage(lane, msgs).Summary
		}
		page.Summary = summary
	}

	stored, err := m.store.Create(page)
	if err != nil {
		// Disk failure: keep the page in memory and retry next compaction.
		m.logger.Warn("page write failed, keeping in memory", "page", page.ID, "error", err)
		m.pending = append(m.pending, page)
		stored = page
	} else if m.summaryMode == SummaryBatch && m.queue != nil {
		m.queue.Enqueue(PageRef{PageID: stored.ID, Lane: lane, Label: stored.Label})
	}

	if m.index != nil {
		if err := m.index.Index(ctx, stored); err != nil {
			m.logger.Warn("page index", "page", stored.ID, "error", err)
		}
	}
	return stored
}

// flushPendingLocked retries pages whose disk write previously failed.
func (m *Memory) flushPendingLocked(ctx context.Context) {
	if len(m.pending) == 0 {
		return
	}
	var still []Page
	for _, p := range m.pending {
		stored, err := m.store.Create(p)
		if err != nil {
			still = append(still, p)
			continue
		}
		if m.summaryMode == SummaryBatch && m.queue != nil {
			m.queue.Enqueue(PageRef{PageID: stored.ID, Lane: stored.Lane, Label: stored.Label})
		}
		if m.index != nil {
			_ = m.index.Index(ctx, stored)
		}
	}
	m.pending = still
}

// --- page references and auto-fill ---

// Ref requests pages for the next turn. Arguments are page ids or, with a
// leading '?', a semantic search query resolved during auto-fill.
func (m *Memory) Ref(args []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range args {
		if strings.HasPrefix(a, "?") {
			q := strings.TrimSpace(strings.TrimPrefix(a, "?"))
			if q != "" {
				m.refQueries = append(m.refQueries, q)
			}
			continue
		}
		m.refWeight[a] = 1
		delete(m.unrefd, a)
	}
}

// Unref releases a page; it will not be auto-filled until re-referenced.
func (m *Memory) Unref(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrefd[id] = true
	delete(m.refWeight, id)
	delete(m.loaded, id)
}

// Loaded reports whether a page was selected by the last auto-fill.
func (m *Memory) Loaded(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded[id]
}

// AutoFill selects the pages to inject this turn and returns them as system
// messages tagged from=VirtualMemory, packed greedily under the page-slot
// budget. Explicit refs come first; the rest rank by decayed ref weight,
// lexical similarity to recent conversation, and max importance.
func (m *Memory) AutoFill(ctx context.Context) []Message {
	m.mu.Lock()
	m.turn++
	for id, w := range m.refWeight {
		w *= refDecayPerTurn
		if w < refPruneFloor {
			delete(m.refWeight, id)
		} else {
			m.refWeight[id] = w
		}
	}
	queries := m.refQueries
	m.refQueries = nil
	recent := m.recentTextLocked(6)
	m.mu.Unlock()

	// Resolve pending '?query' refs through the index outside the lock.
	for _, q := range queries {
		for _, match := range m.SearchSemantic(ctx, q, 3) {
			m.mu.Lock()
			if !m.unrefd[match.ID] {
				m.refWeight[match.ID] = 1
			}
			m.mu.Unlock()
		}
	}

	pages, err := m.store.List()
	if err != nil {
		m.logger.Warn("auto-fill list pages", "error", err)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	type scored struct {
		page     Page
		explicit bool
		score    float64
	}
	var candidates []scored
	for _, p := range pages {
		if m.unrefd[p.ID] {
			continue
		}
		w := m.refWeight[p.ID]
		s := scored{page: p, explicit: w >= 1, score: 3*w + lexicalSimilarity(p.Summary+" "+p.Content, recent) + p.MaxImportance}
		candidates = append(candidates, s)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].explicit != candidates[j].explicit {
			return candidates[i].explicit
		}
		return candidates[i].score > candidates[j].score
	})

	m.loaded = map[string]bool{}
	var out []Message
	used := 0
	for _, c := range candidates {
		tokens := c.page.Tokens
		if tokens == 0 {
			tokens = EstimateTokens(c.page.Content)
		}
		if used+tokens > m.pageBudget {
			continue
		}
		// Skip stale unscored pages; only refs, similarity, or importance
		// earn a slot.
		if !c.explicit && c.score <= 0 {
			continue
		}
		used += tokens
		m.loaded[c.page.ID] = true
		out = append(out, Message{
			Role:    RoleSystem,
			From:    SourceVirtualMemory,
			Content: fmt.Sprintf("[Page %s — %s]\n%s", c.page.ID, c.page.Label, c.page.Content),
		})
	}
	return out
}

// recentTextLocked concatenates the last n message contents for similarity
// ranking. Caller holds mu.
func (m *Memory) recentTextLocked(n int) string {
	start := len(m.buffer) - n
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	for _, msg := range m.buffer[start:] {
		b.WriteString(msg.Content)
		b.WriteByte(' ')
	}
	return b.String()
}

// --- search ---

// SearchExact returns pages whose body contains the query as a substring,
// with a snippet around the first occurrence.
func (m *Memory) SearchExact(query string) []PageMatch {
	pages, err := m.store.List()
	if err != nil {
		m.logger.Warn("exact search", "error", err)
		return nil
	}
	lower := strings.ToLower(query)
	var out []PageMatch
	for _, p := range pages {
		idx := strings.Index(strings.ToLower(p.Content), lower)
		if idx < 0 {
			continue
		}
		start := idx - 40
		if start < 0 {
			start = 0
		}
		stop := idx + len(query) + 40
		if stop > len(p.Content) {
			stop = len(p.Content)
		}
		out = append(out, PageMatch{ID: p.ID, Score: 1, Snippet: p.Content[start:stop]})
	}
	return out
}

// SearchSemantic ranks pages against a query. With an index attached it
// delegates to FTS ranking boosted by recent explicit refs; without one it
// falls back to lexical similarity over summaries.
func (m *Memory) SearchSemantic(ctx context.Context, query string, limit int) []PageMatch {
	if m.index != nil {
		matches, err := m.index.Search(ctx, query, limit)
		if err == nil {
			m.mu.Lock()
			for i := range matches {
				matches[i].Score += m.refWeight[matches[i].ID]
			}
			m.mu.Unlock()
			sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
			return matches
		}
		m.logger.Warn("semantic search", "error", err)
	}

	pages, err := m.store.List()
	if err != nil {
		return nil
	}
	var out []PageMatch
	for _, p := range pages {
		score := lexicalSimilarity(p.Summary+" "+p.Content, query)
		if score > 0 {
			out = append(out, PageMatch{ID: p.ID, Score: score, Snippet: p.Summary})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// lexicalSimilarity is a cheap word-overlap score in [0, 1].
func lexicalSimilarity(text, query string) float64 {
	qWords := strings.Fields(strings.ToLower(query))
	if len(qWords) == 0 {
		return 0
	}
	tWords := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		tWords[w] = true
	}
	var hits int
	for _, w := range qWords {
		if tWords[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(qWords))
}
