package gro

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// BatchRequest is one summarization unit submitted to a provider batch API.
// CustomID carries the page id so results route back without extra state.
type BatchRequest struct {
	CustomID  string
	Model     string
	Prompt    string
	Body      string
	MaxTokens int
}

// BatchResult is one completed unit from a provider batch.
type BatchResult struct {
	CustomID string
	Text     string
	Err      string
}

// BatchDriver is implemented by providers with an asynchronous batch API.
type BatchDriver interface {
	SubmitBatch(ctx context.Context, reqs []BatchRequest) (batchID string, err error)
	// PollBatch reports whether the batch finished; results are only valid
	// once done is true.
	PollBatch(ctx context.Context, batchID string) (done bool, results []BatchResult, err error)
}

// Batch worker tuning.
const (
	batchSize          = 50
	batchPollInterval  = 60 * time.Second
	batchMaxAttempts   = 3
	batchQueueFileName = "summarization-queue.jsonl"
	summaryUnavailable = "[summary unavailable]"
)

// BatchWorker drains a durable queue of pages awaiting summaries through a
// provider batch API. The queue is a jsonl file so a crash mid-batch loses
// nothing: unfinished refs are resubmitted on the next start. Results are
// written back to the page store; a ref that keeps failing gets a permanent
// "summary unavailable" marker so it is never retried forever.
type BatchWorker struct {
	logger *slog.Logger
	driver BatchDriver
	store  *PageStore
	model  string
	path   string

	interval time.Duration

	mu      sync.Mutex
	pending []PageRef
	wake    chan struct{}
}

// BatchWorkerOption configures a BatchWorker.
type BatchWorkerOption func(*BatchWorker)

// BatchLogger sets the structured logger.
func BatchLogger(l *slog.Logger) BatchWorkerOption {
	return func(w *BatchWorker) { w.logger = l }
}

// BatchPollInterval overrides the poll cadence (tests use milliseconds).
func BatchPollInterval(d time.Duration) BatchWorkerOption {
	return func(w *BatchWorker) { w.interval = d }
}

// NewBatchWorker creates a worker whose queue file lives under dir. Any refs
// left over from a previous run are loaded immediately.
func NewBatchWorker(driver BatchDriver, store *PageStore, model, dir string, opts ...BatchWorkerOption) (*BatchWorker, error) {
	w := &BatchWorker{
		logger:   nopLogger,
		driver:   driver,
		store:    store,
		model:    model,
		path:     filepath.Join(dir, batchQueueFileName),
		interval: batchPollInterval,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = nopLogger
	}
	if err := w.loadQueue(); err != nil {
		return nil, err
	}
	return w, nil
}

// Enqueue adds a page to the durable queue. Implements SummaryQueue.
func (w *BatchWorker) Enqueue(ref PageRef) {
	w.mu.Lock()
	for _, p := range w.pending {
		if p.PageID == ref.PageID {
			w.mu.Unlock()
			return
		}
	}
	w.pending = append(w.pending, ref)
	w.persistLocked()
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued refs.
func (w *BatchWorker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Run processes the queue until ctx is cancelled. Pending refs survive
// cancellation in the queue file.
func (w *BatchWorker) Run(ctx context.Context) {
	for {
		if err := w.drainOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("batch summarization round failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-time.After(w.interval):
		}
	}
}

// drainOnce submits one batch of up to batchSize refs and polls it to
// completion, then applies results.
func (w *BatchWorker) drainOnce(ctx context.Context) error {
	w.mu.Lock()
	n := len(w.pending)
	if n == 0 {
		w.mu.Unlock()
		return nil
	}
	if n > batchSize {
		n = batchSize
	}
	batch := make([]PageRef, n)
	copy(batch, w.pending[:n])
	w.mu.Unlock()

	reqs := make([]BatchRequest, 0, len(batch))
	for _, ref := range batch {
		page, err := w.store.Get(ref.PageID)
		if err != nil {
			// Page vanished; nothing to summarize.
			w.logger.Warn("queued page missing", "page", ref.PageID, "error", err)
			w.remove(ref.PageID)
			continue
		}
		body := page.Content
		if len(body) > summaryTruncateAt {
			body = body[:summaryTruncateAt]
		}
		reqs = append(reqs, BatchRequest{
			CustomID:  ref.PageID,
			Model:     w.model,
			Prompt:    summaryPrompt,
			Body:      body,
			MaxTokens: summaryMaxTokens,
		})
	}
	if len(reqs) == 0 {
		return nil
	}

	batchID, err := w.driver.SubmitBatch(ctx, reqs)
	if err != nil {
		w.bumpAttempts(batch)
		return fmt.Errorf("submit batch: %w", err)
	}
	w.logger.Info("summarization batch submitted", "batch", batchID, "pages", len(reqs))

	for {
		done, results, err := w.driver.PollBatch(ctx, batchID)
		if err != nil {
			w.bumpAttempts(batch)
			return fmt.Errorf("poll batch %s: %w", batchID, err)
		}
		if done {
			w.apply(results)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.interval):
		}
	}
}

// apply writes completed summaries back to the store and removes the refs
// from the queue.
func (w *BatchWorker) apply(results []BatchResult) {
	for _, r := range results {
		text := strings.TrimSpace(r.Text)
		if r.Err != "" || text == "" {
			w.logger.Warn("batch unit failed", "page", r.CustomID, "error", r.Err)
			w.bumpAttempts([]PageRef{{PageID: r.CustomID}})
			continue
		}
		if err := w.store.UpdateSummary(r.CustomID, text); err != nil {
			w.logger.Warn("summary write", "page", r.CustomID, "error", err)
			continue
		}
		w.remove(r.CustomID)
	}
}

// bumpAttempts increments attempt counts; refs past the limit get a
// permanent unavailable marker and leave the queue.
func (w *BatchWorker) bumpAttempts(batch []PageRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ref := range batch {
		for i := range w.pending {
			if w.pending[i].PageID != ref.PageID {
				continue
			}
			w.pending[i].Attempts++
			if w.pending[i].Attempts >= batchMaxAttempts {
				if err := w.store.UpdateSummary(ref.PageID, summaryUnavailable); err != nil {
					w.logger.Warn("summary unavailable write", "page", ref.PageID, "error", err)
				}
				w.pending = append(w.pending[:i], w.pending[i+1:]...)
			}
			break
		}
	}
	w.persistLocked()
}

func (w *BatchWorker) remove(pageID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.pending {
		if w.pending[i].PageID == pageID {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			break
		}
	}
	w.persistLocked()
}

// loadQueue reads the jsonl queue file, skipping torn lines.
func (w *BatchWorker) loadQueue() error {
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("batch queue: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var ref PageRef
		if err := json.Unmarshal(sc.Bytes(), &ref); err != nil {
			continue
		}
		if ref.PageID != "" {
			w.pending = append(w.pending, ref)
		}
	}
	return nil
}

// persistLocked rewrites the queue file to match the in-memory queue.
// Caller holds mu.
func (w *BatchWorker) persistLocked() {
	var b strings.Builder
	for _, ref := range w.pending {
		line, err := json.Marshal(ref)
		if err != nil {
			continue
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		w.logger.Warn("batch queue write", "error", err)
		return
	}
	if err := os.Rename(tmp, w.path); err != nil {
		w.logger.Warn("batch queue rename", "error", err)
	}
}
