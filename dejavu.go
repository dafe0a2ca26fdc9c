package gro

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// --- Deja-vu tracker ---

// DejaVuEntry records repeated invocations of one (tool, args) pair.
type DejaVuEntry struct {
	Tool          string
	Count         int
	LastTurn      int
	ResultPreview string
}

// DejaVu detects repeated identical tool calls. Entries are keyed by the
// tool name plus a canonical hash of the arguments; the oldest entries are
// evicted FIFO past the window. Warnings are presented to the model through
// the sensory buffer and never block execution.
type DejaVu struct {
	mu        sync.Mutex
	window    int
	threshold int
	entries   map[string]*DejaVuEntry
	order     []string // insertion order for FIFO eviction
}

const (
	defaultDejaVuWindow    = 100
	defaultDejaVuThreshold = 2
	dejaVuPreviewLen       = 120
)

// NewDejaVu creates a tracker. window and threshold of 0 use the defaults
// (100 entries, warn at 2 repeats).
func NewDejaVu(window, threshold int) *DejaVu {
	if window <= 0 {
		window = defaultDejaVuWindow
	}
	if threshold <= 0 {
		threshold = defaultDejaVuThreshold
	}
	return &DejaVu{
		window:    window,
		threshold: threshold,
		entries:   map[string]*DejaVuEntry{},
	}
}

// Record notes one tool invocation and returns the updated repeat count.
func (d *DejaVu) Record(tool, args string, turn int, resultPreview string) int {
	key := dejaVuKey(tool, args)
	if len(resultPreview) > dejaVuPreviewLen {
		resultPreview = resultPreview[:dejaVuPreviewLen]
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[key]
	if !ok {
		e = &DejaVuEntry{Tool: tool}
		d.entries[key] = e
		d.order = append(d.order, key)
		for len(d.order) > d.window {
			delete(d.entries, d.order[0])
			d.order = d.order[1:]
		}
	}
	e.Count++
	e.LastTurn = turn
	e.ResultPreview = resultPreview
	return e.Count
}

// Warnings returns sensory-buffer lines for entries at or past the repeat
// threshold, most-repeated first.
func (d *DejaVu) Warnings() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var hot []*DejaVuEntry
	for _, e := range d.entries {
		if e.Count >= d.threshold {
			hot = append(hot, e)
		}
	}
	sort.Slice(hot, func(i, j int) bool { return hot[i].Count > hot[j].Count })

	var out []string
	for _, e := range hot {
		line := fmt.Sprintf("deja vu: %s called %d times with identical arguments", e.Tool, e.Count)
		if e.ResultPreview != "" {
			line += " (last result: " + e.ResultPreview + ")"
		}
		out = append(out, line)
	}
	return out
}

// dejaVuKey hashes the canonicalized arguments so whitespace variations of
// the same JSON collapse to one entry.
func dejaVuKey(tool, args string) string {
	canon := strings.Join(strings.Fields(args), "")
	sum := sha256.Sum256([]byte(canon))
	return tool + ":" + hex.EncodeToString(sum[:8])
}

// --- Familiarity tracker ---

// Familiarity keeps a per-resource recency score: boosted on access, decayed
// each turn, pruned when tiny or when the table outgrows its cap.
type Familiarity struct {
	mu     sync.Mutex
	scores map[string]float64

	boost      float64
	decay      float64
	floor      float64
	maxEntries int
}

const (
	defaultFamiliarityBoost = 0.4
	defaultFamiliarityDecay = 0.9
	familiarityFloor        = 0.05
	defaultFamiliarityMax   = 200
)

// NewFamiliarity creates a tracker with the default boost (0.4), decay
// (0.9/turn), prune floor (0.05), and entry cap (200).
func NewFamiliarity() *Familiarity {
	return &Familiarity{
		scores:     map[string]float64{},
		boost:      defaultFamiliarityBoost,
		decay:      defaultFamiliarityDecay,
		floor:      familiarityFloor,
		maxEntries: defaultFamiliarityMax,
	}
}

// Touch boosts a resource's score toward 1: score += (1 − score) × boost.
func (f *Familiarity) Touch(resource string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.scores[resource]
	f.scores[resource] = s + (1-s)*f.boost
	f.pruneLocked()
}

// Tick applies one turn of decay and prunes entries below the floor.
func (f *Familiarity) Tick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, s := range f.scores {
		s *= f.decay
		if s < f.floor {
			delete(f.scores, k)
		} else {
			f.scores[k] = s
		}
	}
}

// FamiliarResource pairs a resource with its current score.
type FamiliarResource struct {
	Resource string
	Score    float64
}

// Top returns the n most-familiar resources for sensory display.
func (f *Familiarity) Top(n int) []FamiliarResource {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := make([]FamiliarResource, 0, len(f.scores))
	for k, s := range f.scores {
		all = append(all, FamiliarResource{Resource: k, Score: s})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].Resource < all[j].Resource
	})
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// pruneLocked drops the lowest-scored entries past the cap. Caller holds mu.
func (f *Familiarity) pruneLocked() {
	if len(f.scores) <= f.maxEntries {
		return
	}
	all := make([]FamiliarResource, 0, len(f.scores))
	for k, s := range f.scores {
		all = append(all, FamiliarResource{k, s})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Score < all[j].Score })
	for _, e := range all[:len(all)-f.maxEntries] {
		delete(f.scores, e.Resource)
	}
}
