package gro

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// State holds the per-session runtime knobs the model adjusts through
// directives: active model, sampling overrides, thinking budget, memory mode,
// and the working-memory budget. Setters clamp to their ranges and warn on
// out-of-range values. Nothing here persists across restarts except learned
// facts (written to disk) and the base model pin (set from the CLI).
type State struct {
	mu     sync.Mutex
	logger *slog.Logger

	model       string
	modelPinned bool
	nextModel   string // model switch staged for the following turn

	temperature *float64
	topP        *float64
	topK        *int

	thinking      float64
	contextTokens int
	memoryMode    string

	learnPath string
	learned   []string
}

// StateOption configures a State.
type StateOption func(*State)

// StateLogger sets the logger used for out-of-range warnings.
func StateLogger(l *slog.Logger) StateOption {
	return func(s *State) { s.logger = l }
}

// LearnFileName is the file name learned facts persist under in the state
// directory.
const LearnFileName = "_learn.md"

// LearnFile sets the path of the learned-facts file (default none; learns
// are kept in memory only).
func LearnFile(path string) StateOption {
	return func(s *State) { s.learnPath = path }
}

// DefaultModel sets the starting model without pinning it, leaving tier
// routing free to override it per turn.
func DefaultModel(model string) StateOption {
	return func(s *State) { s.model = model }
}

// NewState creates a State with defaults.
func NewState(opts ...StateOption) *State {
	s := &State{logger: nopLogger, memoryMode: "virtual"}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	return s
}

// PinModel sets the active model and marks it explicitly pinned; tier
// selection is bypassed for pinned sessions.
func (s *State) PinModel(model string) {
	s.mu.Lock()
	s.model = model
	s.modelPinned = true
	s.mu.Unlock()
}

// SetModel stages a model switch that takes effect the following turn.
func (s *State) SetModel(model string) {
	s.mu.Lock()
	s.nextModel = model
	s.mu.Unlock()
}

// Model returns the active model and whether it was explicitly pinned,
// promoting any staged switch first.
func (s *State) Model() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextModel != "" {
		s.model = s.nextModel
		s.modelPinned = true
		s.nextModel = ""
	}
	return s.model, s.modelPinned
}

// SetTemperature clamps to [0, 2].
func (s *State) SetTemperature(v float64) {
	v = s.clamp("temperature", v, 0, 2)
	s.mu.Lock()
	s.temperature = &v
	s.mu.Unlock()
}

// SetTopP clamps to [0, 1].
func (s *State) SetTopP(v float64) {
	v = s.clamp("top_p", v, 0, 1)
	s.mu.Lock()
	s.topP = &v
	s.mu.Unlock()
}

// SetTopK rejects non-positive values.
func (s *State) SetTopK(v int) {
	if v < 1 {
		s.logger.Warn("top_k out of range, ignored", "value", v)
		return
	}
	s.mu.Lock()
	s.topK = &v
	s.mu.Unlock()
}

// SetThinking clamps the thinking budget to [0, 1].
func (s *State) SetThinking(v float64) {
	v = s.clamp("thinking", v, 0, 1)
	s.mu.Lock()
	s.thinking = v
	s.mu.Unlock()
}

// AdjustThinking shifts the thinking budget by delta, clamped to [0, 1].
func (s *State) AdjustThinking(delta float64) {
	s.mu.Lock()
	s.thinking += delta
	if s.thinking > 1 {
		s.thinking = 1
	}
	if s.thinking < 0 {
		s.thinking = 0
	}
	s.mu.Unlock()
}

// Thinking returns the current thinking budget.
func (s *State) Thinking() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thinking
}

// Sampling returns the current sampling overrides, or nil when none are set.
func (s *State) Sampling() *Sampling {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.temperature == nil && s.topP == nil && s.topK == nil {
		return nil
	}
	return &Sampling{Temperature: s.temperature, TopP: s.topP, TopK: s.topK}
}

// SetContextTokens adjusts the working-memory budget. Accepts shorthand like
// "200k". Non-positive values are ignored with a warning.
func (s *State) SetContextTokens(spec string) {
	n := parseTokenCount(spec)
	if n <= 0 {
		s.logger.Warn("max-context value not understood, ignored", "value", spec)
		return
	}
	s.mu.Lock()
	s.contextTokens = n
	s.mu.Unlock()
}

// ContextTokens returns the working-memory budget override, 0 = unchanged.
func (s *State) ContextTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextTokens
}

// SetMemoryMode swaps the memory implementation label at runtime.
func (s *State) SetMemoryMode(mode string) {
	s.mu.Lock()
	s.memoryMode = mode
	s.mu.Unlock()
}

// MemoryMode returns the active memory implementation label.
func (s *State) MemoryMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memoryMode
}

// Learn appends a fact to the learned-facts file and the in-memory list used
// to hot-patch the system prompt. Append is atomic at the OS level; a failed
// write keeps the fact in memory only.
func (s *State) Learn(fact string) {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return
	}
	s.mu.Lock()
	s.learned = append(s.learned, fact)
	path := s.learnPath
	s.mu.Unlock()

	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.Warn("learn file dir", "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Warn("learn file open", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString("- " + fact + "\n"); err != nil {
		s.logger.Warn("learn file write", "error", err)
	}
}

// LearnedFacts returns facts learned this session plus any loaded from disk.
func (s *State) LearnedFacts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.learned))
	copy(out, s.learned)
	return out
}

// LoadLearnedFacts reads the learned-facts file, skipping a torn last line.
func (s *State) LoadLearnedFacts() {
	s.mu.Lock()
	path := s.learnPath
	s.mu.Unlock()
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	lines := strings.Split(string(data), "\n")
	// A crashed append can leave a torn final line; only complete lines count.
	if len(lines) > 0 && !strings.HasSuffix(string(data), "\n") {
		lines = lines[:len(lines)-1]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range lines {
		l = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), "-"))
		if l != "" {
			s.learned = append(s.learned, l)
		}
	}
}

// Snapshot returns a diagnostic view of the current state.
func (s *State) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := map[string]any{
		"model":        s.model,
		"model_pinned": s.modelPinned,
		"thinking":     s.thinking,
		"memory_mode":  s.memoryMode,
	}
	if s.temperature != nil {
		snap["temperature"] = *s.temperature
	}
	if s.topP != nil {
		snap["top_p"] = *s.topP
	}
	if s.topK != nil {
		snap["top_k"] = *s.topK
	}
	if s.contextTokens > 0 {
		snap["context_tokens"] = s.contextTokens
	}
	return snap
}

func (s *State) clamp(name string, v, lo, hi float64) float64 {
	if v < lo || v > hi {
		s.logger.Warn("value out of range, clamped",
			"setting", name, "value", v, "min", lo, "max", hi)
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// parseTokenCount parses "200k", "1m", or a plain integer into a token count.
func parseTokenCount(s string) int {
	s = strings.ToLower(strings.TrimSpace(s))
	mult := 1
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1_000, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult, s = 1_000_000, strings.TrimSuffix(s, "m")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int(f * float64(mult))
}

// ApplyDirectives executes state-affecting directives in their fixed phase
// order. Memory- and page-affecting directives are returned for the caller
// (the scheduler) to route; directive execution failures are logged and do
// not abort the turn.
func (s *State) ApplyDirectives(dirs []Directive) (deferred []Directive) {
	for _, d := range OrderDirectives(dirs) {
		switch d.Name {
		case "learn":
			if len(d.Args) > 0 {
				s.Learn(strings.Join(d.Args, ", "))
			}
		case "memory":
			if len(d.Args) > 0 {
				s.SetMemoryMode(d.Args[0])
			}
		case "thinking":
			if v, err := argFloat(d, 0); err == nil {
				s.SetThinking(v)
			} else {
				s.logger.Warn("thinking directive", "error", err)
			}
		case "thinking-up":
			s.AdjustThinking(0.3)
		case "thinking-down":
			s.AdjustThinking(-0.3)
		case "temperature":
			if v, err := argFloat(d, 0); err == nil {
				s.SetTemperature(v)
			} else {
				s.logger.Warn("temperature directive", "error", err)
			}
		case "top_p":
			if v, err := argFloat(d, 0); err == nil {
				s.SetTopP(v)
			} else {
				s.logger.Warn("top_p directive", "error", err)
			}
		case "top_k":
			if v, err := argFloat(d, 0); err == nil {
				s.SetTopK(int(v))
			} else {
				s.logger.Warn("top_k directive", "error", err)
			}
		case "model":
			if len(d.Args) > 0 {
				s.SetModel(d.Args[0])
			}
		case "max-context":
			if len(d.Args) > 0 {
				s.SetContextTokens(d.Args[0])
			}
		default:
			deferred = append(deferred, d)
		}
	}
	return deferred
}

func argFloat(d Directive, i int) (float64, error) {
	if i >= len(d.Args) {
		return 0, fmt.Errorf("%s: missing argument", d.Name)
	}
	return strconv.ParseFloat(d.Args[i], 64)
}
