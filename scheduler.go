package gro

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// StopReason explains why a run ended. The CLI maps these to exit codes.
type StopReason string

const (
	StopDone      StopReason = "done"
	StopError     StopReason = "error"
	StopBudget    StopReason = "budget_exceeded"
	StopIdle      StopReason = "idle_timeout"
	StopCancelled StopReason = "cancelled"
	StopAsleep    StopReason = "asleep"
)

// RunResult is the outcome of one Scheduler.Run.
type RunResult struct {
	Text   string
	Reason StopReason
	Turns  int
	Usage  Usage
	Cost   float64
	Err    error
}

// ModelPrice is USD per million tokens for one model. Cache reads are billed
// at their own (discounted) rate.
type ModelPrice struct {
	Input      float64
	Output     float64
	CacheWrite float64
	CacheRead  float64
}

// Scheduler tuning defaults.
const (
	defaultMaxToolRounds = 32
	defaultMaxIdleNudges = 3
	toolStreakThreshold  = 3
	requestsPerSecond    = 2.0
)

// Nudge texts injected in persistent (work-first) mode.
const (
	idleNudge = "(no work was performed this turn; if nothing remains, say so explicitly, otherwise pick up the next work item)"
)

// Scheduler owns the turn loop: it assembles each request from working
// memory, auto-filled pages, and the sensory buffer, calls the driver under
// retry and connection recovery, routes directives, dispatches tool calls
// sequentially, and accounts spend against the USD budget.
//
// A Scheduler serves one session and is not safe for concurrent Run calls.
type Scheduler struct {
	logger *slog.Logger

	driver   Driver
	memory   *Memory
	state    *State
	tools    *ToolRegistry
	sessions *SessionStore
	writer   EventWriter
	dejavu   *DejaVu
	familiar *Familiarity
	limiter  *Limiter

	sessionID  string
	persistent bool
	listenOnly bool
	orphans    OrphanPolicy
	maxTokens  int
	caching    bool
	rounds     int
	idleCap    int
	budgetUSD  float64
	prices     map[string]ModelPrice
	tierModels map[string]string

	// per-run accounting
	turns        int
	usage        Usage
	spentUSD     float64
	asleep       bool
	lastTool     string
	toolStreak   int
	pendingSense []string
	meta         SessionMeta
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// SchedulerLogger sets the structured logger.
func SchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithTools attaches the tool registry.
func WithTools(r *ToolRegistry) SchedulerOption {
	return func(s *Scheduler) { s.tools = r }
}

// WithSessionStore enables persistence under the given store and session id.
func WithSessionStore(store *SessionStore, id string) SchedulerOption {
	return func(s *Scheduler) { s.sessions = store; s.sessionID = id }
}

// WithEventWriter routes run events to w.
func WithEventWriter(w EventWriter) SchedulerOption {
	return func(s *Scheduler) { s.writer = w }
}

// Persistent switches the scheduler into work-first mode: instead of
// returning after the first tool-free reply, it nudges the model back to
// work until the idle cap is reached.
func Persistent() SchedulerOption {
	return func(s *Scheduler) { s.persistent = true }
}

// PersistentPolicy selects the idle behavior in persistent mode:
// "work-first" (the default) nudges the model back to work, "listen-only"
// goes to sleep and waits for new input instead.
func PersistentPolicy(policy string) SchedulerOption {
	return func(s *Scheduler) { s.listenOnly = policy == "listen-only" }
}

// WithOrphanPolicy selects the history-repair policy matching the driver's
// dialect.
func WithOrphanPolicy(p OrphanPolicy) SchedulerOption {
	return func(s *Scheduler) { s.orphans = p }
}

// MaxTokens caps completion length per request.
func MaxTokens(n int) SchedulerOption {
	return func(s *Scheduler) { s.maxTokens = n }
}

// EnableCaching turns on prompt-cache hints for dialects that support them.
func EnableCaching() SchedulerOption {
	return func(s *Scheduler) { s.caching = true }
}

// MaxToolRounds caps tool rounds within one Run.
func MaxToolRounds(n int) SchedulerOption {
	return func(s *Scheduler) { s.rounds = n }
}

// MaxIdleNudges caps consecutive work-free turns in persistent mode.
func MaxIdleNudges(n int) SchedulerOption {
	return func(s *Scheduler) { s.idleCap = n }
}

// BudgetUSD sets the spend ceiling; 0 means unmetered.
func BudgetUSD(v float64) SchedulerOption {
	return func(s *Scheduler) { s.budgetUSD = v }
}

// WithPrices installs the per-model price table used by the budget meter.
func WithPrices(p map[string]ModelPrice) SchedulerOption {
	return func(s *Scheduler) { s.prices = p }
}

// WithMeta seeds accounting from a resumed session so turn counts, spend,
// and usage continue instead of restarting.
func WithMeta(meta SessionMeta) SchedulerOption {
	return func(s *Scheduler) {
		s.meta = meta
		s.turns = meta.Turns
		s.usage = meta.Usage
		s.spentUSD = meta.CostUSD
	}
}

// WithTierModels maps thinking-budget tiers (low/mid/high) to model names
// used when no model is pinned.
func WithTierModels(m map[string]string) SchedulerOption {
	return func(s *Scheduler) { s.tierModels = m }
}

// NewScheduler wires a scheduler over a driver, memory, and runtime state.
func NewScheduler(driver Driver, memory *Memory, state *State, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		logger:   nopLogger,
		driver:   driver,
		memory:   memory,
		state:    state,
		tools:    NewToolRegistry(),
		writer:   nopEventWriter{},
		dejavu:   NewDejaVu(0, 0),
		familiar: NewFamiliarity(),
		limiter:  NewLimiter(),
		orphans:  OrphanPlaceholder,
		rounds:   defaultMaxToolRounds,
		idleCap:  defaultMaxIdleNudges,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	if s.meta.CreatedAt == 0 {
		s.meta.CreatedAt = NowUnix()
	}
	return s
}

// SessionID returns the persisted session id, if any.
func (s *Scheduler) SessionID() string { return s.sessionID }

// Spent returns the accumulated cost in USD.
func (s *Scheduler) Spent() float64 { return s.spentUSD }

// Wake clears the sleep state (new user input arrived).
func (s *Scheduler) Wake() { s.asleep = false }

// Run executes turns starting from input until the model stops producing
// work, the budget is exhausted, the idle cap is hit, or ctx is cancelled.
// An empty input resumes from whatever is already in memory.
func (s *Scheduler) Run(ctx context.Context, input string) RunResult {
	if input != "" {
		s.asleep = false
		s.memory.Add(ctx, UserMessage(input))
	}

	var (
		lastText   string
		idleNudges int
		toolRounds int
	)
	for {
		if err := ctx.Err(); err != nil {
			return s.finish(lastText, StopCancelled, nil)
		}
		if s.budgetUSD > 0 && s.spentUSD >= s.budgetUSD {
			s.logger.Warn("budget exhausted", "spent_usd", s.spentUSD, "budget_usd", s.budgetUSD)
			return s.finish(lastText, StopBudget, nil)
		}
		if s.asleep {
			return s.finish(lastText, StopAsleep, nil)
		}

		out, err := s.turn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return s.finish(lastText, StopCancelled, nil)
			}
			return s.finish(lastText, StopError, err)
		}
		s.turns++
		s.familiar.Tick()

		clean := s.absorb(ctx, out)
		if clean != "" {
			lastText = clean
		}

		if len(out.ToolCalls) > 0 {
			toolRounds++
			if toolRounds > s.rounds {
				s.logger.Warn("tool round cap reached", "rounds", toolRounds)
				return s.finish(lastText, StopDone, nil)
			}
			idleNudges = 0
			if stop := s.dispatch(ctx, out.ToolCalls); stop {
				return s.finish(lastText, StopCancelled, nil)
			}
			s.save()
			continue
		}

		s.save()
		if !s.persistent || s.asleep {
			reason := StopDone
			if s.asleep {
				reason = StopAsleep
			}
			return s.finish(lastText, reason, nil)
		}

		// A tool-free reply is idleness unless the model slept.
		if s.listenOnly {
			s.asleep = true
			return s.finish(lastText, StopAsleep, nil)
		}
		idleNudges++
		if idleNudges > s.idleCap {
			s.logger.Warn("idle cap reached, stopping", "idle_turns", idleNudges-1)
			return s.finish(lastText, StopIdle, nil)
		}
		s.memory.Add(ctx, UserMessage(idleNudge))
	}
}

// turn assembles one request and calls the driver under retry and
// connection recovery.
func (s *Scheduler) turn(ctx context.Context) (*Output, error) {
	model := s.effectiveModel()

	msgs := s.assemble(ctx)
	msgs = RepairHistory(msgs, RepairOptions{Orphans: s.orphans})

	opts := ChatOptions{
		Model:            model,
		Tools:            s.tools.Definitions(),
		MaxTokens:        s.maxTokens,
		ThinkingBudget:   s.state.Thinking(),
		Sampling:         s.state.Sampling(),
		EnableCaching:    s.caching,
		OnToken:          s.writer.Token,
		OnReasoningToken: s.writer.Reasoning,
	}

	lane := s.driver.Name() + "/" + model
	if err := s.limiter.Wait(ctx, lane, requestsPerSecond); err != nil {
		return nil, err
	}

	out, err := WithConnectionRecovery(ctx, RecoveryOptions{Logger: s.logger, Where: "chat"}, func() (*Output, error) {
		return RetryCall(ctx, "chat", s.logger, func() (*Output, error) {
			return s.driver.Chat(ctx, msgs, opts)
		})
	})
	if err != nil {
		return nil, WrapError(KindProvider, "chat request failed", err)
	}

	s.usage.Add(out.Usage)
	s.spentUSD += s.costOf(model, out.Usage)
	return out, nil
}

// assemble builds the request view: working buffer with auto-filled pages
// and the refreshed sensory section inserted after the leading system run.
func (s *Scheduler) assemble(ctx context.Context) []Message {
	buffer := s.memory.Messages()
	pages := s.memory.AutoFill(ctx)
	sensory := s.sensory()

	head := 0
	for head < len(buffer) && buffer[head].Role == RoleSystem {
		head++
	}
	out := make([]Message, 0, len(buffer)+len(pages)+1)
	out = append(out, buffer[:head]...)
	out = append(out, pages...)
	if sensory.Content != "" {
		out = append(out, sensory)
	}
	out = append(out, buffer[head:]...)
	return out
}

// sensory builds the per-turn awareness section: memory pressure, familiar
// resources, deja-vu warnings, fairness corrections, and pending sense
// results. Rebuilt from scratch every turn, never persisted.
func (s *Scheduler) sensory() Message {
	var b strings.Builder

	usage := s.memory.Usage()
	fmt.Fprintf(&b, "working memory: ~%d tokens in %d messages\n", usage, s.memory.Len())

	if top := s.familiar.Top(5); len(top) > 0 {
		b.WriteString("familiar: ")
		for i, fr := range top {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s (%.2f)", fr.Resource, fr.Score)
		}
		b.WriteByte('\n')
	}

	for _, w := range s.dejavu.Warnings() {
		b.WriteString(w)
		b.WriteByte('\n')
	}

	if s.toolStreak >= toolStreakThreshold {
		fmt.Fprintf(&b, "you called %s %d times in a row without doing other work; do a work slice now\n", s.lastTool, s.toolStreak)
	}

	for _, line := range s.pendingSense {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	s.pendingSense = nil

	return Message{Role: RoleSystem, From: SourceSensory, Content: strings.TrimRight(b.String(), "\n")}
}

// absorb records the assistant output into memory, parses and routes
// directives, and returns the cleaned display text.
func (s *Scheduler) absorb(ctx context.Context, out *Output) string {
	msg := Message{
		Role:      RoleAssistant,
		Content:   out.Text,
		Reasoning: out.Reasoning,
		ToolCalls: out.ToolCalls,
	}
	s.memory.Add(ctx, msg)

	parsed := ParseDirectives(out.Text)
	if len(parsed.Directives) == 0 {
		return out.Text
	}
	s.memory.ReplaceLastAssistant(parsed.Clean)

	deferred := s.state.ApplyDirectives(parsed.Directives)
	if w := s.state.ContextTokens(); w > 0 {
		s.memory.SetBudget(w)
	}
	for _, d := range deferred {
		s.routeDirective(ctx, d)
	}
	return parsed.Clean
}

// routeDirective handles memory- and scheduler-affecting directives the
// state layer deferred.
func (s *Scheduler) routeDirective(ctx context.Context, d Directive) {
	switch d.Name {
	case "ref", "view":
		s.memory.Ref(d.Args)
	case "unref":
		for _, a := range d.Args {
			s.memory.Unref(a)
		}
	case "importance":
		if len(d.Args) > 0 {
			if v, err := argFloat(d, 0); err == nil {
				s.memory.StampImportance(v)
			}
		}
	case "sense":
		if len(d.Args) > 0 {
			query := strings.Join(d.Args, " ")
			for _, m := range s.memory.SearchSemantic(ctx, query, 3) {
				s.pendingSense = append(s.pendingSense,
					fmt.Sprintf("sense %q → %s: %s", query, m.ID, firstLine(m.Snippet, 160)))
			}
		}
	case "compact-context":
		s.memory.Compact(ctx)
	case "sleep", "listening":
		s.asleep = true
	case "wake":
		s.asleep = false
	default:
		s.logger.Debug("directive ignored", "name", d.Name)
	}
}

// dispatch executes tool calls sequentially in emission order. On
// cancellation the remaining calls get synthetic interrupted results so the
// history stays pair-complete; the true return reports the interruption.
func (s *Scheduler) dispatch(ctx context.Context, calls []ToolCall) (cancelled bool) {
	for i, call := range calls {
		s.writer.ToolCall(call.Name, call.Args)

		if ctx.Err() != nil {
			for _, rest := range calls[i:] {
				s.memory.Add(context.Background(), ToolResultMessage(rest.ID, rest.Name, interruptedToolResult))
			}
			return true
		}

		res := s.tools.Execute(ctx, call)
		content := res.Content
		isErr := res.Error != ""
		if isErr {
			content = "error: " + res.Error
		}
		s.writer.ToolResult(call.Name, content, isErr)
		s.memory.Add(ctx, ToolResultMessage(call.ID, call.Name, content))

		s.trackTool(call, content)
	}
	return false
}

// trackTool feeds the deja-vu and familiarity trackers and maintains the
// same-tool streak used for fairness corrections.
func (s *Scheduler) trackTool(call ToolCall, result string) {
	s.dejavu.Record(call.Name, string(call.Args), s.turns, result)
	s.familiar.Touch(call.Name)
	if path := pathArg(call.Args); path != "" {
		s.familiar.Touch(path)
	}

	if call.Name == s.lastTool {
		s.toolStreak++
	} else {
		s.lastTool = call.Name
		s.toolStreak = 1
	}
}

// effectiveModel resolves the model for this turn: an explicit pin wins;
// otherwise the thinking budget picks a tier from the configured tier map.
func (s *Scheduler) effectiveModel() string {
	model, pinned := s.state.Model()
	if pinned || len(s.tierModels) == 0 {
		return model
	}
	if m, ok := s.tierModels[TierFor(s.state.Thinking(), "")]; ok && m != "" {
		return m
	}
	return model
}

// costOf prices one request's usage. Unknown models cost zero; the budget
// meter only counts what it can price.
func (s *Scheduler) costOf(model string, u Usage) float64 {
	p, ok := s.prices[model]
	if !ok {
		return 0
	}
	const mtok = 1_000_000.0
	return float64(u.InputTokens)/mtok*p.Input +
		float64(u.OutputTokens)/mtok*p.Output +
		float64(u.CacheWriteTokens)/mtok*p.CacheWrite +
		float64(u.CacheReadTokens)/mtok*p.CacheRead
}

// save persists the session if a store is attached. Persistence failures
// are logged, never fatal.
func (s *Scheduler) save() {
	if s.sessions == nil || s.sessionID == "" {
		return
	}
	model, _ := s.state.Model()
	s.meta.UpdatedAt = NowUnix()
	s.meta.Model = model
	s.meta.Turns = s.turns
	s.meta.CostUSD = s.spentUSD
	s.meta.Usage = s.usage
	if err := s.sessions.Save(s.sessionID, s.memory.Messages(), s.meta); err != nil {
		s.logger.Warn("session save", "session", s.sessionID, "error", err)
	}
}

// finish saves, emits the result event, and builds the RunResult.
func (s *Scheduler) finish(text string, reason StopReason, err error) RunResult {
	s.save()
	s.meta.ID = s.sessionID
	s.writer.Result(text, s.meta)
	if err != nil {
		s.logger.Error("run failed", "reason", reason, "error", err)
	} else {
		s.logger.Info("run finished",
			"reason", reason, "turns", s.turns, "cost_usd", s.spentUSD)
	}
	return RunResult{Text: text, Reason: reason, Turns: s.turns, Usage: s.usage, Cost: s.spentUSD, Err: err}
}

// pathArg pulls a path-like argument out of raw tool args for familiarity
// tracking.
func pathArg(raw []byte) string {
	args := struct {
		Path string `json:"path"`
		File string `json:"file"`
		URL  string `json:"url"`
	}{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return ""
	}
	switch {
	case args.Path != "":
		return args.Path
	case args.File != "":
		return args.File
	default:
		return args.URL
	}
}
