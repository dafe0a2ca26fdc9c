// Command gro is a provider-agnostic agent runtime: it schedules turns
// against an LLM driver, keeps history in virtual working memory, and
// dispatches tool calls until the work is done.
//
// One-shot:    gro -p "summarize the repo layout"
// Interactive: gro -i
// Resume:      gro -session <id> -p "continue"
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	gro "github.com/nevindra/gro"
	"github.com/nevindra/gro/internal/config"
	"github.com/nevindra/gro/mcp"
	"github.com/nevindra/gro/observer"
	"github.com/nevindra/gro/provider/resolve"
	"github.com/nevindra/gro/store/sqlite"
	"github.com/nevindra/gro/tools/file"
	"github.com/nevindra/gro/tools/shell"
	"github.com/nevindra/gro/tools/web"
)

// Exit codes: the stop reason is the contract with calling scripts.
const (
	exitOK     = 0
	exitError  = 1
	exitBudget = 2
	exitIdle   = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath     = flag.String("config", "", "config file path (default $GRO_HOME/gro.toml)")
		printMode   = flag.Bool("p", false, "print mode: run one prompt and exit")
		interactive = flag.Bool("i", false, "interactive mode")
		providerFlg = flag.String("provider", "", "override the configured provider")
		modelFlg    = flag.String("model", "", "pin a model for this session")
		thinkingFlg = flag.Float64("thinking", -1, "initial thinking budget [0,1]")
		budgetFlg   = flag.Float64("budget", -1, "spend ceiling in USD (0 = unmetered)")
		sessionFlg  = flag.String("session", "", "resume the given session id")
		listFlg     = flag.Bool("sessions", false, "list saved sessions and exit")
		outputFlg   = flag.String("output", "text", "output format: text, json, stream-json")
		persistFlg  = flag.Bool("persistent", false, "work-first mode: nudge idle turns instead of stopping")
		verboseFlg  = flag.Bool("verbose", false, "print reasoning, tool arguments, and debug logs")
	)
	flag.Parse()

	cfg := config.Load(*cfgPath)
	if *providerFlg != "" {
		cfg.Provider.Name = *providerFlg
	}
	if *thinkingFlg >= 0 {
		cfg.Runtime.Thinking = *thinkingFlg
	}
	if *budgetFlg >= 0 {
		cfg.Runtime.BudgetUSD = *budgetFlg
	}

	level := slog.LevelWarn
	if *verboseFlg {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Runtime.Home, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "gro: %v\n", err)
		return exitError
	}
	sessions, err := gro.NewSessionStore(cfg.Runtime.Home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gro: %v\n", err)
		return exitError
	}

	if *listFlg {
		return listSessions(sessions)
	}

	driver, err := resolve.Driver(resolve.Config{
		Provider: cfg.Provider.Name,
		APIKey:   cfg.Provider.APIKey,
		Model:    cfg.Provider.Model,
		BaseURL:  cfg.Provider.BaseURL,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "gro: %v\n", err)
		return exitError
	}

	// Observability is opt-in; when enabled everything flows through the
	// instrumented wrappers.
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, cfg.Observer.Endpoint, nil)
		if err != nil {
			logger.Warn("observer init failed, continuing without", "error", err)
		} else {
			driver = observer.WrapDriver(driver, inst)
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = shutdown(sctx)
			}()
		}
	}

	mem, index, worker, err := buildMemory(ctx, cfg, driver, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gro: %v\n", err)
		return exitError
	}
	if index != nil {
		defer index.Close()
	}
	if worker != nil {
		go worker.Run(ctx)
	}

	stateOpts := []gro.StateOption{
		gro.StateLogger(logger),
		gro.DefaultModel(cfg.Provider.Model),
	}
	if cfg.Runtime.Plastic {
		stateOpts = append(stateOpts, gro.LearnFile(filepath.Join(cfg.Runtime.Home, gro.LearnFileName)))
	}
	state := gro.NewState(stateOpts...)
	if *modelFlg != "" {
		state.PinModel(*modelFlg)
	}
	state.SetThinking(cfg.Runtime.Thinking)
	state.LoadLearnedFacts()

	// Session: resume seeds memory from disk, a fresh one from the system
	// prompt.
	sessionID := *sessionFlg
	var meta gro.SessionMeta
	if sessionID != "" {
		msgs, m, err := sessions.Load(sessionID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gro: %v\n", err)
			return exitError
		}
		mem.Seed(msgs)
		meta = m
	} else {
		sessionID = gro.NewID()
		mem.Seed([]gro.Message{gro.SystemMessage(systemPrompt)})
	}

	registry, closeMCP := buildTools(ctx, cfg, inst, logger)
	defer closeMCP()

	writer, errWriter := buildWriter(*outputFlg, *verboseFlg)
	if errWriter != nil {
		fmt.Fprintf(os.Stderr, "gro: %v\n", errWriter)
		return exitError
	}

	opts := []gro.SchedulerOption{
		gro.SchedulerLogger(logger),
		gro.WithTools(registry),
		gro.WithSessionStore(sessions, sessionID),
		gro.WithEventWriter(writer),
		gro.WithOrphanPolicy(resolve.OrphanPolicy(cfg.Provider.Name)),
		gro.MaxTokens(cfg.Runtime.MaxTokens),
		gro.MaxToolRounds(cfg.Runtime.MaxToolRounds),
		gro.MaxIdleNudges(cfg.Runtime.MaxIdleNudges),
		gro.BudgetUSD(cfg.Runtime.BudgetUSD),
		gro.WithPrices(gro.DefaultPrices),
		gro.WithMeta(meta),
	}
	if cfg.Runtime.EnableCaching {
		opts = append(opts, gro.EnableCaching())
	}
	if *persistFlg {
		opts = append(opts, gro.Persistent(), gro.PersistentPolicy(cfg.Runtime.PersistentPolicy))
	}
	if tiers := tierModels(cfg); len(tiers) > 0 {
		opts = append(opts, gro.WithTierModels(tiers))
	}
	sched := gro.NewScheduler(driver, mem, state, opts...)

	if *interactive {
		return repl(ctx, sched, inst, sessionID)
	}

	prompt := strings.Join(flag.Args(), " ")
	if prompt == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gro: read stdin: %v\n", err)
			return exitError
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" && !*printMode {
		flag.Usage()
		return exitError
	}

	result := runOnce(ctx, sched, inst, sessionID, prompt)
	if result.Err != nil {
		fmt.Fprintf(os.Stderr, "gro: %v\n", result.Err)
	}
	return exitCode(result.Reason)
}

// runOnce executes one scheduler run, under the run span when observability
// is on.
func runOnce(ctx context.Context, sched *gro.Scheduler, inst *observer.Instruments, sessionID, prompt string) gro.RunResult {
	if inst != nil {
		return observer.ObserveRun(ctx, inst, sessionID, func(ctx context.Context) gro.RunResult {
			return sched.Run(ctx, prompt)
		})
	}
	return sched.Run(ctx, prompt)
}

// repl reads prompts from stdin until EOF. Each line is one run; the session
// persists across them.
func repl(ctx context.Context, sched *gro.Scheduler, inst *observer.Instruments, sessionID string) int {
	fmt.Fprintf(os.Stderr, "session %s — ctrl-d to exit\n", sessionID)
	scanner := bufio.NewScanner(os.Stdin)
	code := exitOK
	for {
		fmt.Fprint(os.Stderr, "› ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		sched.Wake()
		result := runOnce(ctx, sched, inst, sessionID, line)
		if result.Err != nil {
			fmt.Fprintf(os.Stderr, "gro: %v\n", result.Err)
		}
		code = exitCode(result.Reason)
		if ctx.Err() != nil {
			break
		}
	}
	return code
}

// buildMemory wires the page store, search index, and summarization mode.
func buildMemory(ctx context.Context, cfg config.Config, driver gro.Driver, logger *slog.Logger) (*gro.Memory, *sqlite.Index, *gro.BatchWorker, error) {
	pageStore, err := gro.NewPageStore(filepath.Join(cfg.Runtime.Home, "pages"))
	if err != nil {
		return nil, nil, nil, err
	}

	index := sqlite.New(cfg.Memory.IndexPath, sqlite.WithLogger(logger))
	if err := index.Init(ctx); err != nil {
		return nil, nil, nil, err
	}

	opts := []gro.MemoryOption{
		gro.MemoryLogger(logger),
		gro.MemoryBudget(cfg.Memory.Budget),
		gro.PageSlotBudget(cfg.Memory.PageSlotBudget),
		gro.Watermarks(cfg.Memory.HighRatio, cfg.Memory.LowRatio),
		gro.MinRecentPerLane(cfg.Memory.MinRecent),
		gro.WithPageIndex(index),
	}

	var worker *gro.BatchWorker
	switch cfg.Summary.Mode {
	case "sync":
		opts = append(opts, gro.WithSummarizer(driver, cfg.Summary.Model))
	case "batch":
		bd, ok := resolve.BatchDriver(driver)
		if !ok {
			logger.Warn("provider has no batch endpoint, falling back to fragment summaries",
				"provider", driver.Name())
			break
		}
		w, err := gro.NewBatchWorker(bd, pageStore, cfg.Summary.Model, cfg.Runtime.Home, gro.BatchLogger(logger))
		if err != nil {
			index.Close()
			return nil, nil, nil, err
		}
		worker = w
		opts = append(opts, gro.WithSummaryQueue(worker))
	}

	return gro.NewMemory(pageStore, opts...), index, worker, nil
}

// buildTools registers the built-in tools enabled by config plus every tool
// advertised by the configured MCP servers.
func buildTools(ctx context.Context, cfg config.Config, inst *observer.Instruments, logger *slog.Logger) (*gro.ToolRegistry, func()) {
	registry := gro.NewToolRegistry()
	register := func(h gro.ToolHandler) {
		if inst != nil {
			h = observer.WrapHandler(h, inst)
		}
		registry.Register(h)
	}

	if cfg.Tools.Shell {
		register(shell.New(cfg.Tools.Workspace, 30))
	}
	if cfg.Tools.File {
		for _, h := range file.Handlers(cfg.Tools.Workspace) {
			register(h)
		}
	}
	if cfg.Tools.Web {
		register(web.New())
	}

	closeMCP := func() {}
	if len(cfg.MCP.Servers) > 0 {
		handlers, closer := mcp.ConnectAll(ctx, cfg.MCP.Servers, logger)
		for _, h := range handlers {
			register(h)
		}
		closeMCP = closer
		// MCP tools can legitimately run long (builds, crawls).
		registry.SetTimeout(time.Hour)
	}
	return registry, closeMCP
}

func buildWriter(format string, verbose bool) (gro.EventWriter, error) {
	switch format {
	case "text":
		w := gro.NewTextWriter(os.Stdout)
		w.Verbose = verbose
		return w, nil
	case "json":
		return gro.NewJSONWriter(os.Stdout), nil
	case "stream-json":
		return gro.NewStreamJSONWriter(os.Stdout), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

func tierModels(cfg config.Config) map[string]string {
	tiers := map[string]string{}
	if cfg.Provider.ModelLow != "" {
		tiers[gro.TierLow] = cfg.Provider.ModelLow
	}
	if cfg.Provider.ModelMid != "" {
		tiers[gro.TierMid] = cfg.Provider.ModelMid
	}
	if cfg.Provider.ModelHigh != "" {
		tiers[gro.TierHigh] = cfg.Provider.ModelHigh
	}
	return tiers
}

func listSessions(store *gro.SessionStore) int {
	metas, err := store.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gro: %v\n", err)
		return exitError
	}
	if len(metas) == 0 {
		fmt.Println("no sessions")
		return exitOK
	}
	for _, m := range metas {
		updated := time.Unix(m.UpdatedAt, 0).Format("2006-01-02 15:04")
		fmt.Printf("%s  %s  %-24s turns=%d  $%.4f\n", m.ID, updated, m.Model, m.Turns, m.CostUSD)
	}
	return exitOK
}

func exitCode(reason gro.StopReason) int {
	switch reason {
	case gro.StopDone, gro.StopAsleep:
		return exitOK
	case gro.StopBudget:
		return exitBudget
	case gro.StopIdle:
		return exitIdle
	default:
		return exitError
	}
}
