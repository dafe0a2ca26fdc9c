// Package gro is a provider-agnostic runtime for LLM agents in Go.
//
// It drives an agent through an indefinite number of tool rounds: request a
// completion, stream tokens, dispatch tool calls, feed results back, and
// repeat until the model finishes, a budget is exhausted, or the operator
// cancels. Conversation history lives in a bounded virtual working memory
// that compacts older messages into immutable, content-addressed pages the
// model can reload through inline directives in its own output.
//
// # Quick Start
//
// Build a scheduler with a driver and run it to completion:
//
//	driver := anthropic.New(apiKey, "claude-sonnet-4-5")
//	store, _ := gro.NewPageStore(dir)
//	mem := gro.NewMemory(store, gro.MemoryBudget(100_000))
//	tools := gro.NewToolRegistry()
//	tools.Register(shell.New(workdir, 30))
//	sched := gro.NewScheduler(driver, mem, gro.NewState(),
//		gro.WithTools(tools),
//		gro.MaxToolRounds(25),
//	)
//	res := sched.Run(ctx, "summarize the repo layout")
//
// # Core Interfaces
//
//   - [Driver] — LLM backend (streaming chat with tool calling)
//   - [BatchDriver] — asynchronous batch endpoint for offline summarization
//   - [ToolHandler] — pluggable capability exposed to the model
//   - [PageIndex] — searchable index over compacted pages
//
// # Included Implementations
//
// Drivers: provider/anthropic, provider/openaicompat, provider/gemini.
// Page search: store/sqlite (FTS5).
// Tools: tools/shell, tools/file, tools/web.
// External tool servers: mcp (stdio JSON-RPC client).
//
// See cmd/gro for the command-line entry point.
package gro
