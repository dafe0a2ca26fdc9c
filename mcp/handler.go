package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	gro "github.com/nevindra/gro"
)

// toolHandler adapts one server tool to the runtime's tool interface.
type toolHandler struct {
	client *Client
	def    gro.ToolDefinition
	tool   string
}

func (h *toolHandler) Definition() gro.ToolDefinition { return h.def }

func (h *toolHandler) Execute(ctx context.Context, args json.RawMessage) (gro.ToolResult, error) {
	result, err := h.client.CallTool(ctx, h.tool, args)
	if err != nil {
		return gro.ToolResult{}, err
	}
	text := result.Text()
	if result.IsError {
		return gro.ToolResult{Content: text, Error: text}, nil
	}
	return gro.ToolResult{Content: text}, nil
}

// Handlers exposes every advertised server tool as a gro.ToolHandler. Tool
// names are prefixed with the server name so two servers can both export,
// say, "search".
func (c *Client) Handlers() []gro.ToolHandler {
	out := make([]gro.ToolHandler, 0, len(c.tools))
	for _, t := range c.tools {
		params := t.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, &toolHandler{
			client: c,
			tool:   t.Name,
			def: gro.ToolDefinition{
				Name:        c.name + "__" + t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// ConnectAll spawns every configured server and collects their tool
// handlers. A server that fails to connect is logged and skipped; the rest
// still come up. The returned closer reaps all live connections.
func ConnectAll(ctx context.Context, servers map[string][]string, logger *slog.Logger) ([]gro.ToolHandler, func()) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var (
		handlers []gro.ToolHandler
		clients  []*Client
	)
	for name, command := range servers {
		c, err := Connect(ctx, name, command, WithLogger(logger))
		if err != nil {
			logger.Warn("mcp: server unavailable", "server", name, "err", err)
			continue
		}
		clients = append(clients, c)
		handlers = append(handlers, c.Handlers()...)
	}
	closer := func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}
	return handlers, closer
}
