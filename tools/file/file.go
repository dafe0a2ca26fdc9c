// Package file provides read/write tools sandboxed to a workspace
// directory.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gro "github.com/nevindra/gro"
)

const maxReadChars = 8000

// Handlers returns the file tools restricted to workspace.
func Handlers(workspace string) []gro.ToolHandler {
	return []gro.ToolHandler{
		&readTool{workspace: workspace},
		&writeTool{workspace: workspace},
		&listTool{workspace: workspace},
		&deleteTool{workspace: workspace},
		&statTool{workspace: workspace},
	}
}

type readTool struct {
	workspace string
}

func (t *readTool) Definition() gro.ToolDefinition {
	return gro.ToolDefinition{
		Name:        "file_read",
		Description: "Read a file from the workspace. Returns the file content (truncated to 8000 chars if large).",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`),
	}
}

func (t *readTool) Execute(_ context.Context, args json.RawMessage) (gro.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return gro.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	resolved, err := resolvePath(t.workspace, params.Path)
	if err != nil {
		return gro.ToolResult{Error: err.Error()}, nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return gro.ToolResult{Error: "read error: " + err.Error()}, nil
	}
	content := string(data)
	if len(content) > maxReadChars {
		content = content[:maxReadChars] + "\n... (truncated)"
	}
	return gro.ToolResult{Content: content}, nil
}

type writeTool struct {
	workspace string
}

func (t *writeTool) Definition() gro.ToolDefinition {
	return gro.ToolDefinition{
		Name:        "file_write",
		Description: "Write content to a file in the workspace. Creates parent directories if needed.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
	}
}

func (t *writeTool) Execute(_ context.Context, args json.RawMessage) (gro.ToolResult, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return gro.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	resolved, err := resolvePath(t.workspace, params.Path)
	if err != nil {
		return gro.ToolResult{Error: err.Error()}, nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return gro.ToolResult{Error: "mkdir error: " + err.Error()}, nil
	}
	if err := os.WriteFile(resolved, []byte(params.Content), 0644); err != nil {
		return gro.ToolResult{Error: "write error: " + err.Error()}, nil
	}
	return gro.ToolResult{Content: fmt.Sprintf("Written %d bytes to %s", len(params.Content), filepath.Base(resolved))}, nil
}

type listTool struct {
	workspace string
}

func (t *listTool) Definition() gro.ToolDefinition {
	return gro.ToolDefinition{
		Name:        "file_list",
		Description: "List files and directories at a path in the workspace. Each line is 'file' or 'dir', a tab, and the name.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to workspace (default: workspace root)"}}}`),
	}
}

func (t *listTool) Execute(_ context.Context, args json.RawMessage) (gro.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return gro.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Path == "" {
		params.Path = "."
	}
	resolved, err := resolvePath(t.workspace, params.Path)
	if err != nil {
		return gro.ToolResult{Error: err.Error()}, nil
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return gro.ToolResult{Error: "list error: " + err.Error()}, nil
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		b.WriteString(kind)
		b.WriteByte('\t')
		b.WriteString(e.Name())
	}
	return gro.ToolResult{Content: b.String()}, nil
}

type deleteTool struct {
	workspace string
}

func (t *deleteTool) Definition() gro.ToolDefinition {
	return gro.ToolDefinition{
		Name:        "file_delete",
		Description: "Delete a file or empty directory in the workspace.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Path relative to workspace"}},"required":["path"]}`),
	}
}

func (t *deleteTool) Execute(_ context.Context, args json.RawMessage) (gro.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return gro.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	resolved, err := resolvePath(t.workspace, params.Path)
	if err != nil {
		return gro.ToolResult{Error: err.Error()}, nil
	}
	if err := os.Remove(resolved); err != nil {
		return gro.ToolResult{Error: "delete error: " + err.Error()}, nil
	}
	return gro.ToolResult{Content: "Deleted " + filepath.Base(resolved)}, nil
}

type statTool struct {
	workspace string
}

func (t *statTool) Definition() gro.ToolDefinition {
	return gro.ToolDefinition{
		Name:        "file_stat",
		Description: "Get metadata for a file or directory: name, type, size, modification time. Returns JSON.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Path relative to workspace"}},"required":["path"]}`),
	}
}

func (t *statTool) Execute(_ context.Context, args json.RawMessage) (gro.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return gro.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	resolved, err := resolvePath(t.workspace, params.Path)
	if err != nil {
		return gro.ToolResult{Error: err.Error()}, nil
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return gro.ToolResult{Error: "stat error: " + err.Error()}, nil
	}
	kind := "file"
	if info.IsDir() {
		kind = "directory"
	}
	out, _ := json.Marshal(map[string]any{
		"name":     info.Name(),
		"type":     kind,
		"size":     info.Size(),
		"modified": info.ModTime().UTC().Format("2006-01-02T15:04:05Z"),
	})
	return gro.ToolResult{Content: string(out)}, nil
}

// resolvePath joins path onto the workspace and rejects escapes.
func resolvePath(workspace, path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(workspace, path)
	// Double-check it's still within workspace
	if !strings.HasPrefix(resolved, workspace) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}
