package gro

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// interruptedToolResult fills in for tool calls that never completed because
// the process died or was cancelled mid-dispatch.
const interruptedToolResult = "[Session interrupted — tool call was not completed]"

// SessionMeta is the sidecar record saved next to a session's messages.
type SessionMeta struct {
	ID        string  `json:"id"`
	CreatedAt int64   `json:"createdAt"`
	UpdatedAt int64   `json:"updatedAt"`
	Model     string  `json:"model,omitempty"`
	Turns     int     `json:"turns,omitempty"`
	CostUSD   float64 `json:"costUsd,omitempty"`
	Usage     Usage   `json:"usage"`
}

// SessionStore persists sessions under <root>/context/<id>/ as a pair of
// files: messages.json (the full canonical history) and meta.json. Writes
// are temp-then-rename so a crash never leaves a torn session, and the JSON
// encoding is deterministic: save → load → save produces identical bytes.
type SessionStore struct {
	root string
}

// DefaultRoot returns the runtime's home directory, ~/.gro, honoring the
// GRO_HOME override.
func DefaultRoot() (string, error) {
	if v := os.Getenv("GRO_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".gro"), nil
}

// NewSessionStore opens (creating if needed) a session root.
func NewSessionStore(root string) (*SessionStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "context"), 0o755); err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	return &SessionStore{root: root}, nil
}

// Root returns the store's root directory.
func (s *SessionStore) Root() string { return s.root }

// Dir returns the directory of one session.
func (s *SessionStore) Dir(id string) string {
	return filepath.Join(s.root, "context", id)
}

// Save writes a session's messages and metadata atomically.
func (s *SessionStore) Save(id string, msgs []Message, meta SessionMeta) error {
	dir := s.Dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	meta.ID = id
	msgData, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	if err := atomicWrite(filepath.Join(dir, "messages.json"), msgData); err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	if err := atomicWrite(filepath.Join(dir, "meta.json"), metaData); err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	return nil
}

// Load reads a session and repairs any tool calls interrupted mid-dispatch.
func (s *SessionStore) Load(id string) ([]Message, SessionMeta, error) {
	dir := s.Dir(id)
	msgData, err := os.ReadFile(filepath.Join(dir, "messages.json"))
	if err != nil {
		return nil, SessionMeta{}, fmt.Errorf("session %s: %w", id, err)
	}
	var msgs []Message
	if err := json.Unmarshal(msgData, &msgs); err != nil {
		return nil, SessionMeta{}, fmt.Errorf("session %s: %w", id, err)
	}
	var meta SessionMeta
	metaData, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err == nil {
		if err := json.Unmarshal(metaData, &meta); err != nil {
			return nil, SessionMeta{}, fmt.Errorf("session %s meta: %w", id, err)
		}
	}
	return SanitizeToolPairs(msgs), meta, nil
}

// List returns metadata for all sessions, most recently updated first.
func (s *SessionStore) List() ([]SessionMeta, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "context"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session list: %w", err)
	}
	var out []SessionMeta
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, "context", e.Name(), "meta.json"))
		if err != nil {
			continue
		}
		var meta SessionMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		if meta.ID == "" {
			meta.ID = e.Name()
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

// SanitizeToolPairs inserts synthetic results for tool calls that have none,
// so a resumed session passes adjacency repair without losing the call
// record. Already-complete histories pass through unchanged.
func SanitizeToolPairs(msgs []Message) []Message {
	answered := map[string]bool{}
	for _, m := range msgs {
		if m.Role == RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}
	var out []Message
	for _, m := range msgs {
		out = append(out, m)
		if m.Role != RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if answered[tc.ID] {
				continue
			}
			out = append(out, ToolResultMessage(tc.ID, tc.Name, interruptedToolResult))
		}
	}
	return out
}

// atomicWrite writes data to path via a temp file and rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
