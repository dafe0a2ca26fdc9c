package gro

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Page is an immutable record standing in for a group of compacted messages.
// The id is derived from the content hash, so structurally identical
// compactions dedupe automatically. The body is the authoritative record of
// what was compacted; the summary is a display/injection representation and
// is the only field ever rewritten (by batch summarization).
type Page struct {
	ID            string  `json:"id"`
	Label         string  `json:"label"`
	Content       string  `json:"content"`
	CreatedAt     int64   `json:"createdAt"`
	MessageCount  int     `json:"messageCount"`
	Tokens        int     `json:"tokens"`
	Lane          string  `json:"lane,omitempty"`
	Summary       string  `json:"summary,omitempty"`
	MaxImportance float64 `json:"maxImportance,omitempty"`
}

// PageIDPrefix precedes the truncated content hash in every page id.
const PageIDPrefix = "pg_"

// PageID derives the deterministic id for a page body: "pg_" plus the first
// 12 hex digits of the body's SHA-256.
func PageID(content string) string {
	sum := sha256.Sum256([]byte(content))
	return PageIDPrefix + hex.EncodeToString(sum[:])[:12]
}

// NewPage builds a page from a lane's evicted messages. The body is a
// structured dump, one line per message, so exact search stays usable after
// compaction.
func NewPage(lane string, msgs []Message) Page {
	var body strings.Builder
	var maxImp float64
	for _, m := range msgs {
		fmt.Fprintf(&body, "[%s] %s\n", m.Role, m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&body, "[%s→%s] %s\n", m.Role, tc.Name, tc.Args)
		}
		if m.Importance > maxImp {
			maxImp = m.Importance
		}
	}
	content := body.String()
	now := time.Now()
	return Page{
		ID:            PageID(content),
		Label:         fmt.Sprintf("%s@%s", lane, now.UTC().Format("20060102T150405Z")),
		Content:       content,
		CreatedAt:     now.Unix(),
		MessageCount:  len(msgs),
		Tokens:        EstimateTokens(content),
		Lane:          lane,
		MaxImportance: maxImp,
	}
}

// promotedImportance is the weight at which a message escapes compaction and
// a page keeps its inline summary in working memory.
const promotedImportance = 0.7

// Promoted reports whether the page inherited promoted status from a
// high-importance source message.
func (p Page) Promoted() bool { return p.MaxImportance >= promotedImportance }
