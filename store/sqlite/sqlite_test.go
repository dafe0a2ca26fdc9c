package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	gro "github.com/nevindra/gro"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix := New(filepath.Join(t.TempDir(), "pages.db"))
	t.Cleanup(func() { ix.Close() })
	if err := ix.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return ix
}

func TestIndex_SearchRoundTrip(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	pages := []gro.Page{
		{ID: "pg_db", Lane: "user", Label: "user@1", Summary: "database migration plan", Content: "postgres schema migration steps and rollback notes"},
		{ID: "pg_ui", Lane: "user", Label: "user@2", Summary: "frontend polish", Content: "button alignment and color tokens"},
	}
	for _, p := range pages {
		if err := ix.Index(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	matches, err := ix.Search(ctx, "postgres migration", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) == 0 {
		t.Fatal("no matches")
	}
	if matches[0].ID != "pg_db" {
		t.Errorf("best match: %+v", matches)
	}
	if !strings.Contains(matches[0].Snippet, "migration") {
		t.Errorf("snippet: %q", matches[0].Snippet)
	}
}

func TestIndex_ReindexReplaces(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	p := gro.Page{ID: "pg_1", Summary: "old words", Content: "nothing about cats"}
	if err := ix.Index(ctx, p); err != nil {
		t.Fatal(err)
	}
	p.Content = "all about cats now"
	if err := ix.Index(ctx, p); err != nil {
		t.Fatal(err)
	}

	matches, err := ix.Search(ctx, "cats", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Errorf("re-index must replace, not duplicate: %+v", matches)
	}
}

func TestIndex_Remove(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	if err := ix.Index(ctx, gro.Page{ID: "pg_1", Content: "ephemeral notes"}); err != nil {
		t.Fatal(err)
	}
	if err := ix.Remove(ctx, "pg_1"); err != nil {
		t.Fatal(err)
	}
	matches, err := ix.Search(ctx, "ephemeral", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("removed page still indexed: %+v", matches)
	}
}

func TestIndex_SearchHostileQuery(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()
	if err := ix.Index(ctx, gro.Page{ID: "pg_1", Content: "plain text"}); err != nil {
		t.Fatal(err)
	}

	// FTS operators and stray quotes must not produce a syntax error.
	for _, q := range []string{`"unbalanced`, `AND OR NOT`, `col:value`, `foo*`} {
		if _, err := ix.Search(ctx, q, 5); err != nil {
			t.Errorf("query %q errored: %v", q, err)
		}
	}

	matches, err := ix.Search(ctx, "   ", 5)
	if err != nil || matches != nil {
		t.Errorf("blank query: %v, %v", matches, err)
	}
}

func TestIndex_SearchLimit(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()
	for _, id := range []string{"pg_a", "pg_b", "pg_c"} {
		if err := ix.Index(ctx, gro.Page{ID: id, Content: "shared keyword everywhere"}); err != nil {
			t.Fatal(err)
		}
	}
	matches, err := ix.Search(ctx, "keyword", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Errorf("limit not applied: %d matches", len(matches))
	}
}

func TestFTSQuery(t *testing.T) {
	if got := ftsQuery(`alpha beta`); got != `"alpha" OR "beta"` {
		t.Errorf("ftsQuery: %q", got)
	}
	if got := ftsQuery(`say "hi"`); got != `"say" OR "hi"` {
		t.Errorf("quotes not stripped: %q", got)
	}
	if got := ftsQuery("  "); got != "" {
		t.Errorf("blank: %q", got)
	}
}
