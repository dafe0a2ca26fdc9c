package gro

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// PageStore keeps pages as one JSON file each under a directory. Creation is
// write-then-rename so readers never observe a torn page; content-addressed
// ids make duplicate creates a silent no-op. Reads are lazy with an
// in-memory index of already-loaded pages.
type PageStore struct {
	dir string

	mu    sync.RWMutex
	cache map[string]Page
}

// NewPageStore opens (creating if needed) a page directory.
func NewPageStore(dir string) (*PageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("page store: %w", err)
	}
	return &PageStore{dir: dir, cache: map[string]Page{}}, nil
}

// Dir returns the backing directory.
func (s *PageStore) Dir() string { return s.dir }

// Create persists a page. If a page with the same content-derived id already
// exists the call is a no-op and the existing page is returned.
func (s *PageStore) Create(p Page) (Page, error) {
	if p.ID == "" {
		p.ID = PageID(p.Content)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.cache[p.ID]; ok {
		return existing, nil
	}
	path := s.path(p.ID)
	if _, err := os.Stat(path); err == nil {
		return s.readLocked(p.ID)
	}

	if err := s.writeLocked(p); err != nil {
		return Page{}, err
	}
	s.cache[p.ID] = p
	return p, nil
}

// Get reads a page by id, from cache or disk.
func (s *PageStore) Get(id string) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.cache[id]; ok {
		return p, nil
	}
	return s.readLocked(id)
}

// UpdateSummary rewrites only the summary field of an existing page.
func (s *PageStore) UpdateSummary(id, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.readLocked(id)
	if err != nil {
		return err
	}
	p.Summary = summary
	if err := s.writeLocked(p); err != nil {
		return err
	}
	s.cache[id] = p
	return nil
}

// List returns all pages on disk, loading any not yet cached.
func (s *PageStore) List() ([]Page, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("page store list: %w", err)
	}
	var pages []Page
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		p, err := s.readLocked(id)
		if err != nil {
			continue // skip corrupt entries, keep the rest readable
		}
		pages = append(pages, p)
	}
	return pages, nil
}

// Delete removes a page from disk and cache. Missing pages are not an error.
func (s *PageStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, id)
	err := os.Remove(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *PageStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// readLocked loads a page from disk into the cache. Caller holds mu.
func (s *PageStore) readLocked(id string) (Page, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return Page{}, fmt.Errorf("page %s: %w", id, err)
	}
	var p Page
	if err := json.Unmarshal(data, &p); err != nil {
		return Page{}, fmt.Errorf("page %s: %w", id, err)
	}
	s.cache[id] = p
	return p, nil
}

// writeLocked writes a page atomically: temp file, then rename.
func (s *PageStore) writeLocked(p Page) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("page %s: %w", p.ID, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+p.ID+".tmp*")
	if err != nil {
		return fmt.Errorf("page %s: %w", p.ID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("page %s: %w", p.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("page %s: %w", p.ID, err)
	}
	if err := os.Rename(tmpName, s.path(p.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("page %s: %w", p.ID, err)
	}
	return nil
}
