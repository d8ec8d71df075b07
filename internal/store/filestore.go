package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore is the file-backed fallback: one JSON document per page under a
// root directory. It is selected when no database path is configured.
//
// Writes go through a temp file and an atomic rename, so a crashed write
// never leaves a torn page on disk.
type FileStore struct {
	root   string
	logger *log.Logger
	mu     sync.RWMutex
}

// pageDoc is the on-disk page format.
type pageDoc struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   []byte    `json:"content"`
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OpenFileStore creates (if needed) and opens a file store rooted at dir.
func OpenFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create page directory: %w", err)
	}
	return &FileStore{root: dir, logger: logger}, nil
}

// Root returns the store's page directory.
func (s *FileStore) Root() string {
	return s.root
}

// pagePath maps a page ID to its file path. IDs are used as file names
// directly; path separators are rejected at write time.
func (s *FileStore) pagePath(id string) string {
	return filepath.Join(s.root, id+".json")
}

// Read returns the current snapshot of op.Target.
func (s *FileStore) Read(ctx context.Context, op Op) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.pagePath(op.Target))
	if os.IsNotExist(err) {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, op.Target)
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to read page %s: %w", op.Target, err)
	}

	var doc pageDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Result{}, fmt.Errorf("failed to parse page %s: %w", op.Target, err)
	}

	return Result{
		Target:    doc.ID,
		Title:     doc.Title,
		Content:   doc.Content,
		Revision:  doc.Revision,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// Write persists the full snapshot carried by op.
//
// Identical snapshots keep their revision and timestamp, so duplicate
// flushes are observably idempotent.
func (s *FileStore) Write(ctx context.Context, op Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(op.Target, `/\`) {
		return fmt.Errorf("invalid page ID %q", op.Target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc := pageDoc{
		ID:        op.Target,
		Title:     op.Title,
		Content:   op.Payload,
		Revision:  1,
		UpdatedAt: time.Now().UTC(),
	}

	if prev, err := os.ReadFile(s.pagePath(op.Target)); err == nil {
		var old pageDoc
		if err := json.Unmarshal(prev, &old); err == nil {
			if string(old.Content) == string(op.Payload) && old.Title == op.Title {
				return nil
			}
			doc.Revision = old.Revision + 1
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal page %s: %w", op.Target, err)
	}

	tmp := s.pagePath(op.Target) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write page %s: %w", op.Target, err)
	}
	if err := os.Rename(tmp, s.pagePath(op.Target)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit page %s: %w", op.Target, err)
	}
	return nil
}

// List returns summaries of all stored pages, ordered by ID.
func (s *FileStore) List(ctx context.Context) ([]PageInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}

	var pages []PageInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.root, name))
		if err != nil {
			s.logger.Printf("Warning: skipping unreadable page file %s: %v", name, err)
			continue
		}
		var doc pageDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			s.logger.Printf("Warning: skipping malformed page file %s: %v", name, err)
			continue
		}
		pages = append(pages, PageInfo{
			ID:        doc.ID,
			Title:     doc.Title,
			Revision:  doc.Revision,
			UpdatedAt: doc.UpdatedAt,
		})
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].ID < pages[j].ID })
	return pages, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}
