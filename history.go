package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// DefaultRetention is how far back, measured against publishedAt, saved posts are kept
const DefaultRetention = 30 * 24 * time.Hour

// HistoryStore persists the classified post history as a whole snapshot
type HistoryStore interface {
	// Load returns the stored snapshot, or nil without error when nothing has
	// been saved yet
	Load(ctx context.Context) (*Cache, error)
	// Save trims posts to the retention window relative to now and replaces
	// the stored snapshot with them
	Save(ctx context.Context, posts []Post, now time.Time) error
	Close() error
}

// newHistoryStore opens the backend selected by cfg.Backend
func newHistoryStore(cfg HistoryConfig) (HistoryStore, error) {
	retention := cfg.Retention()

	switch cfg.Backend {
	case HistoryBackendJSON:
		return newJSONStore(cfg.Path, retention), nil
	case HistoryBackendSQLite:
		store, err := openSQLiteStore(cfg.Path, retention)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}

// Merge adds incoming posts whose id is not yet known and sorts the result by
// publishedAt, newest first. The first post seen for an id wins, so stored
// classifications are never overwritten.
func Merge(existing, incoming []Post) []Post {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	merged := make([]Post, 0, len(existing)+len(incoming))

	for _, posts := range [][]Post{existing, incoming} {
		for _, p := range posts {
			if _, ok := seen[p.ID]; ok {
				continue
			}
			seen[p.ID] = struct{}{}
			merged = append(merged, p)
		}
	}

	sortNewestFirst(merged)
	return merged
}

func sortNewestFirst(posts []Post) {
	slices.SortStableFunc(posts, func(a, b Post) int {
		return b.PublishedAt.Compare(a.PublishedAt)
	})
}

// retain drops posts published before now minus window. A non-positive window
// keeps everything.
func retain(posts []Post, now time.Time, window time.Duration) []Post {
	if window <= 0 {
		return slices.Clone(posts)
	}

	cutoff := now.Add(-window)
	kept := make([]Post, 0, len(posts))
	for _, p := range posts {
		if p.PublishedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

// prepareSnapshot builds the cache document a save writes
func prepareSnapshot(posts []Post, now time.Time, window time.Duration) *Cache {
	kept := retain(posts, now, window)
	sortNewestFirst(kept)

	if dropped := len(posts) - len(kept); dropped > 0 {
		slog.Debug("Dropped posts outside retention window", "dropped", dropped, "window", window)
	}

	return &Cache{UpdatedAt: now.UTC(), Posts: kept}
}

// jsonStore keeps the history as a single JSON document
type jsonStore struct {
	path      string
	retention time.Duration
}

func newJSONStore(path string, retention time.Duration) *jsonStore {
	return &jsonStore{path: path, retention: retention}
}

func (s *jsonStore) Load(_ context.Context) (*Cache, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("No history file yet", "path", s.path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	var cache Cache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("failed to parse history %s: %w", s.path, err)
	}

	slog.Debug("Loaded history", "path", s.path, "posts", len(cache.Posts))
	return &cache, nil
}

func (s *jsonStore) Save(_ context.Context, posts []Post, now time.Time) error {
	snapshot := prepareSnapshot(posts, now, s.retention)

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	if err := writeFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}

	slog.Debug("Saved history", "path", s.path, "posts", len(snapshot.Posts))
	return nil
}

func (s *jsonStore) Close() error { return nil }

// writeFileAtomic writes data to a temp file next to path and renames it into
// place, so readers see either the old or the new content
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
