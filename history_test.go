package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var historyNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func post(id string, age time.Duration, cat Category) Post {
	return Post{
		ID:          id,
		Author:      "Author " + id,
		Handle:      "h" + id,
		Content:     "content " + id,
		URL:         "https://x.com/h" + id + "/status/" + id,
		PublishedAt: historyNow.Add(-age),
		Category:    cat,
	}
}

func ids(posts []Post) []string {
	out := make([]string, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.ID)
	}
	return out
}

func TestMerge_FirstWriteWins(t *testing.T) {
	existing := []Post{post("1", time.Hour, CategoryAI)}
	incoming := []Post{
		post("1", time.Hour, CategoryTech),
		post("2", 2*time.Hour, CategoryOther),
		post("2", 2*time.Hour, CategoryAI),
	}

	merged := Merge(existing, incoming)

	require.Equal(t, []string{"1", "2"}, ids(merged))
	require.Equal(t, CategoryAI, merged[0].Category, "stored classification must not be overwritten")
	require.Equal(t, CategoryOther, merged[1].Category, "first incoming duplicate wins")
}

func TestMerge_SortsNewestFirst(t *testing.T) {
	merged := Merge(
		[]Post{post("old", 48*time.Hour, CategoryAI)},
		[]Post{post("new", time.Hour, CategoryAI), post("mid", 24*time.Hour, CategoryAI)},
	)

	require.Equal(t, []string{"new", "mid", "old"}, ids(merged))
}

func TestMerge_Idempotent(t *testing.T) {
	a := []Post{post("1", time.Hour, CategoryAI), post("3", 3*time.Hour, CategoryTech)}
	b := []Post{post("2", 2*time.Hour, CategoryOther), post("3", 3*time.Hour, CategoryAI), post("4", 3*time.Hour, CategoryAI)}

	once := Merge(a, b)
	twice := Merge(once, b)

	require.Equal(t, once, twice)
}

func TestRetain(t *testing.T) {
	posts := []Post{
		post("fresh", 5*24*time.Hour, CategoryAI),
		post("edge", 30*24*time.Hour, CategoryAI),
		post("stale", 40*24*time.Hour, CategoryAI),
	}

	require.Equal(t, []string{"fresh", "edge"}, ids(retain(posts, historyNow, DefaultRetention)))
	require.Len(t, retain(posts, historyNow, 0), 3)
}

func TestJSONStore_LoadMissingFile(t *testing.T) {
	store := newJSONStore(filepath.Join(t.TempDir(), "missing.json"), DefaultRetention)

	cache, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, cache)
}

func TestJSONStore_LoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := newJSONStore(path, DefaultRetention).Load(context.Background())
	require.Error(t, err)
}

func TestJSONStore_SaveAppliesRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "history.json")
	store := newJSONStore(path, DefaultRetention)

	posts := []Post{
		post("old", 40*24*time.Hour, CategoryTech),
		post("recent", 5*24*time.Hour, CategoryAI),
	}
	require.NoError(t, store.Save(context.Background(), posts, historyNow))

	cache, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cache)
	require.Equal(t, []string{"recent"}, ids(cache.Posts))
	require.True(t, cache.UpdatedAt.Equal(historyNow))
	require.True(t, cache.Posts[0].PublishedAt.Equal(posts[1].PublishedAt))
	require.Equal(t, CategoryAI, cache.Posts[0].Category)
}

func TestJSONStore_DocumentLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	store := newJSONStore(path, DefaultRetention)
	require.NoError(t, store.Save(context.Background(), []Post{post("42", time.Hour, CategoryAI)}, historyNow))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Contains(t, doc, "updatedAt")
	require.Contains(t, doc, "posts")

	stored := doc["posts"].([]any)[0].(map[string]any)
	for _, key := range []string{"id", "author", "handle", "content", "url", "publishedAt", "category"} {
		require.Contains(t, stored, key)
	}
	require.Equal(t, "2024-06-01T11:00:00Z", stored["publishedAt"])
}

func TestJSONStore_SaveReplacesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.json")
	store := newJSONStore(path, DefaultRetention)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, []Post{post("1", time.Hour, CategoryAI), post("2", time.Hour, CategoryAI)}, historyNow))
	require.NoError(t, store.Save(ctx, []Post{post("3", time.Hour, CategoryTech)}, historyNow))

	cache, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"3"}, ids(cache.Posts))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestNewHistoryStore(t *testing.T) {
	dir := t.TempDir()

	js, err := newHistoryStore(HistoryConfig{Backend: HistoryBackendJSON, Path: filepath.Join(dir, "h.json"), RetentionDays: 30})
	require.NoError(t, err)
	require.IsType(t, &jsonStore{}, js)

	ss, err := newHistoryStore(HistoryConfig{Backend: HistoryBackendSQLite, Path: filepath.Join(dir, "h.db"), RetentionDays: 30})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })
	require.IsType(t, &sqliteStore{}, ss)

	_, err = newHistoryStore(HistoryConfig{Backend: "redis", Path: "x"})
	require.Error(t, err)
}
