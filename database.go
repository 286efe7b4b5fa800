package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const metaUpdatedAt = "updated_at"

// sqliteStore keeps the history in a SQLite database. Save replaces every row
// in one transaction; position preserves the merged order.
type sqliteStore struct {
	db        *sql.DB
	retention time.Duration
}

// openSQLiteStore opens (creating if needed) the database at path and applies
// pending migrations
func openSQLiteStore(path string, retention time.Duration) (*sqliteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	slog.Debug("Initializing database", "path", path)

	db, err := sql.Open("sqlite", path) // Use "sqlite" driver name
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases alive and serializes writers
	db.SetMaxOpenConns(1)

	version, err := runMigrations(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	slog.Debug("Database initialized successfully", "schema_version", version)
	return &sqliteStore{db: db, retention: retention}, nil
}

// runMigrations applies all pending migrations and returns the schema version
func runMigrations(db *sql.DB) (uint, error) {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return 0, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to create iofs source: %w", err)
	}

	// m.Close would close db through the driver, so the migrator is left open
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, nil
}

func (s *sqliteStore) Load(ctx context.Context) (*Cache, error) {
	var rawUpdated string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM history_meta WHERE key = ?`, metaUpdatedAt).Scan(&rawUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("No history saved in database yet")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query history metadata: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, rawUpdated)
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at %q: %w", rawUpdated, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author, handle, content, url, published_at, category
		FROM posts
		ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cache := &Cache{UpdatedAt: updatedAt}
	for rows.Next() {
		var (
			p         Post
			published string
			category  string
		)
		if err := rows.Scan(&p.ID, &p.Author, &p.Handle, &p.Content, &p.URL, &published, &category); err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		if p.PublishedAt, err = time.Parse(time.RFC3339Nano, published); err != nil {
			return nil, fmt.Errorf("invalid published_at for post %s: %w", p.ID, err)
		}
		p.Category = Category(category)
		cache.Posts = append(cache.Posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate posts: %w", err)
	}

	slog.Debug("Retrieved history from database", "count", len(cache.Posts))
	return cache, nil
}

func (s *sqliteStore) Save(ctx context.Context, posts []Post, now time.Time) error {
	snapshot := prepareSnapshot(posts, now, s.retention)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM posts`); err != nil {
		return fmt.Errorf("failed to clear posts: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO posts (id, position, author, handle, content, url, published_at, category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, p := range snapshot.Posts {
		_, err := stmt.ExecContext(ctx,
			p.ID, i, p.Author, p.Handle, p.Content, p.URL,
			p.PublishedAt.UTC().Format(time.RFC3339Nano), string(p.Category))
		if err != nil {
			return fmt.Errorf("failed to insert post %s: %w", p.ID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO history_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaUpdatedAt, snapshot.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to update history metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history: %w", err)
	}

	slog.Debug("Saved history to database", "posts", len(snapshot.Posts))
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
