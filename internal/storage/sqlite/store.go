// Package sqlite stores world state and rumors as JSON documents in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tatianab/worldcore/internal/models"
	"github.com/tatianab/worldcore/internal/storage"
)

// Fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a storage.Backend on a SQLite database.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrationFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already migrated database.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) LoadState(ctx context.Context) (models.StateSnapshot, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc, "SELECT document FROM world_state WHERE id = 1")
	if errors.Is(err, sql.ErrNoRows) {
		return models.StateSnapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return storage.DecodeState([]byte(doc))
}

func (s *Store) SaveState(ctx context.Context, snap models.StateSnapshot) error {
	doc, err := storage.EncodeState(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO world_state (id, document, updated_at) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		string(doc), time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *Store) GetRumor(ctx context.Context, id string) (*models.Rumor, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc, "SELECT document FROM rumors WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rumor %s: %w", id, err)
	}
	return storage.DecodeRumor([]byte(doc))
}

func (s *Store) SaveRumor(ctx context.Context, r *models.Rumor) error {
	doc, err := storage.EncodeRumor(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO rumors (id, document, created_at, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		r.ID, string(doc), r.CreatedAt.UTC().Format(timeFormat), time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("save rumor %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) DeleteRumor(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM rumors WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete rumor %s: %w", id, err)
	}
	return nil
}

type rumorRow struct {
	ID       string `db:"id"`
	Document string `db:"document"`
}

func (s *Store) AllRumors(ctx context.Context) ([]*models.Rumor, error) {
	var rows []rumorRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT id, document FROM rumors ORDER BY created_at, id"); err != nil {
		return nil, fmt.Errorf("list rumors: %w", err)
	}

	out := make([]*models.Rumor, 0, len(rows))
	var errs []error
	for _, row := range rows {
		r, err := storage.DecodeRumor([]byte(row.Document))
		if err != nil {
			errs = append(errs, fmt.Errorf("rumor %s: %w", row.ID, err))
			continue
		}
		out = append(out, r)
	}
	return out, errors.Join(errs...)
}

var _ storage.Backend = (*Store)(nil)
