// Package store is the durable side of the engine: RFQ to supplier mappings,
// classifier correlation ids and the master-category registry used by
// mailboxes without native categories.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/classify"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
)

// SQLiteStore implements classify.MappingStore, classify.RefStore and
// mailbox.CategoryRegistry on a SQLite database.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

var (
	_ classify.MappingStore    = (*SQLiteStore)(nil)
	_ classify.RefStore        = (*SQLiteStore)(nil)
	_ mailbox.CategoryRegistry = (*SQLiteStore)(nil)
)

// Open opens (or creates) the database at dsn and applies migrations. Use
// ":memory:" for a throwaway store.
func Open(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = ":memory:"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		// Every pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) runMigrations() error {
	current := 0
	var tables int
	if err := s.db.Get(&tables, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'"); err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// LookupByThreadingMetadata returns the newest mapping registered under any
// of keys, or classify.ErrMappingNotFound.
func (s *SQLiteStore) LookupByThreadingMetadata(ctx context.Context, keys []string) (*classify.RFQMapping, error) {
	if len(keys) == 0 {
		return nil, classify.ErrMappingNotFound
	}
	query, args, err := sqlx.In(`
		SELECT rfq_id, supplier_id, supplier_name
		FROM rfq_mappings
		WHERE thread_key IN (?)
		ORDER BY created_at DESC
		LIMIT 1`, keys)
	if err != nil {
		return nil, fmt.Errorf("building mapping lookup: %w", err)
	}
	var m classify.RFQMapping
	if err := s.db.GetContext(ctx, &m, s.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, classify.ErrMappingNotFound
		}
		return nil, fmt.Errorf("looking up rfq mapping: %w", err)
	}
	return &m, nil
}

// SaveRFQMapping registers m under every key, replacing older entries.
func (s *SQLiteStore) SaveRFQMapping(ctx context.Context, keys []string, m classify.RFQMapping) error {
	if len(keys) == 0 {
		return errors.New("rfq mapping needs at least one threading key")
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT OR REPLACE INTO rfq_mappings (thread_key, rfq_id, supplier_id, supplier_name, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing mapping insert: %w", err)
	}
	defer stmt.Close()

	now := s.now()
	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k, m.RFQID, m.SupplierID, m.SupplierName, now); err != nil {
			return fmt.Errorf("saving rfq mapping %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// SaveClassificationRef records the classifier's id for a message.
func (s *SQLiteStore) SaveClassificationRef(ctx context.Context, messageID, backendID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO classification_refs (message_id, backend_id, created_at)
		VALUES (?, ?, ?)`, messageID, backendID, s.now())
	if err != nil {
		return fmt.Errorf("saving classification ref %s: %w", messageID, err)
	}
	return nil
}

// ClassificationRef returns the stored backend id for a message.
func (s *SQLiteStore) ClassificationRef(ctx context.Context, messageID string) (string, bool, error) {
	var id string
	err := s.db.GetContext(ctx, &id, "SELECT backend_id FROM classification_refs WHERE message_id = ?", messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading classification ref %s: %w", messageID, err)
	}
	return id, true, nil
}

type categoryRow struct {
	ID    string `db:"id"`
	Name  string `db:"name"`
	Color string `db:"color"`
}

// ListCategories implements mailbox.CategoryRegistry.
func (s *SQLiteStore) ListCategories(ctx context.Context) ([]mailbox.MasterCategory, error) {
	var rows []categoryRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT id, name, color FROM master_categories ORDER BY name"); err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	out := make([]mailbox.MasterCategory, 0, len(rows))
	for _, r := range rows {
		out = append(out, mailbox.MasterCategory{ID: r.ID, Name: r.Name, Color: r.Color})
	}
	return out, nil
}

// CreateCategory implements mailbox.CategoryRegistry.
func (s *SQLiteStore) CreateCategory(ctx context.Context, name, color string) (*mailbox.MasterCategory, error) {
	c := &mailbox.MasterCategory{ID: uuid.NewString(), Name: strings.TrimSpace(name), Color: color}
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO master_categories (id, name, color, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`, c.ID, c.Name, c.Color, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("category %q: %w", name, mailbox.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("creating category %q: %w", name, err)
	}
	return c, nil
}

// UpdateCategoryColor implements mailbox.CategoryRegistry.
func (s *SQLiteStore) UpdateCategoryColor(ctx context.Context, id, color string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE master_categories SET color = ?, updated_at = ? WHERE id = ?", color, s.now(), id)
	if err != nil {
		return fmt.Errorf("updating category %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("category %s: %w", id, mailbox.ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
