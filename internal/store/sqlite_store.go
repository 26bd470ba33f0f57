package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rcourtman/entitlements/pkg/entitlement"
)

// SQLiteFileName is the database file created inside the store directory.
const SQLiteFileName = "entitlements.db"

// SQLiteStore keeps the entitlement record in a single-row SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the entitlement database in dir.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("store directory cannot be empty")
	}
	dir = filepath.Clean(dir)
	if err := ensureOwnerOnlyDir(dir); err != nil {
		return nil, fmt.Errorf("create entitlement store dir: %w", err)
	}

	dbPath := filepath.Join(dir, SQLiteFileName)
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlement db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close entitlement db after schema init failure: %w", closeErr))
		}
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlement (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS trial_ledger (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		started_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlement schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context) (*entitlement.Entitlement, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM entitlement WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load entitlement: %w", err)
	}

	var e entitlement.Entitlement
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, fmt.Errorf("%w: decode record: %v", entitlement.ErrInvalidRecord, err)
	}
	return &e, nil
}

func (s *SQLiteStore) Put(ctx context.Context, e *entitlement.Entitlement) error {
	if e == nil {
		return errors.New("entitlement cannot be nil")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entitlement: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entitlement (id, payload, status, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		string(payload), string(e.Status), e.UpdatedAt.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save entitlement: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entitlement WHERE id = 1`); err != nil {
		return fmt.Errorf("delete entitlement: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TrialUsed(ctx context.Context) (bool, error) {
	var startedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT started_at FROM trial_ledger WHERE id = 1`).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load trial ledger: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) MarkTrialUsed(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trial_ledger (id, started_at) VALUES (1, ?) ON CONFLICT(id) DO NOTHING`,
		at.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("record trial start: %w", err)
	}
	return nil
}
