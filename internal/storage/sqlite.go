package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding scraped pages and the subpage list
// that batches are drawn from.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "firmscrape.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	// Concurrent upserts to the same unique_name are serialized here.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// classifyWriteErr maps SQLite lock contention to ErrWriteConflict.
func classifyWriteErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrWriteConflict, err)
		}
	}
	return err
}

// --- Scraped data ---

// ReadRaw returns the stored raw content for name, or "" when no row exists.
func (s *Store) ReadRaw(ctx context.Context, name string) (string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT raw_data FROM scraped_data WHERE unique_name = ?", name).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading raw data for %s: %w", name, err)
	}
	return raw, nil
}

// WriteRaw upserts the raw content for name. The whole row is written by a
// single statement, so readers never observe a partially updated record.
func (s *Store) WriteRaw(ctx context.Context, name, url, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scraped_data (unique_name, url, raw_data, created_at, content_length, success)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(unique_name) DO UPDATE SET
			url = excluded.url,
			raw_data = excluded.raw_data,
			created_at = excluded.created_at,
			content_length = excluded.content_length,
			success = excluded.success`,
		name, url, content, time.Now().UTC().Format(time.RFC3339), len(content), len(content) > 0,
	)
	if err != nil {
		return fmt.Errorf("writing raw data for %s: %w", name, classifyWriteErr(err))
	}
	return nil
}

// WriteStructured attaches extracted data to the existing row for name.
// Returns ErrNotFound if no raw row exists.
func (s *Store) WriteStructured(ctx context.Context, name string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling structured data: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE scraped_data SET formatted_data = ? WHERE unique_name = ?`, string(b), name)
	if err != nil {
		return fmt.Errorf("writing structured data for %s: %w", name, classifyWriteErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReadStructured returns the stored structured data for name.
// Returns ErrNotFound if the row is missing or has no structured data yet.
func (s *Store) ReadStructured(ctx context.Context, name string) (json.RawMessage, error) {
	var data sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT formatted_data FROM scraped_data WHERE unique_name = ?", name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !data.Valid || data.String == "" {
		return nil, ErrNotFound
	}
	return json.RawMessage(data.String), nil
}

const recordColumns = `unique_name, url, raw_data, formatted_data, created_at, content_length, success`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (SourceRecord, error) {
	var r SourceRecord
	var formatted sql.NullString
	var createdAt string
	if err := row.Scan(&r.UniqueName, &r.URL, &r.RawData, &formatted, &createdAt, &r.ContentLength, &r.Success); err != nil {
		return SourceRecord{}, err
	}
	if formatted.Valid && formatted.String != "" {
		r.FormattedData = json.RawMessage(formatted.String)
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return SourceRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	return r, nil
}

// GetRecord returns the full row for name.
func (s *Store) GetRecord(ctx context.Context, name string) (SourceRecord, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM scraped_data WHERE unique_name = ?`, name))
	if err == sql.ErrNoRows {
		return SourceRecord{}, ErrNotFound
	}
	if err != nil {
		return SourceRecord{}, err
	}
	return r, nil
}

// ListRecords returns rows newest first.
func (s *Store) ListRecords(ctx context.Context, limit, offset int) ([]SourceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM scraped_data
		ORDER BY created_at DESC, unique_name ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SourceRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// DeleteRecord removes the row for name so the next batch re-fetches it.
func (s *Store) DeleteRecord(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scraped_data WHERE unique_name = ?`, name)
	if err != nil {
		return classifyWriteErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Subpages ---

// AddSubpages inserts URLs not already present and returns how many were added.
func (s *Store) AddSubpages(ctx context.Context, urls []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning subpage transaction: %w", err)
	}
	defer tx.Rollback()

	added := 0
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO subpages (full_url) VALUES (?)`, u)
		if err != nil {
			return 0, fmt.Errorf("inserting subpage %s: %w", u, classifyWriteErr(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		added += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing subpages: %w", classifyWriteErr(err))
	}
	return added, nil
}

// CountSubpages returns the total number of subpage rows.
func (s *Store) CountSubpages(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM subpages").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// SubpageRange returns rows start..end (1-based, inclusive) in id order.
// The caller is responsible for validating the range against CountSubpages.
func (s *Store) SubpageRange(ctx context.Context, start, end int) ([]Subpage, error) {
	if start < 1 || end < start {
		return nil, fmt.Errorf("invalid subpage range %d-%d", start, end)
	}
	return s.ListSubpages(ctx, end-start+1, start-1)
}

// ListSubpages returns subpages in id order.
func (s *Store) ListSubpages(ctx context.Context, limit, offset int) ([]Subpage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, full_url FROM subpages ORDER BY id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Subpage
	for rows.Next() {
		var sp Subpage
		if err := rows.Scan(&sp.ID, &sp.FullURL); err != nil {
			return nil, err
		}
		results = append(results, sp)
	}
	return results, rows.Err()
}
