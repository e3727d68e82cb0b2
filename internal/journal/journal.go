// Package journal records the receipts submitted through the bridge and the
// last known processing status of each, in a local SQLite database. A sale
// and its refund share an external id and are kept as separate entries.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no receipt matches a lookup.
var ErrNotFound = errors.New("receipt not found in journal")

// Entry is one submitted receipt.
type Entry struct {
	ExternalID string    `json:"external_id"`
	Operation  string    `json:"operation"`
	UUID       string    `json:"uuid"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the journal database at path and applies
// any pending migrations.
func Open(path string) (*Journal, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// a single connection serialises writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Journal{db: db, now: time.Now}, nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

func migrateUp(db *sql.DB) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run journal migrations: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record inserts a receipt, or replaces the uuid, status and error of the
// entry with the same external id and operation. The original creation time
// is kept.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ExternalID == "" {
		return errors.New("journal entry requires an external id")
	}
	if e.Operation == "" {
		return errors.New("journal entry requires an operation")
	}

	now := formatTime(j.now())

	const query = `
INSERT INTO receipts (external_id, operation, uuid, status, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (external_id, operation) DO UPDATE SET
    uuid       = excluded.uuid,
    status     = excluded.status,
    error      = excluded.error,
    updated_at = excluded.updated_at`

	_, err := j.db.ExecContext(ctx, query, e.ExternalID, e.Operation, e.UUID, e.Status, e.Error, now, now)
	if err != nil {
		return fmt.Errorf("record receipt %q: %w", e.ExternalID, err)
	}
	return nil
}

// UpdateStatus stores the latest status reported for the document uuid.
func (j *Journal) UpdateStatus(ctx context.Context, uuid, status, errText string) error {
	const query = `UPDATE receipts SET status = ?, error = ?, updated_at = ? WHERE uuid = ?`

	res, err := j.db.ExecContext(ctx, query, status, errText, formatTime(j.now()), uuid)
	if err != nil {
		return fmt.Errorf("update receipt %q: %w", uuid, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update receipt %q: %w", uuid, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ByExternalID returns the operation recorded under id, or ErrNotFound. An
// empty operation selects the most recently recorded one, so a refund is
// preferred over the sale it reverses.
func (j *Journal) ByExternalID(ctx context.Context, id, operation string) (Entry, error) {
	const query = `
SELECT external_id, operation, uuid, status, error, created_at, updated_at
FROM receipts
WHERE external_id = ? AND (? = '' OR operation = ?)
ORDER BY created_at DESC, rowid DESC
LIMIT 1`

	var (
		e                Entry
		created, updated string
	)
	err := j.db.QueryRowContext(ctx, query, id, operation, operation).Scan(
		&e.ExternalID, &e.Operation, &e.UUID, &e.Status, &e.Error, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get receipt %q: %w", id, err)
	}

	if e.CreatedAt, err = parseTime(created); err != nil {
		return Entry{}, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return Entry{}, err
	}

	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid journal timestamp %q: %w", s, err)
	}
	return t, nil
}
