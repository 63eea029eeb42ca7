package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/worldline/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - records, blobs, snapshots, meta
const currentSchemaVersion = 1

// Meta keys.
const (
	MetaWorldID       = "world_id"
	MetaJournalFormat = "journal_format"
	MetaKernelVersion = "kernel_version"
)

// ErrNotFound is returned when a record, blob or snapshot does not exist.
var ErrNotFound = errors.New("journal: not found")

// Journal is a world's durable log. Only one writer may use it at a time.
type Journal struct {
	db *sql.DB
}

// Open creates or opens a journal at path. ":memory:" opens an in-memory
// journal. Pragmas and schema are applied, and a world id (UUIDv7) is
// assigned on first open.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect journal: %w", err)
	}

	// SQLite has one writer; a second pooled connection would also see a
	// different :memory: database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{db: db}
	if err := j.initMeta(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("journal schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (j *Journal) initMeta(ctx context.Context) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("world id: %w", err)
	}
	defaults := [][2]string{
		{MetaWorldID, id.String()},
		{MetaJournalFormat, ir.JournalFormat},
		{MetaKernelVersion, ir.KernelVersion},
	}
	for _, kv := range defaults {
		if _, err := j.db.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
			kv[0], kv[1]); err != nil {
			return fmt.Errorf("init meta %s: %w", kv[0], err)
		}
	}

	format, err := j.Meta(ctx, MetaJournalFormat)
	if err != nil {
		return err
	}
	if format != ir.JournalFormat {
		return fmt.Errorf("journal format %q is not supported (want %q)", format, ir.JournalFormat)
	}
	return nil
}

// Meta reads a metadata value.
func (j *Journal) Meta(ctx context.Context, key string) (string, error) {
	var value string
	err := j.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("meta %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("meta %s: %w", key, err)
	}
	return value, nil
}

// WorldID returns the world's identity, assigned when the journal was created.
func (j *Journal) WorldID(ctx context.Context) (string, error) {
	return j.Meta(ctx, MetaWorldID)
}
