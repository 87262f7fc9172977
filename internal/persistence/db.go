// Package persistence provides SQLite-backed storage for events and their
// marketing bundles (menu items and social posts).
package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DateLayout is the layout of every date column in the store.
const DateLayout = "2006-01-02"

var (
	// ErrNotFound is returned by single-row lookups that match nothing.
	ErrNotFound = errors.New("not found")

	// ErrEventUnresolved means an event insert was rejected by the (date, name)
	// constraint and the exact re-query did not find the conflicting row.
	// SQLite's conflict handling makes this unreachable from DB; it is part
	// of the store contract callers handle.
	ErrEventUnresolved = errors.New("event insert conflicted and could not be resolved")
)

// DB wraps a SQLite connection pool for event persistence.
type DB struct {
	conn    *sqlx.DB
	matcher Matcher
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a DB at Open time.
type Option func(*DB)

// WithMatcher replaces the duplicate-name predicate used by UpsertEvent.
func WithMatcher(m Matcher) Option {
	return func(db *DB) { db.matcher = m }
}

// WithClock sets the clock used for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) { db.log = l }
}

// Open opens or creates a SQLite database at the given path, creating the
// parent directory if needed, and initializes the schema.
func Open(path string, opts ...Option) (*DB, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	conn, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{
		conn:    conn,
		matcher: SubstringMatcher{},
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(db)
	}

	if err := db.InitSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// InitSchema creates the Events, Menu and Posts tables if they are absent.
// Safe to call on every start. Table names are fixed so existing database
// files stay readable.
func (db *DB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS Events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT,
		name TEXT,
		location TEXT,
		description TEXT,
		UNIQUE(date, name)
	);

	CREATE TABLE IF NOT EXISTS Menu (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id INTEGER,
		item_name TEXT,
		item_description TEXT,
		item_type TEXT,
		created_at TEXT,
		FOREIGN KEY(event_id) REFERENCES Events(id),
		UNIQUE(event_id, item_name)
	);

	CREATE TABLE IF NOT EXISTS Posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id INTEGER,
		content TEXT,
		created_at TEXT,
		FOREIGN KEY(event_id) REFERENCES Events(id),
		UNIQUE(event_id, content)
	);

	CREATE INDEX IF NOT EXISTS idx_events_date ON Events(date);
	CREATE INDEX IF NOT EXISTS idx_menu_event ON Menu(event_id);
	CREATE INDEX IF NOT EXISTS idx_posts_event ON Posts(event_id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) today() string {
	return db.now().Format(DateLayout)
}
