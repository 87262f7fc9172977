package persistence

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Menu item types.
const (
	ItemCoffee = "coffee"
	ItemCake   = "cake"
	ItemOther  = "other"
)

// MenuDraft is one generated menu item before it is stored.
type MenuDraft struct {
	Name string `json:"name"`
	Desc string `json:"desc"`
	Type string `json:"type"`
}

// Bundle is the social post and menu generated for one event.
type Bundle struct {
	Post  string      `json:"facebook_post"`
	Items []MenuDraft `json:"menu_items"`
}

// BundleParseError reports a marketing payload that is not valid JSON.
type BundleParseError struct {
	Err error
}

func (e *BundleParseError) Error() string {
	return fmt.Sprintf("parse marketing bundle: %v", e.Err)
}

func (e *BundleParseError) Unwrap() error { return e.Err }

// ParseBundle decodes a raw JSON marketing payload.
func ParseBundle(raw []byte) (*Bundle, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &BundleParseError{Err: errors.New("payload is not a JSON object")}
	}
	var b Bundle
	if err := json.Unmarshal(trimmed, &b); err != nil {
		return nil, &BundleParseError{Err: err}
	}
	return &b, nil
}

// ItemType coerces a generated item type into coffee, cake or other.
func ItemType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case ItemCoffee:
		return ItemCoffee
	case ItemCake:
		return ItemCake
	default:
		return ItemOther
	}
}

// BundleOutcome describes what WriteBundle did.
type BundleOutcome int

const (
	BundleWritten BundleOutcome = iota
	BundleSkipped               // event already has a post
	BundleNoEvent               // missing or unknown event id
)

func (o BundleOutcome) String() string {
	switch o {
	case BundleWritten:
		return "written"
	case BundleSkipped:
		return "skipped"
	case BundleNoEvent:
		return "no_event"
	default:
		return fmt.Sprintf("BundleOutcome(%d)", int(o))
	}
}

// BundleResult summarizes one WriteBundle call.
type BundleResult struct {
	Outcome      BundleOutcome
	PostWritten  bool
	ItemsWritten int
	ItemsSkipped int
}

// WriteBundle stores the post and menu items for an event exactly once.
// Once an event has a post, later calls are no-ops. Rows that collide with
// an existing (event_id, item_name) or (event_id, content) are skipped.
func (db *DB) WriteBundle(eventID int64, b *Bundle) (BundleResult, error) {
	if eventID <= 0 || b == nil {
		db.log.Warn("bundle write without event id, skipping", "event_id", eventID)
		return BundleResult{Outcome: BundleNoEvent}, nil
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return BundleResult{}, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.Get(&exists, "SELECT 1 FROM Events WHERE id = ?", eventID)
	if errors.Is(err, sql.ErrNoRows) {
		db.log.Warn("bundle write for unknown event, skipping", "event_id", eventID)
		return BundleResult{Outcome: BundleNoEvent}, nil
	}
	if err != nil {
		return BundleResult{}, fmt.Errorf("check event %d: %w", eventID, err)
	}

	var postID int64
	err = tx.Get(&postID, "SELECT id FROM Posts WHERE event_id = ? LIMIT 1", eventID)
	if err == nil {
		db.log.Info("event already bundled, skipping", "event_id", eventID)
		return BundleResult{Outcome: BundleSkipped}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return BundleResult{}, fmt.Errorf("check posts for event %d: %w", eventID, err)
	}

	created := db.today()
	result := BundleResult{Outcome: BundleWritten}

	if b.Post != "" {
		res, err := tx.Exec(
			"INSERT OR IGNORE INTO Posts (event_id, content, created_at) VALUES (?, ?, ?)",
			eventID, b.Post, created,
		)
		if err != nil {
			return BundleResult{}, fmt.Errorf("insert post for event %d: %w", eventID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.PostWritten = true
		}
	}

	stmt, err := tx.Preparex(`INSERT OR IGNORE INTO Menu
		(event_id, item_name, item_description, item_type, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return BundleResult{}, err
	}
	defer stmt.Close()

	for _, item := range b.Items {
		res, err := stmt.Exec(eventID, item.Name, item.Desc, ItemType(item.Type), created)
		if err != nil {
			return BundleResult{}, fmt.Errorf("insert menu item %q: %w", item.Name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.ItemsWritten++
		} else {
			result.ItemsSkipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return BundleResult{}, err
	}

	db.log.Info("bundle saved",
		"event_id", eventID,
		"post", result.PostWritten,
		"items", result.ItemsWritten,
		"skipped", result.ItemsSkipped,
	)
	return result, nil
}

// WriteRawBundle parses a JSON payload and writes it. A payload that fails
// to parse writes nothing and returns a *BundleParseError.
func (db *DB) WriteRawBundle(eventID int64, raw []byte) (BundleResult, error) {
	b, err := ParseBundle(raw)
	if err != nil {
		db.log.Error("bundle payload rejected", "event_id", eventID, "error", err)
		return BundleResult{}, err
	}
	return db.WriteBundle(eventID, b)
}

// MenuItem is a stored menu entry.
type MenuItem struct {
	ID          int64  `db:"id" json:"id"`
	EventID     int64  `db:"event_id" json:"event_id"`
	Name        string `db:"item_name" json:"name"`
	Description string `db:"item_description" json:"description"`
	Type        string `db:"item_type" json:"type"`
	CreatedAt   string `db:"created_at" json:"created_at"`
}

// Post is a stored social media post.
type Post struct {
	ID        int64  `db:"id" json:"id"`
	EventID   int64  `db:"event_id" json:"event_id"`
	Content   string `db:"content" json:"content"`
	CreatedAt string `db:"created_at" json:"created_at"`
}

// MenuFor returns the menu items of an event in insertion order.
func (db *DB) MenuFor(eventID int64) ([]MenuItem, error) {
	items := []MenuItem{}
	err := db.conn.Select(&items, `SELECT id, event_id,
		COALESCE(item_name, '') AS item_name,
		COALESCE(item_description, '') AS item_description,
		COALESCE(item_type, '') AS item_type,
		COALESCE(created_at, '') AS created_at
		FROM Menu WHERE event_id = ? ORDER BY id`, eventID)
	return items, err
}

// PostsFor returns the posts of an event in insertion order.
func (db *DB) PostsFor(eventID int64) ([]Post, error) {
	posts := []Post{}
	err := db.conn.Select(&posts, `SELECT id, event_id,
		COALESCE(content, '') AS content,
		COALESCE(created_at, '') AS created_at
		FROM Posts WHERE event_id = ? ORDER BY id`, eventID)
	return posts, err
}

// Bundled reports whether an event already has a post.
func (db *DB) Bundled(eventID int64) (bool, error) {
	var n int
	err := db.conn.Get(&n, "SELECT COUNT(*) FROM Posts WHERE event_id = ?", eventID)
	return n > 0, err
}
