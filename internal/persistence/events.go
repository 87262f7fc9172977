package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// Event is a real-world happening on a specific date.
type Event struct {
	ID          int64  `db:"id" json:"id"`
	Date        string `db:"date" json:"date"`
	Name        string `db:"name" json:"name"`
	Location    string `db:"location" json:"location"`
	Description string `db:"description" json:"description"`
}

const eventColumns = `id, COALESCE(date, '') AS date, COALESCE(name, '') AS name,
	COALESCE(location, '') AS location, COALESCE(description, '') AS description`

// UpsertEvent returns the id of the event matching (date, name), inserting a
// new row only when no event on the same date is a duplicate according to
// the configured Matcher. The earliest inserted match wins. The date is
// compared as an exact string. An exact (date, name) pair the Matcher does
// not catch resolves to the existing row through the unique constraint.
func (db *DB) UpsertEvent(date, name, location, description string) (int64, error) {
	tx, err := db.conn.Beginx()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var existing []Event
	if err := tx.Select(&existing,
		"SELECT "+eventColumns+" FROM Events WHERE date = ? ORDER BY id", date,
	); err != nil {
		return 0, fmt.Errorf("select events for %s: %w", date, err)
	}

	for _, e := range existing {
		if db.matcher.IsDuplicate(e.Name, name) {
			db.log.Info("duplicate event detected", "name", name, "matches", e.Name, "event_id", e.ID)
			return e.ID, nil
		}
	}

	res, err := tx.Exec(`INSERT INTO Events (date, name, location, description)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(date, name) DO NOTHING`,
		date, name, location, description,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %q: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		// The conflict fired inside this transaction, so the exact
		// (date, name) row is visible here and the lookup finds it.
		// ErrEventUnresolved stays the result should it ever miss.
		var id int64
		err := tx.Get(&id, "SELECT id FROM Events WHERE date = ? AND name = ?", date, name)
		if errors.Is(err, sql.ErrNoRows) {
			db.log.Warn("event conflict unresolved", "date", date, "name", name)
			return 0, ErrEventUnresolved
		}
		if err != nil {
			return 0, fmt.Errorf("resolve event conflict: %w", err)
		}
		return id, tx.Commit()
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	db.log.Info("event added", "date", date, "name", name, "event_id", id)
	return id, nil
}

// Event returns a single event by id.
func (db *DB) Event(id int64) (*Event, error) {
	var e Event
	err := db.conn.Get(&e, "SELECT "+eventColumns+" FROM Events WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEvents returns stored events ordered by date and insertion order.
// An empty date returns every event.
func (db *DB) ListEvents(date string) ([]Event, error) {
	events := []Event{}
	var err error
	if date == "" {
		err = db.conn.Select(&events, "SELECT "+eventColumns+" FROM Events ORDER BY date, id")
	} else {
		err = db.conn.Select(&events, "SELECT "+eventColumns+" FROM Events WHERE date = ? ORDER BY id", date)
	}
	return events, err
}
