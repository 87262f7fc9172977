package persistence

// EventBundle is an event joined with its stored menu and post.
type EventBundle struct {
	Event
	Menu []MenuItem `json:"menu"`
	Post *Post      `json:"post,omitempty"`
}

// LoadBundle loads one event with its menu and first post.
func (db *DB) LoadBundle(eventID int64) (*EventBundle, error) {
	e, err := db.Event(eventID)
	if err != nil {
		return nil, err
	}
	return db.attach(*e)
}

// LoadBundles loads every event (or those of one date) with menus and posts.
func (db *DB) LoadBundles(date string) ([]EventBundle, error) {
	events, err := db.ListEvents(date)
	if err != nil {
		return nil, err
	}
	out := make([]EventBundle, 0, len(events))
	for _, e := range events {
		eb, err := db.attach(e)
		if err != nil {
			return nil, err
		}
		out = append(out, *eb)
	}
	return out, nil
}

func (db *DB) attach(e Event) (*EventBundle, error) {
	menu, err := db.MenuFor(e.ID)
	if err != nil {
		return nil, err
	}
	posts, err := db.PostsFor(e.ID)
	if err != nil {
		return nil, err
	}
	eb := &EventBundle{Event: e, Menu: menu}
	if len(posts) > 0 {
		eb.Post = &posts[0]
	}
	return eb, nil
}
