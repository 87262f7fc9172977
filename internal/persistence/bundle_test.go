package persistence

import (
	"errors"
	"fmt"
	"testing"
)

const jazzPayload = `{"facebook_post": "Wpadnij na kawę!", "menu_items": [{"name":"Latte Jazzowe","desc":"...","type":"coffee"}]}`

func seedEvents(t *testing.T, db *DB, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 1; i <= n; i++ {
		id, err := db.UpsertEvent("2025-12-13", fmt.Sprintf("Wydarzenie %c", 'A'+i-1), "Łódź", "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestWriteBundleTwiceIsNoOp(t *testing.T) {
	db := openTestDB(t, WithClock(fixedClock()))
	ids := seedEvents(t, db, 5)
	if ids[4] != 5 {
		t.Fatalf("fifth event id = %d, want 5", ids[4])
	}

	first, err := db.WriteRawBundle(5, []byte(jazzPayload))
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if first.Outcome != BundleWritten || !first.PostWritten || first.ItemsWritten != 1 {
		t.Errorf("first result = %+v", first)
	}

	second, err := db.WriteRawBundle(5, []byte(jazzPayload))
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if second.Outcome != BundleSkipped {
		t.Errorf("second outcome = %v, want skipped", second.Outcome)
	}

	if n := countRows(t, db, "SELECT COUNT(*) FROM Posts WHERE event_id = 5"); n != 1 {
		t.Errorf("posts = %d, want 1", n)
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM Menu WHERE event_id = 5"); n != 1 {
		t.Errorf("menu items = %d, want 1", n)
	}

	menu, err := db.MenuFor(5)
	if err != nil {
		t.Fatal(err)
	}
	if menu[0].Name != "Latte Jazzowe" || menu[0].Type != ItemCoffee || menu[0].CreatedAt != "2025-12-01" {
		t.Errorf("stored item = %+v", menu[0])
	}

	bundled, err := db.Bundled(5)
	if err != nil || !bundled {
		t.Errorf("Bundled(5) = %v, %v", bundled, err)
	}
}

func TestWriteBundleGuardBlocksDifferentPayload(t *testing.T) {
	db := openTestDB(t)
	id := seedEvents(t, db, 1)[0]

	if _, err := db.WriteBundle(id, &Bundle{Post: "Pierwszy", Items: []MenuDraft{{Name: "Sernik", Type: "cake"}}}); err != nil {
		t.Fatal(err)
	}
	res, err := db.WriteBundle(id, &Bundle{Post: "Drugi", Items: []MenuDraft{{Name: "Brownie", Type: "cake"}}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != BundleSkipped {
		t.Errorf("outcome = %v, want skipped", res.Outcome)
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM Menu WHERE event_id = ?", id); n != 1 {
		t.Errorf("menu items = %d, want 1", n)
	}
}

func TestWriteRawBundleMalformedWritesNothing(t *testing.T) {
	db := openTestDB(t)
	id := seedEvents(t, db, 1)[0]

	for _, raw := range []string{
		`{"facebook_post": "Wpadnij", "menu_items": [`,
		`not json at all`,
		`["facebook_post"]`,
		``,
	} {
		_, err := db.WriteRawBundle(id, []byte(raw))
		var perr *BundleParseError
		if !errors.As(err, &perr) {
			t.Errorf("payload %q: err = %v, want *BundleParseError", raw, err)
		}
	}

	if n := countRows(t, db, "SELECT COUNT(*) FROM Posts WHERE event_id = ?", id); n != 0 {
		t.Errorf("posts = %d, want 0", n)
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM Menu WHERE event_id = ?", id); n != 0 {
		t.Errorf("menu items = %d, want 0", n)
	}
}

func TestWriteBundleSkipsDuplicateItemNames(t *testing.T) {
	db := openTestDB(t)
	id := seedEvents(t, db, 1)[0]

	res, err := db.WriteBundle(id, &Bundle{
		Post: "Post",
		Items: []MenuDraft{
			{Name: "Latte Jazzowe", Desc: "pierwsze", Type: "coffee"},
			{Name: "Latte Jazzowe", Desc: "drugie", Type: "coffee"},
			{Name: "Sernik Bluesowy", Desc: "", Type: "cake"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ItemsWritten != 2 || res.ItemsSkipped != 1 {
		t.Errorf("result = %+v, want 2 written 1 skipped", res)
	}

	menu, err := db.MenuFor(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(menu) != 2 {
		t.Fatalf("menu items = %d, want 2", len(menu))
	}
	if menu[0].Description != "pierwsze" {
		t.Errorf("first description = %q, duplicates must not overwrite", menu[0].Description)
	}
}

func TestWriteBundleWithoutPostStaysOpen(t *testing.T) {
	db := openTestDB(t)
	id := seedEvents(t, db, 1)[0]

	res, err := db.WriteBundle(id, &Bundle{Items: []MenuDraft{{Name: "Espresso", Type: "coffee"}}})
	if err != nil {
		t.Fatal(err)
	}
	if res.PostWritten {
		t.Error("empty post must not be stored")
	}
	if bundled, _ := db.Bundled(id); bundled {
		t.Error("event without a post should not count as bundled")
	}

	// A later run with a post completes the bundle; the repeated item is skipped.
	res, err = db.WriteBundle(id, &Bundle{Post: "Teraz z postem", Items: []MenuDraft{{Name: "Espresso", Type: "coffee"}}})
	if err != nil {
		t.Fatal(err)
	}
	if !res.PostWritten || res.ItemsSkipped != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestWriteBundleMissingEvent(t *testing.T) {
	db := openTestDB(t)

	for _, id := range []int64{0, -1, 999} {
		res, err := db.WriteBundle(id, &Bundle{Post: "x"})
		if err != nil {
			t.Errorf("id %d: unexpected error %v", id, err)
		}
		if res.Outcome != BundleNoEvent {
			t.Errorf("id %d: outcome = %v, want no_event", id, res.Outcome)
		}
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM Posts"); n != 0 {
		t.Errorf("posts = %d, want 0", n)
	}
}

func TestItemType(t *testing.T) {
	tests := map[string]string{
		"coffee":   ItemCoffee,
		" Coffee ": ItemCoffee,
		"CAKE":     ItemCake,
		"tea":      ItemOther,
		"":         ItemOther,
	}
	for in, want := range tests {
		if got := ItemType(in); got != want {
			t.Errorf("ItemType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadBundles(t *testing.T) {
	db := openTestDB(t)
	ids := seedEvents(t, db, 2)

	if _, err := db.WriteRawBundle(ids[0], []byte(jazzPayload)); err != nil {
		t.Fatal(err)
	}

	all, err := db.LoadBundles("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}
	if all[0].Post == nil || all[0].Post.Content != "Wpadnij na kawę!" || len(all[0].Menu) != 1 {
		t.Errorf("first bundle = %+v", all[0])
	}
	if all[1].Post != nil || len(all[1].Menu) != 0 {
		t.Errorf("second bundle should be empty, got %+v", all[1])
	}

	if _, err := db.LoadBundle(404); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadBundle(404) err = %v, want ErrNotFound", err)
	}
}
