package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var ctx = context.Background()

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) == 0 || len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestTablesExist(t *testing.T) {
	s := openTestStore(t)

	for _, table := range []string{"scraped_data", "subpages"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %q not found", table)
		}
	}
}

func TestRawRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.WriteRaw(ctx, "a-vc_123", "https://a.vc/team", "X"); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	got, err := s.ReadRaw(ctx, "a-vc_123")
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if got != "X" {
		t.Errorf("ReadRaw = %q, want %q", got, "X")
	}
}

func TestReadRaw_MissingIsEmpty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ReadRaw(ctx, "nope")
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if got != "" {
		t.Errorf("ReadRaw = %q, want empty", got)
	}
}

func TestWriteRaw_UpsertOverwrites(t *testing.T) {
	s := openTestStore(t)

	if err := s.WriteRaw(ctx, "n1", "https://a.vc", "first"); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteRaw(ctx, "n1", "https://a.vc", "second version"); err != nil {
		t.Fatal(err)
	}

	rec, err := s.GetRecord(ctx, "n1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.RawData != "second version" {
		t.Errorf("RawData = %q, want %q", rec.RawData, "second version")
	}
	if rec.ContentLength != len("second version") {
		t.Errorf("ContentLength = %d, want %d", rec.ContentLength, len("second version"))
	}
	if !rec.Success {
		t.Error("Success = false, want true")
	}
	if rec.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	var rows int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM scraped_data").Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Errorf("row count = %d, want 1", rows)
	}
}

func TestWriteRaw_EmptyContentNotSuccessful(t *testing.T) {
	s := openTestStore(t)

	if err := s.WriteRaw(ctx, "n1", "https://a.vc", ""); err != nil {
		t.Fatal(err)
	}
	rec, err := s.GetRecord(ctx, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Success || rec.ContentLength != 0 {
		t.Errorf("got success=%v length=%d, want false/0", rec.Success, rec.ContentLength)
	}
}

func TestWriteStructured_WithoutRawIsNotFound(t *testing.T) {
	s := openTestStore(t)

	err := s.WriteStructured(ctx, "missing", map[string]any{"a": "b"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("WriteStructured err = %v, want ErrNotFound", err)
	}
}

func TestWriteStructured_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.WriteRaw(ctx, "n1", "https://a.vc/team", "markdown"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadStructured(ctx, "n1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ReadStructured before write err = %v, want ErrNotFound", err)
	}

	data := map[string]any{
		"team_leadership": []map[string]string{{"name": "Jane Doe", "role": "Partner", "bio": ""}},
	}
	if err := s.WriteStructured(ctx, "n1", data); err != nil {
		t.Fatalf("WriteStructured: %v", err)
	}

	raw, err := s.ReadStructured(ctx, "n1")
	if err != nil {
		t.Fatalf("ReadStructured: %v", err)
	}
	var got map[string][]map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["team_leadership"][0]["name"] != "Jane Doe" {
		t.Errorf("structured = %s", raw)
	}

	// Raw data must be untouched by the structured update.
	rawData, _ := s.ReadRaw(ctx, "n1")
	if rawData != "markdown" {
		t.Errorf("ReadRaw = %q, want %q", rawData, "markdown")
	}
}

func TestListAndDeleteRecords(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.WriteRaw(ctx, fmt.Sprintf("n%d", i), fmt.Sprintf("https://a.vc/%d", i), "x"); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.ListRecords(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("ListRecords returned %d, want 3", len(recs))
	}

	if err := s.DeleteRecord(ctx, "n1"); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	if err := s.DeleteRecord(ctx, "n1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteRecord err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetRecord(ctx, "n1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord after delete err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentUpsertsSameName(t *testing.T) {
	s := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := fmt.Sprintf("content-%02d", i)
			if err := s.WriteRaw(ctx, "same", "https://a.vc", content); err != nil {
				t.Errorf("WriteRaw: %v", err)
			}
		}(i)
	}
	wg.Wait()

	rec, err := s.GetRecord(ctx, "same")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ContentLength != len(rec.RawData) {
		t.Errorf("torn write: length %d for %q", rec.ContentLength, rec.RawData)
	}
}

func TestSubpages(t *testing.T) {
	s := openTestStore(t)

	added, err := s.AddSubpages(ctx, []string{"https://a.vc", "https://b.vc", " ", "https://a.vc", "https://c.vc"})
	if err != nil {
		t.Fatalf("AddSubpages: %v", err)
	}
	if added != 3 {
		t.Errorf("added = %d, want 3", added)
	}

	n, err := s.CountSubpages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("CountSubpages = %d, want 3", n)
	}

	rng, err := s.SubpageRange(ctx, 2, 3)
	if err != nil {
		t.Fatalf("SubpageRange: %v", err)
	}
	if len(rng) != 2 || rng[0].FullURL != "https://b.vc" || rng[1].FullURL != "https://c.vc" {
		t.Errorf("SubpageRange(2,3) = %+v", rng)
	}

	if _, err := s.SubpageRange(ctx, 3, 2); err == nil {
		t.Error("SubpageRange(3,2) expected error")
	}
}
