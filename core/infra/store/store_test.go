package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/extmgr/core/extensions"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)
	s, err := Open("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func fixedClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Second)
		return cur
	}
}

func ext(id, version string) extensions.Record {
	return extensions.Record{ID: id, Name: "Ext " + id, Version: version, Enabled: true, Type: extensions.TypeExtension}
}

func TestInstalledSetCRUD(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if ok, err := s.Installed.Has(ctx, "a"); err != nil || ok {
		t.Fatalf("expected empty set, ok=%v err=%v", ok, err)
	}
	if err := s.Installed.Upsert(ctx, ext("a", "1.0")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec, ok, err := s.Installed.Get(ctx, "a")
	if err != nil || !ok || rec.Version != "1.0" {
		t.Fatalf("get: rec=%+v ok=%v err=%v", rec, ok, err)
	}
	if err := s.Installed.Upsert(ctx, ext("a", "2.0")); err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	if rec, _, _ := s.Installed.Get(ctx, "a"); rec.Version != "2.0" {
		t.Fatalf("expected updated version, got %s", rec.Version)
	}
	if removed, err := s.Installed.Remove(ctx, "a"); err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}
	if removed, err := s.Installed.Remove(ctx, "a"); err != nil || removed {
		t.Fatalf("second remove should report absent, removed=%v err=%v", removed, err)
	}
	if err := s.Installed.Upsert(ctx, extensions.Record{}); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestInstalledSetRebuildReplacesAndIsIdempotent(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if err := s.Installed.Upsert(ctx, ext("stale", "0.1")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	host := []extensions.Record{ext("b", "1"), ext("a", "1")}
	if err := s.Installed.Rebuild(ctx, host); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	first, err := s.Installed.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first) != 2 || first[0].ID != "a" || first[1].ID != "b" {
		t.Fatalf("rebuild should mirror host exactly: %+v", first)
	}
	if err := s.Installed.Rebuild(ctx, host); err != nil {
		t.Fatalf("rebuild again: %v", err)
	}
	second, _ := s.Installed.List(ctx)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("rebuild not idempotent:\n%+v\n%+v", first, second)
	}

	if err := s.Installed.Rebuild(ctx, nil); err != nil {
		t.Fatalf("rebuild empty: %v", err)
	}
	if got, _ := s.Installed.List(ctx); len(got) != 0 {
		t.Fatalf("expected empty set, got %+v", got)
	}
}

func TestHistoryFIFOEviction(t *testing.T) {
	s, _ := newStore(t)
	s.History.now = fixedClock(time.UnixMilli(1_700_000_000_000))
	ctx := context.Background()

	for _, id := range []string{"A", "B", "C", "D"} {
		if _, ok, err := s.History.Append(ctx, extensions.ActionInstall, ext(id, "1"), 3); err != nil || !ok {
			t.Fatalf("append %s: ok=%v err=%v", id, ok, err)
		}
	}
	entries, err := s.History.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	if !reflect.DeepEqual(ids, []string{"B", "C", "D"}) {
		t.Fatalf("expected [B C D], got %v", ids)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp <= entries[i-1].Timestamp {
			t.Fatalf("entries out of chronological order: %+v", entries)
		}
	}
}

func TestHistoryLengthInvariant(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	maxes := []int{5, 5, 2, 7, 1, 3}
	var appended []string
	for i := 0; i < 40; i++ {
		max := maxes[i%len(maxes)]
		id := fmt.Sprintf("e%02d", i)
		if _, _, err := s.History.Append(ctx, extensions.ActionEnable, ext(id, "1"), max); err != nil {
			t.Fatalf("append: %v", err)
		}
		appended = append(appended, id)
		n, err := s.History.Len(ctx)
		if err != nil {
			t.Fatalf("len: %v", err)
		}
		if n > int64(max) {
			t.Fatalf("length %d exceeds max %d", n, max)
		}
		entries, _ := s.History.List(ctx)
		want := appended[len(appended)-len(entries):]
		for j, e := range entries {
			if e.ID != want[j] {
				t.Fatalf("retained entries are not the most recent: got %v want %v", e.ID, want[j])
			}
		}
	}
}

func TestHistorySkipsSelfAndExcluded(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	s.History.SetSelf("self@extmgr")

	if _, ok, err := s.History.Append(ctx, extensions.ActionInstall, ext("self@extmgr", "1"), 10); err != nil || ok {
		t.Fatalf("self should be skipped, ok=%v err=%v", ok, err)
	}
	theme := ext("dark", "1")
	theme.Type = "theme"
	if _, ok, _ := s.History.Append(ctx, extensions.ActionInstall, theme, 10); ok {
		t.Fatalf("theme should be skipped")
	}
	if _, ok, _ := s.History.Append(ctx, extensions.ActionInstall, ext("ddg@search.mozilla.org", "1"), 10); ok {
		t.Fatalf("search provider should be skipped")
	}
	if n, _ := s.History.Len(ctx); n != 0 {
		t.Fatalf("expected empty history, got %d", n)
	}
	if _, _, err := s.History.Append(ctx, extensions.Action("bogus"), ext("a", "1"), 10); err == nil {
		t.Fatalf("expected invalid action error")
	}
}

func TestHistoryEntryShape(t *testing.T) {
	s, _ := newStore(t)
	s.History.now = func() time.Time { return time.UnixMilli(1_234_567) }
	entry, ok, err := s.History.Append(context.Background(), extensions.ActionUpdate, ext("a", "9"), 0)
	if err != nil || !ok {
		t.Fatalf("append: ok=%v err=%v", ok, err)
	}
	if entry.Action != extensions.ActionUpdate || entry.Timestamp != 1_234_567 || entry.Version != "9" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if err := s.History.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := s.History.Len(context.Background()); n != 0 {
		t.Fatalf("expected cleared history")
	}
}

func TestAllTimeKeepsFirstSeen(t *testing.T) {
	s, _ := newStore(t)
	s.AllTime.now = fixedClock(time.UnixMilli(1_000))
	ctx := context.Background()

	if err := s.AllTime.Touch(ctx, ext("a", "1")); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := s.AllTime.Touch(ctx, ext("b", "1")); err != nil {
		t.Fatalf("touch b: %v", err)
	}
	if err := s.AllTime.Touch(ctx, ext("a", "2")); err != nil {
		t.Fatalf("touch again: %v", err)
	}
	rows, err := s.AllTime.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != "a" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if rows[0].Version != "2" || rows[0].FirstSeen >= rows[0].LastSeen {
		t.Fatalf("expected refreshed version with original first-seen: %+v", rows[0])
	}
}

func TestStorageErrorsAreTagged(t *testing.T) {
	s, mr := newStore(t)
	mr.Close()
	_, _, err := s.Installed.Get(context.Background(), "a")
	if !errors.Is(err, extensions.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}
