package configsvc

import (
	"context"
	"errors"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newSvc(t *testing.T) *Service {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	svc, err := Open("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("svc init: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestGetReturnsDefaultsWhenEmpty(t *testing.T) {
	svc := newSvc(t)
	doc, err := svc.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Revision != 0 || doc.Data["contextMenu"] != true {
		t.Fatalf("expected defaults at revision 0, got %+v", doc)
	}
	opts, err := svc.Options(context.Background())
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.AutoDisable || opts.HistoryMax != DefaultHistoryMax || !opts.ContextMenu {
		t.Fatalf("unexpected default options: %+v", opts)
	}
	if opts.Policy().Active() {
		t.Fatalf("default policy must be inactive")
	}
}

func TestSetMergesAndBumpsRevision(t *testing.T) {
	svc := newSvc(t)
	ctx := context.Background()

	doc, err := svc.Set(ctx, map[string]any{
		"autoDisable":        true,
		"disablePermissions": []string{"downloads.open"},
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if doc.Revision != 1 || doc.Hash == "" {
		t.Fatalf("expected revision 1 with hash, got %+v", doc)
	}
	doc, err = svc.Set(ctx, map[string]any{"historyMax": 50})
	if err != nil {
		t.Fatalf("set second: %v", err)
	}
	if doc.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", doc.Revision)
	}
	opts, err := svc.Options(ctx)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if !opts.AutoDisable || opts.HistoryMax != 50 || len(opts.DisablePermissions) != 1 {
		t.Fatalf("patches not merged: %+v", opts)
	}
	pol := opts.Policy()
	if !pol.Active() || pol.DisableList[0] != "downloads.open" {
		t.Fatalf("unexpected policy: %+v", pol)
	}

	doc, err = svc.Set(ctx, map[string]any{"historyMax": nil})
	if err != nil {
		t.Fatalf("delete key: %v", err)
	}
	if _, ok := doc.Data["historyMax"]; ok {
		t.Fatalf("nil patch value should remove the key")
	}
}

func TestSetRejectsInvalidOptions(t *testing.T) {
	svc := newSvc(t)
	ctx := context.Background()
	if _, err := svc.Set(ctx, map[string]any{"historyMax": 0}); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("expected invalid options error, got %v", err)
	}
	if _, err := svc.Set(ctx, map[string]any{"autoDisable": "yes"}); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("expected invalid options error, got %v", err)
	}
	doc, _ := svc.Get(ctx)
	if doc.Revision != 0 {
		t.Fatalf("rejected patch must not be stored, revision=%d", doc.Revision)
	}
}

func TestEnsureDefaultsKeepsUserValues(t *testing.T) {
	svc := newSvc(t)
	ctx := context.Background()

	if _, err := svc.Set(ctx, map[string]any{"contextMenu": false}); err != nil {
		t.Fatalf("set: %v", err)
	}
	doc, wrote, err := svc.EnsureDefaults(ctx)
	if err != nil || !wrote {
		t.Fatalf("ensure defaults: wrote=%v err=%v", wrote, err)
	}
	if doc.Data["contextMenu"] != false {
		t.Fatalf("user value overwritten: %+v", doc.Data)
	}
	if doc.Data["showUpdate"] != false || doc.Data["historyMax"] != float64(DefaultHistoryMax) {
		t.Fatalf("missing defaults: %+v", doc.Data)
	}
	again, wrote, err := svc.EnsureDefaults(ctx)
	if err != nil || wrote {
		t.Fatalf("second ensure should be a no-op: wrote=%v err=%v", wrote, err)
	}
	if again.Revision != doc.Revision {
		t.Fatalf("no-op must not bump revision")
	}
}

func TestWhitelistOps(t *testing.T) {
	svc := newSvc(t)
	ctx := context.Background()

	if _, err := svc.SetWhitelist(ctx, "abc", []string{"tabs", " downloads.open", "tabs"}); err != nil {
		t.Fatalf("set whitelist: %v", err)
	}
	opts, _ := svc.Options(ctx)
	got := opts.Whitelist["abc"]
	if len(got) != 2 || got[0] != "downloads.open" || got[1] != "tabs" {
		t.Fatalf("unexpected whitelist: %v", got)
	}
	if !opts.Policy().Exempt("abc", "tabs") {
		t.Fatalf("expected exemption")
	}
	if _, err := svc.RemoveWhitelist(ctx, "abc"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	opts, _ = svc.Options(ctx)
	if _, ok := opts.Whitelist["abc"]; ok {
		t.Fatalf("whitelist entry not removed")
	}
	if _, err := svc.SetWhitelist(ctx, " ", []string{"tabs"}); !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("expected error for empty id, got %v", err)
	}
}

func TestChangeHookFiresOnCommit(t *testing.T) {
	svc := newSvc(t)
	var revs []int64
	svc.WithChangeHook(func(_ context.Context, doc *Document) {
		revs = append(revs, doc.Revision)
	})
	ctx := context.Background()
	_, _ = svc.Set(ctx, map[string]any{"showUpdate": true})
	_, _ = svc.Set(ctx, map[string]any{"historyMax": -5})
	_, _ = svc.RemoveWhitelist(ctx, "missing")
	if len(revs) != 1 || revs[0] != 1 {
		t.Fatalf("expected exactly one committed change, got %v", revs)
	}
}

func TestConcurrentSetsDoNotLoseUpdates(t *testing.T) {
	svc := newSvc(t)
	ctx := context.Background()
	ids := []string{"a", "b", "c", "d", "e", "f"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := svc.SetWhitelist(ctx, id, []string{"tabs"}); err != nil && !errors.Is(err, ErrConflict) {
				t.Errorf("set whitelist %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
	opts, _ := svc.Options(ctx)
	doc, _ := svc.Get(ctx)
	if int(doc.Revision) != len(opts.Whitelist) {
		t.Fatalf("revision %d does not match committed entries %d", doc.Revision, len(opts.Whitelist))
	}
}

func TestDecodeOptionsFallsBack(t *testing.T) {
	opts, err := DecodeOptions(map[string]any{"disablePermissions": "tabs"})
	if err == nil {
		t.Fatalf("expected decode error")
	}
	if opts.HistoryMax != DefaultHistoryMax || opts.Whitelist == nil {
		t.Fatalf("expected defaults on failure, got %+v", opts)
	}
}
