package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/extmgr/core/configsvc"
	"github.com/cordum/extmgr/core/extensions"
	"github.com/cordum/extmgr/core/host"
	"github.com/cordum/extmgr/core/infra/bus"
	"github.com/cordum/extmgr/core/infra/store"
	"github.com/gorilla/websocket"
)

type stubBus struct {
	mu        sync.Mutex
	published []publishedMessage
	handlers  map[string]func(*bus.Packet) error
}

type publishedMessage struct {
	subject string
	packet  *bus.Packet
}

func (b *stubBus) Publish(subject string, packet *bus.Packet) error {
	b.mu.Lock()
	b.published = append(b.published, publishedMessage{subject: subject, packet: packet})
	b.mu.Unlock()
	return nil
}

func (b *stubBus) Subscribe(subject, _ string, fn func(*bus.Packet) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = map[string]func(*bus.Packet) error{}
	}
	b.handlers[subject] = fn
	return nil
}

func (b *stubBus) subjects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.published))
	for _, m := range b.published {
		out = append(out, m.subject)
	}
	return out
}

type fixture struct {
	srv   *server
	h     http.Handler
	host  *host.Memory
	store *store.Store
	cfg   *configsvc.Service
	bus   *stubBus
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)
	st, err := store.Open("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	m := host.NewMemory("self@extmgr",
		extensions.Item{ID: "b", Name: "bravo", Version: "1.0", Enabled: true, Type: "extension", Permissions: []string{"downloads.open", "tabs"}},
		extensions.Item{ID: "a", Name: "Alpha", Version: "1.0", Enabled: true, Type: "extension"},
		extensions.Item{ID: "google@search.mozilla.org", Name: "Google", Type: "extension"},
	)
	sb := &stubBus{}
	cfg := configsvc.New(st.Client()).WithChangeHook(configsvc.PublishChanges(sb, senderName))
	s := newServer(Deps{
		Host:      m,
		Browser:   extensions.BrowserFirefox,
		Store:     st,
		ConfigSvc: cfg,
		Bus:       sb,
		APIKey:    apiKey,
	})
	return &fixture{srv: s, h: s.routes(), host: m, store: st, cfg: cfg, bus: sb}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "")
	if rec := f.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestListExtensionsFiltersAndSorts(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodGet, "/api/v1/extensions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	out := decode[struct {
		Items []extensions.Record `json:"items"`
	}](t, rec)
	if len(out.Items) != 2 {
		t.Fatalf("expected search provider to be filtered, got %+v", out.Items)
	}
	if out.Items[0].ID != "a" || out.Items[1].ID != "b" {
		t.Fatalf("expected case-insensitive name order, got %s,%s", out.Items[0].ID, out.Items[1].ID)
	}
	if !strings.HasPrefix(out.Items[0].ManifestURL, "moz-extension://") {
		t.Fatalf("expected firefox manifest url, got %s", out.Items[0].ManifestURL)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/extensions/nope", ""); rec.Code != http.StatusBadGateway && rec.Code != http.StatusNotFound {
		t.Fatalf("expected lookup failure, got %d", rec.Code)
	}
}

func TestSetEnabledMapsHostErrors(t *testing.T) {
	f := newFixture(t, "")
	if rec := f.do(t, http.MethodPost, "/api/v1/extensions/b/disable", ""); rec.Code != http.StatusOK {
		t.Fatalf("disable: %d %s", rec.Code, rec.Body.String())
	}
	if it, _ := f.host.Get(context.Background(), "b"); it.Enabled {
		t.Fatalf("host should have b disabled")
	}
	f.host.Protect("a")
	if rec := f.do(t, http.MethodPost, "/api/v1/extensions/a/disable", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected conflict for protected extension, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/extensions/zzz/enable", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", rec.Code)
	}
}

func TestHistoryOrderingAndClear(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	for _, id := range []string{"x", "y", "z"} {
		rec := extensions.Record{ID: id, Name: id, Type: "extension"}
		if _, _, err := f.store.History.Append(ctx, extensions.ActionInstall, rec, 10); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	type list struct {
		Items []extensions.Entry `json:"items"`
	}
	asc := decode[list](t, f.do(t, http.MethodGet, "/api/v1/history", ""))
	if len(asc.Items) != 3 || asc.Items[0].ID != "x" {
		t.Fatalf("unexpected ascending history: %+v", asc.Items)
	}
	desc := decode[list](t, f.do(t, http.MethodGet, "/api/v1/history?order=desc&limit=2", ""))
	if len(desc.Items) != 2 || desc.Items[0].ID != "z" || desc.Items[1].ID != "y" {
		t.Fatalf("unexpected descending history: %+v", desc.Items)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/history?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad limit to be rejected, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/history", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("clear: %d", rec.Code)
	}
	if n, _ := f.store.History.Len(ctx); n != 0 {
		t.Fatalf("expected empty history, got %d", n)
	}
}

func TestConfigRoundTripAndValidation(t *testing.T) {
	f := newFixture(t, "")
	if rec := f.do(t, http.MethodPost, "/api/v1/config", `{"historyMax":0}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid options to be rejected, got %d %s", rec.Code, rec.Body.String())
	}
	rec := f.do(t, http.MethodPost, "/api/v1/config", `{"autoDisable":true,"disablePermissions":["downloads.open"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set config: %d %s", rec.Code, rec.Body.String())
	}
	doc := decode[configsvc.Document](t, f.do(t, http.MethodGet, "/api/v1/config", ""))
	if doc.Revision != 1 || doc.Data["autoDisable"] != true {
		t.Fatalf("unexpected document: %+v", doc)
	}
	found := false
	for _, subject := range f.bus.subjects() {
		if subject == bus.SubjectConfigChanged {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected config change announcement, got %v", f.bus.subjects())
	}
}

func TestWhitelistEndpoints(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	if rec := f.do(t, http.MethodPut, "/api/v1/whitelist/b", `{"permissions":["downloads.open"]}`); rec.Code != http.StatusOK {
		t.Fatalf("put whitelist: %d %s", rec.Code, rec.Body.String())
	}
	opts, err := f.cfg.Options(ctx)
	if err != nil || len(opts.Whitelist["b"]) != 1 {
		t.Fatalf("expected whitelist entry, got %+v %v", opts.Whitelist, err)
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/whitelist/b", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete whitelist: %d", rec.Code)
	}
	opts, _ = f.cfg.Options(ctx)
	if _, ok := opts.Whitelist["b"]; ok {
		t.Fatalf("whitelist entry should be gone")
	}
}

func TestPolicyEvaluatePreview(t *testing.T) {
	f := newFixture(t, "")
	if _, err := f.cfg.Set(context.Background(), map[string]any{
		"autoDisable":        true,
		"disablePermissions": []string{"downloads.open"},
	}); err != nil {
		t.Fatalf("set: %v", err)
	}
	rec := f.do(t, http.MethodPost, "/api/v1/policy/evaluate", `{"id":"b"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("evaluate: %d %s", rec.Code, rec.Body.String())
	}
	out := decode[evaluateResponse](t, rec)
	if !out.Decision.Disable() || len(out.Decision.Triggering) != 1 || out.Decision.Triggering[0] != "downloads.open" {
		t.Fatalf("unexpected decision: %+v", out.Decision)
	}
	if it, _ := f.host.Get(context.Background(), "b"); !it.Enabled {
		t.Fatalf("evaluate must not disable anything")
	}

	inline := `{"record":{"id":"q","enabled":true,"permissions":["downloads.open"]},"policy":{"autoDisable":true,"disablePermissions":["downloads.open"],"whitelist":{"q":["downloads.open"]}}}`
	out = decode[evaluateResponse](t, f.do(t, http.MethodPost, "/api/v1/policy/evaluate", inline))
	if out.Decision.Disable() {
		t.Fatalf("whitelisted permission should not trigger: %+v", out.Decision)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/policy/evaluate", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", rec.Code)
	}
}

func TestCommandsArePublished(t *testing.T) {
	f := newFixture(t, "")
	if rec := f.do(t, http.MethodPost, "/api/v1/policy/process", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("process: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/resync", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("resync: %d", rec.Code)
	}
	got := f.bus.subjects()
	if len(got) != 2 || got[0] != bus.SubjectProcessPerms || got[1] != bus.SubjectResync {
		t.Fatalf("unexpected published subjects: %v", got)
	}
}

func TestStatusReportsCounts(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	if err := f.store.Installed.Rebuild(ctx, []extensions.Record{{ID: "a"}, {ID: "b"}}); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	out := decode[map[string]any](t, f.do(t, http.MethodGet, "/api/v1/status", ""))
	if out["installed_count"] != float64(2) {
		t.Fatalf("unexpected status: %+v", out)
	}
	if redis, _ := out["redis"].(map[string]any); redis["ok"] != true {
		t.Fatalf("expected redis ok: %+v", out["redis"])
	}
}

func TestAPIKeyRequired(t *testing.T) {
	f := newFixture(t, `"secret"`)
	if rec := f.do(t, http.MethodGet, "/api/v1/installed", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/installed", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected authorized request to pass, got %d", rec.Code)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	f := newFixture(t, "")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/installed", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden origin, got %d", rec.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/installed", nil)
	req.Header.Set("Origin", "moz-extension://1234-abcd")
	rec = httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("extension origin should be allowed, got %d", rec.Code)
	}
}

func TestStreamDeliversHistoryEntries(t *testing.T) {
	f := newFixture(t, "")
	f.srv.startBusTaps()
	ts := httptest.NewServer(f.h)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		f.srv.clientsMu.RLock()
		n := len(f.srv.clients)
		f.srv.clientsMu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	entry := extensions.Entry{Record: extensions.Record{ID: "s", Name: "Stream"}, Action: extensions.ActionInstall, Timestamp: 42}
	p, err := bus.NewPacket(bus.KindHistory, "worker", entry)
	if err != nil {
		t.Fatalf("packet: %v", err)
	}
	f.bus.mu.Lock()
	handler := f.bus.handlers[bus.SubjectHistoryAppended]
	f.bus.mu.Unlock()
	if handler == nil {
		t.Fatalf("history tap not subscribed")
	}
	if err := handler(p); err != nil {
		t.Fatalf("tap: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if ev.Type != "history" || ev.Entry == nil || ev.Entry.ID != "s" || ev.Entry.Timestamp != 42 {
		t.Fatalf("unexpected frame: %s", data)
	}
}
