package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cordum/extmgr/core/extensions"
)

func TestEnvOr(t *testing.T) {
	t.Setenv("TEST_ENV", "")
	if got := envOr("TEST_ENV", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback value")
	}
	t.Setenv("TEST_ENV", " value ")
	if got := envOr("TEST_ENV", "fallback"); got != "value" {
		t.Fatalf("expected trimmed env value")
	}
}

func TestNewFlagSetDefaults(t *testing.T) {
	t.Setenv("EXTMGR_GATEWAY", "http://example.com")
	t.Setenv("EXTMGR_API_KEY", "token")
	fs := newFlagSet("test")
	if *fs.gateway != "http://example.com" {
		t.Fatalf("expected gateway from env, got %s", *fs.gateway)
	}
	if *fs.apiKey != "token" {
		t.Fatalf("expected api key from env, got %s", *fs.apiKey)
	}
}

func TestNewClientTrimsGateway(t *testing.T) {
	client := newClient("http://localhost:8081/", "key")
	if client.BaseURL != "http://localhost:8081" {
		t.Fatalf("expected trimmed base url, got %s", client.BaseURL)
	}
	if client.APIKey != "key" {
		t.Fatalf("expected api key on client")
	}
}

func TestParseAssignments(t *testing.T) {
	patch, err := parseAssignments([]string{
		"autoDisable=true",
		"historyMax=50",
		`disablePermissions=["tabs"]`,
		"note=plain text",
		"whitelist=null",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if patch["autoDisable"] != true || patch["historyMax"] != float64(50) || patch["note"] != "plain text" {
		t.Fatalf("unexpected patch: %#v", patch)
	}
	if perms, ok := patch["disablePermissions"].([]any); !ok || len(perms) != 1 {
		t.Fatalf("expected list value, got %#v", patch["disablePermissions"])
	}
	if v, ok := patch["whitelist"]; !ok || v != nil {
		t.Fatalf("expected null to survive as a delete, got %#v", v)
	}
	if _, err := parseAssignments([]string{"novalue"}); err == nil {
		t.Fatalf("expected error for missing =")
	}
}

func TestFormatRecord(t *testing.T) {
	line := formatRecord(extensions.Record{ID: "a@x", Name: "Alpha", Version: "1.0"})
	if !strings.HasPrefix(line, "disabled") || !strings.Contains(line, "a@x") {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestLoadAndPrintJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patch.json")
	if err := os.WriteFile(path, []byte(`{"historyMax":10}`), 0o600); err != nil {
		t.Fatalf("write temp json: %v", err)
	}
	var payload map[string]any
	loadJSON(path, &payload)
	if payload["historyMax"] != float64(10) {
		t.Fatalf("unexpected payload: %#v", payload)
	}

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	old := os.Stdout
	os.Stdout = w
	printJSON(map[string]string{"k": "v"})
	_ = w.Close()
	os.Stdout = old

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(data), "\"k\"") {
		t.Fatalf("expected json output, got %s", string(data))
	}
}

func TestDemoWalksThrough(t *testing.T) {
	var out bytes.Buffer
	if err := runDemo(context.Background(), &out, ""); err != nil {
		t.Fatalf("demo: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"startup: 3 extensions",
		"Extension Disabled: Grabber was disabled",
		"Extension Should Be Disabled: Dev Tool should be disabled",
		"uninstall",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("demo output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Download Helper was disabled") {
		t.Fatalf("whitelisted extension should stay enabled:\n%s", got)
	}
}
