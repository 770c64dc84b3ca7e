package buildinfo

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestInfoAndLog(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	t.Cleanup(func() {
		Version, Commit, Date = origVersion, origCommit, origDate
	})
	Version = "1.2.3"
	Commit = "abc123"
	Date = "2024-01-02"

	if info := Info(); info != "version=1.2.3 commit=abc123 date=2024-01-02" {
		t.Fatalf("unexpected info: %s", info)
	}

	var buf bytes.Buffer
	origOutput := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOutput)
		log.SetFlags(origFlags)
	})

	Log("extmgr-worker")
	got := buf.String()
	if !strings.Contains(got, "extmgr-worker") && !strings.Contains(got, "EXTMGR-WORKER") {
		t.Fatalf("missing service name: %s", got)
	}
	if !strings.Contains(got, "1.2.3") || !strings.Contains(got, "abc123") {
		t.Fatalf("missing build fields: %s", got)
	}
}
