package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cordum/extmgr/core/extensions"
	"github.com/cordum/extmgr/core/policy"
	sdk "github.com/cordum/extmgr/sdk/client"
)

const defaultGateway = "http://localhost:8081"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "list":
		runListCmd(args)
	case "installed":
		fs := newFlagSet("installed")
		fs.ParseArgs(args)
		recs, err := newClient(*fs.gateway, *fs.apiKey).ListInstalled(context.Background())
		check(err)
		printJSON(recs)
	case "history":
		runHistoryCmd(args)
	case "clear-history":
		fs := newFlagSet("clear-history")
		fs.ParseArgs(args)
		check(newClient(*fs.gateway, *fs.apiKey).ClearHistory(context.Background()))
	case "alltime":
		fs := newFlagSet("alltime")
		fs.ParseArgs(args)
		seen, err := newClient(*fs.gateway, *fs.apiKey).AllTime(context.Background())
		check(err)
		printJSON(seen)
	case "enable", "disable":
		fs := newFlagSet(cmd)
		fs.ParseArgs(args)
		if fs.NArg() < 1 {
			fail("extension id required")
		}
		check(newClient(*fs.gateway, *fs.apiKey).SetEnabled(context.Background(), fs.Arg(0), cmd == "enable"))
	case "evaluate":
		runEvaluateCmd(args)
	case "process":
		fs := newFlagSet("process")
		fs.ParseArgs(args)
		check(newClient(*fs.gateway, *fs.apiKey).ProcessPermissions(context.Background()))
	case "resync":
		fs := newFlagSet("resync")
		fs.ParseArgs(args)
		check(newClient(*fs.gateway, *fs.apiKey).Resync(context.Background()))
	case "config":
		runConfigCmd(args)
	case "whitelist":
		runWhitelistCmd(args)
	case "status":
		fs := newFlagSet("status")
		fs.ParseArgs(args)
		status, err := newClient(*fs.gateway, *fs.apiKey).GetStatus(context.Background())
		check(err)
		printJSON(status)
	case "watch":
		runWatchCmd(args)
	case "demo":
		runDemoCmd(args)
	default:
		usage()
		os.Exit(1)
	}
}

func runListCmd(args []string) {
	fs := newFlagSet("list")
	asJSON := fs.Bool("json", false, "print raw records")
	fs.ParseArgs(args)
	recs, err := newClient(*fs.gateway, *fs.apiKey).ListExtensions(context.Background())
	check(err)
	if *asJSON {
		printJSON(recs)
		return
	}
	for _, rec := range recs {
		fmt.Println(formatRecord(rec))
	}
}

func runHistoryCmd(args []string) {
	fs := newFlagSet("history")
	desc := fs.Bool("desc", false, "most recent first")
	limit := fs.Int("limit", 0, "keep only the N most recent entries")
	fs.ParseArgs(args)
	entries, err := newClient(*fs.gateway, *fs.apiKey).History(context.Background(), sdk.HistoryOptions{Desc: *desc, Limit: *limit})
	check(err)
	printJSON(entries)
}

func runEvaluateCmd(args []string) {
	fs := newFlagSet("evaluate")
	recordFile := fs.String("record", "", "record json file instead of a host extension id")
	policyFile := fs.String("policy", "", "policy json file overriding the stored options")
	fs.ParseArgs(args)

	var req sdk.EvaluateRequest
	switch {
	case *recordFile != "":
		var rec extensions.Record
		loadJSON(*recordFile, &rec)
		req.Record = &rec
	case fs.NArg() > 0:
		req.ID = fs.Arg(0)
	default:
		fail("extension id or --record required")
	}
	if *policyFile != "" {
		var p policy.Policy
		loadJSON(*policyFile, &p)
		req.Policy = &p
	}
	out, err := newClient(*fs.gateway, *fs.apiKey).Evaluate(context.Background(), req)
	check(err)
	printJSON(out)
}

func runConfigCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "get":
		fs := newFlagSet("config get")
		fs.ParseArgs(args[1:])
		doc, err := newClient(*fs.gateway, *fs.apiKey).GetConfig(context.Background())
		check(err)
		printJSON(doc)
	case "set":
		fs := newFlagSet("config set")
		file := fs.String("file", "", "json patch file")
		fs.ParseArgs(args[1:])
		patch := map[string]any{}
		if *file != "" {
			loadJSON(*file, &patch)
		}
		kv, err := parseAssignments(fs.Args())
		check(err)
		for k, v := range kv {
			patch[k] = v
		}
		if len(patch) == 0 {
			fail("usage: config set [--file patch.json] key=value...")
		}
		doc, err := newClient(*fs.gateway, *fs.apiKey).SetConfig(context.Background(), patch)
		check(err)
		printJSON(doc)
	default:
		usage()
		os.Exit(1)
	}
}

func runWhitelistCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "set":
		fs := newFlagSet("whitelist set")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 2 {
			fail("usage: whitelist set <extension_id> <permission>...")
		}
		client := newClient(*fs.gateway, *fs.apiKey)
		check(client.SetWhitelist(context.Background(), fs.Arg(0), fs.Args()[1:]))
	case "rm":
		fs := newFlagSet("whitelist rm")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("usage: whitelist rm <extension_id>")
		}
		check(newClient(*fs.gateway, *fs.apiKey).RemoveWhitelist(context.Background(), fs.Arg(0)))
	default:
		usage()
		os.Exit(1)
	}
}

func runWatchCmd(args []string) {
	fs := newFlagSet("watch")
	fs.ParseArgs(args)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := newClient(*fs.gateway, *fs.apiKey).Stream(ctx, func(ev sdk.StreamEvent) error {
		if ev.Entry != nil {
			fmt.Printf("%-9s %s\n", ev.Entry.Action, formatRecord(ev.Entry.Record))
			return nil
		}
		fmt.Printf("%-9s %s\n", ev.Type, string(ev.Data))
		return nil
	})
	check(err)
}

// parseAssignments turns key=value arguments into a patch. Values are read
// as JSON when they parse, else kept as strings; key=null deletes the key.
func parseAssignments(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func formatRecord(rec extensions.Record) string {
	state := "enabled"
	if !rec.Enabled {
		state = "disabled"
	}
	return fmt.Sprintf("%-8s %-40s %-24s %s", state, rec.ID, rec.Name, rec.Version)
}

type flagSet struct {
	*flag.FlagSet
	gateway *string
	apiKey  *string
}

func newFlagSet(name string) *flagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	gateway := fs.String("gateway", envOr("EXTMGR_GATEWAY", defaultGateway), "gateway base url")
	apiKey := fs.String("api-key", envOr("EXTMGR_API_KEY", ""), "api key")
	return &flagSet{FlagSet: fs, gateway: gateway, apiKey: apiKey}
}

func (fs *flagSet) ParseArgs(args []string) {
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
}

func newClient(gateway, apiKey string) *sdk.Client {
	return sdk.New(strings.TrimRight(gateway, "/"), apiKey)
}

func loadJSON(path string, out any) {
	// #nosec G304 -- CLI explicitly reads local files provided by the operator.
	data, err := os.ReadFile(path)
	check(err)
	if err := json.Unmarshal(data, out); err != nil {
		fail(fmt.Sprintf("invalid json: %v", err))
	}
}

func printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	check(err)
	fmt.Println(string(data))
}

func usage() {
	fmt.Print(`extmgrctl - extension manager CLI

Usage:
  extmgrctl list [--json]
  extmgrctl installed
  extmgrctl history [--desc] [--limit N]
  extmgrctl clear-history
  extmgrctl alltime
  extmgrctl enable <extension_id>
  extmgrctl disable <extension_id>
  extmgrctl evaluate (<extension_id> | --record record.json) [--policy policy.json]
  extmgrctl process
  extmgrctl resync
  extmgrctl config get
  extmgrctl config set [--file patch.json] key=value...
  extmgrctl whitelist set <extension_id> <permission>...
  extmgrctl whitelist rm <extension_id>
  extmgrctl status
  extmgrctl watch
  extmgrctl demo [--redis redis://host:6379]

Global flags:
  --gateway   Gateway base URL (default from EXTMGR_GATEWAY)
  --api-key   API key (default from EXTMGR_API_KEY)
`)
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func check(err error) {
	if err != nil {
		fail(err.Error())
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
