package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
	"github.com/cordum/extmgr/core/configsvc"
	"github.com/cordum/extmgr/core/controlplane/reconciler"
	"github.com/cordum/extmgr/core/extensions"
	"github.com/cordum/extmgr/core/host"
	"github.com/cordum/extmgr/core/infra/locks"
	"github.com/cordum/extmgr/core/infra/store"
	"github.com/cordum/extmgr/core/notify"
)

const demoSelf = "extmgr@local"

func runDemoCmd(args []string) {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	redisURL := fs.String("redis", "", "redis url (defaults to an in-process server)")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	check(runDemo(ctx, os.Stdout, *redisURL))
}

// printNotifier writes notifications where the browser would show them.
type printNotifier struct {
	out io.Writer
}

func (p printNotifier) Notify(_ context.Context, title, message string, category notify.Category) error {
	_, err := fmt.Fprintf(p.out, "  [%s] %s: %s\n", category, title, message)
	return err
}

// runDemo drives the reconciler against an in-memory browser profile and
// prints the resulting notifications and history.
func runDemo(ctx context.Context, out io.Writer, redisURL string) error {
	if redisURL == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start redis: %w", err)
		}
		defer mr.Close()
		redisURL = "redis://" + mr.Addr()
	}
	st, err := store.Open(redisURL)
	if err != nil {
		return err
	}
	defer st.Close()

	cfgSvc := configsvc.New(st.Client())
	if _, _, err := cfgSvc.EnsureDefaults(ctx); err != nil {
		return err
	}
	if _, err := cfgSvc.Set(ctx, map[string]any{
		"autoDisable":        true,
		"disablePermissions": []string{"downloads.open", "debugger", "nativeMessaging"},
	}); err != nil {
		return err
	}

	mem := host.NewMemory(demoSelf, host.SampleItems()...)
	r := reconciler.New(reconciler.Config{
		Host:     mem,
		Browser:  extensions.BrowserChrome,
		Store:    st,
		Options:  cfgSvc,
		Notifier: printNotifier{out: out},
		Locks:    locks.NewRedisStoreFromClient(st.Client()),
		Sender:   "extmgrctl-demo",
	})
	mem.OnEvent(r.Post)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- r.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()
	select {
	case <-r.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}

	installed, err := st.Installed.List(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "startup: %d extensions in the installed set\n", len(installed))

	steps := []struct {
		title string
		run   func() error
	}{
		{"install a tracker that opens downloads", func() error {
			mem.Install(extensions.Item{
				ID: "grabber@example.org", Name: "Grabber", Version: "1.0", Enabled: true,
				Type: extensions.TypeExtension, InstallType: "normal",
				Permissions: []string{"downloads", "downloads.open"},
			})
			return nil
		}},
		{"whitelist and update the download helper", func() error {
			if _, err := cfgSvc.SetWhitelist(ctx, "dl-helper@example.org", []string{"downloads.open"}); err != nil {
				return err
			}
			mem.Install(extensions.Item{
				ID: "dl-helper@example.org", Name: "Download Helper", Version: "3.3.0", Enabled: true,
				Type: extensions.TypeExtension, InstallType: "normal",
				Permissions: []string{"downloads", "downloads.open"},
			})
			return nil
		}},
		{"enable the dev tool, which the host refuses to disable", func() error {
			mem.Protect("devtool@example.org")
			return mem.SetEnabled(ctx, "devtool@example.org", true)
		}},
		{"uninstall the ad blocker", func() error {
			mem.Uninstall("ublock@example.org")
			return nil
		}},
	}
	for _, step := range steps {
		fmt.Fprintf(out, "\n== %s\n", step.title)
		if err := step.run(); err != nil {
			return err
		}
		if err := r.Settle(ctx); err != nil {
			return err
		}
	}

	entries, err := st.History.List(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nhistory (%d entries):\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(out, "  %-9s %s\n", e.Action, formatRecord(e.Record))
	}
	seen, err := st.AllTime.List(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nseen over all time: %d\n", len(seen))
	return nil
}
