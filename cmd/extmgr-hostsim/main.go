// Command extmgr-hostsim stands in for the browser agent during
// development. It answers host requests from an in-memory profile and
// publishes lifecycle events when the seed file changes.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cordum/extmgr/core/extensions"
	"github.com/cordum/extmgr/core/host"
	"github.com/cordum/extmgr/core/infra/buildinfo"
	"github.com/cordum/extmgr/core/infra/bus"
	"github.com/cordum/extmgr/core/infra/config"
	"github.com/cordum/extmgr/core/notify"
	"github.com/fsnotify/fsnotify"
)

const sender = "extmgr-hostsim"

func main() {
	seed := flag.String("seed", "", "json file with host items (defaults to a sample profile)")
	self := flag.String("self", "extmgr@local", "extension id of the manager itself")
	watch := flag.Bool("watch", true, "converge the profile when the seed file changes")
	flag.Parse()

	log.Println("extmgr host simulator starting...")
	buildinfo.Log(sender)
	cfg := config.Load()

	items := host.SampleItems()
	if *seed != "" {
		loaded, err := host.LoadItems(*seed)
		if err != nil {
			log.Fatalf("load seed: %v", err)
		}
		items = loaded
	}
	mem := host.NewMemory(*self, items...)

	natsBus, err := bus.NewNatsBus(cfg.NatsURL, sender)
	if err != nil {
		log.Fatalf("connect nats: %v", err)
	}
	defer natsBus.Close()

	mem.OnEvent(func(ev extensions.Event) {
		if err := publishEvent(natsBus, ev); err != nil {
			log.Printf("publish %s %s: %v", ev.Kind, ev.Item.ID, err)
		}
	})
	if err := host.Serve(natsBus, mem, sender); err != nil {
		log.Fatalf("serve host: %v", err)
	}
	if err := natsBus.Subscribe(bus.SubjectNotify, "", logNotification); err != nil {
		log.Fatalf("subscribe notifications: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *watch && *seed != "" {
		if err := watchSeed(ctx, *seed, mem); err != nil {
			log.Printf("seed watch disabled: %v", err)
		}
	}
	log.Printf("serving %d items as %s", len(items), *self)
	<-ctx.Done()
}

func publishEvent(pub interface {
	Publish(string, *bus.Packet) error
}, ev extensions.Event) error {
	packet, err := bus.NewPacket(bus.KindLifecycle, sender, ev.Item)
	if err != nil {
		return err
	}
	return pub.Publish(bus.LifecycleSubject(string(ev.Kind)), packet)
}

func logNotification(p *bus.Packet) error {
	var n notify.Notification
	if err := p.Decode(&n); err != nil {
		return err
	}
	log.Printf("[%s] %s: %s", n.Category, n.Title, n.Message)
	return nil
}

func watchSeed(ctx context.Context, path string, mem *host.Memory) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}
	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == target && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					pending = time.After(100 * time.Millisecond)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("seed watch error: %v", err)
			case <-pending:
				pending = nil
				items, err := host.LoadItems(path)
				if err != nil {
					log.Printf("seed reload skipped: %v", err)
					continue
				}
				if err := host.Converge(ctx, mem, items); err != nil {
					log.Printf("seed converge failed: %v", err)
				}
			}
		}
	}()
	return nil
}
