package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cordum/extmgr/core/configsvc"
	"github.com/cordum/extmgr/core/controlplane/reconciler"
	"github.com/cordum/extmgr/core/extensions"
	"github.com/cordum/extmgr/core/host"
	"github.com/cordum/extmgr/core/infra/buildinfo"
	"github.com/cordum/extmgr/core/infra/bus"
	"github.com/cordum/extmgr/core/infra/config"
	"github.com/cordum/extmgr/core/infra/locks"
	infraMetrics "github.com/cordum/extmgr/core/infra/metrics"
	"github.com/cordum/extmgr/core/infra/store"
	"github.com/cordum/extmgr/core/notify"
	"github.com/google/uuid"
)

const defaultWorkerMetricsAddr = ":9093"

func main() {
	log.Println("extmgr worker starting...")
	buildinfo.Log("extmgr-worker")

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("worker error: %v", err)
	}
	log.Println("extmgr worker stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	sender := "extmgr-worker-" + uuid.NewString()[:8]

	st, err := store.Open(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer st.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL, sender)
	if err != nil {
		return err
	}
	defer natsBus.Close()

	cfgSvc := configsvc.New(st.Client()).WithChangeHook(configsvc.PublishChanges(natsBus, sender))
	if _, seeded, err := cfgSvc.EnsureDefaults(ctx); err != nil {
		return err
	} else if seeded {
		log.Println("seeded default options")
	}

	applyPolicy := func(ctx context.Context, pf *config.PolicyFile) error {
		patch := pf.Patch()
		if len(patch) == 0 {
			return nil
		}
		doc, err := cfgSvc.Set(ctx, patch)
		if err != nil {
			return err
		}
		log.Printf("policy file applied (revision %d)", doc.Revision)
		return nil
	}
	if pf, err := config.LoadPolicyFile(cfg.PolicyFile); err != nil {
		log.Printf("policy file %s not applied: %v", cfg.PolicyFile, err)
	} else if err := applyPolicy(ctx, pf); err != nil {
		log.Printf("policy file %s rejected: %v", cfg.PolicyFile, err)
	}
	if cfg.WatchPolicy {
		watcher := config.NewPolicyWatcher(cfg.PolicyFile, applyPolicy)
		if err := watcher.Start(ctx); err != nil {
			log.Printf("policy watch disabled: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	metricsAddr := strings.TrimSpace(os.Getenv("WORKER_METRICS_ADDR"))
	if metricsAddr == "" {
		metricsAddr = defaultWorkerMetricsAddr
	}
	metricsSrv := serveMetrics(metricsAddr)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	r := reconciler.New(reconciler.Config{
		Host:      host.NewNatsHost(natsBus, sender, cfg.HostTimeout),
		Browser:   extensions.ParseBrowser(cfg.Browser),
		Store:     st,
		Options:   cfgSvc,
		Notifier:  notify.NewBusNotifier(natsBus, sender),
		Locks:     locks.NewRedisStoreFromClient(st.Client()),
		Publisher: natsBus,
		Metrics:   infraMetrics.NewProm("extmgr_worker"),
		Sender:    sender,
	})
	if err := r.Bind(ctx, natsBus); err != nil {
		return err
	}
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", infraMetrics.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("worker metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server error: %v", err)
		}
	}()
	return srv
}
