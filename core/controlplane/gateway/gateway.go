// Package gateway serves the extension manager's HTTP API: directory and
// installed-set reads, history, policy previews, options and whitelist
// management, and a websocket stream of new history entries.
package gateway

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cordum/extmgr/core/configsvc"
	"github.com/cordum/extmgr/core/extensions"
	"github.com/cordum/extmgr/core/host"
	"github.com/cordum/extmgr/core/infra/bus"
	"github.com/cordum/extmgr/core/infra/config"
	"github.com/cordum/extmgr/core/infra/locks"
	"github.com/cordum/extmgr/core/infra/logging"
	infraMetrics "github.com/cordum/extmgr/core/infra/metrics"
	"github.com/cordum/extmgr/core/infra/store"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	wsAPIKeyProtocol = "extmgr-api-key"
	senderName       = "extmgr-gateway"
)

// Bus is the subset of the NATS bus the gateway uses.
type Bus interface {
	Publish(subject string, packet *bus.Packet) error
	Subscribe(subject, queue string, handler func(*bus.Packet) error) error
}

// Deps are the collaborators of a gateway server.
type Deps struct {
	Host      extensions.Host
	Browser   extensions.Browser
	Store     *store.Store
	ConfigSvc *configsvc.Service
	Locks     locks.Store
	Bus       Bus
	Metrics   infraMetrics.GatewayMetrics
	APIKey    string
}

type server struct {
	host      extensions.Host
	dir       *extensions.Directory
	store     *store.Store
	configSvc *configsvc.Service
	lockStore locks.Store
	bus       Bus
	metrics   infraMetrics.GatewayMetrics
	apiKey    string
	started   time.Time

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]chan []byte
	eventsCh  chan []byte
}

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return isAllowedOrigin(r) },
	Subprotocols: []string{wsAPIKeyProtocol},
}

func newServer(d Deps) *server {
	return &server{
		host:      d.Host,
		dir:       extensions.NewDirectory(d.Host, d.Browser),
		store:     d.Store,
		configSvc: d.ConfigSvc,
		lockStore: d.Locks,
		bus:       d.Bus,
		metrics:   d.Metrics,
		apiKey:    normalizeAPIKey(d.APIKey),
		started:   time.Now().UTC(),
		clients:   make(map[*websocket.Conn]chan []byte),
		eventsCh:  make(chan []byte, 512),
	}
}

// Handler builds the HTTP handler without starting listeners or bus taps.
func Handler(d Deps) http.Handler {
	return newServer(d).routes()
}

// Run connects to Redis and NATS, starts the gRPC health server and the
// metrics listener, and serves HTTP until the listener fails.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}

	st, err := store.Open(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer st.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL, senderName)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	configSvc := configsvc.New(st.Client()).WithChangeHook(configsvc.PublishChanges(natsBus, senderName))

	s := newServer(Deps{
		Host:      host.NewNatsHost(natsBus, senderName, cfg.HostTimeout),
		Browser:   extensions.ParseBrowser(cfg.Browser),
		Store:     st,
		ConfigSvc: configSvc,
		Locks:     locks.NewRedisStoreFromClient(st.Client()),
		Bus:       natsBus,
		Metrics:   infraMetrics.NewGatewayProm("extmgr_gateway"),
		APIKey:    cfg.APIKey,
	})
	s.startBusTaps()

	grpcServer, err := startHealthServer(cfg.GatewayGRPCAddr, natsBus)
	if err != nil {
		return err
	}
	defer grpcServer.GracefulStop()

	go serveMetrics(cfg.MetricsAddr)

	logging.Info("gateway", "http listening", "addr", cfg.GatewayHTTPAddr)
	srv := &http.Server{
		Addr:              cfg.GatewayHTTPAddr,
		Handler:           s.routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error("gateway", "http server error", "error", err)
		return err
	}
	return nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	// Directory and host control
	mux.HandleFunc("GET /api/v1/extensions", s.instrumented("/api/v1/extensions", s.handleListExtensions))
	mux.HandleFunc("GET /api/v1/extensions/{id}", s.instrumented("/api/v1/extensions/{id}", s.handleGetExtension))
	mux.HandleFunc("POST /api/v1/extensions/{id}/enable", s.instrumented("/api/v1/extensions/{id}/enable", s.handleSetEnabled(true)))
	mux.HandleFunc("POST /api/v1/extensions/{id}/disable", s.instrumented("/api/v1/extensions/{id}/disable", s.handleSetEnabled(false)))

	// Persisted state
	mux.HandleFunc("GET /api/v1/installed", s.instrumented("/api/v1/installed", s.handleListInstalled))
	mux.HandleFunc("GET /api/v1/history", s.instrumented("/api/v1/history", s.handleListHistory))
	mux.HandleFunc("DELETE /api/v1/history", s.instrumented("/api/v1/history", s.handleClearHistory))
	mux.HandleFunc("GET /api/v1/alltime", s.instrumented("/api/v1/alltime", s.handleListAllTime))

	// Policy
	mux.HandleFunc("POST /api/v1/policy/evaluate", s.instrumented("/api/v1/policy/evaluate", s.handlePolicyEvaluate))
	mux.HandleFunc("POST /api/v1/policy/process", s.instrumented("/api/v1/policy/process", s.handleCommand(bus.SubjectProcessPerms)))
	mux.HandleFunc("POST /api/v1/resync", s.instrumented("/api/v1/resync", s.handleCommand(bus.SubjectResync)))

	// Options
	mux.HandleFunc("GET /api/v1/config", s.instrumented("/api/v1/config", s.handleGetConfig))
	mux.HandleFunc("POST /api/v1/config", s.instrumented("/api/v1/config", s.handleSetConfig))
	mux.HandleFunc("PUT /api/v1/whitelist/{id}", s.instrumented("/api/v1/whitelist/{id}", s.handlePutWhitelist))
	mux.HandleFunc("DELETE /api/v1/whitelist/{id}", s.instrumented("/api/v1/whitelist/{id}", s.handleDeleteWhitelist))

	mux.HandleFunc("/api/v1/stream", s.instrumented("/api/v1/stream", s.handleStream))

	return corsMiddleware(apiKeyMiddleware(s.apiKey, mux))
}

func serveMetrics(addr string) {
	if strings.TrimSpace(addr) == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", infraMetrics.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logging.Info("gateway", "metrics listening", "addr", addr+"/metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error("gateway", "metrics server error", "error", err)
	}
}

// startHealthServer exposes grpc.health.v1. The serving status follows the
// NATS connection.
func startHealthServer(addr string, nb *bus.NatsBus) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen grpc (%s): %w", addr, err)
	}
	creds := insecure.NewCredentials()
	if certFile := os.Getenv("GRPC_TLS_CERT"); certFile != "" {
		keyFile := os.Getenv("GRPC_TLS_KEY")
		if keyFile == "" {
			logging.Error("gateway", "grpc tls key missing", "cert", certFile)
		} else if tlsCreds, err := credentials.NewServerTLSFromFile(certFile, keyFile); err != nil {
			logging.Error("gateway", "grpc tls setup failed", "error", err)
		} else {
			creds = tlsCreds
		}
	}
	srv := grpc.NewServer(grpc.Creds(creds))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			status := healthpb.HealthCheckResponse_SERVING
			if nb != nil && !nb.IsConnected() {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			hs.SetServingStatus("", status)
		}
	}()
	go func() {
		logging.Info("gateway", "grpc health listening", "addr", addr)
		if err := srv.Serve(lis); err != nil {
			logging.Error("gateway", "grpc server error", "error", err)
		}
	}()
	return srv, nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin.
		return true
	}
	// The options page and popup call in from the extension origin.
	if strings.HasPrefix(origin, "chrome-extension://") || strings.HasPrefix(origin, "moz-extension://") {
		return true
	}

	allowed, allowAll := allowedOriginsFromEnv()
	if allowAll {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	if len(allowed) == 0 {
		host := strings.ToLower(u.Hostname())
		switch host {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		reqHost := strings.ToLower(requestHostname(r.Host))
		return reqHost != "" && host == reqHost
	}
	_, ok := allowed[origin]
	return ok
}

func allowedOriginsFromEnv() (map[string]struct{}, bool) {
	for _, key := range []string{"EXTMGR_ALLOWED_ORIGINS", "CORS_ALLOW_ORIGINS"} {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		if raw == "*" {
			return nil, true
		}
		set := make(map[string]struct{})
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				set[p] = struct{}{}
			}
		}
		return set, false
	}
	return nil, false
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}

// apiKeyMiddleware enforces the API key on /api/ routes when one is set.
func apiKeyMiddleware(key string, next http.Handler) http.Handler {
	if key == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || !strings.HasPrefix(r.URL.Path, "/api/") || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		got := normalizeAPIKey(r.Header.Get("X-API-Key"))
		if got == "" && websocket.IsWebSocketUpgrade(r) {
			got = normalizeAPIKey(apiKeyFromWebSocket(r))
		}
		if got != key {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	// Common .env mistake: quoting values (e.g. "super-secret-key").
	key = strings.Trim(key, "\"'")
	return strings.TrimSpace(key)
}

func apiKeyFromWebSocket(r *http.Request) string {
	if r == nil {
		return ""
	}
	protocols := websocket.Subprotocols(r)
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		prefix := strings.ToLower(wsAPIKeyProtocol) + "."
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}

// contextTimeout bounds store calls made on behalf of a request.
func contextTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 10*time.Second)
}
