package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultNATSURL         = "nats://localhost:4222"
	defaultRedisURL        = "redis://localhost:6379"
	defaultGatewayHTTPAddr = ":8081"
	defaultGatewayGRPCAddr = ":8080"
	defaultMetricsAddr     = ":9092"
	defaultPolicyFile      = "config/policy.yaml"
	defaultBrowser         = "chrome"
	defaultHostTimeout     = 5 * time.Second

	envNATSURL         = "NATS_URL"
	envRedisURL        = "REDIS_URL"
	envGatewayHTTPAddr = "GATEWAY_HTTP_ADDR"
	envGatewayGRPCAddr = "GATEWAY_GRPC_ADDR"
	envMetricsAddr     = "METRICS_ADDR"
	envPolicyFile      = "POLICY_FILE"
	envBrowser         = "BROWSER"
	envHostTimeout     = "HOST_TIMEOUT"
	envUseJetStream    = "NATS_USE_JETSTREAM"
	envWatchPolicy     = "POLICY_WATCH"
	envAPIKey          = "EXTMGR_API_KEY"
)

// Config holds runtime configuration for the worker and gateway.
type Config struct {
	NatsURL         string
	RedisURL        string
	GatewayHTTPAddr string
	GatewayGRPCAddr string
	MetricsAddr     string
	PolicyFile      string
	Browser         string
	HostTimeout     time.Duration
	UseJetStream    bool
	WatchPolicy     bool
	APIKey          string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		NatsURL:         envOr(envNATSURL, defaultNATSURL),
		RedisURL:        envOr(envRedisURL, defaultRedisURL),
		GatewayHTTPAddr: envOr(envGatewayHTTPAddr, defaultGatewayHTTPAddr),
		GatewayGRPCAddr: envOr(envGatewayGRPCAddr, defaultGatewayGRPCAddr),
		MetricsAddr:     envOr(envMetricsAddr, defaultMetricsAddr),
		PolicyFile:      envOr(envPolicyFile, defaultPolicyFile),
		Browser:         strings.ToLower(envOr(envBrowser, defaultBrowser)),
		HostTimeout:     envDuration(envHostTimeout, defaultHostTimeout),
		UseJetStream:    envBool(envUseJetStream, false),
		WatchPolicy:     envBool(envWatchPolicy, true),
		APIKey:          strings.TrimSpace(os.Getenv(envAPIKey)),
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

// envDuration accepts Go durations ("3s") or bare milliseconds ("3000").
func envDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
