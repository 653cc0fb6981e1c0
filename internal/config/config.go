// Package config loads server and client settings from environment
// variables with pflag overrides, generalizing the teacher's
// getEnv/getEnvInt helpers with the getEnvDuration/getEnvBool helpers
// the mcp-auth-proxy example adds.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// ServerConfig is the full set of knobs for the subwayd binary
// (spec.md §6).
type ServerConfig struct {
	ControlAddr     string
	ProxyAddr       string
	Domain          string
	BehindProxy     bool
	TLSCert         string
	TLSKey          string
	ExpireAfter     time.Duration
	CleanupInterval time.Duration
	MaxParked       int
	MaxTenants      int
	LogLevel        string
	MetricsEnabled  bool
}

// LoadServer reads a ServerConfig from the environment, then applies
// any flags explicitly set on fs.
func LoadServer(fs *pflag.FlagSet, args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		ControlAddr:     getEnv("SUBWAY_CONTROL_ADDR", "0.0.0.0:7000"),
		ProxyAddr:       getEnv("SUBWAY_PROXY_ADDR", "0.0.0.0:8000"),
		Domain:          getEnv("SUBWAY_DOMAIN", "subway.example.com"),
		BehindProxy:     getEnvBool("SUBWAY_BEHIND_PROXY", false),
		TLSCert:         getEnv("SUBWAY_TLS_CERT", ""),
		TLSKey:          getEnv("SUBWAY_TLS_KEY", ""),
		ExpireAfter:     getEnvDuration("SUBWAY_EXPIRE_AFTER", time.Hour),
		CleanupInterval: getEnvDuration("SUBWAY_CLEANUP_INTERVAL", 60*time.Second),
		MaxParked:       getEnvInt("SUBWAY_MAX_PARKED_PER_TENANT", 0),
		MaxTenants:      getEnvInt("SUBWAY_MAX_TENANTS", 0),
		LogLevel:        getEnv("SUBWAY_LOG_LEVEL", "info"),
		MetricsEnabled:  getEnvBool("SUBWAY_METRICS", true),
	}

	fs.StringVar(&cfg.ControlAddr, "control-addr", cfg.ControlAddr, "address the control channel listens on")
	fs.StringVar(&cfg.ProxyAddr, "proxy-addr", cfg.ProxyAddr, "address the public HTTP proxy listens on")
	fs.StringVar(&cfg.Domain, "domain", cfg.Domain, "base domain tunnels are published under")
	fs.BoolVar(&cfg.BehindProxy, "behind-proxy", cfg.BehindProxy, "trust X-Forwarded-Host instead of the Host header")
	fs.StringVar(&cfg.TLSCert, "tls-cert", cfg.TLSCert, "TLS certificate file for the public proxy")
	fs.StringVar(&cfg.TLSKey, "tls-key", cfg.TLSKey, "TLS key file for the public proxy")
	fs.DurationVar(&cfg.ExpireAfter, "expire-after", cfg.ExpireAfter, "tunnel lifetime before eviction")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "interval between expiry sweeps")
	fs.IntVar(&cfg.MaxParked, "max-parked-per-tenant", cfg.MaxParked, "max parked requests per tunnel (0 = unlimited)")
	fs.IntVar(&cfg.MaxTenants, "max-tenants", cfg.MaxTenants, "max concurrent tunnels (0 = unlimited)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "zerolog level (debug, info, warn, error)")
	fs.BoolVar(&cfg.MetricsEnabled, "metrics", cfg.MetricsEnabled, "expose /metrics on the proxy listener")

	if err := fs.Parse(args); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// ClientConfig is the full set of knobs for the subway client binary.
type ClientConfig struct {
	ServerAddr string
	LocalAddr  string
	Subdomain  string
	Retry      bool
	RetryDelay time.Duration
	LogLevel   string
}

// LoadClient reads a ClientConfig from the environment, then applies
// any flags explicitly set on fs.
func LoadClient(fs *pflag.FlagSet, args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerAddr: getEnv("SUBWAY_SERVER_ADDR", "127.0.0.1:7000"),
		LocalAddr:  getEnv("SUBWAY_LOCAL_ADDR", "127.0.0.1:3000"),
		Subdomain:  getEnv("SUBWAY_SUBDOMAIN", ""),
		Retry:      getEnvBool("SUBWAY_RECONNECT", false),
		RetryDelay: getEnvDuration("SUBWAY_RETRY_DELAY", 2*time.Second),
		LogLevel:   getEnv("SUBWAY_LOG_LEVEL", "info"),
	}

	fs.StringVar(&cfg.ServerAddr, "server", cfg.ServerAddr, "subwayd control address host:port")
	fs.StringVar(&cfg.LocalAddr, "local", cfg.LocalAddr, "local service to expose, host:port")
	fs.StringVar(&cfg.Subdomain, "subdomain", cfg.Subdomain, "requested subdomain (empty = server-assigned)")
	fs.BoolVar(&cfg.Retry, "retry", cfg.Retry, "retry the initial connection with backoff instead of exiting")
	fs.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "base delay between initial connection attempts")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "zerolog level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
