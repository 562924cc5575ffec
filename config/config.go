// Package config loads this service's settings the way §6 specifies:
// entirely from the environment (STORE_URL, per-chain <NET>_RPC_URL,
// SIGNING_KEY, timeouts, presence windows, bus sizing) rather than from
// the teacher's config.yaml. The struct-plus-defaults shape, including
// the WorkerPoolConfig-style "warn and default" pattern, is kept from
// the teacher's config.go; only the source (os.Getenv, not yaml.v3) and
// the field set (this domain's, not the scraper's) change.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the overall application configuration.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Chains   ChainsConfig
	ZKP      ZKPConfig
	Presence PresenceConfig
	Bus      BusConfig
	Push     PushConfig
}

// ServerConfig holds the server-related configuration, unchanged in
// shape from the teacher's.
type ServerConfig struct {
	Port            int
	RequestIPHeader string
	RateLimitPerSec float64
	RateBurst       int
	CacheTTLSeconds int
}

// StoreConfig holds the persistence connection configuration. DSN is a
// postgres connection string unless it starts with "file:" or ends with
// ".db", which route to the sqlite driver (used by tests and small deployments).
type StoreConfig struct {
	URL                    string
	MaxOpenConns           int
	MaxIdleConns           int
	ConnMaxLifetimeMinutes int
}

// ChainsConfig holds the C4/C5 multi-network settings. Networks is the
// ordered list of configured network names; RPCURLs maps each to its
// <NET>_RPC_URL value. SigningKey is shared across all configured
// networks, per §4.4's "a single sender per network at a time" (distinct
// keys per network are a future extension, not required by §6).
type ChainsConfig struct {
	Networks       []string
	RPCURLs        map[string]string
	SigningKey     []byte
	RPCTimeout     time.Duration
	ConfirmTimeout time.Duration
	MaxAttempts    int
}

// ZKPConfig holds the C2 proof-verification tolerance.
type ZKPConfig struct {
	ValidityWindow time.Duration
}

// PresenceConfig holds the C9 heartbeat-classification windows.
type PresenceConfig struct {
	LiveWindow time.Duration
	IdleWindow time.Duration
	SweepEvery time.Duration
}

// BusConfig holds the C10 event bus sizing.
type BusConfig struct {
	MaxSubQueue  int
	EventHistory int
}

// PushConfig holds the VAPID keys for web push notifications, kept
// verbatim from the teacher's PushConfig.
type PushConfig struct {
	PublicKey  string
	PrivateKey string
	Subject    string
	TTL        int
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("%s=%q is not a valid integer; defaulting to %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("%s=%q is not a valid number; defaulting to %v", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		secs, serr := strconv.Atoi(v)
		if serr != nil {
			log.Printf("%s=%q is not a valid duration; defaulting to %v", key, v, fallback)
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	return d
}

// Load reads configuration entirely from the process environment, per
// §6. CONFIG_PATH from the teacher's deployment has no analogue here;
// there is no file to locate.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Server.Port = getEnvInt("PORT", 8080)
	cfg.Server.RequestIPHeader = getEnv("REQUEST_IP_HEADER", "X-Forwarded-For")
	cfg.Server.RateLimitPerSec = getEnvFloat("RATE_LIMIT_PER_SEC", 20)
	cfg.Server.RateBurst = getEnvInt("RATE_LIMIT_BURST", 40)
	cfg.Server.CacheTTLSeconds = getEnvInt("CACHE_TTL_SECONDS", 5)

	cfg.Store.URL = getEnv("STORE_URL", "file::memory:?cache=shared")
	cfg.Store.MaxOpenConns = getEnvInt("STORE_MAX_OPEN_CONNS", 20)
	cfg.Store.MaxIdleConns = getEnvInt("STORE_MAX_IDLE_CONNS", 10)
	cfg.Store.ConnMaxLifetimeMinutes = getEnvInt("STORE_CONN_MAX_LIFETIME_MINUTES", 30)

	networksRaw := getEnv("NETWORKS", "")
	rpcURLs := make(map[string]string)
	var networks []string
	for _, name := range strings.Split(networksRaw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		envKey := strings.ToUpper(name) + "_RPC_URL"
		url := os.Getenv(envKey)
		if url == "" {
			log.Printf("network %q listed in NETWORKS but %s is not set; skipping", name, envKey)
			continue
		}
		networks = append(networks, name)
		rpcURLs[name] = url
	}
	cfg.Chains.Networks = networks
	cfg.Chains.RPCURLs = rpcURLs
	cfg.Chains.SigningKey = []byte(getEnv("SIGNING_KEY", ""))
	cfg.Chains.RPCTimeout = getEnvDuration("RPC_TIMEOUT", 20*time.Second)
	cfg.Chains.ConfirmTimeout = getEnvDuration("CONFIRM_TIMEOUT", 180*time.Second)
	cfg.Chains.MaxAttempts = getEnvInt("RPC_MAX_ATTEMPTS", 5)

	cfg.ZKP.ValidityWindow = getEnvDuration("VALIDITY_WINDOW", 5*time.Minute)

	cfg.Presence.LiveWindow = getEnvDuration("LIVE_WINDOW", 60*time.Second)
	cfg.Presence.IdleWindow = getEnvDuration("IDLE_WINDOW", 300*time.Second)
	cfg.Presence.SweepEvery = getEnvDuration("PRESENCE_SWEEP_EVERY", 15*time.Second)

	cfg.Bus.MaxSubQueue = getEnvInt("MAX_SUB_QUEUE", 256)
	cfg.Bus.EventHistory = getEnvInt("EVENT_HISTORY", 100)

	cfg.Push.PublicKey = getEnv("VAPID_PUBLIC_KEY", "")
	cfg.Push.PrivateKey = getEnv("VAPID_PRIVATE_KEY", "")
	cfg.Push.Subject = getEnv("VAPID_SUBJECT", "mailto:ops@example.com")
	cfg.Push.TTL = getEnvInt("PUSH_TTL_SECONDS", 3600)

	if len(cfg.Chains.Networks) == 0 {
		log.Printf("no networks configured; cross-chain dispatch will have nothing to anchor to")
	}

	return cfg, nil
}
