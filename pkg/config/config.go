// Package config loads deployment configuration from the environment plus
// optional per-region YAML profiles.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/custodes-labs/custodes/pkg/detector"
	"github.com/custodes-labs/custodes/pkg/ledger"
	"github.com/custodes-labs/custodes/pkg/passport"
	"github.com/custodes-labs/custodes/pkg/policy"
	"github.com/custodes-labs/custodes/pkg/registry"
)

// Config holds everything the daemon needs to start.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisAddr   string
	ProfilesDir string
	Region      string

	RateLimitRPS   int
	RateLimitBurst int

	Passport passport.Config
	Policy   policy.Config
	Ledger   ledger.Config
	Registry registry.Config
	Detector detector.Config
}

// Load reads configuration from environment variables, falling back to
// production defaults for anything unset.
func Load() *Config {
	cfg := &Config{
		Port:        envStr("PORT", "8080"),
		LogLevel:    envStr("LOG_LEVEL", "INFO"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		ProfilesDir: envStr("PROFILES_DIR", "profiles"),
		Region:      envStr("REGION", "us-east"),

		RateLimitRPS:   envInt("RATE_LIMIT_RPS", 50),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 100),

		Passport: passport.DefaultConfig(),
		Policy:   policy.DefaultConfig(),
		Ledger:   ledger.DefaultConfig(),
		Registry: registry.DefaultConfig(),
		Detector: detector.DefaultConfig(),
	}

	cfg.Passport.PassportTTL = envSeconds("PASSPORT_TTL_SECONDS", cfg.Passport.PassportTTL)
	cfg.Passport.Issuer = envStr("PASSPORT_ISSUER", cfg.Passport.Issuer)
	cfg.Passport.Audience = envStr("PASSPORT_AUDIENCE", cfg.Passport.Audience)

	cfg.Policy.InstanceID = envStr("POLICY_INSTANCE_ID", cfg.Policy.InstanceID)
	cfg.Policy.CacheTTL = envSeconds("POLICY_CACHE_TTL_SECONDS", cfg.Policy.CacheTTL)

	cfg.Ledger.InstanceID = envStr("LEDGER_INSTANCE_ID", cfg.Ledger.InstanceID)
	cfg.Ledger.BlockSize = envInt("LEDGER_BLOCK_SIZE", cfg.Ledger.BlockSize)
	cfg.Ledger.RetentionDays = envInt("LEDGER_RETENTION_DAYS", cfg.Ledger.RetentionDays)

	cfg.Registry.HeartbeatTimeout = envSeconds("REGISTRY_HEARTBEAT_TIMEOUT_SECONDS", cfg.Registry.HeartbeatTimeout)
	cfg.Registry.ReservationTTL = envSeconds("REGISTRY_RESERVATION_TTL_SECONDS", cfg.Registry.ReservationTTL)
	cfg.Registry.MaxDiscoveryResults = envInt("REGISTRY_MAX_DISCOVERY_RESULTS", cfg.Registry.MaxDiscoveryResults)
	if s := os.Getenv("REGISTRY_DEFAULT_STRATEGY"); s != "" {
		cfg.Registry.DefaultStrategy = registry.RoutingStrategy(s)
	}

	cfg.Detector.SignalEvalInterval = envSeconds("DETECTOR_SIGNAL_EVAL_SECONDS", cfg.Detector.SignalEvalInterval)
	cfg.Detector.RiskWindow = envSeconds("DETECTOR_RISK_WINDOW_SECONDS", cfg.Detector.RiskWindow)
	cfg.Detector.RuleCacheTTL = envSeconds("DETECTOR_RULE_CACHE_TTL_SECONDS", cfg.Detector.RuleCacheTTL)
	cfg.Detector.PowerGracePct = envFloat("DETECTOR_POWER_GRACE_PCT", cfg.Detector.PowerGracePct)
	cfg.Detector.NetworkBaselineBps = envFloat("DETECTOR_NETWORK_BASELINE_BPS", cfg.Detector.NetworkBaselineBps)
	cfg.Detector.CryptoPoolDomains = envList("DETECTOR_CRYPTO_POOL_DOMAINS")
	cfg.Detector.TorExitIPs = envList("DETECTOR_TOR_EXIT_IPS")
	cfg.Detector.EnableEmergencyHalt = os.Getenv("DETECTOR_ENABLE_EMERGENCY_HALT") == "true"

	return cfg
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envSeconds(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
