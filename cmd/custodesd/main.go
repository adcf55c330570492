// Command custodesd runs the Custodes trust plane: passport issuance,
// policy evaluation, the audit ledger, the GPU registry, and the runtime
// threat detector behind one HTTP boundary.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/custodes-labs/custodes/pkg/api"
	"github.com/custodes-labs/custodes/pkg/config"
	"github.com/custodes-labs/custodes/pkg/detector"
	"github.com/custodes-labs/custodes/pkg/evidence"
	"github.com/custodes-labs/custodes/pkg/ledger"
	"github.com/custodes-labs/custodes/pkg/observability"
	"github.com/custodes-labs/custodes/pkg/passport"
	"github.com/custodes-labs/custodes/pkg/policy"
	"github.com/custodes-labs/custodes/pkg/registry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("custodesd exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if code := os.Getenv("REGION_PROFILE"); code != "" {
		profile, err := config.LoadProfile(cfg.ProfilesDir, code)
		if err != nil {
			return err
		}
		profile.Apply(cfg)
		logger.Info("region profile applied", "code", profile.Code, "residency", profile.DataResidency)
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "custodesd",
		Environment:  envOr("ENVIRONMENT", "development"),
		OTLPEndpoint: envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      os.Getenv("OBSERVABILITY_DISABLED") != "true",
		Insecure:     os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	})
	if err != nil {
		return err
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	// Obsidian first: every other pillar writes through it.
	ledgerStore, db, err := openLedgerStore(cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	signer, err := loadLedgerSigner(logger)
	if err != nil {
		return err
	}
	led, err := ledger.New(ctx, ledgerStore, signer, cfg.Ledger, logger)
	if err != nil {
		return err
	}

	var redisClient redis.UniversalClient
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	keys, err := loadPassportKeys(logger)
	if err != nil {
		return err
	}
	var revocations passport.RevocationStore
	if redisClient != nil {
		revocations = passport.NewRedisRevocationStore(redisClient)
	} else {
		revocations = passport.NewMemoryRevocationStore()
	}
	pass := passport.New(passport.NewMemoryStore(), revocations, keys, led, cfg.Passport, logger)

	var limiter policy.Limiter
	if redisClient != nil {
		limiter = policy.NewRedisLimiter(redisClient)
	} else {
		limiter = policy.NewLocalLimiter()
	}
	pol := policy.New(policy.NewMemoryPolicyStore(), limiter, led, cfg.Policy, logger)

	reg := registry.New(registry.NewMemoryStore(), registry.NewTopology(), led, cfg.Registry, logger)
	go registry.NewWatchdog(reg, 0).Run(ctx)

	evidenceStore, err := evidence.NewStoreFromEnv(ctx)
	if err != nil {
		return err
	}
	exporter := evidence.NewExporter(led, evidenceStore, logger)

	responder := detector.NewResponder(
		&jobKiller{registry: reg},
		reg,
		&subjectBanner{passport: pass},
		exporter,
		&logNotifier{logger: logger},
		led,
		logger,
	)
	det := detector.New(detector.NewMemoryRuleStore(), detector.NewMemoryIncidentStore(),
		responder, cfg.Detector, logger)
	if err := det.SeedDefaultRules(ctx); err != nil {
		return err
	}

	// The Postgres idempotency table uses NOW() and BYTEA; only wire it
	// when the ledger is actually on Postgres.
	var idem api.IdempotencyStorer
	if db != nil && cfg.DatabaseURL != "" {
		idem = api.NewPostgresIdempotencyStore(db, api.DefaultIdempotencyTTL)
	} else {
		idem = api.NewIdempotencyStore(api.DefaultIdempotencyTTL)
	}
	srv := api.NewServer(pass, pol, led, reg, det)
	srv.Jobs = reg
	handler := obs.Middleware(srv.Routes(
		api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), idem))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("custodesd listening", "port", cfg.Port, "region", cfg.Region)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "err", err)
	}
	if err := led.SealBlock(shutdownCtx); err != nil {
		logger.Error("final block seal failed", "err", err)
	}
	return nil
}

func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// openLedgerStore picks Postgres when DATABASE_URL is set, SQLite when
// SQLITE_PATH is set, memory otherwise. The returned *sql.DB is nil for
// the memory store.
func openLedgerStore(cfg *config.Config, logger *slog.Logger) (ledger.Store, *sql.DB, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return ledger.NewSQLStore(db, "postgres"), db, nil
	}
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, nil, err
		}
		return ledger.NewSQLStore(db, "sqlite"), db, nil
	}
	logger.Warn("no DATABASE_URL or SQLITE_PATH set, ledger is in-memory")
	return ledger.NewMemoryStore(), nil, nil
}

func loadLedgerSigner(logger *slog.Logger) (ledger.Signer, error) {
	if path := os.Getenv("LEDGER_SIGNING_KEY_FILE"); path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return ledger.NewRSASignerFromPEM(pem, envOr("LEDGER_KEY_ID", "obsidian-key-1"))
	}
	if secret := os.Getenv("LEDGER_HMAC_SECRET"); secret != "" {
		return ledger.NewHMACSigner([]byte(secret), envOr("LEDGER_KEY_ID", "obsidian-key-1")), nil
	}
	logger.Warn("no ledger signing key configured, generating an ephemeral RSA key")
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return ledger.NewRSASigner(key, "ephemeral"), nil
}

func loadPassportKeys(logger *slog.Logger) (passport.KeySet, error) {
	if path := os.Getenv("PASSPORT_SIGNING_KEY_FILE"); path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return passport.NewRSAKeySetFromPEM(pem, envOr("PASSPORT_KEY_ID", "dextera-key-1"))
	}
	if secret := os.Getenv("PASSPORT_HMAC_SECRET"); secret != "" {
		return passport.NewHMACKeySet([]byte(secret), envOr("PASSPORT_KEY_ID", "dextera-key-1")), nil
	}
	logger.Warn("no passport signing key configured, generating an ephemeral RSA key")
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return passport.NewRSAKeySet(key, "ephemeral"), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
