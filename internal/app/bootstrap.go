// Package app wires configuration, storage and handlers into one
// http.Handler shared by the long-running server and the serverless entry.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/redis/go-redis/v9"

	"txgate/internal/config"
	"txgate/internal/db"
	"txgate/internal/gateway"
	"txgate/internal/mail"
	"txgate/internal/maintenance"
	"txgate/internal/observability"
	"txgate/internal/recovery"
	"txgate/internal/registry"
	"txgate/internal/session"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
	ApplySeed     bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(ctx context.Context, options Options) (*Runtime, error) {
	logger := observability.NewLogger()

	cfg, err := config.Load(options.LoadDotEnv)
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		return nil, err
	}

	if err := prepareDatabase(ctx, database, cfg, options, logger); err != nil {
		_ = database.Close()
		return nil, err
	}

	rdb, err := openRedis(ctx, cfg.RedisURL)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	sessions := session.NewManager(
		session.NewStore(rdb, cfg.AppName, cfg.SessionTTL),
		session.NewIssuer(cfg.JWTSecret, cfg.SessionTTL),
	)

	mailer, err := newMailSender(cfg, logger)
	if err != nil {
		_ = rdb.Close()
		_ = database.Close()
		return nil, err
	}

	engine := recovery.NewEngine(recovery.NewRepository(database), mailer, sessions, logger, recovery.ConfigFrom(cfg))

	reg := registry.New(registry.NewPostgresLoader(database), engine.Table(), logger)
	reg.Start(context.Background())

	txHandler := gateway.NewHandler(reg, sessions, logger, cfg.PublicProfileID)
	limiter := gateway.NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	cleanupHandler := maintenance.NewCleanupHandler(
		maintenance.NewRepository(database),
		logger,
		cfg.CronSecret,
		cfg.CleanupRetention,
		cfg.CleanupBatchSize,
	)

	mux := http.NewServeMux()
	mux.Handle("POST /tx", limiter.Middleware(http.HandlerFunc(txHandler.ServeTx)))
	mux.HandleFunc("GET /health", gateway.HealthHandler(database, reg))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)

	handler := withCORS(cfg.CORSOrigins, mux)
	handler = observability.RequestLoggingMiddleware(logger, observability.RecoverMiddleware(logger, handler))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			return errors.Join(rdb.Close(), database.Close())
		},
	}, nil
}

func prepareDatabase(ctx context.Context, database *sql.DB, cfg config.Config, options Options, logger *observability.Logger) error {
	if options.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	if !options.ApplySeed || cfg.RegistrySeedFile == "" {
		return nil
	}
	seed, err := registry.LoadSeedFile(cfg.RegistrySeedFile)
	if err != nil {
		return err
	}
	if err := registry.ApplySeed(ctx, database, seed); err != nil {
		return fmt.Errorf("apply registry seed: %w", err)
	}
	logger.Info("registry_seed_applied", map[string]any{"file": cfg.RegistrySeedFile, "objects": len(seed.Objects)})
	return nil
}

func openRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// newMailSender uses SMTP when an address is configured and otherwise only
// logs deliveries.
func newMailSender(cfg config.Config, logger *observability.Logger) (mail.Sender, error) {
	if cfg.SMTPAddr == "" {
		logger.Warn("smtp_not_configured", map[string]any{"environment": cfg.Environment})
		return mail.NewLogSender(logger), nil
	}
	sender, err := mail.NewSMTPSender(cfg.SMTPAddr, cfg.SMTPUsername, cfg.SMTPPassword, cfg.MailFrom)
	if err != nil {
		return nil, fmt.Errorf("init smtp sender: %w", err)
	}
	return sender, nil
}

func withCORS(origins []string, next http.Handler) http.Handler {
	if len(origins) == 0 {
		return next
	}
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		handlers.AllowCredentials(),
	)(next)
}
