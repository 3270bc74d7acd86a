package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cedarline/identity-core/internal/core/port"
	"github.com/cedarline/identity-core/internal/infra/config"
	kafkainfra "github.com/cedarline/identity-core/internal/infra/kafka"
	"github.com/cedarline/identity-core/internal/infra/logger"
	"github.com/cedarline/identity-core/internal/infra/metrics"
	redisinfra "github.com/cedarline/identity-core/internal/infra/redis"
	"github.com/cedarline/identity-core/internal/infra/security"
	postgresrepo "github.com/cedarline/identity-core/internal/repository/postgres"
	redisrepo "github.com/cedarline/identity-core/internal/repository/redis"
	"github.com/cedarline/identity-core/internal/usecase"
)

// Application owns the wired service graph and the supporting infrastructure.
// The authentication services are exposed as fields so an embedding transport
// layer (or tests) can drive them directly.
type Application struct {
	cfg    *config.AppConfig
	logger *zap.Logger

	pool     *pgxpool.Pool
	redis    *redisinfra.Client
	producer *kafkainfra.Producer

	jwtManager *security.JWTManager

	Auth       *usecase.AuthService
	Refresh    *usecase.RefreshTokenService
	Mfa        *usecase.MfaService
	SingleUse  *usecase.SingleUseTokenService
	Credential *usecase.CredentialService
}

// New wires the full dependency graph from configuration.
func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	store, err := postgresrepo.NewStore(ctx, postgresDSN(cfg.Postgres))
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	pool := store.Pool()

	redisClient, err := redisinfra.NewClient(cfg.Redis, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init redis: %w", err)
	}

	keyProvider, err := security.NewFileKeyProvider(cfg.JWT.KeyDirectory)
	if err != nil {
		store.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("init key provider: %w", err)
	}
	jwtManager := security.NewJWTManager(keyProvider)

	hasher, err := security.NewArgon2Hasher(security.Argon2Config{
		Memory:      cfg.Argon2.Memory,
		Iterations:  cfg.Argon2.Iterations,
		Parallelism: cfg.Argon2.Parallelism,
		SaltLength:  cfg.Argon2.SaltLength,
		KeyLength:   cfg.Argon2.KeyLength,
	})
	if err != nil {
		store.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("init password hasher: %w", err)
	}

	authMetrics, err := metrics.NewAuthMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		store.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	var (
		eventPublisher port.EventPublisher
		producer       *kafkainfra.Producer
	)
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err = kafkainfra.NewProducer(cfg.Kafka, log)
		if err != nil {
			log.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
			eventPublisher = kafkainfra.NewStubPublisher(log)
		} else {
			eventPublisher = kafkainfra.NewEventPublisher(producer, cfg.App, log)
		}
	} else {
		log.Info("kafka brokers not configured, using stub publisher")
		eventPublisher = kafkainfra.NewStubPublisher(log)
	}

	users := postgresrepo.NewUserRepository(pool)
	credentials := postgresrepo.NewCredentialRepository(pool)
	refreshTokens := postgresrepo.NewRefreshTokenRepository(pool)
	singleUseTokens := postgresrepo.NewSingleUseTokenRepository(pool)

	challenges := redisrepo.NewMfaChallengeRepository(redisClient.Client(), "identity:mfa")

	rateLimitWindow := cfg.RateLimit.WindowDuration
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Hour
	}
	rateLimitStore := redisrepo.NewRateLimitRepository(redisClient.Client(), "identity:rate-limit", rateLimitWindow*2)

	credentialService := usecase.NewCredentialService(credentials, hasher, security.DefaultPasswordValidator(), log)
	refreshService := usecase.NewRefreshTokenService(cfg, refreshTokens, eventPublisher, authMetrics, log)
	singleUseService := usecase.NewSingleUseTokenService(cfg, singleUseTokens, log)
	mfaService := usecase.NewMfaService(cfg, challenges, eventPublisher, authMetrics, log)
	authService := usecase.NewAuthService(cfg, users, credentialService, refreshService, singleUseService, mfaService, store, rateLimitStore, jwtManager, eventPublisher, authMetrics, log)

	return &Application{
		cfg:        cfg,
		logger:     log,
		pool:       pool,
		redis:      redisClient,
		producer:   producer,
		jwtManager: jwtManager,
		Auth:       authService,
		Refresh:    refreshService,
		Mfa:        mfaService,
		SingleUse:  singleUseService,
		Credential: credentialService,
	}, nil
}

// Run serves the telemetry endpoints (metrics, health, JWKS) until the
// context is cancelled, then shuts everything down in order.
func (a *Application) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, _ *http.Request) {
		payload, err := a.jwtManager.JWKS()
		if err != nil {
			http.Error(w, "jwks unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Telemetry.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("telemetry server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.shutdown()
		return fmt.Errorf("telemetry server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("telemetry server shutdown", zap.Error(err))
	}

	a.shutdown()
	return nil
}

func (a *Application) shutdown() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("close kafka producer", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	_ = a.logger.Sync()
}

func postgresDSN(cfg config.PostgresSettings) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)
}
