package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	App       AppSettings       `mapstructure:"app"`
	Postgres  PostgresSettings  `mapstructure:"postgres"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Kafka     KafkaSettings     `mapstructure:"kafka"`
	JWT       JWTSettings       `mapstructure:"jwt"`
	Refresh   RefreshSettings   `mapstructure:"refresh"`
	MFA       MFASettings       `mapstructure:"mfa"`
	Tokens    TokenSettings     `mapstructure:"tokens"`
	Lockout   LockoutSettings   `mapstructure:"lockout"`
	RateLimit RateLimitSettings `mapstructure:"rate_limit"`
	Argon2    Argon2Settings    `mapstructure:"argon2"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`
}

type AppSettings struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

type PostgresSettings struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type RedisSettings struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

type KafkaSettings struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	Async       bool     `mapstructure:"async"`
}

type JWTSettings struct {
	KeyDirectory   string        `mapstructure:"key_directory"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

// RefreshSettings governs refresh token lifetimes and the per-user session cap.
type RefreshSettings struct {
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	RememberMeTTL    time.Duration `mapstructure:"remember_me_ttl"`
	MaxSessions      int           `mapstructure:"max_sessions"`
	SecretByteLength int           `mapstructure:"secret_byte_length"`
}

// MFASettings governs challenge codes.
type MFASettings struct {
	CodeLength     int           `mapstructure:"code_length"`
	ChallengeTTL   time.Duration `mapstructure:"challenge_ttl"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	ResendCooldown time.Duration `mapstructure:"resend_cooldown"`
}

// TokenSettings governs single-use token lifetimes per purpose.
type TokenSettings struct {
	PasswordResetTTL     time.Duration `mapstructure:"password_reset_ttl"`
	EmailVerificationTTL time.Duration `mapstructure:"email_verification_ttl"`
	RegistrationTTL      time.Duration `mapstructure:"registration_ttl"`
}

// LockoutSettings governs failed-login lockout.
type LockoutSettings struct {
	Threshold int           `mapstructure:"threshold"`
	Duration  time.Duration `mapstructure:"duration"`
}

type RateLimitSettings struct {
	WindowDuration           time.Duration `mapstructure:"window_duration"`
	PasswordResetMaxAttempts int           `mapstructure:"password_reset_max_attempts"`
}

type Argon2Settings struct {
	Memory      uint32 `mapstructure:"memory"`
	Iterations  uint32 `mapstructure:"iterations"`
	Parallelism uint8  `mapstructure:"parallelism"`
	SaltLength  uint32 `mapstructure:"salt_length"`
	KeyLength   uint32 `mapstructure:"key_length"`
}

type TelemetrySettings struct {
	MetricsPort int `mapstructure:"metrics_port"`
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("IDENTITY")

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"postgres.host",
		"postgres.port",
		"postgres.user",
		"postgres.password",
		"postgres.database",
		"postgres.ssl_mode",
		"postgres.max_conns",
		"postgres.min_conns",
		"postgres.max_conn_lifetime",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"kafka.brokers",
		"kafka.topic_prefix",
		"kafka.async",
		"jwt.key_directory",
		"jwt.access_token_ttl",
		"refresh.token_ttl",
		"refresh.remember_me_ttl",
		"refresh.max_sessions",
		"refresh.secret_byte_length",
		"mfa.code_length",
		"mfa.challenge_ttl",
		"mfa.max_attempts",
		"mfa.resend_cooldown",
		"tokens.password_reset_ttl",
		"tokens.email_verification_ttl",
		"tokens.registration_ttl",
		"lockout.threshold",
		"lockout.duration",
		"rate_limit.window_duration",
		"rate_limit.password_reset_max_attempts",
		"argon2.memory",
		"argon2.iterations",
		"argon2.parallelism",
		"argon2.salt_length",
		"argon2.key_length",
		"telemetry.metrics_port",
	}); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "identity-core")
	v.SetDefault("app.env", "development")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "identity")
	v.SetDefault("postgres.password", "identity_password")
	v.SetDefault("postgres.database", "identity")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_prefix", "identity")
	v.SetDefault("kafka.async", true)

	v.SetDefault("jwt.key_directory", "./secrets")
	v.SetDefault("jwt.access_token_ttl", "15m")

	v.SetDefault("refresh.token_ttl", "24h")
	v.SetDefault("refresh.remember_me_ttl", "720h")
	v.SetDefault("refresh.max_sessions", 5)
	v.SetDefault("refresh.secret_byte_length", 32)

	v.SetDefault("mfa.code_length", 6)
	v.SetDefault("mfa.challenge_ttl", "5m")
	v.SetDefault("mfa.max_attempts", 5)
	v.SetDefault("mfa.resend_cooldown", "60s")

	v.SetDefault("tokens.password_reset_ttl", "1h")
	v.SetDefault("tokens.email_verification_ttl", "24h")
	v.SetDefault("tokens.registration_ttl", "24h")

	v.SetDefault("lockout.threshold", 5)
	v.SetDefault("lockout.duration", "15m")

	v.SetDefault("rate_limit.window_duration", "1h")
	v.SetDefault("rate_limit.password_reset_max_attempts", 3)

	v.SetDefault("argon2.memory", 65536)
	v.SetDefault("argon2.iterations", 3)
	v.SetDefault("argon2.parallelism", 4)
	v.SetDefault("argon2.salt_length", 16)
	v.SetDefault("argon2.key_length", 32)

	v.SetDefault("telemetry.metrics_port", 9090)
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, "IDENTITY_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
