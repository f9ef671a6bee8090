package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Auth      AuthConfig
	TwoFactor TwoFactorConfig
	Sso       SsoConfig
	Mail      MailConfig
	Push      PushConfig
	Emergency EmergencyConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	PublicURL      string // externally reachable base URL, used for WebAuthn RP ID and SSO redirects
	TrustedProxies []string
}

type AuthConfig struct {
	JWTSecret          string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	AuthRequestTTL     time.Duration
	SweepInterval      time.Duration
	// Minimum acceptable client KDF cost. Verification below the floor
	// still succeeds but schedules a rehash.
	MinKdfIterations int
	// Equalizes response timing on the login path
	TimingDelayBaseMs    int
	TimingDelayRandomMs  int
	TimingDelayOnSuccess bool
}

type TwoFactorConfig struct {
	PendingLoginTTL  time.Duration
	RememberDuration time.Duration
	MaxAttempts      int
	AttemptWindow    time.Duration
	Issuer           string // TOTP issuer shown in authenticator apps
	DuoHost          string
	DuoIKey          string
	DuoSKey          string
	YubicoClientID   string
}

type SsoConfig struct {
	Enabled      bool
	IssuerURL    string
	ClientID     string
	ClientSecret string
	StateTTL     time.Duration
	Scopes       []string
}

type MailConfig struct {
	AWSRegion   string
	FromAddress string
}

type PushConfig struct {
	RelayURI string
	RelayKey string
}

type EmergencyConfig struct {
	ReminderInterval time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "vaultgate"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:      getEnv("PORT", "8080"),
			Env:       env,
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			PublicURL:      strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:8080"), "/"),
			TrustedProxies: parseList(getEnv("TRUSTED_PROXIES", "")),
		},
		Auth: AuthConfig{
			JWTSecret:            jwtSecret,
			AccessTokenExpiry:    getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 2*time.Hour),
			RefreshTokenExpiry:   getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 30*24*time.Hour),
			AuthRequestTTL:       getEnvAsDuration("AUTH_REQUEST_TTL", 15*time.Minute),
			SweepInterval:        getEnvAsDuration("SWEEP_INTERVAL", 5*time.Minute),
			MinKdfIterations:     getEnvAsInt("MIN_KDF_ITERATIONS", 600000),
			TimingDelayBaseMs:    getEnvAsInt("TIMING_DELAY_BASE_MS", 100),
			TimingDelayRandomMs:  getEnvAsInt("TIMING_DELAY_RANDOM_MS", 100),
			TimingDelayOnSuccess: getEnvAsBool("TIMING_DELAY_ON_SUCCESS", true),
		},
		TwoFactor: TwoFactorConfig{
			PendingLoginTTL:  getEnvAsDuration("TWO_FACTOR_LOGIN_TTL", 15*time.Minute),
			RememberDuration: getEnvAsDuration("TWO_FACTOR_REMEMBER_DURATION", 30*24*time.Hour),
			MaxAttempts:      getEnvAsInt("TWO_FACTOR_MAX_ATTEMPTS", 5),
			AttemptWindow:    getEnvAsDuration("TWO_FACTOR_ATTEMPT_WINDOW", 15*time.Minute),
			Issuer:           getEnv("TOTP_ISSUER", "Vaultgate"),
			DuoHost:          getEnv("DUO_HOST", ""),
			DuoIKey:          getEnv("DUO_IKEY", ""),
			DuoSKey:          getEnv("DUO_SKEY", ""),
			YubicoClientID:   getEnv("YUBICO_CLIENT_ID", ""),
		},
		Sso: SsoConfig{
			Enabled:      getEnvAsBool("SSO_ENABLED", false),
			IssuerURL:    getEnv("SSO_ISSUER_URL", ""),
			ClientID:     getEnv("SSO_CLIENT_ID", ""),
			ClientSecret: getEnv("SSO_CLIENT_SECRET", ""),
			StateTTL:     getEnvAsDuration("SSO_STATE_TTL", 10*time.Minute),
			Scopes:       parseList(getEnv("SSO_SCOPES", "openid,email,profile")),
		},
		Mail: MailConfig{
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("MAIL_FROM_ADDRESS", ""),
		},
		Push: PushConfig{
			RelayURI: getEnv("PUSH_RELAY_URI", ""),
			RelayKey: getEnv("PUSH_RELAY_KEY", ""),
		},
		Emergency: EmergencyConfig{
			ReminderInterval: getEnvAsDuration("EMERGENCY_REMINDER_INTERVAL", 24*time.Hour),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	if cfg.Sso.Enabled {
		if cfg.Sso.IssuerURL == "" || cfg.Sso.ClientID == "" || cfg.Sso.ClientSecret == "" {
			return nil, fmt.Errorf("SSO_ISSUER_URL, SSO_CLIENT_ID and SSO_CLIENT_SECRET are required when SSO is enabled")
		}
	}

	return cfg, nil
}

// validateJWTSecret enforces minimum security standards for the signing secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32 // 256 bits
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}
