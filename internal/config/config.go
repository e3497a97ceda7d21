package config

import (
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	DynamoDB DynamoDBConfig
	Redis    RedisConfig
	Storage  StorageConfig
	JWT      JWTConfig
	Cookie   CookieConfig
	CORS     CORSConfig
	Account  AccountConfig
}

type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// TrustedProxies are the peers whose X-Forwarded-For and X-Real-IP headers are believed.
	TrustedProxies []netip.Prefix
}

type LogConfig struct {
	Level logrus.Level
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
}

// StorageConfig selects the backend bound to each store at startup.
type StorageConfig struct {
	AccountBackend string
	LedgerBackend  string
	SweepInterval  time.Duration
}

type JWTConfig struct {
	SecretKey     string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

type CookieConfig struct {
	Name     string
	Path     string
	Secure   bool
	SameSite http.SameSite
}

type CORSConfig struct {
	AllowedOrigins []string
}

type AccountConfig struct {
	VerifyTokenExpiry time.Duration
	ResetTokenExpiry  time.Duration
	BcryptCost        int
	MailFrom          string
}

func Load() (*Config, error) {
	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	sameSite, err := parseSameSite(getEnv("COOKIE_SAMESITE", "strict"))
	if err != nil {
		return nil, err
	}

	trustedProxies, err := parseTrustedProxies(getEnvAsList("TRUSTED_PROXIES", nil))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			TrustedProxies: trustedProxies,
		},
		Log: LogConfig{
			Level: level,
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  getEnv("DYNAMODB_ENDPOINT", ""),
			Region:    getEnv("DYNAMODB_REGION", "us-east-1"),
			TableName: getEnv("DYNAMODB_TABLE_NAME", "AccountsTable"),
		},
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			AccountBackend: strings.ToLower(getEnv("ACCOUNT_BACKEND", BackendDynamoDB)),
			LedgerBackend:  strings.ToLower(getEnv("LEDGER_BACKEND", BackendDynamoDB)),
			SweepInterval:  getEnvAsDuration("LEDGER_SWEEP_INTERVAL", time.Hour),
		},
		JWT: JWTConfig{
			SecretKey:     getEnv("JWT_SECRET_KEY", ""),
			AccessExpiry:  getEnvAsDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			RefreshExpiry: getEnvAsDuration("JWT_REFRESH_EXPIRY", 7*24*time.Hour),
		},
		Cookie: CookieConfig{
			Name:     getEnv("COOKIE_NAME", "refreshToken"),
			Path:     getEnv("COOKIE_PATH", "/accounts"),
			Secure:   getEnvAsBool("COOKIE_SECURE", true),
			SameSite: sameSite,
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:4200"}),
		},
		Account: AccountConfig{
			VerifyTokenExpiry: getEnvAsDuration("VERIFY_TOKEN_EXPIRY", 72*time.Hour),
			ResetTokenExpiry:  getEnvAsDuration("RESET_TOKEN_EXPIRY", 24*time.Hour),
			BcryptCost:        getEnvAsInt("BCRYPT_COST", 10),
			MailFrom:          getEnv("MAIL_FROM", "no-reply@localhost"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.SecretKey == "" {
		return fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}

	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 bytes (256 bits)")
	}

	if c.JWT.AccessExpiry <= 0 || c.JWT.RefreshExpiry <= 0 {
		return fmt.Errorf("token expiries must be positive")
	}

	if c.JWT.AccessExpiry >= c.JWT.RefreshExpiry {
		return fmt.Errorf("JWT_ACCESS_EXPIRY must be shorter than JWT_REFRESH_EXPIRY")
	}

	switch c.Storage.AccountBackend {
	case BackendDynamoDB, BackendMemory:
	default:
		return fmt.Errorf("unsupported ACCOUNT_BACKEND %q", c.Storage.AccountBackend)
	}

	switch c.Storage.LedgerBackend {
	case BackendDynamoDB, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("unsupported LEDGER_BACKEND %q", c.Storage.LedgerBackend)
	}

	if c.Account.BcryptCost < bcrypt.MinCost || c.Account.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("BCRYPT_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	// Browsers drop SameSite=None cookies that are not Secure.
	if c.Cookie.SameSite == http.SameSiteNoneMode && !c.Cookie.Secure {
		return fmt.Errorf("COOKIE_SAMESITE=none requires COOKIE_SECURE=true")
	}

	return nil
}

// parseTrustedProxies accepts single addresses and CIDR ranges.
func parseTrustedProxies(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, value := range values {
		if strings.Contains(value, "/") {
			prefix, err := netip.ParsePrefix(value)
			if err != nil {
				return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", value, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}

		addr, err := netip.ParseAddr(value)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", value, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func parseSameSite(value string) (http.SameSite, error) {
	switch strings.ToLower(value) {
	case "strict":
		return http.SameSiteStrictMode, nil
	case "lax":
		return http.SameSiteLaxMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("invalid COOKIE_SAMESITE %q", value)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
