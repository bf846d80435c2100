// Package config resolves runtime settings from the environment.
//
// Every key has a default so that a bare `executor` binary starts against a
// local sqlite file and the paper gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the resolved configuration shared by the executor, the
// publisher and the simulation.
type Config struct {
	Env   string
	Debug bool
	Port  string

	DBDriver string
	DBDSN    string

	AccountID string

	ExecutionRatio   decimal.Decimal
	LotSize          int64
	MinLots          int64
	MaxPendingOrders int
	PriceType        string

	PollInterval    time.Duration
	ErrorBackoff    time.Duration
	MaxErrorBackoff time.Duration
	PhasePause      time.Duration
	ClaimTimeout    time.Duration

	RetentionDays int
	TradingStart  time.Duration // offset from local midnight
	TradingEnd    time.Duration
	Location      *time.Location

	Gateway    string
	GatewayURL string
	GatewayRPS float64

	RedisAddr     string
	RedisPassword string
	LeaseTTL      time.Duration

	JWTSecret      string
	OperatorKey    string
	OperatorSecret string
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	loc, err := time.LoadLocation(getEnv("TIMEZONE", "Asia/Shanghai"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	ratio, err := decimal.NewFromString(getEnv("EXECUTION_RATIO", "1"))
	if err != nil {
		return nil, fmt.Errorf("invalid EXECUTION_RATIO: %w", err)
	}

	start, err := ParseClock(getEnv("TRADING_START", "09:29"))
	if err != nil {
		return nil, fmt.Errorf("invalid TRADING_START: %w", err)
	}
	end, err := ParseClock(getEnv("TRADING_END", "15:30"))
	if err != nil {
		return nil, fmt.Errorf("invalid TRADING_END: %w", err)
	}

	cfg := &Config{
		Env:   getEnv("ENV", "development"),
		Debug: getEnvBool("DEBUG", false),
		Port:  getEnv("PORT", "8080"),

		DBDriver: strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBDSN:    getEnv("DB_DSN", "ordersync.db"),

		AccountID: getEnv("ACCOUNT_ID", "paper"),

		ExecutionRatio:   ratio,
		LotSize:          int64(getEnvInt("LOT_SIZE", 100)),
		MinLots:          int64(getEnvInt("MIN_LOTS", 1)),
		MaxPendingOrders: getEnvInt("MAX_PENDING_ORDERS", 10),
		PriceType:        strings.ToUpper(getEnv("PRICE_TYPE", "MARKET")),

		PollInterval:    getEnvDuration("POLL_INTERVAL", 2*time.Second),
		ErrorBackoff:    getEnvDuration("ERROR_BACKOFF", 10*time.Second),
		MaxErrorBackoff: getEnvDuration("MAX_ERROR_BACKOFF", 2*time.Minute),
		PhasePause:      getEnvDuration("PHASE_PAUSE", 3*time.Second),
		ClaimTimeout:    getEnvDuration("CLAIM_TIMEOUT", 0),

		RetentionDays: getEnvInt("RETENTION_DAYS", 30),
		TradingStart:  start,
		TradingEnd:    end,
		Location:      loc,

		Gateway:    strings.ToLower(getEnv("GATEWAY", "paper")),
		GatewayURL: getEnv("GATEWAY_URL", "http://127.0.0.1:8787"),
		GatewayRPS: getEnvFloat("GATEWAY_RPS", 5),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		LeaseTTL:      getEnvDuration("LEASE_TTL", 30*time.Second),

		JWTSecret:      getEnv("JWT_SECRET", defaultJWTSecret),
		OperatorKey:    getEnv("OPERATOR_KEY", ""),
		OperatorSecret: getEnv("OPERATOR_SECRET", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the policy engine and scheduler rely on.
func (c *Config) Validate() error {
	var errs []error
	if !c.ExecutionRatio.IsPositive() || c.ExecutionRatio.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("EXECUTION_RATIO must be in (0, 1], got %s", c.ExecutionRatio))
	}
	if c.LotSize < 1 {
		errs = append(errs, fmt.Errorf("LOT_SIZE must be >= 1, got %d", c.LotSize))
	}
	if c.MinLots < 1 {
		errs = append(errs, fmt.Errorf("MIN_LOTS must be >= 1, got %d", c.MinLots))
	}
	if c.MaxPendingOrders < 1 {
		errs = append(errs, fmt.Errorf("MAX_PENDING_ORDERS must be >= 1, got %d", c.MaxPendingOrders))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	if c.RetentionDays < 1 {
		errs = append(errs, fmt.Errorf("RETENTION_DAYS must be >= 1, got %d", c.RetentionDays))
	}
	if c.TradingEnd <= c.TradingStart {
		errs = append(errs, errors.New("TRADING_END must be after TRADING_START"))
	}
	if c.Env == "production" && (c.JWTSecret == "" || c.JWTSecret == defaultJWTSecret) {
		errs = append(errs, errors.New("JWT_SECRET must be set in production"))
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver))
	}
	switch c.PriceType {
	case "MARKET", "LIMIT":
	default:
		errs = append(errs, fmt.Errorf("unsupported PRICE_TYPE %q", c.PriceType))
	}
	return errors.Join(errs...)
}

// Retention returns the retention horizon as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ParseClock parses an "HH:MM" or "HH:MM:SS" time of day into an offset
// from midnight.
func ParseClock(s string) (time.Duration, error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		t, err := time.Parse(layout, strings.TrimSpace(s))
		if err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("expected HH:MM[:SS], got %q", s)
}

// defaultJWTSecret is only acceptable outside production
const defaultJWTSecret = "ordersync-secret-key"

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
