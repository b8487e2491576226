// Package config loads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port string

	DBDriver    string // mongo, postgres, mysql, sqlite or memory
	MongoURI    string
	MongoDB     string
	DatabaseURL string
	RedisAddr   string

	JWTSecret string

	Mpesa MpesaConfig

	PremiumAmount     int64
	AccountRefPrefix  string
	CountryCode       string
	CallbackAckPolicy string // always or strict
	SweepInterval     time.Duration
	PendingExpiry     time.Duration

	LogLevel  string
	LogFormat string
}

type MpesaConfig struct {
	ConsumerKey     string
	ConsumerSecret  string
	Shortcode       string
	Passkey         string
	CallbackURL     string
	Environment     string // sandbox or production
	Timeout         time.Duration
	TransactionDesc string
}

const (
	AckAlways = "always"
	AckStrict = "strict"
)

// Load reads .env (if present) and then the process environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Error loading env file", "file", envFile, "error", err)
		}
	}
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_DRIVER", "mongo")
	v.SetDefault("MONGO_DB", "kitabudb")
	v.SetDefault("MPESA_ENVIRONMENT", "sandbox")
	v.SetDefault("MPESA_TIMEOUT", "30s")
	v.SetDefault("TRANSACTION_DESC", "Kitabu Premium Upgrade")
	v.SetDefault("PREMIUM_AMOUNT", 87)
	v.SetDefault("ACCOUNT_REF_PREFIX", "Kitabu")
	v.SetDefault("COUNTRY_CODE", "254")
	v.SetDefault("CALLBACK_ACK_POLICY", AckAlways)
	v.SetDefault("SWEEP_INTERVAL", "5m")
	v.SetDefault("PENDING_EXPIRY", "24h")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	return v
}

// FromViper builds and validates a Config from v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:        v.GetString("PORT"),
		DBDriver:    strings.ToLower(v.GetString("DB_DRIVER")),
		MongoURI:    v.GetString("MONGOURI"),
		MongoDB:     v.GetString("MONGO_DB"),
		DatabaseURL: v.GetString("DATABASE_URL"),
		RedisAddr:   v.GetString("REDIS_ADDR"),
		JWTSecret:   v.GetString("JWT_SECRET"),
		Mpesa: MpesaConfig{
			ConsumerKey:     v.GetString("MPESA_CONSUMER_KEY"),
			ConsumerSecret:  v.GetString("MPESA_CONSUMER_SECRET"),
			Shortcode:       v.GetString("MPESA_SHORTCODE"),
			Passkey:         v.GetString("MPESA_PASSKEY"),
			CallbackURL:     v.GetString("MPESA_CALLBACK_URL"),
			Environment:     strings.ToLower(v.GetString("MPESA_ENVIRONMENT")),
			Timeout:         v.GetDuration("MPESA_TIMEOUT"),
			TransactionDesc: v.GetString("TRANSACTION_DESC"),
		},
		PremiumAmount:     v.GetInt64("PREMIUM_AMOUNT"),
		AccountRefPrefix:  v.GetString("ACCOUNT_REF_PREFIX"),
		CountryCode:       v.GetString("COUNTRY_CODE"),
		CallbackAckPolicy: strings.ToLower(v.GetString("CALLBACK_ACK_POLICY")),
		SweepInterval:     v.GetDuration("SWEEP_INTERVAL"),
		PendingExpiry:     v.GetDuration("PENDING_EXPIRY"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogFormat:         v.GetString("LOG_FORMAT"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.DBDriver {
	case "mongo":
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGOURI environment variable not set"))
		}
	case "postgres", "mysql", "sqlite":
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for DB_DRIVER=%s", c.DBDriver))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver))
	}

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is not set in the environment"))
	}
	if c.Mpesa.Environment != "sandbox" && c.Mpesa.Environment != "production" {
		errs = append(errs, fmt.Errorf("MPESA_ENVIRONMENT must be sandbox or production, got %q", c.Mpesa.Environment))
	}
	if c.Mpesa.Timeout <= 0 || c.Mpesa.Timeout > 30*time.Second {
		errs = append(errs, fmt.Errorf("MPESA_TIMEOUT must be in (0s, 30s], got %s", c.Mpesa.Timeout))
	}
	if c.PremiumAmount <= 0 {
		errs = append(errs, errors.New("PREMIUM_AMOUNT must be positive"))
	}
	if c.CallbackAckPolicy != AckAlways && c.CallbackAckPolicy != AckStrict {
		errs = append(errs, fmt.Errorf("CALLBACK_ACK_POLICY must be %s or %s", AckAlways, AckStrict))
	}
	return errors.Join(errs...)
}

// MissingMpesaSettings lists gateway settings that are empty. The server
// still starts without them, but initiation will fail.
func (c *Config) MissingMpesaSettings() []string {
	var missing []string
	for name, val := range map[string]string{
		"MPESA_CONSUMER_KEY":    c.Mpesa.ConsumerKey,
		"MPESA_CONSUMER_SECRET": c.Mpesa.ConsumerSecret,
		"MPESA_SHORTCODE":       c.Mpesa.Shortcode,
		"MPESA_PASSKEY":         c.Mpesa.Passkey,
		"MPESA_CALLBACK_URL":    c.Mpesa.CallbackURL,
	} {
		if val == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
