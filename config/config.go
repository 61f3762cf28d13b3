package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type RunMode string

const (
	ModeLocal      RunMode = "local"
	ModeProduction RunMode = "production"
)

type Configuration struct {
	Deployment DeploymentConfig `mapstructure:"deployment" validate:"required"`
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Logging    LoggingConfig    `mapstructure:"logging" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database" validate:"required"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler" validate:"required"`
	Email      EmailConfig      `mapstructure:"email"`
	S3         S3Config         `mapstructure:"s3"`
	Stripe     StripeConfig     `mapstructure:"stripe"`
}

type DeploymentConfig struct {
	Mode RunMode `mapstructure:"mode" validate:"required,oneof=local production"`
}

type ServerConfig struct {
	Address    string `mapstructure:"address" validate:"required"`
	PublicURL  string `mapstructure:"public_url" validate:"required,url"`
	AdminToken string `mapstructure:"admin_token"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver" validate:"required,oneof=postgres sqlite"`
	DSN      string `mapstructure:"dsn" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=silent error warn info"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Endpoint    string `mapstructure:"endpoint"`
	APIKey      string `mapstructure:"api_key"`
}

type CreditPack struct {
	Name       string `mapstructure:"name"`
	Credits    int    `mapstructure:"credits" validate:"gt=0"`
	PriceCents int64  `mapstructure:"price_cents" validate:"gt=0"`
}

type LedgerConfig struct {
	SignupFreeCredits int                   `mapstructure:"signup_free_credits" validate:"gte=0"`
	CreditPacks       map[string]CreditPack `mapstructure:"credit_packs" validate:"dive"`
}

type SchedulerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron" validate:"required"`
	Workers int    `mapstructure:"workers" validate:"gte=1"`
	// ReminderOffsets are days relative to an invoice's due date on which a
	// payment reminder goes out. Negative values are before the due date.
	ReminderOffsets []int `mapstructure:"reminder_offsets" validate:"dive,gte=-30,lte=365"`
}

// DefaultReminderOffsets remind three days and one day before the due date,
// on it, and three, seven and fourteen days after.
func DefaultReminderOffsets() []int {
	return []int{-3, -1, 0, 3, 7, 14}
}

type EmailConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BaseURL     string `mapstructure:"base_url" validate:"required_if=Enabled true"`
	APIKey      string `mapstructure:"api_key" validate:"required_if=Enabled true"`
	FromAddress string `mapstructure:"from_address" validate:"required_if=Enabled true"`
	ReplyTo     string `mapstructure:"reply_to"`
	RetryMax    int    `mapstructure:"retry_max" validate:"gte=0"`
}

type S3Config struct {
	Enabled       bool   `mapstructure:"enabled"`
	Endpoint      string `mapstructure:"endpoint"`
	Region        string `mapstructure:"region" validate:"required_if=Enabled true"`
	AccessKey     string `mapstructure:"access_key" validate:"required_if=Enabled true"`
	SecretKey     string `mapstructure:"secret_key" validate:"required_if=Enabled true"`
	Bucket        string `mapstructure:"bucket" validate:"required_if=Enabled true"`
	PublicBaseURL string `mapstructure:"public_base_url" validate:"required_if=Enabled true"`
	UsePathStyle  bool   `mapstructure:"use_path_style"`
	Prefix        string `mapstructure:"prefix"`
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	SuccessURL    string `mapstructure:"success_url"`
	CancelURL     string `mapstructure:"cancel_url"`
}

// NewConfig loads config.yaml (if any), then INVOICEKITS_* environment
// variables, then validates the result. A .env file in the working directory
// is loaded into the environment first.
func NewConfig() (*Configuration, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/invoicekits")

	v.SetEnvPrefix("INVOICEKITS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Ledger.CreditPacks) == 0 {
		cfg.Ledger.CreditPacks = DefaultCreditPacks()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c Configuration) Validate() error {
	return validator.New().Struct(c)
}

func (c Configuration) IsProduction() bool {
	return c.Deployment.Mode == ModeProduction
}

func DefaultCreditPacks() map[string]CreditPack {
	return map[string]CreditPack{
		"pack_10":  {Name: "10 invoice credits", Credits: 10, PriceCents: 900},
		"pack_50":  {Name: "50 invoice credits", Credits: 50, PriceCents: 3900},
		"pack_100": {Name: "100 invoice credits", Credits: 100, PriceCents: 6900},
	}
}

// GetDefaultConfig returns a configuration for local development and tests.
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Deployment: DeploymentConfig{Mode: ModeLocal},
		Server:     ServerConfig{Address: ":8081", PublicURL: "http://localhost:8081"},
		Logging:    LoggingConfig{Level: "debug"},
		Database:   DatabaseConfig{Driver: "sqlite", DSN: "file::memory:", LogLevel: "silent"},
		Ledger:     LedgerConfig{SignupFreeCredits: 5, CreditPacks: DefaultCreditPacks()},
		Scheduler:  SchedulerConfig{Enabled: false, Cron: "0 6 * * *", Workers: 4, ReminderOffsets: DefaultReminderOffsets()},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("deployment.mode", string(ModeLocal))
	v.SetDefault("server.address", ":8081")
	v.SetDefault("server.public_url", "http://localhost:8081")
	v.SetDefault("server.admin_token", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=invoicekits password='' dbname=invoicekits port=5432 sslmode=disable TimeZone=UTC")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "invoicekits")
	v.SetDefault("tracing.endpoint", "http://localhost:8000/v1/traces")
	v.SetDefault("tracing.api_key", "")
	v.SetDefault("ledger.signup_free_credits", 5)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.cron", "0 6 * * *")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.reminder_offsets", DefaultReminderOffsets())
	v.SetDefault("email.enabled", false)
	v.SetDefault("email.base_url", "https://api.resend.com")
	v.SetDefault("email.api_key", "")
	v.SetDefault("email.from_address", "InvoiceKits <billing@invoicekits.com>")
	v.SetDefault("email.reply_to", "")
	v.SetDefault("email.retry_max", 2)
	v.SetDefault("s3.enabled", false)
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.public_base_url", "")
	v.SetDefault("s3.use_path_style", false)
	v.SetDefault("s3.prefix", "invoices")
	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.success_url", "http://localhost:8081/billing/success")
	v.SetDefault("stripe.cancel_url", "http://localhost:8081/billing/cancel")
}

func loadEnvFile() error {
	if _, err := os.Stat(".env"); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat .env: %w", err)
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}
