package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken        string `envconfig:"TELEGRAM_BOT_TOKEN"`
	RequiredChannel string `envconfig:"REQUIRED_CHANNEL"`
	LogLevel        string `envconfig:"LOG_LEVEL" default:"info"`

	Database  Database
	Credits   Credits
	Inference Inference
	Admin     Admin
	Redis     Redis
	S3        S3
}

type Database struct {
	Driver          string        `envconfig:"DB_DRIVER" default:"mysql"`
	DSN             string        `envconfig:"DB_DSN" required:"true"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
}

type Credits struct {
	Starting          int           `envconfig:"STARTING_CREDITS" default:"3"`
	Daily             int           `envconfig:"DAILY_CREDITS" default:"3"`
	ResetHour         int           `envconfig:"RESET_HOUR" default:"0"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	ReservationTTL    time.Duration `envconfig:"RESERVATION_TTL" default:"10m"`
	FinalizeTimeout   time.Duration `envconfig:"FINALIZE_TIMEOUT" default:"15s"`
	CouponOncePerUser bool          `envconfig:"COUPON_ONCE_PER_USER" default:"false"`
}

type Inference struct {
	APIKey       string        `envconfig:"INFERENCE_API_KEY"`
	BaseURL      string        `envconfig:"INFERENCE_BASE_URL" default:"https://api.fireworks.ai"`
	Model        string        `envconfig:"INFERENCE_MODEL" default:"accounts/fireworks/models/playground-v2-5-1024px-aesthetic"`
	Sampler      string        `envconfig:"INFERENCE_SAMPLER" default:"DPMPP_2M_KARRAS"`
	Steps        int           `envconfig:"INFERENCE_STEPS" default:"100"`
	CFGScale     float64       `envconfig:"INFERENCE_CFG_SCALE" default:"7"`
	SafetyCheck  bool          `envconfig:"INFERENCE_SAFETY_CHECK" default:"false"`
	Seed         int64         `envconfig:"INFERENCE_SEED" default:"0"`
	OutputFormat string        `envconfig:"INFERENCE_OUTPUT_FORMAT" default:"jpeg"`
	Timeout      time.Duration `envconfig:"INFERENCE_TIMEOUT" default:"3m"`
	MaxRetries   int           `envconfig:"INFERENCE_MAX_RETRIES" default:"2"`
	ProfilePath  string        `envconfig:"INFERENCE_PROFILE_PATH"`
}

type Admin struct {
	ListenAddr  string   `envconfig:"ADMIN_LISTEN_ADDR" default:":8080"`
	Username    string   `envconfig:"ADMIN_USERNAME" default:"admin"`
	Password    string   `envconfig:"ADMIN_PASSWORD" default:"change-me"`
	IDs         []int64  `envconfig:"ADMIN_IDS"`
	CORSOrigins []string `envconfig:"ADMIN_CORS_ORIGINS" default:"*"`
}

type Redis struct {
	Addr       string        `envconfig:"REDIS_ADDR"`
	Password   string        `envconfig:"REDIS_PASSWORD"`
	DB         int           `envconfig:"REDIS_DB" default:"0"`
	SessionTTL time.Duration `envconfig:"REDIS_SESSION_TTL" default:"30m"`
}

type S3 struct {
	Endpoint      string `envconfig:"S3_ENDPOINT"`
	Region        string `envconfig:"S3_REGION"`
	AccessKey     string `envconfig:"S3_ACCESS_KEY"`
	SecretKey     string `envconfig:"S3_SECRET_KEY"`
	Bucket        string `envconfig:"S3_BUCKET"`
	PublicBaseURL string `envconfig:"S3_PUBLIC_BASE_URL"`
	UsePathStyle  bool   `envconfig:"S3_USE_PATH_STYLE" default:"false"`
	Prefix        string `envconfig:"S3_PREFIX" default:"generations"`
}

// Enabled reports whether generated images should be uploaded.
func (s S3) Enabled() bool {
	return s.Bucket != ""
}

// IsAdmin reports whether the telegram user id is listed in ADMIN_IDS.
func (a Admin) IsAdmin(userID int64) bool {
	for _, id := range a.IDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Load reads an optional env file and decodes the environment into Config.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env config: %w", err)
	}
	cfg.RequiredChannel = normalizeChannel(cfg.RequiredChannel)
	cfg.Inference.BaseURL = normalizeBaseURL(cfg.Inference.BaseURL)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings shared by every entrypoint.
func (c Config) Validate() error {
	var problems []string
	switch strings.ToLower(c.Database.Driver) {
	case "mysql", "postgres", "postgresql", "pgx", "sqlite", "sqlite3":
	default:
		problems = append(problems, fmt.Sprintf("DB_DRIVER %q is not supported", c.Database.Driver))
	}
	if c.Credits.Starting < 0 {
		problems = append(problems, "STARTING_CREDITS must not be negative")
	}
	if c.Credits.Daily < 0 {
		problems = append(problems, "DAILY_CREDITS must not be negative")
	}
	if c.Credits.ResetHour < 0 || c.Credits.ResetHour > 23 {
		problems = append(problems, "RESET_HOUR must be between 0 and 23")
	}
	if c.Credits.SweepInterval <= 0 {
		problems = append(problems, "SWEEP_INTERVAL must be positive")
	}
	if c.Inference.Timeout <= 0 {
		problems = append(problems, "INFERENCE_TIMEOUT must be positive")
	}
	if c.Credits.FinalizeTimeout <= 0 {
		problems = append(problems, "FINALIZE_TIMEOUT must be positive")
	}
	// a reservation may only be reaped once its request can no longer commit
	if c.Credits.ReservationTTL <= c.Inference.Timeout+c.Credits.FinalizeTimeout+c.Credits.SweepInterval {
		problems = append(problems, "RESERVATION_TTL must exceed INFERENCE_TIMEOUT + FINALIZE_TIMEOUT + SWEEP_INTERVAL")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateBot checks the settings only the long running bot needs.
func (c Config) ValidateBot() error {
	var missing []string
	if c.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.Inference.APIKey == "" {
		missing = append(missing, "INFERENCE_API_KEY")
	}
	if c.S3.Enabled() {
		if c.S3.Region == "" {
			missing = append(missing, "S3_REGION")
		}
		if c.S3.AccessKey == "" {
			missing = append(missing, "S3_ACCESS_KEY")
		}
		if c.S3.SecretKey == "" {
			missing = append(missing, "S3_SECRET_KEY")
		}
		if c.S3.PublicBaseURL == "" {
			missing = append(missing, "S3_PUBLIC_BASE_URL")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	// plain environment is enough
	return nil
}

func normalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return strings.TrimRight(raw, "/")
	}
	if parsed.Scheme == "" {
		parsed, err = url.Parse("https://" + raw)
		if err != nil {
			return strings.TrimRight(raw, "/")
		}
	}
	return strings.TrimRight(parsed.String(), "/")
}

// normalizeChannel accepts @name, name, t.me/name or a numeric chat id.
func normalizeChannel(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimSuffix(raw, "/")
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		if parsed, err := url.Parse(raw); err == nil {
			raw = strings.Trim(parsed.Path, "/")
		}
	}
	raw = strings.TrimPrefix(raw, "t.me/")
	return strings.TrimPrefix(raw, "@")
}
