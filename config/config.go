// Package config loads process settings from the environment and dispatch
// rules from a JSON file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"sakamichi-relay/pkg/relay"
)

// Config holds every environment-provided setting.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Blob backend: LOCAL_STORAGE dir, STORAGE_BUCKET in GCS, or STATE_DB SQLite file.
	LocalStorage  string `env:"LOCAL_STORAGE"`
	StorageBucket string `env:"STORAGE_BUCKET"`
	StoragePrefix string `env:"STORAGE_PREFIX" envDefault:"state/"`
	StateDB       string `env:"STATE_DB"`

	RulesFile string `env:"RULES_FILE" envDefault:"./push-rules.json"`

	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"15s"`
	TimelineCount  int           `env:"TIMELINE_COUNT" envDefault:"5"`
	RequestSpacing time.Duration `env:"REQUEST_SPACING" envDefault:"200ms"`
	DedupCapacity  int           `env:"DEDUP_CAPACITY" envDefault:"1000"`
	RetryCooldown  time.Duration `env:"RETRY_COOLDOWN" envDefault:"60s"`
	RetryMax       int           `env:"RETRY_MAX" envDefault:"5"`

	ReauthSchedule string `env:"REAUTH_SCHEDULE" envDefault:"*/30 * * * *"`
	ReloadSchedule string `env:"RELOAD_SCHEDULE" envDefault:"*/5 * * * *"`
	ReportSchedule string `env:"REPORT_SCHEDULE" envDefault:"50 23 * * *"`

	// Credentials per account, "hinatazaka:token,sakurazaka:token".
	AppTokens    map[string]string `env:"APP_TOKENS"`
	GoogleTokens map[string]string `env:"GOOGLE_TOKENS"`
	SiteBaseURLs map[string]string `env:"SITE_BASE_URLS"`

	OneBotAPI         string `env:"ONEBOT_API" envDefault:"http://127.0.0.1:3000"`
	OneBotWSURL       string `env:"ONEBOT_WS_URL"`
	OneBotAccessToken string `env:"ONEBOT_ACCESS_TOKEN"`
	OneBotMediaDir    string `env:"ONEBOT_MEDIA_DIR" envDefault:"./media"`
	OneBotMediaPrefix string `env:"ONEBOT_MEDIA_PREFIX"`

	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`

	DiscordAlertWebhook  string `env:"DISCORD_ALERT_WEBHOOK"`
	DiscordReportWebhook string `env:"DISCORD_REPORT_WEBHOOK"`

	TranslateAPIKey     string        `env:"TRANSLATE_API_KEY"`
	TranslateBaseURL    string        `env:"TRANSLATE_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta/openai/"`
	TranslateModel      string        `env:"TRANSLATE_MODEL" envDefault:"gemini-2.5-flash"`
	TranslatePromptFile string        `env:"TRANSLATE_PROMPT_FILE"`
	TranslateTimeout    time.Duration `env:"TRANSLATE_TIMEOUT" envDefault:"60s"`
	TranslateRPM        int           `env:"TRANSLATE_RPM" envDefault:"60"`

	// Re-hosting of oversized Discord media and .jfif avatars.
	MediaBucket    string `env:"MEDIA_BUCKET"`
	MediaPublicURL string `env:"MEDIA_PUBLIC_URL"`

	EmailProvider         string `env:"EMAIL_PROVIDER" envDefault:"mock"`
	EmailFrom             string `env:"EMAIL_FROM"`
	BrevoAPIKey           string `env:"BREVO_API_KEY"`
	GoogleCredentialsJSON string `env:"GOOGLE_CREDENTIALS_JSON"`
}

// Load reads an optional .env file and parses the environment.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL %s is below 1s", c.PollInterval))
	}
	if c.TimelineCount <= 0 {
		errs = append(errs, fmt.Errorf("TIMELINE_COUNT must be positive, got %d", c.TimelineCount))
	}
	g := gronx.New()
	for name, expr := range map[string]string{
		"REAUTH_SCHEDULE": c.ReauthSchedule,
		"RELOAD_SCHEDULE": c.ReloadSchedule,
		"REPORT_SCHEDULE": c.ReportSchedule,
	} {
		if expr != "" && !g.IsValid(expr) {
			errs = append(errs, fmt.Errorf("%s: invalid cron expression %q", name, expr))
		}
	}
	switch c.EmailProvider {
	case "mock", "gmail", "brevo":
	default:
		errs = append(errs, fmt.Errorf("EMAIL_PROVIDER must be mock, gmail or brevo, got %q", c.EmailProvider))
	}
	if c.EmailProvider == "brevo" && c.BrevoAPIKey == "" {
		errs = append(errs, errors.New("BREVO_API_KEY required for EMAIL_PROVIDER=brevo"))
	}
	return errors.Join(errs...)
}

// Accounts returns the accounts that carry at least one credential.
func (c *Config) Accounts(sites relay.Sites) []string {
	var out []string
	for _, key := range sites.Keys() {
		if c.AppTokens[key] != "" || c.GoogleTokens[key] != "" {
			out = append(out, key)
		}
	}
	return out
}

// Sites returns the built-in site table with base URL overrides applied.
func (c *Config) Sites() relay.Sites {
	sites := relay.DefaultSites()
	for key, baseURL := range c.SiteBaseURLs {
		site, ok := sites[key]
		if !ok {
			continue
		}
		site.BaseURL = strings.TrimSuffix(baseURL, "/")
		sites[key] = site
	}
	return sites
}

// SlogLevel maps LOG_LEVEL to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
