package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultKeyword is the trigger word used when none is configured
const DefaultKeyword = "InfoBot"

// Config holds the application configuration
type Config struct {
	Zulip    ZulipConfig    `yaml:"zulip"`
	Twitch   TwitchConfig   `yaml:"twitch"`
	Telegram TelegramConfig `yaml:"telegram"`
	Archive  ArchiveConfig  `yaml:"archive"`
	S3       S3Config       `yaml:"s3"`
	Recorder RecorderConfig `yaml:"recorder"`
	Uploader UploaderConfig `yaml:"uploader"`
	Health   HealthConfig   `yaml:"health"`
}

// ZulipConfig holds the bot account and what it listens to
type ZulipConfig struct {
	Site     string   `yaml:"site"`     // API root, e.g. https://example.zulipchat.com/api/v1
	Email    string   `yaml:"email"`    // Bot account email
	APIKey   string   `yaml:"api_key"`  // Prefer INFOBOT_API or the keyring
	Keyword  string   `yaml:"keyword"`  // Trigger word, matched case-insensitively
	Streams  []string `yaml:"streams"`  // Empty means every stream
	Disabled bool     `yaml:"disabled"` // Run on Twitch or Telegram only
}

// TwitchConfig holds Twitch-specific configuration
type TwitchConfig struct {
	Username string   `yaml:"username"`
	OAuth    string   `yaml:"oauth"`
	Channels []string `yaml:"channels"`
}

// TelegramConfig holds the Bot API token and optional user allow list
type TelegramConfig struct {
	Token     string  `yaml:"token"`
	AllowFrom []int64 `yaml:"allow_from"` // Empty accepts everyone
}

// ArchiveConfig turns on recording of sent replies
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"`
}

// S3Config holds S3 upload configuration
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	RoleARN         string `yaml:"role_arn"`          // IAM role ARN for OIDC authentication
	TokenFile       string `yaml:"token_file"`        // Web identity token file; Fly.io machine API when empty
	AccessKeyID     string `yaml:"access_key_id"`     // Legacy: static credentials
	SecretAccessKey string `yaml:"secret_access_key"` // Legacy: static credentials
	Endpoint        string `yaml:"endpoint"`          // For S3-compatible services
}

// RecorderConfig holds recorder configuration
type RecorderConfig struct {
	OutputDir       string `yaml:"output_dir"`
	RotateMinutes   int    `yaml:"rotate_minutes"`
	RotateMegabytes int    `yaml:"rotate_megabytes"`
	BufferSize      int    `yaml:"buffer_size"`
}

// UploaderConfig holds uploader configuration
type UploaderConfig struct {
	DeleteAfterUpload bool `yaml:"delete_after_upload"`
	MaxRetries        int  `yaml:"max_retries"`
}

// HealthConfig holds the health check server configuration
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// SecretLookup finds a stored API key for an account email
type SecretLookup func(email string) (string, error)

// Load loads configuration from a file. A missing file is not an error so
// the bot can be configured from the environment alone. lookup, if not
// nil, is consulted when no API key is configured.
func Load(path string, lookup SecretLookup) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		log.Printf("No config file at %s, using environment only", path)
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if cfg.Zulip.APIKey == "" && cfg.Zulip.Email != "" && lookup != nil {
		key, err := lookup(cfg.Zulip.Email)
		if err != nil {
			log.Printf("Warning: No API key in keyring for %s: %v", cfg.Zulip.Email, err)
		} else {
			cfg.Zulip.APIKey = key
		}
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnv applies environment variable overrides
func applyEnv(cfg *Config) {
	if email := os.Getenv("INFOBOT_USR"); email != "" {
		cfg.Zulip.Email = email
	}
	if key := os.Getenv("INFOBOT_API"); key != "" {
		cfg.Zulip.APIKey = key
	}
	if keyword := os.Getenv("INFOBOT_KEYWORD"); keyword != "" {
		cfg.Zulip.Keyword = keyword
	}
	if site := os.Getenv("INFOBOT_SITE"); site != "" {
		cfg.Zulip.Site = site
	}
	if streams := os.Getenv("INFOBOT_STREAMS"); streams != "" {
		cfg.Zulip.Streams = splitList(streams)
	}
	if oauth := os.Getenv("TWITCH_OAUTH"); oauth != "" {
		cfg.Twitch.OAuth = oauth
	}
	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if roleARN := os.Getenv("AWS_ROLE_ARN"); roleARN != "" {
		cfg.S3.RoleARN = roleARN
	}
	if tokenFile := os.Getenv("AWS_WEB_IDENTITY_TOKEN_FILE"); tokenFile != "" {
		cfg.S3.TokenFile = tokenFile
	}
	if keyID := os.Getenv("S3_ACCESS_KEY_ID"); keyID != "" {
		cfg.S3.AccessKeyID = keyID
	}
	if secretKey := os.Getenv("S3_SECRET_ACCESS_KEY"); secretKey != "" {
		cfg.S3.SecretAccessKey = secretKey
	}
	if addr := os.Getenv("INFOBOT_HEALTH_ADDR"); addr != "" {
		cfg.Health.Addr = addr
	}
}

// applyDefaults fills unset values
func applyDefaults(cfg *Config) {
	cfg.Zulip.Keyword = strings.TrimSpace(cfg.Zulip.Keyword)
	if cfg.Zulip.Keyword == "" {
		cfg.Zulip.Keyword = DefaultKeyword
	}
	if cfg.Zulip.Site == "" {
		cfg.Zulip.Site = "https://api.zulip.com/v1"
	}
	if cfg.Recorder.BufferSize == 0 {
		cfg.Recorder.BufferSize = 100
	}
	if cfg.Recorder.RotateMinutes == 0 {
		cfg.Recorder.RotateMinutes = 60
	}
	if cfg.Recorder.RotateMegabytes == 0 {
		cfg.Recorder.RotateMegabytes = 100
	}
	if cfg.Recorder.OutputDir == "" {
		cfg.Recorder.OutputDir = "./data"
	}
	if cfg.Uploader.MaxRetries == 0 {
		cfg.Uploader.MaxRetries = 3
	}
	if cfg.Health.Addr == "" {
		cfg.Health.Addr = ":8080"
	}
}

// Validate checks that the required fields are present
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Zulip.Keyword) == "" {
		return fmt.Errorf("zulip.keyword must not be blank")
	}

	if !cfg.Zulip.Disabled {
		if cfg.Zulip.Email == "" {
			return fmt.Errorf("zulip.email is required (or set INFOBOT_USR env var)")
		}
		if cfg.Zulip.APIKey == "" {
			return fmt.Errorf("zulip.api_key is required (set INFOBOT_API env var or store it with infobotctl set-key)")
		}
	}

	if len(cfg.Twitch.Channels) > 0 {
		if cfg.Twitch.Username == "" {
			return fmt.Errorf("twitch.username is required when twitch channels are configured")
		}
		if cfg.Twitch.OAuth == "" {
			return fmt.Errorf("twitch.oauth is required (or set TWITCH_OAUTH env var)")
		}
	}

	if cfg.Zulip.Disabled && len(cfg.Twitch.Channels) == 0 && cfg.Telegram.Token == "" {
		return fmt.Errorf("nothing to listen to: zulip is disabled and neither twitch channels nor a telegram token are configured")
	}

	if cfg.Archive.Enabled {
		if cfg.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required when the archive is enabled")
		}
		if cfg.S3.Region == "" {
			return fmt.Errorf("s3.region is required when the archive is enabled")
		}
		// Either OIDC role or static credentials required
		if cfg.S3.RoleARN == "" && cfg.S3.AccessKeyID == "" {
			return fmt.Errorf("either s3.role_arn (OIDC) or s3.access_key_id (legacy) is required")
		}
		// If using static credentials, both key and secret are required
		if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey == "" {
			return fmt.Errorf("s3.secret_access_key is required when using access_key_id")
		}
	}

	return nil
}

// splitList splits a comma separated list, dropping blanks
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
