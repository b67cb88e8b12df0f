package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/slipstream/grabber/internal/quality"
)

// Version is injected at build time via ldflags.
var Version = "dev"

// ErrInvalidConfig is returned by Validate for out-of-range or unknown values.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Downloads     DownloadsConfig     `mapstructure:"downloads"`
	Naming        NamingConfig        `mapstructure:"naming"`
	Recovery      RecoveryConfig      `mapstructure:"recovery"`
	Sites         SitesConfig         `mapstructure:"sites"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// AuthConfig holds API authentication configuration.
// An empty JWTSecret leaves the API open. PasswordHash is a bcrypt hash
// that POST /api/v1/auth/token exchanges for a token.
type AuthConfig struct {
	JWTSecret    string        `mapstructure:"jwt_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	PasswordHash string        `mapstructure:"password_hash"`

	// MaxFailedAttempts wrong passwords from one client address lock that
	// address out of the token endpoint for LockoutDuration, doubling on
	// each further lockout.
	MaxFailedAttempts int           `mapstructure:"max_failed_attempts"`
	LockoutDuration   time.Duration `mapstructure:"lockout_duration"`
}

// DownloadsConfig is the settings object consumed by the queue controller
// and the orchestrator.
type DownloadsConfig struct {
	MaxParallelDownloads         int            `mapstructure:"max_parallel_downloads"`
	MaxParallelDownloadsEpisodes int            `mapstructure:"max_parallel_downloads_episodes"`
	MaxFallbackAttempts          int            `mapstructure:"max_fallback_attempts"`
	TimeBetweenDownloadAttempts  time.Duration  `mapstructure:"time_between_download_attempts"`
	RecoveryRetryDelay           time.Duration  `mapstructure:"recovery_retry_delay"`
	DownloadStartTimeLimit       time.Duration  `mapstructure:"download_start_time_limit"`
	ActionOnNoQuality            quality.Action `mapstructure:"action_on_no_quality"`
	ActionOnNoSubtitles          quality.Action `mapstructure:"action_on_no_subtitles"`
	ActionOnLoadVideoError       quality.Action `mapstructure:"action_on_load_video_error"`
	ActionOnLoadSubtitleError    quality.Action `mapstructure:"action_on_load_subtitle_error"`
	FilePriority                 string         `mapstructure:"file_priority"` // "video" or "subtitle"
	PromptForLocation            bool           `mapstructure:"prompt_for_location"`
	Directory                    string         `mapstructure:"directory"`
	ReconcileInterval            time.Duration  `mapstructure:"reconcile_interval"`
}

// Policies returns the gap/failure policy matrix.
func (d DownloadsConfig) Policies() quality.Policies {
	return quality.Policies{
		OnNoQuality:         d.ActionOnNoQuality,
		OnNoSubtitles:       d.ActionOnNoSubtitles,
		OnLoadVideoError:    d.ActionOnLoadVideoError,
		OnLoadSubtitleError: d.ActionOnLoadSubtitleError,
	}
}

// NamingConfig holds filename template configuration.
type NamingConfig struct {
	Template         []string `mapstructure:"template"`
	ReplaceSpaces    bool     `mapstructure:"replace_spaces"`
	SpaceReplacement string   `mapstructure:"space_replacement"`
	SeriesFolders    bool     `mapstructure:"series_folders"`
	RootFolder       string   `mapstructure:"root_folder"`
}

// RecoveryConfig controls what happens to interrupted work at startup.
type RecoveryConfig struct {
	OnStartup string `mapstructure:"on_startup"` // "restore" or "cancel"
}

// SitesConfig points at the site definitions file. Empty uses the built-in set.
type SitesConfig struct {
	DefinitionsPath string `mapstructure:"definitions_path"`
	UserAgent       string `mapstructure:"user_agent"`
}

// NotificationsConfig lists notification targets.
type NotificationsConfig struct {
	Webhooks []WebhookConfig `mapstructure:"webhooks"`
}

// WebhookConfig configures a single webhook notifier.
type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
}

// DefaultTemplate is the default filename template.
var DefaultTemplate = []string{"%title%", " S", "%season_id%", "E", "%episode_id%", " ", "%quality%"}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8484,
		},
		Database: DatabaseConfig{
			Path: "./data/grabber.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Auth: AuthConfig{
			TokenTTL:          30 * 24 * time.Hour,
			MaxFailedAttempts: 5,
			LockoutDuration:   15 * time.Minute,
		},
		Downloads: DownloadsConfig{
			MaxParallelDownloads:         5,
			MaxParallelDownloadsEpisodes: 2,
			MaxFallbackAttempts:          3,
			TimeBetweenDownloadAttempts:  10 * time.Second,
			RecoveryRetryDelay:           time.Second,
			DownloadStartTimeLimit:       30 * time.Second,
			ActionOnNoQuality:            quality.ActionReduceQuality,
			ActionOnNoSubtitles:          quality.ActionIgnore,
			ActionOnLoadVideoError:       quality.ActionSkip,
			ActionOnLoadSubtitleError:    quality.ActionIgnore,
			FilePriority:                 "video",
			Directory:                    "./downloads",
			ReconcileInterval:            time.Minute,
		},
		Naming: NamingConfig{
			Template:         append([]string(nil), DefaultTemplate...),
			SpaceReplacement: "_",
			SeriesFolders:    true,
		},
		Recovery: RecoveryConfig{
			OnStartup: "restore",
		},
	}
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.grabber")
	}

	v.SetEnvPrefix("GRABBER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults mirrors Default() into viper so env vars can override single keys.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)
	v.SetDefault("auth.password_hash", "")
	v.SetDefault("auth.max_failed_attempts", d.Auth.MaxFailedAttempts)
	v.SetDefault("auth.lockout_duration", d.Auth.LockoutDuration)

	v.SetDefault("downloads.max_parallel_downloads", d.Downloads.MaxParallelDownloads)
	v.SetDefault("downloads.max_parallel_downloads_episodes", d.Downloads.MaxParallelDownloadsEpisodes)
	v.SetDefault("downloads.max_fallback_attempts", d.Downloads.MaxFallbackAttempts)
	v.SetDefault("downloads.time_between_download_attempts", d.Downloads.TimeBetweenDownloadAttempts)
	v.SetDefault("downloads.recovery_retry_delay", d.Downloads.RecoveryRetryDelay)
	v.SetDefault("downloads.download_start_time_limit", d.Downloads.DownloadStartTimeLimit)
	v.SetDefault("downloads.action_on_no_quality", string(d.Downloads.ActionOnNoQuality))
	v.SetDefault("downloads.action_on_no_subtitles", string(d.Downloads.ActionOnNoSubtitles))
	v.SetDefault("downloads.action_on_load_video_error", string(d.Downloads.ActionOnLoadVideoError))
	v.SetDefault("downloads.action_on_load_subtitle_error", string(d.Downloads.ActionOnLoadSubtitleError))
	v.SetDefault("downloads.file_priority", d.Downloads.FilePriority)
	v.SetDefault("downloads.prompt_for_location", false)
	v.SetDefault("downloads.directory", d.Downloads.Directory)
	v.SetDefault("downloads.reconcile_interval", d.Downloads.ReconcileInterval)

	v.SetDefault("naming.template", d.Naming.Template)
	v.SetDefault("naming.replace_spaces", false)
	v.SetDefault("naming.space_replacement", d.Naming.SpaceReplacement)
	v.SetDefault("naming.series_folders", d.Naming.SeriesFolders)
	v.SetDefault("naming.root_folder", "")

	v.SetDefault("recovery.on_startup", d.Recovery.OnStartup)

	v.SetDefault("sites.definitions_path", "")
	v.SetDefault("sites.user_agent", "")
}

// Validate checks limits and policy values.
func (c *Config) Validate() error {
	d := c.Downloads
	if d.MaxParallelDownloads < 1 {
		return fmt.Errorf("%w: downloads.max_parallel_downloads must be >= 1", ErrInvalidConfig)
	}
	if d.MaxParallelDownloadsEpisodes < 1 {
		return fmt.Errorf("%w: downloads.max_parallel_downloads_episodes must be >= 1", ErrInvalidConfig)
	}
	if d.MaxFallbackAttempts < 0 {
		return fmt.Errorf("%w: downloads.max_fallback_attempts must be >= 0", ErrInvalidConfig)
	}
	if d.TimeBetweenDownloadAttempts < 0 {
		return fmt.Errorf("%w: downloads.time_between_download_attempts must not be negative", ErrInvalidConfig)
	}
	if d.RecoveryRetryDelay < 0 {
		return fmt.Errorf("%w: downloads.recovery_retry_delay must not be negative", ErrInvalidConfig)
	}
	if d.ReconcileInterval < 0 {
		return fmt.Errorf("%w: downloads.reconcile_interval must not be negative", ErrInvalidConfig)
	}
	if d.DownloadStartTimeLimit <= 0 {
		return fmt.Errorf("%w: downloads.download_start_time_limit must be positive", ErrInvalidConfig)
	}
	if err := d.Policies().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch d.FilePriority {
	case "video", "subtitle":
	default:
		return fmt.Errorf("%w: downloads.file_priority must be video or subtitle, got %q", ErrInvalidConfig, d.FilePriority)
	}
	switch c.Recovery.OnStartup {
	case "restore", "cancel":
	default:
		return fmt.Errorf("%w: recovery.on_startup must be restore or cancel, got %q", ErrInvalidConfig, c.Recovery.OnStartup)
	}
	if len(c.Naming.Template) == 0 {
		return fmt.Errorf("%w: naming.template must not be empty", ErrInvalidConfig)
	}
	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
