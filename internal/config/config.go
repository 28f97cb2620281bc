// Package config loads configuration from an optional docbox.yaml and
// DOCBOX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fruitsalade/docbox/pkg/client"
	"github.com/fruitsalade/docbox/pkg/retry"
)

// EnvPrefix is prepended to every environment variable, e.g.
// DOCBOX_SERVER_URL for server.url.
const EnvPrefix = "DOCBOX"

// Config holds client and web front configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Web     WebConfig     `mapstructure:"web"`
	Log     LogConfig     `mapstructure:"log"`
	Content ContentConfig `mapstructure:"content"`
	Hot     HotConfig     `mapstructure:"hotfolder"`
}

// ServerConfig describes the document-management backend.
type ServerConfig struct {
	URL           string        `mapstructure:"url"`
	SessionCookie string        `mapstructure:"session_cookie"`
	APIKey        string        `mapstructure:"api_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RootFolder    int64         `mapstructure:"root_folder"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`
}

// WebConfig is the local web front.
type WebConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
	CookieName     string        `mapstructure:"cookie_name"`
	SessionSecret  string        `mapstructure:"session_secret"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	MaxUploadSize  int64         `mapstructure:"max_upload_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ContentConfig is the on-disk document content cache. MaxBytes 0
// disables it.
type ContentConfig struct {
	Dir      string `mapstructure:"dir"`
	MaxBytes int64  `mapstructure:"max_bytes"`
}

type HotConfig struct {
	Dir      string        `mapstructure:"dir"`
	FolderID int64         `mapstructure:"folder"`
	Debounce time.Duration `mapstructure:"debounce"`
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "docbox", "content")
	}
	return filepath.Join(os.TempDir(), "docbox-content")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "http://localhost:8080/restapi/index.php")
	v.SetDefault("server.session_cookie", "mydms_session")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.timeout", 30*time.Second)
	v.SetDefault("server.root_folder", 1)
	v.SetDefault("server.max_retries", 3)
	v.SetDefault("server.retry_delay", 500*time.Millisecond)
	v.SetDefault("server.retry_max_delay", 10*time.Second)

	v.SetDefault("web.listen_addr", ":8081")
	v.SetDefault("web.metrics_addr", ":9091")
	v.SetDefault("web.cookie_name", "mydms_session")
	v.SetDefault("web.session_secret", "")
	v.SetDefault("web.session_ttl", 12*time.Hour)
	v.SetDefault("web.allowed_origins", []string{"http://localhost:8081"})
	v.SetDefault("web.max_upload_size", 100*1024*1024) // 100MB

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("content.dir", defaultCacheDir())
	v.SetDefault("content.max_bytes", 256*1024*1024)

	v.SetDefault("hotfolder.dir", "")
	v.SetDefault("hotfolder.folder", 0)
	v.SetDefault("hotfolder.debounce", 2*time.Second)
}

// New returns a viper instance with defaults, search paths and env binding
// set up. file, if non-empty, is read instead of searching.
func New(file string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("docbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "docbox"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration. A missing config file is not an error; an
// explicitly named one that cannot be read is.
func Load(file string) (*Config, error) {
	return FromViper(New(file), file != "")
}

// FromViper decodes and validates v.
func FromViper(v *viper.Viper, requireFile bool) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if requireFile || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// Comma separated lists from the environment arrive as one string.
	if len(cfg.Web.AllowedOrigins) == 1 && strings.Contains(cfg.Web.AllowedOrigins[0], ",") {
		cfg.Web.AllowedOrigins = splitList(cfg.Web.AllowedOrigins[0])
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.url %q is not an absolute URL", c.Server.URL)
	}
	if c.Server.SessionCookie == "" {
		return fmt.Errorf("server.session_cookie is required")
	}
	if c.Web.CookieName == "" {
		return fmt.Errorf("web.cookie_name is required")
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive")
	}
	if c.Server.MaxRetries < 1 {
		c.Server.MaxRetries = 1
	}
	if c.Web.SessionTTL <= 0 {
		return fmt.Errorf("web.session_ttl must be positive")
	}
	if c.Content.MaxBytes < 0 {
		return fmt.Errorf("content.max_bytes must not be negative")
	}
	return nil
}

// ClientConfig returns the backend client settings.
func (c *Config) ClientConfig() client.Config {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = c.Server.MaxRetries
	if c.Server.RetryDelay > 0 {
		rc.InitialWait = c.Server.RetryDelay
	}
	if c.Server.RetryMaxDelay > 0 {
		rc.MaxWait = c.Server.RetryMaxDelay
	}
	return client.Config{
		BaseURL:       c.Server.URL,
		Timeout:       c.Server.Timeout,
		RetryConfig:   rc,
		APIKey:        c.Server.APIKey,
		SessionCookie: c.Server.SessionCookie,
	}
}
