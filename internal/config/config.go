// Package config loads youtube-uploader settings from a TOML file, applies
// environment overrides, and turns the result into the option structs the
// youtube SDK expects.
//
// Resolution order is defaults, then config file, then environment, then
// command-line flags (applied by the cmd package).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"

	"github.com/tonimelisma/youtube-uploader/internal/logger"
	"github.com/tonimelisma/youtube-uploader/pkg/youtube"
)

const (
	appDir     = "youtube-uploader"
	configFile = "config.toml"
)

// Environment variable names.
const (
	EnvConfigPath   = "YOUTUBE_UPLOADER_CONFIG_PATH"
	EnvClientID     = "YOUTUBE_UPLOADER_CLIENT_ID"
	EnvClientSecret = "YOUTUBE_UPLOADER_CLIENT_SECRET"
	EnvIdentity     = "YOUTUBE_UPLOADER_IDENTITY"
)

// Default identities, one per upload program, so each keeps its own grant.
const (
	IdentityVideo     = "uploadvideo"
	IdentityThumbnail = "uploadthumbnail"
)

// ErrMissingClientID is returned when an operation needs OAuth client
// credentials and none are configured.
var ErrMissingClientID = errors.New("client_id is not configured: set it in " + configFile + " or " + EnvClientID)

// Config is the decoded config file.
type Config struct {
	ClientID     string       `toml:"client_id"`
	ClientSecret string       `toml:"client_secret"`
	Identity     string       `toml:"identity"`
	Debug        bool         `toml:"debug"`
	LogFormat    string       `toml:"log_format"`
	Upload       UploadConfig `toml:"upload"`
	HTTP         HTTPConfig   `toml:"http"`

	path string
}

// UploadConfig is the [upload] table. Durations and sizes are strings so
// the file can say "10MB" or "90s".
type UploadConfig struct {
	ChunkSize         string  `toml:"chunk_size"`
	Direct            bool    `toml:"direct"`
	MaxAttempts       int     `toml:"max_attempts"`
	BaseDelay         string  `toml:"base_delay"`
	MaxDelay          string  `toml:"max_delay"`
	ChunkTimeout      string  `toml:"chunk_timeout"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Parallel          int     `toml:"parallel"`
}

// HTTPConfig is the [http] table.
type HTTPConfig struct {
	Timeout      string `toml:"timeout"`
	TokenRetries int    `toml:"token_retries"`
}

// Default returns a Config with every value set to its default.
func Default() *Config {
	return &Config{
		LogFormat: string(logger.FormatText),
		Upload: UploadConfig{
			ChunkSize:    fmt.Sprintf("%dMB", youtube.DefaultChunkSize/units.MiB),
			MaxAttempts:  youtube.DefaultMaxAttempts,
			BaseDelay:    youtube.DefaultBaseDelay.String(),
			MaxDelay:     youtube.DefaultMaxDelay.String(),
			ChunkTimeout: youtube.DefaultChunkTimeout.String(),
			Parallel:     1,
		},
		HTTP: HTTPConfig{
			Timeout:      youtube.DefaultTimeout.String(),
			TokenRetries: 2,
		},
	}
}

// DefaultDir returns the per-user directory holding the config file,
// credentials and upload session records.
func DefaultDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not get user config directory: %w", err)
	}
	return filepath.Join(dir, appDir), nil
}

// DefaultPath returns the config file path, honouring EnvConfigPath.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

// Load reads and validates the config file at path. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault resolves the config path, loads it, and applies environment
// overrides.
func LoadDefault() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overlays non-empty environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvClientID); v != "" {
		c.ClientID = v
	}
	if v := os.Getenv(EnvClientSecret); v != "" {
		c.ClientSecret = v
	}
	if v := os.Getenv(EnvIdentity); v != "" {
		c.Identity = v
	}
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Dir returns the directory that holds state next to the config file.
func (c *Config) Dir() string { return filepath.Dir(c.path) }

// IdentityOr returns the configured identity, or fallback when none is set.
func (c *Config) IdentityOr(fallback string) string {
	if c.Identity != "" {
		return c.Identity
	}
	return fallback
}

// RequireClient checks that OAuth client credentials are present.
func (c *Config) RequireClient() error {
	if c.ClientID == "" {
		return ErrMissingClientID
	}
	return nil
}

// Validate checks every value that needs parsing.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logger.ParseFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Upload.ChunkSizeBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.Upload.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("upload.max_attempts must be at least 1, got %d", c.Upload.MaxAttempts))
	}
	if c.Upload.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("upload.requests_per_second must not be negative"))
	}
	if c.Upload.Parallel < 1 {
		errs = append(errs, fmt.Errorf("upload.parallel must be at least 1, got %d", c.Upload.Parallel))
	}
	if c.HTTP.TokenRetries < 0 {
		errs = append(errs, fmt.Errorf("http.token_retries must not be negative"))
	}

	base, err := parseDuration("upload.base_delay", c.Upload.BaseDelay)
	errs = appendErr(errs, err)
	maxDelay, err := parseDuration("upload.max_delay", c.Upload.MaxDelay)
	errs = appendErr(errs, err)
	if base > 0 && maxDelay > 0 && maxDelay < base {
		errs = append(errs, fmt.Errorf("upload.max_delay (%s) is shorter than upload.base_delay (%s)", maxDelay, base))
	}
	_, err = parseDuration("upload.chunk_timeout", c.Upload.ChunkTimeout)
	errs = appendErr(errs, err)
	_, err = parseDuration("http.timeout", c.HTTP.Timeout)
	errs = appendErr(errs, err)

	return errors.Join(errs...)
}

// ChunkSizeBytes parses chunk_size. Sizes use binary units ("8MB" and "8m"
// are both 8*1024*1024) and must be a positive multiple of 256 KiB.
func (u UploadConfig) ChunkSizeBytes() (int64, error) {
	n, err := units.RAMInBytes(u.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("upload.chunk_size: %w", err)
	}
	if n <= 0 || n%youtube.MinChunkSize != 0 {
		return 0, fmt.Errorf("upload.chunk_size must be a positive multiple of %s, got %q",
			units.BytesSize(float64(youtube.MinChunkSize)), u.ChunkSize)
	}
	return n, nil
}

// RetryPolicy builds the retry policy from the [upload] table. The config
// must have passed Validate.
func (u UploadConfig) RetryPolicy() youtube.RetryPolicy {
	p := youtube.DefaultRetryPolicy()
	p.MaxAttempts = u.MaxAttempts
	p.BaseDelay = mustDuration(u.BaseDelay, p.BaseDelay)
	p.MaxDelay = mustDuration(u.MaxDelay, p.MaxDelay)
	return p
}

// SessionOptions builds upload session options from the [upload] table.
// The config must have passed Validate.
func (u UploadConfig) SessionOptions() youtube.SessionOptions {
	chunk, err := u.ChunkSizeBytes()
	if err != nil {
		chunk = youtube.DefaultChunkSize
	}
	return youtube.SessionOptions{
		ChunkSize:    chunk,
		Retry:        u.RetryPolicy(),
		ChunkTimeout: mustDuration(u.ChunkTimeout, youtube.DefaultChunkTimeout),
		Direct:       u.Direct,
	}
}

// TimeoutDuration returns the parsed http.timeout.
func (h HTTPConfig) TimeoutDuration() time.Duration {
	return mustDuration(h.Timeout, youtube.DefaultTimeout)
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %q", key, value)
	}
	return d, nil
}

func mustDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}
	return errs
}
