package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/chaos-io/sinfondo/batch"
	"github.com/chaos-io/sinfondo/rembg"
)

type Config struct {
	Server ServerConfig
	App    AppConfig
	Rembg  RembgConfig
	Log    LogConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type AppConfig struct {
	MaxUploadSize  int64
	MaxFiles       int
	AllowedFormats []string
	KeepNames      bool
	FailurePolicy  batch.Policy
	Theme          string
}

type RembgConfig struct {
	Backend         string
	BaseURL         string
	MaxSide         int
	PollInterval    time.Duration
	Timeout         time.Duration
	SkipTransparent bool
	BorderTolerance float64
	ProbeSchedule   string
}

type LogConfig struct {
	Level  string
	Format string
}

// NewViper returns a viper instance with every default set and environment
// lookup enabled.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("SERVER_READ_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 10*time.Minute)

	v.SetDefault("APP_MAX_UPLOAD_SIZE", 20*1024*1024) // 20MB per file
	v.SetDefault("APP_MAX_FILES", 50)
	v.SetDefault("APP_ALLOWED_FORMATS", []string{".png", ".jpg", ".jpeg"})
	v.SetDefault("APP_KEEP_NAMES", true)
	v.SetDefault("APP_FAILURE_POLICY", string(batch.PolicySkip))
	v.SetDefault("APP_THEME", "light")

	v.SetDefault("REMBG_BACKEND", rembg.BackendBiRefNet)
	v.SetDefault("REMBG_BASE_URL", "http://127.0.0.1:8188/")
	v.SetDefault("REMBG_MAX_SIDE", 1024)
	v.SetDefault("REMBG_POLL_INTERVAL", 500*time.Millisecond)
	v.SetDefault("REMBG_TIMEOUT", 2*time.Minute)
	v.SetDefault("REMBG_SKIP_TRANSPARENT", false)
	v.SetDefault("REMBG_BORDER_TOLERANCE", 0.12)
	v.SetDefault("REMBG_PROBE_SCHEDULE", "@every 30s")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.AutomaticEnv()
	return v
}

// Load reads the configuration file (when path is set) on top of v and
// validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	policy, err := batch.ParsePolicy(v.GetString("APP_FAILURE_POLICY"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:         v.GetString("SERVER_HOST"),
			Port:         v.GetString("SERVER_PORT"),
			ReadTimeout:  v.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("SERVER_WRITE_TIMEOUT"),
		},
		App: AppConfig{
			MaxUploadSize:  v.GetInt64("APP_MAX_UPLOAD_SIZE"),
			MaxFiles:       v.GetInt("APP_MAX_FILES"),
			AllowedFormats: normalizeFormats(v.GetStringSlice("APP_ALLOWED_FORMATS")),
			KeepNames:      v.GetBool("APP_KEEP_NAMES"),
			FailurePolicy:  policy,
			Theme:          strings.ToLower(v.GetString("APP_THEME")),
		},
		Rembg: RembgConfig{
			Backend:         strings.ToLower(v.GetString("REMBG_BACKEND")),
			BaseURL:         v.GetString("REMBG_BASE_URL"),
			MaxSide:         v.GetInt("REMBG_MAX_SIDE"),
			PollInterval:    v.GetDuration("REMBG_POLL_INTERVAL"),
			Timeout:         v.GetDuration("REMBG_TIMEOUT"),
			SkipTransparent: v.GetBool("REMBG_SKIP_TRANSPARENT"),
			BorderTolerance: v.GetFloat64("REMBG_BORDER_TOLERANCE"),
			ProbeSchedule:   v.GetString("REMBG_PROBE_SCHEDULE"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("SERVER_PORT must not be empty"))
	}
	if c.App.MaxUploadSize <= 0 {
		errs = append(errs, fmt.Errorf("APP_MAX_UPLOAD_SIZE must be positive, got %d", c.App.MaxUploadSize))
	}
	if c.App.MaxFiles <= 0 {
		errs = append(errs, fmt.Errorf("APP_MAX_FILES must be positive, got %d", c.App.MaxFiles))
	}
	if len(c.App.AllowedFormats) == 0 {
		errs = append(errs, errors.New("APP_ALLOWED_FORMATS must list at least one extension"))
	}
	if c.App.Theme != "light" && c.App.Theme != "dark" {
		errs = append(errs, fmt.Errorf("APP_THEME must be light or dark, got %q", c.App.Theme))
	}
	switch c.Rembg.Backend {
	case rembg.BackendBiRefNet:
		if c.Rembg.BaseURL == "" {
			errs = append(errs, errors.New("REMBG_BASE_URL is required for the birefnet backend"))
		}
	case rembg.BackendBorder:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", rembg.ErrUnknownBackend, c.Rembg.Backend))
	}
	if c.Rembg.BorderTolerance <= 0 || c.Rembg.BorderTolerance >= 1 {
		errs = append(errs, fmt.Errorf("REMBG_BORDER_TOLERANCE must be in (0,1), got %v", c.Rembg.BorderTolerance))
	}
	return errors.Join(errs...)
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

// RemoverOptions maps the rembg section onto rembg.Options.
func (c *Config) RemoverOptions() rembg.Options {
	return rembg.Options{
		Backend:         c.Rembg.Backend,
		BaseURL:         c.Rembg.BaseURL,
		MaxSide:         c.Rembg.MaxSide,
		PollInterval:    c.Rembg.PollInterval,
		Timeout:         c.Rembg.Timeout,
		Tolerance:       c.Rembg.BorderTolerance,
		SkipTransparent: c.Rembg.SkipTransparent,
	}
}

// normalizeFormats lower-cases extensions and makes sure they start with a dot.
// Env values arrive as a single comma or space separated string.
func normalizeFormats(in []string) []string {
	var out []string
	for _, item := range in {
		for _, f := range strings.FieldsFunc(item, func(r rune) bool { return r == ',' || r == ' ' }) {
			f = strings.ToLower(strings.TrimSpace(f))
			if f == "" {
				continue
			}
			if !strings.HasPrefix(f, ".") {
				f = "." + f
			}
			out = append(out, f)
		}
	}
	return out
}
