package webform

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/dj-oyu/vehicle-counter/web-form/internal/backend"
)

// Config defines the runtime configuration for the upload form server.
// Values start from DefaultConfig, are overridden by VC_* environment
// variables and finally by command-line flags.
type Config struct {
	Addr            string        `env:"VC_ADDR"`
	BackendURL      string        `env:"VC_BACKEND_URL"`
	BackendTimeout  time.Duration `env:"VC_BACKEND_TIMEOUT"`
	SpoolDir        string        `env:"VC_SPOOL_DIR"`
	MaxUploadBytes  int64         `env:"VC_MAX_UPLOAD_BYTES"`
	SessionTTL      time.Duration `env:"VC_SESSION_TTL"`
	SweepInterval   time.Duration `env:"VC_SWEEP_INTERVAL"`
	AllowedOrigins  []string      `env:"VC_ALLOWED_ORIGINS" envSeparator:","`
	AssetsDir       string        `env:"VC_ASSETS_DIR"`
	BuildAssetsDir  string        `env:"VC_ASSETS_BUILD_DIR"`
	StatusKeepalive time.Duration `env:"VC_SSE_KEEPALIVE"`
	OTLPEndpoint    string        `env:"VC_OTLP_ENDPOINT"`
	LogLevel        string        `env:"VC_LOG_LEVEL"`
	LogColor        bool          `env:"VC_LOG_COLOR"`
}

// DefaultConfig returns a config matching the local development setup:
// detection service on :8000, dev front-end on :3000.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		BackendURL:      backend.DefaultEndpoint,
		BackendTimeout:  0,
		SpoolDir:        filepath.Join(os.TempDir(), "vehicle-count-spool"),
		MaxUploadBytes:  2 << 30,
		SessionTTL:      30 * time.Minute,
		SweepInterval:   time.Minute,
		AllowedOrigins:  []string{"http://localhost:3000"},
		AssetsDir:       filepath.Clean("./web/assets"),
		BuildAssetsDir:  filepath.Clean("./build/web"),
		StatusKeepalive: 30 * time.Second,
		LogLevel:        "info",
		LogColor:        true,
	}
}

// LoadConfig applies the process environment on top of DefaultConfig.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// LoadConfigFrom is LoadConfig with an explicit environment.
func LoadConfigFrom(environ map[string]string) (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BackendURL == "" {
		c.BackendURL = def.BackendURL
	}
	if c.SpoolDir == "" {
		c.SpoolDir = def.SpoolDir
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = def.SessionTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.StatusKeepalive <= 0 {
		c.StatusKeepalive = def.StatusKeepalive
	}
	return c
}
