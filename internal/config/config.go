package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config lists the tunable parameters for the ad distribution server.
type Config struct {
	HTTPPort        int    `env:"HTTP_PORT" envDefault:"8080"`
	MQTTBindAddress string `env:"MQTT_BIND" envDefault:":1883"`
	DatabasePath    string `env:"DATABASE_PATH" envDefault:"data/adsync.db"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`

	// PublicBaseURL prefixes download locators handed to kiosks. Empty means
	// "http://localhost:<HTTPPort>".
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
	// AdminAPIKey guards mutating routes. Empty disables the check.
	AdminAPIKey    string `env:"ADMIN_API_KEY"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"209715200"`

	PresenceTTL      time.Duration `env:"PRESENCE_TTL" envDefault:"90s"`
	PresenceCapacity int           `env:"PRESENCE_CAPACITY" envDefault:"4096"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"15s"`
	PushQueueSize    int           `env:"PUSH_QUEUE_SIZE" envDefault:"256"`

	MDNSEnabled bool `env:"MDNS_ENABLED" envDefault:"true"`

	Blob BlobConfig `envPrefix:"BLOB_"`
}

// BlobConfig selects the payload storage backend.
// Backend determines which other fields are relevant.
type BlobConfig struct {
	Backend string `env:"BACKEND" envDefault:"filesystem"` // "filesystem", "s3" or "memory"
	Dir     string `env:"DIR" envDefault:"data/uploads"`   // filesystem only

	S3Bucket    string `env:"S3_BUCKET"`
	S3Prefix    string `env:"S3_PREFIX"`
	S3Region    string `env:"S3_REGION"`
	S3Endpoint  string `env:"S3_ENDPOINT"` // S3-compatible stores (MinIO); forces path-style
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
}

const envPrefix = "ADSYNC_"

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid %sHTTP_PORT %d", envPrefix, c.HTTPPort)
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("%sPRESENCE_TTL must be positive", envPrefix)
	}
	if c.PresenceCapacity <= 0 {
		return fmt.Errorf("%sPRESENCE_CAPACITY must be positive", envPrefix)
	}
	if c.PushQueueSize <= 0 {
		return fmt.Errorf("%sPUSH_QUEUE_SIZE must be positive", envPrefix)
	}
	switch c.Blob.Backend {
	case "filesystem", "memory":
	case "s3":
		if c.Blob.S3Bucket == "" {
			return fmt.Errorf("%sBLOB_S3_BUCKET is required for the s3 backend", envPrefix)
		}
	default:
		return fmt.Errorf("unknown %sBLOB_BACKEND %q", envPrefix, c.Blob.Backend)
	}
	return nil
}

// BaseURL returns the externally reachable base URL of the HTTP API.
func (c Config) BaseURL() string {
	if c.PublicBaseURL != "" {
		return c.PublicBaseURL
	}
	return fmt.Sprintf("http://localhost:%d", c.HTTPPort)
}
