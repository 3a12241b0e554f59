package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// AgentConfig is the kiosk agent profile.
type AgentConfig struct {
	KioskID int64  `toml:"kiosk_id" env:"KIOSK_ID"`
	LogLevel string `toml:"log_level" env:"LOG_LEVEL"`

	// ServerURL is the Distribution API base URL. Empty means discover via mDNS.
	ServerURL string `toml:"server_url" env:"SERVER_URL"`
	// BrokerURL is the push channel broker, e.g. tcp://host:1883. Empty means
	// derive from discovery or ServerURL's host.
	BrokerURL string `toml:"broker_url" env:"BROKER_URL"`

	CacheDir string `toml:"cache_dir" env:"CACHE_DIR"`

	ReconcileInterval time.Duration `toml:"reconcile_interval" env:"RECONCILE_INTERVAL"`
	PollInterval      time.Duration `toml:"poll_interval" env:"POLL_INTERVAL"`
	StartupDelay      time.Duration `toml:"startup_delay" env:"STARTUP_DELAY"`
	Debounce          time.Duration `toml:"debounce" env:"DEBOUNCE"`
	DownloadWorkers   int           `toml:"download_workers" env:"DOWNLOAD_WORKERS"`
	RequestTimeout    time.Duration `toml:"request_timeout" env:"REQUEST_TIMEOUT"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	DiscoveryTimeout  time.Duration `toml:"discovery_timeout" env:"DISCOVERY_TIMEOUT"`

	ImageDwell       time.Duration `toml:"image_dwell" env:"IMAGE_DWELL"`
	VideoBackstop    time.Duration `toml:"video_backstop" env:"VIDEO_BACKSTOP"`
	DefaultAssetPath string        `toml:"default_asset_path" env:"DEFAULT_ASSET"`
}

const agentEnvPrefix = "ADSYNC_AGENT_"

// DefaultAgentConfig returns the agent defaults applied before the profile and environment.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		LogLevel:          "info",
		CacheDir:          "data/kiosk-cache",
		ReconcileInterval: 5 * time.Minute,
		PollInterval:      30 * time.Second,
		StartupDelay:      3 * time.Second,
		Debounce:          time.Second,
		DownloadWorkers:   4,
		RequestTimeout:    10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		DiscoveryTimeout:  5 * time.Second,
		ImageDwell:        7 * time.Second,
		VideoBackstop:     2 * time.Minute,
		DefaultAssetPath:  "assets/default-ad.png",
	}
}

// LoadAgent reads the TOML profile at path (a missing file is fine) and applies
// ADSYNC_AGENT_* environment overrides on top.
func LoadAgent(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return AgentConfig{}, fmt.Errorf("reading agent profile %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: agentEnvPrefix}); err != nil {
		return AgentConfig{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

// Validate checks the fields every agent command needs.
func (c AgentConfig) Validate() error {
	if c.KioskID <= 0 {
		return fmt.Errorf("kiosk_id must be a positive kiosk identifier")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir is required")
	}
	if c.ReconcileInterval <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("reconcile_interval and poll_interval must be positive")
	}
	if c.DownloadWorkers <= 0 {
		return fmt.Errorf("download_workers must be positive")
	}
	if c.ImageDwell <= 0 || c.VideoBackstop <= 0 {
		return fmt.Errorf("image_dwell and video_backstop must be positive")
	}
	return nil
}
