package relay

import (
	"log/slog"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/saurabhdas/pair-claudeing/observability"
	"github.com/saurabhdas/pair-claudeing/store"
)

// Config tunes the relay server. Zero values fall back to the defaults in New.
type Config struct {
	ListenHost string
	ListenPort int

	DefaultCols uint16
	DefaultRows uint16

	SessionMaxAge      time.Duration // sessions older than this are swept
	ProducerReconnect  time.Duration // grace period after a control drop
	ViewerSetupTimeout time.Duration // bound on the first viewer message
	SpawnTimeout       time.Duration // bound on start_terminal round trips
	ClockSkew          time.Duration // allowed skew for token expiry checks

	MaxFrame           int // read limit per websocket message
	MaxWriteQueueBytes int // per-socket write queue bound

	ControlTokenSecret string

	AllowedOrigins []string
	AllowNoOrigin  bool

	// StorePath is the sqlite file backing the room store. Ignored when Store
	// is set directly.
	StorePath string
	Store     store.Store

	Logger   *slog.Logger
	Observer observability.RelayObserver
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ListenHost:         "127.0.0.1",
		ListenPort:         8090,
		DefaultCols:        80,
		DefaultRows:        24,
		SessionMaxAge:      time.Hour,
		ProducerReconnect:  30 * time.Second,
		ViewerSetupTimeout: 10 * time.Second,
		SpawnTimeout:       30 * time.Second,
		ClockSkew:          30 * time.Second,
		MaxFrame:           1 << 20,
		MaxWriteQueueBytes: 4 << 20,
		StorePath:          "paircode.db",
		AllowNoOrigin:      false,
	}
}

// FileConfig is the on-disk TOML shape. Durations are millisecond integers so
// the file stays unit-explicit.
type FileConfig struct {
	ListenHost           string   `toml:"listen_host"`
	ListenPort           int      `toml:"listen_port"`
	DefaultCols          int      `toml:"default_cols"`
	DefaultRows          int      `toml:"default_rows"`
	SessionMaxAgeMs      int64    `toml:"session_max_age_ms"`
	ProducerReconnectMs  int64    `toml:"producer_reconnect_ms"`
	ViewerSetupTimeoutMs int64    `toml:"viewer_setup_timeout_ms"`
	SpawnTimeoutMs       int64    `toml:"spawn_timeout_ms"`
	ClockSkewMs          int64    `toml:"clock_skew_ms"`
	MaxFrame             int      `toml:"max_frame"`
	MaxWriteQueueBytes   int      `toml:"max_write_queue_bytes"`
	ControlTokenSecret   string   `toml:"control_token_secret"`
	AllowedOrigins       []string `toml:"allowed_origins"`
	AllowNoOrigin        bool     `toml:"allow_no_origin"`
	StorePath            string   `toml:"store_path"`
	MetricsListen        string   `toml:"metrics_listen"`
}

// LoadFileConfig reads a TOML config file.
func LoadFileConfig(path string) (FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, err
	}
	var fc FileConfig
	if err := toml.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}

// Apply overlays the file values that were set onto cfg.
func (fc FileConfig) Apply(cfg Config) Config {
	if fc.ListenHost != "" {
		cfg.ListenHost = fc.ListenHost
	}
	if fc.ListenPort > 0 {
		cfg.ListenPort = fc.ListenPort
	}
	if fc.DefaultCols > 0 {
		cfg.DefaultCols = uint16(fc.DefaultCols)
	}
	if fc.DefaultRows > 0 {
		cfg.DefaultRows = uint16(fc.DefaultRows)
	}
	if fc.SessionMaxAgeMs > 0 {
		cfg.SessionMaxAge = time.Duration(fc.SessionMaxAgeMs) * time.Millisecond
	}
	if fc.ProducerReconnectMs > 0 {
		cfg.ProducerReconnect = time.Duration(fc.ProducerReconnectMs) * time.Millisecond
	}
	if fc.ViewerSetupTimeoutMs > 0 {
		cfg.ViewerSetupTimeout = time.Duration(fc.ViewerSetupTimeoutMs) * time.Millisecond
	}
	if fc.SpawnTimeoutMs > 0 {
		cfg.SpawnTimeout = time.Duration(fc.SpawnTimeoutMs) * time.Millisecond
	}
	if fc.ClockSkewMs > 0 {
		cfg.ClockSkew = time.Duration(fc.ClockSkewMs) * time.Millisecond
	}
	if fc.MaxFrame > 0 {
		cfg.MaxFrame = fc.MaxFrame
	}
	if fc.MaxWriteQueueBytes > 0 {
		cfg.MaxWriteQueueBytes = fc.MaxWriteQueueBytes
	}
	if fc.ControlTokenSecret != "" {
		cfg.ControlTokenSecret = fc.ControlTokenSecret
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.AllowNoOrigin {
		cfg.AllowNoOrigin = true
	}
	if fc.StorePath != "" {
		cfg.StorePath = fc.StorePath
	}
	return cfg
}
