package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Proxy   ProxyConfig
	Sync    SyncConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
}

type StorageConfig struct {
	DataDir    string
	QuotaBytes int
}

// ProxyConfig configures the caching reverse proxy. It is disabled while
// OriginURL is empty.
type ProxyConfig struct {
	Port              int
	OriginURL         string
	Version           string
	CoreAssets        []string
	ExternalAllowlist []string
	APIPrefixes       []string
	OfflinePage       string
	AutoActivate      bool
}

// SyncConfig configures replay to the remote. With RemoteURL empty the
// coordinator only marks entries synced locally.
type SyncConfig struct {
	RemoteURL        string
	MaxAttempts      int
	ProbeInterval    time.Duration
	PeriodicInterval time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4100,
			MaxConns: 64,
		},
		Storage: StorageConfig{
			DataDir:    defaultDataDir(),
			QuotaBytes: 50 << 20,
		},
		Proxy: ProxyConfig{
			Port:    4101,
			Version: "v1",
			CoreAssets: []string{
				"/",
				"/index.html",
				"/manifest.json",
				"/icons/icon-192x192.png",
				"/icons/icon-512x512.png",
			},
			ExternalAllowlist: []string{
				"https://fonts.googleapis.com/",
				"https://fonts.gstatic.com/",
			},
			APIPrefixes:  []string{"/api/"},
			OfflinePage:  "/index.html",
			AutoActivate: true,
		},
		Sync: SyncConfig{
			MaxAttempts:      10,
			ProbeInterval:    30 * time.Second,
			PeriodicInterval: 15 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, then applies
// environment variables.
//
// On macOS the backend is UserDefaults (domain: com.moodtracker.app).
// On Linux the backend is a TOML file at
// $XDG_CONFIG_HOME/moodtracker/config.toml, one table per key prefix.
//
// Environment variables (MOODTRACKER_*) override backend values on all
// platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	for name, port := range map[string]int{"server.port": c.Server.Port, "proxy.port": c.Proxy.Port} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid config: %s = %d is not a valid port", name, port)
		}
	}
	if c.Proxy.OriginURL != "" && c.Proxy.Port == c.Server.Port {
		return fmt.Errorf("invalid config: proxy.port and server.port are both %d", c.Server.Port)
	}
	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("invalid config: sync.max_attempts must not be negative")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ParseLevel maps a log.level value onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
