package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kList
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MOODTRACKER_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "MOODTRACKER_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MOODTRACKER_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.quota_bytes", typ: kInt, env: "MOODTRACKER_STORAGE_QUOTA_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Storage.QuotaBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.QuotaBytes },
	},
	{
		key: "proxy.port", typ: kInt, env: "MOODTRACKER_PROXY_PORT",
		apply:   func(cfg *Config, v any) { cfg.Proxy.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Proxy.Port },
	},
	{
		key: "proxy.origin_url", typ: kString, env: "MOODTRACKER_PROXY_ORIGIN_URL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.OriginURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OriginURL },
	},
	{
		key: "proxy.version", typ: kString, env: "MOODTRACKER_PROXY_VERSION",
		apply:   func(cfg *Config, v any) { cfg.Proxy.Version = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.Version },
	},
	{
		key: "proxy.core_assets", typ: kList, env: "MOODTRACKER_PROXY_CORE_ASSETS",
		apply:   func(cfg *Config, v any) { cfg.Proxy.CoreAssets = v.([]string) },
		extract: func(cfg Config) any { return cfg.Proxy.CoreAssets },
	},
	{
		key: "proxy.external_allowlist", typ: kList, env: "MOODTRACKER_PROXY_EXTERNAL_ALLOWLIST",
		apply:   func(cfg *Config, v any) { cfg.Proxy.ExternalAllowlist = v.([]string) },
		extract: func(cfg Config) any { return cfg.Proxy.ExternalAllowlist },
	},
	{
		key: "proxy.api_prefixes", typ: kList, env: "MOODTRACKER_PROXY_API_PREFIXES",
		apply:   func(cfg *Config, v any) { cfg.Proxy.APIPrefixes = v.([]string) },
		extract: func(cfg Config) any { return cfg.Proxy.APIPrefixes },
	},
	{
		key: "proxy.offline_page", typ: kString, env: "MOODTRACKER_PROXY_OFFLINE_PAGE",
		apply:   func(cfg *Config, v any) { cfg.Proxy.OfflinePage = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OfflinePage },
	},
	{
		key: "proxy.auto_activate", typ: kBool, env: "MOODTRACKER_PROXY_AUTO_ACTIVATE",
		apply:   func(cfg *Config, v any) { cfg.Proxy.AutoActivate = v.(bool) },
		extract: func(cfg Config) any { return cfg.Proxy.AutoActivate },
	},
	{
		key: "sync.remote_url", typ: kString, env: "MOODTRACKER_SYNC_REMOTE_URL",
		apply:   func(cfg *Config, v any) { cfg.Sync.RemoteURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.RemoteURL },
	},
	{
		key: "sync.max_attempts", typ: kInt, env: "MOODTRACKER_SYNC_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.MaxAttempts },
	},
	{
		key: "sync.probe_interval", typ: kDuration, env: "MOODTRACKER_SYNC_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.ProbeInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.ProbeInterval },
	},
	{
		key: "sync.periodic_interval", typ: kDuration, env: "MOODTRACKER_SYNC_PERIODIC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.PeriodicInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.PeriodicInterval },
	},
	{
		key: "log.level", typ: kString, env: "MOODTRACKER_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw text into the Go type a key expects.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(strings.TrimSpace(raw))
	case kBool:
		return strconv.ParseBool(strings.TrimSpace(raw))
	case kList:
		return splitList(raw), nil
	case kDuration:
		return time.ParseDuration(strings.TrimSpace(raw))
	}
	return nil, fmt.Errorf("unsupported key type %d", typ)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
