package chatsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/SaraQosja/diploma-project-sub001/kvstore"
)

// ============================================================================
// Config types
// ============================================================================

// Duration is a time.Duration written as a string such as "8s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the TOML configuration of a client.
type Config struct {
	Server  ConfigServer  `toml:"server"`
	Auth    ConfigAuth    `toml:"auth"`
	Sync    ConfigSync    `toml:"sync"`
	Backoff ConfigBackoff `toml:"backoff"`
	Cache   ConfigCache   `toml:"cache"`
}

// ConfigServer holds backend endpoints.
type ConfigServer struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
}

// ConfigAuth holds the credential and the local identity.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
	FullName string `toml:"full_name"`
}

// ConfigSync holds timeline synchronization settings.
type ConfigSync struct {
	ReconcileTimeout Duration `toml:"reconcile_timeout"`
	PollInterval     Duration `toml:"poll_interval"`
	PollTimeout      Duration `toml:"poll_timeout"`
	PersistDebounce  Duration `toml:"persist_debounce"`
	DegradedAfter    int      `toml:"degraded_after"`
	TypingTTL        Duration `toml:"typing_ttl"`
	SendOverPush     bool     `toml:"send_over_push"`
	HistoryPageSize  int      `toml:"history_page_size"`
}

// ConfigBackoff holds reconnect backoff settings.
type ConfigBackoff struct {
	Base   Duration `toml:"base"`
	Max    Duration `toml:"max"`
	Jitter float64  `toml:"jitter"`
}

// ConfigCache selects and configures the snapshot backend.
type ConfigCache struct {
	Backend     string   `toml:"backend"`
	RedisURL    string   `toml:"redis_url"`
	RedisTTL    Duration `toml:"redis_ttl"`
	SQLitePath  string   `toml:"sqlite_path"`
	SnapshotKey string   `toml:"snapshot_key"`
	LoadWait    Duration `toml:"load_wait"`
}

// DefaultConfig returns the default settings.
func DefaultConfig() *Config {
	return &Config{
		Server: ConfigServer{BaseURL: "http://localhost:8080"},
		Sync: ConfigSync{
			ReconcileTimeout: Duration(DefaultReconcileTimeout),
			PollInterval:     Duration(DefaultPollInterval),
			PersistDebounce:  Duration(DefaultPersistDebounce),
			DegradedAfter:    5,
			TypingTTL:        Duration(DefaultTypingTTL),
			HistoryPageSize:  DefaultHistoryPageSize,
		},
		Backoff: ConfigBackoff{
			Base:   Duration(time.Second),
			Max:    Duration(30 * time.Second),
			Jitter: 0.2,
		},
		Cache: ConfigCache{
			Backend:  "memory",
			LoadWait: Duration(DefaultCacheLoadWait),
		},
	}
}

// ============================================================================
// Config helpers
// ============================================================================

// LoadConfig reads path over the defaults. A missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as TOML, creating the directory.
func SaveConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// Set sets a field using dot notation (e.g. "sync.poll_interval").
func (cfg *Config) Set(key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.base_url)")
	}
	section, field := parts[0], parts[1]

	var err error
	switch section {
	case "server":
		switch field {
		case "base_url":
			cfg.Server.BaseURL = value
		case "ws_url":
			cfg.Server.WSURL = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		case "full_name":
			cfg.Auth.FullName = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "sync":
		switch field {
		case "reconcile_timeout":
			err = cfg.Sync.ReconcileTimeout.UnmarshalText([]byte(value))
		case "poll_interval":
			err = cfg.Sync.PollInterval.UnmarshalText([]byte(value))
		case "poll_timeout":
			err = cfg.Sync.PollTimeout.UnmarshalText([]byte(value))
		case "persist_debounce":
			err = cfg.Sync.PersistDebounce.UnmarshalText([]byte(value))
		case "degraded_after":
			cfg.Sync.DegradedAfter, err = strconv.Atoi(value)
		case "typing_ttl":
			err = cfg.Sync.TypingTTL.UnmarshalText([]byte(value))
		case "send_over_push":
			cfg.Sync.SendOverPush, err = strconv.ParseBool(value)
		case "history_page_size":
			cfg.Sync.HistoryPageSize, err = strconv.Atoi(value)
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "backoff":
		switch field {
		case "base":
			err = cfg.Backoff.Base.UnmarshalText([]byte(value))
		case "max":
			err = cfg.Backoff.Max.UnmarshalText([]byte(value))
		case "jitter":
			cfg.Backoff.Jitter, err = strconv.ParseFloat(value, 64)
		default:
			return fmt.Errorf("unknown field %q in section [backoff]", field)
		}
	case "cache":
		switch field {
		case "backend":
			switch value {
			case "memory", "redis", "sqlite":
				cfg.Cache.Backend = value
			default:
				return fmt.Errorf("unknown cache backend %q (valid: memory, redis, sqlite)", value)
			}
		case "redis_url":
			cfg.Cache.RedisURL = value
		case "redis_ttl":
			err = cfg.Cache.RedisTTL.UnmarshalText([]byte(value))
		case "sqlite_path":
			cfg.Cache.SQLitePath = value
		case "snapshot_key":
			cfg.Cache.SnapshotKey = value
		case "load_wait":
			err = cfg.Cache.LoadWait.UnmarshalText([]byte(value))
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, sync, backoff, cache)", section)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return nil
}

// Options converts cfg into client options. The store is not included;
// see OpenStore.
func (cfg *Config) Options() []Option {
	opts := []Option{
		WithBaseURL(cfg.Server.BaseURL),
		WithWSURL(cfg.Server.WSURL),
		WithReconcileTimeout(time.Duration(cfg.Sync.ReconcileTimeout)),
		WithPolling(time.Duration(cfg.Sync.PollInterval), time.Duration(cfg.Sync.PollTimeout)),
		WithPersistDebounce(time.Duration(cfg.Sync.PersistDebounce)),
		WithDegradedAfter(cfg.Sync.DegradedAfter),
		WithTypingTTL(time.Duration(cfg.Sync.TypingTTL)),
		WithSendOverPush(cfg.Sync.SendOverPush),
		WithHistoryPageSize(cfg.Sync.HistoryPageSize),
		WithBackoff(time.Duration(cfg.Backoff.Base), time.Duration(cfg.Backoff.Max), cfg.Backoff.Jitter),
		WithCacheLoadWait(time.Duration(cfg.Cache.LoadWait)),
	}
	if cfg.Auth.UserID != "" {
		opts = append(opts, WithIdentity(Identity{
			UserID:   cfg.Auth.UserID,
			Username: cfg.Auth.Username,
			FullName: cfg.Auth.FullName,
		}))
	}
	if cfg.Cache.SnapshotKey != "" {
		opts = append(opts, WithSnapshotKey([]byte(cfg.Cache.SnapshotKey)))
	}
	return opts
}

// OpenStore opens the configured snapshot backend. The caller closes it.
func (cfg *Config) OpenStore(ctx context.Context) (kvstore.Store, error) {
	switch cfg.Cache.Backend {
	case "", "memory":
		return kvstore.NewMemory(), nil
	case "redis":
		if cfg.Cache.RedisURL == "" {
			return nil, fmt.Errorf("cache.redis_url is required for the redis backend")
		}
		return kvstore.NewRedis(ctx, cfg.Cache.RedisURL, time.Duration(cfg.Cache.RedisTTL))
	case "sqlite":
		path := cfg.Cache.SQLitePath
		if path == "" {
			return nil, fmt.Errorf("cache.sqlite_path is required for the sqlite backend")
		}
		return kvstore.OpenSQLite(path)
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
}
