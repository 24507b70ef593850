package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Agent struct {
		// Address serves /healthz, /metrics and /debug endpoints.
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
		// UserID is the local user this agent synchronizes for.
		UserID string `yaml:"user_id"`
	} `yaml:"agent"`

	Backend struct {
		// BaseURL is the HTTP control surface (fallback persist, mark-read).
		BaseURL string `yaml:"base_url"`
		// ChannelURL is the primary bidirectional websocket channel.
		ChannelURL string `yaml:"channel_url"`
		// ChangefeedURL is the row-change subscription used by the
		// fallback transport.
		ChangefeedURL string `yaml:"changefeed_url"`
		APIKey        string `yaml:"api_key"`
		Token         string `yaml:"token"`
		// PostgresDSN enables the direct row-store implementation when
		// the deployment has database access; empty selects HTTP-only.
		PostgresDSN string `yaml:"postgres_dsn"`
	} `yaml:"backend"`

	Sync struct {
		PageSize      int  `yaml:"page_size"`
		CatchupOnConn bool `yaml:"catchup_on_connect"`
	} `yaml:"sync"`

	Send struct {
		WatchdogFirstMs int `yaml:"watchdog_first_ms"`
		WatchdogNextMs  int `yaml:"watchdog_next_ms"`
		MaxAttempts     int `yaml:"max_attempts"`
	} `yaml:"send"`

	Receipts struct {
		PollMs         int `yaml:"poll_ms"`
		ReadDebounceMs int `yaml:"read_debounce_ms"`
	} `yaml:"receipts"`

	Cache struct {
		// Backend selects the snapshot store: "pebble" (default) or "redis".
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
		Limit   int    `yaml:"limit"`
		// RetentionCron schedules the stale-snapshot sweep; empty disables.
		RetentionCron string `yaml:"retention_cron"`
		Redis         struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			TTLHours int    `yaml:"ttl_hours"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Addr returns host:port for the agent HTTP server.
func (c *Config) Addr() string {
	addr := c.Agent.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Agent.Port
	if p == 0 {
		p = 8471
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// ApplyDefaults fills unset tunables with the canonical defaults so the
// rest of the engine never re-checks for zero values.
func (c *Config) ApplyDefaults() {
	if c.Sync.PageSize == 0 {
		c.Sync.PageSize = 30
	}
	if c.Send.WatchdogFirstMs == 0 {
		c.Send.WatchdogFirstMs = 2000
	}
	if c.Send.WatchdogNextMs == 0 {
		c.Send.WatchdogNextMs = 4000
	}
	if c.Send.MaxAttempts == 0 {
		c.Send.MaxAttempts = 3
	}
	if c.Receipts.PollMs == 0 {
		c.Receipts.PollMs = 5000
	}
	if c.Receipts.ReadDebounceMs == 0 {
		c.Receipts.ReadDebounceMs = 500
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "pebble"
	}
	if c.Cache.Path == "" {
		c.Cache.Path = "./.dmsync-cache"
	}
	if c.Cache.Limit == 0 {
		c.Cache.Limit = 200
	}
	if c.Cache.Redis.TTLHours == 0 {
		c.Cache.Redis.TTLHours = 24
	}
}

// WatchdogFirst returns the first-attempt watchdog window.
func (c *Config) WatchdogFirst() time.Duration {
	return time.Duration(c.Send.WatchdogFirstMs) * time.Millisecond
}

// WatchdogNext returns the window for subsequent attempts.
func (c *Config) WatchdogNext() time.Duration {
	return time.Duration(c.Send.WatchdogNextMs) * time.Millisecond
}

func (c *Config) ReceiptPoll() time.Duration {
	return time.Duration(c.Receipts.PollMs) * time.Millisecond
}

func (c *Config) ReadDebounce() time.Duration {
	return time.Duration(c.Receipts.ReadDebounceMs) * time.Millisecond
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseCommandFlags defines and parses command-line flags and returns their
// values along with a map indicating which flags were explicitly set.
func ParseCommandFlags() (addr string, cachePath string, cfgPath string, setFlags map[string]bool) {
	addrPtr := flag.String("addr", ":8471", "agent HTTP listen address")
	cachePtr := flag.String("cache", "./.dmsync-cache", "snapshot cache path")
	cfgPtr := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *cachePtr, *cfgPtr, setFlags
}

// LoadEnvOverrides applies environment overrides onto the provided cfg and
// reports whether any env vars were used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false
	setStr := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			envUsed = true
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				envUsed = true
				*dst = n
			}
		}
	}

	setStr("DMSYNC_USER_ID", &cfg.Agent.UserID)
	setStr("DMSYNC_BACKEND_URL", &cfg.Backend.BaseURL)
	setStr("DMSYNC_CHANNEL_URL", &cfg.Backend.ChannelURL)
	setStr("DMSYNC_CHANGEFEED_URL", &cfg.Backend.ChangefeedURL)
	setStr("DMSYNC_API_KEY", &cfg.Backend.APIKey)
	setStr("DMSYNC_TOKEN", &cfg.Backend.Token)
	setStr("DMSYNC_POSTGRES_DSN", &cfg.Backend.PostgresDSN)
	setStr("DMSYNC_CACHE_BACKEND", &cfg.Cache.Backend)
	setStr("DMSYNC_CACHE_PATH", &cfg.Cache.Path)
	setInt("DMSYNC_CACHE_LIMIT", &cfg.Cache.Limit)
	setStr("DMSYNC_CACHE_RETENTION_CRON", &cfg.Cache.RetentionCron)
	setStr("DMSYNC_REDIS_ADDR", &cfg.Cache.Redis.Addr)
	setStr("DMSYNC_REDIS_PASSWORD", &cfg.Cache.Redis.Password)
	setInt("DMSYNC_REDIS_DB", &cfg.Cache.Redis.DB)
	setInt("DMSYNC_PAGE_SIZE", &cfg.Sync.PageSize)
	setInt("DMSYNC_SEND_MAX_ATTEMPTS", &cfg.Send.MaxAttempts)
	setInt("DMSYNC_RECEIPT_POLL_MS", &cfg.Receipts.PollMs)
	setStr("DMSYNC_LOG_LEVEL", &cfg.Logging.Level)

	if v := strings.TrimSpace(os.Getenv("DMSYNC_ADDR")); v != "" {
		envUsed = true
		host, port, found := strings.Cut(v, ":")
		if found {
			cfg.Agent.Address = host
			if pi, err := strconv.Atoi(port); err == nil {
				cfg.Agent.Port = pi
			}
		} else {
			cfg.Agent.Address = v
		}
	}
	return envUsed
}

// LoadEffective loads config from the given path (file) and applies
// environment overrides and defaults. A missing file is not fatal; env
// and defaults still apply.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
	}
	envUsed := LoadEnvOverrides(cfg)
	cfg.ApplyDefaults()
	return cfg, envUsed, nil
}

// ResolveConfigPath decides the config file path using the flag-provided
// value and the env var `DMSYNC_CONFIG` when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("DMSYNC_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
