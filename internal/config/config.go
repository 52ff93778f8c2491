package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultAdminIP   = "127.0.0.1"
	DefaultAdminPort = 19841

	DefaultMetricsIntervalSecs = 10

	DefaultFileWriteDelay = 150 * time.Millisecond
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns a configuration with sensible defaults. Load
// starts from this and overlays whatever the config file and
// environment provide.
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			IP:                  DefaultAdminIP,
			Port:                DefaultAdminPort,
			MetricsIntervalSecs: DefaultMetricsIntervalSecs,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FileOutput: false,
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads the config file named by path (the CLI's single positional
// argument) into a Config, applying defaults first. Unlike a
// general-purpose tool, this is a long-running daemon, so there is no
// implicit multi-directory search: the caller always names the file.
//
// If onConfigChange is non-nil, it is invoked (debounced) whenever the
// file changes on disk. Full hot-reload of router/server/balancer
// topology is out of scope; the callback is expected only to log a
// restart-required warning.
func Load(path string, onConfigChange func(*Config)) (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigFile(path)
	viper.SetEnvPrefix("STREAMROUTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	viper.WatchConfig()

	if onConfigChange != nil {
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return // ignore rapid-fire duplicate events
			}
			lastReload = now

			// some filesystems emit the change event before the
			// write is flushed
			time.Sleep(DefaultFileWriteDelay)

			reloaded := DefaultConfig()
			if err := viper.Unmarshal(reloaded); err != nil {
				return
			}
			onConfigChange(reloaded)
		})
	}

	return cfg, nil
}

// Validate checks structural invariants the unmarshal step can't
// express: a set admin port, non-empty and unique router labels, a set
// interpreter baseUrl and namespace, at least one server per router, and
// a set port and dstName on each server. The interpreter kind is not
// checked. Topology itself (which servers/clients exist) is the
// operator's choice and is not second-guessed here.
func Validate(cfg *Config) error {
	if cfg.Admin.Port == 0 {
		return fmt.Errorf("admin.port must be set")
	}
	seen := make(map[string]struct{}, len(cfg.Routers))
	for i, r := range cfg.Routers {
		if r.Label == "" {
			return fmt.Errorf("routers[%d]: label is required", i)
		}
		if _, dup := seen[r.Label]; dup {
			return fmt.Errorf("routers[%d]: duplicate label %q", i, r.Label)
		}
		seen[r.Label] = struct{}{}

		if r.Interpreter.BaseURL == "" {
			return fmt.Errorf("router %q: interpreter.baseUrl is required", r.Label)
		}
		if r.Interpreter.Namespace == "" {
			return fmt.Errorf("router %q: interpreter.namespace is required", r.Label)
		}
		if len(r.Servers) == 0 {
			return fmt.Errorf("router %q: at least one server is required", r.Label)
		}
		for j, s := range r.Servers {
			if s.Port == 0 {
				return fmt.Errorf("router %q: servers[%d].port must be set", r.Label, j)
			}
			if s.DstName == "" {
				return fmt.Errorf("router %q: servers[%d].dstName is required", r.Label, j)
			}
		}
	}
	return nil
}
