// Package config loads the daemon's TOML configuration: the ops HTTP
// surface, the credential store, the refresh endpoint, and the account list.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Ops      OpsConfig       `toml:"ops"`
	Store    StoreConfig     `toml:"store"`
	Refresh  RefreshConfig   `toml:"refresh"`
	Wire     WireConfig      `toml:"wire"`
	Accounts []AccountConfig `toml:"accounts"`
}

type OpsConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	AuthToken   string   `toml:"auth_token"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type RefreshConfig struct {
	Endpoint           string `toml:"endpoint"`
	AppKey             string `toml:"app_key"`
	TokenCookie        string `toml:"token_cookie"`
	RefreshIntervalMin int    `toml:"refresh_interval_min"`
	CookieIntervalMin  int    `toml:"cookie_interval_min"`
	CaptchaDepth       int    `toml:"captcha_depth"`
}

type WireConfig struct {
	HeartbeatIntervalSec int    `toml:"heartbeat_interval_sec"`
	HeartbeatTimeoutSec  int    `toml:"heartbeat_timeout_sec"`
	TLSEnabled           bool   `toml:"tls_enabled"`
	TLSServerName        string `toml:"tls_server_name"`
	TLSCAFile            string `toml:"tls_ca_file"`
}

type AccountConfig struct {
	ID       string `toml:"id"`
	Addr     string `toml:"addr"`
	DeviceID string `toml:"device_id"`
	Enabled  bool   `toml:"enabled"`
}

func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	cfg = withDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func withDefaults(cfg Config) Config {
	if cfg.Ops.Addr == "" {
		cfg.Ops.Addr = ":8600"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "tether.db"
	}
	for i := range cfg.Accounts {
		// A missing device id gets a generated one so the registration
		// handshake always carries a device identity.
		if strings.TrimSpace(cfg.Accounts[i].DeviceID) == "" {
			cfg.Accounts[i].DeviceID = uuid.NewString()
		}
	}
	return cfg
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Ops.Addr) == "" {
		return fmt.Errorf("config missing ops addr")
	}
	if cfg.Refresh.Endpoint != "" && strings.TrimSpace(cfg.Refresh.AppKey) == "" {
		return fmt.Errorf("refresh endpoint set without app_key")
	}
	seen := make(map[string]bool, len(cfg.Accounts))
	for i, acct := range cfg.Accounts {
		id := strings.TrimSpace(acct.ID)
		if id == "" {
			return fmt.Errorf("account[%d] missing id", i)
		}
		if seen[id] {
			return fmt.Errorf("account[%d] duplicate id %q", i, id)
		}
		seen[id] = true
		if acct.Enabled && strings.TrimSpace(acct.Addr) == "" {
			return fmt.Errorf("account %q enabled without addr", id)
		}
	}
	return nil
}

// Enabled returns the accounts the daemon should run sessions for.
func (c Config) Enabled() []AccountConfig {
	out := make([]AccountConfig, 0, len(c.Accounts))
	for _, acct := range c.Accounts {
		if acct.Enabled {
			out = append(out, acct)
		}
	}
	return out
}
