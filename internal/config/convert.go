package config

import (
	"time"

	"github.com/tetherline/tether/internal/creds"
	"github.com/tetherline/tether/internal/session"
	"github.com/tetherline/tether/internal/wire"
)

// SessionConfig assembles one account's session configuration from the
// daemon config. Zero-valued tuning fields fall through to each package's
// defaults.
func SessionConfig(cfg Config, acct AccountConfig) session.Config {
	return session.Config{
		AccountID: acct.ID,
		Addr:      acct.Addr,
		DeviceID:  acct.DeviceID,
		Wire: wire.Config{
			HeartbeatInterval: time.Duration(cfg.Wire.HeartbeatIntervalSec) * time.Second,
			HeartbeatTimeout:  time.Duration(cfg.Wire.HeartbeatTimeoutSec) * time.Second,
			TLS: wire.TLSConfig{
				Enabled:    cfg.Wire.TLSEnabled,
				ServerName: cfg.Wire.TLSServerName,
				CAFile:     cfg.Wire.TLSCAFile,
			},
		},
		Creds: creds.Config{
			Endpoint:        cfg.Refresh.Endpoint,
			AppKey:          cfg.Refresh.AppKey,
			TokenCookie:     cfg.Refresh.TokenCookie,
			RefreshInterval: time.Duration(cfg.Refresh.RefreshIntervalMin) * time.Minute,
			CookieInterval:  time.Duration(cfg.Refresh.CookieIntervalMin) * time.Minute,
			CaptchaDepth:    cfg.Refresh.CaptchaDepth,
		},
	}
}
