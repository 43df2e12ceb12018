package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes a starter daemon config. Refuses to clobber an
// existing file unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(daemonTemplate), 0o600)
}

const daemonTemplate = `[ops]
addr = ":8600"
cors_origins = ["http://localhost:3000"]

[store]
path = "tether.db"

[refresh]
endpoint = "https://service.example.com/token/refresh"
app_key = "replace-me"
refresh_interval_min = 60
cookie_interval_min = 60

[wire]
heartbeat_interval_sec = 15
heartbeat_timeout_sec = 5

[[accounts]]
id = "acct.example"
addr = "gateway.example.com:443"
enabled = false
`
