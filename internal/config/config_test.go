package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tetherline/tether/internal/testutil/testlog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tether.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[[accounts]]
id = "acct.a"
addr = "gw.example.com:443"
enabled = true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ops.Addr != ":8600" {
		t.Fatalf("ops addr default=%q", cfg.Ops.Addr)
	}
	if cfg.Store.Path != "tether.db" {
		t.Fatalf("store path default=%q", cfg.Store.Path)
	}
	if cfg.Accounts[0].DeviceID == "" {
		t.Fatalf("expected generated device id")
	}
	if got := cfg.Enabled(); len(got) != 1 || got[0].ID != "acct.a" {
		t.Fatalf("enabled accounts=%v", got)
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"duplicate account id",
			"[[accounts]]\nid = \"acct.a\"\n[[accounts]]\nid = \"acct.a\"\n",
			"duplicate id",
		},
		{
			"enabled without addr",
			"[[accounts]]\nid = \"acct.a\"\nenabled = true\n",
			"enabled without addr",
		},
		{
			"missing account id",
			"[[accounts]]\naddr = \"gw:443\"\n",
			"missing id",
		},
		{
			"endpoint without app key",
			"[refresh]\nendpoint = \"https://svc/refresh\"\n",
			"without app_key",
		},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.content)
		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: err=%v, want substring %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestSessionConfigMapping(t *testing.T) {
	testlog.Start(t)
	cfg := Config{
		Refresh: RefreshConfig{Endpoint: "https://svc/refresh", AppKey: "k", RefreshIntervalMin: 30},
		Wire:    WireConfig{HeartbeatIntervalSec: 20, HeartbeatTimeoutSec: 7},
	}
	acct := AccountConfig{ID: "acct.a", Addr: "gw:443", DeviceID: "dev.1"}
	sc := SessionConfig(cfg, acct)
	if sc.AccountID != "acct.a" || sc.Addr != "gw:443" || sc.DeviceID != "dev.1" {
		t.Fatalf("identity mapping wrong: %+v", sc)
	}
	if sc.Wire.HeartbeatInterval.Seconds() != 20 || sc.Wire.HeartbeatTimeout.Seconds() != 7 {
		t.Fatalf("wire mapping wrong: %+v", sc.Wire)
	}
	if sc.Creds.RefreshInterval.Minutes() != 30 {
		t.Fatalf("creds mapping wrong: %+v", sc.Creds)
	}
}

func TestTemplateRoundTrips(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "tether.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("template must load cleanly: %v", err)
	}
	if len(cfg.Accounts) != 1 || cfg.Accounts[0].Enabled {
		t.Fatalf("template account should exist and be disabled: %+v", cfg.Accounts)
	}
}
