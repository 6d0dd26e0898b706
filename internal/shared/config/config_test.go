package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"cdn_ip_tester/internal/shared/types"
)

const iniConfig = `port_base = 30000
max_connection_count = 32
server_url = https://example.com/ping
cdn_url = https://cdn.example.com/cdn-cgi/trace
listen_ip = 127.0.0.1
max_rtt = 1500
server_res_body = pong
cdn_res_body = h=
max_subnet_len = 16

[engine]
path = /usr/local/bin/sing-box
args = run -D /tmp -c {config}

[probe]
rate = 50
`

const tomlConfig = `port_base = 30000
max_connection_count = 32
server_url = "https://example.com/ping"
cdn_url = "https://cdn.example.com/cdn-cgi/trace"
listen_ip = "127.0.0.1"
max_rtt = 1500
server_res_body = "pong"
cdn_res_body = "h="
max_subnet_len = 16

[engine]
path = "/usr/local/bin/sing-box"
args = ["run", "-D", "/tmp", "-c", "{config}"]

[probe]
rate = 50.0
`

const yamlConfig = `port_base: 30000
max_connection_count: 32
server_url: https://example.com/ping
cdn_url: https://cdn.example.com/cdn-cgi/trace
listen_ip: 127.0.0.1
max_rtt: 1500
server_res_body: pong
cdn_res_body: "h="
max_subnet_len: 16
engine:
  path: /usr/local/bin/sing-box
  args: [run, -D, /tmp, -c, "{config}"]
probe:
  rate: 50
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_AllFormatsAgree(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"ip-tester.ini":  iniConfig,
		"ip-tester.toml": tomlConfig,
		"ip-tester.yaml": yamlConfig,
	}
	wantArgs := []string{"run", "-D", "/tmp", "-c", "{config}"}
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, dir, name, content))
			if err != nil {
				t.Fatalf("Load() returned an error: %v", err)
			}
			if cfg.PortBase != 30000 || cfg.MaxConnectionCount != 32 || cfg.MaxRTT != 1500 || cfg.MaxSubnetLen != 16 {
				t.Errorf("Unexpected numeric fields: %+v", cfg)
			}
			if cfg.ServerURL != "https://example.com/ping" || cfg.ServerResBody != "pong" || cfg.CDNResBody != "h=" {
				t.Errorf("Unexpected string fields: %+v", cfg)
			}
			if cfg.Engine.Path != "/usr/local/bin/sing-box" || !reflect.DeepEqual(cfg.Engine.Args, wantArgs) {
				t.Errorf("Unexpected engine section: %+v", cfg.Engine)
			}
			if cfg.Probe.Rate != 50 {
				t.Errorf("Expected probe rate 50, got %v", cfg.Probe.Rate)
			}
			// defaults
			if cfg.Engine.StartupTimeout != types.DefaultStartupTimeout.Milliseconds() || cfg.Probe.MaxBody != types.DefaultMaxBody {
				t.Errorf("Defaults not applied: %+v", cfg)
			}
		})
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv(EnvMaxConnectionCount, "4")
	t.Setenv(EnvMaxRTT, "900")
	cfg, err := Load(writeFile(t, t.TempDir(), "ip-tester.ini", iniConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConnectionCount != 4 || cfg.MaxRTT != 900 {
		t.Errorf("Env override not applied: count=%d rtt=%d", cfg.MaxConnectionCount, cfg.MaxRTT)
	}
}

func TestLoad_InvalidIsConfigError(t *testing.T) {
	tests := map[string]string{
		"bad url":      "port_base = 1\nmax_connection_count = 1\nserver_url = ftp://x\nlisten_ip = 127.0.0.1\nmax_rtt = 1\nmax_subnet_len = 1\n",
		"bad listen":   "port_base = 1\nmax_connection_count = 1\nserver_url = http://x\nlisten_ip = localhost\nmax_rtt = 1\nmax_subnet_len = 1\n",
		"zero workers": "port_base = 1\nmax_connection_count = 0\nserver_url = http://x\nlisten_ip = 127.0.0.1\nmax_rtt = 1\nmax_subnet_len = 1\n",
		"no rtt":       "port_base = 1\nmax_connection_count = 1\nserver_url = http://x\nlisten_ip = 127.0.0.1\nmax_subnet_len = 1\n",
	}
	dir := t.TempDir()
	for name, content := range tests {
		_, err := Load(writeFile(t, dir, "bad.ini", content))
		var cfgErr *types.ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("%s: expected ConfigError, got %v", name, err)
		}
	}

	_, err := Load(writeFile(t, dir, "ip-tester.json", "{}"))
	var cfgErr *types.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Unsupported extension: expected ConfigError, got %v", err)
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	if _, err := Find(dir); err == nil {
		t.Fatal("Expected an error for an empty data dir")
	}
	writeFile(t, dir, "ip-tester.yml", yamlConfig)
	writeFile(t, dir, "ip-tester.toml", tomlConfig)
	got, err := Find(dir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(got) != "ip-tester.toml" {
		t.Errorf("Expected toml to win over yml, got %s", got)
	}
}

func TestLoadCIDRs(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "# cloudflare\n104.16.0.0/13\n\n  172.64.0.0/13  # trailing\n")
	b := writeFile(t, dir, "b.txt", "2606:4700::/32\n")
	got, err := LoadCIDRs(a, b)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"104.16.0.0/13", "172.64.0.0/13", "2606:4700::/32"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("LoadCIDRs() = %v, want %v", got, want)
	}

	_, err = LoadCIDRs(filepath.Join(dir, "missing.txt"))
	var cfgErr *types.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigError for a missing file, got %v", err)
	}
}
