package types

import (
	"net/netip"
	"strings"
	"time"
)

// EngineConf 描述外部代理引擎 (sing-box) 的启动方式。
type EngineConf struct {
	Path           string   `ini:"path" toml:"path" yaml:"path"`
	Args           []string `ini:"args" delim:" " toml:"args" yaml:"args"` // {config} 会被替换为生成的配置文件路径
	StartupTimeout int64    `ini:"startup_timeout" toml:"startup_timeout" yaml:"startup_timeout"` // ms
	StopGrace      int64    `ini:"stop_grace" toml:"stop_grace" yaml:"stop_grace"`                // ms
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level" toml:"level" yaml:"level"`
	File  string `ini:"file" toml:"file" yaml:"file"`
}

// ProbeConf 包含探测阶段的附加参数
type ProbeConf struct {
	Rate    float64 `ini:"rate" toml:"rate" yaml:"rate"`             // 每秒启动的探测数, 0 表示不限速
	MaxBody int64   `ini:"max_body" toml:"max_body" yaml:"max_body"` // 每个响应最多读取的字节数
	GeoIPDB string  `ini:"geoip_db" toml:"geoip_db" yaml:"geoip_db"`
}

// RunConfig 是一次测试运行的统一配置。加载后只读，在所有并发探测之间共享。
type RunConfig struct {
	PortBase           uint16 `ini:"port_base" toml:"port_base" yaml:"port_base"`
	MaxConnectionCount int    `ini:"max_connection_count" toml:"max_connection_count" yaml:"max_connection_count"`
	ServerURL          string `ini:"server_url" toml:"server_url" yaml:"server_url"`
	CDNURL             string `ini:"cdn_url" toml:"cdn_url" yaml:"cdn_url"`
	ListenIP           string `ini:"listen_ip" toml:"listen_ip" yaml:"listen_ip"`
	MaxRTT             int64  `ini:"max_rtt" toml:"max_rtt" yaml:"max_rtt"` // ms
	ServerResBody      string `ini:"server_res_body" toml:"server_res_body" yaml:"server_res_body"`
	CDNResBody         string `ini:"cdn_res_body" toml:"cdn_res_body" yaml:"cdn_res_body"`
	MaxSubnetLen       int    `ini:"max_subnet_len" toml:"max_subnet_len" yaml:"max_subnet_len"`

	Engine EngineConf `ini:"engine" toml:"engine" yaml:"engine"`
	Log    LogConf    `ini:"log" toml:"log" yaml:"log"`
	Probe  ProbeConf  `ini:"probe" toml:"probe" yaml:"probe"`
}

const (
	DefaultEnginePath     = "./sing-box"
	DefaultStartupTimeout = 10 * time.Second
	DefaultStopGrace      = 3 * time.Second
	DefaultMaxBody        = 1 << 20
	ConfigPlaceholder     = "{config}"
)

// DefaultEngineArgs 与 sing-box 的命令行保持一致。
var DefaultEngineArgs = []string{"run", "-c", ConfigPlaceholder}

// ApplyDefaults 填充可选字段的默认值。
func (c *RunConfig) ApplyDefaults() {
	if c.Engine.Path == "" {
		c.Engine.Path = DefaultEnginePath
	}
	if len(c.Engine.Args) == 0 {
		c.Engine.Args = append([]string(nil), DefaultEngineArgs...)
	}
	if c.Engine.StartupTimeout <= 0 {
		c.Engine.StartupTimeout = DefaultStartupTimeout.Milliseconds()
	}
	if c.Engine.StopGrace <= 0 {
		c.Engine.StopGrace = DefaultStopGrace.Milliseconds()
	}
	if c.Probe.MaxBody <= 0 {
		c.Probe.MaxBody = DefaultMaxBody
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *RunConfig) MaxRTTDuration() time.Duration {
	return time.Duration(c.MaxRTT) * time.Millisecond
}

func (c *RunConfig) StartupTimeout() time.Duration {
	return time.Duration(c.Engine.StartupTimeout) * time.Millisecond
}

func (c *RunConfig) StopGrace() time.Duration {
	return time.Duration(c.Engine.StopGrace) * time.Millisecond
}

// DialHost returns the host probes use to reach the engine's SOCKS5 inbounds.
// A wildcard listen address is reached through loopback.
func (c *RunConfig) DialHost() string {
	addr, err := netip.ParseAddr(strings.TrimSpace(c.ListenIP))
	if err != nil {
		return c.ListenIP
	}
	if addr.IsUnspecified() {
		if addr.Is4() {
			return "127.0.0.1"
		}
		return "::1"
	}
	return addr.String()
}
