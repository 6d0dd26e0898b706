package config

import (
	"bufio"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"cdn_ip_tester/internal/shared/logger"
	"cdn_ip_tester/internal/shared/types"
)

// BaseName 是数据目录中运行配置文件的名称 (不含扩展名)。
const BaseName = "ip-tester"

// Extensions 按查找顺序列出支持的配置格式。
var Extensions = []string{".ini", ".toml", ".yaml", ".yml"}

const (
	EnvMaxConnectionCount = "IPTESTER_MAX_CONNECTION_COUNT"
	EnvMaxRTT             = "IPTESTER_MAX_RTT"
)

// Find 返回数据目录中第一个存在的配置文件。
func Find(dataDir string) (string, error) {
	for _, ext := range Extensions {
		p := filepath.Join(dataDir, BaseName+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", types.NewConfigError("config", fmt.Errorf("no %s{%s} in %s", BaseName, strings.Join(Extensions, ","), dataDir))
}

// Load 按扩展名选择解析器加载运行配置，然后应用环境变量覆盖、默认值和校验。
// 任何失败都以 ConfigError 返回。
func Load(fileName string) (*types.RunConfig, error) {
	cfg := &types.RunConfig{}
	if err := decode(cfg, fileName); err != nil {
		return nil, types.NewConfigError("config", err)
	}
	overrideFromEnvInt(&cfg.MaxConnectionCount, EnvMaxConnectionCount)
	overrideFromEnvInt64(&cfg.MaxRTT, EnvMaxRTT)
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(cfg *types.RunConfig, fileName string) error {
	switch ext := strings.ToLower(filepath.Ext(fileName)); ext {
	case ".ini":
		iniFile, err := ini.Load(fileName)
		if err != nil {
			return err
		}
		return iniFile.MapTo(cfg)
	case ".toml":
		md, err := toml.DecodeFile(fileName, cfg)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			l := logger.WithComponent("Config")
			l.Warn().Str("file", fileName).Interface("keys", undecoded).Msg("Ignoring unknown keys in config.")
		}
		return nil
	case ".yaml", ".yml":
		data, err := os.ReadFile(fileName)
		if err != nil {
			return err
		}
		return yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
}

// Validate 检查运行配置。在启动任何进程或发出任何请求之前调用。
func Validate(cfg *types.RunConfig) error {
	var errs []error
	if cfg.PortBase == 0 {
		errs = append(errs, errors.New("port_base must be positive"))
	}
	if cfg.MaxConnectionCount <= 0 {
		errs = append(errs, fmt.Errorf("max_connection_count must be positive, got %d", cfg.MaxConnectionCount))
	}
	if cfg.MaxRTT <= 0 {
		errs = append(errs, fmt.Errorf("max_rtt must be positive, got %d", cfg.MaxRTT))
	}
	if cfg.MaxSubnetLen <= 0 {
		errs = append(errs, fmt.Errorf("max_subnet_len must be positive, got %d", cfg.MaxSubnetLen))
	}
	if err := checkURL("server_url", cfg.ServerURL); err != nil {
		errs = append(errs, err)
	}
	if cfg.CDNURL != "" {
		if err := checkURL("cdn_url", cfg.CDNURL); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := netip.ParseAddr(strings.TrimSpace(cfg.ListenIP)); err != nil {
		errs = append(errs, fmt.Errorf("listen_ip %q is not an IP address", cfg.ListenIP))
	}
	if cfg.Probe.Rate < 0 {
		errs = append(errs, fmt.Errorf("probe.rate must not be negative, got %v", cfg.Probe.Rate))
	}
	if err := errors.Join(errs...); err != nil {
		return types.NewConfigError("config", err)
	}
	return nil
}

func checkURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", key, raw)
	}
	return nil
}

// LoadCIDRs 读取一个或多个 CIDR 列表文件 (每行一个)，跳过空行和 # 注释，保持文件内顺序。
func LoadCIDRs(fileNames ...string) ([]string, error) {
	var out []string
	for _, name := range fileNames {
		f, err := os.Open(name)
		if err != nil {
			return nil, types.NewConfigError("ip-file", fmt.Errorf("failed to open %s: %w", name, err))
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if i := strings.IndexByte(line, '#'); i >= 0 {
				line = line[:i]
			}
			if line = strings.TrimSpace(line); line != "" {
				out = append(out, line)
			}
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, types.NewConfigError("ip-file", fmt.Errorf("failed to read %s: %w", name, err))
		}
	}
	return out, nil
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvInt64(target *int64, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.ParseInt(envValue, 10, 64); err == nil {
			*target = intValue
		}
	}
}
