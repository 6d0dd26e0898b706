package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cdn_ip_tester/internal/app"
	"cdn_ip_tester/internal/shared/config"
	"cdn_ip_tester/internal/shared/logger"
	"cdn_ip_tester/internal/shared/types"
)

// 退出码
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfig      = 2
	exitStartup     = 3
	exitCrash       = 4
	exitInterrupted = 130
)

// stringList 支持重复传入或逗号分隔的参数。
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var ipFiles stringList
	dataDir := flag.String("data-dir", "data", "Directory holding templates, config and run state")
	configPath := flag.String("config", "", "Config file (default: ip-tester.{ini,toml,yaml} in data-dir)")
	flag.Var(&ipFiles, "ip-file", "CIDR list file, repeatable or comma separated")
	subnetCount := flag.Int("subnet-count", 0, "Only test the first N subnets (0 = all)")
	noCache := flag.Bool("no-cache", false, "Ignore and overwrite previous results")
	autoSkip := flag.Bool("auto-skip", false, "Stop probing subnets whose first addresses all fail")
	enableThreshold := flag.Int("enable-threshold", 10, "Addresses probed per subnet before auto-skip decides")
	ignoreBodyWarning := flag.Bool("ignore-body-warning", false, "Log response body mismatches at debug level")
	noProgress := flag.Bool("no-progress", false, "Disable the progress bar")
	tableRows := flag.Int("rows", 0, "Rows in the console result table")
	flag.Parse()

	path := *configPath
	if path == "" {
		found, err := config.Find(*dataDir)
		if err != nil {
			// Use standard fmt before logger is initialized.
			fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
			return exitConfig
		}
		path = found
	}

	// 1. 加载配置
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", path, err)
		return exitConfig
	}

	// 1.1 初始化日志系统
	closer, err := logger.Init(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		return exitFailure
	}
	defer closer.Close()

	if len(ipFiles) == 0 {
		logger.Error().Msg("At least one --ip-file is required.")
		return exitConfig
	}
	if *enableThreshold <= 0 {
		logger.Error().Int("enable_threshold", *enableThreshold).Msg("--enable-threshold must be positive.")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. 运行
	a := app.New(cfg, app.Options{
		DataDir:           *dataDir,
		IPFiles:           ipFiles,
		SubnetCount:       *subnetCount,
		NoCache:           *noCache,
		AutoSkip:          *autoSkip,
		EnableThreshold:   *enableThreshold,
		IgnoreBodyWarning: *ignoreBodyWarning,
		ShowProgress:      !*noProgress,
		TableRows:         *tableRows,
	})
	return exitCode(a.Run(ctx))
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var (
		cfgErr   *types.ConfigError
		startErr *types.StartupError
		crash    *types.ProcessCrash
	)
	switch {
	case errors.As(err, &cfgErr):
		logger.Error().Err(err).Msg("Configuration error, nothing was started.")
		return exitConfig
	case errors.As(err, &startErr):
		logger.Error().Err(err).Msg("Proxy engine failed to start.")
		return exitStartup
	case errors.As(err, &crash):
		logger.Error().Err(err).Msg("Proxy engine crashed, progress saved. Rerun to resume.")
		return exitCrash
	case errors.Is(err, context.Canceled):
		logger.Warn().Msg("Interrupted, progress saved. Rerun to resume.")
		return exitInterrupted
	default:
		logger.Error().Err(err).Msg("Run failed.")
		return exitFailure
	}
}
