package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"cdn_ip_tester/internal/engine"
	"cdn_ip_tester/internal/shared/config"
	"cdn_ip_tester/internal/shared/logger"
	"cdn_ip_tester/internal/shared/types"
	"cdn_ip_tester/ippool"
	"cdn_ip_tester/ippool/report"
	"cdn_ip_tester/ippool/sampler"
	"cdn_ip_tester/ippool/storage"
	"cdn_ip_tester/ippool/validator"
)

// 数据目录中的文件名。
const (
	EngineTemplateFile   = "sing-box-template.json"
	OutboundTemplateFile = "outbound-template.json"
	EngineConfigFile     = "sing-box-test-config.json"
	ResultLogFile        = "result_log.txt"
	ProgressFile         = "progress.ini"
	ResultFile           = "result.txt"
)

// Options 是命令行提供的运行参数。
type Options struct {
	DataDir           string
	IPFiles           []string
	SubnetCount       int
	NoCache           bool
	AutoSkip          bool
	EnableThreshold   int
	IgnoreBodyWarning bool
	ShowProgress      bool
	TableRows         int
}

// App 串联一次完整的测试运行: 采样 -> 生成引擎配置 -> 启动引擎 -> 调度探测 -> 输出结果。
type App struct {
	cfg  *types.RunConfig
	opts Options
	out  io.Writer // 结果表格的输出

	supervisor *engine.Supervisor
}

func New(cfg *types.RunConfig, opts Options) *App {
	if opts.TableRows == 0 {
		opts.TableRows = report.DefaultTableRows
	}
	return &App{
		cfg:        cfg,
		opts:       opts,
		out:        os.Stdout,
		supervisor: engine.NewSupervisor(cfg),
	}
}

func (a *App) path(name string) string {
	return filepath.Join(a.opts.DataDir, name)
}

// Run 执行一次测试运行。配置问题返回 ConfigError (此时不会启动任何进程)，
// 引擎启动失败返回 StartupError，探测期间引擎退出返回 ProcessCrash，
// ctx 被取消时返回 ctx.Err()。后两种情况下已获得的结果仍会写入结果表。
func (a *App) Run(ctx context.Context) error {
	l := logger.WithComponent("App")

	cidrs, err := config.LoadCIDRs(a.opts.IPFiles...)
	if err != nil {
		return err
	}

	progress := storage.NewProgressStore(a.path(ProgressFile))
	snap, err := a.loadRunState(progress)
	if err != nil {
		return err
	}
	l.Info().Str("run_id", snap.RunID).Uint64("seed", snap.Seed).Int("cidrs", len(cidrs)).Bool("resumed", len(snap.Cursors) > 0).Msg("Preparing test run...")

	subnets, err := sampler.New(a.cfg.MaxSubnetLen, snap.Seed).Sample(cidrs)
	if err != nil {
		return err
	}
	if subnets, err = sampler.Limit(subnets, a.opts.SubnetCount); err != nil {
		return err
	}

	outs, err := engine.Plan(subnets, a.cfg.PortBase)
	if err != nil {
		return err
	}
	if len(outs) == 0 {
		return types.NewConfigError("sampler", errors.New("no addresses left after sampling"))
	}

	base, err := engine.LoadTemplate(a.path(EngineTemplateFile))
	if err != nil {
		return err
	}
	outboundTpl, err := engine.LoadTemplate(a.path(OutboundTemplateFile))
	if err != nil {
		return err
	}
	engineCfg, err := engine.Synthesize(base, outboundTpl, outs, a.cfg.ListenIP)
	if err != nil {
		return err
	}
	configPath := a.path(EngineConfigFile)
	if err := engine.WriteConfig(configPath, engineCfg); err != nil {
		return err
	}
	l.Info().Int("subnets", len(subnets)).Int("addresses", len(outs)).Str("engine_config", configPath).Msg("Engine configuration generated.")

	results, err := storage.OpenResultStore(a.path(ResultLogFile), a.opts.NoCache)
	if err != nil {
		return err
	}
	defer results.Close()

	if err := progress.Save(&snap, nil); err != nil {
		return fmt.Errorf("failed to save progress snapshot: %w", err)
	}

	readyAddr := net.JoinHostPort(a.cfg.DialHost(), strconv.Itoa(int(outs[0].Port)))
	proc, err := a.supervisor.Start(ctx, configPath, readyAddr)
	if err != nil {
		return err
	}

	var observer ippool.Observer
	var bar *barObserver
	if a.opts.ShowProgress {
		bar = newBarObserver()
		observer = bar
	}

	prober := validator.NewValidator(a.cfg, a.opts.IgnoreBodyWarning)
	mgr := ippool.NewManager(subnets, engine.PortTable(outs), prober,
		results, progress, snap, ippool.Options{
			Workers:         a.cfg.MaxConnectionCount,
			Rate:            a.cfg.Probe.Rate,
			UseCache:        !a.opts.NoCache,
			AutoSkip:        a.opts.AutoSkip,
			EnableThreshold: a.opts.EnableThreshold,
			Observer:        observer,
		})
	summary, runErr := mgr.Run(ctx, proc)
	if bar != nil {
		bar.finish()
	}
	proc.Stop()

	if summary != nil {
		up, down := prober.Traffic()
		l.Info().Int("submitted", summary.Submitted).Int("passed", summary.Passed).Int("cached", summary.Cached).Int("disabled_subnets", len(summary.Disabled)).
			Uint64("uplink_bytes", up).Uint64("downlink_bytes", down).Msg("Probing finished.")
	}

	if err := a.writeReport(results); err != nil {
		if runErr == nil {
			return err
		}
		l.Error().Err(err).Msg("Failed to write result table.")
	}
	return runErr
}

func (a *App) writeReport(results *storage.ResultStore) error {
	ranked := report.Rank(results.Outcomes())
	if err := report.WriteResultFile(a.path(ResultFile), ranked); err != nil {
		return err
	}

	var geo report.CountryLookup
	if a.cfg.Probe.GeoIPDB != "" {
		db, err := report.OpenGeoDB(a.cfg.Probe.GeoIPDB)
		if err != nil {
			l := logger.WithComponent("App")
			l.Warn().Err(err).Msg("GeoIP database unavailable, country column disabled.")
		} else {
			defer db.Close()
			geo = db
		}
	}
	report.PrintTable(a.out, ranked, a.opts.TableRows, geo)
	return nil
}
