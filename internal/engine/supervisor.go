package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"cdn_ip_tester/internal/shared/logger"
	"cdn_ip_tester/internal/shared/types"
)

const (
	readyPollInterval = 50 * time.Millisecond
	readyDialTimeout  = 200 * time.Millisecond
	outputTailLines   = 40
	// 进程退出后等待输出管道关闭的上限; 引擎派生的子进程可能一直持有管道。
	pipeDrainDelay    = 500 * time.Millisecond
)

// Supervisor 负责外部代理引擎进程的生命周期: 启动、等待就绪、检测崩溃、停止。
// 每次运行只启动一个进程。
type Supervisor struct {
	path           string
	args           []string
	env            []string
	startupTimeout time.Duration
	stopGrace      time.Duration
}

// NewSupervisor 根据运行配置创建 Supervisor。
func NewSupervisor(cfg *types.RunConfig) *Supervisor {
	return &Supervisor{
		path:           cfg.Engine.Path,
		args:           cfg.Engine.Args,
		startupTimeout: cfg.StartupTimeout(),
		stopGrace:      cfg.StopGrace(),
	}
}

// WithEnv appends variables to the engine's environment.
func (s *Supervisor) WithEnv(env ...string) *Supervisor {
	s.env = append(s.env, env...)
	return s
}

// Process is a running proxy engine.
type Process struct {
	cmd       *exec.Cmd
	done      chan struct{}
	waitErr   error
	output    *tailWriter
	stopping  atomic.Bool
	stopGrace time.Duration
	stopOnce  sync.Once
}

// Start 启动引擎并等待 readyAddr 可以建立连接 (第一个入站端口绑定成功即视为就绪)。
// 进程提前退出或超时都会返回 StartupError。
func (s *Supervisor) Start(ctx context.Context, configPath, readyAddr string) (*Process, error) {
	l := logger.WithComponent("Engine/Supervisor")

	args := make([]string, len(s.args))
	for i, a := range s.args {
		args[i] = strings.ReplaceAll(a, types.ConfigPlaceholder, configPath)
	}

	cmd := exec.Command(s.path, args...)
	cmd.Env = append(os.Environ(), s.env...)
	setProcAttr(cmd)

	out := newTailWriter(outputTailLines, l)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = pipeDrainDelay

	if err := cmd.Start(); err != nil {
		return nil, &types.StartupError{Err: fmt.Errorf("spawn %s: %w", s.path, err)}
	}

	p := &Process{
		cmd:       cmd,
		done:      make(chan struct{}),
		output:    out,
		stopGrace: s.stopGrace,
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	l.Info().Int("pid", cmd.Process.Pid).Str("path", s.path).Strs("args", args).Msg("Proxy engine spawned, waiting for readiness...")

	if err := p.waitReady(ctx, readyAddr, s.startupTimeout); err != nil {
		p.Stop()
		return nil, err
	}

	l.Info().Int("pid", cmd.Process.Pid).Str("ready_addr", readyAddr).Msg("Proxy engine is ready.")
	return p, nil
}

func (p *Process) waitReady(ctx context.Context, addr string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, readyDialTimeout)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-p.done:
			return &types.StartupError{
				Err:    fmt.Errorf("exited before becoming ready: %v", exitReason(p.waitErr)),
				Output: p.output.String(),
			}
		case <-deadline.C:
			return &types.StartupError{
				Err:    fmt.Errorf("%s not reachable after %s", addr, timeout),
				Output: p.output.String(),
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Done is closed once the process has exited, for whatever reason.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Crash 返回进程意外退出的原因。进程仍在运行或是被 Stop 停止时返回 nil。
func (p *Process) Crash() error {
	select {
	case <-p.done:
	default:
		return nil
	}
	if p.stopping.Load() {
		return nil
	}
	return &types.ProcessCrash{Err: exitReason(p.waitErr), Output: p.output.String()}
}

// Stop 发送终止信号并等待退出，超过宽限期后强制结束。可重复调用。
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		l := logger.WithComponent("Engine/Supervisor")
		p.stopping.Store(true)

		select {
		case <-p.done:
			return
		default:
		}

		if err := terminate(p.cmd.Process); err != nil {
			l.Debug().Err(err).Msg("Terminate signal failed, killing.")
			forceKill(p.cmd.Process)
		}

		grace := time.NewTimer(p.stopGrace)
		defer grace.Stop()
		select {
		case <-p.done:
			l.Info().Msg("Proxy engine stopped.")
		case <-grace.C:
			l.Warn().Dur("grace", p.stopGrace).Msg("Proxy engine ignored terminate signal, killing.")
			forceKill(p.cmd.Process)
			<-p.done
		}
	})
}

func exitReason(err error) error {
	if err == nil {
		return errors.New("exit status 0")
	}
	return err
}

// tailWriter keeps the last lines the engine printed and mirrors each line to
// the debug log.
type tailWriter struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial bytes.Buffer
	log     zerolog.Logger
}

func newTailWriter(max int, l zerolog.Logger) *tailWriter {
	return &tailWriter{max: max, log: l}
}

func (w *tailWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partial.Write(b)
	for {
		line, err := w.partial.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			w.partial.Reset()
			w.partial.WriteString(line)
			break
		}
		w.push(strings.TrimRight(line, "\r\n"))
	}
	return len(b), nil
}

func (w *tailWriter) push(line string) {
	if line == "" {
		return
	}
	w.log.Debug().Str("engine", line).Send()
	w.lines = append(w.lines, line)
	if len(w.lines) > w.max {
		w.lines = w.lines[len(w.lines)-w.max:]
	}
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	lines := w.lines
	if w.partial.Len() > 0 {
		lines = append(append([]string(nil), lines...), w.partial.String())
	}
	return strings.Join(lines, "\n")
}
