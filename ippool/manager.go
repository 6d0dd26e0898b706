package ippool

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"cdn_ip_tester/internal/shared/logger"
	"cdn_ip_tester/internal/shared/types"
	"cdn_ip_tester/ippool/model"
	"cdn_ip_tester/ippool/storage"
	"cdn_ip_tester/ippool/validator"
)

// 进度快照的最小写入间隔。结果日志是逐条写入的，快照落后时续测也只会跳过而不会重测。
const progressFlushInterval = time.Second

// DefaultCrashGrace 是网络类失败 (unreachable / timeout) 在落盘前的观察期。
// 引擎退出时连接先被关闭，Done() 要等进程回收后才关闭; 观察期内引擎退出的失败按取消处理。
const DefaultCrashGrace = 500 * time.Millisecond

// Engine is the running proxy engine as seen by the scheduler.
type Engine interface {
	Done() <-chan struct{}
	Crash() error
}

// Observer 接收调度过程中的事件，用于进度条等展示。回调都在调度协程中执行。
type Observer interface {
	Planned(total, resolved int)
	Resolved(o model.Outcome, cached bool)
	Disabled(prefix netip.Prefix, dropped int)
}

type nopObserver struct{}

func (nopObserver) Planned(int, int)             {}
func (nopObserver) Resolved(model.Outcome, bool) {}
func (nopObserver) Disabled(netip.Prefix, int)   {}

// Options 控制调度行为。
type Options struct {
	Workers         int     // max_connection_count
	Rate            float64 // probe starts per second, 0 = unlimited
	UseCache        bool
	AutoSkip        bool
	EnableThreshold int
	CrashGrace      time.Duration // 0 = DefaultCrashGrace, negative disables holding
	Observer        Observer
}

// Summary 汇总一次运行的调度结果。
type Summary struct {
	Submitted int
	Passed    int
	Cached    int
	Canceled  int
	Failed    map[model.Class]int
	Disabled  []netip.Prefix
}

type subnetState struct {
	subnet   *model.Subnet
	cursor   int // 已连续完成的地址数
	next     int // 下一个待考察的地址下标
	resolved []bool

	earlyResolved int // 前 EnableThreshold 个地址中已完成的数量
	earlySuccess  int
	disabled      bool
}

type job struct {
	state int
	index int
	addr  model.Address
	port  uint16
}

type result struct {
	job     job
	outcome model.Outcome
}

// heldResult 是等待观察期结束的失败结果。
type heldResult struct {
	r     result
	until time.Time
}

// Manager 是探测调度器: 按子网轮询提交探测任务，限制全局并发，
// 并且是结果日志与进度快照的唯一写入者。
type Manager struct {
	prober   validator.Prober
	results  *storage.ResultStore
	progress *storage.ProgressStore
	snapshot storage.Snapshot
	ports    map[model.Address]uint16
	opts     Options

	states  []*subnetState
	order   []netip.Prefix
	rr      int
	pending *job // 已选出但尚未提交的任务
	dirty   bool
	summary Summary
}

// NewManager 创建调度器。snapshot 提供运行标识以及 (使用缓存时) 各子网的续测游标。
func NewManager(subnets []*model.Subnet, ports map[model.Address]uint16, prober validator.Prober,
	results *storage.ResultStore, progress *storage.ProgressStore, snapshot storage.Snapshot, opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.CrashGrace == 0 {
		opts.CrashGrace = DefaultCrashGrace
	}

	m := &Manager{
		prober:   prober,
		results:  results,
		progress: progress,
		snapshot: snapshot,
		ports:    ports,
		opts:     opts,
		summary:  Summary{Failed: make(map[model.Class]int)},
	}

	for _, s := range subnets {
		st := &subnetState{subnet: s, resolved: make([]bool, s.Len())}
		if opts.UseCache {
			st.cursor = min(snapshot.Cursors[s.Prefix], s.Len())
		}
		st.next = st.cursor
		for i := 0; i < st.cursor; i++ {
			st.resolved[i] = true
			if i < opts.EnableThreshold {
				st.earlyResolved++
				if o, ok := results.Get(s.Addresses[i].IP); ok && o.Passed() {
					st.earlySuccess++
				}
			}
		}
		m.states = append(m.states, st)
		m.order = append(m.order, s.Prefix)
	}
	return m
}

// Run 执行调度直到所有子网耗尽、引擎崩溃或 ctx 被取消。
// 后两种情况下停止提交、取消在途探测、保存进度，并返回 ProcessCrash 或 ctx.Err()。
// 已获得的结果总会被保留。
func (m *Manager) Run(ctx context.Context, engine Engine) (*Summary, error) {
	l := logger.WithComponent("IPPool/Manager")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	total, done := 0, 0
	for _, st := range m.states {
		total += st.subnet.Len()
		done += st.cursor
	}
	m.opts.Observer.Planned(total, done)
	for _, st := range m.states {
		m.checkAutoSkip(st)
	}
	l.Info().Int("subnets", len(m.states)).Int("addresses", total).Int("resumed", done).Int("workers", m.opts.Workers).Msg("Scheduler starting...")

	var limiter *rate.Limiter
	if m.opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(m.opts.Rate), 1)
	}

	jobs := make(chan job)
	results := make(chan result)
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < m.opts.Workers; i++ {
		g.Go(func() error {
			for j := range jobs {
				if limiter != nil {
					if err := limiter.Wait(gctx); err != nil {
						results <- result{job: j, outcome: model.Outcome{Address: j.addr, Class: model.ClassCanceled, Err: err}}
						continue
					}
				}
				results <- result{job: j, outcome: m.prober.Probe(gctx, j.addr, j.port)}
			}
			return nil
		})
	}
	go func() {
		g.Wait()
		close(results)
	}()

	flush := time.NewTicker(progressFlushInterval)
	defer flush.Stop()

	var (
		fatal      error
		closed     bool
		inflight   int
		held       []heldResult
		engineDone = engine.Done()
		ctxDone    = ctx.Done()
	)
	stop := func(err error) {
		if fatal == nil {
			fatal = err
		}
		if !closed {
			close(jobs)
			closed = true
		}
		cancel()
	}

	for {
		if !closed && m.pending == nil {
			m.pending = m.nextJob()
		}
		if !closed && m.pending == nil && inflight == 0 {
			close(jobs)
			closed = true
		}

		var (
			send   chan<- job
			next   job
			graceC <-chan time.Time
		)
		if len(held) > 0 && engineDone != nil {
			graceC = time.After(time.Until(held[0].until))
		}
		// never hand out work once the engine is gone or the run is canceled
		if !closed && m.pending != nil && !isClosed(engine.Done()) && ctx.Err() == nil {
			send, next = jobs, *m.pending
		}

		select {
		case send <- next:
			inflight++
			m.summary.Submitted++
			m.pending = nil

		case r, ok := <-results:
			if !ok {
				if len(held) > 0 {
					fatal = m.settleHeld(held, engine, fatal)
				}
				if err := m.saveProgress(); err != nil {
					l.Error().Err(err).Msg("Failed to save progress snapshot.")
				}
				m.logSummary(fatal)
				return &m.summary, fatal
			}
			inflight--
			switch {
			case r.outcome.Passed():
			case isClosed(engine.Done()):
				// the engine died under this probe, the failure says nothing about the address
				r.outcome.Class = model.ClassCanceled
			case suspectOfCrash(r.outcome) && m.opts.CrashGrace > 0:
				held = append(held, heldResult{r: r, until: time.Now().Add(m.opts.CrashGrace)})
				continue
			}
			if err := m.resolve(r); err != nil {
				l.Error().Err(err).Msg("Failed to record outcome, stopping.")
				stop(err)
			}

		case <-engineDone:
			engineDone = nil
			crash := crashError(engine)
			l.Error().Err(crash).Int("inflight", inflight).Int("held", len(held)).Msg("Proxy engine exited during probing, stopping submission.")
			stop(crash)
			m.dropHeld(held)
			held = nil

		case <-graceC:
			if isClosed(engine.Done()) {
				// engineDone 分支会丢弃它们
				continue
			}
			now := time.Now()
			n := 0
			for n < len(held) && !held[n].until.After(now) {
				if err := m.resolve(held[n].r); err != nil {
					l.Error().Err(err).Msg("Failed to record outcome, stopping.")
					stop(err)
				}
				n++
			}
			held = held[n:]

		case <-ctxDone:
			ctxDone = nil
			l.Warn().Int("inflight", inflight).Msg("Run canceled, draining in-flight probes.")
			stop(ctx.Err())

		case <-flush.C:
			if m.dirty {
				if err := m.saveProgress(); err != nil {
					l.Error().Err(err).Msg("Failed to save progress snapshot.")
				}
			}
		}
	}
}

// suspectOfCrash 报告该失败是否可能由引擎退出造成。
func suspectOfCrash(o model.Outcome) bool {
	return o.Class == model.ClassUnreachable || o.Class == model.ClassTimeout
}

func crashError(engine Engine) error {
	if crash := engine.Crash(); crash != nil {
		return crash
	}
	return &types.ProcessCrash{Err: errors.New("proxy engine exited")}
}

// dropHeld 把观察期内的失败记为取消，不写入结果日志，续测时会重新探测。
func (m *Manager) dropHeld(held []heldResult) {
	for _, h := range held {
		h.r.outcome.Class = model.ClassCanceled
		m.resolve(h.r)
	}
}

// settleHeld 在所有探测结束后等待剩余的观察期。期间引擎退出则丢弃这些失败并返回 ProcessCrash。
func (m *Manager) settleHeld(held []heldResult, engine Engine, fatal error) error {
	if !isClosed(engine.Done()) {
		select {
		case <-engine.Done():
		case <-time.After(time.Until(held[len(held)-1].until)):
		}
	}
	if isClosed(engine.Done()) {
		m.dropHeld(held)
		if fatal == nil {
			fatal = crashError(engine)
		}
		return fatal
	}
	for _, h := range held {
		if err := m.resolve(h.r); err != nil && fatal == nil {
			fatal = err
		}
	}
	return fatal
}

// nextJob 按轮询顺序返回下一个需要探测的地址。已有结果的地址直接记为完成，不占用并发槽位。
// 所有子网耗尽或被禁用时返回 nil。
func (m *Manager) nextJob() *job {
	n := len(m.states)
	for tried := 0; tried < n; tried++ {
		idx := m.rr
		m.rr = (m.rr + 1) % n
		st := m.states[idx]
		for !st.disabled && st.next < st.subnet.Len() {
			i := st.next
			st.next++
			addr := st.subnet.Addresses[i]
			if m.opts.UseCache {
				if o, ok := m.results.Get(addr.IP); ok {
					m.summary.Cached++
					m.markResolved(st, i, o)
					m.opts.Observer.Resolved(o, true)
					continue
				}
			}
			return &job{state: idx, index: i, addr: addr, port: m.ports[addr]}
		}
	}
	return nil
}

func (m *Manager) resolve(r result) error {
	st := m.states[r.job.state]
	o := r.outcome

	if o.Class == model.ClassCanceled {
		m.summary.Canceled++
		return nil
	}

	if err := m.results.Append(o); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			l := logger.WithComponent("IPPool/Manager")
			l.Warn().Str("ip", o.Address.String()).Msg("Outcome already recorded, ignoring.")
		} else {
			return fmt.Errorf("failed to persist outcome of %s: %w", o.Address, err)
		}
	}
	if o.Passed() {
		m.summary.Passed++
	} else {
		m.summary.Failed[o.Class]++
	}
	m.markResolved(st, r.job.index, o)
	m.opts.Observer.Resolved(o, false)
	return nil
}

func (m *Manager) markResolved(st *subnetState, i int, o model.Outcome) {
	st.resolved[i] = true
	for st.cursor < len(st.resolved) && st.resolved[st.cursor] {
		st.cursor++
		m.dirty = true
	}
	if i < m.opts.EnableThreshold {
		st.earlyResolved++
		if o.Passed() {
			st.earlySuccess++
		}
	}
	m.checkAutoSkip(st)
}

// checkAutoSkip 禁用前 EnableThreshold 个地址全部完成且没有任何通过的子网。
func (m *Manager) checkAutoSkip(st *subnetState) {
	if !m.opts.AutoSkip || st.disabled || st.subnet.Len() <= m.opts.EnableThreshold {
		return
	}
	if st.earlyResolved < m.opts.EnableThreshold || st.earlySuccess > 0 {
		return
	}
	st.disabled = true
	dropped := st.subnet.Len() - st.next
	if p := m.pending; p != nil && m.states[p.state] == st {
		m.pending = nil
		dropped++
	}
	m.summary.Disabled = append(m.summary.Disabled, st.subnet.Prefix)
	m.opts.Observer.Disabled(st.subnet.Prefix, dropped)
	l := logger.WithComponent("IPPool/Manager")
	l.Info().
		Str("subnet", st.subnet.Prefix.String()).
		Int("threshold", m.opts.EnableThreshold).
		Int("dropped", dropped).
		Msg("No address passed in the first probes, skipping subnet.")
}

func (m *Manager) saveProgress() error {
	snap := m.snapshot
	snap.UpdatedAt = time.Now()
	snap.Cursors = make(map[netip.Prefix]int, len(m.states))
	for _, st := range m.states {
		snap.Cursors[st.subnet.Prefix] = st.cursor
	}
	if err := m.progress.Save(&snap, m.order); err != nil {
		return err
	}
	m.dirty = false
	return nil
}

func (m *Manager) logSummary(fatal error) {
	l := logger.WithComponent("IPPool/Manager")
	ev := l.Info()
	if fatal != nil {
		ev = l.Warn().Err(fatal)
	}
	ev.Int("submitted", m.summary.Submitted).
		Int("passed", m.summary.Passed).
		Int("cached", m.summary.Cached).
		Int("canceled", m.summary.Canceled).
		Int("timeout", m.summary.Failed[model.ClassTimeout]).
		Int("unreachable", m.summary.Failed[model.ClassUnreachable]).
		Int("cdn_failed", m.summary.Failed[model.ClassCDNValidationFailed]).
		Int("origin_failed", m.summary.Failed[model.ClassOriginValidationFailed]).
		Int("disabled_subnets", len(m.summary.Disabled)).
		Msg("Scheduler finished.")
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
