package storage

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/ini.v1"

	"cdn_ip_tester/internal/shared/logger"
)

const (
	sectionRun    = "run"
	sectionCursor = "cursor"
)

// Snapshot 是续测所需的进度快照。Cursors 记录每个子网已连续完成的地址数。
type Snapshot struct {
	RunID        string
	Seed         uint64
	PortBase     uint16
	MaxSubnetLen int
	UpdatedAt    time.Time
	Cursors      map[netip.Prefix]int
}

// ProgressStore persists the snapshot as an ini file. Every Save overwrites
// the whole file through a temp file and a rename, so a kill mid-write leaves
// the previous snapshot intact.
type ProgressStore struct {
	filePath string
	mu       sync.Mutex
}

func NewProgressStore(filePath string) *ProgressStore {
	return &ProgressStore{filePath: filePath}
}

// IPv6 prefixes contain ':', so only '=' separates keys from values.
var iniOptions = ini.LoadOptions{KeyValueDelimiters: "="}

// Load 读取快照; 文件不存在时返回 nil, nil。
func (p *ProgressStore) Load() (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := logger.WithComponent("IPPool/Storage")

	if _, err := os.Stat(p.filePath); os.IsNotExist(err) {
		l.Info().Str("path", p.filePath).Msg("Progress snapshot not found, starting from the beginning.")
		return nil, nil
	}

	f, err := ini.LoadSources(iniOptions, p.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress snapshot: %w", err)
	}

	run := f.Section(sectionRun)
	s := &Snapshot{
		RunID:        run.Key("run_id").String(),
		Seed:         run.Key("seed").MustUint64(0),
		PortBase:     uint16(run.Key("port_base").MustUint(0)),
		MaxSubnetLen: run.Key("max_subnet_len").MustInt(0),
		Cursors:      make(map[netip.Prefix]int),
	}
	if ts := run.Key("updated_at").MustInt64(0); ts > 0 {
		s.UpdatedAt = time.Unix(ts, 0)
	}

	for _, key := range f.Section(sectionCursor).Keys() {
		prefix, err := netip.ParsePrefix(key.Name())
		if err != nil {
			l.Warn().Str("key", key.Name()).Err(err).Msg("Skipping malformed cursor key.")
			continue
		}
		n, err := key.Int()
		if err != nil || n < 0 {
			l.Warn().Str("key", key.Name()).Str("value", key.String()).Msg("Skipping malformed cursor value.")
			continue
		}
		s.Cursors[prefix] = n
	}

	l.Info().Str("run_id", s.RunID).Int("subnets", len(s.Cursors)).Msg("Loaded progress snapshot.")
	return s, nil
}

// Save 覆盖写入快照。order 决定 [cursor] 中键的顺序 (与轮询顺序一致, 便于阅读)。
func (p *ProgressStore) Save(s *Snapshot, order []netip.Prefix) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f := ini.Empty(iniOptions)
	run, _ := f.NewSection(sectionRun)
	run.NewKey("run_id", s.RunID)
	run.NewKey("seed", strconv.FormatUint(s.Seed, 10))
	run.NewKey("port_base", strconv.Itoa(int(s.PortBase)))
	run.NewKey("max_subnet_len", strconv.Itoa(s.MaxSubnetLen))
	run.NewKey("updated_at", strconv.FormatInt(s.UpdatedAt.Unix(), 10))

	cursor, _ := f.NewSection(sectionCursor)
	written := make(map[netip.Prefix]struct{}, len(s.Cursors))
	for _, prefix := range order {
		n, ok := s.Cursors[prefix]
		if !ok {
			continue
		}
		if _, err := cursor.NewKey(prefix.String(), strconv.Itoa(n)); err != nil {
			return fmt.Errorf("failed to add cursor for %s: %w", prefix, err)
		}
		written[prefix] = struct{}{}
	}
	for prefix, n := range s.Cursors {
		if _, ok := written[prefix]; ok {
			continue
		}
		if _, err := cursor.NewKey(prefix.String(), strconv.Itoa(n)); err != nil {
			return fmt.Errorf("failed to add cursor for %s: %w", prefix, err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(p.filePath), filepath.Base(p.filePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	if _, err := f.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), p.filePath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Reset 删除快照文件 (--no-cache)。
func (p *ProgressStore) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := os.Remove(p.filePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
