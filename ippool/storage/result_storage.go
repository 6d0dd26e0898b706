package storage

import (
	"bufio"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cdn_ip_tester/internal/shared/logger"
	"cdn_ip_tester/ippool/model"
)

const (
	delimiter = "|"
	numFields = 7 // Address|Subnet|Class|RTT|CDNRTT|ServerRTT|At
)

var (
	// ErrDuplicate is returned by Append when the address already has an outcome.
	ErrDuplicate = errors.New("address already recorded")
	// ErrNotPersistable is returned for outcomes that say nothing about the address.
	ErrNotPersistable = errors.New("outcome class is not persisted")
)

// ResultStore 保存每个地址的探测结果。文件只追加，每个结果一行;
// 启动时整体加载，同一地址只保留第一行。
// 只有调度协程写入，读取方 (报告) 可以并发读取。
type ResultStore struct {
	filePath string
	mu       sync.RWMutex
	file     *os.File
	records  map[netip.Addr]model.Outcome
}

// OpenResultStore 打开结果文件。fresh 为 true 时清空已有内容 (--no-cache)。
func OpenResultStore(filePath string, fresh bool) (*ResultStore, error) {
	s := &ResultStore{
		filePath: filePath,
		records:  make(map[netip.Addr]model.Outcome),
	}
	if fresh {
		if err := os.WriteFile(filePath, nil, 0644); err != nil {
			return nil, fmt.Errorf("failed to truncate result log: %w", err)
		}
	} else if err := s.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open result log: %w", err)
	}
	if err := terminateLastLine(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to repair result log: %w", err)
	}
	s.file = f
	return s, nil
}

// terminateLastLine 在文件末尾补一个换行，避免上次中断时写了一半的行和新追加的行粘在一起。
func terminateLastLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.WriteString("\n")
	return err
}

func (s *ResultStore) load() error {
	l := logger.WithComponent("IPPool/Storage")

	file, err := os.Open(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", s.filePath).Msg("Result log not found, starting with an empty cache.")
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Split(line, delimiter)
		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in result log.")
			continue
		}

		o, err := parseOutcome(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse outcome from line, skipping.")
			continue
		}
		if _, dup := s.records[o.Address.IP]; dup {
			l.Warn().Int("line", lineNum).Str("ip", o.Address.String()).Msg("Address recorded twice, keeping the first outcome.")
			continue
		}
		s.records[o.Address.IP] = o
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	l.Info().Int("count", len(s.records)).Str("path", s.filePath).Msg("Successfully loaded cached outcomes.")
	return nil
}

// Has reports whether ip already has a recorded outcome.
func (s *ResultStore) Has(ip netip.Addr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[ip]
	return ok
}

func (s *ResultStore) Get(ip netip.Addr) (model.Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.records[ip]
	return o, ok
}

func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Append 记录一个结果并立即写入文件。一个地址只能记录一次。
func (s *ResultStore) Append(o model.Outcome) error {
	if _, ok := model.ParseClass(string(o.Class)); !ok {
		return fmt.Errorf("%s: %w", o.Class, ErrNotPersistable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.records[o.Address.IP]; dup {
		return fmt.Errorf("%s: %w", o.Address, ErrDuplicate)
	}
	if s.file == nil {
		return errors.New("result log is closed")
	}
	if _, err := s.file.WriteString(formatOutcome(o) + "\n"); err != nil {
		return fmt.Errorf("failed to append outcome: %w", err)
	}
	s.records[o.Address.IP] = o
	return nil
}

// Outcomes returns every recorded outcome in address order.
func (s *ResultStore) Outcomes() []model.Outcome {
	s.mu.RLock()
	out := make([]model.Outcome, 0, len(s.records))
	for _, o := range s.records {
		out = append(out, o)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.IP.Less(out[j].Address.IP)
	})
	return out
}

func (s *ResultStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// formatOutcome 将结果格式化为一行文本。
func formatOutcome(o model.Outcome) string {
	return strings.Join([]string{
		o.Address.IP.String(),
		o.Address.Subnet.String(),
		string(o.Class),
		strconv.FormatInt(o.RTT.Milliseconds(), 10),
		strconv.FormatInt(o.CDNRTT.Milliseconds(), 10),
		strconv.FormatInt(o.ServerRTT.Milliseconds(), 10),
		strconv.FormatInt(o.At.Unix(), 10),
	}, delimiter)
}

// parseOutcome 从字符串切片解析出一个结果。
func parseOutcome(fields []string) (model.Outcome, error) {
	ip, err := netip.ParseAddr(fields[0])
	if err != nil {
		return model.Outcome{}, fmt.Errorf("invalid address: %w", err)
	}
	subnet, err := netip.ParsePrefix(fields[1])
	if err != nil {
		return model.Outcome{}, fmt.Errorf("invalid subnet: %w", err)
	}
	class, ok := model.ParseClass(fields[2])
	if !ok {
		return model.Outcome{}, fmt.Errorf("invalid class %q", fields[2])
	}

	var ms [3]int64
	for i, name := range []string{"rtt", "cdn_rtt", "server_rtt"} {
		ms[i], err = strconv.ParseInt(fields[3+i], 10, 64)
		if err != nil {
			return model.Outcome{}, fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	at, err := strconv.ParseInt(fields[6], 10, 64)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("invalid timestamp: %w", err)
	}

	o := model.Outcome{
		Address:   model.Address{IP: ip, Subnet: subnet},
		Class:     class,
		RTT:       time.Duration(ms[0]) * time.Millisecond,
		CDNRTT:    time.Duration(ms[1]) * time.Millisecond,
		ServerRTT: time.Duration(ms[2]) * time.Millisecond,
	}
	if at > 0 {
		o.At = time.Unix(at, 0)
	}
	return o, nil
}
