package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/alitto/pond/v2"

	"cdn_ip_tester/internal/shared/logger"
)

// DefaultWorkers AS 页面的并发抓取数。bgp.he.net 对频繁请求比较敏感，不宜过大。
const DefaultWorkers = 4

// Prefixes 是从一个或多个自治系统汇总出的前缀列表，已去重并排序。
type Prefixes struct {
	ASNames []string
	V4      []string
	V6      []string
}

// Collect 搜索 query，并发抓取结果中的每个 AS 页面，汇总其 IPv4/IPv6 前缀。
// 单个 AS 抓取失败只记录日志；全部失败时返回错误。
func Collect(ctx context.Context, src PrefixSource, query string, workers int) (*Prefixes, error) {
	l := logger.WithComponent("IPPool/Scraper")
	if workers <= 0 {
		workers = DefaultWorkers
	}

	entries, err := src.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search %q on %s: %w", query, src.Name(), err)
	}
	var names []string
	seen := make(map[string]struct{})
	for _, e := range entries {
		if e.Kind != KindAS {
			continue
		}
		if _, dup := seen[e.Result]; dup {
			continue
		}
		seen[e.Result] = struct{}{}
		names = append(names, e.Result)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("search %q on %s returned no autonomous systems", query, src.Name())
	}
	l.Info().Str("query", query).Int("as_count", len(names)).Msg("Found autonomous systems, fetching prefixes...")

	var (
		mu     sync.Mutex
		v4, v6 = make(map[string]struct{}), make(map[string]struct{})
		ok     []string
		errs   []error
	)
	pool := pond.NewPool(workers, pond.WithContext(ctx))
	for _, name := range names {
		pool.Submit(func() {
			as, err := src.AutonomousSystem(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				l.Warn().Err(err).Str("as", name).Msg("Failed to fetch AS page.")
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			ok = append(ok, name)
			for _, p := range as.PrefixesV4 {
				v4[p] = struct{}{}
			}
			for _, p := range as.PrefixesV6 {
				v6[p] = struct{}{}
			}
			l.Debug().Str("as", name).Int("v4", len(as.PrefixesV4)).Int("v6", len(as.PrefixesV6)).Msg("AS page parsed.")
		})
	}
	pool.StopAndWait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ok) == 0 {
		return nil, fmt.Errorf("all AS fetches failed: %w", errors.Join(errs...))
	}
	sort.Strings(ok)
	return &Prefixes{ASNames: ok, V4: sortPrefixes(v4), V6: sortPrefixes(v6)}, nil
}

// sortPrefixes 按地址数值排序; 无法解析的条目排在最后并按字符串排序。
func sortPrefixes(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, erri := netip.ParsePrefix(out[i])
		pj, errj := netip.ParsePrefix(out[j])
		switch {
		case erri != nil || errj != nil:
			if (erri == nil) != (errj == nil) {
				return erri == nil
			}
			return out[i] < out[j]
		case pi.Addr() != pj.Addr():
			return pi.Addr().Less(pj.Addr())
		default:
			return pi.Bits() < pj.Bits()
		}
	})
	return out
}

// FormatList 每行一个前缀。
func FormatList(prefixes []string) string {
	if len(prefixes) == 0 {
		return ""
	}
	return strings.Join(prefixes, "\n") + "\n"
}
