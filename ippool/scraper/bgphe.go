package scraper

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"cdn_ip_tester/internal/shared/logger"
)

const (
	DefaultBGPHEURL = "https://bgp.he.net"
	noResultsText   = "did not return any results"
)

// ErrChallenge 表示 bgp.he.net 的 cookie 校验没有通过。
var ErrChallenge = errors.New("bgp.he.net challenge rejected")

// BGPHEScraper 抓取 bgp.he.net 的搜索结果和 AS 前缀表。
// 站点要求先完成一次 cookie 校验: 访问 /search 拿到 path cookie，访问 /i 拿到出口 IP，
// 然后把两者的 md5 提交到 /jc。校验在第一次请求前自动完成。
type BGPHEScraper struct {
	baseURL   string
	collector *colly.Collector

	once    sync.Once
	initErr error
}

func NewBGPHEScraper(baseURL string) *BGPHEScraper {
	if baseURL == "" {
		baseURL = DefaultBGPHEURL
	}
	c := colly.NewCollector(
		colly.UserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(30 * time.Second)
	return &BGPHEScraper{baseURL: strings.TrimRight(baseURL, "/"), collector: c}
}

func (s *BGPHEScraper) Name() string {
	return "bgp.he.net"
}

// fetch performs one request on a clone of the collector. Clones share the
// HTTP backend and the cookie jar, so the challenge cookies carry over.
func (s *BGPHEScraper) fetch(ctx context.Context, path string, form map[string]string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := logger.WithComponent("IPPool/Scraper")
	target := s.baseURL + path

	c := s.collector.Clone()
	c.Context = ctx
	var (
		body     []byte
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
	})
	c.OnError(func(r *colly.Response, err error) {
		l.Warn().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Scrape request failed.")
		fetchErr = fmt.Errorf("%s: %w (status %d)", path, err, r.StatusCode)
	})

	var err error
	if form != nil {
		err = c.Post(target, form)
	} else {
		err = c.Visit(target)
	}
	c.Wait()
	if err == nil {
		err = fetchErr
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Handshake 完成 cookie 校验。
func (s *BGPHEScraper) Handshake(ctx context.Context) error {
	l := logger.WithComponent("IPPool/Scraper")

	if _, err := s.fetch(ctx, "/search", nil); err != nil {
		return fmt.Errorf("failed to open search page: %w", err)
	}
	pathCookie := ""
	for _, ck := range s.collector.Cookies(s.baseURL + "/search") {
		if ck.Name == "path" {
			pathCookie = ck.Value
		}
	}
	if pathCookie == "" {
		return fmt.Errorf("%w: no path cookie", ErrChallenge)
	}
	if v, err := url.QueryUnescape(pathCookie); err == nil {
		pathCookie = v
	}

	ipBody, err := s.fetch(ctx, "/i", nil)
	if err != nil {
		return fmt.Errorf("failed to fetch egress address: %w", err)
	}
	ip := strings.TrimSpace(string(ipBody))

	form := map[string]string{"p": md5Hex(pathCookie), "i": md5Hex(ip)}
	if _, err := s.fetch(ctx, "/jc", form); err != nil {
		return fmt.Errorf("%w: %v", ErrChallenge, err)
	}
	l.Info().Str("egress_ip", ip).Msg("bgp.he.net challenge passed.")
	return nil
}

func (s *BGPHEScraper) ensureHandshake(ctx context.Context) error {
	s.once.Do(func() {
		s.initErr = s.Handshake(ctx)
	})
	return s.initErr
}

// Search 返回查询结果中的全部条目。
func (s *BGPHEScraper) Search(ctx context.Context, query string) ([]Entry, error) {
	if err := s.ensureHandshake(ctx); err != nil {
		return nil, err
	}
	l := logger.WithComponent("IPPool/Scraper")
	l.Info().Str("source", s.Name()).Str("query", query).Msg("Starting search...")

	params := url.Values{}
	params.Set("search[search]", query)
	params.Set("commit", "Search")
	body, err := s.fetch(ctx, "/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return ParseSearchPage(body)
}

// AutonomousSystem 抓取一个 AS 页面上的 IPv4 / IPv6 前缀表。
func (s *BGPHEScraper) AutonomousSystem(ctx context.Context, name string) (*AutonomousSystem, error) {
	if !strings.HasPrefix(name, "AS") {
		return nil, fmt.Errorf("not an AS name: %q", name)
	}
	if err := s.ensureHandshake(ctx); err != nil {
		return nil, err
	}
	body, err := s.fetch(ctx, "/"+name, nil)
	if err != nil {
		return nil, err
	}
	as, err := ParseASPage(name, body)
	if err != nil {
		return nil, err
	}
	l := logger.WithComponent("IPPool/Scraper")
	l.Info().Str("as", name).Int("v4", len(as.PrefixesV4)).Int("v6", len(as.PrefixesV6)).Msg("AS prefixes fetched.")
	return as, nil
}

// ParseSearchPage parses the result table (class w100p) of a search page.
func ParseSearchPage(body []byte) ([]Entry, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse search page: %w", err)
	}
	if strings.Contains(doc.Text(), noResultsText) {
		return nil, nil
	}
	table := doc.Find(".w100p").First()
	if table.Length() == 0 {
		return nil, errors.New("search page has no result table")
	}
	return parseResultTable(table)
}

// ParseASPage parses the prefix tables (table_prefixes4 / table_prefixes6) of an AS page.
func ParseASPage(name string, body []byte) (*AutonomousSystem, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s page: %w", name, err)
	}
	as := &AutonomousSystem{Name: name}
	for id, dst := range map[string]*[]string{"#table_prefixes4": &as.PrefixesV4, "#table_prefixes6": &as.PrefixesV6} {
		table := doc.Find(id).First()
		if table.Length() == 0 {
			continue
		}
		entries, err := parseResultTable(table)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", name, id, err)
		}
		for _, e := range entries {
			if e.Kind == KindNet {
				*dst = append(*dst, e.Result)
			}
		}
	}
	return as, nil
}

func parseResultTable(table *goquery.Selection) ([]Entry, error) {
	var (
		entries []Entry
		err     error
	)
	table.Find("tbody tr").EachWithBreak(func(i int, row *goquery.Selection) bool {
		tds := row.Find("td")
		if tds.Length() < 2 {
			return true
		}
		link := tds.Eq(0).Find("a").First()
		href, _ := link.Attr("href")
		e := Entry{
			Result:      strings.TrimSpace(link.Text()),
			Path:        href,
			Description: strings.TrimSpace(tds.Eq(1).Text()),
		}
		if title, ok := tds.Eq(1).Find("img").First().Attr("title"); ok {
			e.Region = title
		}
		switch {
		case strings.HasPrefix(href, "/dns/"):
			e.Kind = KindDNS
		case strings.HasPrefix(href, "/AS"):
			e.Kind = KindAS
		case strings.HasPrefix(href, "/net/"):
			e.Kind = KindNet
		case strings.HasPrefix(href, "/ip/"):
			e.Kind = KindIP
		default:
			err = fmt.Errorf("row %d: unknown link %q", i, href)
			return false
		}
		entries = append(entries, e)
		return true
	})
	return entries, err
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
