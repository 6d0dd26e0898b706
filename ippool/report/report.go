package report

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/oschwald/geoip2-golang"

	"cdn_ip_tester/internal/shared/logger"
	"cdn_ip_tester/ippool/model"
)

// DefaultTableRows 是控制台表格展示的行数。
const DefaultTableRows = 20

// Rank 返回通过的结果，按总 RTT 升序，其次按 server_rtt，再按地址。
func Rank(outcomes []model.Outcome) []model.Outcome {
	passed := make([]model.Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Passed() {
			passed = append(passed, o)
		}
	}
	sort.SliceStable(passed, func(i, j int) bool {
		a, b := passed[i], passed[j]
		if a.RTT != b.RTT {
			return a.RTT < b.RTT
		}
		if a.ServerRTT != b.ServerRTT {
			return a.ServerRTT < b.ServerRTT
		}
		return a.Address.IP.Less(b.Address.IP)
	})
	return passed
}

// FormatLine renders one ranked outcome the way result.txt stores it.
func FormatLine(o model.Outcome) string {
	return fmt.Sprintf("ip: %s, rtt: %d, server_rtt: %d, cdn_rtt: %d",
		o.Address.IP, o.RTT.Milliseconds(), o.ServerRTT.Milliseconds(), o.CDNRTT.Milliseconds())
}

// WriteResultFile 覆盖写入最终结果表 (只包含通过的地址)。
func WriteResultFile(path string, ranked []model.Outcome) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create result file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, o := range ranked {
		fmt.Fprintln(w, FormatLine(o))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write result file: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	l := logger.WithComponent("IPPool/Report")
	l.Info().Str("path", path).Int("count", len(ranked)).Msg("Result table written.")
	return nil
}

// CountryLookup resolves an address to an ISO country code, "" when unknown.
type CountryLookup interface {
	Country(ip net.IP) string
}

// GeoDB wraps a MaxMind country (or city) database.
type GeoDB struct {
	reader *geoip2.Reader
}

func OpenGeoDB(path string) (*GeoDB, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database %s: %w", path, err)
	}
	return &GeoDB{reader: reader}, nil
}

func (g *GeoDB) Country(ip net.IP) string {
	rec, err := g.reader.Country(ip)
	if err != nil {
		return ""
	}
	return rec.Country.IsoCode
}

func (g *GeoDB) Close() error {
	return g.reader.Close()
}

// PrintTable 在控制台打印最好的 rows 条结果。geo 为 nil 时不显示国家列。
func PrintTable(w io.Writer, ranked []model.Outcome, rows int, geo CountryLookup) {
	if rows <= 0 || rows > len(ranked) {
		rows = len(ranked)
	}

	header := []string{"#", "IP", "Subnet", "RTT", "Server RTT", "CDN RTT"}
	align := []int{tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT}
	if geo != nil {
		header = append(header, "Country")
		align = append(align, tablewriter.ALIGN_LEFT)
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetColumnAlignment(align)

	for i := 0; i < rows; i++ {
		o := ranked[i]
		row := []string{
			strconv.Itoa(i + 1),
			o.Address.IP.String(),
			o.Address.Subnet.String(),
			fmt.Sprintf("%dms", o.RTT.Milliseconds()),
			fmt.Sprintf("%dms", o.ServerRTT.Milliseconds()),
			fmt.Sprintf("%dms", o.CDNRTT.Milliseconds()),
		}
		if geo != nil {
			row = append(row, geo.Country(net.IP(o.Address.IP.AsSlice())))
		}
		table.Append(row)
	}
	table.Render()
}
