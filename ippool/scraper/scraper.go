package scraper

import "context"

// Kind 是查询结果条目的类型。
type Kind string

const (
	KindAS  Kind = "as"
	KindNet Kind = "net"
	KindDNS Kind = "dns"
	KindIP  Kind = "ip"
)

// Entry 是结果表格中的一行。
type Entry struct {
	Kind        Kind
	Result      string // "AS13335", "104.16.0.0/13", ...
	Path        string
	Description string
	Region      string
}

// AutonomousSystem holds the announced prefixes of one AS.
type AutonomousSystem struct {
	Name       string
	PrefixesV4 []string
	PrefixesV6 []string
}

// PrefixSource 定义了从公开路由数据中查找 CDN 网段的行为。
type PrefixSource interface {
	// Search returns the AS entries matching query.
	Search(ctx context.Context, query string) ([]Entry, error)
	// AutonomousSystem fetches the prefixes announced by name ("AS13335").
	AutonomousSystem(ctx context.Context, name string) (*AutonomousSystem, error)
	// Name 返回数据源的名称，用于日志记录。
	Name() string
}
