package model

import (
	"net/netip"
	"time"
)

// Address 是一个被采样出的待测地址，记录其所属子网。采样后不再修改。
type Address struct {
	IP     netip.Addr
	Subnet netip.Prefix
}

func (a Address) String() string {
	return a.IP.String()
}

// Subnet 是一个 CIDR 块及其采样出的地址 (按数值升序)。
// 子网的顺序即轮询顺序，在一次运行 (包括续测) 中必须稳定。
type Subnet struct {
	Prefix    netip.Prefix
	Addresses []Address
}

func (s *Subnet) Len() int {
	return len(s.Addresses)
}

// Class 是探测结果的分类。
type Class string

const (
	ClassOK                     Class = "ok"
	ClassCDNValidationFailed    Class = "cdn-validation-failed"
	ClassOriginValidationFailed Class = "origin-validation-failed"
	ClassTimeout                Class = "timeout"
	ClassUnreachable            Class = "unreachable"

	// ClassCanceled marks a probe interrupted by run shutdown or an engine
	// crash. It says nothing about the address and is never persisted.
	ClassCanceled Class = "canceled"
)

// ParseClass maps a persisted class name back to a Class.
func ParseClass(s string) (Class, bool) {
	switch c := Class(s); c {
	case ClassOK, ClassCDNValidationFailed, ClassOriginValidationFailed, ClassTimeout, ClassUnreachable:
		return c, true
	default:
		return "", false
	}
}

// Outcome 是一次探测的结果。每个地址最多记录一次。
type Outcome struct {
	Address   Address
	Class     Class
	RTT       time.Duration // 两个阶段的总耗时, 仅 ClassOK 时有意义
	CDNRTT    time.Duration
	ServerRTT time.Duration
	At        time.Time
	Err       error // 失败原因, 不持久化
}

func (o Outcome) Passed() bool {
	return o.Class == ClassOK
}
