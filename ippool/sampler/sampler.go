package sampler

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"net/netip"
	"sort"
	"strings"

	"go4.org/netipx"

	"cdn_ip_tester/internal/shared/logger"
	"cdn_ip_tester/internal/shared/types"
	"cdn_ip_tester/ippool/model"
)

// Sampler 把 CIDR 展开为具体地址，并对超过上限的子网做不放回的均匀随机抽样。
// 每个子网的随机源由 seed 和子网本身派生，因此相同的 seed 总能复现相同的采样结果，
// 且增删其他子网不会影响该子网的抽样。
type Sampler struct {
	maxLen int
	seed   uint64
}

func New(maxLen int, seed uint64) *Sampler {
	return &Sampler{maxLen: maxLen, seed: seed}
}

// ParsePrefix accepts "a.b.c.d/n", a masked variant such as "1.2.3.4/24", or a
// bare address, which becomes a single-host prefix.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	if p.Addr().Is4In6() {
		p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		if !p.IsValid() {
			return netip.Prefix{}, fmt.Errorf("invalid IPv4-mapped prefix %q", s)
		}
	}
	return p.Masked(), nil
}

// Sample 按输入顺序返回子网列表。任何一个 CIDR 非法都会返回 ConfigError，
// 不会静默跳过。重复的子网只保留第一次出现; 与之前子网重叠的地址只归属于先出现的子网。
func (s *Sampler) Sample(cidrs []string) ([]*model.Subnet, error) {
	l := logger.WithComponent("IPPool/Sampler")
	if s.maxLen <= 0 {
		return nil, types.NewConfigError("sampler", fmt.Errorf("max_subnet_len must be positive, got %d", s.maxLen))
	}

	var covered netipx.IPSetBuilder
	seenPrefix := make(map[netip.Prefix]struct{})
	seenAddr := make(map[netip.Addr]struct{})
	subnets := make([]*model.Subnet, 0, len(cidrs))

	for _, raw := range cidrs {
		prefix, err := ParsePrefix(raw)
		if err != nil {
			return nil, types.NewConfigError("sampler", fmt.Errorf("malformed CIDR %q: %w", raw, err))
		}
		if _, dup := seenPrefix[prefix]; dup {
			l.Warn().Str("cidr", prefix.String()).Msg("Duplicate subnet, skipping.")
			continue
		}
		seenPrefix[prefix] = struct{}{}

		set, err := covered.IPSet()
		if err != nil {
			return nil, fmt.Errorf("building covered set: %w", err)
		}
		overlaps := set.OverlapsPrefix(prefix)
		covered.AddPrefix(prefix)

		addrs := s.sampleOne(prefix)
		subnet := &model.Subnet{Prefix: prefix, Addresses: make([]model.Address, 0, len(addrs))}
		for _, a := range addrs {
			if overlaps {
				if _, dup := seenAddr[a]; dup {
					continue
				}
			}
			seenAddr[a] = struct{}{}
			subnet.Addresses = append(subnet.Addresses, model.Address{IP: a, Subnet: prefix})
		}
		if overlaps {
			l.Warn().Str("cidr", prefix.String()).Int("kept", subnet.Len()).Msg("Subnet overlaps an earlier one, shared addresses stay with the earlier subnet.")
		}
		subnets = append(subnets, subnet)
	}
	return subnets, nil
}

// hostRange returns the usable offsets [lo, hi] inside prefix. IPv4 blocks
// larger than /31 drop the network and broadcast addresses; IPv6 blocks larger
// than /127 drop the subnet-router anycast address.
func hostRange(prefix netip.Prefix) (hostBits int, lo uint64, excludeLast bool) {
	hostBits = prefix.Addr().BitLen() - prefix.Bits()
	if hostBits < 2 {
		return hostBits, 0, false
	}
	return hostBits, 1, prefix.Addr().Is4()
}

func (s *Sampler) sampleOne(prefix netip.Prefix) []netip.Addr {
	hostBits, lo, excludeLast := hostRange(prefix)

	if hostBits < 63 {
		total := uint64(1) << hostBits
		hi := total - 1
		if excludeLast {
			hi--
		}
		count := hi - lo + 1
		if count <= uint64(s.maxLen) {
			return enumerate(prefix, lo, count)
		}
		return s.floyd(prefix, lo, count)
	}
	return s.rejection(prefix, hostBits, lo)
}

func enumerate(prefix netip.Prefix, lo, count uint64) []netip.Addr {
	out := make([]netip.Addr, 0, count)
	a := addOffset(prefix.Addr(), 0, lo)
	last := netipx.PrefixLastIP(prefix)
	for i := uint64(0); i < count && a.IsValid() && a.Compare(last) <= 0; i++ {
		out = append(out, a)
		a = a.Next()
	}
	return out
}

func (s *Sampler) rng(prefix netip.Prefix) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(prefix.String()))
	return rand.New(rand.NewPCG(s.seed, h.Sum64()))
}

// floyd draws maxLen distinct offsets from [lo, lo+count) (Floyd's algorithm).
func (s *Sampler) floyd(prefix netip.Prefix, lo, count uint64) []netip.Addr {
	r := s.rng(prefix)
	k := uint64(s.maxLen)
	chosen := make(map[uint64]struct{}, k)
	for j := count - k; j < count; j++ {
		t := r.Uint64N(j + 1)
		if _, ok := chosen[t]; ok {
			t = j
		}
		chosen[t] = struct{}{}
	}
	out := make([]netip.Addr, 0, k)
	for off := range chosen {
		out = append(out, addOffset(prefix.Addr(), 0, lo+off))
	}
	sortAddrs(out)
	return out
}

// rejection samples huge (IPv6) blocks, where the block is astronomically
// larger than maxLen and collisions are simply redrawn.
func (s *Sampler) rejection(prefix netip.Prefix, hostBits int, lo uint64) []netip.Addr {
	r := s.rng(prefix)
	out := make([]netip.Addr, 0, s.maxLen)
	seen := make(map[netip.Addr]struct{}, s.maxLen)
	for len(out) < s.maxLen {
		hi, low := r.Uint64(), r.Uint64()
		if hostBits < 128 {
			if hostBits <= 64 {
				hi = 0
				if hostBits < 64 {
					low &= (uint64(1) << hostBits) - 1
				}
			} else {
				hi &= (uint64(1) << (hostBits - 64)) - 1
			}
		}
		if hi == 0 && low < lo {
			continue
		}
		a := addOffset(prefix.Addr(), hi, low)
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sortAddrs(out)
	return out
}

// addOffset adds the 128-bit offset (hi, lo) to base. The offset always fits in
// the host part of a masked prefix, so no carry leaves the address.
func addOffset(base netip.Addr, hi, lo uint64) netip.Addr {
	if base.Is4() {
		b := base.As4()
		v := binary.BigEndian.Uint32(b[:]) + uint32(lo)
		binary.BigEndian.PutUint32(b[:], v)
		return netip.AddrFrom4(b)
	}
	b := base.As16()
	bl := binary.BigEndian.Uint64(b[8:])
	bh := binary.BigEndian.Uint64(b[:8])
	nl := bl + lo
	carry := uint64(0)
	if nl < bl {
		carry = 1
	}
	binary.BigEndian.PutUint64(b[8:], nl)
	binary.BigEndian.PutUint64(b[:8], bh+hi+carry)
	return netip.AddrFrom16(b)
}

func sortAddrs(addrs []netip.Addr) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
}

// ErrNoSubnets is returned by Limit when nothing is left to test.
var ErrNoSubnets = errors.New("no subnets to test")

// Limit keeps the first n subnets; n <= 0 keeps all.
func Limit(subnets []*model.Subnet, n int) ([]*model.Subnet, error) {
	if n > 0 && n < len(subnets) {
		subnets = subnets[:n]
	}
	if len(subnets) == 0 {
		return nil, types.NewConfigError("sampler", ErrNoSubnets)
	}
	return subnets, nil
}
