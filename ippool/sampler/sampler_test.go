package sampler

import (
	"errors"
	"net/netip"
	"testing"

	"cdn_ip_tester/internal/shared/types"
)

func TestSample_SmallSubnetKeepsAllHosts(t *testing.T) {
	s := New(10, 1)
	subnets, err := s.Sample([]string{"10.0.0.0/30"})
	if err != nil {
		t.Fatalf("Sample() returned an error: %v", err)
	}
	if len(subnets) != 1 {
		t.Fatalf("Expected 1 subnet, got %d", len(subnets))
	}
	got := subnets[0].Addresses
	want := []string{"10.0.0.1", "10.0.0.2"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d addresses, got %d (%v)", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].IP.String() != w {
			t.Errorf("Address %d: expected %s, got %s", i, w, got[i].IP)
		}
		if got[i].Subnet.String() != "10.0.0.0/30" {
			t.Errorf("Address %d tagged with wrong subnet %s", i, got[i].Subnet)
		}
	}
}

func TestSample_CapAndUniqueness(t *testing.T) {
	tests := []struct {
		name string
		cidr string
		cap  int
		want int
	}{
		{"v4 /24 capped", "1.2.3.0/24", 16, 16},
		{"v4 /24 uncapped", "1.2.3.0/24", 1000, 254},
		{"v4 /31 keeps both", "1.2.3.4/31", 10, 2},
		{"v4 /32 single", "1.2.3.4/32", 10, 1},
		{"v4 /16 floyd", "172.16.0.0/16", 300, 300},
		{"v6 /120 uncapped", "2606:4700::/120", 1000, 255},
		{"v6 /32 huge", "2606:4700::/32", 50, 50},
		{"v6 /64", "2001:db8::/64", 20, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subnets, err := New(tt.cap, 42).Sample([]string{tt.cidr})
			if err != nil {
				t.Fatalf("Sample() returned an error: %v", err)
			}
			addrs := subnets[0].Addresses
			if len(addrs) != tt.want {
				t.Fatalf("Expected %d addresses, got %d", tt.want, len(addrs))
			}
			prefix := netip.MustParsePrefix(tt.cidr)
			seen := make(map[netip.Addr]bool)
			for i, a := range addrs {
				if !prefix.Contains(a.IP) {
					t.Errorf("Address %s is outside %s", a.IP, prefix)
				}
				if seen[a.IP] {
					t.Errorf("Address %s sampled twice", a.IP)
				}
				seen[a.IP] = true
				if i > 0 && !addrs[i-1].IP.Less(a.IP) {
					t.Errorf("Addresses not in numeric order at %d", i)
				}
			}
		})
	}
}

func TestSample_DeterministicWithSeed(t *testing.T) {
	cidrs := []string{"104.16.0.0/20", "2606:4700::/48"}
	a, err := New(32, 7).Sample(cidrs)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(32, 7).Sample(cidrs)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		for j := range a[i].Addresses {
			if a[i].Addresses[j] != b[i].Addresses[j] {
				t.Fatalf("Same seed produced different samples at subnet %d index %d", i, j)
			}
		}
	}

	// Adding a subnet in front must not change the sample of the others.
	c, err := New(32, 7).Sample(append([]string{"8.8.8.0/24"}, cidrs...))
	if err != nil {
		t.Fatal(err)
	}
	for j := range a[0].Addresses {
		if a[0].Addresses[j] != c[1].Addresses[j] {
			t.Fatalf("Sample of %s changed after adding another subnet", a[0].Prefix)
		}
	}

	d, err := New(32, 8).Sample(cidrs)
	if err != nil {
		t.Fatal(err)
	}
	same := true
	for j := range a[0].Addresses {
		if a[0].Addresses[j] != d[0].Addresses[j] {
			same = false
		}
	}
	if same {
		t.Error("Different seeds produced identical samples")
	}
}

func TestSample_MalformedIsConfigError(t *testing.T) {
	for _, bad := range []string{"1.2.3.456/24", "1.2.3.4a/24", "1.2.3.0/33", "nonsense"} {
		_, err := New(10, 1).Sample([]string{"1.1.1.0/24", bad})
		var cfgErr *types.ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("Sample(%q): expected ConfigError, got %v", bad, err)
		}
	}
}

func TestSample_NormalisesAndDeduplicates(t *testing.T) {
	subnets, err := New(300, 1).Sample([]string{
		"192.167.3.3/24",
		"192.167.3.0/24",
		"192.167.3.7",
		"192.167.2.0/24",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(subnets) != 3 {
		t.Fatalf("Expected 3 subnets after dedup, got %d", len(subnets))
	}
	if subnets[0].Prefix.String() != "192.167.3.0/24" {
		t.Errorf("Expected masked prefix, got %s", subnets[0].Prefix)
	}
	// 192.167.3.7 is already covered by the first subnet.
	if subnets[1].Prefix.String() != "192.167.3.7/32" || subnets[1].Len() != 0 {
		t.Errorf("Expected overlapping host subnet to be empty, got %s with %d", subnets[1].Prefix, subnets[1].Len())
	}
	if subnets[2].Len() != 254 {
		t.Errorf("Expected 254 hosts, got %d", subnets[2].Len())
	}
}

func TestLimit(t *testing.T) {
	subnets, _ := New(4, 1).Sample([]string{"1.0.0.0/24", "2.0.0.0/24", "3.0.0.0/24"})
	got, err := Limit(subnets, 2)
	if err != nil || len(got) != 2 {
		t.Fatalf("Limit(2) = %d, %v", len(got), err)
	}
	got, err = Limit(subnets, 0)
	if err != nil || len(got) != 3 {
		t.Fatalf("Limit(0) = %d, %v", len(got), err)
	}
	if _, err := Limit(nil, 0); !errors.Is(err, ErrNoSubnets) {
		t.Fatalf("Limit(nil) expected ErrNoSubnets, got %v", err)
	}
}
