package storage

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cdn_ip_tester/ippool/model"
)

func outcome(ip, subnet string, class model.Class, rttMs int) model.Outcome {
	return model.Outcome{
		Address:   model.Address{IP: netip.MustParseAddr(ip), Subnet: netip.MustParsePrefix(subnet)},
		Class:     class,
		RTT:       time.Duration(rttMs) * time.Millisecond,
		CDNRTT:    time.Duration(rttMs/2) * time.Millisecond,
		ServerRTT: time.Duration(rttMs-rttMs/2) * time.Millisecond,
		At:        time.Unix(1700000000, 0),
	}
}

func TestResultStore_AppendAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result_log.txt")
	s, err := OpenResultStore(path, false)
	if err != nil {
		t.Fatalf("OpenResultStore() returned an error: %v", err)
	}

	ok := outcome("104.16.0.9", "104.16.0.0/24", model.ClassOK, 120)
	bad := outcome("2606:4700::5", "2606:4700::/32", model.ClassTimeout, 0)
	for _, o := range []model.Outcome{ok, bad} {
		if err := s.Append(o); err != nil {
			t.Fatalf("Append(%s) returned an error: %v", o.Address, err)
		}
	}
	if err := s.Append(ok); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Second Append for the same address: expected ErrDuplicate, got %v", err)
	}
	canceled := outcome("104.16.0.10", "104.16.0.0/24", model.ClassCanceled, 0)
	if err := s.Append(canceled); !errors.Is(err, ErrNotPersistable) {
		t.Errorf("Canceled outcome: expected ErrNotPersistable, got %v", err)
	}
	s.Close()

	s2, err := OpenResultStore(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if s2.Len() != 2 {
		t.Fatalf("Expected 2 reloaded outcomes, got %d", s2.Len())
	}
	got, found := s2.Get(ok.Address.IP)
	if !found || got.Class != model.ClassOK || got.RTT != ok.RTT || got.CDNRTT != ok.CDNRTT || got.Address.Subnet != ok.Address.Subnet {
		t.Errorf("Reloaded outcome differs: %+v", got)
	}
	if !s2.Has(bad.Address.IP) || s2.Has(canceled.Address.IP) {
		t.Error("Has() does not reflect the persisted outcomes")
	}

	all := s2.Outcomes()
	if len(all) != 2 || all[0].Address.IP != ok.Address.IP {
		t.Errorf("Outcomes() not in address order: %v", all)
	}
}

func TestResultStore_LoadKeepsFirstAndSkipsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result_log.txt")
	content := strings.Join([]string{
		"1.1.1.1|1.1.1.0/24|ok|80|40|40|1700000000",
		"1.1.1.1|1.1.1.0/24|timeout|0|0|0|1700000001",
		"1.1.1.2|1.1.1.0/24|exploded|0|0|0|1700000000",
		"garbage",
		"1.1.1.3|1.1.1.0/24|unreachable|0|0|0|1700000000",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := OpenResultStore(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.Len() != 2 {
		t.Fatalf("Expected 2 outcomes, got %d", s.Len())
	}
	first, _ := s.Get(netip.MustParseAddr("1.1.1.1"))
	if first.Class != model.ClassOK {
		t.Errorf("Expected the first line to win, got %s", first.Class)
	}
}

func TestResultStore_AppendAfterTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result_log.txt")
	// the previous run died in the middle of a write
	torn := "1.1.1.1|1.1.1.0/24|ok|80|40|40|1700000000\n1.1.1.2|1.1.1.0/24|time"
	if err := os.WriteFile(path, []byte(torn), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := OpenResultStore(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Append(outcome("1.1.1.3", "1.1.1.0/24", model.ClassOK, 90)); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := OpenResultStore(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if s2.Len() != 2 || !s2.Has(netip.MustParseAddr("1.1.1.3")) {
		t.Errorf("Expected the new outcome to survive the torn line, got %d outcomes", s2.Len())
	}
	data, _ := os.ReadFile(path)
	if !strings.HasSuffix(string(data), "\n") || strings.Count(string(data), "\n") != 3 {
		t.Errorf("Unexpected log content %q", data)
	}
}

func TestResultStore_FreshTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result_log.txt")
	os.WriteFile(path, []byte("1.1.1.1|1.1.1.0/24|ok|80|40|40|1700000000\n"), 0644)

	s, err := OpenResultStore(path, true)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.Len() != 0 {
		t.Errorf("Fresh store loaded %d outcomes", s.Len())
	}
	data, _ := os.ReadFile(path)
	if len(data) != 0 {
		t.Errorf("Fresh store did not truncate the log: %q", data)
	}
}

func TestProgressStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.ini")
	p := NewProgressStore(path)

	snap, err := p.Load()
	if err != nil || snap != nil {
		t.Fatalf("Missing snapshot: expected nil, nil; got %v, %v", snap, err)
	}

	v4 := netip.MustParsePrefix("104.16.0.0/24")
	v6 := netip.MustParsePrefix("2606:4700::/32")
	want := &Snapshot{
		RunID:        "d6c1a0f0-5f0e-4a53-9d8e-7f0d3b2c1a00",
		Seed:         18446744073709551615,
		PortBase:     30000,
		MaxSubnetLen: 20,
		UpdatedAt:    time.Unix(1700000000, 0),
		Cursors:      map[netip.Prefix]int{v4: 5, v6: 0},
	}
	if err := p.Save(want, []netip.Prefix{v6, v4}); err != nil {
		t.Fatalf("Save() returned an error: %v", err)
	}

	got, err := p.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.RunID != want.RunID || got.Seed != want.Seed || got.PortBase != want.PortBase || got.MaxSubnetLen != want.MaxSubnetLen || !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("Run section differs: %+v", got)
	}
	if len(got.Cursors) != 2 || got.Cursors[v4] != 5 || got.Cursors[v6] != 0 {
		t.Errorf("Cursors differ: %v", got.Cursors)
	}

	// overwrite, never append
	want.Cursors[v4] = 7
	if err := p.Save(want, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = p.Load()
	if got.Cursors[v4] != 7 {
		t.Errorf("Expected cursor 7 after overwrite, got %d", got.Cursors[v4])
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("Temp files left behind: %v", entries)
	}

	if err := p.Reset(); err != nil {
		t.Fatal(err)
	}
	if snap, _ := p.Load(); snap != nil {
		t.Error("Snapshot still present after Reset()")
	}
}
