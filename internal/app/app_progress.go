package app

import (
	"net/netip"
	"os"

	"github.com/cheggaaa/pb/v3"

	"cdn_ip_tester/internal/shared/logger"
	"cdn_ip_tester/ippool/model"
)

// barObserver 用进度条展示探测进度，并把每个通过的地址打印出来。
type barObserver struct {
	bar *pb.ProgressBar
}

func newBarObserver() *barObserver {
	bar := pb.New(0)
	bar.SetTemplate(pb.Full)
	bar.SetWriter(os.Stderr)
	bar.Set("prefix", "Probing ")
	return &barObserver{bar: bar}
}

func (b *barObserver) Planned(total, resolved int) {
	b.bar.SetTotal(int64(total))
	b.bar.SetCurrent(int64(resolved))
	b.bar.Start()
}

func (b *barObserver) Resolved(o model.Outcome, cached bool) {
	b.bar.Increment()
	if o.Passed() && !cached {
		l := logger.WithComponent("App")
		l.Info().
			Str("ip", o.Address.String()).
			Int64("rtt", o.RTT.Milliseconds()).
			Int64("server_rtt", o.ServerRTT.Milliseconds()).
			Int64("cdn_rtt", o.CDNRTT.Milliseconds()).
			Msg("Address passed.")
	}
}

func (b *barObserver) Disabled(prefix netip.Prefix, dropped int) {
	b.bar.AddTotal(-int64(dropped))
}

func (b *barObserver) finish() {
	b.bar.Finish()
}
