package app

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"cdn_ip_tester/internal/shared/logger"
	"cdn_ip_tester/internal/shared/types"
	"cdn_ip_tester/ippool/storage"
)

// loadRunState 决定本次运行的身份和采样种子。
// 存在快照时沿用其 run_id 和 seed (保证续测时采样结果不变);
// --no-cache 或没有快照时生成新的。
func (a *App) loadRunState(progress *storage.ProgressStore) (storage.Snapshot, error) {
	l := logger.WithComponent("App/State")

	if a.opts.NoCache {
		if err := progress.Reset(); err != nil {
			return storage.Snapshot{}, fmt.Errorf("failed to reset progress snapshot: %w", err)
		}
		l.Info().Msg("no_cache = true, starting a fresh run.")
		return a.freshSnapshot(), nil
	}

	snap, err := progress.Load()
	if err != nil {
		return storage.Snapshot{}, types.NewConfigError("progress", err)
	}
	if snap == nil {
		return a.freshSnapshot(), nil
	}

	// 端口和采样上限变化后地址与端口的对应关系会漂移，不能续测。
	if snap.PortBase != a.cfg.PortBase {
		return storage.Snapshot{}, types.NewConfigError("progress",
			fmt.Errorf("snapshot was taken with port_base %d, config has %d; rerun with --no-cache", snap.PortBase, a.cfg.PortBase))
	}
	if snap.MaxSubnetLen != a.cfg.MaxSubnetLen {
		return storage.Snapshot{}, types.NewConfigError("progress",
			fmt.Errorf("snapshot was taken with max_subnet_len %d, config has %d; rerun with --no-cache", snap.MaxSubnetLen, a.cfg.MaxSubnetLen))
	}
	if snap.RunID == "" {
		snap.RunID = uuid.NewString()
	}
	if snap.Cursors == nil {
		snap.Cursors = make(map[netip.Prefix]int)
	}
	l.Info().Str("run_id", snap.RunID).Time("updated_at", snap.UpdatedAt).Msg("Resuming previous run.")
	return *snap, nil
}

func (a *App) freshSnapshot() storage.Snapshot {
	return storage.Snapshot{
		RunID:        uuid.NewString(),
		Seed:         rand.Uint64(),
		PortBase:     a.cfg.PortBase,
		MaxSubnetLen: a.cfg.MaxSubnetLen,
		UpdatedAt:    time.Now(),
		Cursors:      make(map[netip.Prefix]int),
	}
}
