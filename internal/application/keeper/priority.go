package keeper

import (
	"sort"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
)

const (
	DefaultProximityThreshold    = 0.05
	DefaultMaxFarUpdatesPerCycle = 10
	DefaultStaleCutoffSeconds    = 3600
)

// PriorityConfig tunes how positions are grouped for a liquidation cycle.
type PriorityConfig struct {
	// ProximityThreshold is the relative distance |price-liq|/price under
	// which a position counts as close to liquidation.
	ProximityThreshold float64
	// MaxFarUpdatesPerCycle caps how many far positions get their cached
	// estimate refreshed per cycle.
	MaxFarUpdatesPerCycle int
	// StaleCutoffSeconds is how old a far estimate may get before it is
	// refreshed.
	StaleCutoffSeconds uint64
}

// LiquidationGroups partitions the open positions into the ordered groups a
// liquidation cycle works through:
//
//  1. positions whose cached estimate is within the proximity threshold,
//     closest first, then by leverage;
//  2. positions with no estimate, highest leverage first;
//  3. far positions with an estimate older than the stale cutoff, oldest
//     first, capped at MaxFarUpdatesPerCycle.
//
// Zero-size positions and fresh far estimates are left out.
func LiquidationGroups(positions []domain.Position, assetPrice float64, blockTip uint64, cfg PriorityConfig) [][]domain.Position {
	var near, unknown, outdated []domain.Position

	var staleBefore uint64
	if blockTip > cfg.StaleCutoffSeconds {
		staleBefore = blockTip - cfg.StaleCutoffSeconds
	}

	for _, p := range positions {
		if p.Size == 0 {
			continue
		}
		if !p.HasLiqPrice() {
			unknown = append(unknown, p)
			continue
		}
		if assetPrice > 0 && proximity(p, assetPrice) <= cfg.ProximityThreshold {
			near = append(near, p)
			continue
		}
		if p.LiqPriceUpdatedTimestamp < staleBefore {
			outdated = append(outdated, p)
		}
	}

	sort.SliceStable(near, func(i, j int) bool {
		di, dj := proximity(near[i], assetPrice), proximity(near[j], assetPrice)
		if di != dj {
			return di < dj
		}
		return near[i].Leverage > near[j].Leverage
	})
	sort.SliceStable(unknown, func(i, j int) bool {
		return unknown[i].Leverage > unknown[j].Leverage
	})
	sort.SliceStable(outdated, func(i, j int) bool {
		return outdated[i].LiqPriceUpdatedTimestamp < outdated[j].LiqPriceUpdatedTimestamp
	})
	if limit := cfg.MaxFarUpdatesPerCycle; limit >= 0 && len(outdated) > limit {
		outdated = outdated[:limit]
	}

	return [][]domain.Position{near, unknown, outdated}
}

func proximity(p domain.Position, assetPrice float64) float64 {
	d := assetPrice - p.LiqPrice
	if d < 0 {
		d = -d
	}
	return d / assetPrice
}
