package keeper_test

import (
	"testing"

	"github.com/alejandrodnm/perpkeeper/internal/application/keeper"
	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/stretchr/testify/assert"
)

func accounts(groups [][]domain.Position) [][]string {
	out := make([][]string, len(groups))
	for i, g := range groups {
		out[i] = []string{}
		for _, p := range g {
			out[i] = append(out[i], p.Account)
		}
	}
	return out
}

func scenarioPositions() []domain.Position {
	return []domain.Position{
		{Account: "d", Size: 1, LiqPrice: domain.UnknownLiqPrice, Leverage: 0},
		{Account: "b", Size: 1, LiqPrice: domain.UnknownLiqPrice, Leverage: 10},
		{Account: "a", Size: 1, LiqPrice: 9.5, Leverage: 1.2},
		{Account: "c", Size: 1, LiqPrice: domain.UnknownLiqPrice, Leverage: 5},
		{Account: "f", Size: 1, LiqPrice: 5, Leverage: 1.2, LiqPriceUpdatedTimestamp: 0},
		{Account: "g", Size: 1, LiqPrice: 5, Leverage: 1.2, LiqPriceUpdatedTimestamp: 1},
		{Account: "h", Size: 1, LiqPrice: 5, Leverage: 1.2, LiqPriceUpdatedTimestamp: 9},
	}
}

func TestLiquidationGroups_Scenario(t *testing.T) {
	cfg := keeper.PriorityConfig{ProximityThreshold: 0.1, MaxFarUpdatesPerCycle: 3, StaleCutoffSeconds: 5}

	groups := keeper.LiquidationGroups(scenarioPositions(), 10, 10, cfg)
	assert.Equal(t, [][]string{{"a"}, {"b", "c", "d"}, {"f", "g"}}, accounts(groups))

	cfg.MaxFarUpdatesPerCycle = 1
	groups = keeper.LiquidationGroups(scenarioPositions(), 10, 10, cfg)
	assert.Equal(t, [][]string{{"a"}, {"b", "c", "d"}, {"f"}}, accounts(groups))
}

func TestLiquidationGroups_SkipsZeroSize(t *testing.T) {
	positions := []domain.Position{
		{Account: "closed", Size: 0, LiqPrice: domain.UnknownLiqPrice, Leverage: 50},
		{Account: "open", Size: -2, LiqPrice: domain.UnknownLiqPrice, Leverage: 1},
	}
	groups := keeper.LiquidationGroups(positions, 10, 100, keeper.PriorityConfig{ProximityThreshold: 0.1})
	assert.Equal(t, [][]string{{}, {"open"}, {}}, accounts(groups))
}

func TestLiquidationGroups_CloseOrdering(t *testing.T) {
	positions := []domain.Position{
		{Account: "far-ish", Size: 1, LiqPrice: 9.2, Leverage: 9},
		{Account: "low-lev", Size: 1, LiqPrice: 10.5, Leverage: 2},
		{Account: "high-lev", Size: 1, LiqPrice: 9.5, Leverage: 8},
	}
	groups := keeper.LiquidationGroups(positions, 10, 100, keeper.PriorityConfig{ProximityThreshold: 0.1})
	assert.Equal(t, []string{"high-lev", "low-lev", "far-ish"}, accounts(groups)[0])
}

func TestLiquidationGroups_FreshFarPositionsExcluded(t *testing.T) {
	positions := []domain.Position{
		{Account: "fresh", Size: 1, LiqPrice: 2, LiqPriceUpdatedTimestamp: 995},
	}
	groups := keeper.LiquidationGroups(positions, 10, 1000, keeper.PriorityConfig{
		ProximityThreshold: 0.1, MaxFarUpdatesPerCycle: 10, StaleCutoffSeconds: 60,
	})
	for _, g := range groups {
		assert.Empty(t, g)
	}
}

func TestBatches(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}, {7}}, keeper.Batches(items, 3))
	assert.Equal(t, [][]int{{1, 2, 3, 4, 5}, {6, 7}}, keeper.Batches(items, 0))
	assert.Empty(t, keeper.Batches([]int{}, 5))
}
