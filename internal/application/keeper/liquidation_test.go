package keeper_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alejandrodnm/perpkeeper/internal/application/keeper"
	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPriority = keeper.PriorityConfig{
	ProximityThreshold:    0.1,
	MaxFarUpdatesPerCycle: 5,
	StaleCutoffSeconds:    60,
}

func newLiquidationKeeper(t *testing.T, f *fixture) *keeper.LiquidationKeeper {
	t.Helper()
	k, err := keeper.NewLiquidationKeeper(f.deps(), testPriority, noPacing)
	require.NoError(t, err)
	return k
}

func positionAccounts(k *keeper.LiquidationKeeper) []string {
	var out []string
	for _, p := range k.Positions() {
		out = append(out, p.Account)
	}
	return out
}

func TestNewLiquidationKeeper_RequiresCollaborators(t *testing.T) {
	f := newFixture(10)
	deps := f.deps()
	deps.Chain = nil
	_, err := keeper.NewLiquidationKeeper(deps, testPriority, noPacing)
	assert.Error(t, err)
}

func TestLiquidationKeeper_IndexFoldsPositions(t *testing.T) {
	f := newFixture(50,
		modified(10, 0, "0xa", 100, 2),
		modified(11, 0, "0xb", 100, -3),
		modified(12, 0, "0xc", 100, 1),
		modified(13, 0, "0xa", 0, 0), // margin withdrawn
		liquidated(14, "0xb"),
		flagged(15, "0xghost"), // unknown account
		modified(16, 0, "0xd", 50, 5),
		flagged(17, "0xd"),
		funding(18, 1_700_000_000),
	)
	k := newLiquidationKeeper(t, f)

	tip, err := k.Index(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), tip)
	assert.Equal(t, []string{"0xc"}, positionAccounts(k))

	p, ok := k.Position("0xc")
	require.True(t, ok)
	assert.Equal(t, domain.UnknownLiqPrice, p.LiqPrice)
	assert.Zero(t, p.LiqPriceUpdatedTimestamp)
	assert.InDelta(t, 0.1, p.Leverage, 1e-9)

	st := k.Status()
	assert.Equal(t, "ready", st.State)
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, uint64(1_700_000_000), st.BlockTipTimestamp)
	assert.Equal(t, uint64(50), st.LastBlock)
}

func TestLiquidationKeeper_IndexIsIdempotent(t *testing.T) {
	f := newFixture(30,
		modified(10, 0, "0xa", 100, 2),
		modified(10, 1, "0xb", 200, 4),
		modified(12, 0, "0xa", 120, 3),
	)
	k := newLiquidationKeeper(t, f)

	_, err := k.Index(context.Background(), 1)
	require.NoError(t, err)
	first := k.Positions()

	_, err = k.Index(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, first, k.Positions())
}

func TestLiquidationKeeper_IndexWithoutEventsUsesTipHeader(t *testing.T) {
	f := newFixture(40)
	f.chain.timestamps[40] = 4242
	k := newLiquidationKeeper(t, f)

	_, err := k.Index(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), k.BlockTip())
}

func TestLiquidationKeeper_IndexFailureFaults(t *testing.T) {
	f := newFixture(40)
	f.fetcher.err = errors.New("rpc down")
	k := newLiquidationKeeper(t, f)

	_, err := k.Index(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, keeper.StateFaulted, k.State())

	err = k.UpdateIndex(context.Background(), nil, nil, nil)
	assert.ErrorIs(t, err, domain.ErrKeeperNotReady)

	f.fetcher.err = nil
	_, err = k.Index(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, keeper.StateReady, k.State())
}

func TestLiquidationKeeper_UpdateIndexRequiresReady(t *testing.T) {
	k := newLiquidationKeeper(t, newFixture(10))
	err := k.UpdateIndex(context.Background(), []domain.Event{modified(1, 0, "0xa", 1, 1)}, nil, nil)
	assert.ErrorIs(t, err, domain.ErrKeeperNotReady)
}

func TestLiquidationKeeper_UpdateIndexHeaderAndPrice(t *testing.T) {
	k := newLiquidationKeeper(t, newFixture(10))
	_, err := k.Index(context.Background(), 1)
	require.NoError(t, err)

	price := 1875.5
	err = k.UpdateIndex(context.Background(), nil, &domain.BlockHeader{Number: 12, Timestamp: 777}, &price)
	require.NoError(t, err)
	assert.Equal(t, uint64(777), k.BlockTip())
	assert.Equal(t, 1875.5, k.AssetPrice())
	assert.Equal(t, uint64(12), k.Status().LastBlock)
}

func TestLiquidationKeeper_MarkProcessedCoversEventlessTail(t *testing.T) {
	k := newLiquidationKeeper(t, newFixture(10))
	_, err := k.Index(context.Background(), 1)
	require.NoError(t, err)

	// range [11, 20] with its only event at block 13
	err = k.UpdateIndex(context.Background(), []domain.Event{modified(13, 0, "0xa", 100, 1)}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(13), k.Status().LastBlock)

	k.MarkProcessed(20)
	assert.Equal(t, uint64(20), k.Status().LastBlock)

	k.MarkProcessed(15)
	assert.Equal(t, uint64(20), k.Status().LastBlock, "never moves backwards")
}

func TestLiquidationKeeper_IgnoresPayloadlessAndForeignEvents(t *testing.T) {
	f := newFixture(30,
		modified(10, 0, "0xa", 100, 2),
		domain.Event{Kind: domain.EventPositionModified, BlockNumber: 11}, // undecodable
		domain.Event{Kind: domain.EventPositionLiquidated, BlockNumber: 12},
	)
	k := newLiquidationKeeper(t, f)

	_, err := k.Index(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xa"}, positionAccounts(k))
	before, _ := k.Position("0xa")

	err = k.UpdateIndex(context.Background(), []domain.Event{
		{Kind: domain.EventPositionModified, BlockNumber: 31},
		{Kind: domain.EventPositionFlagged, BlockNumber: 31, LogIndex: 1},
		submitted(32, 0, "0xa", false, domain.OrderSubmitted{TargetRoundID: 5}),
		removed(33, "0xa"),
		{Kind: domain.EventKind("Bogus"), BlockNumber: 34},
	}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "ready", k.Status().State)
	assert.Equal(t, []string{"0xa"}, positionAccounts(k))
	after, ok := k.Position("0xa")
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestLiquidationKeeper_IneligibleRefreshesEstimate(t *testing.T) {
	f := newFixture(20, modified(10, 0, "0xa", 100, 2), funding(11, 500))
	f.market.liqPrice["0xa"] = 7.25
	k := newLiquidationKeeper(t, f)
	_, err := k.Index(context.Background(), 1)
	require.NoError(t, err)
	price := 10.0
	require.NoError(t, k.UpdateIndex(context.Background(), nil, nil, &price))

	k.Execute(context.Background())

	p, ok := k.Position("0xa")
	require.True(t, ok)
	assert.Equal(t, 7.25, p.LiqPrice)
	assert.Equal(t, uint64(500), p.LiqPriceUpdatedTimestamp)
	assert.Empty(t, f.market.Calls())
	assert.Equal(t, keeper.StateReady, k.State())
}

func TestLiquidationKeeper_ModifiedResetsEstimate(t *testing.T) {
	f := newFixture(20, modified(10, 0, "0xa", 100, 2), funding(11, 500))
	f.market.liqPrice["0xa"] = 7.25
	k := newLiquidationKeeper(t, f)
	_, err := k.Index(context.Background(), 1)
	require.NoError(t, err)
	k.Execute(context.Background())

	p, _ := k.Position("0xa")
	require.Equal(t, 7.25, p.LiqPrice)

	err = k.UpdateIndex(context.Background(), []domain.Event{modified(21, 0, "0xa", 150, 3)}, nil, nil)
	require.NoError(t, err)

	p, _ = k.Position("0xa")
	assert.Equal(t, domain.UnknownLiqPrice, p.LiqPrice)
	assert.Zero(t, p.LiqPriceUpdatedTimestamp)
	assert.Equal(t, 3.0, p.Size)
}

func TestLiquidationKeeper_FlagsThenLiquidates(t *testing.T) {
	f := newFixture(20, modified(10, 0, "0xa", 100, 2), modified(10, 1, "0xb", 100, 2))
	f.market.canLiquidate["0xa"] = true
	f.market.liqPrice["0xb"] = 3
	k := newLiquidationKeeper(t, f)
	_, err := k.Index(context.Background(), 1)
	require.NoError(t, err)

	k.Execute(context.Background())

	assert.Equal(t, []string{"flag:0xa", "liquidate:0xa"}, f.market.Calls())
	assert.Equal(t, []string{"flag:0xa", "liquidate:0xa"}, f.journal.actions())
	for _, r := range f.journal.records {
		assert.True(t, r.Success)
		assert.NotEmpty(t, r.TxHash)
		assert.Equal(t, "sETHPERP", r.Market)
	}
	assert.Equal(t, 1, f.pool.uses)

	// the index only changes through events
	_, ok := k.Position("0xa")
	assert.True(t, ok)
}

func TestLiquidationKeeper_FailedTaskDoesNotStopOthers(t *testing.T) {
	f := newFixture(20, modified(10, 0, "0xa", 100, 2), modified(10, 1, "0xb", 100, 2))
	f.market.canLiquidate["0xa"] = true
	f.market.canLiquidate["0xb"] = true
	f.market.failSend["0xa"] = errors.New("nonce too low")
	k := newLiquidationKeeper(t, f)
	_, err := k.Index(context.Background(), 1)
	require.NoError(t, err)

	k.Execute(context.Background())

	assert.Contains(t, f.market.Calls(), "liquidate:0xb")
	assert.NotContains(t, f.market.Calls(), "liquidate:0xa")
	assert.Equal(t, keeper.StateReady, k.State())
}

func TestLiquidationKeeper_NoPoolSkipsDispatch(t *testing.T) {
	f := newFixture(20, modified(10, 0, "0xa", 100, 2))
	f.market.canLiquidate["0xa"] = true
	deps := f.deps()
	deps.Pool = nil
	k, err := keeper.NewLiquidationKeeper(deps, testPriority, noPacing)
	require.NoError(t, err)
	_, err = k.Index(context.Background(), 1)
	require.NoError(t, err)

	k.Execute(context.Background())
	assert.Empty(t, f.market.Calls())
}

func TestLiquidationKeeper_ExecuteBeforeIndexIsSkipped(t *testing.T) {
	f := newFixture(20)
	k := newLiquidationKeeper(t, f)
	k.Execute(context.Background())
	assert.Equal(t, keeper.StateUninitialized, k.State())
}

func TestLiquidationKeeper_EventKinds(t *testing.T) {
	k := newLiquidationKeeper(t, newFixture(1))
	assert.ElementsMatch(t, []domain.EventKind{
		domain.EventPositionModified,
		domain.EventPositionLiquidated,
		domain.EventPositionFlagged,
		domain.EventFundingRecomputed,
	}, k.EventKinds())
	assert.Equal(t, keeper.KindLiquidation, k.Kind())
	assert.Equal(t, "sETHPERP", k.MarketName())
}
