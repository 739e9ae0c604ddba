package keeper_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/alejandrodnm/perpkeeper/internal/application/keeper"
	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
)

// --- market ---

type fakeMarket struct {
	mu           sync.Mutex
	canLiquidate map[string]bool
	liqPrice     map[string]float64
	round        uint64
	failSend     map[string]error
	calls        []string
	updates      [][][]byte
	fees         []*big.Int
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		canLiquidate: map[string]bool{},
		liqPrice:     map[string]float64{},
		failSend:     map[string]error{},
	}
}

func (m *fakeMarket) Name() string { return "sETHPERP" }

func (m *fakeMarket) CanLiquidate(_ context.Context, account string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canLiquidate[account], nil
}

func (m *fakeMarket) LiquidationPrice(_ context.Context, account string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.liqPrice[account]
	if !ok {
		return 0, fmt.Errorf("no liquidation price for %s", account)
	}
	return p, nil
}

func (m *fakeMarket) AssetPrice(context.Context) (float64, error) { return 10, nil }

func (m *fakeMarket) CurrentRoundID(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.round, nil
}

func (m *fakeMarket) send(call, account string) (ports.PendingTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call+":"+account)
	if err := m.failSend[account]; err != nil {
		return nil, err
	}
	return &fakeTx{hash: fmt.Sprintf("0x%s%d", call, len(m.calls))}, nil
}

func (m *fakeMarket) FlagPosition(_ context.Context, _ ports.Signer, account string) (ports.PendingTx, error) {
	return m.send("flag", account)
}

func (m *fakeMarket) LiquidatePosition(_ context.Context, _ ports.Signer, account string) (ports.PendingTx, error) {
	return m.send("liquidate", account)
}

func (m *fakeMarket) ExecuteDelayedOrder(_ context.Context, _ ports.Signer, account string) (ports.PendingTx, error) {
	return m.send("execute", account)
}

func (m *fakeMarket) ExecuteOffchainDelayedOrder(_ context.Context, _ ports.Signer, account string, update [][]byte, fee *big.Int) (ports.PendingTx, error) {
	m.mu.Lock()
	m.updates = append(m.updates, update)
	m.fees = append(m.fees, fee)
	m.mu.Unlock()
	return m.send("offchain", account)
}

func (m *fakeMarket) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type fakeTx struct {
	hash     string
	reverted bool
}

func (t *fakeTx) Hash() string { return t.hash }

func (t *fakeTx) Wait(context.Context, uint64) (domain.Receipt, error) {
	r := domain.Receipt{BlockNumber: 100, TxHash: t.hash, GasUsed: 21000, Status: domain.ReceiptStatusSuccessful}
	if t.reverted {
		r.Status = domain.ReceiptStatusFailed
		return r, domain.ErrTxReverted
	}
	return r, nil
}

// --- chain + fetcher ---

type fakeChain struct {
	mu          sync.Mutex
	tip         uint64
	timestamps  map[uint64]uint64
	headerCalls map[uint64]int
	tipErr      error
}

func newFakeChain(tip uint64) *fakeChain {
	return &fakeChain{tip: tip, timestamps: map[uint64]uint64{}, headerCalls: map[uint64]int{}}
}

func (c *fakeChain) LatestBlockNumber(context.Context) (uint64, error) {
	return c.tip, c.tipErr
}

func (c *fakeChain) BlockHeader(_ context.Context, n uint64) (domain.BlockHeader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headerCalls[n]++
	ts, ok := c.timestamps[n]
	if !ok {
		ts = n * 2
	}
	return domain.BlockHeader{Number: n, Timestamp: ts}, nil
}

func (c *fakeChain) SubscribeNewBlocks(context.Context, chan<- uint64) (ports.Subscription, error) {
	return nil, errors.New("not used")
}

type fakeFetcher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
	calls  int
}

func (f *fakeFetcher) FetchEvents(_ context.Context, kinds []domain.EventKind, from, to uint64) ([]domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	want := map[domain.EventKind]bool{}
	for _, k := range kinds {
		want[k] = true
	}
	var out []domain.Event
	for _, e := range f.events {
		if want[e.Kind] && e.BlockNumber >= from && e.BlockNumber <= to {
			out = append(out, e)
		}
	}
	domain.SortEvents(out)
	return out, nil
}

// --- signer pool ---

type inlinePool struct {
	mu   sync.Mutex
	uses int
}

func (p *inlinePool) WithSigner(ctx context.Context, action func(context.Context, ports.Signer) error, _ ...any) error {
	p.mu.Lock()
	p.uses++
	p.mu.Unlock()
	return action(ctx, nil)
}

// --- journal ---

type memJournal struct {
	mu      sync.Mutex
	records []domain.ActionRecord
}

func (j *memJournal) RecordAction(_ context.Context, rec domain.ActionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

func (j *memJournal) RecentActions(context.Context, string, int) ([]domain.ActionRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]domain.ActionRecord(nil), j.records...), nil
}

func (j *memJournal) Close() error { return nil }

func (j *memJournal) actions() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.records))
	for i, r := range j.records {
		out[i] = r.Action + ":" + r.Account
	}
	return out
}

// --- price feed ---

type fakeFeed struct {
	update [][]byte
	fee    *big.Int
	err    error
	feeds  []string
}

func (f *fakeFeed) SignedPriceUpdate(_ context.Context, feedID string) ([][]byte, error) {
	f.feeds = append(f.feeds, feedID)
	return f.update, f.err
}

func (f *fakeFeed) UpdateFee(context.Context, [][]byte) (*big.Int, error) { return f.fee, nil }

// --- fixtures ---

type fixture struct {
	market  *fakeMarket
	chain   *fakeChain
	fetcher *fakeFetcher
	pool    *inlinePool
	journal *memJournal
}

func newFixture(tip uint64, events ...domain.Event) *fixture {
	return &fixture{
		market:  newFakeMarket(),
		chain:   newFakeChain(tip),
		fetcher: &fakeFetcher{events: events},
		pool:    &inlinePool{},
		journal: &memJournal{},
	}
}

func (f *fixture) deps() keeper.Deps {
	return keeper.Deps{
		Market:  f.market,
		Chain:   f.chain,
		Fetcher: f.fetcher,
		Pool:    f.pool,
		Journal: f.journal,
	}
}

var noPacing = keeper.DispatchConfig{BatchSize: 5}

func modified(block uint64, logIndex uint, account string, margin, size float64) domain.Event {
	return domain.Event{
		Kind: domain.EventPositionModified, BlockNumber: block, LogIndex: logIndex,
		PositionModified: &domain.PositionModified{Account: account, Margin: margin, Size: size, LastPrice: 10},
	}
}

func liquidated(block uint64, account string) domain.Event {
	return domain.Event{
		Kind: domain.EventPositionLiquidated, BlockNumber: block,
		PositionLiquidated: &domain.PositionLiquidated{Account: account},
	}
}

func flagged(block uint64, account string) domain.Event {
	return domain.Event{
		Kind: domain.EventPositionFlagged, BlockNumber: block,
		PositionFlagged: &domain.PositionFlagged{Account: account},
	}
}

func funding(block, ts uint64) domain.Event {
	return domain.Event{
		Kind: domain.EventFundingRecomputed, BlockNumber: block, LogIndex: 99,
		FundingRecomputed: &domain.FundingRecomputed{Timestamp: ts},
	}
}

func submitted(block uint64, logIndex uint, account string, offchain bool, o domain.OrderSubmitted) domain.Event {
	o.Account = account
	o.IsOffchain = offchain
	return domain.Event{
		Kind: domain.EventOrderSubmitted, BlockNumber: block, LogIndex: logIndex,
		OrderSubmitted: &o,
	}
}

func removed(block uint64, account string) domain.Event {
	return domain.Event{
		Kind: domain.EventOrderRemoved, BlockNumber: block,
		OrderRemoved: &domain.OrderRemoved{Account: account},
	}
}
