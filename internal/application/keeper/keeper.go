package keeper

// keeper.go: lifecycle shared by every keeper kind.
//
// A keeper owns an in-memory index built from market events. The runtime
// drives the index through its states, folds events into it, and turns the
// plan a keeper kind produces into dispatched tasks. Kinds only describe
// which events they read, how each one changes the index and which tasks a
// cycle should run.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/metrics"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
)

// Keeper is one automated maintenance role bound to one market.
type Keeper interface {
	Kind() string
	MarketName() string
	EventKinds() []domain.EventKind

	// Index rebuilds the index from fromBlock up to the current chain tip and
	// returns the block it indexed through.
	Index(ctx context.Context, fromBlock uint64) (uint64, error)

	// UpdateIndex folds new events into a ready index. header is used when
	// events is empty; price, when given, becomes the cached asset price.
	UpdateIndex(ctx context.Context, events []domain.Event, header *domain.BlockHeader, price *float64) error

	// MarkProcessed records that every block up to block has been folded in,
	// including blocks that carried no events.
	MarkProcessed(block uint64)

	// Execute plans and dispatches one cycle of work. Failures are logged.
	Execute(ctx context.Context)

	Status() domain.KeeperStatus
}

// State is the lifecycle position of a keeper.
type State int32

const (
	StateUninitialized State = iota
	StateIndexing
	StateReady
	StateExecuting
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateIndexing:
		return "indexing"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventFetcher retrieves the events of the given kinds in [from, to].
type EventFetcher interface {
	FetchEvents(ctx context.Context, kinds []domain.EventKind, from, to uint64) ([]domain.Event, error)
}

// SignerPool grants exclusive use of a signer for the duration of action.
type SignerPool interface {
	WithSigner(ctx context.Context, action func(ctx context.Context, signer ports.Signer) error, attrs ...any) error
}

// Deps are the collaborators every keeper needs. Pool may be nil, in which
// case the keeper indexes and plans but never submits transactions.
type Deps struct {
	Market  ports.Market
	Chain   ports.Chain
	Fetcher EventFetcher
	Pool    SignerPool
	Journal ports.ActionJournal
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Market == nil:
		return errors.New("market is required")
	case d.Chain == nil:
		return errors.New("chain is required")
	case d.Fetcher == nil:
		return errors.New("event fetcher is required")
	}
	return nil
}

// kind is what a keeper variant contributes to the shared runtime.
type kind interface {
	eventKinds() []domain.EventKind
	reset()
	// apply folds one event into the index and reports whether the event
	// kind is one the variant understands.
	apply(ctx context.Context, e domain.Event, headers *headerCache) (bool, error)
	size() int
	plan(ctx context.Context, logger *slog.Logger) ([][]Task, error)
}

// runtime holds the state and plumbing common to all keeper kinds.
type runtime struct {
	name       string
	market     ports.Market
	chain      ports.Chain
	fetcher    EventFetcher
	pool       SignerPool
	journal    ports.ActionJournal
	metrics    *metrics.Metrics
	logger     *slog.Logger
	guard      *Guard
	dispatcher *Dispatcher
	impl       kind

	mu         sync.RWMutex
	state      State
	blockTip   uint64
	assetPrice float64
	lastBlock  uint64
}

func newRuntime(name string, deps Deps, dispatch DispatchConfig) (*runtime, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("keeper.new %s: %w", name, err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("keeper", name, "market", deps.Market.Name())
	guard := NewGuard(logger)
	return &runtime{
		name:       name,
		market:     deps.Market,
		chain:      deps.Chain,
		fetcher:    deps.Fetcher,
		pool:       deps.Pool,
		journal:    deps.Journal,
		metrics:    deps.Metrics,
		logger:     logger,
		guard:      guard,
		dispatcher: NewDispatcher(guard, dispatch, logger),
	}, nil
}

func (r *runtime) Kind() string       { return r.name }
func (r *runtime) MarketName() string { return r.market.Name() }

func (r *runtime) EventKinds() []domain.EventKind {
	return append(r.impl.eventKinds(), domain.EventFundingRecomputed)
}

func (r *runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *runtime) transition(from, to State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return false
	}
	r.state = to
	return true
}

// BlockTip returns the latest known block timestamp.
func (r *runtime) BlockTip() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blockTip
}

// AssetPrice returns the last asset price handed to UpdateIndex.
func (r *runtime) AssetPrice() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.assetPrice
}

func (r *runtime) Index(ctx context.Context, fromBlock uint64) (uint64, error) {
	r.mu.Lock()
	if r.state == StateExecuting {
		r.mu.Unlock()
		return 0, fmt.Errorf("keeper.Index: %w: execution in progress", domain.ErrKeeperNotReady)
	}
	r.state = StateIndexing
	r.mu.Unlock()

	tip, err := r.index(ctx, fromBlock)
	if err != nil {
		r.setState(StateFaulted)
		return 0, err
	}
	r.setState(StateReady)
	r.logger.Info("index built", "from_block", fromBlock, "to_block", tip, "entries", r.impl.size())
	return tip, nil
}

func (r *runtime) index(ctx context.Context, fromBlock uint64) (uint64, error) {
	r.impl.reset()

	tip, err := r.chain.LatestBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("keeper.Index: latest block: %w", err)
	}
	events, err := r.fetcher.FetchEvents(ctx, r.EventKinds(), fromBlock, tip)
	if err != nil {
		return 0, fmt.Errorf("keeper.Index: fetch [%d, %d]: %w", fromBlock, tip, err)
	}
	timed, err := r.applyEvents(ctx, events)
	if err != nil {
		return 0, fmt.Errorf("keeper.Index: %w", err)
	}
	if !timed {
		header, err := r.chain.BlockHeader(ctx, tip)
		if err != nil {
			return 0, fmt.Errorf("keeper.Index: header %d: %w", tip, err)
		}
		r.mu.Lock()
		r.blockTip = header.Timestamp
		r.mu.Unlock()
	}
	r.markBlock(tip)
	return tip, nil
}

func (r *runtime) UpdateIndex(ctx context.Context, events []domain.Event, header *domain.BlockHeader, price *float64) error {
	if st := r.State(); st != StateReady {
		return fmt.Errorf("keeper.UpdateIndex: %w: state %s", domain.ErrKeeperNotReady, st)
	}
	timed, err := r.applyEvents(ctx, events)
	if err != nil {
		r.setState(StateFaulted)
		return fmt.Errorf("keeper.UpdateIndex: %w", err)
	}

	r.mu.Lock()
	if !timed && header != nil {
		r.blockTip = header.Timestamp
	}
	if price != nil {
		r.assetPrice = *price
	}
	r.mu.Unlock()

	if header != nil {
		r.markBlock(header.Number)
	} else if n := len(events); n > 0 {
		r.markBlock(events[n-1].BlockNumber)
	}
	return nil
}

func (r *runtime) MarkProcessed(block uint64) { r.markBlock(block) }

func (r *runtime) markBlock(n uint64) {
	r.mu.Lock()
	if n > r.lastBlock {
		r.lastBlock = n
	}
	last := r.lastBlock
	r.mu.Unlock()
	r.metrics.SetLastBlock(r.market.Name(), r.name, last)
	r.metrics.SetIndexSize(r.market.Name(), r.name, r.impl.size())
}

// applyEvents folds events in order and reports whether any of them moved
// the block tip timestamp. Header timestamps fetched for events without one
// are reused for the rest of this call only.
func (r *runtime) applyEvents(ctx context.Context, events []domain.Event) (timed bool, err error) {
	headers := newHeaderCache(r.chain)
	for _, e := range events {
		if !e.HasPayload() {
			continue
		}
		if e.Kind == domain.EventFundingRecomputed {
			r.mu.Lock()
			r.blockTip = e.FundingRecomputed.Timestamp
			r.mu.Unlock()
			timed = true
			r.metrics.EventApplied(r.market.Name(), string(e.Kind))
			continue
		}
		handled, err := r.impl.apply(ctx, e, headers)
		if err != nil {
			return timed, fmt.Errorf("apply %s at block %d: %w", e.Kind, e.BlockNumber, err)
		}
		if !handled {
			r.logger.Debug("ignoring event", "kind", e.Kind, "block", e.BlockNumber)
			continue
		}
		r.metrics.EventApplied(r.market.Name(), string(e.Kind))
	}
	return timed, nil
}

func (r *runtime) Execute(ctx context.Context) {
	if !r.transition(StateReady, StateExecuting) {
		r.logger.Warn("execute skipped", "state", r.State())
		return
	}
	defer r.setState(StateReady)

	logger := r.logger.With("cycle", uuid.NewString()[:8])
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("execute panicked", "panic", fmt.Sprint(rec))
		}
	}()

	start := time.Now()
	groups, err := r.impl.plan(ctx, logger)
	if err != nil {
		logger.Error("execute: plan failed", "err", err)
		return
	}

	total := 0
	for _, g := range groups {
		total += len(g)
	}
	if total == 0 {
		logger.Debug("execute: nothing to do")
		return
	}
	if r.pool == nil {
		logger.Info("execute: no signer pool, skipping dispatch", "tasks", total)
		return
	}

	r.dispatcher.Run(ctx, groups)
	elapsed := time.Since(start)
	r.metrics.ObserveCycle(r.market.Name(), r.name, elapsed)
	logger.Info("execute complete", "tasks", total, "elapsed", elapsed.Round(time.Millisecond))
}

func (r *runtime) Status() domain.KeeperStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return domain.KeeperStatus{
		Market:            r.market.Name(),
		Keeper:            r.name,
		State:             r.state.String(),
		Entries:           r.impl.size(),
		BlockTipTimestamp: r.blockTip,
		AssetPrice:        r.assetPrice,
		LastBlock:         r.lastBlock,
	}
}

// submit sends one transaction, waits for a confirmation and journals the
// outcome. A reverted or timed out transaction is returned as an error.
func (r *runtime) submit(ctx context.Context, action, account string, send func() (ports.PendingTx, error)) error {
	rec := domain.ActionRecord{
		ID:         uuid.NewString(),
		Market:     r.market.Name(),
		Action:     action,
		Account:    account,
		ExecutedAt: time.Now().UTC(),
	}

	tx, err := send()
	if err != nil {
		rec.Error = err.Error()
		r.record(ctx, rec)
		return fmt.Errorf("%s %s: send: %w", action, account, err)
	}
	rec.TxHash = tx.Hash()
	r.logger.Info("tx submitted", "action", action, "account", account, "tx", rec.TxHash)

	receipt, err := tx.Wait(ctx, 1)
	rec.BlockNumber = receipt.BlockNumber
	rec.GasUsed = receipt.GasUsed
	if err != nil {
		rec.Error = err.Error()
		r.record(ctx, rec)
		return fmt.Errorf("%s %s: wait %s: %w", action, account, rec.TxHash, err)
	}
	rec.Success = receipt.Succeeded()
	r.record(ctx, rec)
	if !rec.Success {
		return fmt.Errorf("%s %s: %w: %s", action, account, domain.ErrTxReverted, rec.TxHash)
	}
	r.logger.Info("tx confirmed", "action", action, "account", account,
		"tx", rec.TxHash, "block", receipt.BlockNumber, "gas_used", receipt.GasUsed)
	return nil
}

// record journals rec and counts it. Journal failures are only logged.
func (r *runtime) record(ctx context.Context, rec domain.ActionRecord) {
	outcome := "ok"
	switch {
	case rec.Error != "":
		outcome = "error"
	case rec.TxHash != "" && !rec.Success:
		outcome = "reverted"
	}
	r.metrics.Action(rec.Market, rec.Action, outcome)

	if r.journal == nil {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now().UTC()
	}
	if err := r.journal.RecordAction(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Warn("journal write failed", "action", rec.Action, "account", rec.Account, "err", err)
	}
}

// taskID names the dedup key of work on account, e.g. liquidation-sETHPERP-0xabc.
func (r *runtime) taskID(account string) string {
	return r.name + "-" + r.market.Name() + "-" + account
}

// headerCache memoises block header lookups for the span of one apply.
type headerCache struct {
	chain    ports.Chain
	byNumber map[uint64]domain.BlockHeader
}

func newHeaderCache(chain ports.Chain) *headerCache {
	return &headerCache{chain: chain, byNumber: make(map[uint64]domain.BlockHeader)}
}

func (c *headerCache) timestamp(ctx context.Context, block uint64) (uint64, error) {
	if h, ok := c.byNumber[block]; ok {
		return h.Timestamp, nil
	}
	h, err := c.chain.BlockHeader(ctx, block)
	if err != nil {
		return 0, fmt.Errorf("header %d: %w", block, err)
	}
	c.byNumber[block] = h
	return h.Timestamp, nil
}
