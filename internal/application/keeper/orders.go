package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
)

const (
	KindDelayedOrder  = "delayed-order"
	KindOffchainOrder = "offchain-order"

	DefaultMaxExecutionAttempts = 10
	DefaultMaxOrderAgeSeconds   = 3600
	DefaultOffchainMinAge       = 2
)

// OrderConfig tunes delayed order execution.
type OrderConfig struct {
	MaxExecutionAttempts int
	// MaxOrderAgeSeconds drops orders older than this; 0 disables the check.
	MaxOrderAgeSeconds uint64
	// OffchainMinAgeSeconds is how long an off-chain order waits after its
	// intention time before it is executed.
	OffchainMinAgeSeconds uint64
	// PriceFeedID is the off-chain feed that prices the market's base asset.
	PriceFeedID string
}

// OrderKeeper executes one class of delayed orders on a market.
type OrderKeeper struct {
	*runtime
	class domain.OrderClass
	cfg   OrderConfig
	feed  ports.PriceFeed

	mu     sync.Mutex
	orders map[string]*domain.DelayedOrder
}

// NewDelayedOrderKeeper builds a keeper for orders priced by the on-chain oracle.
func NewDelayedOrderKeeper(deps Deps, cfg OrderConfig, dispatch DispatchConfig) (*OrderKeeper, error) {
	return newOrderKeeper(KindDelayedOrder, domain.OrderClassOnchain, deps, nil, cfg, dispatch)
}

// NewOffchainOrderKeeper builds a keeper for orders executed with a signed
// off-chain price update.
func NewOffchainOrderKeeper(deps Deps, feed ports.PriceFeed, cfg OrderConfig, dispatch DispatchConfig) (*OrderKeeper, error) {
	if feed == nil {
		return nil, errors.New("keeper.NewOffchainOrderKeeper: price feed is required")
	}
	if cfg.PriceFeedID == "" {
		return nil, errors.New("keeper.NewOffchainOrderKeeper: price feed id is required")
	}
	return newOrderKeeper(KindOffchainOrder, domain.OrderClassOffchain, deps, feed, cfg, dispatch)
}

func newOrderKeeper(name string, class domain.OrderClass, deps Deps, feed ports.PriceFeed, cfg OrderConfig, dispatch DispatchConfig) (*OrderKeeper, error) {
	rt, err := newRuntime(name, deps, dispatch)
	if err != nil {
		return nil, err
	}
	if cfg.MaxExecutionAttempts <= 0 {
		cfg.MaxExecutionAttempts = DefaultMaxExecutionAttempts
	}
	k := &OrderKeeper{
		runtime: rt,
		class:   class,
		cfg:     cfg,
		feed:    feed,
		orders:  make(map[string]*domain.DelayedOrder),
	}
	rt.impl = k
	return k, nil
}

func (k *OrderKeeper) Class() domain.OrderClass { return k.class }

func (k *OrderKeeper) eventKinds() []domain.EventKind {
	return []domain.EventKind{domain.EventOrderSubmitted, domain.EventOrderRemoved}
}

func (k *OrderKeeper) reset() {
	k.mu.Lock()
	k.orders = make(map[string]*domain.DelayedOrder)
	k.mu.Unlock()
}

func (k *OrderKeeper) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.orders)
}

func (k *OrderKeeper) apply(ctx context.Context, e domain.Event, headers *headerCache) (bool, error) {
	switch e.Kind {
	case domain.EventOrderSubmitted:
		s := e.OrderSubmitted
		if domain.ClassOf(s.IsOffchain) != k.class {
			return true, nil
		}
		intention := s.IntentionTime
		if intention == 0 {
			ts, err := headers.timestamp(ctx, e.BlockNumber)
			if err != nil {
				return false, err
			}
			intention = ts
		}
		k.mu.Lock()
		k.orders[s.Account] = &domain.DelayedOrder{
			Account:          s.Account,
			Class:            k.class,
			SizeDelta:        s.SizeDelta,
			TargetRoundID:    s.TargetRoundID,
			ExecutableAtTime: s.ExecutableAtTime,
			IntentionTime:    intention,
		}
		k.mu.Unlock()
	case domain.EventOrderRemoved:
		k.mu.Lock()
		delete(k.orders, e.OrderRemoved.Account)
		k.mu.Unlock()
	default:
		return false, nil
	}
	return true, nil
}

// Orders returns a copy of the index ordered by intention time, then account.
func (k *OrderKeeper) Orders() []domain.DelayedOrder {
	k.mu.Lock()
	out := make([]domain.DelayedOrder, 0, len(k.orders))
	for _, o := range k.orders {
		out = append(out, *o)
	}
	k.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].IntentionTime != out[j].IntentionTime {
			return out[i].IntentionTime < out[j].IntentionTime
		}
		return out[i].Account < out[j].Account
	})
	return out
}

func (k *OrderKeeper) plan(ctx context.Context, logger *slog.Logger) ([][]Task, error) {
	now := k.BlockTip()
	k.dropStale(ctx, now, logger)

	var round uint64
	if k.class == domain.OrderClassOnchain {
		var err error
		if round, err = k.market.CurrentRoundID(ctx); err != nil {
			return nil, fmt.Errorf("keeper.plan: current round: %w", err)
		}
	}

	var tasks []Task
	for _, o := range k.Orders() {
		if !k.executable(o, now, round) {
			continue
		}
		account := o.Account
		tasks = append(tasks, Task{
			ID:  k.taskID(account),
			Run: func(ctx context.Context) error { return k.executeOrder(ctx, account) },
		})
	}
	logger.Debug("order plan", "class", k.class, "pending", k.size(), "executable", len(tasks))
	return [][]Task{tasks}, nil
}

func (k *OrderKeeper) executable(o domain.DelayedOrder, now, round uint64) bool {
	if k.class == domain.OrderClassOffchain {
		return o.IntentionTime+k.cfg.OffchainMinAgeSeconds <= now
	}
	if o.TargetRoundID != 0 && o.TargetRoundID <= round {
		return true
	}
	return o.ExecutableAtTime != 0 && o.ExecutableAtTime <= now
}

// dropStale removes orders older than the configured maximum age.
func (k *OrderKeeper) dropStale(ctx context.Context, now uint64, logger *slog.Logger) {
	if k.cfg.MaxOrderAgeSeconds == 0 {
		return
	}
	var dropped []domain.DelayedOrder
	k.mu.Lock()
	for account, o := range k.orders {
		if o.Age(now) > k.cfg.MaxOrderAgeSeconds {
			dropped = append(dropped, *o)
			delete(k.orders, account)
		}
	}
	k.mu.Unlock()

	for _, o := range dropped {
		logger.Warn("dropping stale order", "account", o.Account, "age", o.Age(now))
		k.record(ctx, domain.ActionRecord{
			Market:  k.market.Name(),
			Action:  domain.ActionDropStaleOrder,
			Account: o.Account,
			Success: true,
		})
	}
}

func (k *OrderKeeper) executeOrder(ctx context.Context, account string) error {
	var err error
	if k.class == domain.OrderClassOffchain {
		err = k.executeOffchain(ctx, account)
	} else {
		err = k.pool.WithSigner(ctx, func(ctx context.Context, signer ports.Signer) error {
			return k.submit(ctx, domain.ActionExecuteOrder, account, func() (ports.PendingTx, error) {
				return k.market.ExecuteDelayedOrder(ctx, signer, account)
			})
		}, "market", k.market.Name(), "account", account)
	}
	if err != nil {
		k.recordFailure(ctx, account, err)
	}
	return err
}

func (k *OrderKeeper) executeOffchain(ctx context.Context, account string) error {
	update, err := k.feed.SignedPriceUpdate(ctx, k.cfg.PriceFeedID)
	if err != nil {
		return fmt.Errorf("keeper.executeOffchain: price update: %w", err)
	}
	fee, err := k.feed.UpdateFee(ctx, update)
	if err != nil {
		return fmt.Errorf("keeper.executeOffchain: update fee: %w", err)
	}
	return k.pool.WithSigner(ctx, func(ctx context.Context, signer ports.Signer) error {
		return k.submit(ctx, domain.ActionExecuteOffchain, account, func() (ports.PendingTx, error) {
			return k.market.ExecuteOffchainDelayedOrder(ctx, signer, account, update, fee)
		})
	}, "market", k.market.Name(), "account", account)
}

// recordFailure counts a failed execution and gives up on the order once it
// exceeds the attempt limit.
func (k *OrderKeeper) recordFailure(ctx context.Context, account string, cause error) {
	k.mu.Lock()
	o, ok := k.orders[account]
	if !ok {
		k.mu.Unlock()
		return
	}
	o.ExecutionFailures++
	failures := o.ExecutionFailures
	giveUp := failures > k.cfg.MaxExecutionAttempts
	if giveUp {
		delete(k.orders, account)
	}
	k.mu.Unlock()

	if !giveUp {
		return
	}
	k.logger.Warn("giving up on order", "account", account, "failures", failures, "err", cause)
	k.record(ctx, domain.ActionRecord{
		Market:  k.market.Name(),
		Action:  domain.ActionDropFailedOrder,
		Account: account,
		Success: true,
	})
}
