package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
)

const KindLiquidation = "liquidation"

// LiquidationKeeper tracks open positions on a market and liquidates those
// the market reports as liquidatable.
type LiquidationKeeper struct {
	*runtime
	cfg PriorityConfig

	mu        sync.Mutex
	positions map[string]*domain.Position
}

func NewLiquidationKeeper(deps Deps, cfg PriorityConfig, dispatch DispatchConfig) (*LiquidationKeeper, error) {
	rt, err := newRuntime(KindLiquidation, deps, dispatch)
	if err != nil {
		return nil, err
	}
	k := &LiquidationKeeper{
		runtime:   rt,
		cfg:       cfg,
		positions: make(map[string]*domain.Position),
	}
	rt.impl = k
	return k, nil
}

func (k *LiquidationKeeper) eventKinds() []domain.EventKind {
	return []domain.EventKind{
		domain.EventPositionModified,
		domain.EventPositionLiquidated,
		domain.EventPositionFlagged,
	}
}

func (k *LiquidationKeeper) reset() {
	k.mu.Lock()
	k.positions = make(map[string]*domain.Position)
	k.mu.Unlock()
}

func (k *LiquidationKeeper) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.positions)
}

func (k *LiquidationKeeper) apply(_ context.Context, e domain.Event, _ *headerCache) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch e.Kind {
	case domain.EventPositionModified:
		m := e.PositionModified
		if m.Margin == 0 {
			delete(k.positions, m.Account)
			return true, nil
		}
		k.positions[m.Account] = &domain.Position{
			ID:       m.ID,
			Account:  m.Account,
			Size:     m.Size,
			Leverage: domain.Leverage(m.Size, m.LastPrice, m.Margin),
			LiqPrice: domain.UnknownLiqPrice,
		}
	case domain.EventPositionLiquidated:
		delete(k.positions, e.PositionLiquidated.Account)
	case domain.EventPositionFlagged:
		delete(k.positions, e.PositionFlagged.Account)
	default:
		return false, nil
	}
	return true, nil
}

// Positions returns a copy of the index ordered by account.
func (k *LiquidationKeeper) Positions() []domain.Position {
	k.mu.Lock()
	out := make([]domain.Position, 0, len(k.positions))
	for _, p := range k.positions {
		out = append(out, *p)
	}
	k.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// Position returns the indexed position of account, if any.
func (k *LiquidationKeeper) Position(account string) (domain.Position, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.positions[account]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

func (k *LiquidationKeeper) plan(_ context.Context, logger *slog.Logger) ([][]Task, error) {
	groups := LiquidationGroups(k.Positions(), k.AssetPrice(), k.BlockTip(), k.cfg)

	tasks := make([][]Task, len(groups))
	for i, group := range groups {
		tasks[i] = make([]Task, 0, len(group))
		for _, p := range group {
			account := p.Account
			tasks[i] = append(tasks[i], Task{
				ID:  k.taskID(account),
				Run: func(ctx context.Context) error { return k.liquidate(ctx, account) },
			})
		}
	}
	logger.Debug("liquidation plan",
		"close", len(groups[0]), "unknown", len(groups[1]), "outdated", len(groups[2]))
	return tasks, nil
}

// liquidate flags and liquidates account when the market allows it.
// Otherwise it refreshes the cached liquidation price estimate.
func (k *LiquidationKeeper) liquidate(ctx context.Context, account string) error {
	ok, err := k.market.CanLiquidate(ctx, account)
	if err != nil {
		return fmt.Errorf("keeper.liquidate: can liquidate %s: %w", account, err)
	}
	if !ok {
		return k.refreshLiqPrice(ctx, account)
	}

	return k.pool.WithSigner(ctx, func(ctx context.Context, signer ports.Signer) error {
		if err := k.submit(ctx, domain.ActionFlag, account, func() (ports.PendingTx, error) {
			return k.market.FlagPosition(ctx, signer, account)
		}); err != nil {
			return err
		}
		return k.submit(ctx, domain.ActionLiquidate, account, func() (ports.PendingTx, error) {
			return k.market.LiquidatePosition(ctx, signer, account)
		})
	}, "market", k.market.Name(), "account", account)
}

func (k *LiquidationKeeper) refreshLiqPrice(ctx context.Context, account string) error {
	price, err := k.market.LiquidationPrice(ctx, account)
	if err != nil {
		return fmt.Errorf("keeper.liquidate: liquidation price %s: %w", account, err)
	}
	tip := k.BlockTip()

	k.mu.Lock()
	if p, ok := k.positions[account]; ok {
		p.LiqPrice = price
		p.LiqPriceUpdatedTimestamp = tip
	}
	k.mu.Unlock()

	k.metrics.Action(k.market.Name(), domain.ActionRefreshLiqPrice, "ok")
	k.logger.Debug("liquidation price refreshed", "account", account, "liq_price", price, "at", tip)
	return nil
}
