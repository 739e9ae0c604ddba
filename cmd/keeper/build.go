package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/perpkeeper/config"
	"github.com/alejandrodnm/perpkeeper/internal/adapters/onchain"
	"github.com/alejandrodnm/perpkeeper/internal/adapters/pyth"
	"github.com/alejandrodnm/perpkeeper/internal/application/events"
	"github.com/alejandrodnm/perpkeeper/internal/application/keeper"
	"github.com/alejandrodnm/perpkeeper/internal/application/signerpool"
	"github.com/alejandrodnm/perpkeeper/internal/metrics"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
)

// wiring carries the optional collaborators. The zero value builds keepers
// that index and plan without sending anything.
type wiring struct {
	pool    *signerpool.Pool
	journal ports.ActionJournal
	metrics *metrics.Metrics
}

// unit is one keeper plus what its scheduler needs.
type unit struct {
	keeper    keeper.Keeper
	market    *onchain.Market
	fetcher   *events.Fetcher
	fromBlock uint64
}

// buildPool loads every configured key and logs its balance.
func buildPool(ctx context.Context, cfg *config.Config, client *onchain.Client, m *metrics.Metrics) (*signerpool.Pool, error) {
	signers := make([]ports.Signer, 0, len(cfg.Signers.PrivateKeys))
	for i, key := range cfg.Signers.PrivateKeys {
		w, err := onchain.NewWallet(client, key, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("signer %d: %w", i, err)
		}
		logBalance(ctx, w)
		signers = append(signers, w)
	}
	return signerpool.New(signers, m, slog.Default())
}

func logBalance(ctx context.Context, s ports.Signer) {
	bal, err := s.Balance(ctx)
	if err != nil {
		slog.Warn("could not read signer balance", "signer", s.Address(), "err", err)
		return
	}
	eth := decimal.NewFromBigInt(bal, -18)
	slog.Info("signer ready", "signer", s.Address(), "balance_eth", eth.StringFixed(6))
	if eth.IsZero() {
		slog.Warn("signer has no balance for gas", "signer", s.Address())
	}
}

// buildKeepers creates the enabled keepers of every market. Keepers of the
// same market share one market adapter and one event fetcher.
func buildKeepers(cfg *config.Config, client *onchain.Client, w wiring) ([]unit, error) {
	fetchCfg := events.Config{
		PageSize:      cfg.Network.PageSize,
		HighWaterMark: cfg.Network.HighWaterMark,
		Concurrency:   cfg.Network.FetchConcurrency,
	}
	dispatch := keeper.DispatchConfig{BatchSize: cfg.Dispatch.BatchSize, Pacing: cfg.DispatchPacing()}
	priority := keeper.PriorityConfig{
		ProximityThreshold:    cfg.Liquidation.ProximityThreshold,
		MaxFarUpdatesPerCycle: cfg.Liquidation.MaxFarUpdatesPerCycle,
		StaleCutoffSeconds:    cfg.Liquidation.StaleCutoffSeconds,
	}

	var feed *pyth.Client
	feedFor := func() (*pyth.Client, error) {
		if feed != nil {
			return feed, nil
		}
		contract, err := onchain.NewPythContract(client, cfg.Pyth.Contract)
		if err != nil {
			return nil, err
		}
		feed = pyth.NewClient(cfg.Pyth.HermesBase, contract, slog.Default())
		return feed, nil
	}

	var units []unit
	for _, mc := range cfg.Markets {
		market, err := onchain.NewMarket(client, onchain.MarketConfig{
			Name:          mc.Name,
			Address:       mc.Address,
			BaseAsset:     mc.BaseAsset,
			ExchangeRates: cfg.Network.ExchangeRates,
		})
		if err != nil {
			return nil, err
		}
		logger := slog.Default().With("market", mc.Name)
		fetcher := events.NewFetcher(market, fetchCfg, logger)

		deps := keeper.Deps{
			Market:  market,
			Chain:   client,
			Fetcher: fetcher,
			Journal: w.journal,
			Metrics: w.metrics,
			Logger:  slog.Default(),
		}
		// a typed nil pool would defeat the keeper's dry-run check
		if w.pool != nil {
			deps.Pool = w.pool
		}
		orders := keeper.OrderConfig{
			MaxExecutionAttempts:  cfg.Orders.MaxExecutionAttempts,
			MaxOrderAgeSeconds:    cfg.Orders.MaxOrderAgeSeconds,
			OffchainMinAgeSeconds: cfg.Orders.OffchainMinAgeSeconds,
			PriceFeedID:           mc.PythFeedID,
		}

		for _, kind := range mc.Keepers {
			var k keeper.Keeper
			switch kind {
			case config.KeeperLiquidation:
				k, err = keeper.NewLiquidationKeeper(deps, priority, dispatch)
			case config.KeeperDelayed:
				k, err = keeper.NewDelayedOrderKeeper(deps, orders, dispatch)
			case config.KeeperOffchain:
				var f *pyth.Client
				if f, err = feedFor(); err == nil {
					k, err = keeper.NewOffchainOrderKeeper(deps, f, orders, dispatch)
				}
			default:
				err = fmt.Errorf("unknown keeper %q", kind)
			}
			if err != nil {
				return nil, fmt.Errorf("market %s: %w", mc.Name, err)
			}
			units = append(units, unit{keeper: k, market: market, fetcher: fetcher, fromBlock: mc.FromBlock})
		}
	}
	return units, nil
}
