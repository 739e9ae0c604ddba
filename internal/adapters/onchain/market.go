package onchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
)

// MarketConfig identifies one perps market proxy.
type MarketConfig struct {
	Name          string
	Address       string
	BaseAsset     string // currency key, e.g. "sETH"; read from the market when empty
	ExchangeRates string
}

// Market implements ports.Market and ports.EventSource for a perps v2 market.
type Market struct {
	client        *Client
	name          string
	address       common.Address
	baseAsset     [32]byte
	exchangeRates common.Address
}

func NewMarket(client *Client, cfg MarketConfig) (*Market, error) {
	if !common.IsHexAddress(cfg.Address) {
		return nil, fmt.Errorf("onchain.NewMarket %s: invalid address %q", cfg.Name, cfg.Address)
	}
	if cfg.ExchangeRates != "" && !common.IsHexAddress(cfg.ExchangeRates) {
		return nil, fmt.Errorf("onchain.NewMarket %s: invalid exchange rates address %q", cfg.Name, cfg.ExchangeRates)
	}
	return &Market{
		client:        client,
		name:          cfg.Name,
		address:       common.HexToAddress(cfg.Address),
		baseAsset:     currencyKey(cfg.BaseAsset),
		exchangeRates: common.HexToAddress(cfg.ExchangeRates),
	}, nil
}

func (m *Market) Name() string { return m.name }

// QueryLogs fetches and decodes the market's events of one kind.
func (m *Market) QueryLogs(ctx context.Context, kind domain.EventKind, fromBlock, toBlock uint64) ([]domain.Event, error) {
	topic, err := eventTopic(kind)
	if err != nil {
		return nil, fmt.Errorf("onchain.QueryLogs: %w", err)
	}
	logs, err := m.client.filterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{m.address},
		Topics:    [][]common.Hash{{topic}},
	})
	if err != nil {
		return nil, fmt.Errorf("onchain.QueryLogs %s [%d, %d]: %w", kind, fromBlock, toBlock, err)
	}

	events := make([]domain.Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		e, err := decodeLog(kind, lg)
		if errors.Is(err, errUndecodable) {
			// kept without payload; the index skips it
			m.client.logger.Warn("onchain: skipping undecodable log",
				"market", m.name, "kind", kind, "block", lg.BlockNumber, "tx", lg.TxHash.Hex(), "err", err)
		} else if err != nil {
			return nil, fmt.Errorf("onchain.QueryLogs: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

func (m *Market) CanLiquidate(ctx context.Context, account string) (bool, error) {
	vals, err := m.client.call(ctx, m.address, marketABI, "canLiquidate", common.HexToAddress(account))
	if err != nil {
		return false, fmt.Errorf("onchain.CanLiquidate: %w", err)
	}
	ok, _ := vals[0].(bool)
	return ok, nil
}

func (m *Market) LiquidationPrice(ctx context.Context, account string) (float64, error) {
	vals, err := m.client.call(ctx, m.address, marketABI, "liquidationPrice", common.HexToAddress(account))
	if err != nil {
		return 0, fmt.Errorf("onchain.LiquidationPrice: %w", err)
	}
	return priceResult(vals)
}

func (m *Market) AssetPrice(ctx context.Context) (float64, error) {
	vals, err := m.client.call(ctx, m.address, marketABI, "assetPrice")
	if err != nil {
		return 0, fmt.Errorf("onchain.AssetPrice: %w", err)
	}
	return priceResult(vals)
}

func (m *Market) CurrentRoundID(ctx context.Context) (uint64, error) {
	if m.exchangeRates == (common.Address{}) {
		return 0, errors.New("onchain.CurrentRoundID: exchange rates address not configured")
	}
	key, err := m.assetKey(ctx)
	if err != nil {
		return 0, fmt.Errorf("onchain.CurrentRoundID: %w", err)
	}
	vals, err := m.client.call(ctx, m.exchangeRates, exchangeRatesABI, "getCurrentRoundId", key)
	if err != nil {
		return 0, fmt.Errorf("onchain.CurrentRoundID: %w", err)
	}
	round, ok := vals[0].(*big.Int)
	if !ok || !round.IsUint64() {
		return 0, fmt.Errorf("onchain.CurrentRoundID: unexpected result %v", vals[0])
	}
	return round.Uint64(), nil
}

func (m *Market) FlagPosition(ctx context.Context, signer ports.Signer, account string) (ports.PendingTx, error) {
	return m.send(ctx, signer, nil, "flagPosition", common.HexToAddress(account))
}

func (m *Market) LiquidatePosition(ctx context.Context, signer ports.Signer, account string) (ports.PendingTx, error) {
	return m.send(ctx, signer, nil, "liquidatePosition", common.HexToAddress(account))
}

func (m *Market) ExecuteDelayedOrder(ctx context.Context, signer ports.Signer, account string) (ports.PendingTx, error) {
	return m.send(ctx, signer, nil, "executeDelayedOrder", common.HexToAddress(account))
}

func (m *Market) ExecuteOffchainDelayedOrder(ctx context.Context, signer ports.Signer, account string, priceUpdate [][]byte, fee *big.Int) (ports.PendingTx, error) {
	return m.send(ctx, signer, fee, "executeOffchainDelayedOrder", common.HexToAddress(account), priceUpdate)
}

func (m *Market) send(ctx context.Context, signer ports.Signer, value *big.Int, method string, args ...any) (ports.PendingTx, error) {
	data, err := marketABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("onchain.%s: pack: %w", method, err)
	}
	tx, err := signer.SendTransaction(ctx, ports.TxRequest{To: m.address.Hex(), Data: data, Value: value})
	if err != nil {
		return nil, fmt.Errorf("onchain.%s: %w", method, err)
	}
	return tx, nil
}

// assetKey returns the configured currency key, or asks the market for it.
func (m *Market) assetKey(ctx context.Context) ([32]byte, error) {
	if m.baseAsset != ([32]byte{}) {
		return m.baseAsset, nil
	}
	vals, err := m.client.call(ctx, m.address, marketABI, "baseAsset")
	if err != nil {
		return [32]byte{}, err
	}
	key, ok := vals[0].([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("unexpected base asset %v", vals[0])
	}
	return key, nil
}

// priceResult reads a (uint price, bool invalid) pair.
func priceResult(vals []any) (float64, error) {
	if len(vals) != 2 {
		return 0, fmt.Errorf("unexpected result length %d", len(vals))
	}
	price, _ := vals[0].(*big.Int)
	if invalid, _ := vals[1].(bool); invalid {
		return 0, domain.ErrInvalidPrice
	}
	return fromUnits(price), nil
}

// currencyKey right-pads an asset symbol into a bytes32 key.
func currencyKey(symbol string) [32]byte {
	var key [32]byte
	copy(key[:], symbol)
	return key
}
