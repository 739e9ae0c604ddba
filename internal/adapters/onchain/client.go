package onchain

// client.go: rate-limited chain access shared by markets and wallets.
//
// Reads and log queries go through the HTTP RPC endpoint. New blocks come
// from a websocket head subscription when a ws URL is configured, otherwise
// from polling eth_blockNumber.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
)

const (
	defaultRequestsPerSecond = 25
	defaultReceiptTimeout    = 2 * time.Minute
	defaultPollInterval      = 3 * time.Second

	headBuffer = 16
)

// ClientConfig holds connection settings for one chain.
type ClientConfig struct {
	RPCURL            string
	WSURL             string
	ChainID           int64
	RequestsPerSecond float64
	ReceiptTimeout    time.Duration
	PollInterval      time.Duration
}

// Client implements ports.Chain over go-ethereum.
type Client struct {
	rpc            *ethclient.Client
	ws             *ethclient.Client
	chainID        *big.Int
	limiter        *rate.Limiter
	receiptTimeout time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger
}

// Dial connects to the configured endpoints.
func Dial(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("onchain.Dial: rpc url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("onchain.Dial: dial rpc: %w", err)
	}

	var ws *ethclient.Client
	if cfg.WSURL != "" {
		ws, err = ethclient.DialContext(ctx, cfg.WSURL)
		if err != nil {
			rpc.Close()
			return nil, fmt.Errorf("onchain.Dial: dial ws: %w", err)
		}
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = rpc.ChainID(ctx); err != nil {
			rpc.Close()
			if ws != nil {
				ws.Close()
			}
			return nil, fmt.Errorf("onchain.Dial: chain id: %w", err)
		}
	}

	return newClient(rpc, ws, chainID, cfg, logger), nil
}

func newClient(rpc, ws *ethclient.Client, chainID *big.Int, cfg ClientConfig, logger *slog.Logger) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = defaultReceiptTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Client{
		rpc:            rpc,
		ws:             ws,
		chainID:        chainID,
		limiter:        rate.NewLimiter(rate.Limit(rps), max(1, int(rps))),
		receiptTimeout: cfg.ReceiptTimeout,
		pollInterval:   cfg.PollInterval,
		logger:         logger,
	}
}

// Close releases both connections.
func (c *Client) Close() {
	c.rpc.Close()
	if c.ws != nil {
		c.ws.Close()
	}
}

// ChainID returns the id used to sign transactions.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	n, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("onchain.LatestBlockNumber: %w", err)
	}
	return n, nil
}

func (c *Client) BlockHeader(ctx context.Context, number uint64) (domain.BlockHeader, error) {
	if err := c.wait(ctx); err != nil {
		return domain.BlockHeader{}, err
	}
	h, err := c.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return domain.BlockHeader{}, fmt.Errorf("onchain.BlockHeader %d: %w", number, err)
	}
	return domain.BlockHeader{Number: h.Number.Uint64(), Timestamp: h.Time}, nil
}

// SubscribeNewBlocks streams block numbers into ch.
func (c *Client) SubscribeNewBlocks(ctx context.Context, ch chan<- uint64) (ports.Subscription, error) {
	sub := newBlockSub()
	if c.ws == nil {
		go c.pollBlocks(ctx, ch, sub)
		return sub, nil
	}

	heads := make(chan *types.Header, headBuffer)
	headSub, err := c.ws.SubscribeNewHead(ctx, heads)
	if err != nil {
		return nil, fmt.Errorf("onchain.SubscribeNewBlocks: %w", err)
	}
	go func() {
		defer headSub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				sub.finish(nil)
				return
			case <-sub.quit:
				sub.finish(nil)
				return
			case err := <-headSub.Err():
				sub.finish(err)
				return
			case h := <-heads:
				if h == nil {
					continue
				}
				select {
				case ch <- h.Number.Uint64():
				case <-sub.quit:
				case <-ctx.Done():
				}
			}
		}
	}()
	return sub, nil
}

// pollBlocks emits every block number between polls, starting at the tip.
func (c *Client) pollBlocks(ctx context.Context, ch chan<- uint64, sub *blockSub) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			sub.finish(nil)
			return
		case <-sub.quit:
			sub.finish(nil)
			return
		case <-ticker.C:
		}

		n, err := c.LatestBlockNumber(ctx)
		if err != nil {
			sub.finish(err)
			return
		}
		if n <= last {
			continue
		}
		from := n
		if last != 0 {
			from = last + 1
		}
		for b := from; b <= n; b++ {
			select {
			case ch <- b:
			case <-sub.quit:
				sub.finish(nil)
				return
			case <-ctx.Done():
				sub.finish(nil)
				return
			}
		}
		last = n
	}
}

// blockSub is the ports.Subscription handed to callers. The forwarding
// goroutine owns errs and closes it on exit.
type blockSub struct {
	errs chan error
	quit chan struct{}
	once sync.Once
}

func newBlockSub() *blockSub {
	return &blockSub{errs: make(chan error, 1), quit: make(chan struct{})}
}

func (s *blockSub) Err() <-chan error { return s.errs }

func (s *blockSub) Unsubscribe() {
	s.once.Do(func() { close(s.quit) })
}

func (s *blockSub) finish(err error) {
	if err != nil {
		s.errs <- err
	}
	close(s.errs)
}

// call packs a view call, executes it at the latest block and unpacks the result.
func (c *Client) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	vals, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}

func (c *Client) filterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.rpc.FilterLogs(ctx, q)
}
