package onchain

// wallet.go: legacy-transaction signer with a local nonce counter.
//
// The counter is seeded from the pending nonce on first use and advanced on
// every accepted submission. The signer pool resynchronises it from the chain
// after each task, so a wallet never needs to recover on its own.

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
)

const (
	// Gas price update interval
	gasPriceUpdateInterval = 30 * time.Second

	fallbackGasPriceWei = 1_000_000_000 // 1 gwei
)

// Wallet implements ports.Signer.
type Wallet struct {
	client  *Client
	key     *ecdsa.PrivateKey
	address common.Address
	logger  *slog.Logger

	mu       sync.Mutex
	nonce    uint64
	nonceSet bool

	gasMu        sync.RWMutex
	cachedGasWei *big.Int
	gasUpdatedAt time.Time
}

// NewWallet loads a hex private key, with or without 0x prefix.
func NewWallet(client *Client, privateKeyHex string, logger *slog.Logger) (*Wallet, error) {
	pkBytes, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("onchain.NewWallet: decode private key: %w", err)
	}
	key, err := crypto.ToECDSA(pkBytes)
	if err != nil {
		return nil, fmt.Errorf("onchain.NewWallet: invalid private key: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return &Wallet{
		client:  client,
		key:     key,
		address: addr,
		logger:  logger.With("signer", addr.Hex()),
	}, nil
}

func (w *Wallet) Address() string { return w.address.Hex() }

func (w *Wallet) SequenceCount(ctx context.Context, tag ports.BlockTag) (uint64, error) {
	if err := w.client.wait(ctx); err != nil {
		return 0, err
	}
	var (
		n   uint64
		err error
	)
	if tag == ports.BlockTagPending {
		n, err = w.client.rpc.PendingNonceAt(ctx, w.address)
	} else {
		n, err = w.client.rpc.NonceAt(ctx, w.address, nil)
	}
	if err != nil {
		return 0, fmt.Errorf("onchain.SequenceCount %s: %w", tag, err)
	}
	return n, nil
}

func (w *Wallet) SetSequenceCount(n uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nonce = n
	w.nonceSet = true
}

func (w *Wallet) Balance(ctx context.Context) (*big.Int, error) {
	if err := w.client.wait(ctx); err != nil {
		return nil, err
	}
	bal, err := w.client.rpc.BalanceAt(ctx, w.address, nil)
	if err != nil {
		return nil, fmt.Errorf("onchain.Balance: %w", err)
	}
	return bal, nil
}

// SendTransaction signs req with the next local nonce and broadcasts it.
func (w *Wallet) SendTransaction(ctx context.Context, req ports.TxRequest) (ports.PendingTx, error) {
	if !common.IsHexAddress(req.To) {
		return nil, fmt.Errorf("onchain.SendTransaction: invalid recipient %q", req.To)
	}
	to := common.HexToAddress(req.To)
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.nonceSet {
		n, err := w.SequenceCount(ctx, ports.BlockTagPending)
		if err != nil {
			return nil, fmt.Errorf("onchain.SendTransaction: nonce: %w", err)
		}
		w.nonce, w.nonceSet = n, true
	}

	gasPrice := w.gasPrice(ctx)

	if err := w.client.wait(ctx); err != nil {
		return nil, err
	}
	gasLimit, err := w.client.rpc.EstimateGas(ctx, ethereum.CallMsg{
		From:     w.address,
		To:       &to,
		GasPrice: gasPrice,
		Value:    value,
		Data:     req.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("onchain.SendTransaction: estimate gas: %w", err)
	}
	// Add 20% buffer
	gasLimit = gasLimit * 12 / 10

	tx := types.NewTransaction(w.nonce, to, value, gasLimit, gasPrice, req.Data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(w.client.chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("onchain.SendTransaction: sign: %w", err)
	}

	if err := w.client.wait(ctx); err != nil {
		return nil, err
	}
	if err := w.client.rpc.SendTransaction(ctx, signed); err != nil {
		if isNonceError(err) {
			return nil, fmt.Errorf("onchain.SendTransaction: %w: %v", domain.ErrNonceConflict, err)
		}
		return nil, fmt.Errorf("onchain.SendTransaction: send: %w", err)
	}
	w.nonce++

	w.logger.Debug("onchain: transaction sent",
		"tx", signed.Hash().Hex(), "nonce", tx.Nonce(), "gas", gasLimit, "gas_price", gasPrice)
	return &pendingTx{client: w.client, hash: signed.Hash()}, nil
}

// gasPrice returns the suggested gas price plus 10%, cached for a short while.
func (w *Wallet) gasPrice(ctx context.Context) *big.Int {
	w.gasMu.RLock()
	cached := w.cachedGasWei
	updatedAt := w.gasUpdatedAt
	w.gasMu.RUnlock()

	if cached != nil && time.Since(updatedAt) < gasPriceUpdateInterval {
		return cached
	}

	var price *big.Int
	err := w.client.wait(ctx)
	if err == nil {
		price, err = w.client.rpc.SuggestGasPrice(ctx)
	}
	if err != nil {
		w.logger.Warn("onchain: gas price unavailable", "err", err)
		if cached != nil {
			return cached
		}
		return big.NewInt(fallbackGasPriceWei)
	}

	// copy to avoid mutating SuggestGasPrice return
	buffered := new(big.Int).Mul(price, big.NewInt(11))
	buffered.Div(buffered, big.NewInt(10))

	w.gasMu.Lock()
	w.cachedGasWei = buffered
	w.gasUpdatedAt = time.Now()
	w.gasMu.Unlock()

	return buffered
}

func isNonceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce") ||
		strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "already known")
}
