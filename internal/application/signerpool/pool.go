package signerpool

// pool.go: exclusive access to a fixed set of signing wallets.
//
// Each slot index is either queued in `available` or held by exactly one
// WithSigner call. The buffered channel is the only synchronisation point
// between keepers that share the pool.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/metrics"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
)

// nonceErrorFragments are RPC error texts that mean the local nonce is out of
// sync with the chain.
var nonceErrorFragments = []string{
	"nonce too low",
	"nonce too high",
	"nonce has already been used",
	"replacement transaction underpriced",
	"already known",
}

// Pool hands out signers one task at a time.
type Pool struct {
	signers   []ports.Signer
	available chan int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a pool over signers. All slots start available.
func New(signers []ports.Signer, m *metrics.Metrics, logger *slog.Logger) (*Pool, error) {
	if len(signers) == 0 {
		return nil, fmt.Errorf("signerpool.New: at least one signer required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		signers:   signers,
		available: make(chan int, len(signers)),
		metrics:   m,
		logger:    logger.With("component", "signerpool"),
	}
	for i := range signers {
		p.available <- i
	}
	m.SetSignersAvailable(len(signers))
	return p, nil
}

// Size returns the number of signer slots.
func (p *Pool) Size() int { return len(p.signers) }

// Available returns the number of slots not currently held.
func (p *Pool) Available() int { return len(p.available) }

// Signers returns the pooled identities, e.g. for balance reporting.
func (p *Pool) Signers() []ports.Signer { return p.signers }

// WithSigner runs action with exclusive use of one signer. After a
// successful action, or a nonce conflict, the signer's sequence counter is
// re-read from the chain. The slot is released exactly once.
func (p *Pool) WithSigner(ctx context.Context, action func(ctx context.Context, s ports.Signer) error, attrs ...any) error {
	idx, err := p.acquire(ctx)
	if err != nil {
		return fmt.Errorf("signerpool.WithSigner: acquire: %w", err)
	}
	defer p.release(idx)

	signer := p.signers[idx]
	logger := p.logger.With(attrs...).With("signer", idx, "address", signer.Address())
	logger.Debug("signer acquired", "available", p.Available())

	if err := action(ctx, signer); err != nil {
		if IsNonceConflict(err) {
			logger.Warn("nonce conflict, resyncing sequence counter", "err", err)
			if syncErr := p.resync(ctx, signer); syncErr != nil {
				logger.Error("nonce resync failed", "err", syncErr)
			}
		}
		return err
	}

	if err := p.resync(ctx, signer); err != nil {
		logger.Warn("post-action nonce resync failed", "err", err)
	}
	return nil
}

func (p *Pool) acquire(ctx context.Context) (int, error) {
	select {
	case idx := <-p.available:
		p.metrics.SetSignersAvailable(len(p.available))
		return idx, nil
	default:
	}

	p.logger.Debug("all signers busy, waiting")
	select {
	case idx := <-p.available:
		p.metrics.SetSignersAvailable(len(p.available))
		return idx, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *Pool) release(idx int) {
	p.available <- idx
	p.metrics.SetSignersAvailable(len(p.available))
}

func (p *Pool) resync(ctx context.Context, signer ports.Signer) error {
	n, err := signer.SequenceCount(ctx, ports.BlockTagLatest)
	if err != nil {
		return err
	}
	signer.SetSequenceCount(n)
	return nil
}

// IsNonceConflict classifies err as a sequence-counter mismatch.
func IsNonceConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrNonceConflict) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range nonceErrorFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
