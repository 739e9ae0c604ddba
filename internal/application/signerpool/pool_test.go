package signerpool_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/perpkeeper/internal/application/signerpool"
	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSigner struct {
	addr      string
	chainNext uint64

	mu      sync.Mutex
	local   uint64
	resyncs int
}

func (s *fakeSigner) Address() string { return s.addr }

func (s *fakeSigner) SendTransaction(context.Context, ports.TxRequest) (ports.PendingTx, error) {
	return nil, errors.New("not used")
}

func (s *fakeSigner) SequenceCount(context.Context, ports.BlockTag) (uint64, error) {
	return s.chainNext, nil
}

func (s *fakeSigner) SetSequenceCount(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = n
	s.resyncs++
}

func (s *fakeSigner) Balance(context.Context) (*big.Int, error) { return big.NewInt(0), nil }

func newSigners(n int) ([]ports.Signer, []*fakeSigner) {
	out := make([]ports.Signer, n)
	fakes := make([]*fakeSigner, n)
	for i := range out {
		fakes[i] = &fakeSigner{addr: fmt.Sprintf("0x%02d", i), chainNext: 7}
		out[i] = fakes[i]
	}
	return out, fakes
}

func TestNew_RequiresSigners(t *testing.T) {
	_, err := signerpool.New(nil, nil, nil)
	assert.Error(t, err)
}

func TestWithSigner_Conservation(t *testing.T) {
	const size = 3
	signers, _ := newSigners(size)
	pool, err := signerpool.New(signers, nil, nil)
	require.NoError(t, err)

	var inFlight, peak int32
	held := make(map[string]bool)
	var heldMu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.WithSigner(context.Background(), func(_ context.Context, s ports.Signer) error {
				heldMu.Lock()
				assert.False(t, held[s.Address()], "signer handed out twice")
				held[s.Address()] = true
				heldMu.Unlock()

				n := atomic.AddInt32(&inFlight, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)

				heldMu.Lock()
				held[s.Address()] = false
				heldMu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(peak), size)
	assert.Equal(t, size, pool.Available())
}

func TestWithSigner_ReleasesOnError(t *testing.T) {
	signers, _ := newSigners(1)
	pool, err := signerpool.New(signers, nil, nil)
	require.NoError(t, err)

	boom := errors.New("execution reverted")
	err = pool.WithSigner(context.Background(), func(context.Context, ports.Signer) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, pool.Available())
}

func TestWithSigner_ResyncsAfterSuccess(t *testing.T) {
	signers, fakes := newSigners(1)
	pool, err := signerpool.New(signers, nil, nil)
	require.NoError(t, err)

	require.NoError(t, pool.WithSigner(context.Background(), func(context.Context, ports.Signer) error { return nil }))
	assert.Equal(t, 1, fakes[0].resyncs)
	assert.Equal(t, uint64(7), fakes[0].local)
}

func TestWithSigner_NonceConflictResyncsAndReturnsError(t *testing.T) {
	signers, fakes := newSigners(1)
	pool, err := signerpool.New(signers, nil, nil)
	require.NoError(t, err)

	conflict := fmt.Errorf("send: %w", domain.ErrNonceConflict)
	err = pool.WithSigner(context.Background(), func(context.Context, ports.Signer) error { return conflict })
	assert.ErrorIs(t, err, domain.ErrNonceConflict)
	assert.Equal(t, 1, fakes[0].resyncs)
	assert.Equal(t, 1, pool.Available())
}

func TestWithSigner_OtherErrorNoResync(t *testing.T) {
	signers, fakes := newSigners(1)
	pool, err := signerpool.New(signers, nil, nil)
	require.NoError(t, err)

	_ = pool.WithSigner(context.Background(), func(context.Context, ports.Signer) error {
		return errors.New("insufficient funds for gas")
	})
	assert.Equal(t, 0, fakes[0].resyncs)
}

func TestWithSigner_AcquireHonoursContext(t *testing.T) {
	signers, _ := newSigners(1)
	pool, err := signerpool.New(signers, nil, nil)
	require.NoError(t, err)

	release := make(chan struct{})
	go func() {
		_ = pool.WithSigner(context.Background(), func(context.Context, ports.Signer) error {
			<-release
			return nil
		})
	}()
	require.Eventually(t, func() bool { return pool.Available() == 0 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = pool.WithSigner(ctx, func(context.Context, ports.Signer) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool { return pool.Available() == 1 }, time.Second, time.Millisecond)
}

func TestIsNonceConflict(t *testing.T) {
	assert.True(t, signerpool.IsNonceConflict(errors.New("Nonce too low: next nonce 5, tx nonce 4")))
	assert.True(t, signerpool.IsNonceConflict(fmt.Errorf("wrap: %w", domain.ErrNonceConflict)))
	assert.False(t, signerpool.IsNonceConflict(errors.New("execution reverted")))
	assert.False(t, signerpool.IsNonceConflict(nil))
}
