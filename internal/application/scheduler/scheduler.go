package scheduler

// scheduler.go: drives one keeper from the new-block stream.
//
// Every run of the pipeline starts with a full index rebuild. New block
// numbers are filtered by cadence, the first qualifying one only seeds the
// stream, and the rest go through a FIFO queue drained by a single consumer,
// so block cycles for one keeper never overlap. Anything that escapes the
// pipeline restarts it after a fixed backoff.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/perpkeeper/internal/application/keeper"
	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/metrics"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
)

const (
	DefaultRunEveryXBlocks = 1
	DefaultRestartBackoff  = 60 * time.Second

	blockBuffer = 64
)

var errSubscriptionClosed = errors.New("block subscription closed")

// PriceSource reads the market's current asset price.
type PriceSource interface {
	AssetPrice(ctx context.Context) (float64, error)
}

// Config controls cadence and recovery.
type Config struct {
	RunEveryXBlocks uint64
	FromBlock       uint64
	RestartBackoff  time.Duration
}

// Scheduler feeds new blocks to one keeper.
type Scheduler struct {
	keeper  keeper.Keeper
	chain   ports.Chain
	fetcher keeper.EventFetcher
	prices  PriceSource
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	queue []uint64
	wake  chan struct{}
}

func New(k keeper.Keeper, chain ports.Chain, fetcher keeper.EventFetcher, prices PriceSource, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if cfg.RunEveryXBlocks == 0 {
		cfg.RunEveryXBlocks = DefaultRunEveryXBlocks
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = DefaultRestartBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		keeper:  k,
		chain:   chain,
		fetcher: fetcher,
		prices:  prices,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("keeper", k.Kind(), "market", k.MarketName()),
		wake:    make(chan struct{}, 1),
	}
}

// Run keeps the pipeline alive until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		err := s.runPipeline(ctx)
		if ctx.Err() != nil {
			s.logger.Info("scheduler: stopped")
			return nil
		}
		if err == nil {
			err = errSubscriptionClosed
		}

		s.metrics.Restart(s.keeper.MarketName(), s.keeper.Kind())
		s.logger.Error("scheduler: pipeline failed, restarting",
			"err", err, "backoff", s.cfg.RestartBackoff)

		timer := time.NewTimer(s.cfg.RestartBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler: stopped")
			return nil
		case <-timer.C:
		}
	}
}

func (s *Scheduler) runPipeline(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.resetQueue()

	last, err := s.keeper.Index(ctx, s.cfg.FromBlock)
	if err != nil {
		return fmt.Errorf("scheduler: index from %d: %w", s.cfg.FromBlock, err)
	}

	blocks := make(chan uint64, blockBuffer)
	sub, err := s.chain.SubscribeNewBlocks(ctx, blocks)
	if err != nil {
		return fmt.Errorf("scheduler: subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	s.logger.Info("scheduler: pipeline started", "indexed_through", last, "every", s.cfg.RunEveryXBlocks)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.produce(gctx, blocks, sub) })
	g.Go(func() error { return s.consume(gctx, last) })
	return g.Wait()
}

// produce filters incoming blocks and queues them. The first block that
// passes the cadence filter is dropped.
func (s *Scheduler) produce(ctx context.Context, blocks <-chan uint64, sub ports.Subscription) error {
	seeded := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				return errSubscriptionClosed
			}
			return fmt.Errorf("scheduler: subscription: %w", err)
		case n := <-blocks:
			if n%s.cfg.RunEveryXBlocks != 0 {
				continue
			}
			if !seeded {
				seeded = true
				s.logger.Debug("scheduler: seed block", "block", n)
				continue
			}
			s.enqueue(n)
		}
	}
}

func (s *Scheduler) consume(ctx context.Context, last uint64) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}

		for _, n := range s.drain() {
			if ctx.Err() != nil {
				return nil
			}
			if n <= last {
				s.logger.Debug("scheduler: block already processed", "block", n, "last", last)
				continue
			}
			if err := s.cycle(ctx, last+1, n); err != nil {
				return fmt.Errorf("scheduler: block %d: %w", n, err)
			}
			last = n
		}
	}
}

// cycle brings the keeper up to block to and runs one execution.
func (s *Scheduler) cycle(ctx context.Context, from, to uint64) error {
	start := time.Now()

	events, err := s.fetcher.FetchEvents(ctx, s.keeper.EventKinds(), from, to)
	if err != nil {
		return fmt.Errorf("fetch [%d, %d]: %w", from, to, err)
	}

	var header *domain.BlockHeader
	if len(events) == 0 {
		h, err := s.chain.BlockHeader(ctx, to)
		if err != nil {
			return fmt.Errorf("header %d: %w", to, err)
		}
		header = &h
	}

	var price *float64
	if p, err := s.prices.AssetPrice(ctx); err != nil {
		s.logger.Warn("scheduler: asset price unavailable, keeping last", "block", to, "err", err)
	} else {
		price = &p
	}

	if err := s.keeper.UpdateIndex(ctx, events, header, price); err != nil {
		return err
	}
	s.keeper.MarkProcessed(to)
	s.keeper.Execute(ctx)

	s.logger.Debug("scheduler: block processed",
		"from", from, "to", to, "events", len(events), "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (s *Scheduler) enqueue(n uint64) {
	s.mu.Lock()
	s.queue = append(s.queue, n)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drain takes every queued block in ascending order.
func (s *Scheduler) drain() []uint64 {
	s.mu.Lock()
	out := s.queue
	s.queue = nil
	s.mu.Unlock()

	slices.Sort(out)
	return out
}

func (s *Scheduler) resetQueue() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
	select {
	case <-s.wake:
	default:
	}
}
