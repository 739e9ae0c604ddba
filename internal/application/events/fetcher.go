package events

// fetcher.go: paginated, concurrent log retrieval.
//
// RPC providers cap eth_getLogs by block span and by result count. Ranges are
// split into pages no wider than PageSize; every page of every kind is fetched
// concurrently and the merged result is put back into canonical chain order.

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
	"github.com/alejandrodnm/perpkeeper/internal/ports"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPageSize         = 200_000
	DefaultHighWaterMark    = 10_000
	DefaultFetchConcurrency = 4
)

// BlockRange is an inclusive block interval.
type BlockRange struct {
	From uint64
	To   uint64
}

// Paginate splits [from, to] into contiguous ranges no wider than pageSize.
// A single-block range yields exactly one page; from > to yields none.
func Paginate(from, to, pageSize uint64) []BlockRange {
	if from > to {
		return nil
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	ranges := make([]BlockRange, 0, (to-from)/pageSize+1)
	for start := from; start <= to; start += pageSize {
		end := start + pageSize - 1
		if end > to || end < start {
			end = to
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
		if end == to {
			break
		}
	}
	return ranges
}

// Config controls pagination and fan-out.
type Config struct {
	PageSize      uint64
	HighWaterMark int
	Concurrency   int
}

// Fetcher implements FetchEvents on top of a market's EventSource.
type Fetcher struct {
	source ports.EventSource
	cfg    Config
	logger *slog.Logger
}

func NewFetcher(source ports.EventSource, cfg Config, logger *slog.Logger) *Fetcher {
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = DefaultHighWaterMark
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultFetchConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{source: source, cfg: cfg, logger: logger}
}

// FetchEvents returns all events of the given kinds in [fromBlock, toBlock],
// sorted by (block, tx index, log index). Any page failure fails the call.
func (f *Fetcher) FetchEvents(ctx context.Context, kinds []domain.EventKind, fromBlock, toBlock uint64) ([]domain.Event, error) {
	ranges := Paginate(fromBlock, toBlock, f.cfg.PageSize)
	if len(ranges) == 0 {
		return nil, nil
	}
	if len(ranges) > 1 {
		f.logger.Info("paginating event fetch",
			"from", fromBlock,
			"to", toBlock,
			"pages", len(ranges),
			"kinds", len(kinds),
		)
	}

	// pages[k][r] holds kind k's events for range r so concatenation keeps
	// range order regardless of completion order.
	pages := make([][][]domain.Event, len(kinds))
	for k := range kinds {
		pages[k] = make([][]domain.Event, len(ranges))
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for k, kind := range kinds {
		for r, rng := range ranges {
			g.Go(func() error {
				evs, err := f.source.QueryLogs(gCtx, kind, rng.From, rng.To)
				if err != nil {
					return fmt.Errorf("events.FetchEvents: %s [%d,%d]: %w", kind, rng.From, rng.To, err)
				}
				pages[k][r] = evs
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []domain.Event
	for k, kind := range kinds {
		count := 0
		for _, page := range pages[k] {
			count += len(page)
			merged = append(merged, page...)
		}
		if count > f.cfg.HighWaterMark {
			f.logger.Warn("event count above high-water mark, provider limits may truncate results",
				"kind", kind,
				"count", count,
				"high_water_mark", f.cfg.HighWaterMark,
				"from", fromBlock,
				"to", toBlock,
			)
		}
	}

	domain.SortEvents(merged)
	return merged, nil
}
