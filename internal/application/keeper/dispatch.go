package keeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc"
)

const (
	DefaultBatchSize   = 5
	DefaultBatchPacing = 500 * time.Millisecond
)

// Task is one unit of keeper work, deduplicated by ID.
type Task struct {
	ID  string
	Run func(ctx context.Context) error
}

// DispatchConfig bounds the fan-out of one execute cycle.
type DispatchConfig struct {
	BatchSize int
	Pacing    time.Duration
}

// Batches splits items into consecutive chunks of at most size elements.
func Batches[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultBatchSize
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// Dispatcher runs prioritised task groups in bounded batches.
type Dispatcher struct {
	guard  *Guard
	cfg    DispatchConfig
	logger *slog.Logger
}

func NewDispatcher(guard *Guard, cfg DispatchConfig, logger *slog.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Pacing < 0 {
		cfg.Pacing = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{guard: guard, cfg: cfg, logger: logger}
}

// Run processes groups in order. Within a group, each batch starts all of its
// tasks at once and waits for every one of them before the next batch begins;
// consecutive batches are separated by the pacing delay. A task failure is
// absorbed by the guard and never affects its siblings.
func (d *Dispatcher) Run(ctx context.Context, groups [][]Task) {
	started := false
	for gi, group := range groups {
		for bi, batch := range Batches(group, d.cfg.BatchSize) {
			if started && !d.pace(ctx) {
				return
			}
			if ctx.Err() != nil {
				return
			}
			started = true

			d.logger.Debug("dispatching batch", "group", gi, "batch", bi, "tasks", len(batch))
			var wg conc.WaitGroup
			for _, task := range batch {
				wg.Go(func() {
					d.guard.ExecAsync(ctx, task.ID, task.Run)
				})
			}
			wg.Wait()
		}
	}
}

func (d *Dispatcher) pace(ctx context.Context) bool {
	if d.cfg.Pacing == 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d.cfg.Pacing)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
