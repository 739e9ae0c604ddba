package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Guard allows at most one in-flight run per task id. A trigger for a task
// that is already running is dropped: the running attempt covers it.
type Guard struct {
	mu     sync.Mutex
	active map[string]struct{}
	logger *slog.Logger
}

func NewGuard(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{active: make(map[string]struct{}), logger: logger}
}

// ExecAsync runs action unless taskID is already active. Errors and panics
// from action are logged and never returned. It reports whether action ran.
func (g *Guard) ExecAsync(ctx context.Context, taskID string, action func(ctx context.Context) error) (ran bool) {
	g.mu.Lock()
	if _, busy := g.active[taskID]; busy {
		g.mu.Unlock()
		g.logger.Debug("task already in flight, skipping", "task", taskID)
		return false
	}
	g.active[taskID] = struct{}{}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.active, taskID)
		g.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("task panicked", "task", taskID, "panic", fmt.Sprint(r))
		}
	}()

	ran = true
	if err := action(ctx); err != nil {
		g.logger.Error("task failed", "task", taskID, "err", err)
	}
	return ran
}

// Active reports whether taskID is currently running.
func (g *Guard) Active(taskID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[taskID]
	return ok
}
