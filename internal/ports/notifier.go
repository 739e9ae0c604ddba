package ports

import (
	"context"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
)

// Notifier presents keeper status snapshots to the operator.
type Notifier interface {
	NotifyStatus(ctx context.Context, statuses []domain.KeeperStatus) error
}
