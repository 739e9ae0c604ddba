package ports

import (
	"context"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
)

// ActionJournal persists what the keepers submitted and how it ended.
type ActionJournal interface {
	RecordAction(ctx context.Context, rec domain.ActionRecord) error

	// RecentActions returns up to limit records, newest first.
	RecentActions(ctx context.Context, market string, limit int) ([]domain.ActionRecord, error)

	Close() error
}
