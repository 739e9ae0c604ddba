package storage

// sqlite.go: journal of keeper actions.
//
// One row per submitted transaction or give-up decision. The journal is
// write-mostly: keepers append, operators read recent rows for a market.
// Rows older than the retention window are pruned when the database opens.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS actions (
    id           TEXT PRIMARY KEY,
    market       TEXT     NOT NULL,
    action       TEXT     NOT NULL,
    account      TEXT     NOT NULL DEFAULT '',
    tx_hash      TEXT     NOT NULL DEFAULT '',
    block_number INTEGER  NOT NULL DEFAULT 0,
    gas_used     INTEGER  NOT NULL DEFAULT 0,
    success      INTEGER  NOT NULL DEFAULT 0,
    error        TEXT     NOT NULL DEFAULT '',
    executed_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_actions_market_at ON actions(market, executed_at DESC);
CREATE INDEX IF NOT EXISTS idx_actions_account   ON actions(account);
`

const retentionActions = 30 * 24 * time.Hour

// SQLiteJournal implements ports.ActionJournal using SQLite (pure Go, no CGo).
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens (or creates) the database at path and applies the schema.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteJournal: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteJournal: apply schema: %w", err)
	}

	j := &SQLiteJournal{db: db}
	j.pruneOld(context.Background())
	return j, nil
}

// RecordAction appends rec. A missing id or timestamp is filled in.
func (j *SQLiteJournal) RecordAction(ctx context.Context, rec domain.ActionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now().UTC()
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO actions (id, market, action, account, tx_hash, block_number, gas_used, success, error, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Market, rec.Action, rec.Account, rec.TxHash,
		int64(rec.BlockNumber), int64(rec.GasUsed), boolToInt(rec.Success), rec.Error,
		rec.ExecutedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.RecordAction: %w", err)
	}
	return nil
}

// RecentActions returns up to limit records for market, newest first.
// An empty market matches every market.
func (j *SQLiteJournal) RecentActions(ctx context.Context, market string, limit int) ([]domain.ActionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, market, action, account, tx_hash, block_number, gas_used, success, error, executed_at
		FROM actions
		WHERE ? = '' OR market = ?
		ORDER BY executed_at DESC, rowid DESC
		LIMIT ?`, market, market, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.RecentActions: %w", err)
	}
	defer rows.Close()

	var out []domain.ActionRecord
	for rows.Next() {
		var (
			rec            domain.ActionRecord
			block, gasUsed int64
			success        int
		)
		if err := rows.Scan(&rec.ID, &rec.Market, &rec.Action, &rec.Account, &rec.TxHash,
			&block, &gasUsed, &success, &rec.Error, &rec.ExecutedAt); err != nil {
			return nil, fmt.Errorf("storage.RecentActions: scan: %w", err)
		}
		rec.BlockNumber = uint64(block)
		rec.GasUsed = uint64(gasUsed)
		rec.Success = success == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// pruneOld deletes rows past the retention window. Failures are ignored.
func (j *SQLiteJournal) pruneOld(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-retentionActions)
	j.db.ExecContext(ctx, `DELETE FROM actions WHERE executed_at < ?`, cutoff)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
