package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/alejandrodnm/perpkeeper/internal/adapters/notify"
	"github.com/alejandrodnm/perpkeeper/internal/adapters/storage"
)

const reportLimit = 50

func runReport(ctx context.Context, dsn string) {
	journal, err := storage.NewSQLiteJournal(dsn)
	if err != nil {
		slog.Error("failed to open journal", "err", err, "dsn", dsn)
		os.Exit(1)
	}
	defer journal.Close()

	recs, err := journal.RecentActions(ctx, "", reportLimit)
	if err != nil {
		slog.Error("failed to read journal", "err", err)
		os.Exit(1)
	}
	notify.NewConsole(true).PrintActions(recs)
}
