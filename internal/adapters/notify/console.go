package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
)

// Console implements ports.Notifier.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole writes to stdout. With table false each snapshot is one line.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter is NewConsole over an arbitrary writer, for tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// NotifyStatus prints one snapshot of every keeper.
func (c *Console) NotifyStatus(_ context.Context, statuses []domain.KeeperStatus) error {
	now := time.Now().Format("15:04:05")
	if len(statuses) == 0 {
		fmt.Fprintf(c.out, "[%s] no keepers running\n", now)
		return nil
	}

	if c.table {
		c.printTable(now, statuses)
	} else {
		c.printCompact(now, statuses)
	}
	return nil
}

// printCompact prints every keeper on a single line.
func (c *Console) printCompact(now string, statuses []domain.KeeperStatus) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %d keepers", now, len(statuses))
	for _, s := range statuses {
		fmt.Fprintf(&sb, " | %s/%s %s n=%d blk=%d", s.Market, s.Keeper, s.State, s.Entries, s.LastBlock)
	}
	fmt.Fprintln(c.out, sb.String())
}

func (c *Console) printTable(now string, statuses []domain.KeeperStatus) {
	faulted := 0
	for _, s := range statuses {
		if s.State == "faulted" {
			faulted++
		}
	}
	fmt.Fprintf(c.out, "\n[%s] %d keepers, %d faulted\n", now, len(statuses), faulted)

	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Keeper", "State", "Entries", "Last block", "Block time", "Price")
	for _, s := range statuses {
		table.Append(
			s.Market,
			s.Keeper,
			s.State,
			fmt.Sprintf("%d", s.Entries),
			fmt.Sprintf("%d", s.LastBlock),
			blockTime(s.BlockTipTimestamp),
			price(s.AssetPrice),
		)
	}
	table.Render()
}

func blockTime(ts uint64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(int64(ts), 0).UTC().Format("2006-01-02 15:04:05")
}

func price(p float64) string {
	if p <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.4f", p)
}

// PrintActions prints journaled actions, newest first.
func (c *Console) PrintActions(recs []domain.ActionRecord) {
	fmt.Fprintf(c.out, "\n── RECENT ACTIONS (%d) ──\n", len(recs))
	if len(recs) == 0 {
		fmt.Fprintln(c.out, "  (none)")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Time", "Market", "Action", "Account", "Block", "Gas", "Result")
	ok := 0
	for _, r := range recs {
		result := "ok"
		if r.Success {
			ok++
		} else {
			result = "FAIL " + r.Error
		}
		table.Append(
			r.ExecutedAt.UTC().Format("2006-01-02 15:04:05"),
			r.Market,
			r.Action,
			r.Account,
			fmt.Sprintf("%d", r.BlockNumber),
			fmt.Sprintf("%d", r.GasUsed),
			result,
		)
	}
	table.Render()
	fmt.Fprintf(c.out, "  %d/%d succeeded\n", ok, len(recs))
}
