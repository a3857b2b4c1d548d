package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"metal-oracle-watcher/internal/metals"
)

// Show prints recent archived snapshots.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	archive, closeArchive, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	if archive == nil {
		return errors.New("database not configured; cannot show snapshots")
	}
	if closeArchive != nil {
		defer closeArchive()
	}

	snapshots, err := archive.ListRecentSnapshots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(os.Stdout, "no snapshots found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tGold\tSilver\tPlatinum\tPalladium\tOn-chain Gold\tGold Dev%\tSource")

	for _, snap := range snapshots {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			snap.SnapshotTS.UTC().Format(time.RFC3339),
			formatDecimal(snap.Fetched.Gold, 2),
			formatDecimal(snap.Fetched.Silver, 2),
			formatDecimal(snap.Fetched.Platinum, 2),
			formatDecimal(snap.Fetched.Palladium, 2),
			formatDecimal(snap.OnChain.Gold, 2),
			formatDecimal(snap.Deviations[metals.Gold], 2),
			snap.Source,
		)
	}

	writer.Flush()
	return nil
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
