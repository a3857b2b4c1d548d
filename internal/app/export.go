package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"metal-oracle-watcher/internal/metals"
	"metal-oracle-watcher/internal/storage"
)

// Export renders archived snapshots as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	archive, closeArchive, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	if archive == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeArchive != nil {
		defer closeArchive()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snapshots, err := archive.ListSnapshotsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		a.Logger.Info().Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsampleSnapshots(snapshots, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snapshots)).Int("exported", len(downsampled)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSnapshots(snapshots []storage.SnapshotRow, max int) []storage.SnapshotRow {
	if max <= 0 || len(snapshots) <= max {
		return snapshots
	}

	result := make([]storage.SnapshotRow, 0, max)
	step := float64(len(snapshots)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snapshots) {
			idx = len(snapshots) - 1
		}
		result = append(result, snapshots[idx])
	}
	return result
}

func writeSnapshotsCSV(path string, snapshots []storage.SnapshotRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"snapshot_ts",
		"gold", "silver", "platinum", "palladium",
		"onchain_gold", "onchain_silver", "onchain_platinum", "onchain_palladium",
		"aux_price",
		"gold_deviation_pct",
		"source",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, snap := range snapshots {
		record := []string{
			snap.SnapshotTS.Format(time.RFC3339),
			snap.Fetched.Gold.String(),
			snap.Fetched.Silver.String(),
			snap.Fetched.Platinum.String(),
			snap.Fetched.Palladium.String(),
			snap.OnChain.Gold.String(),
			snap.OnChain.Silver.String(),
			snap.OnChain.Platinum.String(),
			snap.OnChain.Palladium.String(),
			snap.AuxPrice.String(),
			snap.Deviations[metals.Gold].String(),
			string(snap.Source),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSnapshotsPNG(path string, snapshots []storage.SnapshotRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(snapshots))
	fetched := make([]float64, len(snapshots))
	onChain := make([]float64, len(snapshots))
	deviation := make([]float64, len(snapshots))

	for i, snap := range snapshots {
		x[i] = snap.SnapshotTS
		fetched[i] = snap.Fetched.Gold.InexactFloat64()
		onChain[i] = snap.OnChain.Gold.InexactFloat64()
		deviation[i] = snap.Deviations[metals.Gold].InexactFloat64()
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Gold (USD/toz)",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Deviation (%)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Fetched",
				XValues: x,
				YValues: fetched,
			},
			chart.TimeSeries{
				Name:    "On-chain",
				XValues: x,
				YValues: onChain,
			},
			chart.TimeSeries{
				Name:    "Deviation %",
				XValues: x,
				YValues: deviation,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
