package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"market-fallback/internal/storage"
)

// Export renders provider snapshots as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer store.Close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Maintenance.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snapshots, err := store.ListSnapshotsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	series := groupSnapshots(snapshots, opts.Provider, opts.MaxPoints)
	if len(series) == 0 {
		a.Logger.Info().Msg("no snapshots found for export window")
		return nil
	}

	total := 0
	for _, s := range series {
		total += len(s.points)
	}
	a.Logger.Info().Int("total", len(snapshots)).Int("exported", total).Int("providers", len(series)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, series); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, series); err != nil {
			return err
		}
	}

	return nil
}

type providerSeries struct {
	provider string
	points   []storage.ProviderSnapshot
}

// groupSnapshots splits rows per provider in time order and downsamples each
// series to at most max points.
func groupSnapshots(snapshots []storage.ProviderSnapshot, only string, max int) []providerSeries {
	byProvider := map[string][]storage.ProviderSnapshot{}
	for _, snap := range snapshots {
		if only != "" && snap.Provider != only {
			continue
		}
		byProvider[snap.Provider] = append(byProvider[snap.Provider], snap)
	}

	names := make([]string, 0, len(byProvider))
	for name := range byProvider {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]providerSeries, 0, len(names))
	for _, name := range names {
		points := byProvider[name]
		sort.SliceStable(points, func(i, j int) bool { return points[i].TakenAt.Before(points[j].TakenAt) })
		out = append(out, providerSeries{provider: name, points: downsampleSnapshots(points, max)})
	}
	return out
}

func downsampleSnapshots(samples []storage.ProviderSnapshot, max int) []storage.ProviderSnapshot {
	if max <= 0 || len(samples) <= max {
		return samples
	}
	if max == 1 {
		return samples[len(samples)-1:]
	}

	result := make([]storage.ProviderSnapshot, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSnapshotsCSV(path string, series []providerSeries) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return encodeSnapshotsCSV(file, series)
}

func encodeSnapshotsCSV(w io.Writer, series []providerSeries) error {
	writer := csv.NewWriter(w)

	header := []string{"taken_at", "provider", "status", "success_rate", "avg_latency_ms", "observations", "recent_errors", "requests", "failures"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range series {
		for _, snap := range s.points {
			record := []string{
				snap.TakenAt.UTC().Format(time.RFC3339),
				snap.Provider,
				snap.Status,
				strconv.FormatFloat(snap.SuccessRate, 'f', 4, 64),
				strconv.FormatInt(snap.AvgLatency.Milliseconds(), 10),
				strconv.Itoa(snap.Observations),
				strconv.Itoa(snap.RecentErrors),
				strconv.FormatInt(snap.Requests, 10),
				strconv.FormatInt(snap.Failures, 10),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSnapshotsPNG(path string, series []providerSeries) error {
	graph, err := snapshotChart(series)
	if err != nil {
		return err
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

// snapshotChart plots success rate per provider on the primary axis and
// average latency on the secondary one.
func snapshotChart(series []providerSeries) (*chart.Chart, error) {
	var (
		plotted    []chart.Series
		maxLatency float64
	)
	for _, s := range series {
		if len(s.points) < 2 {
			continue
		}
		x := make([]time.Time, len(s.points))
		success := make([]float64, len(s.points))
		latency := make([]float64, len(s.points))
		for i, snap := range s.points {
			x[i] = snap.TakenAt
			success[i] = snap.SuccessRate * 100
			latency[i] = float64(snap.AvgLatency.Milliseconds())
			maxLatency = math.Max(maxLatency, latency[i])
		}
		plotted = append(plotted,
			chart.TimeSeries{Name: s.provider + " success %", XValues: x, YValues: success},
			chart.TimeSeries{Name: s.provider + " latency ms", XValues: x, YValues: latency, YAxis: chart.YAxisSecondary},
		)
	}
	if len(plotted) == 0 {
		return nil, fmt.Errorf("need at least two snapshots of one provider to chart")
	}

	formatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := &chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Success rate (%)",
			ValueFormatter: formatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 100},
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Avg latency (ms)",
			ValueFormatter: formatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: maxLatency*1.1 + 1},
		},
		Series: plotted,
	}
	graph.Elements = []chart.Renderable{chart.Legend(graph)}
	return graph, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
