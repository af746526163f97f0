package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"market-fallback/internal/storage"
)

// Show prints recent provider snapshots, or incidents with --incidents.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; nothing to show")
	}
	defer store.Close()

	if opts.Incidents {
		return a.showIncidents(ctx, store, opts.Limit)
	}

	snapshots, err := store.ListRecentSnapshots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(a.Out, "no snapshots found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tProvider\tStatus\tSuccess%\tLatency\tErrors(1h)\tRequests\tFailures")
	for _, snap := range snapshots {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%.1f\t%s\t%d\t%d\t%d\n",
			snap.TakenAt.UTC().Format(time.RFC3339),
			snap.Provider,
			snap.Status,
			snap.SuccessRate*100,
			snap.AvgLatency,
			snap.RecentErrors,
			snap.Requests,
			snap.Failures,
		)
	}
	return writer.Flush()
}

func (a *App) showIncidents(ctx context.Context, store storage.IncidentStore, limit int) error {
	incidents, err := store.ListRecentIncidents(ctx, limit)
	if err != nil {
		return err
	}
	if len(incidents) == 0 {
		fmt.Fprintln(a.Out, "no incidents found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Opened (UTC)\tProvider\tState\tResolved (UTC)\tFailures\tID\tLast error")
	for _, inc := range incidents {
		state, resolved := "open", "-"
		if inc.ResolvedAt != nil {
			state = "resolved"
			resolved = inc.ResolvedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			inc.OpenedAt.UTC().Format(time.RFC3339),
			inc.Provider,
			state,
			resolved,
			inc.Failures,
			inc.ID,
			sanitizeInline(inc.LastError),
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
