package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"market-fallback/internal/provider"
)

// Status probes every provider once and prints the health table with the
// resulting market_data routing order.
func (a *App) Status(ctx context.Context) error {
	eng, err := a.BuildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Monitor.ProbeAll(ctx); err != nil {
		return err
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Provider\tStatus\tLatency\tSuccess\tErrors(1h)\tCooldown\tLast error")
	for _, m := range eng.Monitor.Snapshot() {
		status := string(m.Status)
		if m.Disabled {
			status += " (disabled)"
		}
		cooldown := "-"
		if m.CooldownUntil != nil {
			cooldown = m.CooldownUntil.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%.0f%%\t%d\t%s\t%s\n",
			m.Name,
			status,
			m.AvgLatency.Round(time.Millisecond),
			m.SuccessRate*100,
			m.RecentErrorCount,
			cooldown,
			sanitizeInline(m.LastError),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	ordered, skipped := eng.Manager.Candidates(provider.OpMarketData)
	names := make([]string, 0, len(ordered))
	for _, d := range ordered {
		names = append(names, d.Name)
	}
	fmt.Fprintf(a.Out, "\nmarket_data order: %s\n", strings.Join(names, " > "))
	if len(skipped) > 0 {
		fmt.Fprintf(a.Out, "skipped: %s\n", strings.Join(skipped, ", "))
	}
	return nil
}
