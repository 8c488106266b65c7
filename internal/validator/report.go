package validator

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/johnayoung/tradebot-collector/internal/models"
)

// WriteText renders a human readable report. At most maxItems anomalies, gap
// ranges and stale pairs are listed per section; zero means no limit.
func WriteText(w io.Writer, r *models.Report, maxItems int) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Validation report generated %s\n", r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Window: %s .. %s\n\n", msTime(r.WindowStart), msTime(r.WindowEnd))

	b.WriteString("Tables:\n")
	names := make([]string, 0, len(r.TableCounts))
	for name := range r.TableCounts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "  %-10s %d\n", name, r.TableCounts[name])
	}
	b.WriteString("\n")

	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tTIMEFRAME\tTOTAL\tWINDOW\tFIRST\tLAST\tGAPS\tANOMALIES")
	for _, p := range r.Pairs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\t%d\t%d\n",
			p.Symbol, p.Timeframe, p.Total, p.InWindow, msTimeOrDash(p.First), msTimeOrDash(p.Last), p.Gaps, p.Anomalies)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	b.Reset()
	fmt.Fprintf(&b, "\nAnomalies: %d (%d errors, %d warnings)\n",
		len(r.Anomalies), r.CountBySeverity(models.SeverityError), r.CountBySeverity(models.SeverityWarning))
	for i, a := range r.Anomalies {
		if capped(&b, i, len(r.Anomalies), maxItems) {
			break
		}
		fmt.Fprintf(&b, "  %s\n", a)
	}

	ranges := models.CollapseGaps(r.Gaps)
	fmt.Fprintf(&b, "\nGaps: %d missing candles in %d ranges\n", len(r.Gaps), len(ranges))
	for i, g := range ranges {
		if capped(&b, i, len(ranges), maxItems) {
			break
		}
		fmt.Fprintf(&b, "  %s %s %s .. %s (%d missing)\n", g.Symbol, g.Timeframe, msTime(g.Start), msTime(g.End), g.Missing)
	}

	fmt.Fprintf(&b, "\nStale pairs: %d\n", len(r.Stale))
	for i, s := range r.Stale {
		if capped(&b, i, len(r.Stale), maxItems) {
			break
		}
		if s.Latest == 0 {
			fmt.Fprintf(&b, "  %s %s no data\n", s.Symbol, s.Timeframe)
			continue
		}
		fmt.Fprintf(&b, "  %s %s latest %s, age %s > %s\n",
			s.Symbol, s.Timeframe, msTime(s.Latest), s.Age.Round(time.Second), s.Threshold)
	}

	if r.Clean() {
		b.WriteString("\nNo issues found.\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func capped(b *strings.Builder, i, total, maxItems int) bool {
	if maxItems > 0 && i >= maxItems {
		fmt.Fprintf(b, "  ... and %d more\n", total-maxItems)
		return true
	}
	return false
}

func msTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func msTimeOrDash(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return msTime(ms)
}
