package probe

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// RenderReport writes one row per configured milestone of every result.
func RenderReport(w io.Writer, results []Result) error {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"URL", "Milestone", "Attention", "Status"})

	reachedCount := 0
	for _, res := range results {
		if res.Err != nil {
			tbl.AppendRow(table.Row{res.URL, "-", "-", "error: " + res.Err.Error()})
			continue
		}
		byIndex := make(map[int]time.Duration, len(res.Reached))
		for _, evt := range res.Reached {
			byIndex[evt.Index] = evt.AttentionTime
		}
		for i, m := range res.Milestones {
			row := table.Row{res.URL, fmt.Sprintf("%v%%", m*100), "-", "pending"}
			if d, ok := byIndex[i]; ok {
				row[2] = d.Round(time.Millisecond).String()
				row[3] = "reached"
				reachedCount++
			}
			tbl.AppendRow(row)
		}
		tbl.AppendSeparator()
	}
	tbl.AppendFooter(table.Row{fmt.Sprintf("%d urls", len(results)), "", fmt.Sprintf("%d reached", reachedCount), ""})
	_, err := fmt.Fprintln(w, tbl.Render())
	return err
}
