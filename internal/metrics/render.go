package metrics

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
)

// maxRenderRows caps each rendered sheet; the remaining rows are summarized
// in the footer.
const maxRenderRows = 20

// Render prints sheets as terminal tables.
func Render(w io.Writer, sheets []Sheet) error {
	for _, s := range sheets {
		tw := table.NewWriter()
		tw.SetTitle(s.Title)
		tw.SetStyle(table.StyleLight)

		header := make(table.Row, len(s.Header))
		for i, h := range s.Header {
			header[i] = h
		}
		tw.AppendHeader(header)

		for i, row := range s.Rows {
			if i == maxRenderRows {
				tw.AppendFooter(table.Row{fmt.Sprintf("%d more rows", len(s.Rows)-maxRenderRows)})
				break
			}
			cells := make(table.Row, len(row))
			for c, v := range row {
				cells[c] = formatCell(v)
			}
			tw.AppendRow(cells)
		}

		if _, err := fmt.Fprintln(w, tw.Render()); err != nil {
			return err
		}
	}
	return nil
}
