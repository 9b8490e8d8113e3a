package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/xuri/excelize/v2"

	"dlmetrics/internal/store"
)

// WorkbookExt is the extension of every workbook this package writes.
const WorkbookExt = ".xlsx"

// thousandsFormat is the built-in "#,##0" number format.
const thousandsFormat = 3

// WorkbookOptions tunes the rendering of a workbook.
type WorkbookOptions struct {
	// Commas formats integer cells with a thousands separator.
	Commas bool
}

// Workbook renders sheets as an xlsx document, one worksheet per sheet in
// order. Column widths fit the longest rendered value.
func Workbook(sheets []Sheet, opts WorkbookOptions) ([]byte, error) {
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}

	f := excelize.NewFile()
	defer f.Close()

	commaStyle := 0
	if opts.Commas {
		id, err := f.NewStyle(&excelize.Style{NumFmt: thousandsFormat})
		if err != nil {
			return nil, fmt.Errorf("creating number style: %w", err)
		}
		commaStyle = id
	}

	const defaultSheet = "Sheet1"
	for i, s := range sheets {
		if i == 0 {
			if err := f.SetSheetName(defaultSheet, s.Title); err != nil {
				return nil, fmt.Errorf("naming sheet %q: %w", s.Title, err)
			}
		} else if _, err := f.NewSheet(s.Title); err != nil {
			return nil, fmt.Errorf("adding sheet %q: %w", s.Title, err)
		}
		if err := writeSheet(f, s, commaStyle); err != nil {
			return nil, fmt.Errorf("writing sheet %q: %w", s.Title, err)
		}
	}
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serializing workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSheet(f *excelize.File, s Sheet, commaStyle int) error {
	widths := make([]int, len(s.Header))
	header := make([]any, len(s.Header))
	for i, h := range s.Header {
		header[i] = h
		widths[i] = len(h)
	}
	if err := f.SetSheetRow(s.Title, "A1", &header); err != nil {
		return err
	}

	for r, row := range s.Rows {
		cells := make([]any, len(row))
		for c, v := range row {
			cells[c] = excelValue(v)
			if c < len(widths) {
				widths[c] = max(widths[c], len(formatCell(v)))
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(s.Title, cell, &cells); err != nil {
			return err
		}
		if commaStyle != 0 {
			for c, v := range row {
				if _, ok := v.(int64); !ok {
					continue
				}
				name, err := excelize.CoordinatesToCellName(c+1, r+2)
				if err != nil {
					return err
				}
				if err := f.SetCellStyle(s.Title, name, name, commaStyle); err != nil {
					return err
				}
			}
		}
	}

	for i, w := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(s.Title, col, col, float64(w+2)); err != nil {
			return err
		}
	}
	return nil
}

func excelValue(v any) any {
	if d, ok := v.(*apd.Decimal); ok {
		if x, err := d.Float64(); err == nil {
			return x
		}
		return d.String()
	}
	return v
}

// WriteWorkbook renders sheets and stores the document at location,
// appending the xlsx extension when it is missing.
func WriteWorkbook(ctx context.Context, backend store.Backend, location string, sheets []Sheet, opts WorkbookOptions, log *slog.Logger) error {
	if !strings.HasSuffix(strings.ToLower(location), WorkbookExt) {
		location += WorkbookExt
	}
	loc, err := store.ParseLocation(location)
	if err != nil {
		return err
	}
	data, err := Workbook(sheets, opts)
	if err != nil {
		return err
	}
	if log != nil {
		log.Info("writing workbook", "location", loc.String(), "sheets", len(sheets))
	}
	if err := backend.Write(ctx, loc, data); err != nil {
		return fmt.Errorf("writing workbook %s: %w", loc, err)
	}
	return nil
}
