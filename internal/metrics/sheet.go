// Package metrics computes descriptive download tables over a persisted
// pypi snapshot and writes them as workbooks or terminal tables.
package metrics

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// Sheet is one named table. Cells hold string, int64 or *apd.Decimal
// values; nil is an empty cell.
type Sheet struct {
	Title  string
	Header []string
	Rows   [][]any
}

// Column returns the cells of the named column, or nil.
func (s Sheet) Column(name string) []any {
	idx := -1
	for i, h := range s.Header {
		if h == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	out := make([]any, len(s.Rows))
	for i, r := range s.Rows {
		if idx < len(r) {
			out[i] = r[idx]
		}
	}
	return out
}

// percentPlaces is the number of decimals of percent columns.
const percentPlaces = 3

// percent returns part*100/total rounded half-even to three decimals.
func percent(part, total int64) *apd.Decimal {
	var out apd.Decimal
	if total == 0 {
		return &out
	}
	ctx := apd.BaseContext.WithPrecision(34)
	ctx.Rounding = apd.RoundHalfEven

	var q apd.Decimal
	_, _ = ctx.Quo(&q, apd.New(part*100, 0), apd.New(total, 0))
	_, _ = ctx.Quantize(&out, &q, -percentPlaces)
	return &out
}

// formatCell renders a cell for text output.
func formatCell(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case *apd.Decimal:
		return c.Text('f')
	default:
		return fmt.Sprint(c)
	}
}
