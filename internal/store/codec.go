package store

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
)

// Codec converts one dataset's rows to and from its stored columns.
type Codec[R any] interface {
	// Columns lists the stored columns in output order.
	Columns() []string
	// Categorical lists the dimensional columns interned on load.
	Categorical() []string
	// EncodeRow renders r as one CSV record in Columns order.
	EncodeRow(r R) []string
	// DecodeRow builds a row from named CSV fields. Missing columns read as "".
	DecodeRow(get func(col string) string) (R, error)
	// WriteParquet writes rows as one parquet file.
	WriteParquet(w io.Writer, rows []R) error
	// ReadParquet reads a parquet file, interning categorical values.
	ReadParquet(data []byte, dict *Dictionary) ([]R, error)
	// Upgrade brings rows decoded from an older CSV layout, whose header
	// is given as a column set, to the current row shape.
	Upgrade(header map[string]bool, rows []R) []R
}

// schema implements Codec for a row type R stored through the parquet
// record type P.
type schema[R any, P any] struct {
	columns     []string
	categorical []string
	encode      func(R) []string
	decode      func(get func(string) string) (R, error)
	toRecord    func(R) P
	fromRecord  func(P, *Dictionary) R
	upgrade     func(header map[string]bool, rows []R) []R // nil when every layout decodes as is
}

func (s *schema[R, P]) Columns() []string      { return s.columns }
func (s *schema[R, P]) Categorical() []string  { return s.categorical }
func (s *schema[R, P]) EncodeRow(r R) []string { return s.encode(r) }

func (s *schema[R, P]) DecodeRow(get func(string) string) (R, error) {
	return s.decode(get)
}

func (s *schema[R, P]) Upgrade(header map[string]bool, rows []R) []R {
	if s.upgrade == nil {
		return rows
	}
	return s.upgrade(header, rows)
}

func (s *schema[R, P]) WriteParquet(w io.Writer, rows []R) error {
	records := make([]P, len(rows))
	for i, r := range rows {
		records[i] = s.toRecord(r)
	}
	return parquet.Write(w, records)
}

func (s *schema[R, P]) ReadParquet(data []byte, dict *Dictionary) ([]R, error) {
	records, err := parquet.Read[P](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	rows := make([]R, len(records))
	for i, rec := range records {
		rows[i] = s.fromRecord(rec, dict)
	}
	return rows, nil
}

// ---------------------------------------------------------------------------
// CSV encoding
// ---------------------------------------------------------------------------

func encodeCSV[R any](c Codec[R], rows []R) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(c.Columns()); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := w.Write(c.EncodeRow(r)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeCSV[R any](c Codec[R], data []byte, dict *Dictionary) ([]R, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.ReuseRecord = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return []R{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	index := make(map[string]int, len(header))
	present := make(map[string]bool, len(header))
	for i, col := range header {
		name := strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))
		index[name] = i
		present[name] = true
	}
	categorical := make(map[string]bool, len(c.Categorical()))
	for _, col := range c.Categorical() {
		categorical[col] = true
	}

	var record []string
	get := func(col string) string {
		i, ok := index[col]
		if !ok || i >= len(record) {
			return ""
		}
		if categorical[col] {
			return dict.Intern(col, record[i])
		}
		return record[i]
	}

	rows := []R{}
	for line := 2; ; line++ {
		record, err = r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		row, err := c.DecodeRow(get)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	return c.Upgrade(present, rows), nil
}

// ---------------------------------------------------------------------------
// Field helpers
// ---------------------------------------------------------------------------

// csvTimeLayout writes naive UTC timestamps with microsecond precision.
const csvTimeLayout = "2006-01-02 15:04:05.999999"

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999Z07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.DateOnly,
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(csvTimeLayout)
}

// parseTime parses a stored timestamp. Values without an offset are UTC.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }

// parseInt accepts integers and integral floats such as "5.0".
func parseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid count %q", s)
	}
	return int64(f), nil
}

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func parseBool(s string) (bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

func microsToTime(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

func timeToMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

// ---------------------------------------------------------------------------
// Categorical dictionary
// ---------------------------------------------------------------------------

// Dictionary interns the values of categorical columns so repeated values
// share one string. It is scoped to a single load.
type Dictionary struct {
	columns map[string]map[string]string
}

// NewDictionary returns an empty Dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{columns: make(map[string]map[string]string)}
}

// Intern returns the canonical copy of v for column col.
func (d *Dictionary) Intern(col, v string) string {
	if d == nil {
		return v
	}
	values, ok := d.columns[col]
	if !ok {
		values = make(map[string]string)
		d.columns[col] = values
	}
	if canonical, ok := values[v]; ok {
		return canonical
	}
	v = strings.Clone(v)
	values[v] = v
	return v
}

// Cardinality returns the number of distinct values seen for col.
func (d *Dictionary) Cardinality(col string) int {
	if d == nil {
		return 0
	}
	return len(d.columns[col])
}
