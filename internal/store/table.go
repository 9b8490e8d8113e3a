package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"dlmetrics/internal/domain"
)

// Supported table formats, chosen by file extension.
const (
	FormatCSV     = ".csv"
	FormatParquet = ".parquet"
)

// Table is the complete stored history of one dataset at one location.
type Table[R domain.Record] struct {
	backend Backend
	loc     Location
	codec   Codec[R]
}

// NewTable creates a Table for location, stored through backend and encoded
// with codec according to the location's extension.
func NewTable[R domain.Record](backend Backend, location string, codec Codec[R]) (*Table[R], error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	switch loc.Ext() {
	case FormatCSV, FormatParquet:
	default:
		return nil, fmt.Errorf("store: unsupported table format %q for %s", loc.Ext(), loc)
	}
	return &Table[R]{backend: backend, loc: loc, codec: codec}, nil
}

// Location returns the table address.
func (t *Table[R]) Location() string { return t.loc.String() }

// Load returns every stored row. A table that was never written loads as
// an empty, non-nil slice.
func (t *Table[R]) Load(ctx context.Context) ([]R, error) {
	data, err := t.backend.Read(ctx, t.loc)
	if errors.Is(err, ErrNotExist) {
		return []R{}, nil
	}
	if err != nil {
		return nil, err
	}

	dict := NewDictionary()
	var rows []R
	switch t.loc.Ext() {
	case FormatParquet:
		rows, err = t.codec.ReadParquet(data, dict)
	default:
		rows, err = decodeCSV(t.codec, data, dict)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", t.loc, err)
	}
	return rows, nil
}

// Persist replaces the stored table with rows. The whole table is encoded
// in memory first and handed to the backend as one write.
func (t *Table[R]) Persist(ctx context.Context, rows []R) error {
	data, err := t.Encode(rows)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", t.loc, err)
	}
	return t.backend.Write(ctx, t.loc, data)
}

// Encode renders rows in the table's format.
func (t *Table[R]) Encode(rows []R) ([]byte, error) {
	if t.loc.Ext() == FormatParquet {
		var buf bytes.Buffer
		if err := t.codec.WriteParquet(&buf, rows); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return encodeCSV(t.codec, rows)
}

// contentType maps a location to the MIME type used by remote backends.
func contentType(loc Location) string {
	switch loc.Ext() {
	case FormatCSV:
		return "text/csv"
	case FormatParquet:
		return "application/vnd.apache.parquet"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}
