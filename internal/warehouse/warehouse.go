// Package warehouse runs read-only analytical SQL against the download
// telemetry tables: BigQuery's public dataset in production, or a local
// SQLite mirror with the same flattened shape.
package warehouse

import (
	"context"
	"fmt"
)

// Dialect selects the SQL flavour a query must be written in.
type Dialect string

const (
	DialectBigQuery Dialect = "bigquery"
	DialectSQLite   Dialect = "sqlite"
)

// ResultSet is a fully materialized query result. NULL values read as "".
type ResultSet struct {
	Columns        []string
	Rows           [][]string
	BytesProcessed int64
	BytesBilled    int64
}

// Index returns the position of column name, or -1.
func (rs *ResultSet) Index(name string) int {
	for i, c := range rs.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Warehouse executes queries. Estimate must not incur any query cost.
type Warehouse interface {
	Dialect() Dialect
	// Estimate returns the number of bytes the query would process.
	Estimate(ctx context.Context, query string) (int64, error)
	// Query executes the query and returns every row.
	Query(ctx context.Context, query string) (*ResultSet, error)
	Close() error
}

// Config selects and configures a Warehouse.
type Config struct {
	Driver          string // "bigquery" or "sqlite"
	DSN             string // sqlite database path
	Project         string // bigquery billing project
	Location        string // bigquery job location
	CredentialsFile string // bigquery service account key
	CredentialsJSON []byte // takes precedence over CredentialsFile
}

// Open creates the Warehouse described by cfg.
func Open(ctx context.Context, cfg Config) (Warehouse, error) {
	switch Dialect(cfg.Driver) {
	case DialectBigQuery, "":
		return NewBigQuery(ctx, cfg)
	case DialectSQLite:
		return OpenSQLite(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown warehouse driver %q", cfg.Driver)
	}
}
