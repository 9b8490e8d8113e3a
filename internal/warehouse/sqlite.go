package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// SQLite is a local warehouse holding a flattened copy of the public
// downloads table, one row per download.
type SQLite struct {
	db *sql.DB
}

var _ Warehouse = (*SQLite)(nil)

// mirrorSchema mirrors the columns selected from the public dataset, with
// the timestamp stored as unix microseconds.
const mirrorSchema = `
CREATE TABLE IF NOT EXISTS file_downloads (
	timestamp_us           INTEGER NOT NULL,
	country_code           TEXT,
	project                TEXT NOT NULL,
	version                TEXT,
	type                   TEXT,
	installer_name         TEXT,
	implementation_name    TEXT,
	implementation_version TEXT,
	distro_name            TEXT,
	distro_version         TEXT,
	system_name            TEXT,
	system_release         TEXT,
	cpu                    TEXT
);
CREATE INDEX IF NOT EXISTS file_downloads_project_ts ON file_downloads (project, timestamp_us);
`

// OpenSQLite opens (or creates) the SQLite warehouse at dsn and makes sure
// the mirror table exists.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, mirrorSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating mirror schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Dialect implements Warehouse.
func (s *SQLite) Dialect() Dialect { return DialectSQLite }

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Estimate validates the query with EXPLAIN and reports the database size,
// which bounds what any query over it can read.
func (s *SQLite) Estimate(ctx context.Context, query string) (int64, error) {
	rows, err := s.db.QueryContext(ctx, "EXPLAIN "+query)
	if err != nil {
		return 0, fmt.Errorf("sqlite explain: %w", err)
	}
	rows.Close()

	var pages, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return 0, fmt.Errorf("sqlite page_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("sqlite page_size: %w", err)
	}
	return pages * pageSize, nil
}

// Query implements Warehouse.
func (s *SQLite) Query(ctx context.Context, query string) (*ResultSet, error) {
	estimate, err := s.Estimate(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	rs := &ResultSet{Columns: cols, BytesProcessed: estimate}
	for rows.Next() {
		raw := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		values := make([]string, len(cols))
		for i, v := range raw {
			values[i] = v.String
		}
		rs.Rows = append(rs.Rows, values)
	}
	return rs, rows.Err()
}

// Download is one raw download in the mirror table.
type Download struct {
	Timestamp             time.Time
	CountryCode           string
	Project               string
	Version               string
	Type                  string
	InstallerName         string
	ImplementationName    string
	ImplementationVersion string
	DistroName            string
	DistroVersion         string
	SystemName            string
	SystemRelease         string
	CPU                   string
}

// InsertDownloads appends raw downloads to the mirror table in one
// transaction.
func (s *SQLite) InsertDownloads(ctx context.Context, downloads []Download) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO file_downloads VALUES (`+
		strings.TrimSuffix(strings.Repeat("?, ", 13), ", ")+`)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, d := range downloads {
		if _, err := stmt.ExecContext(ctx,
			d.Timestamp.UnixMicro(), nullable(d.CountryCode), d.Project, nullable(d.Version),
			nullable(d.Type), nullable(d.InstallerName), nullable(d.ImplementationName),
			nullable(d.ImplementationVersion), nullable(d.DistroName), nullable(d.DistroVersion),
			nullable(d.SystemName), nullable(d.SystemRelease), nullable(d.CPU),
		); err != nil {
			return fmt.Errorf("inserting download: %w", err)
		}
	}
	return tx.Commit()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
