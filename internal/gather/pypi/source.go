// Package pypi collects daily package download counts from the public PyPI
// downloads table through a SQL warehouse.
package pypi

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"dlmetrics/internal/domain"
	"dlmetrics/internal/gather"
	"dlmetrics/internal/warehouse"
)

// Name is the dataset and source identifier.
const Name = "pypi"

// Source queries the downloads table one window at a time.
type Source struct {
	wh  warehouse.Warehouse
	log *slog.Logger
}

var _ gather.Source[domain.PyPIDownload] = (*Source)(nil)

// NewSource creates a Source backed by wh.
func NewSource(wh warehouse.Warehouse, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{wh: wh, log: log.With("source", Name)}
}

// Name implements gather.Source.
func (s *Source) Name() string { return Name }

// Windowed implements gather.Source.
func (s *Source) Windowed() bool { return true }

// Fetch always runs the cost estimate first and logs it; a dry run stops
// there. Projects without any download in a non-empty window get a zero
// row on the window's last day.
func (s *Source) Fetch(ctx context.Context, projects []string, w gather.Window, dryRun bool) ([]domain.PyPIDownload, error) {
	if w.Empty() {
		s.log.Info("empty window, nothing to query", "window", w.String())
		return nil, nil
	}

	query, err := BuildQuery(s.wh.Dialect(), projects, w)
	if err != nil {
		return nil, err
	}
	s.log.Info("querying downloads", "projects", projects, "window", w.String())
	s.log.Debug("query", "sql", query)

	estimate, err := s.wh.Estimate(ctx, query)
	if err != nil {
		return nil, gather.Unavailable(Name, "", err)
	}
	s.log.Info("query estimate", "bytes", estimate, "size", humanize.Bytes(uint64(estimate)))
	if dryRun {
		return nil, nil
	}

	rs, err := s.wh.Query(ctx, query)
	if err != nil {
		return nil, gather.Unavailable(Name, "", err)
	}
	s.log.Info("query done", "rows", len(rs.Rows),
		"processed", humanize.Bytes(uint64(rs.BytesProcessed)),
		"billed", humanize.Bytes(uint64(rs.BytesBilled)))

	rows, err := decodeRows(rs)
	if err != nil {
		return nil, gather.Unavailable(Name, "", err)
	}
	return appendMissing(rows, projects, w), nil
}

func decodeRows(rs *warehouse.ResultSet) ([]domain.PyPIDownload, error) {
	idx := make([]int, len(resultColumns))
	for i, col := range resultColumns {
		if idx[i] = rs.Index(col); idx[i] < 0 {
			return nil, fmt.Errorf("result is missing column %q", col)
		}
	}

	rows := make([]domain.PyPIDownload, 0, len(rs.Rows))
	for n, r := range rs.Rows {
		v := func(i int) string { return r[idx[i]] }

		us, err := strconv.ParseInt(v(0), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: last_ts %q: %w", n, v(0), err)
		}
		downloads, err := strconv.ParseInt(v(13), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: downloads %q: %w", n, v(13), err)
		}
		rows = append(rows, domain.PyPIDownload{
			Timestamp:             time.UnixMicro(us).UTC(),
			CountryCode:           v(1),
			Project:               v(2),
			Version:               v(3),
			Type:                  v(4),
			InstallerName:         v(5),
			ImplementationName:    v(6),
			ImplementationVersion: v(7),
			DistroName:            v(8),
			DistroVersion:         v(9),
			SystemName:            v(10),
			SystemRelease:         v(11),
			CPU:                   v(12),
			Downloads:             downloads,
		})
	}
	return rows, nil
}

// appendMissing adds a zero row, dated at the last day of w, for every
// project without downloads in rows.
func appendMissing(rows []domain.PyPIDownload, projects []string, w gather.Window) []domain.PyPIDownload {
	seen := make(map[string]bool, len(projects))
	for _, r := range rows {
		seen[r.Project] = true
	}
	lastDay := w.End.AddDate(0, 0, -1)
	for _, p := range projects {
		if !seen[p] {
			rows = append(rows, domain.PyPIDownload{Timestamp: lastDay, Project: p})
		}
	}
	return rows
}

// isPlaceholder reports whether d is a zero row added by appendMissing.
func isPlaceholder(d domain.PyPIDownload) bool {
	return d == domain.PyPIDownload{Timestamp: d.Timestamp, Project: d.Project}
}

// DropSupersededZeros removes the zero row of a (project, day) once real
// download rows exist for that project and day. It returns rows itself
// when nothing is dropped.
func DropSupersededZeros(rows []domain.PyPIDownload) []domain.PyPIDownload {
	type projectDay struct {
		project string
		day     string
	}
	active := make(map[projectDay]bool)
	for _, r := range rows {
		if !isPlaceholder(r) {
			active[projectDay{r.Project, domain.DayKey(r.Timestamp)}] = true
		}
	}

	var out []domain.PyPIDownload
	for i, r := range rows {
		stale := isPlaceholder(r) && active[projectDay{r.Project, domain.DayKey(r.Timestamp)}]
		switch {
		case stale && out == nil:
			out = append(make([]domain.PyPIDownload, 0, len(rows)), rows[:i]...)
		case !stale && out != nil:
			out = append(out, r)
		}
	}
	if out == nil {
		return rows
	}
	return out
}
