package pypi

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlmetrics/internal/domain"
	"dlmetrics/internal/gather"
	"dlmetrics/internal/warehouse"
)

func window(start, end string) gather.Window {
	s, _ := time.Parse(time.DateOnly, start)
	e, _ := time.Parse(time.DateOnly, end)
	return gather.Window{Start: s, End: e}
}

// countingWarehouse records which calls were made.
type countingWarehouse struct {
	warehouse.Warehouse
	estimates, queries int
	estimateErr        error
}

func (c *countingWarehouse) Dialect() warehouse.Dialect { return warehouse.DialectBigQuery }

func (c *countingWarehouse) Estimate(context.Context, string) (int64, error) {
	c.estimates++
	return 5 << 30, c.estimateErr
}

func (c *countingWarehouse) Query(context.Context, string) (*warehouse.ResultSet, error) {
	c.queries++
	return &warehouse.ResultSet{Columns: resultColumns}, nil
}

func TestDryRunNeverQueries(t *testing.T) {
	wh := &countingWarehouse{}
	rows, err := NewSource(wh, nil).Fetch(context.Background(), []string{"sdv"}, window("2024-01-01", "2024-01-03"), true)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 1, wh.estimates)
	assert.Zero(t, wh.queries)
}

func TestEstimateFailureStopsBeforeQuery(t *testing.T) {
	wh := &countingWarehouse{estimateErr: errors.New("credentials expired")}
	_, err := NewSource(wh, nil).Fetch(context.Background(), []string{"sdv"}, window("2024-01-01", "2024-01-03"), false)
	require.ErrorIs(t, err, gather.ErrSourceUnavailable)
	assert.Zero(t, wh.queries)
}

func TestEmptyWindowSkipsWarehouse(t *testing.T) {
	wh := &countingWarehouse{}
	rows, err := NewSource(wh, nil).Fetch(context.Background(), []string{"sdv"}, window("2024-01-03", "2024-01-03"), false)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Zero(t, wh.estimates)
}

func TestBuildQuery(t *testing.T) {
	w := window("2024-01-01", "2024-01-03")

	q, err := BuildQuery(warehouse.DialectBigQuery, []string{"sdv", "rdt"}, w)
	require.NoError(t, err)
	assert.Contains(t, q, "file.project IN ('sdv', 'rdt')")
	assert.Contains(t, q, "timestamp >= TIMESTAMP('2024-01-01')")
	assert.Contains(t, q, "timestamp < TIMESTAMP('2024-01-03')")
	assert.Contains(t, q, "`bigquery-public-data.pypi.file_downloads`")

	q, err = BuildQuery(warehouse.DialectSQLite, []string{"sdv"}, w)
	require.NoError(t, err)
	assert.Contains(t, q, "timestamp_us >= 1704067200000000")
	assert.True(t, strings.Contains(q, "FROM file_downloads"))

	_, err = BuildQuery(warehouse.DialectBigQuery, []string{"sdv'); DROP TABLE x; --"}, w)
	assert.Error(t, err)
	_, err = BuildQuery(warehouse.DialectBigQuery, nil, w)
	assert.Error(t, err)
	_, err = BuildQuery("oracle", []string{"sdv"}, w)
	assert.Error(t, err)
}

func TestFetchFromSQLite(t *testing.T) {
	ctx := context.Background()
	wh, err := warehouse.OpenSQLite(ctx, filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	defer wh.Close()

	jan1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, wh.InsertDownloads(ctx, []warehouse.Download{
		{Timestamp: jan1.Add(1 * time.Hour), Project: "sdv", CountryCode: "US", Version: "1.0"},
		{Timestamp: jan1.Add(5 * time.Hour), Project: "sdv", CountryCode: "US", Version: "1.0"},
		{Timestamp: jan1.Add(6 * time.Hour), Project: "sdv", CountryCode: "FR", Version: "1.0"},
		{Timestamp: jan1.Add(26 * time.Hour), Project: "sdv", CountryCode: "US", Version: "1.0"},
		// outside the window
		{Timestamp: jan1.Add(-time.Hour), Project: "sdv", CountryCode: "US", Version: "1.0"},
		{Timestamp: jan1.Add(48 * time.Hour), Project: "sdv", CountryCode: "US", Version: "1.0"},
		// untracked project
		{Timestamp: jan1.Add(time.Hour), Project: "numpy", CountryCode: "US", Version: "2.0"},
	}))

	rows, err := NewSource(wh, nil).Fetch(ctx, []string{"sdv", "copulas"}, window("2024-01-01", "2024-01-03"), false)
	require.NoError(t, err)

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].Timestamp.Before(rows[j].Timestamp)
		}
		return rows[i].Key() < rows[j].Key()
	})
	type got struct {
		project, country string
		ts               time.Time
		downloads        int64
	}
	var summary []got
	for _, r := range rows {
		summary = append(summary, got{r.Project, r.CountryCode, r.Timestamp, r.Downloads})
	}
	assert.Equal(t, []got{
		{"sdv", "US", jan1.Add(5 * time.Hour), 2},
		{"sdv", "FR", jan1.Add(6 * time.Hour), 1},
		{"copulas", "", jan1.Add(24 * time.Hour), 0},
		{"sdv", "US", jan1.Add(26 * time.Hour), 1},
	}, summary)
}

func TestFetchedRowsMergeIdempotently(t *testing.T) {
	ctx := context.Background()
	wh, err := warehouse.OpenSQLite(ctx, filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	defer wh.Close()

	ts := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	require.NoError(t, wh.InsertDownloads(ctx, []warehouse.Download{{Timestamp: ts, Project: "sdv"}}))

	src := NewSource(wh, nil)
	w := window("2024-01-01", "2024-01-02")
	first, err := src.Fetch(ctx, []string{"sdv"}, w, false)
	require.NoError(t, err)

	require.NoError(t, wh.InsertDownloads(ctx, []warehouse.Download{{Timestamp: ts.Add(time.Hour), Project: "sdv"}}))
	second, err := src.Fetch(ctx, []string{"sdv"}, w, false)
	require.NoError(t, err)

	merged := gather.Merge(gather.Merge([]domain.PyPIDownload{}, first), second)
	require.Len(t, merged, 1)
	assert.Equal(t, int64(2), merged[0].Downloads)
	assert.Equal(t, ts.Add(time.Hour), merged[0].Timestamp)
}

func TestRefetchReplacesZeroRow(t *testing.T) {
	ctx := context.Background()
	wh, err := warehouse.OpenSQLite(ctx, filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	defer wh.Close()

	src := NewSource(wh, nil)
	w := window("2024-01-01", "2024-01-02")
	first, err := src.Fetch(ctx, []string{"sdv"}, w, false)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Zero(t, first[0].Downloads)

	// Downloads for the same day show up late in the warehouse.
	ts := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	require.NoError(t, wh.InsertDownloads(ctx, []warehouse.Download{{Timestamp: ts, Project: "sdv", Version: "1.0.0"}}))
	second, err := src.Fetch(ctx, []string{"sdv"}, w, false)
	require.NoError(t, err)

	merged := gather.Merge(gather.Merge([]domain.PyPIDownload{}, first), second)
	require.Len(t, merged, 2, "zero row and real row have different keys")

	compacted := DropSupersededZeros(merged)
	require.Len(t, compacted, 1)
	assert.Equal(t, "1.0.0", compacted[0].Version)
	assert.Equal(t, int64(1), compacted[0].Downloads)
	assert.Len(t, merged, 2, "input left untouched")
}

func TestDropSupersededZerosKeepsLoneZeros(t *testing.T) {
	day1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	rows := []domain.PyPIDownload{
		{Timestamp: day1, Project: "rdt"},
		{Timestamp: day1, Project: "sdv"},
		{Timestamp: day1.Add(5 * time.Hour), Project: "sdv", CountryCode: "US", Downloads: 3},
		{Timestamp: day2, Project: "sdv"},
	}

	got := DropSupersededZeros(rows)
	assert.Equal(t, []domain.PyPIDownload{rows[0], rows[2], rows[3]}, got)

	clean := []domain.PyPIDownload{rows[0], rows[3]}
	assert.Equal(t, clean, DropSupersededZeros(clean))
}
