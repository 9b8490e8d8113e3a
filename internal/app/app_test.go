package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlmetrics/internal/config"
	"dlmetrics/internal/gather"
	"dlmetrics/internal/store"
	"dlmetrics/internal/warehouse"
)

func off() *bool { b := false; return &b }

type fixture struct {
	cfg   *config.Config
	dir   string
	wh    *warehouse.SQLite
	clock *quartz.Mock
	out   bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	wh, err := warehouse.OpenSQLite(context.Background(), filepath.Join(dir, "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { wh.Close() })

	cfg := &config.Config{
		Output: config.Output{Folder: dir},
		Datasets: config.Datasets{
			PyPI:        config.DatasetConfig{Projects: []string{"sdv", "rdt"}},
			Conda:       config.DatasetConfig{Enabled: off()},
			CondaTotals: config.DatasetConfig{Enabled: off()},
			GitHub:      config.DatasetConfig{Enabled: off()},
		},
		Summary: config.Summary{Ecosystems: []config.Ecosystem{{Name: "SDV", BaseProject: "sdv", DependencyProjects: []string{"rdt"}}}},
		Metrics: config.Metrics{Textfile: filepath.Join(dir, "dlmetrics.prom")},
	}
	cfg.ApplyDefaults()

	clock := quartz.NewMock(t)
	clock.Set(time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC))
	return &fixture{cfg: cfg, dir: dir, wh: wh, clock: clock}
}

func (f *fixture) app(t *testing.T) *App {
	t.Helper()
	a, err := New(context.Background(), f.cfg, nil, WithClock(f.clock), WithWarehouse(f.wh), WithOutput(&f.out))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestCollectPyPIWithMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.wh.InsertDownloads(ctx, []warehouse.Download{
		{Timestamp: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC), Project: "sdv", Version: "1.0.0", CountryCode: "US"},
		{Timestamp: time.Date(2024, 1, 2, 11, 0, 0, 0, time.UTC), Project: "sdv", Version: "1.0.0", CountryCode: "US"},
		{Timestamp: time.Date(2023, 12, 30, 11, 0, 0, 0, time.UTC), Project: "sdv", Version: "0.9.0"}, // outside the window
	}))

	a := f.app(t)
	results, err := a.Collect(ctx, CollectOptions{AddMetrics: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "pypi", results[0].Dataset)
	assert.True(t, results[0].Persisted)
	assert.Equal(t, 2, results[0].Merged, "one sdv row and one zero row for rdt")

	for _, name := range []string{"pypi.csv", "sdv.xlsx", "rdt.xlsx", "dlmetrics.prom"} {
		_, err := os.Stat(filepath.Join(f.dir, name))
		assert.NoError(t, err, name)
	}

	table, err := a.pypiTable()
	require.NoError(t, err)
	rows, err := table.Load(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		if r.Project == "sdv" {
			assert.EqualValues(t, 2, r.Downloads)
		} else {
			assert.EqualValues(t, 0, r.Downloads)
		}
	}

	// A second run the same day re-fetches the last stored day and finds
	// nothing new.
	results, err = a.Collect(ctx, CollectOptions{})
	require.NoError(t, err)
	assert.False(t, results[0].Persisted)
	assert.Equal(t, gather.Window{
		Start: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
	}, results[0].Window)
}

func TestCollectDryRunRendersMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.app(t)

	results, err := a.Collect(ctx, CollectOptions{AddMetrics: true, Options: gather.Options{DryRun: true}})
	require.NoError(t, err)
	assert.False(t, results[0].Persisted)
	assert.Contains(t, f.out.String(), "== sdv ==")

	_, err = os.Stat(filepath.Join(f.dir, "pypi.csv"))
	assert.True(t, os.IsNotExist(err))
}

func TestCollectUnknownDataset(t *testing.T) {
	a := newFixture(t).app(t)
	_, err := a.Collect(context.Background(), CollectOptions{Datasets: []string{"npm"}})
	assert.ErrorContains(t, err, "npm")
}

func TestJobsHonourSelection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.app(t)

	jobs := a.Jobs(ctx, CollectOptions{})
	require.Len(t, jobs, 1)
	assert.Equal(t, "pypi", jobs[0].Name())

	// Naming a dataset runs it even when disabled in the config.
	jobs = a.Jobs(ctx, CollectOptions{Datasets: []string{"github"}})
	require.Len(t, jobs, 1)
	assert.Equal(t, "github", jobs[0].Name())
}

func TestCollectRunsPastFailedSetup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var releaseCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/sdv-dev/SDV/releases", r.URL.Path)
		releaseCalls.Add(1)
		fmt.Fprint(w, `[{"tag_name":"v1.0.0","created_at":"2024-01-01T10:00:00Z","assets":[{"download_count":3}]}]`)
	}))
	t.Cleanup(srv.Close)
	f.cfg.GitHub.BaseURL = srv.URL
	f.cfg.Datasets.GitHub.Ecosystems = map[string][]string{"sdv-dev": {"sdv-dev/SDV"}}

	a := f.app(t)
	a.openWarehouse = func(context.Context) (warehouse.Warehouse, error) {
		return nil, errors.New("bad bigquery credentials")
	}

	results, err := a.Collect(ctx, CollectOptions{Datasets: []string{"pypi", "github"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, gather.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "bad bigquery credentials")

	require.Len(t, results, 2)
	assert.Equal(t, "pypi", results[0].Dataset)
	assert.False(t, results[0].Persisted)
	assert.Equal(t, "github", results[1].Dataset)
	assert.True(t, results[1].Persisted)
	assert.EqualValues(t, 1, releaseCalls.Load())

	_, err = os.Stat(filepath.Join(f.dir, config.DefaultGitHubFilename))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.dir, config.DefaultPyPIFilename))
	assert.True(t, os.IsNotExist(err))

	prom, err := os.ReadFile(f.cfg.Metrics.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `status="source_unavailable"`)
}

func TestMetricsAndSummarize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.wh.InsertDownloads(ctx, []warehouse.Download{
		{Timestamp: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC), Project: "sdv", Version: "1.0.0"},
		{Timestamp: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC), Project: "rdt", Version: "1.0.0"},
	}))
	a := f.app(t)
	_, err := a.Collect(ctx, CollectOptions{})
	require.NoError(t, err)

	require.NoError(t, a.Metrics(ctx, []string{"sdv"}, false))
	_, err = os.Stat(filepath.Join(f.dir, "sdv.xlsx"))
	assert.NoError(t, err)

	require.NoError(t, a.Summarize(ctx, false))
	_, err = os.Stat(filepath.Join(f.dir, config.DefaultSummaryFilename))
	assert.NoError(t, err)

	require.NoError(t, a.Summarize(ctx, true))
	assert.Contains(t, f.out.String(), "Total Since Beginning")
}

func TestNewRejectsBadOutputFolder(t *testing.T) {
	f := newFixture(t)
	f.cfg.Output.Folder = "gs://"
	_, err := New(context.Background(), f.cfg, nil, WithClock(f.clock))
	assert.Error(t, err)
}

func TestWithBackendSkipsRouter(t *testing.T) {
	f := newFixture(t)
	f.cfg.Output.Folder = "gdrive://folder-id"
	a, err := New(context.Background(), f.cfg, nil, WithBackend(store.NewRouter()))
	require.NoError(t, err)
	assert.NoError(t, a.Close())
}
