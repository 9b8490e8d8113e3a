// Package conda collects daily conda package downloads from the public
// hourly parquet dataset published by Anaconda.
package conda

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"golang.org/x/sync/errgroup"

	"dlmetrics/internal/domain"
	"dlmetrics/internal/gather"
	"dlmetrics/internal/util"
)

// Name is the dataset and source identifier.
const Name = "conda"

// hourlyRecord is the schema of the published hourly partitions.
type hourlyRecord struct {
	Time        time.Time `parquet:"time,optional"`
	DataSource  string    `parquet:"data_source,optional"`
	PkgName     string    `parquet:"pkg_name,optional"`
	PkgVersion  string    `parquet:"pkg_version,optional"`
	PkgPlatform string    `parquet:"pkg_platform,optional"`
	PkgPython   string    `parquet:"pkg_python,optional"`
	Counts      int64     `parquet:"counts,optional"`
}

// Source reads one parquet partition per day of the window.
type Source struct {
	bucket  Bucket
	cache   *ListingCache
	workers int
	log     *slog.Logger
}

var _ gather.Source[domain.CondaDownload] = (*Source)(nil)

// NewSource creates a Source reading bucket with at most workers partitions
// in flight.
func NewSource(bucket Bucket, workers int, log *slog.Logger) *Source {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		bucket:  bucket,
		cache:   NewListingCache(bucket),
		workers: workers,
		log:     log.With("source", Name),
	}
}

// Name implements gather.Source.
func (s *Source) Name() string { return Name }

// Windowed implements gather.Source.
func (s *Source) Windowed() bool { return true }

// Cache exposes the partition listing cache.
func (s *Source) Cache() *ListingCache { return s.cache }

// Fetch reads every published partition in w. Days after the last
// published one are not out yet and are skipped; a missing day before a
// published one is a hole in the upstream dataset and fails the fetch.
// A dry run reads the same partitions but returns no rows.
func (s *Source) Fetch(ctx context.Context, pkgs []string, w gather.Window, dryRun bool) ([]domain.CondaDownload, error) {
	days, err := s.publishedDays(ctx, w)
	if err != nil {
		return nil, err
	}
	if len(days) == 0 {
		s.log.Info("no published partitions in window", "window", w.String())
		return nil, nil
	}
	tracked := make(map[string]struct{}, len(pkgs))
	for _, p := range pkgs {
		tracked[p] = struct{}{}
	}

	var (
		mu   sync.Mutex
		rows []domain.CondaDownload
	)
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(s.workers)
	for _, day := range days {
		grp.Go(func() error {
			dayRows, err := s.readDay(gctx, day, tracked)
			if err != nil {
				return err
			}
			mu.Lock()
			rows = append(rows, dayRows...)
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	s.log.Info("partitions read", "partitions", len(days), "rows", len(rows),
		"first", domain.DayKey(days[0]), "last", domain.DayKey(days[len(days)-1]), "dry_run", dryRun)
	if dryRun {
		return nil, nil
	}
	return rows, nil
}

// publishedDays returns the days of w whose partition is available.
func (s *Source) publishedDays(ctx context.Context, w gather.Window) ([]time.Time, error) {
	all := util.Days(w.Start, w.End)
	published := make([]bool, len(all))
	last := -1
	for i, day := range all {
		ok, err := s.cache.Published(ctx, day)
		if err != nil {
			return nil, gather.Unavailable(Name, "", err)
		}
		published[i] = ok
		if ok {
			last = i
		}
	}

	var days []time.Time
	for i := 0; i <= last; i++ {
		if !published[i] {
			return nil, gather.Unavailable(Name, "", fmt.Errorf("partition %s is missing", partitionKey(all[i])))
		}
		days = append(days, all[i])
	}
	if pending := len(all) - 1 - last; pending > 0 {
		s.log.Info("partitions not yet published", "days", pending, "from", domain.DayKey(all[last+1]))
	}
	return days, nil
}

// readDay rolls the hourly rows of one day up to one row per package build
// and adds a zero row for every tracked package absent that day.
func (s *Source) readDay(ctx context.Context, day time.Time, tracked map[string]struct{}) ([]domain.CondaDownload, error) {
	key := partitionKey(day)
	data, err := s.bucket.Get(ctx, key)
	if errors.Is(err, ErrNoObject) {
		return nil, gather.Unavailable(Name, "", fmt.Errorf("partition %s disappeared after listing", key))
	}
	if err != nil {
		return nil, gather.Unavailable(Name, "", err)
	}

	records, err := parquet.Read[hourlyRecord](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, gather.Unavailable(Name, "", fmt.Errorf("decoding %s: %w", key, err))
	}

	type rollupKey struct {
		source, name, version, platform, python string
	}
	daily := make(map[rollupKey]*domain.CondaDownload)
	seen := make(map[string]bool, len(tracked))
	for _, r := range records {
		if _, ok := tracked[r.PkgName]; !ok {
			continue
		}
		k := rollupKey{r.DataSource, r.PkgName, r.PkgVersion, r.PkgPlatform, r.PkgPython}
		d, ok := daily[k]
		if !ok {
			d = &domain.CondaDownload{
				DataSource:  r.DataSource,
				PkgName:     r.PkgName,
				PkgVersion:  r.PkgVersion,
				PkgPlatform: r.PkgPlatform,
				PkgPython:   r.PkgPython,
			}
			daily[k] = d
		}
		d.Counts += r.Counts
		if ts := r.Time.UTC(); ts.After(d.Timestamp) {
			d.Timestamp = ts
		}
		seen[r.PkgName] = true
	}

	rows := make([]domain.CondaDownload, 0, len(daily)+len(tracked))
	for _, d := range daily {
		if d.Timestamp.IsZero() {
			d.Timestamp = day
		}
		rows = append(rows, *d)
	}
	for name := range tracked {
		if !seen[name] {
			rows = append(rows, domain.CondaDownload{Timestamp: day, PkgName: name})
		}
	}
	s.log.Debug("partition read", "key", key, "records", len(records), "rows", len(rows))
	return rows, nil
}
