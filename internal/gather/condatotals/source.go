// Package condatotals records the cumulative per-package download totals
// reported by the anaconda.org registry.
package condatotals

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"dlmetrics/internal/domain"
	"dlmetrics/internal/gather"
	"dlmetrics/pkg/anaconda"
)

// Name is the dataset and source identifier.
const Name = "conda_totals"

// DefaultChannel is queried when no channel is configured.
const DefaultChannel = "conda-forge"

// Registry returns the download summary of one package.
type Registry interface {
	GetPackage(ctx context.Context, channel, name string) (*anaconda.Package, error)
}

var _ Registry = (*anaconda.Client)(nil)

// Source takes one point-in-time reading per package.
type Source struct {
	registry Registry
	channel  string
	workers  int
	clock    quartz.Clock
	log      *slog.Logger
}

var _ gather.Source[domain.CondaTotal] = (*Source)(nil)

// NewSource creates a Source querying channel with at most workers
// requests in flight.
func NewSource(registry Registry, channel string, workers int, clock quartz.Clock, log *slog.Logger) *Source {
	if channel == "" {
		channel = DefaultChannel
	}
	if workers < 1 {
		workers = 1
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		registry: registry,
		channel:  channel,
		workers:  workers,
		clock:    clock,
		log:      log.With("source", Name, "channel", channel),
	}
}

// Name implements gather.Source.
func (s *Source) Name() string { return Name }

// Windowed implements gather.Source. Totals are cumulative, so the
// window does not apply.
func (s *Source) Windowed() bool { return false }

// Fetch reads the current total of every package. A package the registry
// does not know is recorded with a zero total. A dry run queries the
// registry the same way but returns no rows.
func (s *Source) Fetch(ctx context.Context, pkgs []string, _ gather.Window, dryRun bool) ([]domain.CondaTotal, error) {
	now := s.clock.Now("condatotals", "fetch").UTC()

	var (
		mu   sync.Mutex
		rows = make([]domain.CondaTotal, 0, len(pkgs))
	)
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(s.workers)
	for _, name := range pkgs {
		grp.Go(func() error {
			pkg, err := s.registry.GetPackage(gctx, s.channel, name)
			if err != nil {
				return gather.Unavailable(Name, name, err)
			}
			if pkg.NotFound {
				s.log.Warn("package not found in registry", "package", name)
			}
			mu.Lock()
			rows = append(rows, domain.CondaTotal{
				Timestamp:       now,
				Channel:         s.channel,
				PkgName:         name,
				TotalNDownloads: pkg.TotalDownloads,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	s.log.Info("registry totals read", "packages", len(rows), "dry_run", dryRun)
	if dryRun {
		return nil, nil
	}
	return rows, nil
}
