package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"dlmetrics/internal/domain"
)

// Options are the per-invocation knobs of a collection run.
type Options struct {
	// StartDate overrides the candidate window start.
	StartDate *time.Time
	// MaxDays overrides the dataset lookback when positive.
	MaxDays int
	// Force accepts the caller's window as authoritative: no gap error, no
	// narrowing or advancing from stored coverage.
	Force bool
	// DryRun fetches (or estimates) without returning rows and never
	// persists.
	DryRun bool
}

// Result summarizes one dataset run.
type Result struct {
	Dataset   string
	RunID     string
	Window    Window // zero for point-in-time sources
	Previous  int
	Fetched   int
	Merged    int
	Persisted bool
	Elapsed   time.Duration
}

// Recorder observes finished runs. It is implemented by the telemetry
// package.
type Recorder interface {
	Record(res Result, err error)
}

// Job is one dataset pipeline, independent of its row type.
type Job interface {
	Name() string
	Run(ctx context.Context, opts Options) (Result, error)
}

// CollectorConfig wires a dataset pipeline.
type CollectorConfig[R Row] struct {
	Name     string
	Entities []string
	MaxDays  int
	Source   Source[R]
	Snapshot Snapshot[R]
	Policy   *Policy
	Logger   *slog.Logger
	Recorder Recorder
	// Compact, when set, post-processes the merged table. It must not
	// modify its argument in place.
	Compact func(rows []R) []R
	// AfterCollect, when set, receives the merged table of a successful
	// run, including dry runs.
	AfterCollect func(ctx context.Context, rows []R, opts Options) error
}

// Collector runs load, window, fetch, merge and persist for one dataset.
type Collector[R Row] struct {
	cfg CollectorConfig[R]
	log *slog.Logger
}

var _ Job = (*Collector[domain.PyPIDownload])(nil)

// NewCollector creates a Collector from cfg.
func NewCollector[R Row](cfg CollectorConfig[R]) *Collector[R] {
	if cfg.Policy == nil {
		cfg.Policy = NewPolicy(nil)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Collector[R]{
		cfg: cfg,
		log: log.With("dataset", cfg.Name),
	}
}

// Name returns the dataset name.
func (c *Collector[R]) Name() string { return c.cfg.Name }

// Run implements Job.
func (c *Collector[R]) Run(ctx context.Context, opts Options) (Result, error) {
	_, res, err := c.Collect(ctx, opts)
	return res, err
}

// Collect runs the pipeline and returns the merged table. On error the
// stored snapshot is left untouched.
func (c *Collector[R]) Collect(ctx context.Context, opts Options) (rows []R, res Result, err error) {
	started := time.Now()
	res = Result{Dataset: c.cfg.Name, RunID: uuid.NewString()}
	log := c.log.With("run_id", res.RunID)
	defer func() {
		res.Elapsed = time.Since(started)
		if c.cfg.Recorder != nil {
			c.cfg.Recorder.Record(res, err)
		}
	}()

	// 1. Load what is already stored.
	previous, err := c.cfg.Snapshot.Load(ctx)
	if err != nil {
		return nil, res, fmt.Errorf("loading %s: %w", c.cfg.Snapshot.Location(), err)
	}
	res.Previous = len(previous)
	log.Info("snapshot loaded", "location", c.cfg.Snapshot.Location(), "rows", len(previous))

	// 2. Decide what to query.
	var window Window
	if c.cfg.Source.Windowed() {
		maxDays := c.cfg.MaxDays
		if opts.MaxDays > 0 {
			maxDays = opts.MaxDays
		}
		cov := CoverageOf(previous, c.cfg.Entities)
		window, err = c.cfg.Policy.Resolve(opts.StartDate, cov, maxDays, opts.Force)
		if err != nil {
			return nil, res, err
		}
		res.Window = window
		log.Info("window resolved", "window", window.String(), "force", opts.Force)
	}

	// 3. Fetch.
	incoming, err := c.cfg.Source.Fetch(ctx, c.cfg.Entities, window, opts.DryRun)
	if err != nil {
		return nil, res, Unavailable(c.cfg.Source.Name(), "", err)
	}
	res.Fetched = len(incoming)

	// 4. Merge.
	merged := Merge(previous, incoming)
	if c.cfg.Compact != nil {
		merged = c.cfg.Compact(merged)
	}
	res.Merged = len(merged)

	// 5. Persist unless nothing changed.
	switch {
	case opts.DryRun:
		log.Info("dry run, not persisting", "fetched", len(incoming))
	case len(merged) == 0:
		log.Info("empty result, not persisting")
	case Equal(merged, previous):
		log.Info("snapshot unchanged, not persisting", "fetched", len(incoming))
	default:
		if err := c.cfg.Snapshot.Persist(ctx, merged); err != nil {
			return nil, res, fmt.Errorf("persisting %s: %w", c.cfg.Snapshot.Location(), err)
		}
		res.Persisted = true
		log.Info("snapshot persisted", "location", c.cfg.Snapshot.Location(),
			"previous", len(previous), "fetched", len(incoming), "rows", len(merged))
	}

	if c.cfg.AfterCollect != nil {
		if err := c.cfg.AfterCollect(ctx, merged, opts); err != nil {
			return merged, res, fmt.Errorf("post-collect: %w", err)
		}
	}
	return merged, res, nil
}

// Failed returns a Job standing in for a dataset whose collaborators could
// not be built. Running it records and returns err as a source failure, so
// the other datasets of the run still go ahead.
func Failed(name string, err error, rec Recorder) Job {
	return &failedJob{name: name, err: Unavailable(name, "", err), rec: rec}
}

type failedJob struct {
	name string
	err  error
	rec  Recorder
}

func (j *failedJob) Name() string { return j.name }

func (j *failedJob) Run(context.Context, Options) (Result, error) {
	res := Result{Dataset: j.name, RunID: uuid.NewString()}
	if j.rec != nil {
		j.rec.Record(res, j.err)
	}
	return res, j.err
}

// RunAll runs every job in order. A failing job does not stop the others;
// all failures are returned together.
func RunAll(ctx context.Context, jobs []Job, opts Options, log *slog.Logger) ([]Result, error) {
	if log == nil {
		log = slog.Default()
	}
	var (
		results []Result
		merr    *multierror.Error
	)
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			merr = multierror.Append(merr, err)
			break
		}
		res, err := job.Run(ctx, opts)
		results = append(results, res)
		if err != nil {
			level := slog.LevelError
			if errors.Is(err, ErrGap) {
				level = slog.LevelWarn
			}
			log.Log(ctx, level, "dataset failed", "dataset", job.Name(), "error", err)
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", job.Name(), err))
			continue
		}
		log.Info("dataset done", "dataset", job.Name(), "persisted", res.Persisted,
			"rows", res.Merged, "elapsed", res.Elapsed.Round(time.Millisecond))
	}
	return results, merr.ErrorOrNil()
}
