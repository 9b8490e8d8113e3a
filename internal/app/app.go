// Package app assembles the dataset pipelines from configuration and runs
// the collect, metrics and summarize operations.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"time"

	"cloud.google.com/go/storage"
	"github.com/coder/quartz"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"dlmetrics/internal/config"
	"dlmetrics/internal/domain"
	"dlmetrics/internal/gather"
	"dlmetrics/internal/gather/conda"
	"dlmetrics/internal/gather/condatotals"
	"dlmetrics/internal/gather/github"
	"dlmetrics/internal/gather/pypi"
	"dlmetrics/internal/metrics"
	"dlmetrics/internal/store"
	"dlmetrics/internal/telemetry"
	"dlmetrics/internal/util"
	"dlmetrics/internal/warehouse"
	"dlmetrics/pkg/anaconda"
)

// Datasets in run order.
var Datasets = []string{pypi.Name, conda.Name, condatotals.Name, github.Name}

// App holds the shared collaborators of one invocation.
type App struct {
	cfg   *config.Config
	log   *slog.Logger
	clock quartz.Clock
	out   io.Writer

	backend   store.Backend
	telemetry *telemetry.Metrics

	// Overridable for tests.
	openWarehouse func(ctx context.Context) (warehouse.Warehouse, error)
	condaBucket   func(ctx context.Context) (conda.Bucket, error)

	closers []func() error
}

// Option configures an App.
type Option func(*App)

// WithClock replaces the real clock.
func WithClock(c quartz.Clock) Option { return func(a *App) { a.clock = c } }

// WithBackend replaces the store router built from the output folder.
func WithBackend(b store.Backend) Option { return func(a *App) { a.backend = b } }

// WithOutput sets where dry-run tables are rendered (stdout by default).
func WithOutput(w io.Writer) Option { return func(a *App) { a.out = w } }

// WithWarehouse replaces the configured SQL warehouse.
func WithWarehouse(wh warehouse.Warehouse) Option {
	return func(a *App) {
		a.openWarehouse = func(context.Context) (warehouse.Warehouse, error) { return wh, nil }
	}
}

// WithCondaBucket replaces the public S3 bucket.
func WithCondaBucket(b conda.Bucket) Option {
	return func(a *App) {
		a.condaBucket = func(context.Context) (conda.Bucket, error) { return b, nil }
	}
}

// New creates an App. Remote store backends are only created for the
// scheme of the configured output folder.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{cfg: cfg, log: log, clock: quartz.NewReal(), out: os.Stdout}
	a.openWarehouse = a.defaultWarehouse
	a.condaBucket = func(ctx context.Context) (conda.Bucket, error) {
		return conda.NewS3Bucket(ctx, cfg.Anaconda.Bucket, cfg.Anaconda.Region, cfg.Anaconda.Endpoint)
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.backend == nil {
		router, err := a.newRouter(ctx)
		if err != nil {
			return nil, err
		}
		a.backend = router
	}

	tm, err := telemetry.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("creating telemetry: %w", err)
	}
	a.telemetry = tm
	return a, nil
}

// Close releases every client opened by the App.
func (a *App) Close() error {
	var merr *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	a.closers = nil
	return merr.ErrorOrNil()
}

// Telemetry returns the run counters.
func (a *App) Telemetry() *telemetry.Metrics { return a.telemetry }

func (a *App) newRouter(ctx context.Context) (*store.Router, error) {
	router := store.NewRouter()
	loc, err := store.ParseLocation(store.Join(a.cfg.Output.Folder, "snapshot"))
	if err != nil {
		return nil, fmt.Errorf("output folder: %w", err)
	}

	switch loc.Scheme {
	case store.SchemeGDrive:
		opts, err := googleOptions(ctx, a.cfg.Google.DriveCredentialsFile, drive.DriveScope)
		if err != nil {
			return nil, err
		}
		d, err := store.NewDrive(ctx, opts...)
		if err != nil {
			return nil, err
		}
		router.Register(store.SchemeGDrive, d)
	case store.SchemeGCS:
		opts, err := googleOptions(ctx, a.cfg.Google.CredentialsFile, storage.ScopeReadWrite)
		if err != nil {
			return nil, err
		}
		g, err := store.NewGCS(ctx, opts...)
		if err != nil {
			return nil, err
		}
		router.Register(store.SchemeGCS, g)
		a.closers = append(a.closers, g.Close)
	}
	return router, nil
}

// googleOptions loads a service account key file, or nothing so the client
// falls back to Application Default Credentials.
func googleOptions(ctx context.Context, file string, scopes ...string) ([]option.ClientOption, error) {
	if file == "" {
		return nil, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading credentials %s: %w", file, err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials %s: %w", file, err)
	}
	return []option.ClientOption{option.WithCredentials(creds)}, nil
}

func (a *App) defaultWarehouse(ctx context.Context) (warehouse.Warehouse, error) {
	return warehouse.Open(ctx, warehouse.Config{
		Driver:          a.cfg.Warehouse.Driver,
		DSN:             a.cfg.Warehouse.DSN,
		Project:         a.cfg.Google.Project,
		Location:        a.cfg.Warehouse.Location,
		CredentialsFile: a.cfg.Google.CredentialsFile,
	})
}

func (a *App) location(filename string) string {
	return store.Join(a.cfg.Output.Folder, filename)
}

func (a *App) pypiTable() (*store.Table[domain.PyPIDownload], error) {
	return store.NewTable(a.backend, a.location(a.cfg.Datasets.PyPI.Filename), store.PyPISchema())
}

// ---------------------------------------------------------------------------
// Collect
// ---------------------------------------------------------------------------

// CollectOptions selects what a collect run does.
type CollectOptions struct {
	// Datasets restricts the run; empty runs every enabled dataset.
	Datasets []string
	// Projects replaces the configured entity list of the selected
	// datasets.
	Projects []string
	// AddMetrics writes the per-project workbooks after pypi is collected.
	AddMetrics bool

	gather.Options
}

// Collect runs the selected dataset pipelines and exports the run counters
// when a textfile is configured.
func (a *App) Collect(ctx context.Context, co CollectOptions) ([]gather.Result, error) {
	for _, name := range co.Datasets {
		if !slices.Contains(Datasets, name) {
			return nil, fmt.Errorf("unknown dataset %q (known: %v)", name, Datasets)
		}
	}

	jobs := a.Jobs(ctx, co)
	if len(jobs) == 0 {
		a.log.Warn("no dataset selected")
		return nil, nil
	}

	results, runErr := gather.RunAll(ctx, jobs, co.Options, a.log)

	if path := a.cfg.Metrics.Textfile; path != "" {
		if err := a.telemetry.WriteTextfile(path); err != nil {
			a.log.Error("exporting run counters", "error", err)
		}
	}
	return results, runErr
}

// Jobs builds one Collector per selected and enabled dataset. A dataset
// whose collaborators cannot be built (credentials, bucket client, table
// location) becomes a failed job so the remaining datasets still run.
func (a *App) Jobs(ctx context.Context, co CollectOptions) []gather.Job {
	selected := func(name string, dc config.DatasetConfig) bool {
		if len(co.Datasets) > 0 {
			return slices.Contains(co.Datasets, name)
		}
		return dc.IsEnabled()
	}
	js := jobSet{
		co:      co,
		policy:  gather.NewPolicy(a.clock),
		limiter: util.NewRateLimiter(a.clock, a.cfg.Gather.RateLimitPerMin),
	}
	ds := a.cfg.Datasets

	builders := []struct {
		name  string
		dc    config.DatasetConfig
		build func(context.Context, jobSet) (gather.Job, error)
	}{
		{pypi.Name, ds.PyPI, a.pypiJob},
		{conda.Name, ds.Conda, a.condaJob},
		{condatotals.Name, ds.CondaTotals, a.condaTotalsJob},
		{github.Name, ds.GitHub, a.githubJob},
	}

	var jobs []gather.Job
	for _, b := range builders {
		if !selected(b.name, b.dc) {
			continue
		}
		job, err := b.build(ctx, js)
		if err != nil {
			a.log.Error("dataset setup failed", "dataset", b.name, "error", err)
			job = gather.Failed(b.name, err, a.telemetry)
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// jobSet carries what the dataset jobs of one run share.
type jobSet struct {
	co      CollectOptions
	policy  *gather.Policy
	limiter *util.RateLimiter
}

func (js jobSet) entities(dc config.DatasetConfig) []string {
	if len(js.co.Projects) > 0 {
		return js.co.Projects
	}
	return dc.Projects
}

// pypiJob reads PyPI downloads from the SQL warehouse.
func (a *App) pypiJob(ctx context.Context, js jobSet) (gather.Job, error) {
	ds := a.cfg.Datasets.PyPI
	table, err := a.pypiTable()
	if err != nil {
		return nil, err
	}
	wh, err := a.openWarehouse(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening warehouse: %w", err)
	}
	a.closers = append(a.closers, wh.Close)

	cc := gather.CollectorConfig[domain.PyPIDownload]{
		Name:     pypi.Name,
		Entities: js.entities(ds),
		MaxDays:  ds.MaxDays,
		Source:   pypi.NewSource(wh, a.log),
		Snapshot: table,
		Policy:   js.policy,
		Logger:   a.log,
		Recorder: a.telemetry,
		Compact:  pypi.DropSupersededZeros,
	}
	if js.co.AddMetrics {
		projects := cc.Entities
		cc.AfterCollect = func(ctx context.Context, rows []domain.PyPIDownload, opts gather.Options) error {
			return a.WriteMetrics(ctx, rows, projects, opts.DryRun)
		}
	}
	return gather.NewCollector(cc), nil
}

// condaJob reads conda downloads from the public hourly dataset.
func (a *App) condaJob(ctx context.Context, js jobSet) (gather.Job, error) {
	ds := a.cfg.Datasets.Conda
	table, err := store.NewTable(a.backend, a.location(ds.Filename), store.CondaSchema())
	if err != nil {
		return nil, err
	}
	bucket, err := a.condaBucket(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening conda bucket: %w", err)
	}
	return gather.NewCollector(gather.CollectorConfig[domain.CondaDownload]{
		Name:     conda.Name,
		Entities: js.entities(ds),
		MaxDays:  ds.MaxDays,
		Source:   conda.NewSource(bucket, a.cfg.Gather.MaxWorkers, a.log),
		Snapshot: table,
		Policy:   js.policy,
		Logger:   a.log,
		Recorder: a.telemetry,
	}), nil
}

// condaTotalsJob reads cumulative totals from the conda registry.
func (a *App) condaTotalsJob(_ context.Context, js jobSet) (gather.Job, error) {
	ds := a.cfg.Datasets
	table, err := store.NewTable(a.backend, a.location(ds.CondaTotals.Filename), store.CondaTotalSchema())
	if err != nil {
		return nil, err
	}
	client := anaconda.NewClient(a.cfg.Anaconda.BaseURL,
		anaconda.WithHTTPClient(httpClient(a.cfg.Gather.Timeout)),
		anaconda.WithRetry(a.cfg.Gather.Retries, time.Second),
		anaconda.WithRateLimiter(js.limiter),
		anaconda.WithClock(a.clock),
	)
	pkgs := js.entities(ds.CondaTotals)
	if len(pkgs) == 0 {
		pkgs = js.entities(ds.Conda)
	}
	return gather.NewCollector(gather.CollectorConfig[domain.CondaTotal]{
		Name:     condatotals.Name,
		Entities: pkgs,
		Source:   condatotals.NewSource(client, a.cfg.Anaconda.Channel, a.cfg.Gather.MaxWorkers, a.clock, a.log),
		Snapshot: table,
		Policy:   js.policy,
		Logger:   a.log,
		Recorder: a.telemetry,
	}), nil
}

// githubJob reads release asset downloads.
func (a *App) githubJob(_ context.Context, js jobSet) (gather.Job, error) {
	ds := a.cfg.Datasets.GitHub
	table, err := store.NewTable(a.backend, a.location(ds.Filename), store.ReleaseSchema())
	if err != nil {
		return nil, err
	}
	src, err := github.NewSource(github.Config{
		Token:      a.cfg.GitHub.Token,
		BaseURL:    a.cfg.GitHub.BaseURL,
		Timeout:    a.cfg.Gather.Timeout,
		Ecosystems: ds.Ecosystems,
	}, js.limiter, a.clock, a.log)
	if err != nil {
		return nil, err
	}
	repos := js.co.Projects
	if len(repos) == 0 {
		repos = src.Repositories()
	}
	return gather.NewCollector(gather.CollectorConfig[domain.ReleaseDownloads]{
		Name:     github.Name,
		Entities: repos,
		Source:   src,
		Snapshot: table,
		Policy:   js.policy,
		Logger:   a.log,
		Recorder: a.telemetry,
	}), nil
}

// ---------------------------------------------------------------------------
// Metrics and summary
// ---------------------------------------------------------------------------

// WriteMetrics computes the metrics sheets of each project from rows and
// writes <output>/<project>.xlsx, or renders them when dryRun.
func (a *App) WriteMetrics(ctx context.Context, rows []domain.PyPIDownload, projects []string, dryRun bool) error {
	byProject := make(map[string][]domain.PyPIDownload)
	for _, r := range rows {
		byProject[r.Project] = append(byProject[r.Project], r)
	}

	for _, project := range projects {
		log := a.log.With("project", project)
		sheets := metrics.Compute(byProject[project], log)
		if dryRun {
			fmt.Fprintf(a.out, "\n== %s ==\n", project)
			if err := metrics.Render(a.out, sheets); err != nil {
				return err
			}
			continue
		}
		if err := metrics.WriteWorkbook(ctx, a.backend, a.location(project+metrics.WorkbookExt), sheets, metrics.WorkbookOptions{}, log); err != nil {
			return fmt.Errorf("metrics for %s: %w", project, err)
		}
	}
	return nil
}

// Metrics recomputes the per-project workbooks from the stored pypi
// snapshot. Empty projects means every configured pypi project.
func (a *App) Metrics(ctx context.Context, projects []string, dryRun bool) error {
	if len(projects) == 0 {
		projects = a.cfg.Datasets.PyPI.Projects
	}
	if len(projects) == 0 {
		return fmt.Errorf("no projects given and none configured for %s", pypi.Name)
	}
	rows, err := a.loadPyPI(ctx)
	if err != nil {
		return err
	}
	return a.WriteMetrics(ctx, rows, projects, dryRun)
}

// Summarize writes the ecosystem summary workbook from the stored pypi
// snapshot, or renders it when dryRun.
func (a *App) Summarize(ctx context.Context, dryRun bool) error {
	if len(a.cfg.Summary.Ecosystems) == 0 {
		return fmt.Errorf("no summary ecosystems configured")
	}
	rows, err := a.loadPyPI(ctx)
	if err != nil {
		return err
	}

	ecosystems := make([]metrics.Ecosystem, 0, len(a.cfg.Summary.Ecosystems))
	for _, e := range a.cfg.Summary.Ecosystems {
		ecosystems = append(ecosystems, metrics.Ecosystem{
			Name:               e.Name,
			BaseProject:        e.BaseProject,
			DependencyProjects: e.DependencyProjects,
			ExtraProjects:      e.ExtraProjects,
			Breakdown:          e.Breakdown,
		})
	}
	sheets, err := metrics.Summarize(rows, ecosystems, a.cfg.Summary.FirstYear, a.clock.Now("app", "summarize"))
	if err != nil {
		return err
	}
	if dryRun {
		return metrics.Render(a.out, sheets)
	}
	return metrics.WriteWorkbook(ctx, a.backend, a.location(a.cfg.Summary.Filename), sheets,
		metrics.WorkbookOptions{Commas: true}, a.log)
}

func (a *App) loadPyPI(ctx context.Context) ([]domain.PyPIDownload, error) {
	table, err := a.pypiTable()
	if err != nil {
		return nil, err
	}
	rows, err := table.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", table.Location(), err)
	}
	a.log.Info("snapshot loaded", "location", table.Location(), "rows", len(rows))
	return rows, nil
}

func httpClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
