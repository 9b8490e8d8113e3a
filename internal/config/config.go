package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for dlmetrics.
type Config struct {
	// ImportConfig names a base file loaded underneath this one. Relative
	// paths resolve against the directory of the including file.
	ImportConfig string `yaml:"import_config"`

	Logging   Logging   `yaml:"logging"`
	Output    Output    `yaml:"output"`
	Google    Google    `yaml:"google"`
	GitHub    GitHub    `yaml:"github"`
	Anaconda  Anaconda  `yaml:"anaconda"`
	Warehouse Warehouse `yaml:"warehouse"`
	Gather    Gather    `yaml:"gather"`
	Datasets  Datasets  `yaml:"datasets"`
	Summary   Summary   `yaml:"summary"`
	Metrics   Metrics   `yaml:"metrics"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Output is where snapshots and workbooks are written. Folder is a local
// path, gdrive://<folder-id> or gs://<bucket>/<prefix>.
type Output struct {
	Folder string `yaml:"folder"`
}

// Google holds service account credentials.
type Google struct {
	CredentialsFile      string `yaml:"credentials_file"`
	DriveCredentialsFile string `yaml:"drive_credentials_file"`
	Project              string `yaml:"project"`
}

// GitHub holds the release API settings.
type GitHub struct {
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"`
}

// Anaconda holds the registry and public bucket settings.
type Anaconda struct {
	BaseURL  string `yaml:"base_url"`
	Channel  string `yaml:"channel"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Warehouse selects the SQL backend of the pypi dataset.
type Warehouse struct {
	Driver   string `yaml:"driver"` // bigquery or sqlite
	DSN      string `yaml:"dsn"`
	Location string `yaml:"location"`
}

// Gather controls fetcher concurrency and HTTP behaviour.
type Gather struct {
	MaxWorkers      int           `yaml:"max_workers"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	Timeout         time.Duration `yaml:"timeout"`
	Retries         int           `yaml:"retries"`
}

// Datasets configures each collected dataset.
type Datasets struct {
	PyPI        DatasetConfig `yaml:"pypi"`
	Conda       DatasetConfig `yaml:"conda"`
	CondaTotals DatasetConfig `yaml:"conda_totals"`
	GitHub      DatasetConfig `yaml:"github"`
}

// DatasetConfig holds parameters for a single dataset.
type DatasetConfig struct {
	Enabled   *bool    `yaml:"enabled"`
	Filename  string   `yaml:"filename"`
	MaxDays   int      `yaml:"max_days"`
	StartDate string   `yaml:"start_date"`
	Projects  []string `yaml:"projects"`

	// Ecosystems maps an ecosystem name to its "org/repo" repositories.
	// Only the github dataset uses it.
	Ecosystems map[string][]string `yaml:"ecosystems"`
}

// IsEnabled reports whether the dataset runs. Datasets are enabled unless
// switched off explicitly.
func (d DatasetConfig) IsEnabled() bool { return d.Enabled == nil || *d.Enabled }

// Summary configures the ecosystem summary workbook.
type Summary struct {
	Filename   string      `yaml:"filename"`
	FirstYear  int         `yaml:"first_year"`
	Ecosystems []Ecosystem `yaml:"ecosystems"`
}

// Ecosystem groups the libraries summarized together.
type Ecosystem struct {
	Name               string   `yaml:"name"`
	BaseProject        string   `yaml:"base_project"`
	DependencyProjects []string `yaml:"dependency_projects"`
	ExtraProjects      []string `yaml:"extra_projects"`
	Breakdown          bool     `yaml:"calculate_breakdown"`
}

// Projects returns every library of the ecosystem, base project first.
func (e Ecosystem) Projects() []string {
	out := make([]string, 0, 1+len(e.DependencyProjects)+len(e.ExtraProjects))
	if e.BaseProject != "" {
		out = append(out, e.BaseProject)
	}
	out = append(out, e.DependencyProjects...)
	return append(out, e.ExtraProjects...)
}

// Metrics configures the run counter export.
type Metrics struct {
	Textfile string `yaml:"textfile"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default dataset file names.
const (
	DefaultPyPIFilename        = "pypi.csv"
	DefaultCondaFilename       = "anaconda.csv"
	DefaultCondaTotalsFilename = "anaconda_org.csv"
	DefaultGitHubFilename      = "github_download_counts.csv"
	DefaultSummaryFilename     = "Downloads_Summary.xlsx"
)

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Output.Folder == "" {
		c.Output.Folder = "."
	}
	if c.Warehouse.Driver == "" {
		c.Warehouse.Driver = "bigquery"
	}
	if c.Anaconda.Channel == "" {
		c.Anaconda.Channel = "conda-forge"
	}
	if c.Gather.MaxWorkers <= 0 {
		c.Gather.MaxWorkers = 8
	}
	if c.Gather.Timeout <= 0 {
		c.Gather.Timeout = 30 * time.Second
	}
	if c.Gather.Retries <= 0 {
		c.Gather.Retries = 3
	}
	if c.Summary.Filename == "" {
		c.Summary.Filename = DefaultSummaryFilename
	}
	if c.Summary.FirstYear == 0 {
		c.Summary.FirstYear = 2021
	}

	datasetDefaults(&c.Datasets.PyPI, DefaultPyPIFilename, 1)
	datasetDefaults(&c.Datasets.Conda, DefaultCondaFilename, 90)
	datasetDefaults(&c.Datasets.CondaTotals, DefaultCondaTotalsFilename, 0)
	datasetDefaults(&c.Datasets.GitHub, DefaultGitHubFilename, 0)
}

func datasetDefaults(d *DatasetConfig, filename string, maxDays int) {
	if d.Filename == "" {
		d.Filename = filename
	}
	if d.MaxDays <= 0 {
		d.MaxDays = maxDays
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, resolving
// import_config chains, then applies environment variable overrides and
// defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := load(path, cfg, map[string]bool{}); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()

	return cfg, nil
}

// load decodes path on top of cfg after first decoding its import chain,
// so keys of the including file win.
func load(path string, cfg *Config, seen map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path %s: %w", path, err)
	}
	if seen[abs] {
		return fmt.Errorf("config %s imports itself", path)
	}
	seen[abs] = true

	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	var head struct {
		ImportConfig string `yaml:"import_config"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	if head.ImportConfig != "" {
		base := head.ImportConfig
		if !filepath.IsAbs(base) {
			base = filepath.Join(filepath.Dir(abs), base)
		}
		if err := load(base, cfg, seen); err != nil {
			return fmt.Errorf("importing %s: %w", head.ImportConfig, err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.ImportConfig = ""
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DLMETRICS_OUTPUT_FOLDER"); v != "" {
		cfg.Output.Folder = v
	}

	if v := os.Getenv("BIGQUERY_CREDENTIALS_FILE"); v != "" {
		cfg.Google.CredentialsFile = v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		cfg.Google.Project = v
	}
	if v := os.Getenv("DRIVE_CREDENTIALS_FILE"); v != "" {
		cfg.Google.DriveCredentialsFile = v
	}

	// GH_ACCESS_TOKEN wins over the generic name.
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.GitHub.Token = v
	}
	if v := os.Getenv("GH_ACCESS_TOKEN"); v != "" {
		cfg.GitHub.Token = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("METRICS_TEXTFILE"); v != "" {
		cfg.Metrics.Textfile = v
	}
}
