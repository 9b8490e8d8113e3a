package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable applyEnvOverrides reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DLMETRICS_OUTPUT_FOLDER", "BIGQUERY_CREDENTIALS_FILE", "GOOGLE_CLOUD_PROJECT",
		"DRIVE_CREDENTIALS_FILE", "GH_ACCESS_TOKEN", "GITHUB_TOKEN", "LOG_LEVEL", "METRICS_TEXTFILE",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), "config.yaml", `
logging:
  level: "debug"
  format: "text"
output:
  folder: "gdrive://abc123"
google:
  project: "my-project"
warehouse:
  driver: "sqlite"
  dsn: "/tmp/mirror.db"
gather:
  max_workers: 4
  timeout: "45s"
datasets:
  pypi:
    projects: ["sdv", "rdt"]
    max_days: 7
  conda:
    enabled: false
  github:
    ecosystems:
      sdv: ["sdv-dev/SDV", "sdv-dev/RDT"]
summary:
  ecosystems:
    - name: "SDV"
      base_project: "sdv"
      dependency_projects: ["rdt", "copulas"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Explicit values --
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Output.Folder != "gdrive://abc123" {
		t.Errorf("Output.Folder = %q, want gdrive://abc123", cfg.Output.Folder)
	}
	if cfg.Warehouse.Driver != "sqlite" || cfg.Warehouse.DSN != "/tmp/mirror.db" {
		t.Errorf("Warehouse = %+v", cfg.Warehouse)
	}
	if cfg.Gather.MaxWorkers != 4 {
		t.Errorf("Gather.MaxWorkers = %d, want 4", cfg.Gather.MaxWorkers)
	}
	if cfg.Gather.Timeout != 45*time.Second {
		t.Errorf("Gather.Timeout = %v, want 45s", cfg.Gather.Timeout)
	}
	if got := cfg.Datasets.PyPI.Projects; len(got) != 2 || got[0] != "sdv" {
		t.Errorf("Datasets.PyPI.Projects = %v", got)
	}
	if cfg.Datasets.PyPI.MaxDays != 7 {
		t.Errorf("Datasets.PyPI.MaxDays = %d, want 7", cfg.Datasets.PyPI.MaxDays)
	}
	if cfg.Datasets.Conda.IsEnabled() {
		t.Error("Datasets.Conda should be disabled")
	}
	if !cfg.Datasets.PyPI.IsEnabled() {
		t.Error("Datasets.PyPI should be enabled by default")
	}
	if got := cfg.Datasets.GitHub.Ecosystems["sdv"]; len(got) != 2 {
		t.Errorf("Datasets.GitHub.Ecosystems[sdv] = %v", got)
	}
	if got := cfg.Summary.Ecosystems[0].Projects(); strings.Join(got, ",") != "sdv,rdt,copulas" {
		t.Errorf("Ecosystem.Projects() = %v", got)
	}

	// -- Defaults --
	if cfg.Datasets.PyPI.Filename != DefaultPyPIFilename {
		t.Errorf("Datasets.PyPI.Filename = %q", cfg.Datasets.PyPI.Filename)
	}
	if cfg.Datasets.Conda.MaxDays != 90 {
		t.Errorf("Datasets.Conda.MaxDays = %d, want 90", cfg.Datasets.Conda.MaxDays)
	}
	if cfg.Datasets.CondaTotals.Filename != DefaultCondaTotalsFilename {
		t.Errorf("Datasets.CondaTotals.Filename = %q", cfg.Datasets.CondaTotals.Filename)
	}
	if cfg.Anaconda.Channel != "conda-forge" {
		t.Errorf("Anaconda.Channel = %q", cfg.Anaconda.Channel)
	}
	if cfg.Gather.Retries != 3 {
		t.Errorf("Gather.Retries = %d, want 3", cfg.Gather.Retries)
	}
	if cfg.Summary.FirstYear != 2021 {
		t.Errorf("Summary.FirstYear = %d, want 2021", cfg.Summary.FirstYear)
	}
}

func TestLoadImportConfig(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "base"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "base"), "common.yaml", `
output:
  folder: "/data/base"
google:
  project: "base-project"
datasets:
  pypi:
    projects: ["sdv"]
    max_days: 3
`)
	path := writeFile(t, dir, "prod.yaml", `
import_config: "base/common.yaml"
output:
  folder: "gs://bucket/prod"
datasets:
  pypi:
    projects: ["sdv", "rdt"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Output.Folder != "gs://bucket/prod" {
		t.Errorf("Output.Folder = %q, including file should win", cfg.Output.Folder)
	}
	if cfg.Google.Project != "base-project" {
		t.Errorf("Google.Project = %q, want inherited base-project", cfg.Google.Project)
	}
	if cfg.Datasets.PyPI.MaxDays != 3 {
		t.Errorf("Datasets.PyPI.MaxDays = %d, want inherited 3", cfg.Datasets.PyPI.MaxDays)
	}
	if got := cfg.Datasets.PyPI.Projects; len(got) != 2 {
		t.Errorf("Datasets.PyPI.Projects = %v, want overriding list", got)
	}
	if cfg.ImportConfig != "" {
		t.Errorf("ImportConfig = %q, want cleared", cfg.ImportConfig)
	}
}

func TestLoadImportCycle(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", `import_config: "b.yaml"`)
	writeFile(t, dir, "b.yaml", `import_config: "a.yaml"`)

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "imports itself") {
		t.Fatalf("Load() error = %v, want import cycle", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), "config.yaml", `
output:
  folder: "/from/file"
github:
  token: "file-token"
`)

	t.Setenv("DLMETRICS_OUTPUT_FOLDER", "/from/env")
	t.Setenv("BIGQUERY_CREDENTIALS_FILE", "/secrets/bq.json")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "env-project")
	t.Setenv("DRIVE_CREDENTIALS_FILE", "/secrets/drive.json")
	t.Setenv("GITHUB_TOKEN", "generic")
	t.Setenv("GH_ACCESS_TOKEN", "specific")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("METRICS_TEXTFILE", "/var/lib/node_exporter/dlmetrics.prom")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	tests := []struct {
		name, got, want string
	}{
		{"Output.Folder", cfg.Output.Folder, "/from/env"},
		{"Google.CredentialsFile", cfg.Google.CredentialsFile, "/secrets/bq.json"},
		{"Google.Project", cfg.Google.Project, "env-project"},
		{"Google.DriveCredentialsFile", cfg.Google.DriveCredentialsFile, "/secrets/drive.json"},
		{"GitHub.Token", cfg.GitHub.Token, "specific"},
		{"Logging.Level", cfg.Logging.Level, "warn"},
		{"Metrics.Textfile", cfg.Metrics.Textfile, "/var/lib/node_exporter/dlmetrics.prom"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestGitHubTokenFallback(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, t.TempDir(), "config.yaml", "logging:\n  level: info\n")
	t.Setenv("GITHUB_TOKEN", "generic")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.GitHub.Token != "generic" {
		t.Errorf("GitHub.Token = %q, want generic", cfg.GitHub.Token)
	}
}
