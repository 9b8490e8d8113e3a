package store

import (
	"fmt"
	"time"

	"dlmetrics/internal/domain"
)

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

type pypiRecord struct {
	Timestamp             int64  `parquet:"timestamp,timestamp(microsecond)"`
	CountryCode           string `parquet:"country_code,dict"`
	Project               string `parquet:"project,dict"`
	Version               string `parquet:"version,dict"`
	Type                  string `parquet:"type,dict"`
	InstallerName         string `parquet:"installer_name,dict"`
	ImplementationName    string `parquet:"implementation_name,dict"`
	ImplementationVersion string `parquet:"implementation_version,dict"`
	DistroName            string `parquet:"distro_name,dict"`
	DistroVersion         string `parquet:"distro_version,dict"`
	SystemName            string `parquet:"system_name,dict"`
	SystemRelease         string `parquet:"system_release,dict"`
	CPU                   string `parquet:"cpu,dict"`
	Downloads             int64  `parquet:"downloads"`
}

type condaRecord struct {
	Time        int64  `parquet:"time,timestamp(microsecond)"`
	DataSource  string `parquet:"data_source,dict"`
	PkgName     string `parquet:"pkg_name,dict"`
	PkgVersion  string `parquet:"pkg_version,dict"`
	PkgPlatform string `parquet:"pkg_platform,dict"`
	PkgPython   string `parquet:"pkg_python,dict"`
	Counts      int64  `parquet:"counts"`
}

type condaTotalRecord struct {
	Timestamp       int64  `parquet:"timestamp,timestamp(microsecond)"`
	Channel         string `parquet:"channel,dict"`
	PkgName         string `parquet:"pkg_name,dict"`
	TotalNDownloads int64  `parquet:"total_ndownloads"`
}

type releaseRecord struct {
	EcosystemName string `parquet:"ecosystem_name,dict"`
	OrgRepo       string `parquet:"org_repo,dict"`
	Timestamp     int64  `parquet:"timestamp,timestamp(microsecond)"`
	TagName       string `parquet:"tag_name,dict"`
	Prerelease    bool   `parquet:"prerelease"`
	CreatedAt     int64  `parquet:"created_at,timestamp(microsecond)"`
	DownloadCount int64  `parquet:"download_count"`
}

// ---------------------------------------------------------------------------
// Registry downloads
// ---------------------------------------------------------------------------

var pypiColumns = []string{
	"timestamp", "country_code", "project", "version", "type",
	"installer_name", "implementation_name", "implementation_version",
	"distro_name", "distro_version", "system_name", "system_release", "cpu",
	"downloads",
}

// PyPISchema returns the codec of the registry downloads dataset.
func PyPISchema() Codec[domain.PyPIDownload] {
	return &schema[domain.PyPIDownload, pypiRecord]{
		columns:     pypiColumns,
		categorical: pypiColumns[1:13],
		encode: func(d domain.PyPIDownload) []string {
			return []string{
				formatTime(d.Timestamp), d.CountryCode, d.Project, d.Version, d.Type,
				d.InstallerName, d.ImplementationName, d.ImplementationVersion,
				d.DistroName, d.DistroVersion, d.SystemName, d.SystemRelease, d.CPU,
				formatInt(d.Downloads),
			}
		},
		decode: func(get func(string) string) (domain.PyPIDownload, error) {
			ts, err := parseTime(get("timestamp"))
			if err != nil {
				return domain.PyPIDownload{}, err
			}
			// Rows without a downloads column are single raw downloads;
			// Upgrade rolls them up per day.
			downloads := int64(1)
			if v := get("downloads"); v != "" {
				if downloads, err = parseInt(v); err != nil {
					return domain.PyPIDownload{}, err
				}
			}
			return domain.PyPIDownload{
				Timestamp:             ts,
				CountryCode:           get("country_code"),
				Project:               get("project"),
				Version:               get("version"),
				Type:                  get("type"),
				InstallerName:         get("installer_name"),
				ImplementationName:    get("implementation_name"),
				ImplementationVersion: get("implementation_version"),
				DistroName:            get("distro_name"),
				DistroVersion:         get("distro_version"),
				SystemName:            get("system_name"),
				SystemRelease:         get("system_release"),
				CPU:                   get("cpu"),
				Downloads:             downloads,
			}, nil
		},
		toRecord: func(d domain.PyPIDownload) pypiRecord {
			return pypiRecord{
				Timestamp:             timeToMicros(d.Timestamp),
				CountryCode:           d.CountryCode,
				Project:               d.Project,
				Version:               d.Version,
				Type:                  d.Type,
				InstallerName:         d.InstallerName,
				ImplementationName:    d.ImplementationName,
				ImplementationVersion: d.ImplementationVersion,
				DistroName:            d.DistroName,
				DistroVersion:         d.DistroVersion,
				SystemName:            d.SystemName,
				SystemRelease:         d.SystemRelease,
				CPU:                   d.CPU,
				Downloads:             d.Downloads,
			}
		},
		fromRecord: func(r pypiRecord, dict *Dictionary) domain.PyPIDownload {
			return domain.PyPIDownload{
				Timestamp:             microsToTime(r.Timestamp),
				CountryCode:           dict.Intern("country_code", r.CountryCode),
				Project:               dict.Intern("project", r.Project),
				Version:               dict.Intern("version", r.Version),
				Type:                  dict.Intern("type", r.Type),
				InstallerName:         dict.Intern("installer_name", r.InstallerName),
				ImplementationName:    dict.Intern("implementation_name", r.ImplementationName),
				ImplementationVersion: dict.Intern("implementation_version", r.ImplementationVersion),
				DistroName:            dict.Intern("distro_name", r.DistroName),
				DistroVersion:         dict.Intern("distro_version", r.DistroVersion),
				SystemName:            dict.Intern("system_name", r.SystemName),
				SystemRelease:         dict.Intern("system_release", r.SystemRelease),
				CPU:                   dict.Intern("cpu", r.CPU),
				Downloads:             r.Downloads,
			}
		},
		upgrade: func(header map[string]bool, rows []domain.PyPIDownload) []domain.PyPIDownload {
			if header["downloads"] {
				return rows
			}
			return rollupRawDownloads(rows)
		},
	}
}

// rollupRawDownloads folds one-row-per-download exports into daily
// aggregates: rows sharing a key and UTC day sum their downloads and keep
// the latest timestamp. Groups keep the order of their first row.
func rollupRawDownloads(rows []domain.PyPIDownload) []domain.PyPIDownload {
	type group struct {
		key string
		day time.Time
	}
	index := make(map[group]int, len(rows))
	out := make([]domain.PyPIDownload, 0, len(rows))
	for _, r := range rows {
		g := group{key: r.Key(), day: domain.Day(r.Timestamp)}
		i, ok := index[g]
		if !ok {
			index[g] = len(out)
			out = append(out, r)
			continue
		}
		out[i].Downloads += r.Downloads
		if r.Timestamp.After(out[i].Timestamp) {
			out[i].Timestamp = r.Timestamp
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Conda downloads
// ---------------------------------------------------------------------------

var condaColumns = []string{
	"time", "data_source", "pkg_name", "pkg_version", "pkg_platform", "pkg_python", "counts",
}

// CondaSchema returns the codec of the conda downloads dataset.
func CondaSchema() Codec[domain.CondaDownload] {
	return &schema[domain.CondaDownload, condaRecord]{
		columns:     condaColumns,
		categorical: condaColumns[1:6],
		encode: func(d domain.CondaDownload) []string {
			return []string{
				formatTime(d.Timestamp), d.DataSource, d.PkgName, d.PkgVersion,
				d.PkgPlatform, d.PkgPython, formatInt(d.Counts),
			}
		},
		decode: func(get func(string) string) (domain.CondaDownload, error) {
			ts, err := parseTime(get("time"))
			if err != nil {
				return domain.CondaDownload{}, err
			}
			counts, err := parseInt(get("counts"))
			if err != nil {
				return domain.CondaDownload{}, err
			}
			return domain.CondaDownload{
				Timestamp:   ts,
				DataSource:  get("data_source"),
				PkgName:     get("pkg_name"),
				PkgVersion:  get("pkg_version"),
				PkgPlatform: get("pkg_platform"),
				PkgPython:   get("pkg_python"),
				Counts:      counts,
			}, nil
		},
		toRecord: func(d domain.CondaDownload) condaRecord {
			return condaRecord{
				Time:        timeToMicros(d.Timestamp),
				DataSource:  d.DataSource,
				PkgName:     d.PkgName,
				PkgVersion:  d.PkgVersion,
				PkgPlatform: d.PkgPlatform,
				PkgPython:   d.PkgPython,
				Counts:      d.Counts,
			}
		},
		fromRecord: func(r condaRecord, dict *Dictionary) domain.CondaDownload {
			return domain.CondaDownload{
				Timestamp:   microsToTime(r.Time),
				DataSource:  dict.Intern("data_source", r.DataSource),
				PkgName:     dict.Intern("pkg_name", r.PkgName),
				PkgVersion:  dict.Intern("pkg_version", r.PkgVersion),
				PkgPlatform: dict.Intern("pkg_platform", r.PkgPlatform),
				PkgPython:   dict.Intern("pkg_python", r.PkgPython),
				Counts:      r.Counts,
			}
		},
	}
}

// ---------------------------------------------------------------------------
// Conda registry totals
// ---------------------------------------------------------------------------

var condaTotalColumns = []string{"pkg_name", "timestamp", "total_ndownloads", "channel"}

// CondaTotalSchema returns the codec of the conda registry totals dataset.
func CondaTotalSchema() Codec[domain.CondaTotal] {
	return &schema[domain.CondaTotal, condaTotalRecord]{
		columns:     condaTotalColumns,
		categorical: []string{"pkg_name", "channel"},
		encode: func(t domain.CondaTotal) []string {
			return []string{t.PkgName, formatTime(t.Timestamp), formatInt(t.TotalNDownloads), t.Channel}
		},
		decode: func(get func(string) string) (domain.CondaTotal, error) {
			ts, err := parseTime(get("timestamp"))
			if err != nil {
				return domain.CondaTotal{}, err
			}
			n, err := parseInt(get("total_ndownloads"))
			if err != nil {
				return domain.CondaTotal{}, err
			}
			return domain.CondaTotal{
				Timestamp:       ts,
				Channel:         get("channel"),
				PkgName:         get("pkg_name"),
				TotalNDownloads: n,
			}, nil
		},
		toRecord: func(t domain.CondaTotal) condaTotalRecord {
			return condaTotalRecord{
				Timestamp:       timeToMicros(t.Timestamp),
				Channel:         t.Channel,
				PkgName:         t.PkgName,
				TotalNDownloads: t.TotalNDownloads,
			}
		},
		fromRecord: func(r condaTotalRecord, dict *Dictionary) domain.CondaTotal {
			return domain.CondaTotal{
				Timestamp:       microsToTime(r.Timestamp),
				Channel:         dict.Intern("channel", r.Channel),
				PkgName:         dict.Intern("pkg_name", r.PkgName),
				TotalNDownloads: r.TotalNDownloads,
			}
		},
	}
}

// ---------------------------------------------------------------------------
// Release downloads
// ---------------------------------------------------------------------------

var releaseColumns = []string{
	"ecosystem_name", "org_repo", "timestamp", "tag_name", "prerelease", "created_at", "download_count",
}

// ReleaseSchema returns the codec of the release downloads dataset.
func ReleaseSchema() Codec[domain.ReleaseDownloads] {
	return &schema[domain.ReleaseDownloads, releaseRecord]{
		columns:     releaseColumns,
		categorical: []string{"ecosystem_name", "org_repo", "tag_name"},
		encode: func(r domain.ReleaseDownloads) []string {
			return []string{
				r.Ecosystem, r.OrgRepo, formatTime(r.Timestamp), r.TagName,
				formatBool(r.Prerelease), formatTime(r.CreatedAt), formatInt(r.DownloadCount),
			}
		},
		decode: func(get func(string) string) (domain.ReleaseDownloads, error) {
			ts, err := parseTime(get("timestamp"))
			if err != nil {
				return domain.ReleaseDownloads{}, err
			}
			created, err := parseTime(get("created_at"))
			if err != nil {
				return domain.ReleaseDownloads{}, err
			}
			pre, err := parseBool(get("prerelease"))
			if err != nil {
				return domain.ReleaseDownloads{}, fmt.Errorf("prerelease: %w", err)
			}
			n, err := parseInt(get("download_count"))
			if err != nil {
				return domain.ReleaseDownloads{}, err
			}
			return domain.ReleaseDownloads{
				Timestamp:     ts,
				Ecosystem:     get("ecosystem_name"),
				OrgRepo:       get("org_repo"),
				TagName:       get("tag_name"),
				Prerelease:    pre,
				CreatedAt:     created,
				DownloadCount: n,
			}, nil
		},
		toRecord: func(r domain.ReleaseDownloads) releaseRecord {
			return releaseRecord{
				EcosystemName: r.Ecosystem,
				OrgRepo:       r.OrgRepo,
				Timestamp:     timeToMicros(r.Timestamp),
				TagName:       r.TagName,
				Prerelease:    r.Prerelease,
				CreatedAt:     timeToMicros(r.CreatedAt),
				DownloadCount: r.DownloadCount,
			}
		},
		fromRecord: func(r releaseRecord, dict *Dictionary) domain.ReleaseDownloads {
			return domain.ReleaseDownloads{
				Timestamp:     microsToTime(r.Timestamp),
				Ecosystem:     dict.Intern("ecosystem_name", r.EcosystemName),
				OrgRepo:       dict.Intern("org_repo", r.OrgRepo),
				TagName:       dict.Intern("tag_name", r.TagName),
				Prerelease:    r.Prerelease,
				CreatedAt:     microsToTime(r.CreatedAt),
				DownloadCount: r.DownloadCount,
			}
		},
	}
}
