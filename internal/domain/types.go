package domain

import (
	"strings"
	"time"
)

// Record is one fetched observation. Every dataset row type implements it so
// the window policy and the merge can stay generic.
type Record interface {
	// Key identifies the observed entity including every dimensional
	// breakdown. Two rows with the same Key on the same UTC day are
	// duplicates of one another.
	Key() string
	// Entity is the tracked entity id (project, package or repository)
	// used to restrict previous coverage to the entities being queried.
	Entity() string
	// Time is the UTC observation instant.
	Time() time.Time
}

const keySep = "\x1f"

func joinKey(parts ...string) string {
	return strings.Join(parts, keySep)
}

// ---------------------------------------------------------------------------
// Registry downloads (SQL dataset)
// ---------------------------------------------------------------------------

// PyPIDownload is the daily download count of one project for one
// combination of download dimensions. Timestamp is the latest download
// instant seen for that combination on that day.
type PyPIDownload struct {
	Timestamp             time.Time
	CountryCode           string
	Project               string
	Version               string
	Type                  string
	InstallerName         string
	ImplementationName    string
	ImplementationVersion string
	DistroName            string
	DistroVersion         string
	SystemName            string
	SystemRelease         string
	CPU                   string
	Downloads             int64
}

func (d PyPIDownload) Key() string {
	return joinKey(d.Project, d.Version, d.CountryCode, d.Type, d.InstallerName,
		d.ImplementationName, d.ImplementationVersion, d.DistroName, d.DistroVersion,
		d.SystemName, d.SystemRelease, d.CPU)
}

func (d PyPIDownload) Entity() string  { return d.Project }
func (d PyPIDownload) Time() time.Time { return d.Timestamp }

// ---------------------------------------------------------------------------
// Conda downloads (object-storage columnar dataset)
// ---------------------------------------------------------------------------

// CondaDownload is the daily download count of one conda package build
// combination, rolled up from the hourly public dataset.
type CondaDownload struct {
	Timestamp   time.Time
	DataSource  string
	PkgName     string
	PkgVersion  string
	PkgPlatform string
	PkgPython   string
	Counts      int64
}

func (d CondaDownload) Key() string {
	return joinKey(d.PkgName, d.PkgVersion, d.PkgPlatform, d.PkgPython, d.DataSource)
}

func (d CondaDownload) Entity() string  { return d.PkgName }
func (d CondaDownload) Time() time.Time { return d.Timestamp }

// CondaTotal is the cumulative download total reported by the package
// registry for one package in one channel at Timestamp.
type CondaTotal struct {
	Timestamp       time.Time
	Channel         string
	PkgName         string
	TotalNDownloads int64
}

func (t CondaTotal) Key() string     { return joinKey(t.Channel, t.PkgName) }
func (t CondaTotal) Entity() string  { return t.PkgName }
func (t CondaTotal) Time() time.Time { return t.Timestamp }

// ---------------------------------------------------------------------------
// Release asset downloads (source-hosting dataset)
// ---------------------------------------------------------------------------

// ReleaseDownloads is the cumulative asset download count of one release
// tag observed at Timestamp. A repository without releases, or one that
// no longer exists, is recorded with an empty TagName and zero count.
type ReleaseDownloads struct {
	Timestamp     time.Time
	Ecosystem     string
	OrgRepo       string
	TagName       string
	Prerelease    bool
	CreatedAt     time.Time
	DownloadCount int64
}

func (r ReleaseDownloads) Key() string     { return joinKey(r.Ecosystem, r.OrgRepo, r.TagName) }
func (r ReleaseDownloads) Entity() string  { return r.OrgRepo }
func (r ReleaseDownloads) Time() time.Time { return r.Timestamp }

// Compile-time interface checks.
var (
	_ Record = PyPIDownload{}
	_ Record = CondaDownload{}
	_ Record = CondaTotal{}
	_ Record = ReleaseDownloads{}
)

// ---------------------------------------------------------------------------
// Calendar helpers
// ---------------------------------------------------------------------------

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayKey formats the UTC calendar day of t as YYYY-MM-DD.
func DayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
