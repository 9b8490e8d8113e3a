package pypi

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"dlmetrics/internal/gather"
	"dlmetrics/internal/warehouse"
)

// projectName matches normalized and unnormalized package names.
var projectName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Result columns, in the order every dialect selects them.
var resultColumns = []string{
	"last_ts", "country_code", "project", "version", "type", "installer_name",
	"implementation_name", "implementation_version", "distro_name",
	"distro_version", "system_name", "system_release", "cpu", "downloads",
}

var bigqueryTemplate = template.Must(template.New("bigquery").Parse(`
SELECT
    UNIX_MICROS(MAX(timestamp))     AS last_ts,
    country_code,
    file.project                    AS project,
    file.version                    AS version,
    file.type                       AS type,
    details.installer.name          AS installer_name,
    details.implementation.name     AS implementation_name,
    details.implementation.version  AS implementation_version,
    details.distro.name             AS distro_name,
    details.distro.version          AS distro_version,
    details.system.name             AS system_name,
    details.system.release          AS system_release,
    details.cpu                     AS cpu,
    COUNT(*)                        AS downloads
FROM ` + "`bigquery-public-data.pypi.file_downloads`" + `
WHERE file.project IN ({{.Projects}})
    AND timestamp >= TIMESTAMP('{{.Start}}')
    AND timestamp < TIMESTAMP('{{.End}}')
GROUP BY DATE(timestamp), country_code, project, version, type, installer_name,
    implementation_name, implementation_version, distro_name, distro_version,
    system_name, system_release, cpu
`))

var sqliteTemplate = template.Must(template.New("sqlite").Parse(`
SELECT
    MAX(timestamp_us) AS last_ts,
    country_code,
    project,
    version,
    type,
    installer_name,
    implementation_name,
    implementation_version,
    distro_name,
    distro_version,
    system_name,
    system_release,
    cpu,
    COUNT(*) AS downloads
FROM file_downloads
WHERE project IN ({{.Projects}})
    AND timestamp_us >= {{.StartMicros}}
    AND timestamp_us < {{.EndMicros}}
GROUP BY date(timestamp_us / 1000000, 'unixepoch'), country_code, project, version, type,
    installer_name, implementation_name, implementation_version, distro_name,
    distro_version, system_name, system_release, cpu
`))

type queryArgs struct {
	Projects    string
	Start, End  string
	StartMicros int64
	EndMicros   int64
}

// BuildQuery renders the daily aggregate query for projects over w in the
// given dialect. Project names are validated before being quoted into the
// query text.
func BuildQuery(dialect warehouse.Dialect, projects []string, w gather.Window) (string, error) {
	if len(projects) == 0 {
		return "", fmt.Errorf("pypi: no projects to query")
	}
	quoted := make([]string, len(projects))
	for i, p := range projects {
		if !projectName.MatchString(p) {
			return "", fmt.Errorf("pypi: invalid project name %q", p)
		}
		quoted[i] = "'" + p + "'"
	}

	args := queryArgs{
		Projects:    strings.Join(quoted, ", "),
		Start:       w.Start.UTC().Format(time.DateOnly),
		End:         w.End.UTC().Format(time.DateOnly),
		StartMicros: w.Start.UnixMicro(),
		EndMicros:   w.End.UnixMicro(),
	}

	var tmpl *template.Template
	switch dialect {
	case warehouse.DialectBigQuery:
		tmpl = bigqueryTemplate
	case warehouse.DialectSQLite:
		tmpl = sqliteTemplate
	default:
		return "", fmt.Errorf("pypi: unsupported dialect %q", dialect)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, args); err != nil {
		return "", err
	}
	return buf.String(), nil
}
