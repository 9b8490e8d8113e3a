package metrics

import (
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-version"

	"dlmetrics/internal/domain"
)

// ---------------------------------------------------------------------------
// Columns
// ---------------------------------------------------------------------------

// Derived column names. Raw names follow the snapshot header.
const (
	colVersion              = "version"
	colCountryCode          = "country_code"
	colPythonVersion        = "python_version"
	colFullPythonVersion    = "full_python_version"
	colPythonImplementation = "python_implementation"
	colInstallerName        = "installer_name"
	colType                 = "type"
	colDistroName           = "distro_name"
	colDistroVersion        = "distro_version"
	colDistroKernel         = "distro_kernel"
	colOSType               = "OS_type"
	colCPU                  = "cpu"
	colProjectVersion       = "project_version"
)

// groupByColumns get one "By <Column>" sheet each, in this order.
var groupByColumns = []string{
	colVersion,
	colCountryCode,
	colPythonVersion,
	colFullPythonVersion,
	colInstallerName,
	colDistroName,
	colDistroVersion,
	colDistroKernel,
	colOSType,
	colCPU,
}

// versionSorted columns list the newest version first; every other group
// table lists the most downloaded value first.
var versionSorted = map[string]bool{
	colVersion:           true,
	colFullPythonVersion: true,
}

// historicalColumns get one "Month and By <Column>" pivot each.
var historicalColumns = []string{
	colVersion,
	colPythonVersion,
	colCountryCode,
	colInstallerName,
}

// columnValue returns the value of a raw or derived column of d.
func columnValue(d domain.PyPIDownload, col string) string {
	switch col {
	case colVersion:
		return d.Version
	case colCountryCode:
		return d.CountryCode
	case colPythonVersion:
		if i := strings.LastIndex(d.ImplementationVersion, "."); i >= 0 {
			return d.ImplementationVersion[:i]
		}
		return d.ImplementationVersion
	case colFullPythonVersion:
		return d.ImplementationVersion
	case colPythonImplementation:
		return d.ImplementationName
	case colInstallerName:
		return d.InstallerName
	case colType:
		return d.Type
	case colDistroName:
		return d.DistroName
	case colDistroVersion:
		return d.DistroName + " " + d.DistroVersion
	case colDistroKernel:
		return d.DistroName + " " + d.DistroVersion + " - " + d.SystemRelease
	case colOSType:
		return d.SystemName
	case colCPU:
		return d.CPU
	case colProjectVersion:
		return d.Project + "-" + d.Version
	}
	return ""
}

// SheetName turns a column name into its sheet title: "country_code"
// becomes "By Country Code".
func SheetName(col string) string {
	words := strings.Split(col, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return "By " + strings.Join(words, " ")
}

// ---------------------------------------------------------------------------
// Compute
// ---------------------------------------------------------------------------

// Compute builds every metrics sheet for rows, which are expected to
// belong to a single project. Rows with zero downloads only mark that a
// project was queried and do not contribute.
func Compute(rows []domain.PyPIDownload, log *slog.Logger) []Sheet {
	if log == nil {
		log = slog.Default()
	}
	live := make([]domain.PyPIDownload, 0, len(rows))
	for _, r := range rows {
		if r.Downloads > 0 {
			live = append(live, r)
		}
	}

	log.Debug("aggregating by month")
	sheets := []Sheet{byMonth(live)}

	for _, col := range groupByColumns {
		log.Debug("aggregating by column", "column", col)
		sheets = append(sheets, groupBy(live, col))
	}
	for _, col := range historicalColumns {
		log.Debug("aggregating by month and column", "column", col)
		sheets = append(sheets, historical(live, col))
	}
	return sheets
}

func yearMonth(d domain.PyPIDownload) string {
	return d.Timestamp.UTC().Format("2006-01")
}

// byMonth sums downloads per month, newest first, with the change over
// the previous month.
func byMonth(rows []domain.PyPIDownload) Sheet {
	totals := make(map[string]int64)
	for _, r := range rows {
		totals[yearMonth(r)] += r.Downloads
	}
	months := sortedKeys(totals)

	out := Sheet{Title: "By Month", Header: []string{"year-month", "downloads", "increase"}}
	for i := len(months) - 1; i >= 0; i-- {
		var increase any
		if i > 0 {
			increase = totals[months[i]] - totals[months[i-1]]
		}
		out.Rows = append(out.Rows, []any{months[i], totals[months[i]], increase})
	}
	return out
}

// groupBy sums downloads per value of col with each value's share.
func groupBy(rows []domain.PyPIDownload, col string) Sheet {
	totals := make(map[string]int64)
	var sum int64
	for _, r := range rows {
		totals[columnValue(r, col)] += r.Downloads
		sum += r.Downloads
	}

	values := sortedKeys(totals)
	if versionSorted[col] {
		sortVersionsDesc(values)
	} else {
		sort.SliceStable(values, func(i, j int) bool { return totals[values[i]] > totals[values[j]] })
	}

	out := Sheet{Title: SheetName(col), Header: []string{col, "downloads", "percent"}}
	for _, v := range values {
		out.Rows = append(out.Rows, []any{v, totals[v], percent(totals[v], sum)})
	}
	return out
}

// historical pivots downloads by month and value of col. The first row
// holds the column totals, followed by months newest first.
func historical(rows []domain.PyPIDownload, col string) Sheet {
	perMonth := make(map[string]map[string]int64)
	monthTotal := make(map[string]int64)
	valueSet := make(map[string]int64)
	for _, r := range rows {
		m, v := yearMonth(r), columnValue(r, col)
		if perMonth[m] == nil {
			perMonth[m] = make(map[string]int64)
		}
		perMonth[m][v] += r.Downloads
		monthTotal[m] += r.Downloads
		valueSet[v] += r.Downloads
	}
	months := sortedKeys(monthTotal)
	values := sortedKeys(valueSet)

	out := Sheet{
		Title:  "Month and " + SheetName(col),
		Header: append([]string{"year-month", "total"}, values...),
	}

	var grand int64
	for _, n := range monthTotal {
		grand += n
	}
	totalRow := []any{"total", grand}
	for _, v := range values {
		totalRow = append(totalRow, valueSet[v])
	}
	out.Rows = append(out.Rows, totalRow)

	for i := len(months) - 1; i >= 0; i-- {
		m := months[i]
		row := []any{m, monthTotal[m]}
		for _, v := range values {
			row = append(row, perMonth[m][v])
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ---------------------------------------------------------------------------
// Version ordering
// ---------------------------------------------------------------------------

var leadingDigits = regexp.MustCompile(`^\d+`)

// sortVersionsDesc orders values newest first. Values go-version cannot
// parse sort after the ones it can, compared on up to three leading
// numeric components and then the suffix of the last one.
func sortVersionsDesc(values []string) {
	parsed := make(map[string]*version.Version, len(values))
	for _, v := range values {
		if pv, err := version.NewVersion(v); err == nil {
			parsed[v] = pv
		}
	}
	sort.SliceStable(values, func(i, j int) bool {
		a, b := values[i], values[j]
		pa, pb := parsed[a], parsed[b]
		switch {
		case pa != nil && pb != nil:
			if c := pa.Compare(pb); c != 0 {
				return c > 0
			}
			return a > b
		case pa != nil:
			return true
		case pb != nil:
			return false
		}
		return compareLoose(a, b) > 0
	})
}

func compareLoose(a, b string) int {
	na, sa := looseKey(a)
	nb, sb := looseKey(b)
	for i := 0; i < len(na) && i < len(nb); i++ {
		if na[i] != nb[i] {
			if na[i] < nb[i] {
				return -1
			}
			return 1
		}
	}
	if len(na) != len(nb) {
		if len(na) < len(nb) {
			return -1
		}
		return 1
	}
	return strings.Compare(sa, sb)
}

func looseKey(v string) ([]int, string) {
	var nums []int
	suffix := ""
	for _, part := range strings.SplitN(v, ".", 3) {
		digits := leadingDigits.FindString(part)
		if digits == "" {
			continue
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			continue
		}
		nums = append(nums, n)
		suffix = part[len(digits):]
	}
	return nums, suffix
}
