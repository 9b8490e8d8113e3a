package metrics

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"dlmetrics/internal/domain"
	"dlmetrics/internal/util"
)

// Summary sheet and column names.
const (
	SummarySheet    = "all"
	BreakdownSheet  = "breakdown"
	TotalColumn     = "Total Since Beginning"
	EcosystemColumn = "Ecosystem"
	LibraryColumn   = "Library"
)

// Ecosystem groups libraries whose downloads are reported together.
// Dependencies are mostly pulled in by the base project, so only the
// downloads exceeding the base project's count are attributed to them.
type Ecosystem struct {
	Name               string
	BaseProject        string
	DependencyProjects []string
	ExtraProjects      []string
	Breakdown          bool // add per-library rows to the breakdown sheet
}

// Summarize builds the yearly ecosystem totals from firstYear to the year
// of now, plus the per-library breakdown of the ecosystems asking for it.
func Summarize(rows []domain.PyPIDownload, ecosystems []Ecosystem, firstYear int, now time.Time) ([]Sheet, error) {
	years := util.YearsSince(firstYear, now)
	header := func(first string) []string {
		h := []string{first, TotalColumn}
		for _, y := range years {
			h = append(h, strconv.Itoa(y))
		}
		return h
	}

	counts := yearlyCounts(rows)

	all := Sheet{Title: SummarySheet, Header: header(EcosystemColumn)}
	breakdown := Sheet{Title: BreakdownSheet, Header: header(LibraryColumn)}

	for _, eco := range ecosystems {
		for _, dep := range eco.DependencyProjects {
			if dep == eco.BaseProject {
				return nil, fmt.Errorf("ecosystem %s: base project %s listed as a dependency", eco.Name, dep)
			}
		}
		libs := make([]string, 0, 1+len(eco.DependencyProjects)+len(eco.ExtraProjects))
		if eco.BaseProject != "" {
			libs = append(libs, eco.BaseProject)
		}
		libs = append(libs, eco.DependencyProjects...)
		libs = append(libs, eco.ExtraProjects...)

		perLib := make(map[string][]any, len(libs))
		for _, lib := range libs {
			perLib[lib] = []any{lib, int64(0)}
		}
		var total int64
		yearTotals := make([]int64, len(years))

		add := func(period func(project string) int64, col int) {
			base := period(eco.BaseProject)
			var sum int64
			for _, lib := range libs {
				n := period(lib)
				if lib != eco.BaseProject && slices.Contains(eco.DependencyProjects, lib) {
					n = max(0, n-base)
				}
				sum += n
				if col < 0 {
					perLib[lib][1] = n
				} else {
					perLib[lib] = append(perLib[lib], n)
				}
			}
			if col < 0 {
				total = sum
			} else {
				yearTotals[col] = sum
			}
		}

		add(func(p string) int64 { return counts.total(p) }, -1)
		for i, y := range years {
			add(func(p string) int64 { return counts.year(p, y) }, i)
		}

		row := []any{eco.Name, total}
		for _, n := range yearTotals {
			row = append(row, n)
		}
		all.Rows = append(all.Rows, row)

		if eco.Breakdown {
			for _, lib := range libs {
				breakdown.Rows = append(breakdown.Rows, perLib[lib])
			}
		}
	}

	sheets := []Sheet{all}
	if len(breakdown.Rows) > 0 {
		sheets = append(sheets, breakdown)
	}
	return sheets, nil
}

type projectYears map[string]map[int]int64

func yearlyCounts(rows []domain.PyPIDownload) projectYears {
	out := make(projectYears)
	for _, r := range rows {
		if out[r.Project] == nil {
			out[r.Project] = make(map[int]int64)
		}
		out[r.Project][r.Timestamp.UTC().Year()] += r.Downloads
	}
	return out
}

func (p projectYears) year(project string, y int) int64 { return p[project][y] }

func (p projectYears) total(project string) int64 {
	var n int64
	for _, c := range p[project] {
		n += c
	}
	return n
}
