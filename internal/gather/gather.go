// Package gather turns remote download telemetry into merged, persisted
// snapshot tables. It owns the generic pieces shared by every dataset: the
// query window policy, the per-day dedup merge and the collection pipeline.
package gather

import (
	"context"
	"fmt"
	"time"

	"dlmetrics/internal/domain"
)

// Source fetches fresh observations for a set of tracked entities.
type Source[R domain.Record] interface {
	// Name returns the source identifier used in logs and errors.
	Name() string
	// Windowed reports whether Fetch honours the query window. Point-in-time
	// sources (cumulative counters read "now") ignore it and skip the
	// window policy entirely.
	Windowed() bool
	// Fetch returns observations for entities within w. With dryRun it
	// performs the request or estimate but returns no rows.
	Fetch(ctx context.Context, entities []string, w Window, dryRun bool) ([]R, error)
}

// Snapshot loads and persists the complete table of one dataset.
type Snapshot[R domain.Record] interface {
	// Location returns the address of the snapshot for logging.
	Location() string
	// Load returns the stored table, or an empty table when none exists.
	Load(ctx context.Context) ([]R, error)
	// Persist replaces the stored table with rows.
	Persist(ctx context.Context, rows []R) error
}

// Window is the half-open [Start, End) range of UTC calendar days selected
// for a fetch.
type Window struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether the window selects no day.
func (w Window) Empty() bool {
	return !w.Start.Before(w.End)
}

// Days returns the number of calendar days covered by the window.
func (w Window) Days() int {
	if w.Empty() {
		return 0
	}
	return int(w.End.Sub(w.Start).Hours() / 24)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", domain.DayKey(w.Start), domain.DayKey(w.End))
}
