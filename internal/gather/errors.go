package gather

import (
	"errors"
	"fmt"
	"time"

	"dlmetrics/internal/domain"
)

// ErrGap is matched by errors.Is for every *GapError.
var ErrGap = errors.New("coverage gap")

// ErrSourceUnavailable is matched by errors.Is for every *SourceError.
var ErrSourceUnavailable = errors.New("source unavailable")

// GapError reports that the query window would leave an un-queried interval
// between the stored snapshot and the new fetch.
type GapError struct {
	Start time.Time // candidate window start
	Max   time.Time // latest day already stored
}

func (e *GapError) Error() string {
	return fmt.Sprintf("start_date=%s and max_date=%s are creating a gap",
		domain.DayKey(e.Start), domain.DayKey(e.Max))
}

func (e *GapError) Is(target error) bool { return target == ErrGap }

// SourceError reports an upstream failure: an HTTP error, a missing
// object-storage partition or a credential problem. The dataset update is
// aborted and the previous snapshot is left untouched.
type SourceError struct {
	Source string
	Entity string // empty when the failure is not entity-specific
	Err    error
}

func (e *SourceError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("%s: %s: %v", e.Source, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

func (e *SourceError) Is(target error) bool { return target == ErrSourceUnavailable }

// Unavailable wraps err as a *SourceError unless it already is one.
func Unavailable(source, entity string, err error) error {
	if err == nil {
		return nil
	}
	var se *SourceError
	if errors.As(err, &se) {
		return err
	}
	return &SourceError{Source: source, Entity: entity, Err: err}
}
