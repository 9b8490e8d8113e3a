package gather

import (
	"sort"

	"dlmetrics/internal/domain"
)

type dedupKey struct {
	key string
	day int64 // unix seconds of the UTC day
}

// Merge combines the stored table with freshly fetched rows, keeping one row
// per (Key, UTC day): the one with the latest timestamp. When timestamps tie
// the row appearing later wins, so incoming rows replace equal previous ones
// and merging the same batch twice is a no-op.
//
// With no incoming rows the previous table is returned as is. Otherwise the
// result is a new slice ordered by timestamp, then key.
func Merge[R domain.Record](previous, incoming []R) []R {
	if len(incoming) == 0 {
		return previous
	}

	best := make(map[dedupKey]int, len(previous)+len(incoming))
	all := make([]R, 0, len(previous)+len(incoming))
	all = append(all, previous...)
	all = append(all, incoming...)

	for i, r := range all {
		k := dedupKey{key: r.Key(), day: domain.Day(r.Time()).Unix()}
		if j, ok := best[k]; ok && all[j].Time().After(r.Time()) {
			continue
		}
		best[k] = i
	}

	merged := make([]R, 0, len(best))
	for _, i := range best {
		merged = append(merged, all[i])
	}
	sortRows(merged)
	return merged
}

func sortRows[R domain.Record](rows []R) {
	sort.Slice(rows, func(i, j int) bool {
		ti, tj := rows[i].Time(), rows[j].Time()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return rows[i].Key() < rows[j].Key()
	})
}

// Row is a Record whose values can be compared with ==. Every dataset row
// type qualifies; timestamps must be normalized to UTC for equality to hold.
type Row interface {
	domain.Record
	comparable
}

// Equal reports whether two tables hold the same rows in the same order.
func Equal[R Row](a, b []R) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
