package gather

import (
	"errors"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlmetrics/internal/domain"
)

func day(s string) time.Time {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return d
}

func ptr[T any](v T) *T { return &v }

func newTestPolicy(t *testing.T, now time.Time) *Policy {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(now)
	return NewPolicy(clock)
}

func TestResolve(t *testing.T) {
	now := time.Date(2021, 11, 30, 15, 4, 5, 0, time.UTC)
	cov := func(min, max string) Coverage {
		return Coverage{Min: day(min).Add(7 * time.Hour), Max: day(max).Add(23 * time.Hour), Known: true}
	}

	tests := []struct {
		name    string
		start   *time.Time
		cov     Coverage
		maxDays int
		force   bool
		want    Window
		wantGap bool
	}{
		{
			name:    "no inputs uses max days",
			maxDays: 3,
			want:    Window{Start: day("2021-11-27"), End: day("2021-11-30")},
		},
		{
			name:  "stored min after start narrows end",
			start: ptr(day("2021-11-01")),
			cov:   cov("2021-11-05", "2021-11-15"),
			want:  Window{Start: day("2021-11-01"), End: day("2021-11-05")},
		},
		{
			name:  "stored min after start with force keeps end",
			start: ptr(day("2021-11-01")),
			cov:   cov("2021-11-05", "2021-11-15"),
			force: true,
			want:  Window{Start: day("2021-11-01"), End: day("2021-11-30")},
		},
		{
			name:  "continue from stored max",
			start: ptr(day("2021-11-10")),
			cov:   cov("2021-11-01", "2021-11-15"),
			want:  Window{Start: day("2021-11-15"), End: day("2021-11-30")},
		},
		{
			name:  "continue from stored max with force keeps start",
			start: ptr(day("2021-11-10")),
			cov:   cov("2021-11-01", "2021-11-15"),
			force: true,
			want:  Window{Start: day("2021-11-10"), End: day("2021-11-30")},
		},
		{
			name:    "stored max before start is a gap",
			start:   ptr(day("2021-11-15")),
			cov:     cov("2021-11-01", "2021-11-10"),
			wantGap: true,
		},
		{
			name:  "gap accepted with force",
			start: ptr(day("2021-11-15")),
			cov:   cov("2021-11-01", "2021-11-10"),
			force: true,
			want:  Window{Start: day("2021-11-15"), End: day("2021-11-30")},
		},
		{
			name:    "stored max on start day continues",
			maxDays: 5,
			cov:     cov("2021-11-01", "2021-11-25"),
			want:    Window{Start: day("2021-11-25"), End: day("2021-11-30")},
		},
		{
			name:    "stored max the day before start is contiguous",
			maxDays: 1,
			cov:     cov("2021-11-01", "2021-11-28"),
			want:    Window{Start: day("2021-11-28"), End: day("2021-11-30")},
		},
		{
			name:    "stored max two days before start is a gap",
			maxDays: 1,
			cov:     cov("2021-11-01", "2021-11-27"),
			wantGap: true,
		},
		{
			name:  "explicit start time of day is dropped",
			start: ptr(time.Date(2021, 11, 20, 18, 0, 0, 0, time.UTC)),
			want:  Window{Start: day("2021-11-20"), End: day("2021-11-30")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPolicy(t, now)
			got, err := p.Resolve(tt.start, tt.cov, tt.maxDays, tt.force)
			if tt.wantGap {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrGap)
				var gap *GapError
				require.True(t, errors.As(err, &gap))
				assert.Contains(t, err.Error(), domain.DayKey(gap.Start))
				assert.Contains(t, err.Error(), domain.DayKey(gap.Max))
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Start.Equal(tt.want.Start), "start = %s, want %s", got.Start, tt.want.Start)
			assert.True(t, got.End.Equal(tt.want.End), "end = %s, want %s", got.End, tt.want.End)
		})
	}
}

func TestGapErrorNamesBothDates(t *testing.T) {
	p := newTestPolicy(t, time.Date(2021, 11, 30, 0, 0, 0, 0, time.UTC))
	_, err := p.Resolve(ptr(day("2021-11-15")), Coverage{Min: day("2021-11-01"), Max: day("2021-11-10"), Known: true}, 0, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2021-11-15")
	assert.Contains(t, err.Error(), "2021-11-10")
}

func TestCoverageOfRestrictsToEntities(t *testing.T) {
	rows := []domain.PyPIDownload{
		{Project: "sdv", Timestamp: day("2024-01-03")},
		{Project: "rdt", Timestamp: day("2023-06-01")},
		{Project: "sdv", Timestamp: day("2024-01-10")},
		{Project: "ctgan", Timestamp: day("2024-05-01")},
	}

	cov := CoverageOf(rows, []string{"sdv"})
	require.True(t, cov.Known)
	assert.Equal(t, day("2024-01-03"), cov.Min)
	assert.Equal(t, day("2024-01-10"), cov.Max)

	all := CoverageOf(rows, nil)
	assert.Equal(t, day("2023-06-01"), all.Min)
	assert.Equal(t, day("2024-05-01"), all.Max)

	none := CoverageOf(rows, []string{"copulas"})
	assert.False(t, none.Known)
}

func TestWindow(t *testing.T) {
	w := Window{Start: day("2024-01-01"), End: day("2024-01-04")}
	assert.False(t, w.Empty())
	assert.Equal(t, 3, w.Days())
	assert.Equal(t, "[2024-01-01, 2024-01-04)", w.String())
	assert.True(t, Window{Start: w.End, End: w.End}.Empty())
}
