package util

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), nil, 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, targetAttempts, attempts)
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), nil, maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	require.Error(t, err)
	assert.Equal(t, maxAttempts, attempts)
}

func TestRetryPermanent(t *testing.T) {
	sentinel := errors.New("not found")
	attempts := 0

	err := Retry(context.Background(), nil, 5, 0, func() error {
		attempts++
		return Permanent(sentinel)
	})

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, sentinel)
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, nil, 3, time.Hour, func() error { return errors.New("boom") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryBacksOffOnClock(t *testing.T) {
	clock := quartz.NewMock(t)
	trap := clock.Trap().NewTimer("retry")
	defer trap.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, clock, 3, time.Second, func() error {
			attempts++
			if attempts < 3 {
				return errors.New("transient error")
			}
			return nil
		})
	}()

	for _, want := range []time.Duration{time.Second, 2 * time.Second} {
		call := trap.MustWait(ctx)
		assert.Equal(t, want, call.Duration)
		call.MustRelease(ctx)
		clock.Advance(want).MustWait(ctx)
	}

	require.NoError(t, <-done)
	assert.Equal(t, 3, attempts)
}

func TestRateLimiterDisabled(t *testing.T) {
	var rl *RateLimiter = NewRateLimiter(nil, 0)
	require.Nil(t, rl)
	require.NoError(t, rl.Wait(context.Background()))
}

func TestRateLimiterFirstTokenImmediate(t *testing.T) {
	clock := quartz.NewMock(t)
	rl := NewRateLimiter(clock, 60)
	require.NotNil(t, rl)
	require.NoError(t, rl.Wait(context.Background()))
}

func TestRateLimiterWaitsForRefill(t *testing.T) {
	clock := quartz.NewMock(t)
	trap := clock.Trap().NewTimer("ratelimit")
	defer trap.Close()

	rl := NewRateLimiter(clock, 60)
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rl.Wait(ctx) }()

	call := trap.MustWait(ctx)
	assert.Equal(t, time.Second, call.Duration)
	call.MustRelease(ctx)
	clock.Advance(time.Second).MustWait(ctx)

	require.NoError(t, <-done)
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("debug", "json", &buf)
	log.Debug("hello", "dataset", "pypi")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "pypi", entry["dataset"])

	buf.Reset()
	log = NewLogger("warn", "text", &buf)
	log.Info("dropped")
	assert.Empty(t, buf.String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
	assert.Equal(t, "debug", VerbosityLevel(2, "warn"))
	assert.Equal(t, "warn", VerbosityLevel(0, "warn"))
}

func TestDays(t *testing.T) {
	start := time.Date(2024, 2, 27, 15, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)

	days := Days(start, end)
	require.Len(t, days, 4)
	assert.Equal(t, "2024-02-27", days[0].Format(time.DateOnly))
	assert.Equal(t, "2024-02-29", days[2].Format(time.DateOnly))
	assert.Equal(t, "2024-03-01", days[3].Format(time.DateOnly))

	assert.Empty(t, Days(end, end))
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2021-11-05")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, 11, 5, 0, 0, 0, 0, time.UTC), d)

	_, err = ParseDate("11/05/2021")
	assert.Error(t, err)
}

func TestYearsSince(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, []int{2021, 2022, 2023, 2024}, YearsSince(2021, now))
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), MonthStart(now.Add(36*time.Hour)))
}
