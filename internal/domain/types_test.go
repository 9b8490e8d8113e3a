package domain

import (
	"testing"
	"time"
)

func TestKeysIgnoreTimestamp(t *testing.T) {
	a := PyPIDownload{Timestamp: time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC), Project: "sdv", Version: "1.0.0", CountryCode: "US", Downloads: 2}
	b := a
	b.Timestamp = a.Timestamp.Add(5 * time.Hour)
	b.Downloads = 9
	if a.Key() != b.Key() {
		t.Errorf("Key() differs for same dimensions: %q vs %q", a.Key(), b.Key())
	}

	c := a
	c.CountryCode = "DE"
	if a.Key() == c.Key() {
		t.Error("Key() should differ when a dimension differs")
	}
}

func TestKeysDoNotCollideOnConcatenation(t *testing.T) {
	a := CondaDownload{PkgName: "ab", PkgVersion: "c"}
	b := CondaDownload{PkgName: "a", PkgVersion: "bc"}
	if a.Key() == b.Key() {
		t.Errorf("Key() collision: %q", a.Key())
	}
}

func TestEntity(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		want string
	}{
		{"pypi", PyPIDownload{Project: "rdt"}, "rdt"},
		{"conda", CondaDownload{PkgName: "copulas"}, "copulas"},
		{"conda total", CondaTotal{PkgName: "sdv", Channel: "conda-forge"}, "sdv"},
		{"release", ReleaseDownloads{OrgRepo: "sdv-dev/SDV", TagName: "v1.0.0"}, "sdv-dev/SDV"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.Entity(); got != tt.want {
				t.Errorf("Entity() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDay(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	in := time.Date(2024, 1, 1, 22, 30, 0, 0, loc) // 2024-01-02 03:30 UTC
	got := Day(in)
	want := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Errorf("Day() = %v, want %v", got, want)
	}
	if DayKey(in) != "2024-01-02" {
		t.Errorf("DayKey() = %q, want 2024-01-02", DayKey(in))
	}
}
