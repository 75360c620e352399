package analytics

import (
	"fmt"
	"strings"
	"time"
)

type Granularity string

const (
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

func ParseGranularity(v string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(v))); g {
	case GranularityDay, GranularityWeek, GranularityMonth:
		return g, nil
	}
	return "", fmt.Errorf("unknown granularity %q", v)
}

// PeriodBounds is an inclusive range of UTC calendar days.
type PeriodBounds struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (b PeriodBounds) Contains(day time.Time) bool {
	d := DateOf(day)
	return !d.Before(b.Start) && !d.After(b.End)
}

// Days lists every day of the period in order.
func (b PeriodBounds) Days() []time.Time {
	var out []time.Time
	for d := b.Start; !d.After(b.End); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

func (b PeriodBounds) String() string {
	return FormatDate(b.Start) + ".." + FormatDate(b.End)
}

// PeriodContaining returns the day, ISO week (Monday..Sunday) or calendar
// month that contains anchor.
func PeriodContaining(g Granularity, anchor time.Time) PeriodBounds {
	d := DateOf(anchor)
	switch g {
	case GranularityWeek:
		offset := (int(d.Weekday()) + 6) % 7
		start := d.AddDate(0, 0, -offset)
		return PeriodBounds{Start: start, End: start.AddDate(0, 0, 6)}
	case GranularityMonth:
		start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
		return PeriodBounds{Start: start, End: start.AddDate(0, 1, -1)}
	default:
		return PeriodBounds{Start: d, End: d}
	}
}

// ValidateBounds rejects bounds that are not exactly one calendar period, so
// adjacent summaries never overlap or leave gaps.
func ValidateBounds(g Granularity, b PeriodBounds) error {
	want := PeriodContaining(g, b.Start)
	if !want.Start.Equal(DateOf(b.Start)) || !want.End.Equal(DateOf(b.End)) {
		return fmt.Errorf("bounds %s are not a %s period (expected %s)", b, g, want)
	}
	return nil
}

// PreviousPeriod is the immediately preceding period of the same granularity.
func PreviousPeriod(g Granularity, b PeriodBounds) PeriodBounds {
	return PeriodContaining(g, DateOf(b.Start).AddDate(0, 0, -1))
}

type Filters struct {
	Department string `json:"department,omitempty"`
	Brigade    string `json:"brigade,omitempty"`
	Author     string `json:"author,omitempty"`
}

func (f Filters) Key() string {
	return "dept=" + f.Department + ";brigade=" + f.Brigade + ";author=" + f.Author
}

// SummaryKey identifies a period summary; equal keys over unchanged data yield
// identical summaries.
func SummaryKey(g Granularity, b PeriodBounds, f Filters) string {
	return fmt.Sprintf("%s|%s|%s|%s", g, FormatDate(b.Start), FormatDate(b.End), f.Key())
}
