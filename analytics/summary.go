package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

const (
	MetricMeanScore    = "mean_score"
	MetricDefectCount  = "defect_count"
	MetricRemarkCount  = "remark_count"
	MetricCheckCount   = "check_count"
	MetricBrigadeCount = "brigade_count"
)

// MetricNames is the fixed presentation order of summary metrics.
var MetricNames = []string{MetricMeanScore, MetricDefectCount, MetricRemarkCount, MetricCheckCount, MetricBrigadeCount}

type ScoreSource interface {
	ListDailyScores(ctx context.Context, bounds PeriodBounds, filters Filters) ([]BrigadeDailyScore, error)
}

type LeaderboardEntry struct {
	Rank        int             `json:"rank"`
	BrigadeID   string          `json:"brigade_id"`
	BrigadeName string          `json:"brigade_name,omitempty"`
	MeanScore   decimal.Decimal `json:"mean_score"`
	Days        int             `json:"days"`
}

type PeriodSummary struct {
	Granularity     Granularity                `json:"granularity"`
	PeriodStart     time.Time                  `json:"period_start"`
	PeriodEnd       time.Time                  `json:"period_end"`
	Filters         Filters                    `json:"filters"`
	FormulaVersion  string                     `json:"formula_version"`
	Metrics         map[string]decimal.Decimal `json:"metrics"`
	DeltaVsPrevious map[string]decimal.Decimal `json:"delta_vs_previous"`
	SampleSize      int                        `json:"sample_size"`
	Leaderboard     []LeaderboardEntry         `json:"leaderboard"`
}

func (s PeriodSummary) Bounds() PeriodBounds {
	return PeriodBounds{Start: s.PeriodStart, End: s.PeriodEnd}
}

func (s PeriodSummary) Key() string {
	return SummaryKey(s.Granularity, s.Bounds(), s.Filters)
}

// Delta returns the change for metric and whether a comparable previous
// period existed.
func (s PeriodSummary) Delta(metric string) (decimal.Decimal, bool) {
	d, ok := s.DeltaVsPrevious[metric]
	return d, ok
}

// SummarizePeriod aggregates stored daily scores for one calendar period and
// compares them with the preceding period under the same filters. Delta
// entries are absent, never zero, when the previous period has no rows.
func SummarizePeriod(ctx context.Context, src ScoreSource, g Granularity, bounds PeriodBounds, filters Filters, formulaVersion string) (PeriodSummary, error) {
	bounds = PeriodBounds{Start: DateOf(bounds.Start), End: DateOf(bounds.End)}
	if err := ValidateBounds(g, bounds); err != nil {
		return PeriodSummary{}, err
	}

	rows, err := loadRows(ctx, src, bounds, filters, formulaVersion)
	if err != nil {
		return PeriodSummary{}, err
	}
	if len(rows) == 0 {
		return PeriodSummary{}, &InsufficientDataError{
			Subject: fmt.Sprintf("%s %s", g, bounds),
			Reason:  "no daily scores match the period and filters",
		}
	}

	summary := PeriodSummary{
		Granularity:     g,
		PeriodStart:     bounds.Start,
		PeriodEnd:       bounds.End,
		Filters:         filters,
		FormulaVersion:  formulaVersion,
		DeltaVsPrevious: map[string]decimal.Decimal{},
	}
	summary.Metrics, summary.SampleSize = computeMetrics(rows)
	summary.Leaderboard = buildLeaderboard(rows)

	prevRows, err := loadRows(ctx, src, PreviousPeriod(g, bounds), filters, formulaVersion)
	if err != nil {
		return PeriodSummary{}, err
	}
	if len(prevRows) > 0 {
		prev, _ := computeMetrics(prevRows)
		for _, name := range MetricNames {
			cur, okCur := summary.Metrics[name]
			old, okOld := prev[name]
			if okCur && okOld {
				summary.DeltaVsPrevious[name] = cur.Sub(old)
			}
		}
	}
	return summary, nil
}

func loadRows(ctx context.Context, src ScoreSource, bounds PeriodBounds, filters Filters, formulaVersion string) ([]BrigadeDailyScore, error) {
	rows, err := src.ListDailyScores(ctx, bounds, filters)
	if err != nil {
		return nil, fmt.Errorf("list daily scores %s: %w", bounds, err)
	}
	out := rows[:0:0]
	for _, r := range rows {
		if !bounds.Contains(r.Date) {
			continue
		}
		if filters.Brigade != "" && r.BrigadeID != filters.Brigade {
			continue
		}
		if filters.Department != "" && r.DepartmentID != filters.Department {
			continue
		}
		if formulaVersion != "" && r.FormulaVersion != formulaVersion {
			return nil, &FormulaMismatchError{Expected: formulaVersion, Found: r.FormulaVersion}
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].BrigadeID < out[j].BrigadeID
	})
	return out, nil
}

func computeMetrics(rows []BrigadeDailyScore) (map[string]decimal.Decimal, int) {
	sum := decimal.Zero
	var defects, remarks, checks, sample int
	brigades := map[string]struct{}{}
	for _, r := range rows {
		sum = sum.Add(r.OverallScore)
		defects += r.DefectCount
		remarks += r.RemarkCount
		checks += r.CheckCount
		sample += r.SampleSize
		brigades[r.BrigadeID] = struct{}{}
	}
	return map[string]decimal.Decimal{
		MetricMeanScore:    sum.Div(decimal.NewFromInt(int64(len(rows)))).Round(ScorePrecision),
		MetricDefectCount:  decimal.NewFromInt(int64(defects)),
		MetricRemarkCount:  decimal.NewFromInt(int64(remarks)),
		MetricCheckCount:   decimal.NewFromInt(int64(checks)),
		MetricBrigadeCount: decimal.NewFromInt(int64(len(brigades))),
	}, sample
}

// buildLeaderboard ranks brigades by mean daily score. Equal means share a
// rank and the next rank is skipped.
func buildLeaderboard(rows []BrigadeDailyScore) []LeaderboardEntry {
	type acc struct {
		name string
		sum  decimal.Decimal
		days int
	}
	byBrigade := map[string]*acc{}
	for _, r := range rows {
		a := byBrigade[r.BrigadeID]
		if a == nil {
			a = &acc{}
			byBrigade[r.BrigadeID] = a
		}
		if a.name == "" {
			a.name = r.BrigadeName
		}
		a.sum = a.sum.Add(r.OverallScore)
		a.days++
	}

	out := make([]LeaderboardEntry, 0, len(byBrigade))
	for id, a := range byBrigade {
		out = append(out, LeaderboardEntry{
			BrigadeID:   id,
			BrigadeName: a.name,
			MeanScore:   a.sum.Div(decimal.NewFromInt(int64(a.days))).Round(ScorePrecision),
			Days:        a.days,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].MeanScore.Cmp(out[j].MeanScore); c != 0 {
			return c > 0
		}
		return out[i].BrigadeID < out[j].BrigadeID
	})
	for i := range out {
		if i > 0 && out[i].MeanScore.Equal(out[i-1].MeanScore) {
			out[i].Rank = out[i-1].Rank
			continue
		}
		out[i].Rank = i + 1
	}
	return out
}
