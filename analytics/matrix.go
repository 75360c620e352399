package analytics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ScoreMatrix is the brigade x day grid of one calendar month. The workbook
// writes its cells and builds its chart from the same instance.
type ScoreMatrix struct {
	Month time.Time   `json:"month"`
	Days  []time.Time `json:"days"`
	Rows  []MatrixRow `json:"rows"`
}

type MatrixRow struct {
	BrigadeID    string             `json:"brigade_id"`
	BrigadeName  string             `json:"brigade_name"`
	Daily        []*decimal.Decimal `json:"daily"`
	MonthAvg     *decimal.Decimal   `json:"month_avg,omitempty"`
	PrevMonthAvg *decimal.Decimal   `json:"prev_month_avg,omitempty"`
	Delta        *decimal.Decimal   `json:"delta,omitempty"`
}

// BuildScoreMatrix lays out the month containing anchor. previous holds the
// scores of the preceding calendar month and only feeds the comparison columns.
func BuildScoreMatrix(anchor time.Time, current, previous []BrigadeDailyScore) ScoreMatrix {
	month := PeriodContaining(GranularityMonth, anchor)
	prevMonth := PreviousPeriod(GranularityMonth, month)
	m := ScoreMatrix{Month: month.Start, Days: month.Days()}

	index := map[string]int{}
	for _, s := range sortedScores(current) {
		if !month.Contains(s.Date) {
			continue
		}
		i, ok := index[s.BrigadeID]
		if !ok {
			i = len(m.Rows)
			index[s.BrigadeID] = i
			m.Rows = append(m.Rows, MatrixRow{
				BrigadeID:   s.BrigadeID,
				BrigadeName: s.BrigadeName,
				Daily:       make([]*decimal.Decimal, len(m.Days)),
			})
		}
		v := s.OverallScore.Round(ScorePrecision)
		m.Rows[i].Daily[DateOf(s.Date).Day()-1] = &v
		if m.Rows[i].BrigadeName == "" {
			m.Rows[i].BrigadeName = s.BrigadeName
		}
	}

	prevSums := map[string][2]decimal.Decimal{}
	for _, s := range previous {
		if !prevMonth.Contains(s.Date) {
			continue
		}
		acc := prevSums[s.BrigadeID]
		acc[0] = acc[0].Add(s.OverallScore)
		acc[1] = acc[1].Add(decimal.NewFromInt(1))
		prevSums[s.BrigadeID] = acc
	}

	for i := range m.Rows {
		row := &m.Rows[i]
		row.MonthAvg = meanOf(row.Daily)
		if acc, ok := prevSums[row.BrigadeID]; ok && acc[1].IsPositive() {
			p := acc[0].Div(acc[1]).Round(ScorePrecision)
			row.PrevMonthAvg = &p
		}
		if row.MonthAvg != nil && row.PrevMonthAvg != nil {
			d := row.MonthAvg.Sub(*row.PrevMonthAvg)
			row.Delta = &d
		}
	}

	sort.SliceStable(m.Rows, func(i, j int) bool {
		a, b := m.Rows[i], m.Rows[j]
		if a.BrigadeName != b.BrigadeName {
			return a.BrigadeName < b.BrigadeName
		}
		return a.BrigadeID < b.BrigadeID
	})
	return m
}

// DayAverages is the per-day mean across brigades, nil for empty days.
func (m ScoreMatrix) DayAverages() []*decimal.Decimal {
	out := make([]*decimal.Decimal, len(m.Days))
	for d := range m.Days {
		col := make([]*decimal.Decimal, 0, len(m.Rows))
		for _, r := range m.Rows {
			col = append(col, r.Daily[d])
		}
		out[d] = meanOf(col)
	}
	return out
}

func meanOf(values []*decimal.Decimal) *decimal.Decimal {
	sum := decimal.Zero
	n := 0
	for _, v := range values {
		if v == nil {
			continue
		}
		sum = sum.Add(*v)
		n++
	}
	if n == 0 {
		return nil
	}
	avg := sum.Div(decimal.NewFromInt(int64(n))).Round(ScorePrecision)
	return &avg
}

func sortedScores(scores []BrigadeDailyScore) []BrigadeDailyScore {
	out := append([]BrigadeDailyScore(nil), scores...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BrigadeID != out[j].BrigadeID {
			return out[i].BrigadeID < out[j].BrigadeID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}
