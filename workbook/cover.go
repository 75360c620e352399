package workbook

import (
	"fmt"
	"strings"

	"github.com/Dm1tryAndreev1ch/apperate/analytics"
)

var metricLabels = map[string]string{
	analytics.MetricMeanScore:    "Mean score",
	analytics.MetricDefectCount:  "Defects",
	analytics.MetricRemarkCount:  "Remarks",
	analytics.MetricCheckCount:   "Checks",
	analytics.MetricBrigadeCount: "Brigades",
}

func writeCover(w *sheetWriter, dto *AnalyticsDTO) error {
	s := dto.Summary

	w.text(1, 1, dto.Title)
	w.style(1, 1, 1, 1, w.styles.title)
	if w.err == nil {
		w.err = w.f.MergeCell(w.sheet, "A1", "F1")
	}

	info := [][2]string{
		{"Mode", dto.Mode},
		{"Subject", dto.SubjectKey},
		{"Period", fmt.Sprintf("%s %s", s.Granularity, s.Bounds())},
		{"Filters", describeFilters(s.Filters)},
		{"Formula version", dto.FormulaVersion},
	}
	for i, kv := range info {
		row := 3 + i
		w.text(1, row, kv[0])
		w.text(2, row, kv[1])
	}
	w.style(1, 3, 1, 2+len(info), w.styles.label)

	// KPI cards: label, value, change vs previous period.
	const cardRow = 11
	w.text(1, cardRow-1, "Key indicators")
	w.style(1, cardRow-1, 1, cardRow-1, w.styles.label)
	for i, name := range analytics.MetricNames {
		col := i + 1
		w.text(col, cardRow, metricLabels[name])
		if v, ok := s.Metrics[name]; ok {
			w.number(col, cardRow+1, decPtr(v))
		}
		if d, ok := s.Delta(name); ok {
			w.number(col, cardRow+2, decPtr(d))
			w.style(col, cardRow+2, col, cardRow+2, w.styles.delta)
		} else {
			w.text(col, cardRow+2, "n/a")
		}
	}
	last := len(analytics.MetricNames)
	w.style(1, cardRow, last, cardRow, w.styles.cardHead)
	w.style(1, cardRow+1, last, cardRow+1, w.styles.cardVal)
	w.text(last+1, cardRow+2, "vs previous period")

	counts := map[analytics.Severity]int{}
	for _, a := range dto.Alerts {
		counts[a.Severity]++
	}
	alertRow := cardRow + 4
	w.text(1, alertRow, "Alerts")
	w.style(1, alertRow, 1, alertRow, w.styles.label)
	for i, sev := range []analytics.Severity{analytics.SeverityCritical, analytics.SeverityWarning, analytics.SeverityInfo} {
		row := alertRow + 1 + i
		w.text(1, row, string(sev))
		w.integer(2, row, counts[sev])
		w.style(1, row, 1, row, w.styles.severity[sev])
	}

	boardRow := alertRow + 5
	w.text(1, boardRow, "Leaderboard")
	w.style(1, boardRow, 1, boardRow, w.styles.label)
	w.header(boardRow+1, "Rank", "Brigade", "Mean score", "Days")
	for i, e := range s.Leaderboard {
		row := boardRow + 2 + i
		name := e.BrigadeName
		if name == "" {
			name = e.BrigadeID
		}
		w.integer(1, row, e.Rank)
		w.text(2, row, name)
		w.number(3, row, decPtr(e.MeanScore))
		w.integer(4, row, e.Days)
	}
	if n := len(s.Leaderboard); n > 0 && w.err == nil {
		first, lastRow := boardRow+2, boardRow+1+n
		w.style(3, first, 3, lastRow, w.styles.score)
		w.err = w.f.SetConditionalFormat(w.sheet, fmt.Sprintf("C%d:C%d", first, lastRow), scoreScale(dto.ScoreFloor.StringFixed(2)))
	}
	return w.err
}

func describeFilters(f analytics.Filters) string {
	var parts []string
	if f.Department != "" {
		parts = append(parts, "department="+f.Department)
	}
	if f.Brigade != "" {
		parts = append(parts, "brigade="+f.Brigade)
	}
	if f.Author != "" {
		parts = append(parts, "author="+f.Author)
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}
