package workbook

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// writeAnalytics lays out the brigade x day matrix. Chart series reference
// the very cells written here, so the chart cannot disagree with the table.
func writeAnalytics(w *sheetWriter, dto *AnalyticsDTO) error {
	m := dto.Matrix
	days := len(m.Days)
	avgCol := days + 2
	prevCol := days + 3
	deltaCol := days + 4

	w.text(1, 1, "Brigade")
	for i, d := range m.Days {
		w.integer(i+2, 1, d.Day())
	}
	w.text(avgCol, 1, "Month total")
	w.text(prevCol, 1, "Previous month")
	w.text(deltaCol, 1, "Change")
	w.style(1, 1, deltaCol, 1, w.styles.header)

	for i, r := range m.Rows {
		row := i + 2
		name := r.BrigadeName
		if name == "" {
			name = r.BrigadeID
		}
		w.text(1, row, name)
		for d, v := range r.Daily {
			w.number(d+2, row, v)
		}
		w.number(avgCol, row, r.MonthAvg)
		w.number(prevCol, row, r.PrevMonthAvg)
		w.number(deltaCol, row, r.Delta)
	}

	avgRow := len(m.Rows) + 2
	w.text(1, avgRow, "Average")
	w.style(1, avgRow, 1, avgRow, w.styles.label)
	for d, v := range m.DayAverages() {
		w.number(d+2, avgRow, v)
	}

	w.style(2, 2, prevCol, avgRow, w.styles.score)
	w.style(deltaCol, 2, deltaCol, avgRow, w.styles.delta)
	if w.err != nil {
		return w.err
	}
	if err := w.f.SetPanes(w.sheet, &excelize.Panes{Freeze: true, XSplit: 1, YSplit: 1, TopLeftCell: "B2", ActivePane: "bottomRight"}); err != nil {
		return err
	}
	scale := scoreScale(dto.ScoreFloor.StringFixed(2))
	if err := w.f.SetConditionalFormat(w.sheet, cellName(2, 2)+":"+cellName(prevCol, avgRow), scale); err != nil {
		return err
	}

	if len(m.Rows) == 0 || days == 0 {
		return nil
	}
	return w.f.AddChart(w.sheet, cellName(1, avgRow+3), matrixChart(w.sheet, len(m.Rows), days))
}

func matrixChart(sheet string, rows, days int) *excelize.Chart {
	lastDay := cellName(days+1, 1)
	series := make([]excelize.ChartSeries, 0, rows)
	for i := 0; i < rows; i++ {
		row := i + 2
		series = append(series, excelize.ChartSeries{
			Name:       fmt.Sprintf("'%s'!$A$%d", sheet, row),
			Categories: fmt.Sprintf("'%s'!$B$1:%s", sheet, absolute(lastDay)),
			Values:     fmt.Sprintf("'%s'!%s:%s", sheet, absolute(cellName(2, row)), absolute(cellName(days+1, row))),
			Marker:     excelize.ChartMarker{Symbol: "circle", Size: 5},
		})
	}
	lo, hi := 0.0, 100.0
	return &excelize.Chart{
		Type:      excelize.Line,
		Series:    series,
		Dimension: excelize.ChartDimension{Width: 960, Height: 360},
		Legend:    excelize.ChartLegend{Position: "bottom"},
		Title:     []excelize.RichTextRun{{Text: "Daily score by brigade"}},
		XAxis:     excelize.ChartAxis{Title: []excelize.RichTextRun{{Text: "Day"}}},
		YAxis: excelize.ChartAxis{
			MajorGridLines: true,
			Minimum:        &lo,
			Maximum:        &hi,
			Title:          []excelize.RichTextRun{{Text: "Score"}},
		},
		ShowBlanksAs: "gap",
	}
}

// absolute turns "AB12" into "$AB$12".
func absolute(cell string) string {
	col, row, err := excelize.SplitCellName(cell)
	if err != nil {
		return cell
	}
	return fmt.Sprintf("$%s$%d", col, row)
}
