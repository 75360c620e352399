package workbook

import (
	"context"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const (
	SheetCover     = "Cover"
	SheetAnalytics = "Analytics"
	SheetIssues    = "Issues"
	SheetChecks    = "Checks"
)

// SheetOrder is the fixed order of sheets in every report.
var SheetOrder = []string{SheetCover, SheetAnalytics, SheetIssues, SheetChecks}

const maxColWidth = 60

// Render builds the workbook for dto. Output depends only on dto, so equal
// inputs produce equal bytes.
func Render(ctx context.Context, dto *AnalyticsDTO) ([]byte, error) {
	if err := Validate(dto); err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetCover); err != nil {
		return nil, &WorkbookBuildError{Err: err}
	}
	for _, name := range SheetOrder[1:] {
		if _, err := f.NewSheet(name); err != nil {
			return nil, &WorkbookBuildError{Err: err}
		}
	}

	styles, err := newStyleSet(f)
	if err != nil {
		return nil, &WorkbookBuildError{Err: err}
	}

	steps := []struct {
		sheet string
		write func(*sheetWriter, *AnalyticsDTO) error
	}{
		{SheetCover, writeCover},
		{SheetAnalytics, writeAnalytics},
		{SheetIssues, writeIssues},
		{SheetChecks, writeChecks},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w := newSheetWriter(f, step.sheet, styles)
		if err := step.write(w, dto); err != nil {
			return nil, &WorkbookBuildError{Reason: "sheet " + step.sheet, Err: err}
		}
		if err := w.applyWidths(); err != nil {
			return nil, &WorkbookBuildError{Err: err}
		}
	}

	f.SetActiveSheet(0)
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, &WorkbookBuildError{Err: err}
	}
	return buf.Bytes(), nil
}

// sheetWriter tracks column widths while cells are written.
type sheetWriter struct {
	f      *excelize.File
	sheet  string
	styles *styleSet
	widths map[int]int
	err    error
}

func newSheetWriter(f *excelize.File, sheet string, styles *styleSet) *sheetWriter {
	return &sheetWriter{f: f, sheet: sheet, styles: styles, widths: map[int]int{}}
}

func cellName(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}

func (w *sheetWriter) track(col int, text string) {
	if n := utf8.RuneCountInString(text); n > w.widths[col] {
		w.widths[col] = n
	}
}

func (w *sheetWriter) text(col, row int, v string) {
	if w.err != nil {
		return
	}
	w.track(col, v)
	w.err = w.f.SetCellStr(w.sheet, cellName(col, row), v)
}

func (w *sheetWriter) integer(col, row, v int) {
	if w.err != nil {
		return
	}
	w.track(col, fmt.Sprint(v))
	w.err = w.f.SetCellInt(w.sheet, cellName(col, row), v)
}

// number writes a 2-decimal value; nil leaves the cell blank.
func (w *sheetWriter) number(col, row int, v *decimal.Decimal) {
	if w.err != nil || v == nil {
		return
	}
	w.track(col, v.StringFixed(2))
	w.err = w.f.SetCellFloat(w.sheet, cellName(col, row), v.Round(2).InexactFloat64(), 2, 64)
}

func (w *sheetWriter) style(fromCol, fromRow, toCol, toRow, style int) {
	if w.err != nil {
		return
	}
	w.err = w.f.SetCellStyle(w.sheet, cellName(fromCol, fromRow), cellName(toCol, toRow), style)
}

func (w *sheetWriter) header(row int, titles ...string) {
	for i, t := range titles {
		w.text(i+1, row, t)
	}
	if len(titles) > 0 {
		w.style(1, row, len(titles), row, w.styles.header)
	}
}

func (w *sheetWriter) applyWidths() error {
	if w.err != nil {
		return w.err
	}
	cols := make([]int, 0, len(w.widths))
	for col := range w.widths {
		cols = append(cols, col)
	}
	sort.Ints(cols)
	for _, col := range cols {
		n := w.widths[col]
		name, err := excelize.ColumnNumberToName(col)
		if err != nil {
			return err
		}
		width := n + 4
		if width > maxColWidth {
			width = maxColWidth
		}
		if err := w.f.SetColWidth(w.sheet, name, name, float64(width)); err != nil {
			return err
		}
	}
	return nil
}

func decPtr(d decimal.Decimal) *decimal.Decimal { return &d }
