package workbook

import (
	"strings"

	"github.com/xuri/excelize/v2"
)

func writeIssues(w *sheetWriter, dto *AnalyticsDTO) error {
	w.header(1, "#", "Kind", "Severity", "Subject", "Description", "Check", "Ticket", "Content hash")
	base := strings.TrimRight(dto.PublicBaseURL, "/")

	for i, a := range dto.Alerts {
		row := i + 2
		w.integer(1, row, i+1)
		w.text(2, row, string(a.Kind))
		w.text(3, row, string(a.Severity))
		w.style(3, row, 3, row, w.styles.severity[a.Severity])
		w.text(4, row, a.SubjectRef)
		w.text(5, row, a.HumanDescription)
		w.style(5, row, 5, row, w.styles.wrap)
		if a.CheckID != "" {
			w.text(6, row, a.CheckID)
			if base != "" && w.err == nil {
				display := a.CheckID
				w.err = w.f.SetCellHyperLink(w.sheet, cellName(6, row), base+"/checks/"+a.CheckID, "External", excelize.HyperlinkOpts{Display: &display})
				w.style(6, row, 6, row, w.styles.link)
			}
		}
		if id, ok := dto.Tickets[a.ContentHash]; ok {
			w.text(7, row, id)
		}
		w.text(8, row, a.ContentHash)
	}

	if w.err == nil && len(dto.Alerts) > 0 {
		w.err = w.f.AutoFilter(w.sheet, "A1:"+cellName(8, len(dto.Alerts)+1), nil)
	}
	return w.err
}
