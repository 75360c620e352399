package workbook

import "strings"

func writeChecks(w *sheetWriter, dto *AnalyticsDTO) error {
	w.header(1, "Check", "Date", "Brigade", "Inspector", "Section", "Question", "Answer", "Pass", "Severity", "Comment", "Attachments")

	row := 2
	for _, c := range dto.Checks {
		brigade := c.BrigadeName
		if brigade == "" {
			brigade = c.BrigadeID
		}
		for _, f := range c.Facts {
			w.text(1, row, c.CheckID)
			w.text(2, row, c.Date)
			w.text(3, row, brigade)
			w.text(4, row, c.InspectorName)
			w.text(5, row, f.Section)
			question := f.QuestionText
			if question == "" {
				question = f.QuestionID
			}
			w.text(6, row, question)
			if f.Answered {
				w.text(7, row, f.AnswerValue)
			} else {
				w.text(7, row, "(no answer)")
			}
			if f.IsPass {
				w.text(8, row, "yes")
			} else {
				w.text(8, row, "no")
			}
			w.text(9, row, string(f.Severity))
			if !f.IsPass {
				w.style(8, row, 9, row, w.styles.severity[f.Severity])
			}
			w.text(10, row, f.Comment)
			w.text(11, row, strings.Join(f.Attachments, "; "))
			row++
		}
	}
	return w.err
}
