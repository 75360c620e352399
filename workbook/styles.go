package workbook

import (
	"github.com/Dm1tryAndreev1ch/apperate/analytics"
	"github.com/xuri/excelize/v2"
)

const (
	headerFill  = "173F5F"
	headerFont  = "FFFFFF"
	cardFill    = "EAF1F8"
	scoreFormat = "0.00"
	deltaFormat = "+0.00;-0.00;0.00"
)

type styleSet struct {
	title    int
	header   int
	label    int
	cardHead int
	cardVal  int
	score    int
	delta    int
	wrap     int
	link     int
	severity map[analytics.Severity]int
}

func newStyleSet(f *excelize.File) (*styleSet, error) {
	s := &styleSet{severity: map[analytics.Severity]int{}}
	score, delta := scoreFormat, deltaFormat

	defs := []struct {
		dst   *int
		style *excelize.Style
	}{
		{&s.title, &excelize.Style{Font: &excelize.Font{Bold: true, Size: 14}}},
		{&s.header, &excelize.Style{
			Font:      &excelize.Font{Bold: true, Color: headerFont},
			Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{headerFill}},
			Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center", WrapText: true},
		}},
		{&s.label, &excelize.Style{Font: &excelize.Font{Bold: true}}},
		{&s.cardHead, &excelize.Style{
			Font:      &excelize.Font{Bold: true, Color: headerFill},
			Fill:      excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{cardFill}},
			Alignment: &excelize.Alignment{Horizontal: "center"},
		}},
		{&s.cardVal, &excelize.Style{
			Font:         &excelize.Font{Bold: true, Size: 16},
			Fill:         excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{cardFill}},
			Alignment:    &excelize.Alignment{Horizontal: "center"},
			CustomNumFmt: &score,
		}},
		{&s.score, &excelize.Style{CustomNumFmt: &score, Alignment: &excelize.Alignment{Horizontal: "center"}}},
		{&s.delta, &excelize.Style{CustomNumFmt: &delta, Alignment: &excelize.Alignment{Horizontal: "center"}}},
		{&s.wrap, &excelize.Style{Alignment: &excelize.Alignment{Vertical: "top", WrapText: true}}},
		{&s.link, &excelize.Style{Font: &excelize.Font{Color: "1265BE", Underline: "single"}}},
	}
	for _, d := range defs {
		id, err := f.NewStyle(d.style)
		if err != nil {
			return nil, err
		}
		*d.dst = id
	}

	for _, sev := range []analytics.Severity{analytics.SeverityCritical, analytics.SeverityWarning, analytics.SeverityInfo} {
		id, err := f.NewStyle(&excelize.Style{
			Font: &excelize.Font{Bold: sev == analytics.SeverityCritical},
			Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{severityColor(sev)}},
		})
		if err != nil {
			return nil, err
		}
		s.severity[sev] = id
	}
	return s, nil
}

func severityColor(s analytics.Severity) string {
	switch s {
	case analytics.SeverityCritical:
		return "FFC7CE"
	case analytics.SeverityWarning:
		return "FFEB9C"
	default:
		return "DDEBF7"
	}
}

// scoreScale colors score cells red below the floor and green towards 100.
func scoreScale(floor string) []excelize.ConditionalFormatOptions {
	return []excelize.ConditionalFormatOptions{{
		Type:     "3_color_scale",
		Criteria: "=",
		MinType:  "num",
		MidType:  "num",
		MaxType:  "num",
		MinValue: "0",
		MidValue: floor,
		MaxValue: "100",
		MinColor: "#F8696B",
		MidColor: "#FFEB84",
		MaxColor: "#63BE7B",
	}}
}
