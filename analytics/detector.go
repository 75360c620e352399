package analytics

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
)

type Thresholds struct {
	LowScoreFloor decimal.Decimal
	// MinSampleSize below which a scheduled brigade-day is a data gap. Zero
	// disables the rule.
	MinSampleSize int
}

func DefaultThresholds() Thresholds {
	return Thresholds{LowScoreFloor: decimal.NewFromInt(70), MinSampleSize: 1}
}

// Detect runs every rule over scores and facts without coverage expectations.
func Detect(scores []BrigadeDailyScore, facts []CheckFact, th Thresholds) []AlertRecord {
	return DetectWithCoverage(scores, facts, nil, th)
}

// DetectWithCoverage also raises data_gap for expected brigade-days that have
// no or too few facts. The output is ordered by kind, then subject, and holds
// at most one record per content hash.
func DetectWithCoverage(scores []BrigadeDailyScore, facts []CheckFact, expected []BrigadeDay, th Thresholds) []AlertRecord {
	var out []AlertRecord
	for _, f := range facts {
		if f.Severity == SeverityCritical && !f.IsPass {
			out = append(out, criticalFailure(f))
		}
		if f.RequiresAttachment && len(f.Attachments) == 0 {
			out = append(out, missingAttachment(f))
		}
	}

	scoreBySlot := map[BrigadeDay]BrigadeDailyScore{}
	for _, s := range scores {
		date := FormatDate(s.Date)
		scoreBySlot[BrigadeDay{BrigadeID: s.BrigadeID, Date: date}] = s
		if s.OverallScore.LessThan(th.LowScoreFloor) {
			out = append(out, lowScore(s, th.LowScoreFloor))
		}
	}

	if th.MinSampleSize > 0 {
		if expected == nil {
			for slot, s := range scoreBySlot {
				if s.SampleSize < th.MinSampleSize {
					out = append(out, dataGap(slot, s.SampleSize, s.DepartmentID, th.MinSampleSize))
				}
			}
		} else {
			for _, slot := range expected {
				s, ok := scoreBySlot[slot]
				sample, dept := 0, ""
				if ok {
					sample, dept = s.SampleSize, s.DepartmentID
				}
				if sample < th.MinSampleSize {
					out = append(out, dataGap(slot, sample, dept, th.MinSampleSize))
				}
			}
		}
	}

	return canonicalize(out)
}

func canonicalize(alerts []AlertRecord) []AlertRecord {
	sort.SliceStable(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]
		if a.Kind.order() != b.Kind.order() {
			return a.Kind.order() < b.Kind.order()
		}
		if a.SubjectRef != b.SubjectRef {
			return a.SubjectRef < b.SubjectRef
		}
		return a.ContentHash < b.ContentHash
	})
	seen := map[string]bool{}
	out := make([]AlertRecord, 0, len(alerts))
	for _, a := range alerts {
		if seen[a.ContentHash] {
			continue
		}
		seen[a.ContentHash] = true
		out = append(out, a)
	}
	return out
}

func criticalFailure(f CheckFact) AlertRecord {
	ref := CheckSubjectRef(f.CheckID, f.QuestionID)
	answer := f.AnswerValue
	desc := fmt.Sprintf("Critical question %q failed in check %s (answer: %s)", label(f), f.CheckID, answer)
	if !f.Answered {
		answer = "unanswered"
		desc = fmt.Sprintf("Required question %q was left unanswered in check %s", label(f), f.CheckID)
	}
	return AlertRecord{
		Kind:             AlertCriticalFailure,
		SubjectRef:       ref,
		Severity:         SeverityCritical,
		HumanDescription: desc,
		ContentHash:      ContentHash(AlertCriticalFailure, ref, "answer="+answer),
		CheckID:          f.CheckID,
		QuestionID:       f.QuestionID,
		BrigadeID:        f.BrigadeID,
		DepartmentID:     f.DepartmentID,
		Date:             FormatDate(f.Timestamp),
	}
}

func missingAttachment(f CheckFact) AlertRecord {
	ref := CheckSubjectRef(f.CheckID, f.QuestionID)
	return AlertRecord{
		Kind:             AlertMissingAttachment,
		SubjectRef:       ref,
		Severity:         SeverityWarning,
		HumanDescription: fmt.Sprintf("Question %q in check %s requires photo evidence but has no attachment", label(f), f.CheckID),
		ContentHash:      ContentHash(AlertMissingAttachment, ref, "attachments=0"),
		CheckID:          f.CheckID,
		QuestionID:       f.QuestionID,
		BrigadeID:        f.BrigadeID,
		DepartmentID:     f.DepartmentID,
		Date:             FormatDate(f.Timestamp),
	}
}

func lowScore(s BrigadeDailyScore, floor decimal.Decimal) AlertRecord {
	date := FormatDate(s.Date)
	ref := BrigadeDaySubjectRef(s.BrigadeID, date)
	name := s.BrigadeName
	if name == "" {
		name = s.BrigadeID
	}
	return AlertRecord{
		Kind:       AlertLowScore,
		SubjectRef: ref,
		Severity:   SeverityWarning,
		HumanDescription: fmt.Sprintf("Brigade %s scored %s on %s, below the floor of %s",
			name, s.OverallScore.StringFixed(ScorePrecision), date, floor.StringFixed(ScorePrecision)),
		ContentHash: ContentHash(AlertLowScore, ref,
			"score="+s.OverallScore.Round(0).String(), "floor="+floor.StringFixed(ScorePrecision)),
		BrigadeID:    s.BrigadeID,
		DepartmentID: s.DepartmentID,
		Date:         date,
	}
}

func dataGap(slot BrigadeDay, sample int, department string, min int) AlertRecord {
	ref := BrigadeDaySubjectRef(slot.BrigadeID, slot.Date)
	return AlertRecord{
		Kind:             AlertDataGap,
		SubjectRef:       ref,
		Severity:         SeverityWarning,
		HumanDescription: fmt.Sprintf("Brigade %s has %d checked answers on %s, expected at least %d", slot.BrigadeID, sample, slot.Date, min),
		ContentHash:      ContentHash(AlertDataGap, ref, "sample="+strconv.Itoa(sample), "min="+strconv.Itoa(min)),
		BrigadeID:        slot.BrigadeID,
		DepartmentID:     department,
		Date:             slot.Date,
	}
}

func label(f CheckFact) string {
	if f.QuestionText != "" {
		return f.QuestionText
	}
	return f.QuestionID
}
