package analytics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const ScorePrecision = 2

var hundred = decimal.NewFromInt(100)

// Formula is the versioned scoring configuration. Every score row records the
// Version that produced it.
type Formula struct {
	Version              string
	SectionWeights       map[string]decimal.Decimal
	DefaultSectionWeight decimal.Decimal
	SeverityWeights      map[Severity]decimal.Decimal
}

func DefaultFormula() Formula {
	return Formula{
		Version:              "v1",
		SectionWeights:       map[string]decimal.Decimal{},
		DefaultSectionWeight: decimal.NewFromInt(1),
		SeverityWeights: map[Severity]decimal.Decimal{
			SeverityCritical: decimal.NewFromInt(3),
			SeverityWarning:  decimal.NewFromInt(2),
			SeverityInfo:     decimal.NewFromInt(1),
		},
	}
}

func (f Formula) sectionWeight(section string) decimal.Decimal {
	if w, ok := f.SectionWeights[section]; ok {
		return w
	}
	// Weights loaded through viper arrive with lowercased keys.
	if w, ok := f.SectionWeights[strings.ToLower(section)]; ok {
		return w
	}
	return f.DefaultSectionWeight
}

func (f Formula) severityWeight(s Severity) decimal.Decimal {
	if w, ok := f.SeverityWeights[s]; ok {
		return w
	}
	return decimal.NewFromInt(1)
}

type sectionTally struct {
	passed decimal.Decimal
	total  decimal.Decimal
	facts  int
}

// AggregateDaily scores one brigade-day. A section contributes only when it
// has facts; a day with no contributing section is an InsufficientDataError.
func AggregateDaily(brigadeID string, date time.Time, facts []CheckFact, formula Formula) (BrigadeDailyScore, error) {
	day := DateOf(date)
	subject := fmt.Sprintf("brigade %s on %s", brigadeID, FormatDate(day))

	tallies := map[string]*sectionTally{}
	checks := map[string]struct{}{}
	score := BrigadeDailyScore{
		BrigadeID:       brigadeID,
		Date:            day,
		FormulaVersion:  formula.Version,
		ComponentScores: map[string]decimal.Decimal{},
	}

	for _, f := range facts {
		if f.BrigadeID != "" && f.BrigadeID != brigadeID {
			return BrigadeDailyScore{}, fmt.Errorf("aggregate %s: fact %s/%s belongs to brigade %s", subject, f.CheckID, f.QuestionID, f.BrigadeID)
		}
		if score.DepartmentID == "" {
			score.DepartmentID = f.DepartmentID
		}
		t := tallies[f.Section]
		if t == nil {
			t = &sectionTally{}
			tallies[f.Section] = t
		}
		w := formula.severityWeight(f.Severity)
		t.total = t.total.Add(w)
		if f.IsPass {
			t.passed = t.passed.Add(w)
		} else {
			score.DefectCount++
		}
		if f.Comment != "" {
			score.RemarkCount++
		}
		t.facts++
		checks[f.CheckID] = struct{}{}
	}

	sections := make([]string, 0, len(tallies))
	for name := range tallies {
		sections = append(sections, name)
	}
	sort.Strings(sections)

	weighted := decimal.Zero
	weights := decimal.Zero
	for _, name := range sections {
		t := tallies[name]
		if t.facts == 0 || !t.total.IsPositive() {
			continue
		}
		sectionScore := t.passed.Div(t.total).Mul(hundred)
		score.ComponentScores[name] = sectionScore.Round(ScorePrecision)
		score.SampleSize += t.facts

		sw := formula.sectionWeight(name)
		if !sw.IsPositive() {
			continue
		}
		weighted = weighted.Add(sectionScore.Mul(sw))
		weights = weights.Add(sw)
	}

	if !weights.IsPositive() {
		return BrigadeDailyScore{}, &InsufficientDataError{Subject: subject, Reason: "no section with weighted facts"}
	}

	score.OverallScore = weighted.Div(weights).Round(ScorePrecision)
	score.CheckCount = len(checks)
	return score, nil
}

// GroupFactsByBrigadeDay buckets facts for AggregateDaily. Facts without a
// brigade are left out.
func GroupFactsByBrigadeDay(facts []CheckFact) map[BrigadeDay][]CheckFact {
	out := map[BrigadeDay][]CheckFact{}
	for _, f := range facts {
		if f.BrigadeID == "" {
			continue
		}
		key := BrigadeDay{BrigadeID: f.BrigadeID, Date: FormatDate(f.Timestamp)}
		out[key] = append(out[key], f)
	}
	return out
}

type BrigadeDay struct {
	BrigadeID string
	Date      string
}

// SortedBrigadeDays returns the keys of a grouping in (date, brigade) order.
func SortedBrigadeDays(groups map[BrigadeDay][]CheckFact) []BrigadeDay {
	keys := make([]BrigadeDay, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Date != keys[j].Date {
			return keys[i].Date < keys[j].Date
		}
		return keys[i].BrigadeID < keys[j].BrigadeID
	})
	return keys
}
