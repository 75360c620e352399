package analytics

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect_ScenarioOneCriticalFailure(t *testing.T) {
	facts := []CheckFact{
		fact("c1", "q1", "safety", SeverityCritical, true),
		fact("c2", "q1", "safety", SeverityCritical, true),
		fact("c3", "q1", "safety", SeverityCritical, false),
	}
	score, err := AggregateDaily("b1", day, facts, DefaultFormula())
	require.NoError(t, err)

	th := Thresholds{LowScoreFloor: decimal.NewFromInt(50), MinSampleSize: 1}
	alerts := Detect([]BrigadeDailyScore{score}, facts, th)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCriticalFailure, alerts[0].Kind)
	assert.Equal(t, "check:c3/question:q1", alerts[0].SubjectRef)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Len(t, alerts[0].ContentHash, 32)
}

func TestDetect_AllRules(t *testing.T) {
	photo := fact("c1", "q9", "hygiene", SeverityInfo, true)
	photo.RequiresAttachment = true
	facts := []CheckFact{
		fact("c1", "q1", "safety", SeverityCritical, false),
		photo,
	}
	low := dailyScore("b1", day, "42.5")
	thin := dailyScore("b2", day, "95")
	thin.SampleSize = 1
	th := Thresholds{LowScoreFloor: decimal.NewFromInt(70), MinSampleSize: 3}

	alerts := DetectWithCoverage(
		[]BrigadeDailyScore{thin, low},
		facts,
		[]BrigadeDay{{BrigadeID: "b2", Date: "2024-03-04"}, {BrigadeID: "b3", Date: "2024-03-04"}},
		th,
	)

	kinds := make([]AlertKind, 0, len(alerts))
	refs := make([]string, 0, len(alerts))
	for _, a := range alerts {
		kinds = append(kinds, a.Kind)
		refs = append(refs, a.SubjectRef)
	}
	assert.Equal(t, []AlertKind{AlertCriticalFailure, AlertMissingAttachment, AlertLowScore, AlertDataGap, AlertDataGap}, kinds)
	assert.Equal(t, []string{
		"check:c1/question:q1",
		"check:c1/question:q9",
		"brigade:b1/date:2024-03-04",
		"brigade:b2/date:2024-03-04",
		"brigade:b3/date:2024-03-04",
	}, refs)
}

func TestDetect_HashStableAcrossRunsAndWording(t *testing.T) {
	facts := []CheckFact{fact("c3", "q1", "safety", SeverityCritical, false)}
	a := Detect(nil, facts, DefaultThresholds())

	facts[0].QuestionText = "Reworded question text"
	b := Detect(nil, facts, DefaultThresholds())

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.NotEqual(t, a[0].HumanDescription, b[0].HumanDescription)
	assert.Equal(t, a[0].ContentHash, b[0].ContentHash)
}

func TestDetect_LowScoreHashUsesRoundedScore(t *testing.T) {
	th := DefaultThresholds()
	a := Detect([]BrigadeDailyScore{dailyScore("b1", day, "55.21")}, nil, th)
	b := Detect([]BrigadeDailyScore{dailyScore("b1", day, "55.24")}, nil, th)
	c := Detect([]BrigadeDailyScore{dailyScore("b1", day, "61.00")}, nil, th)
	require.Len(t, a, 1)
	assert.Equal(t, a[0].ContentHash, b[0].ContentHash)
	assert.NotEqual(t, a[0].ContentHash, c[0].ContentHash)
}

func TestDetect_DuplicateFactsCollapse(t *testing.T) {
	f := fact("c1", "q1", "safety", SeverityCritical, false)
	alerts := Detect(nil, []CheckFact{f, f}, DefaultThresholds())
	assert.Len(t, alerts, 1)
}

func TestDetect_DataGapDisabledByZeroMinimum(t *testing.T) {
	th := Thresholds{LowScoreFloor: decimal.Zero, MinSampleSize: 0}
	alerts := DetectWithCoverage(nil, nil, []BrigadeDay{{BrigadeID: "b1", Date: "2024-03-04"}}, th)
	assert.Empty(t, alerts)
}
