package analytics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTemplateJSON = `{
  "name": "Line audit",
  "sections": [
    {
      "name": "safety",
      "questions": [
        {"id": "q1", "type": "boolean", "text": "Guards in place", "required": true, "meta": {"critical": true, "requires_ok": true}},
        {"id": "q2", "type": "single_choice", "text": "Floor condition", "meta": {"severity": "warning"}}
      ]
    },
    {
      "name": "hygiene",
      "questions": [
        {"id": "q3", "type": "photo", "text": "Workplace photo", "required": false},
        {"id": "q4", "type": "number", "text": "Temperature", "meta": {"min": 2, "max": 8}},
        {"id": "q5", "type": "text", "text": "Notes"}
      ]
    }
  ]
}`

func sampleSchema(t *testing.T) TemplateSchema {
	t.Helper()
	s, err := ParseTemplateSchema("tpl-1", 3, []byte(sampleTemplateJSON))
	require.NoError(t, err)
	return s
}

func completedCheck(id, brigade string, day time.Time, answers ...Answer) CheckInstance {
	finished := day.Add(10 * time.Hour)
	return CheckInstance{
		ID:              id,
		TemplateID:      "tpl-1",
		TemplateVersion: 3,
		BrigadeID:       brigade,
		DepartmentID:    "dep-1",
		Status:          CheckStatusCompleted,
		StartedAt:       day.Add(9 * time.Hour),
		FinishedAt:      &finished,
		Answers:         answers,
	}
}

func TestParseTemplateSchema_ResolvesSeverity(t *testing.T) {
	s := sampleSchema(t)
	leaves := s.Leaves()
	require.Len(t, leaves, 5)

	assert.Equal(t, "safety", leaves[0].Section)
	assert.Equal(t, SeverityCritical, leaves[0].Spec.Severity)
	assert.Equal(t, SeverityWarning, leaves[1].Spec.Severity)
	assert.Equal(t, SeverityInfo, leaves[2].Spec.Severity)
	assert.True(t, leaves[2].Spec.RequiresPhoto)
	assert.Equal(t, "hygiene", leaves[4].Section)
}

func TestParseTemplateSchema_RejectsDuplicateIDs(t *testing.T) {
	_, err := ParseTemplateSchema("tpl", 1, []byte(`{"sections":[{"name":"a","questions":[{"id":"x"},{"id":"x"}]}]}`))
	require.Error(t, err)
}

func TestExtract_IncompleteCheck(t *testing.T) {
	check := completedCheck("c1", "b1", time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC))
	check.Status = "in_progress"

	_, err := Extract(check, sampleSchema(t))
	var incomplete *IncompleteCheckError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, "incomplete_check", incomplete.Code())
}

func TestExtract_FactsInTemplateOrder(t *testing.T) {
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	check := completedCheck("c1", "b1", day,
		Answer{QuestionID: "q5", Value: "all good", Comment: "tidy"},
		Answer{QuestionID: "q1", Value: true},
		Answer{QuestionID: "q2", Value: "not_ok"},
		Answer{QuestionID: "q4", Value: 12.5},
		Answer{QuestionID: "unknown", Value: "ignored"},
	)

	facts, err := Extract(check, sampleSchema(t))
	require.NoError(t, err)
	require.Len(t, facts, 4)

	assert.Equal(t, []string{"q1", "q2", "q4", "q5"}, []string{facts[0].QuestionID, facts[1].QuestionID, facts[2].QuestionID, facts[3].QuestionID})
	assert.True(t, facts[0].IsPass)
	assert.Equal(t, SeverityCritical, facts[0].Severity)
	assert.False(t, facts[1].IsPass)
	assert.False(t, facts[2].IsPass, "12.5 is outside 2..8")
	assert.Equal(t, "12.5", facts[2].AnswerValue)
	assert.True(t, facts[3].IsPass)
	assert.Equal(t, "tidy", facts[3].Comment)
	assert.Equal(t, SeverityInfo, facts[3].Severity)
	for _, f := range facts {
		assert.Equal(t, "b1", f.BrigadeID)
		assert.Equal(t, day.Add(10*time.Hour), f.Timestamp)
	}
}

func TestExtract_UnansweredRequiredIsCriticalFailure(t *testing.T) {
	check := completedCheck("c1", "b1", time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		Answer{QuestionID: "q1", Value: ""},
	)

	facts, err := Extract(check, sampleSchema(t))
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "q1", facts[0].QuestionID)
	assert.False(t, facts[0].Answered)
	assert.False(t, facts[0].IsPass)
	assert.Equal(t, SeverityCritical, facts[0].Severity)

	alerts := Detect(nil, facts, DefaultThresholds())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCriticalFailure, alerts[0].Kind)
}

func TestExtract_PhotoWithoutAttachmentFails(t *testing.T) {
	check := completedCheck("c1", "b1", time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		Answer{QuestionID: "q1", Value: true},
		Answer{QuestionID: "q3", Value: "taken"},
	)
	facts, err := Extract(check, sampleSchema(t))
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.True(t, facts[1].RequiresAttachment)
	assert.False(t, facts[1].IsPass)
	assert.Empty(t, facts[1].Attachments)
}
