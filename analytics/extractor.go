package analytics

import (
	"encoding/json"
	"strconv"
	"strings"
)

var defaultFailValues = []string{"not_ok", "fail", "no"}

// Extract resolves one completed check against its template into facts, in
// template order. Answers to questions the template does not declare are ignored.
func Extract(check CheckInstance, schema TemplateSchema) ([]CheckFact, error) {
	if !strings.EqualFold(check.Status, CheckStatusCompleted) {
		return nil, &IncompleteCheckError{CheckID: check.ID, Status: check.Status}
	}

	answers := make(map[string]Answer, len(check.Answers))
	for _, a := range check.Answers {
		answers[a.QuestionID] = a
	}

	ts := check.StartedAt.UTC()
	if check.FinishedAt != nil {
		ts = check.FinishedAt.UTC()
	}

	leaves := schema.Leaves()
	facts := make([]CheckFact, 0, len(leaves))
	for _, leaf := range leaves {
		q := leaf.Spec
		severity := q.Severity
		if _, ok := ParseSeverity(string(severity)); !ok {
			severity = SeverityInfo
		}
		fact := CheckFact{
			CheckID:            check.ID,
			QuestionID:         q.ID,
			QuestionText:       q.Text,
			Section:            leaf.Section,
			Severity:           severity,
			RequiresAttachment: q.RequiresPhoto,
			Timestamp:          ts,
			Attachments:        []string{},
			BrigadeID:          check.BrigadeID,
			DepartmentID:       check.DepartmentID,
		}

		a, ok := answers[q.ID]
		if ok {
			fact.AnswerValue = normalizeValue(a.Value)
			fact.Comment = strings.TrimSpace(a.Comment)
			if len(a.Attachments) > 0 {
				fact.Attachments = append(fact.Attachments, a.Attachments...)
			}
		}
		fact.Answered = ok && (fact.AnswerValue != "" || len(fact.Attachments) > 0)

		if !fact.Answered {
			if !q.Required {
				continue
			}
			fact.Severity = SeverityCritical
			fact.IsPass = false
			facts = append(facts, fact)
			continue
		}
		fact.IsPass = evaluate(q, fact.AnswerValue, len(fact.Attachments))
		facts = append(facts, fact)
	}
	return facts, nil
}

func evaluate(q QuestionSpec, value string, attachments int) bool {
	switch q.Type {
	case QuestionBoolean:
		switch strings.ToLower(value) {
		case "true", "yes", "ok", "1":
			return true
		}
		return false
	case QuestionSingleChoice:
		if len(q.PassValues) > 0 {
			return containsFold(q.PassValues, value)
		}
		fail := q.FailValues
		if len(fail) == 0 {
			fail = defaultFailValues
		}
		return !containsFold(fail, value)
	case QuestionNumber:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return false
		}
		if q.Min != nil && n < *q.Min {
			return false
		}
		if q.Max != nil && n > *q.Max {
			return false
		}
		return true
	case QuestionPhoto:
		return attachments > 0
	default:
		return true
	}
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}

func normalizeValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
