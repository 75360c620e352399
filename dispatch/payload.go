package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/Dm1tryAndreev1ch/apperate/analytics"
)

const titleSnippetLength = 50

// OwnerResolver finds the person responsible for an alert's subject.
type OwnerResolver interface {
	ResolveOwner(ctx context.Context, alert analytics.AlertRecord) (string, bool)
}

// StaticOwners resolves owners from configured brigade and department maps,
// brigade first.
type StaticOwners struct {
	ByBrigade    map[string]string
	ByDepartment map[string]string
}

func (o StaticOwners) ResolveOwner(_ context.Context, a analytics.AlertRecord) (string, bool) {
	if id := o.ByBrigade[a.BrigadeID]; a.BrigadeID != "" && id != "" {
		return id, true
	}
	if id := o.ByDepartment[a.DepartmentID]; a.DepartmentID != "" && id != "" {
		return id, true
	}
	return "", false
}

type PayloadSettings struct {
	TitlePrefix          string
	DefaultResponsibleID string
	PublicBaseURL        string
}

// BuildPayload renders the ticket for one alert. The content hash travels as a
// tag so FindTicket can locate the ticket later.
func BuildPayload(ctx context.Context, a analytics.AlertRecord, owners OwnerResolver, s PayloadSettings) TicketPayload {
	responsible := s.DefaultResponsibleID
	if owners != nil {
		if id, ok := owners.ResolveOwner(ctx, a); ok {
			responsible = id
		}
	}

	snippet := []rune(a.HumanDescription)
	if len(snippet) > titleSnippetLength {
		snippet = snippet[:titleSnippetLength]
	}
	title := fmt.Sprintf("%s %s: %s", s.TitlePrefix, a.Kind, strings.TrimSpace(string(snippet)))

	lines := []string{
		"Severity: " + strings.ToUpper(string(a.Severity)),
		"Kind: " + string(a.Kind),
		"Subject: " + a.SubjectRef,
	}
	if a.CheckID != "" {
		lines = append(lines, "Check: "+a.CheckID)
		if base := strings.TrimRight(s.PublicBaseURL, "/"); base != "" {
			lines = append(lines, "Link: "+base+"/checks/"+a.CheckID)
		}
	}
	if a.BrigadeID != "" {
		lines = append(lines, "Brigade: "+a.BrigadeID)
	}
	if a.DepartmentID != "" {
		lines = append(lines, "Department: "+a.DepartmentID)
	}
	if a.Date != "" {
		lines = append(lines, "Date: "+a.Date)
	}
	lines = append(lines, "", a.HumanDescription, "", "Alert hash: "+a.ContentHash)

	tags := []string{s.TitlePrefixTag(), "severity:" + string(a.Severity), "kind:" + string(a.Kind)}
	if a.DepartmentID != "" {
		tags = append(tags, "department:"+a.DepartmentID)
	}
	tags = append(tags, HashTag(a.ContentHash))

	return TicketPayload{
		Title:         strings.TrimSpace(title),
		Description:   strings.Join(lines, "\n"),
		ResponsibleID: responsible,
		Status:        TicketPending,
		Tags:          tags,
		ContentHash:   a.ContentHash,
	}
}

// TitlePrefixTag is the prefix without decoration, e.g. "[QC]" -> "QC".
func (s PayloadSettings) TitlePrefixTag() string {
	tag := strings.Trim(s.TitlePrefix, "[] ")
	if tag == "" {
		return "QC"
	}
	return tag
}

func HashTag(contentHash string) string {
	return "hash:" + contentHash
}
