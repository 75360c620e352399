package analytics

import (
	"encoding/json"
	"fmt"
	"strings"
)

type NodeKind string

const (
	NodeSection  NodeKind = "section"
	NodeQuestion NodeKind = "question"
)

type QuestionType string

const (
	QuestionBoolean      QuestionType = "boolean"
	QuestionSingleChoice QuestionType = "single_choice"
	QuestionNumber       QuestionType = "number"
	QuestionText         QuestionType = "text"
	QuestionPhoto        QuestionType = "photo"
)

// Node is one element of a template tree. Sections carry children, questions
// carry a QuestionSpec and no children.
type Node struct {
	Kind     NodeKind      `json:"kind"`
	Name     string        `json:"name,omitempty"`
	Title    string        `json:"title,omitempty"`
	Children []Node        `json:"children,omitempty"`
	Question *QuestionSpec `json:"question,omitempty"`
}

type QuestionSpec struct {
	ID            string       `json:"id"`
	Text          string       `json:"text"`
	Type          QuestionType `json:"type"`
	Required      bool         `json:"required"`
	Severity      Severity     `json:"severity"`
	RequiresOK    bool         `json:"requires_ok,omitempty"`
	RequiresPhoto bool         `json:"requires_photo,omitempty"`
	PassValues    []string     `json:"pass_values,omitempty"`
	FailValues    []string     `json:"fail_values,omitempty"`
	Min           *float64     `json:"min,omitempty"`
	Max           *float64     `json:"max,omitempty"`
}

type TemplateSchema struct {
	TemplateID string `json:"template_id"`
	Version    int    `json:"version"`
	Name       string `json:"name,omitempty"`
	Root       Node   `json:"root"`
}

// LeafQuestion is a question resolved together with its enclosing section.
type LeafQuestion struct {
	Section string
	Spec    QuestionSpec
}

// Leaves flattens the tree depth-first in declaration order.
func (s TemplateSchema) Leaves() []LeafQuestion {
	var out []LeafQuestion
	var walk func(n Node, section string)
	walk = func(n Node, section string) {
		switch n.Kind {
		case NodeQuestion:
			if n.Question != nil {
				out = append(out, LeafQuestion{Section: section, Spec: *n.Question})
			}
		default:
			name := section
			if n.Name != "" {
				name = n.Name
			} else if n.Title != "" {
				name = n.Title
			}
			for _, c := range n.Children {
				walk(c, name)
			}
		}
	}
	walk(s.Root, "")
	return out
}

type rawSchema struct {
	Name     string       `json:"name"`
	Sections []rawSection `json:"sections"`
}

type rawSection struct {
	Name      string        `json:"name"`
	Title     string        `json:"title"`
	Questions []rawQuestion `json:"questions"`
	Sections  []rawSection  `json:"sections"`
}

type rawQuestion struct {
	ID       string       `json:"id"`
	Type     QuestionType `json:"type"`
	Text     string       `json:"text"`
	Required bool         `json:"required"`
	Meta     rawMeta      `json:"meta"`
}

type rawMeta struct {
	Severity      string   `json:"severity"`
	Critical      bool     `json:"critical"`
	RequiresOK    bool     `json:"requires_ok"`
	RequiresPhoto bool     `json:"requires_photo"`
	PassValues    []string `json:"pass_values"`
	FailValues    []string `json:"fail_values"`
	Min           *float64 `json:"min"`
	Max           *float64 `json:"max"`
}

// ParseTemplateSchema builds the tagged tree from the stored template JSON
// ({"sections":[{"name","questions":[{"id","type","required","meta"}]}]}).
func ParseTemplateSchema(templateID string, version int, data []byte) (TemplateSchema, error) {
	var raw rawSchema
	if err := json.Unmarshal(data, &raw); err != nil {
		return TemplateSchema{}, fmt.Errorf("parse template %s v%d: %w", templateID, version, err)
	}
	root := Node{Kind: NodeSection, Name: raw.Name}
	seen := map[string]bool{}
	for _, sec := range raw.Sections {
		n, err := buildSection(sec, seen)
		if err != nil {
			return TemplateSchema{}, fmt.Errorf("parse template %s v%d: %w", templateID, version, err)
		}
		root.Children = append(root.Children, n)
	}
	return TemplateSchema{TemplateID: templateID, Version: version, Name: raw.Name, Root: root}, nil
}

func buildSection(sec rawSection, seen map[string]bool) (Node, error) {
	n := Node{Kind: NodeSection, Name: strings.TrimSpace(sec.Name), Title: sec.Title}
	for _, q := range sec.Questions {
		id := strings.TrimSpace(q.ID)
		if id == "" {
			return Node{}, fmt.Errorf("section %q: question without id", n.Name)
		}
		if seen[id] {
			return Node{}, fmt.Errorf("duplicate question id %q", id)
		}
		seen[id] = true
		spec := QuestionSpec{
			ID:            id,
			Text:          q.Text,
			Type:          q.Type,
			Required:      q.Required,
			Severity:      resolveSeverity(q.Meta),
			RequiresOK:    q.Meta.RequiresOK,
			RequiresPhoto: q.Meta.RequiresPhoto || q.Type == QuestionPhoto,
			PassValues:    q.Meta.PassValues,
			FailValues:    q.Meta.FailValues,
			Min:           q.Meta.Min,
			Max:           q.Meta.Max,
		}
		n.Children = append(n.Children, Node{Kind: NodeQuestion, Question: &spec})
	}
	for _, child := range sec.Sections {
		c, err := buildSection(child, seen)
		if err != nil {
			return Node{}, err
		}
		n.Children = append(n.Children, c)
	}
	return n, nil
}

func resolveSeverity(m rawMeta) Severity {
	if s, ok := ParseSeverity(strings.ToLower(strings.TrimSpace(m.Severity))); ok {
		return s
	}
	if m.Critical {
		return SeverityCritical
	}
	return SeverityInfo
}
