package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/Dm1tryAndreev1ch/apperate/analytics"
)

// ScoreCalculator turns completed checks into stored brigade daily scores.
type ScoreCalculator struct {
	Checks    CheckSource
	Templates TemplateSource
	Scores    ScoreRepository
	Formula   analytics.Formula
}

type RecomputeResult struct {
	Checks  []analytics.CheckInstance
	Facts   []analytics.CheckFact
	Written []analytics.BrigadeDailyScore
	Removed []analytics.BrigadeDay
}

// Extraction holds the facts of a set of checks in check order.
type Extraction struct {
	Facts []analytics.CheckFact
	// TemplateNames maps check id to the name of its template.
	TemplateNames map[string]string
}

// ExtractChecks extracts every check, resolving each template version once.
func (c *ScoreCalculator) ExtractChecks(ctx context.Context, checks []analytics.CheckInstance) (*Extraction, error) {
	schemas := map[string]analytics.TemplateSchema{}
	out := &Extraction{TemplateNames: map[string]string{}}
	for _, check := range checks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := check.TemplateID + "@" + strconv.Itoa(check.TemplateVersion)
		schema, ok := schemas[key]
		if !ok {
			var err error
			schema, err = c.Templates.GetTemplateSchema(ctx, check.TemplateID, check.TemplateVersion)
			if err != nil {
				return nil, fmt.Errorf("template of check %s: %w", check.ID, err)
			}
			schemas[key] = schema
		}
		checkFacts, err := analytics.Extract(check, schema)
		if err != nil {
			return nil, err
		}
		out.Facts = append(out.Facts, checkFacts...)
		out.TemplateNames[check.ID] = schema.Name
	}
	return out, nil
}

// Recompute rescores brigade-days in bounds matching filters; the author
// filter does not apply to stored scores. Rows whose brigade-day no longer has
// scoreable facts are removed. A non-nil only restricts the brigade-days
// touched.
func (c *ScoreCalculator) Recompute(ctx context.Context, bounds analytics.PeriodBounds, filters analytics.Filters, only map[analytics.BrigadeDay]bool) (*RecomputeResult, error) {
	filters.Author = ""
	checks, err := c.Checks.ListCompletedChecks(ctx, bounds, filters)
	if err != nil {
		return nil, fmt.Errorf("list checks %s: %w", bounds, err)
	}
	extracted, err := c.ExtractChecks(ctx, checks)
	if err != nil {
		return nil, err
	}
	res := &RecomputeResult{Checks: checks, Facts: extracted.Facts}

	names := map[string]string{}
	for _, check := range checks {
		if check.BrigadeName != "" {
			names[check.BrigadeID] = check.BrigadeName
		}
	}

	groups := analytics.GroupFactsByBrigadeDay(res.Facts)
	targets := map[analytics.BrigadeDay]bool{}
	if only != nil {
		for slot := range only {
			targets[slot] = true
		}
	} else {
		for slot := range groups {
			targets[slot] = true
		}
		stored, err := c.Scores.ListDailyScores(ctx, bounds, filters)
		if err != nil {
			return nil, fmt.Errorf("list daily scores %s: %w", bounds, err)
		}
		for _, s := range stored {
			targets[analytics.BrigadeDay{BrigadeID: s.BrigadeID, Date: analytics.FormatDate(s.Date)}] = true
		}
	}

	for _, slot := range sortedSlots(targets) {
		slotFacts := groups[slot]
		if len(slotFacts) == 0 {
			res.Removed = append(res.Removed, slot)
			continue
		}
		date, err := analytics.ParseDate(slot.Date)
		if err != nil {
			return nil, err
		}
		score, err := analytics.AggregateDaily(slot.BrigadeID, date, slotFacts, c.Formula)
		var insufficient *analytics.InsufficientDataError
		if errors.As(err, &insufficient) {
			res.Removed = append(res.Removed, slot)
			continue
		}
		if err != nil {
			return nil, err
		}
		score.BrigadeName = names[slot.BrigadeID]
		res.Written = append(res.Written, score)
	}

	if err := c.Scores.ReplaceDailyScores(ctx, res.Written, res.Removed); err != nil {
		return nil, fmt.Errorf("store daily scores %s: %w", bounds, err)
	}
	return res, nil
}

// RefreshStale recomputes the brigade-days in bounds whose stored score came
// from another formula version.
func (c *ScoreCalculator) RefreshStale(ctx context.Context, bounds analytics.PeriodBounds, filters analytics.Filters) (int, error) {
	filters.Author = ""
	stale, err := c.Scores.ListStaleBrigadeDays(ctx, bounds, filters, c.Formula.Version)
	if err != nil {
		return 0, fmt.Errorf("list stale scores %s: %w", bounds, err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	only := make(map[analytics.BrigadeDay]bool, len(stale))
	narrowed := analytics.PeriodBounds{}
	for i, slot := range stale {
		only[slot] = true
		d, err := analytics.ParseDate(slot.Date)
		if err != nil {
			return 0, err
		}
		if i == 0 || d.Before(narrowed.Start) {
			narrowed.Start = d
		}
		if i == 0 || d.After(narrowed.End) {
			narrowed.End = d
		}
	}
	if _, err := c.Recompute(ctx, narrowed, filters, only); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func sortedSlots(set map[analytics.BrigadeDay]bool) []analytics.BrigadeDay {
	out := make([]analytics.BrigadeDay, 0, len(set))
	for slot := range set {
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].BrigadeID < out[j].BrigadeID
	})
	return out
}
