package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/analytics"
	"github.com/Dm1tryAndreev1ch/apperate/config"
	"github.com/Dm1tryAndreev1ch/apperate/models"
	"github.com/Dm1tryAndreev1ch/apperate/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	from := flag.String("from", "", "Optional: start date (YYYY-MM-DD). Defaults to the first day of the current month.")
	to := flag.String("to", "", "Optional: end date (YYYY-MM-DD). Defaults to today (UTC).")
	brigade := flag.String("brigade", "", "Optional: backfill only one brigade.")
	department := flag.String("department", "", "Optional: backfill only one department.")
	staleOnly := flag.Bool("stale-only", false, "Only recompute days scored with another formula version.")
	settingsFile := flag.String("settings", "", "Optional: settings file (defaults to QC_SETTINGS_FILE).")
	flag.Parse()

	logger := config.GetLogger()
	settings, err := config.LoadSettings(*settingsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load settings: %v\n", err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	bounds, err := parseRange(*from, *to, now)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	filters := analytics.Filters{
		Department: strings.TrimSpace(*department),
		Brigade:    strings.TrimSpace(*brigade),
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	// Ensure schema is up-to-date (creates brigade_daily_scores if missing).
	models.MigrateTable()

	calc := &workflow.ScoreCalculator{
		Checks:    models.NewCheckStore(db),
		Templates: models.NewTemplateStore(db),
		Scores:    models.NewScoreStore(db),
		Formula:   settings.ToFormula(),
	}

	ctx := context.Background()
	failed := 0
	for _, chunk := range monthChunks(bounds) {
		entry := logger.WithFields(logrus.Fields{
			"field":          "backfill-daily-scores",
			"period":         chunk.String(),
			"filters":        filters.Key(),
			"formulaVersion": settings.Formula.Version,
		})
		if *staleOnly {
			n, err := calc.RefreshStale(ctx, chunk, filters)
			if err != nil {
				entry.Error("refresh stale scores failed: " + err.Error())
				failed++
				continue
			}
			fmt.Printf("refreshed %d stale brigade days period=%s\n", n, chunk)
			continue
		}
		res, err := calc.Recompute(ctx, chunk, filters, nil)
		if err != nil {
			entry.Error("recompute failed: " + err.Error())
			failed++
			continue
		}
		fmt.Printf("recomputed period=%s checks=%d written=%d removed=%d\n",
			chunk, len(res.Checks), len(res.Written), len(res.Removed))
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func parseRange(from, to string, now time.Time) (analytics.PeriodBounds, error) {
	today := analytics.DateOf(now)
	bounds := analytics.PeriodBounds{
		Start: time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC),
		End:   today,
	}
	if v := strings.TrimSpace(from); v != "" {
		d, err := analytics.ParseDate(v)
		if err != nil {
			return bounds, fmt.Errorf("invalid -from: %w", err)
		}
		bounds.Start = d
	}
	if v := strings.TrimSpace(to); v != "" {
		d, err := analytics.ParseDate(v)
		if err != nil {
			return bounds, fmt.Errorf("invalid -to: %w", err)
		}
		bounds.End = d
	}
	if bounds.End.Before(bounds.Start) {
		return bounds, fmt.Errorf("-to %s is before -from %s", analytics.FormatDate(bounds.End), analytics.FormatDate(bounds.Start))
	}
	return bounds, nil
}

// monthChunks splits b at calendar month boundaries so each recompute stays
// within one month of checks.
func monthChunks(b analytics.PeriodBounds) []analytics.PeriodBounds {
	var out []analytics.PeriodBounds
	for start := b.Start; !start.After(b.End); {
		end := analytics.PeriodContaining(analytics.GranularityMonth, start).End
		if end.After(b.End) {
			end = b.End
		}
		out = append(out, analytics.PeriodBounds{Start: start, End: end})
		start = end.AddDate(0, 0, 1)
	}
	return out
}
