package config

import (
	"os"
	"strings"
)

const (
	ExecutionSync       = "sync"
	ExecutionBackground = "background"
	ExecutionPubSub     = "pubsub"
)

// TrackerEnabled turns ticket dispatch on. When off, runs still detect alerts
// and list them in the workbook but create no tickets.
//
// Set via env:
// - TRACKER_ENABLED=true (default true)
func TrackerEnabled() bool {
	return envBoolDefault("TRACKER_ENABLED", true)
}

// TrackerMode is "stub" unless TRACKER_MODE=live.
func TrackerMode() string {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("TRACKER_MODE")), "live") {
		return "live"
	}
	return "stub"
}

// ReportExecutionMode picks where generate_report runs the pipeline:
// inline, on the in-process worker pool, or through Pub/Sub.
//
// Set via env:
// - REPORT_EXECUTION_MODE=sync|background|pubsub (default background)
func ReportExecutionMode() string {
	switch v := strings.ToLower(strings.TrimSpace(os.Getenv("REPORT_EXECUTION_MODE"))); v {
	case ExecutionSync, ExecutionPubSub:
		return v
	default:
		return ExecutionBackground
	}
}

// ReportWebhookURLs lists the subscribers told about finished reports.
//
// Set via env:
// - REPORT_WEBHOOK_URLS=https://a.example/hook,https://b.example/hook
// - REPORT_WEBHOOK_SECRET signs each body (optional)
func ReportWebhookURLs() []string {
	var urls []string
	for _, u := range strings.Split(os.Getenv("REPORT_WEBHOOK_URLS"), ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

func ReportWebhookSecret() string {
	return os.Getenv("REPORT_WEBHOOK_SECRET")
}

// ReportStatusNotifications publishes terminal statuses to ReportStatusTopic.
//
// Set via env:
// - REPORT_STATUS_PUBSUB=true (default false)
func ReportStatusNotifications() bool {
	return envBoolDefault("REPORT_STATUS_PUBSUB", false)
}

func envBoolDefault(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	}
	return def
}
