package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/workbook"
)

// ReportMetadata is the durable record of a finished run. It alone is enough
// to resync alerts without touching check data.
type ReportMetadata struct {
	AnalyticsSnapshot *workbook.AnalyticsDTO `json:"analytics_snapshot"`
	Tickets           map[string]string      `json:"tickets"`
	GeneratedAt       time.Time              `json:"generated_at"`
	GeneratorUserID   string                 `json:"generator_user_id"`
	DispatchFailed    []string               `json:"dispatch_failed,omitempty"`
	DispatchSkipped   bool                   `json:"dispatch_skipped,omitempty"`
	ResyncedAt        *time.Time             `json:"resynced_at,omitempty"`
}

func (m *ReportMetadata) Encode() ([]byte, error) {
	if m.Tickets == nil {
		m.Tickets = map[string]string{}
	}
	return json.Marshal(m)
}

func DecodeMetadata(data []byte) (*ReportMetadata, error) {
	var m ReportMetadata
	if len(data) == 0 {
		return nil, fmt.Errorf("report metadata is empty")
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode report metadata: %w", err)
	}
	if m.Tickets == nil {
		m.Tickets = map[string]string{}
	}
	return &m, nil
}
