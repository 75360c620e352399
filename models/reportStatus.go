package models

type ReportStatus string

const (
	ReportStatusPending       ReportStatus = "PENDING"
	ReportStatusExtracting    ReportStatus = "EXTRACTING"
	ReportStatusAggregating   ReportStatus = "AGGREGATING"
	ReportStatusDetecting     ReportStatus = "DETECTING"
	ReportStatusRendering     ReportStatus = "RENDERING"
	ReportStatusUploading     ReportStatus = "UPLOADING"
	ReportStatusDispatching   ReportStatus = "DISPATCHING"
	ReportStatusReady         ReportStatus = "READY"
	ReportStatusReadyDegraded ReportStatus = "READY_DEGRADED"
	ReportStatusFailed        ReportStatus = "FAILED"
)

// pipelineOrder is the happy path; each status may only advance to the next.
var pipelineOrder = []ReportStatus{
	ReportStatusPending,
	ReportStatusExtracting,
	ReportStatusAggregating,
	ReportStatusDetecting,
	ReportStatusRendering,
	ReportStatusUploading,
	ReportStatusDispatching,
	ReportStatusReady,
}

func (s ReportStatus) IsTerminal() bool {
	switch s {
	case ReportStatusReady, ReportStatusReadyDegraded, ReportStatusFailed:
		return true
	}
	return false
}

// HasArtifact reports whether the workbook and metadata are persisted.
func (s ReportStatus) HasArtifact() bool {
	return s == ReportStatusReady || s == ReportStatusReadyDegraded
}

// IsCancellable is true before any stage that could persist output has begun.
func (s ReportStatus) IsCancellable() bool {
	return s == ReportStatusPending || s == ReportStatusExtracting
}

// CanTransition is the report state machine. FAILED is reachable from any
// non-terminal status and READY_DEGRADED only from DISPATCHING. A resync may
// repair READY_DEGRADED into READY.
func CanTransition(from, to ReportStatus) bool {
	if from == ReportStatusReadyDegraded && to == ReportStatusReady {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	switch to {
	case ReportStatusFailed:
		return true
	case ReportStatusReadyDegraded:
		return from == ReportStatusDispatching
	}
	for i, s := range pipelineOrder[:len(pipelineOrder)-1] {
		if s == from {
			return pipelineOrder[i+1] == to
		}
	}
	return false
}

func ParseReportStatus(v string) (ReportStatus, bool) {
	s := ReportStatus(v)
	if s == ReportStatusReadyDegraded || s == ReportStatusFailed {
		return s, true
	}
	for _, p := range pipelineOrder {
		if p == s {
			return s, true
		}
	}
	return "", false
}
