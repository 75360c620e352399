package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Dm1tryAndreev1ch/apperate/middlewares"
	"github.com/Dm1tryAndreev1ch/apperate/models"
	"github.com/Dm1tryAndreev1ch/apperate/workbook"
	"github.com/Dm1tryAndreev1ch/apperate/workflow"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReports struct {
	generated []workflow.GenerateRequest
	generate  func(workflow.GenerateRequest) (*workflow.GenerateResult, error)
	views     map[string]*workflow.StatusView
	artifacts map[string][]byte
	resync    error
	cancel    workflow.CancelResult
}

func (f *fakeReports) GenerateReport(_ context.Context, req workflow.GenerateRequest) (*workflow.GenerateResult, error) {
	f.generated = append(f.generated, req)
	if _, _, err := req.Normalize(); err != nil {
		return nil, err
	}
	if f.generate != nil {
		return f.generate(req)
	}
	return &workflow.GenerateResult{ReportID: "r-1", Status: models.ReportStatusPending}, nil
}

func (f *fakeReports) GetReportStatus(_ context.Context, id string) (*workflow.StatusView, error) {
	if v, ok := f.views[id]; ok {
		return v, nil
	}
	return nil, models.ErrReportNotFound
}

func (f *fakeReports) DownloadReport(_ context.Context, id string) ([]byte, string, error) {
	if data, ok := f.artifacts[id]; ok {
		return data, workbook.ContentType, nil
	}
	if _, ok := f.views[id]; ok {
		return nil, "", workflow.ErrReportNotReady
	}
	return nil, "", models.ErrReportNotFound
}

func (f *fakeReports) ResyncAlerts(_ context.Context, id string) (*workflow.ResyncResult, error) {
	if f.resync != nil {
		return nil, f.resync
	}
	return &workflow.ResyncResult{ReportID: id, Status: models.ReportStatusReady, Tickets: map[string]string{}}, nil
}

func (f *fakeReports) Cancel(_ context.Context, id string) (workflow.CancelResult, error) {
	return f.cancel, nil
}

type fakeRuns struct {
	err  error
	seen []string
}

func (f *fakeRuns) Handle(_ context.Context, messageID string, _ []byte) error {
	f.seen = append(f.seen, messageID)
	return f.err
}

func newTestRouter(t *testing.T, reports *fakeReports, runs *fakeRuns) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	a := newAPI(logger)
	if reports != nil {
		a.attach(reports, runs)
	}
	return newRouter(a, logger, prometheus.NewRegistry())
}

func do(r http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestServer_NotReadyUntilAttached(t *testing.T) {
	r := newTestRouter(t, nil, nil)

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/metrics", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(r, http.MethodGet, "/api/reports/r-1", "").Code)
}

func TestServer_GenerateReport(t *testing.T) {
	reports := &fakeReports{}
	r := newTestRouter(t, reports, &fakeRuns{})

	w := do(r, http.MethodPost, "/api/reports", `{"mode":"single_check","subject_key":"c1"}`,
		middlewares.UserHeader, "u-1", middlewares.CorrelationHeader, "cid-9")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var res workflow.GenerateResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "r-1", res.ReportID)
	require.Len(t, reports.generated, 1)
	assert.Equal(t, "u-1", reports.generated[0].UserID)
	assert.Equal(t, "cid-9", reports.generated[0].CorrelationID)
	assert.Equal(t, models.ReportTriggerManual, reports.generated[0].Trigger)
	assert.Equal(t, "cid-9", w.Header().Get(middlewares.CorrelationHeader))
}

func TestServer_GenerateReportRejectsInvalidRequest(t *testing.T) {
	r := newTestRouter(t, &fakeReports{}, &fakeRuns{})

	w := do(r, http.MethodPost, "/api/reports", `{"mode":"period_summary","granularity":"year","period_start":"2024-03-04"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var body struct {
		Code   string            `json:"code"`
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, workflow.CodeInvalidRequest, body.Code)
	assert.Equal(t, "oneof", body.Fields["granularity"])

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/reports", `{`).Code)
}

func TestServer_GenerateReportQueueFull(t *testing.T) {
	reports := &fakeReports{generate: func(workflow.GenerateRequest) (*workflow.GenerateResult, error) {
		return nil, workflow.ErrQueueFull
	}}
	r := newTestRouter(t, reports, &fakeRuns{})

	w := do(r, http.MethodPost, "/api/reports", `{"mode":"single_check","subject_key":"c1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_StatusAndDownload(t *testing.T) {
	reports := &fakeReports{
		views: map[string]*workflow.StatusView{
			"r-1": {ReportID: "r-1", Status: models.ReportStatusReady},
			"r-2": {ReportID: "r-2", Status: models.ReportStatusAggregating},
		},
		artifacts: map[string][]byte{"r-1": []byte("xlsx")},
	}
	r := newTestRouter(t, reports, &fakeRuns{})

	w := do(r, http.MethodGet, "/api/reports/r-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view workflow.StatusView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, models.ReportStatusReady, view.Status)

	w = do(r, http.MethodGet, "/api/reports/r-1/download", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, workbook.ContentType, w.Header().Get("Content-Type"))
	assert.Equal(t, "xlsx", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "qc-report-r-1.xlsx")

	assert.Equal(t, http.StatusConflict, do(r, http.MethodGet, "/api/reports/r-2/download", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/reports/missing", "").Code)
}

func TestServer_ResyncAndCancel(t *testing.T) {
	reports := &fakeReports{cancel: workflow.CancelDeferred}
	r := newTestRouter(t, reports, &fakeRuns{})

	w := do(r, http.MethodPost, "/api/reports/r-1/resync", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/api/reports/r-1/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "deferred", body["result"])

	reports.resync = workflow.ErrReportNotReady
	assert.Equal(t, http.StatusConflict, do(r, http.MethodPost, "/api/reports/r-1/resync", "").Code)
}

func TestServer_PubSubPush(t *testing.T) {
	runs := &fakeRuns{}
	r := newTestRouter(t, &fakeReports{}, runs)
	push := `{"message":{"data":"eyJyZXBvcnRfaWQiOiJyLTEifQ==","id":"m-1"},"subscription":"s"}`

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodPost, "/pubsub/report-runs", push).Code)
	assert.Equal(t, []string{"m-1"}, runs.seen)

	runs.err = workflow.ErrIdempotencyInProgress
	assert.Equal(t, http.StatusInternalServerError, do(r, http.MethodPost, "/pubsub/report-runs", push).Code)

	runs.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, do(r, http.MethodPost, "/pubsub/report-runs", push).Code)

	// A body that is not a push envelope is acked and never reaches the consumer.
	assert.Equal(t, http.StatusNoContent, do(r, http.MethodPost, "/pubsub/report-runs", `not json`).Code)
	assert.Len(t, runs.seen, 3)
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusForCode(workflow.CodeInvalidRequest))
	assert.Equal(t, http.StatusNotFound, statusForCode(workflow.CodeNotFound))
	assert.Equal(t, http.StatusConflict, statusForCode(workflow.CodeDuplicateRun))
	assert.Equal(t, http.StatusServiceUnavailable, statusForCode(workflow.CodeQueueFull))
	assert.Equal(t, http.StatusInternalServerError, statusForCode(workflow.CodeInternal))
}

func TestSplitAndTrim(t *testing.T) {
	assert.Nil(t, splitAndTrim(" "))
	assert.Equal(t, []string{"https://a", "https://b"}, splitAndTrim("https://a, ,https://b "))
}
