package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/Dm1tryAndreev1ch/apperate/models"
	"github.com/Dm1tryAndreev1ch/apperate/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*httptest.Server, *[]workflow.GenerateRequest) {
	t.Helper()
	var generated []workflow.GenerateRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/api/reports", func(w http.ResponseWriter, r *http.Request) {
		var req workflow.GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		req.UserID = r.Header.Get("x-user-id")
		generated = append(generated, req)
		if req.SubjectKey == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"invalid_request","error":"bad","fields":{"subject_key":"required_if"}}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(workflow.GenerateResult{ReportID: "r-1", Status: models.ReportStatusPending})
	})
	mux.HandleFunc("/api/reports/r-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(workflow.StatusView{
			ReportID: "r-1",
			Status:   models.ReportStatusReady,
			Events:   []models.ReportGenerationEvent{{Trigger: models.ReportTriggerManual, Status: models.ReportEventSuccess}},
		})
	})
	mux.HandleFunc("/api/reports/r-1/download", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("xlsx-bytes"))
	})
	mux.HandleFunc("/api/reports/r-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"report_id":"r-1","result":"terminal"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &generated
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cli := NewCLI(Options{Output: &out})
	cli.rootCmd.SetArgs(append([]string{"--server", srv.URL, "--no-color"}, args...))
	err := cli.Execute()
	return out.String(), err
}

func TestCLI_GenerateAndWait(t *testing.T) {
	srv, generated := newTestAPI(t)

	out, err := run(t, srv, "--user", "u-1", "generate", "--check", "c-1", "--wait", "5s")
	require.NoError(t, err)
	assert.Contains(t, out, "report r-1 PENDING")
	assert.Contains(t, out, "READY")
	require.Len(t, *generated, 1)
	assert.Equal(t, models.ReportModeSingleCheck, (*generated)[0].Mode)
	assert.Equal(t, "c-1", (*generated)[0].SubjectKey)
	assert.Equal(t, "u-1", (*generated)[0].UserID)
}

func TestCLI_GenerateSurfacesValidationErrors(t *testing.T) {
	srv, _ := newTestAPI(t)

	_, err := run(t, srv, "generate")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, workflow.CodeInvalidRequest, apiErr.Code)
	assert.Equal(t, "required_if", apiErr.Fields["subject_key"])
}

func TestCLI_DownloadAndCancel(t *testing.T) {
	srv, _ := newTestAPI(t)
	path := filepath.Join(t.TempDir(), "out.xlsx")

	out, err := run(t, srv, "download", "r-1", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "saved "+path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "xlsx-bytes", string(data))

	out, err = run(t, srv, "cancel", "r-1")
	require.NoError(t, err)
	assert.Contains(t, out, "already finished")
}

func TestCLI_UnknownReport(t *testing.T) {
	srv, _ := newTestAPI(t)
	_, err := run(t, srv, "status", "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestCLI_StatusJSON(t *testing.T) {
	srv, _ := newTestAPI(t)
	out, err := run(t, srv, "status", "r-1", "--json")
	require.NoError(t, err)

	var view workflow.StatusView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, models.ReportStatusReady, view.Status)
	assert.Len(t, view.Events, 1)
}

func TestClient_TruncatedErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"inte`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Status(context.Background(), "r-1")
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
	assert.Contains(t, err.Error(), "status 500")
}
