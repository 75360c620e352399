package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/Dm1tryAndreev1ch/apperate/config"
	"github.com/Dm1tryAndreev1ch/apperate/models"
	"github.com/Dm1tryAndreev1ch/apperate/utils"
	"github.com/Dm1tryAndreev1ch/apperate/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ReportService is the part of workflow.Service the HTTP API uses.
type ReportService interface {
	GenerateReport(ctx context.Context, req workflow.GenerateRequest) (*workflow.GenerateResult, error)
	GetReportStatus(ctx context.Context, id string) (*workflow.StatusView, error)
	DownloadReport(ctx context.Context, id string) ([]byte, string, error)
	ResyncAlerts(ctx context.Context, id string) (*workflow.ResyncResult, error)
	Cancel(ctx context.Context, id string) (workflow.CancelResult, error)
}

// RunHandler executes one queued run delivered by Pub/Sub.
type RunHandler interface {
	Handle(ctx context.Context, messageID string, data []byte) error
}

type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type backend struct {
	reports ReportService
	runs    RunHandler
}

// api serves the report endpoints. Until attach is called every endpoint
// except /healthz and /metrics answers 503.
type api struct {
	logger  *logrus.Logger
	backend atomic.Pointer[backend]
}

func newAPI(logger *logrus.Logger) *api {
	return &api{logger: logger}
}

func (a *api) attach(reports ReportService, runs RunHandler) {
	a.backend.Store(&backend{reports: reports, runs: runs})
}

func (a *api) ready() bool {
	return a.backend.Load() != nil
}

func (a *api) reports() ReportService {
	return a.backend.Load().reports
}

// statusForCode maps a workflow error code to its HTTP status.
func statusForCode(code string) int {
	switch code {
	case workflow.CodeInvalidRequest:
		return http.StatusBadRequest
	case workflow.CodeNotFound:
		return http.StatusNotFound
	case workflow.CodeNotReady, workflow.CodeDuplicateRun:
		return http.StatusConflict
	case workflow.CodeQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeError(c *gin.Context, funcName string, err error) {
	code := workflow.ErrorCode(err)
	status := statusForCode(code)
	body := gin.H{"error": workflow.ErrorMessage(err), "code": code}

	var invalid *workflow.InvalidRequestError
	if errors.As(err, &invalid) {
		body["fields"] = utils.ProcessValidationErrors(invalid.Err)
	}
	if status >= http.StatusInternalServerError {
		config.LogError(a.logger, "server.go", funcName, c.Request.URL.Path, c.Param("id"), err)
	}
	c.JSON(status, body)
}

func (a *api) generateReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workflow.GenerateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": workflow.CodeInvalidRequest})
			return
		}
		ctx := c.Request.Context()
		req.UserID, _ = utils.GetUserIdFromContext(ctx)
		req.CorrelationID, _ = utils.GetCorrelationIdFromContext(ctx)
		req.Trigger = models.ReportTriggerManual

		res, err := a.reports().GenerateReport(ctx, req)
		if err != nil {
			a.writeError(c, "generateReportHandler", err)
			return
		}
		c.JSON(http.StatusAccepted, res)
	}
}

func (a *api) reportStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := a.reports().GetReportStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			a.writeError(c, "reportStatusHandler", err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

func (a *api) downloadReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		data, contentType, err := a.reports().DownloadReport(c.Request.Context(), id)
		if err != nil {
			a.writeError(c, "downloadReportHandler", err)
			return
		}
		c.Header("Content-Disposition", `attachment; filename="qc-report-`+id+`.xlsx"`)
		c.Data(http.StatusOK, contentType, data)
	}
}

func (a *api) resyncReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := a.reports().ResyncAlerts(c.Request.Context(), c.Param("id"))
		if err != nil {
			a.writeError(c, "resyncReportHandler", err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (a *api) cancelReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		outcome, err := a.reports().Cancel(c.Request.Context(), id)
		if err != nil {
			a.writeError(c, "cancelReportHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"report_id": id, "result": outcome})
	}
}

// reportRunPubSubHandler is the push endpoint of the report-run subscription.
// 204 acks the message; any other status makes Pub/Sub redeliver it.
func (a *api) reportRunPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PubSubMessage

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(a.logger, "server.go", "reportRunPubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}
		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(a.logger, "server.go", "reportRunPubSubHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}

		ctx := c.Request.Context()
		if err := a.backend.Load().runs.Handle(ctx, msg.Message.ID, msg.Message.Data); err != nil {
			cid, _ := utils.GetCorrelationIdFromContext(ctx)
			entry := a.logger.WithFields(logrus.Fields{
				"field":          "reportRunPubSubHandler",
				"message_id":     msg.Message.ID,
				"subscription":   msg.Subscription,
				"correlation_id": cid,
			})
			if errors.Is(err, workflow.ErrIdempotencyInProgress) {
				entry.Info("run already in progress; asking for redelivery")
			} else {
				entry.Error("report run failed: " + err.Error())
			}
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
