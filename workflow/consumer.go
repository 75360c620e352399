package workflow

import (
	"context"
	"errors"

	"github.com/Dm1tryAndreev1ch/apperate/config"
	"github.com/Dm1tryAndreev1ch/apperate/models"
	"github.com/Dm1tryAndreev1ch/apperate/utils"
	"github.com/sirupsen/logrus"
)

const reportRunHandler = "report-run"

// RunConsumer executes queued report runs delivered by the message bus. A nil
// error from Handle means the message may be acked.
type RunConsumer struct {
	Runner *Runner
	Guard  MessageGuard
	Logger *logrus.Logger
}

func (c *RunConsumer) Handle(ctx context.Context, messageID string, data []byte) error {
	msg, err := config.DecodeReportRun(data)
	if err != nil {
		// Redelivery cannot fix a malformed payload.
		config.LogError(c.Logger, "workflow", "RunConsumer.Handle", "decode report run message", string(data), err)
		return nil
	}
	if msg.CorrelationID != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, msg.CorrelationID)
	}

	if c.Guard != nil {
		skip, err := c.Guard.Begin(ctx, reportRunHandler, messageID)
		if err != nil {
			return err
		}
		if skip {
			c.logger().WithFields(logrus.Fields{
				"field":      "RunConsumer",
				"report_id":  msg.ReportID,
				"message_id": messageID,
			}).Debug("duplicate delivery skipped")
			return nil
		}
	}

	runErr := c.Runner.Execute(ctx, msg.ReportID)
	if c.Guard != nil {
		var markErr error
		if runErr != nil {
			markErr = c.Guard.Failed(context.WithoutCancel(ctx), reportRunHandler, messageID, runErr)
		} else {
			markErr = c.Guard.Succeeded(context.WithoutCancel(ctx), reportRunHandler, messageID)
		}
		if markErr != nil {
			config.LogError(c.Logger, "workflow", "RunConsumer.Handle", "mark idempotency key", messageID, markErr)
		}
	}
	if errors.Is(runErr, models.ErrReportNotFound) {
		// The report row is gone; redelivery will not bring it back.
		config.LogError(c.Logger, "workflow", "RunConsumer.Handle", "execute report run", msg.ReportID, runErr)
		return nil
	}
	return runErr
}

func (c *RunConsumer) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return config.GetLogger()
}
