package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/Dm1tryAndreev1ch/apperate/config"
	"github.com/Dm1tryAndreev1ch/apperate/models"
	"github.com/Dm1tryAndreev1ch/apperate/workflow"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RunHandler is the consumer side of a report-run message.
type RunHandler interface {
	Handle(ctx context.Context, messageID string, data []byte) error
}

// handleDelivery runs one message and reports whether it may be acked.
func handleDelivery(ctx context.Context, logger *logrus.Logger, h RunHandler, id string, data []byte) bool {
	if err := h.Handle(ctx, id, data); err != nil {
		entry := logger.WithFields(logrus.Fields{
			"field":      "report-worker",
			"message_id": id,
		})
		if errors.Is(err, workflow.ErrIdempotencyInProgress) {
			entry.Info("run already in progress elsewhere; nacking")
		} else {
			entry.Error("report run failed: " + err.Error())
		}
		return false
	}
	return true
}

func receive(ctx context.Context, logger *logrus.Logger, consumer RunHandler, maxOutstanding int) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, config.ReportRunTopic())
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(ctx, client, config.ReportRunSubscription(), topic)
	if err != nil {
		return err
	}
	// One outstanding message is one report run.
	sub.ReceiveSettings.MaxOutstandingMessages = maxOutstanding

	return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if handleDelivery(ctx, logger, consumer, msg.ID, msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
}

func serveMetrics(registry *prometheus.Registry, port string) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	srv := &http.Server{Addr: ":" + port, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			config.LogError(config.GetLogger(), "report-worker", "serveMetrics", "ListenAndServe", port, err)
		}
	}()
	return srv
}

func main() {
	logger := config.GetLogger()
	settings, err := config.LoadSettings("")
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "settings"}).Fatal(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if os.Getenv("SKIP_MIGRATIONS") != "true" {
		models.MigrateTable()
	}

	registry := prometheus.NewRegistry()
	comps, err := workflow.Assemble(ctx, db, workflow.Options{
		Settings:      settings,
		Logger:        logger,
		RedisLock:     config.GetRedisLock(),
		Registry:      registry,
		ExecutionMode: config.ExecutionSync,
	})
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "workflow"}).Fatal(err.Error())
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "9090"
	}
	metricsSrv := serveMetrics(registry, port)

	logger.WithFields(logrus.Fields{
		"field":        "report-worker",
		"subscription": config.ReportRunSubscription(),
		"workers":      settings.Pipeline.Workers,
	}).Info("receiving report runs")
	if err := receive(ctx, logger, comps.Consumer, settings.Pipeline.Workers); err != nil && ctx.Err() == nil {
		config.LogError(logger, "report-worker", "main", "receive report runs", nil, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = comps.Pool.Stop(shutdownCtx)
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
