package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

// ReportRunMessage is the queued-execution job for one report run.
type ReportRunMessage struct {
	ReportID      string `json:"report_id"`
	SubjectKey    string `json:"subject_key"`
	Mode          string `json:"mode"`
	Trigger       string `json:"trigger"`
	CorrelationID string `json:"correlation_id"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

func init() {
	godotenv.Load()
}

// GetClient returns a Pub/Sub client, initializing with retries if needed.
// It uses Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	return getPubSubClient(ctx)
}

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return os.Getenv("GCP_PROJECT")
}

// ReportRunTopic defaults to "qc-report-runs".
func ReportRunTopic() string {
	if v := os.Getenv("REPORT_RUN_TOPIC"); v != "" {
		return v
	}
	return "qc-report-runs"
}

// ReportStatusTopic defaults to "qc-report-status".
func ReportStatusTopic() string {
	if v := os.Getenv("REPORT_STATUS_TOPIC"); v != "" {
		return v
	}
	return "qc-report-status"
}

// ReportRunSubscription defaults to "<topic>-worker".
func ReportRunSubscription() string {
	if v := os.Getenv("REPORT_RUN_SUBSCRIPTION"); v != "" {
		return v
	}
	return ReportRunTopic() + "-worker"
}

func getPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	if pubsubClient != nil {
		c := pubsubClient
		pubsubClientMu.Unlock()
		return c, nil
	}
	pubsubClientMu.Unlock()

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON")

	var attempt int
	for {
		attempt++

		var (
			c   *pubsub.Client
			err error
		)
		if credJSON != "" {
			c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
		} else {
			c, err = pubsub.NewClient(ctx, projectID)
		}
		if err == nil {
			pubsubClientMu.Lock()
			if pubsubClient == nil {
				pubsubClient = c
			} else {
				// Another goroutine won the race; close ours.
				_ = c.Close()
			}
			c2 := pubsubClient
			pubsubClientMu.Unlock()

			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectID, attempt)
			return c2, nil
		}

		sleep := retrySleep(attempt)
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v; retrying in %s", projectID, attempt, err, sleep)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// CreateSubscriptionIfNotExists uses a long ack deadline since one message is
// a whole report run.
func CreateSubscriptionIfNotExists(ctx context.Context, client *pubsub.Client, name string, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if name == "" {
		return nil, errors.New("subscription name is required")
	}
	if topic == nil {
		return nil, errors.New("topic is required")
	}

	sub := client.Subscription(name)
	subExists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription exists: %w", err)
	}
	if !subExists {
		sub, err = client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 10 * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("create subscription %q: %w", name, err)
		}
	}
	return sub, nil
}

// PublishReportRun queues one run and returns the server-assigned message ID.
func PublishReportRun(ctx context.Context, msg ReportRunMessage) (string, error) {
	client, err := getPubSubClient(ctx)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	result := client.Topic(ReportRunTopic()).Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"report_id": msg.ReportID, "correlation_id": msg.CorrelationID},
	})
	return result.Get(ctx)
}

// PublishReportStatus publishes one terminal status event.
func PublishReportStatus(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	client, err := getPubSubClient(ctx)
	if err != nil {
		return "", err
	}
	return client.Topic(ReportStatusTopic()).Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
}

// DecodeReportRun parses a message published by PublishReportRun.
func DecodeReportRun(data []byte) (ReportRunMessage, error) {
	var msg ReportRunMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode report run message: %w", err)
	}
	if msg.ReportID == "" {
		return msg, errors.New("report run message without report_id")
	}
	return msg, nil
}
