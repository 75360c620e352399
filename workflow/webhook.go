package workflow

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	SignatureHeader  = "X-Webhook-Signature"
	webhookUserAgent = "QualityControl-Webhook/1.0"
)

// WebhookNotifier posts status events to fixed subscriber URLs. With a secret
// set, each body is signed as "sha256=<hex HMAC-SHA256 of the body>".
type WebhookNotifier struct {
	URLs   []string
	Secret string
	HTTP   *http.Client

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func NewWebhookNotifier(urls []string, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		URLs:           urls,
		Secret:         secret,
		HTTP:           &http.Client{Timeout: 30 * time.Second},
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     10 * time.Second,
	}
}

// WebhookError is a non-2xx answer from a subscriber.
type WebhookError struct {
	URL        string
	StatusCode int
}

func (e *WebhookError) Error() string {
	return fmt.Sprintf("webhook %s: status %d", e.URL, e.StatusCode)
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Notify delivers to every URL; one failing subscriber does not stop the rest.
func (w *WebhookNotifier) Notify(ctx context.Context, ev StatusEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var errs []error
	for _, url := range w.URLs {
		if err := w.deliver(ctx, url, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *WebhookNotifier) deliver(ctx context.Context, url string, body []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.InitialBackoff
	b.MaxInterval = w.MaxBackoff
	b.MaxElapsedTime = 0
	retries := w.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.Retry(func() error {
		err := w.post(ctx, url, body)
		var we *WebhookError
		if errors.As(err, &we) && we.StatusCode < 500 && we.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx))
}

func (w *WebhookNotifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	if w.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.Secret, body))
	}
	client := w.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Only the status matters; the body is drained for connection reuse.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &WebhookError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}
