package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/workflow"
)

// APIError is a non-2xx answer from the report API.
type APIError struct {
	Status  int
	Code    string            `json:"code"`
	Message string            `json:"error"`
	Fields  map[string]string `json:"fields"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	for field, rule := range e.Fields {
		msg += fmt.Sprintf("\n  %s: %s", field, rule)
	}
	return msg
}

// Client calls the report HTTP API.
type Client struct {
	BaseURL string
	UserID  string
	HTTP    *http.Client
}

func NewClient(baseURL, userID string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		UserID:  userID,
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.UserID != "" {
		req.Header.Set("x-user-id", c.UserID)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		apiErr := &APIError{Status: resp.StatusCode}
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%s %s: status %d: read body: %w", method, path, resp.StatusCode, err)
		}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.do(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Generate(ctx context.Context, req workflow.GenerateRequest) (*workflow.GenerateResult, error) {
	var out workflow.GenerateResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/reports", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, id string) (*workflow.StatusView, error) {
	var out workflow.StatusView
	if err := c.doJSON(ctx, http.MethodGet, "/api/reports/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitTerminal polls the report until it stops running.
func (c *Client) WaitTerminal(ctx context.Context, id string, every time.Duration) (*workflow.StatusView, error) {
	for {
		view, err := c.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if view.Status.IsTerminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-time.After(every):
		}
	}
}

func (c *Client) Download(ctx context.Context, id string, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/reports/"+id+"/download", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

func (c *Client) Resync(ctx context.Context, id string) (*workflow.ResyncResult, error) {
	var out workflow.ResyncResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/reports/"+id+"/resync", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Cancel(ctx context.Context, id string) (workflow.CancelResult, error) {
	var out struct {
		Result workflow.CancelResult `json:"result"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/reports/"+id+"/cancel", nil, &out); err != nil {
		return "", err
	}
	return out.Result, nil
}
