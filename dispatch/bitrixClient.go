package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var bitrixStatus = map[TicketStatus]int{
	TicketPending:    0,
	TicketInProgress: 2,
	TicketDone:       5,
}

// BitrixClient talks to a Bitrix24-style REST tracker.
type BitrixClient struct {
	baseURL     string
	accessToken string
	http        *http.Client
}

func NewBitrixClient(baseURL, accessToken string) (*BitrixClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("tracker base url is empty")
	}
	return &BitrixClient{
		baseURL:     baseURL,
		accessToken: strings.TrimSpace(accessToken),
		http:        &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *BitrixClient) Mode() string { return TrackerModeLive }

type bitrixTaskID string

func (id *bitrixTaskID) UnmarshalJSON(b []byte) error {
	*id = bitrixTaskID(strings.Trim(string(b), `"`))
	return nil
}

type bitrixAddResponse struct {
	Result struct {
		Task struct {
			ID bitrixTaskID `json:"id"`
		} `json:"task"`
	} `json:"result"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type bitrixListResponse struct {
	Result struct {
		Tasks []struct {
			ID bitrixTaskID `json:"id"`
		} `json:"tasks"`
	} `json:"result"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *BitrixClient) CreateTicket(ctx context.Context, p TicketPayload) (string, error) {
	fields := map[string]any{
		"TITLE":       p.Title,
		"DESCRIPTION": p.Description,
		"TAGS":        p.Tags,
	}
	if p.ResponsibleID != "" {
		fields["RESPONSIBLE_ID"] = p.ResponsibleID
	}
	if st, ok := bitrixStatus[p.Status]; ok {
		fields["STATUS"] = st
	}

	var resp bitrixAddResponse
	if err := c.call(ctx, "tasks.task.add", map[string]any{"fields": fields}, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("tracker tasks.task.add: %s: %s", resp.Error, resp.ErrorDescription)
	}
	if resp.Result.Task.ID == "" {
		return "", errors.New("tracker tasks.task.add: response without task id")
	}
	return string(resp.Result.Task.ID), nil
}

func (c *BitrixClient) FindTicket(ctx context.Context, contentHash string) (string, bool, error) {
	body := map[string]any{
		"filter": map[string]any{"TAG": HashTag(contentHash)},
		"select": []string{"ID"},
		"order":  map[string]string{"ID": "asc"},
	}
	var resp bitrixListResponse
	if err := c.call(ctx, "tasks.task.list", body, &resp); err != nil {
		return "", false, err
	}
	if resp.Error != "" {
		return "", false, fmt.Errorf("tracker tasks.task.list: %s: %s", resp.Error, resp.ErrorDescription)
	}
	if len(resp.Result.Tasks) == 0 {
		return "", false, nil
	}
	return string(resp.Result.Tasks[0].ID), true, nil
}

func (c *BitrixClient) call(ctx context.Context, method string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method+".json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tracker %s: read response: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TrackerError{Method: method, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return json.Unmarshal(raw, out)
}
