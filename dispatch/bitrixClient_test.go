package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitrixClient_CreateTicket(t *testing.T) {
	var got map[string]map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/tasks.task.add.json", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"result":{"task":{"id":"4711"}}}`))
	}))
	defer srv.Close()

	c, err := NewBitrixClient(srv.URL+"/rest/", "secret")
	require.NoError(t, err)
	id, err := c.CreateTicket(context.Background(), TicketPayload{
		Title:         "[QC] low_score: x",
		ResponsibleID: "17",
		Status:        TicketInProgress,
		Tags:          []string{"QC", "hash:h1"},
		ContentHash:   "h1",
	})
	require.NoError(t, err)
	assert.Equal(t, "4711", id)
	assert.Equal(t, "[QC] low_score: x", got["fields"]["TITLE"])
	assert.Equal(t, "17", got["fields"]["RESPONSIBLE_ID"])
	assert.EqualValues(t, 2, got["fields"]["STATUS"])
}

func TestBitrixClient_NumericTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"task":{"id":99}}}`))
	}))
	defer srv.Close()

	c, err := NewBitrixClient(srv.URL, "")
	require.NoError(t, err)
	id, err := c.CreateTicket(context.Background(), TicketPayload{Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, "99", id)
}

func TestBitrixClient_ErrorStatus(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte("down"))
	}))
	defer srv.Close()

	c, err := NewBitrixClient(srv.URL, "")
	require.NoError(t, err)

	_, err = c.CreateTicket(context.Background(), TicketPayload{Title: "t"})
	var te *TrackerError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Retryable())
	assert.Equal(t, "down", te.Body)

	status = http.StatusForbidden
	_, err = c.CreateTicket(context.Background(), TicketPayload{Title: "t"})
	require.True(t, errors.As(err, &te))
	assert.False(t, te.Retryable())
}

func TestBitrixClient_TruncatedBodyIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("down"))
	}))
	defer srv.Close()

	c, err := NewBitrixClient(srv.URL, "")
	require.NoError(t, err)

	_, err = c.CreateTicket(context.Background(), TicketPayload{Title: "t"})
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	var te *TrackerError
	assert.False(t, errors.As(err, &te), "a partial body is not reported as the tracker's answer")
	assert.Contains(t, err.Error(), "tasks.task.add")
}

func TestBitrixClient_FindTicket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks.task.list.json", r.URL.Path)
		var body struct {
			Filter map[string]string `json:"filter"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Filter["TAG"] == "hash:known" {
			w.Write([]byte(`{"result":{"tasks":[{"id":"12"}]}}`))
			return
		}
		w.Write([]byte(`{"result":{"tasks":[]}}`))
	}))
	defer srv.Close()

	c, err := NewBitrixClient(srv.URL, "")
	require.NoError(t, err)

	id, found, err := c.FindTicket(context.Background(), "known")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "12", id)

	_, found, err = c.FindTicket(context.Background(), "other")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNewBitrixClient_RequiresURL(t *testing.T) {
	_, err := NewBitrixClient("  ", "x")
	assert.Error(t, err)
}
