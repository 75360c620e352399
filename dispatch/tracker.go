package dispatch

import (
	"context"
	"fmt"
	"net/http"
)

const (
	TrackerModeStub = "stub"
	TrackerModeLive = "live"
)

type TicketStatus string

const (
	TicketPending    TicketStatus = "PENDING"
	TicketInProgress TicketStatus = "IN_PROGRESS"
	TicketDone       TicketStatus = "DONE"
)

type TicketPayload struct {
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	ResponsibleID string       `json:"responsible_id,omitempty"`
	Status        TicketStatus `json:"status"`
	Tags          []string     `json:"tags"`
	ContentHash   string       `json:"content_hash"`
}

// Tracker is the external issue tracker. CreateTicket may fail transiently;
// FindTicket looks a ticket up by the content hash tag it was created with.
type Tracker interface {
	Mode() string
	CreateTicket(ctx context.Context, payload TicketPayload) (string, error)
	FindTicket(ctx context.Context, contentHash string) (string, bool, error)
}

// TrackerError is a non-2xx answer from the tracker API.
type TrackerError struct {
	Method     string
	StatusCode int
	Body       string
}

func (e *TrackerError) Error() string {
	return fmt.Sprintf("tracker %s failed with status %d: %s", e.Method, e.StatusCode, e.Body)
}

// Retryable reports whether repeating the call can succeed.
func (e *TrackerError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
