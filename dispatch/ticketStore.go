package dispatch

import (
	"context"
	"errors"
	"sync"
)

var ErrTicketExists = errors.New("ticket already recorded for content hash")

type TicketRecord struct {
	ContentHash string
	TicketID    string
	SubjectRef  string
	AlertKind   string
	ReportID    string
	TrackerMode string
}

// TicketStore is the global append-only content_hash -> ticket map.
// InsertTicket returns ErrTicketExists when the hash is already mapped.
type TicketStore interface {
	LookupTickets(ctx context.Context, hashes []string) (map[string]string, error)
	InsertTicket(ctx context.Context, rec TicketRecord) error
}

// MemoryTicketStore keeps the ticket map in process memory.
type MemoryTicketStore struct {
	mu      sync.Mutex
	records map[string]TicketRecord
}

func NewMemoryTicketStore() *MemoryTicketStore {
	return &MemoryTicketStore{records: map[string]TicketRecord{}}
}

func (m *MemoryTicketStore) LookupTickets(_ context.Context, hashes []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for _, h := range hashes {
		if rec, ok := m.records[h]; ok {
			out[h] = rec.TicketID
		}
	}
	return out, nil
}

func (m *MemoryTicketStore) InsertTicket(_ context.Context, rec TicketRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ContentHash]; ok {
		return ErrTicketExists
	}
	m.records[rec.ContentHash] = rec
	return nil
}

func (m *MemoryTicketStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
