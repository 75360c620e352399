package dispatch

import (
	"context"
	"sync"
)

// StubTracker creates tickets in memory with ids derived from the content hash.
type StubTracker struct {
	mu      sync.Mutex
	tickets map[string]string
	created []TicketPayload
}

func NewStubTracker() *StubTracker {
	return &StubTracker{tickets: map[string]string{}}
}

func (s *StubTracker) Mode() string { return TrackerModeStub }

func (s *StubTracker) CreateTicket(_ context.Context, p TicketPayload) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := "stub-" + p.ContentHash
	if len(p.ContentHash) > 12 {
		id = "stub-" + p.ContentHash[:12]
	}
	s.tickets[p.ContentHash] = id
	s.created = append(s.created, p)
	return id, nil
}

func (s *StubTracker) FindTicket(_ context.Context, contentHash string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tickets[contentHash]
	return id, ok, nil
}

// Created returns the payloads of every ticket created so far.
func (s *StubTracker) Created() []TicketPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TicketPayload(nil), s.created...)
}
