package idempotency

import (
	"context"
	"net/http"
	"sync"
	"time"
)

type memoryClaim struct {
	fingerprint string
	done        bool
	response    StoredResponse
	expiresAt   time.Time
}

// MemoryStore keeps claims in process memory. It backs local development
// and tests; replay state does not survive a restart.
type MemoryStore struct {
	mu     sync.Mutex
	claims map[string]memoryClaim
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{claims: make(map[string]memoryClaim)}
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	id := docID(key)
	existing, ok := s.claims[id]
	if !ok || !now.Before(existing.expiresAt) {
		s.claims[id] = memoryClaim{fingerprint: fingerprint, expiresAt: now.Add(ttl)}
		return Claim{Outcome: OutcomeProceed}, nil
	}
	if existing.fingerprint != fingerprint {
		return Claim{}, ErrKeyReused
	}
	if existing.done {
		return Claim{Outcome: OutcomeReplay, Response: cloneResponse(existing.response)}, nil
	}
	return Claim{Outcome: OutcomeInFlight}, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp StoredResponse, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	id := docID(key)
	if existing, ok := s.claims[id]; ok && existing.fingerprint != fingerprint {
		return ErrKeyReused
	}
	s.claims[id] = memoryClaim{
		fingerprint: fingerprint,
		done:        true,
		response: StoredResponse{
			Status: resp.Status,
			Header: storableHeader(resp.Header),
			Body:   append([]byte(nil), resp.Body...),
		},
		expiresAt: now.Add(ttl),
	}
	return nil
}

// Forget implements Store.
func (s *MemoryStore) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.claims, docID(key))
	s.mu.Unlock()
	return nil
}

// CleanupExpired implements Store.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, claim := range s.claims {
		if now.Before(claim.expiresAt) {
			continue
		}
		delete(s.claims, id)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}
	return removed, nil
}

func cloneResponse(resp StoredResponse) StoredResponse {
	out := StoredResponse{Status: resp.Status, Body: append([]byte(nil), resp.Body...)}
	if len(resp.Header) > 0 {
		out.Header = make(http.Header, len(resp.Header))
		for name, values := range resp.Header {
			out.Header[name] = append([]string(nil), values...)
		}
	}
	return out
}
