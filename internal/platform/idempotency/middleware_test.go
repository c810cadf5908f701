package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var testClock = func() time.Time {
	return time.Date(2026, time.March, 1, 9, 30, 0, 0, time.UTC)
}

func guardedHandler(t *testing.T, store Store, handler http.HandlerFunc, opts ...MiddlewareOption) http.Handler {
	t.Helper()
	opts = append([]MiddlewareOption{WithClock(testClock)}, opts...)
	return Middleware(store, opts...)(handler)
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	code, _ := payload["error"].(string)
	return code
}

func newGuardedRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/discount-rules", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(defaultKeyHeader, key)
	}
	return req
}

func TestMiddlewareRequiresKeyHeader(t *testing.T) {
	handler := guardedHandler(t, NewMemoryStore(), func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler must not run without a key")
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newGuardedRequest("", `{}`))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "idempotency_key_required" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestMiddlewareSkipsUnguardedMethods(t *testing.T) {
	calls := 0
	handler := guardedHandler(t, NewMemoryStore(), func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/discount-rules", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	calls := 0
	handler := guardedHandler(t, NewMemoryStore(), func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"dr_1"}`))
	})

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newGuardedRequest("key-1", `{"name":"festival"}`))
	if first.Code != http.StatusCreated {
		t.Fatalf("first request: expected 201, got %d", first.Code)
	}
	if first.Header().Get(replayHeaderName) != "" {
		t.Fatal("first response must not be marked as a replay")
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newGuardedRequest("key-1", `{"name":"festival"}`))

	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
	if second.Code != http.StatusCreated {
		t.Fatalf("replay: expected 201, got %d", second.Code)
	}
	if second.Header().Get(replayHeaderName) != "true" {
		t.Fatal("replay response missing replay marker")
	}
	if got := second.Body.String(); got != `{"id":"dr_1"}` {
		t.Fatalf("replayed body %q", got)
	}
	if got := second.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("replayed content type %q", got)
	}
}

func TestMiddlewareRejectsReusedKey(t *testing.T) {
	handler := guardedHandler(t, NewMemoryStore(), func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newGuardedRequest("key-1", `{"name":"festival"}`))
	if first.Code != http.StatusCreated {
		t.Fatalf("first request: expected 201, got %d", first.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newGuardedRequest("key-1", `{"name":"clearance"}`))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "idempotency_key_conflict" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestMiddlewareReportsInFlightClaim(t *testing.T) {
	store := NewMemoryStore()
	// A claim with no completed response stands in for a request still
	// being processed by another instance.
	if _, err := store.Claim(context.Background(), "anonymous|key-1", sameRequestFingerprint(t, "key-1"), testClock(), time.Hour); err != nil {
		t.Fatalf("seed claim: %v", err)
	}

	handler := guardedHandler(t, store, func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("handler must not run while the key is in flight")
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newGuardedRequest("key-1", `{"name":"festival"}`))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "idempotency_in_progress" {
		t.Fatalf("unexpected error code %q", code)
	}
}

// sameRequestFingerprint mirrors what the middleware computes for
// newGuardedRequest with the festival body.
func sameRequestFingerprint(t *testing.T, key string) string {
	t.Helper()
	req := newGuardedRequest(key, `{"name":"festival"}`)
	body, err := bufferBody(req)
	if err != nil {
		t.Fatalf("buffer body: %v", err)
	}
	return fingerprint(req, body, "anonymous")
}

type failingStore struct {
	*MemoryStore
	completeErr error
	forgotten   []string
}

func (s *failingStore) Complete(ctx context.Context, key, fingerprint string, resp StoredResponse, now time.Time, ttl time.Duration) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	return s.MemoryStore.Complete(ctx, key, fingerprint, resp, now, ttl)
}

func (s *failingStore) Forget(ctx context.Context, key string) error {
	s.forgotten = append(s.forgotten, key)
	return s.MemoryStore.Forget(ctx, key)
}

func TestMiddlewareReleasesClaimWhenPersistFails(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), completeErr: errors.New("firestore unavailable")}
	handler := guardedHandler(t, store, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newGuardedRequest("key-1", `{"name":"festival"}`))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "idempotency_store_error" {
		t.Fatalf("unexpected error code %q", code)
	}
	if len(store.forgotten) != 1 {
		t.Fatalf("expected one released claim, got %d", len(store.forgotten))
	}

	// Once the store recovers the same key can be claimed again.
	store.completeErr = nil
	retry := httptest.NewRecorder()
	handler.ServeHTTP(retry, newGuardedRequest("key-1", `{"name":"festival"}`))
	if retry.Code != http.StatusCreated {
		t.Fatalf("retry after release: expected 201, got %d", retry.Code)
	}
}

func TestMemoryStoreExpiresClaims(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	start := testClock()

	if _, err := store.Claim(ctx, "anonymous|key-1", "fp-a", start, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Complete(ctx, "anonymous|key-1", "fp-a", StoredResponse{Status: http.StatusCreated}, start, time.Minute); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// A different request may take the key over once the TTL has lapsed.
	later := start.Add(2 * time.Minute)
	claim, err := store.Claim(ctx, "anonymous|key-1", "fp-b", later, time.Minute)
	if err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if claim.Outcome != OutcomeProceed {
		t.Fatalf("expected fresh claim after expiry, got outcome %d", claim.Outcome)
	}

	removed, err := store.CleanupExpired(ctx, later.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired claim removed, got %d", removed)
	}
}
