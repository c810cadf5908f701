package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL is how long a completed response stays replayable.
const DefaultTTL = 24 * time.Hour

// ErrKeyReused signals an idempotency key presented with a different
// request fingerprint than the one it was claimed for.
var ErrKeyReused = errors.New("idempotency: key reused with a different request")

// Outcome describes what claiming a key yielded.
type Outcome int

const (
	// OutcomeProceed means the claim is fresh and the handler should run.
	OutcomeProceed Outcome = iota
	// OutcomeReplay means a stored response exists and should be served.
	OutcomeReplay
	// OutcomeInFlight means another request currently holds the claim.
	OutcomeInFlight
)

// StoredResponse is the replayable part of a completed response.
type StoredResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Claim is the result of attempting to take ownership of a key.
type Claim struct {
	Outcome  Outcome
	Response StoredResponse
}

// Store persists key claims and their completed responses.
type Store interface {
	// Claim takes ownership of the key for the given fingerprint, or
	// reports the stored response / in-flight state for an existing claim.
	Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error)
	// Complete stores the response for a claimed key.
	Complete(ctx context.Context, key, fingerprint string, resp StoredResponse, now time.Time, ttl time.Duration) error
	// Forget drops the claim so the caller may retry.
	Forget(ctx context.Context, key string) error
	// CleanupExpired removes up to limit expired claims and reports how many.
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// docID derives the storage identifier for a key. Keys carry caller scope
// and are hashed so arbitrary header input never reaches document IDs.
func docID(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// storableHeader filters hop-by-hop and volatile headers out of a response
// before it is persisted for replay.
func storableHeader(src http.Header) http.Header {
	if len(src) == 0 {
		return nil
	}
	dst := make(http.Header, len(src))
	for name, values := range src {
		switch strings.ToLower(name) {
		case "content-length", "date", "connection", "keep-alive", "transfer-encoding", "upgrade", "trailer":
			continue
		}
		dst[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	if len(dst) == 0 {
		return nil
	}
	return dst
}
