package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
)

// Logger receives diagnostic output from verification middleware.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder records verification outcomes for observability.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// SecretProvider resolves shared secrets used for HMAC validation.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// NonceStore tracks nonces for replay prevention. UseNonce returns true
// when the nonce was recorded, false when it was already present.
type NonceStore interface {
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore is a process-local nonce registry for development.
type InMemoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{seen: make(map[string]time.Time)}
}

// UseNonce records the nonce until expiry, rejecting replays until then.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	now := time.Now()
	if expiry.Before(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, exp := range s.seen {
		if exp.Before(now) {
			delete(s.seen, key)
		}
	}

	key := scope + "::" + nonce
	if exp, ok := s.seen[key]; ok && exp.After(now) {
		return false, nil
	}
	s.seen[key] = expiry
	return true, nil
}

// HMACValidator verifies signed requests from trusted integrations.
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore
	logger   Logger
	metrics  MetricsRecorder
	now      func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	clockSkew       time.Duration
	nonceTTL        time.Duration

	secretCache sync.Map
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// WithHMACLogger overrides the validator logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACMetrics sets the metrics recorder.
func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) { v.metrics = metrics }
}

// WithHMACClock injects a custom clock, primarily for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders customises the header names used by the middleware.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACClockSkew adjusts the accepted timestamp skew.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACNonceTTL customises the nonce retention duration.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// NewHMACValidator builds a validator using the given secret provider and nonce store.
func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		provider:        provider,
		nonces:          nonces,
		logger:          log.Default(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// HMACMetadata describes the verification context for downstream handlers.
type HMACMetadata struct {
	SecretName   string
	Timestamp    time.Time
	Nonce        string
	Signature    []byte
	RawSignature string
}

type hmacContextKey struct{}

// WithHMACMetadata stores the metadata on the context.
func WithHMACMetadata(ctx context.Context, meta *HMACMetadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, hmacContextKey{}, meta)
}

// HMACMetadataFromContext retrieves metadata from the context.
func HMACMetadataFromContext(ctx context.Context) (*HMACMetadata, bool) {
	meta, ok := ctx.Value(hmacContextKey{}).(*HMACMetadata)
	if !ok || meta == nil {
		return nil, false
	}
	return meta, true
}

// authFailure is one rejected verification step: the metrics reason plus
// the HTTP response it maps to.
type authFailure struct {
	reason  string
	status  int
	code    string
	message string
}

func reject(reason string, status int, code, message string) *authFailure {
	return &authFailure{reason: reason, status: status, code: code, message: message}
}

// RequireHMAC enforces a valid HMAC signature on every request.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	secretName = strings.TrimSpace(secretName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			meta, failure := v.verify(r, secretName)
			if failure != nil {
				v.note(r.Context(), false, failure.reason, start)
				writeAuthError(w, failure.status, failure.code, failure.message)
				return
			}
			v.note(r.Context(), true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithHMACMetadata(r.Context(), meta)))
		})
	}
}

// RequireHMACResolver selects a secret dynamically using the supplied resolver.
func (v *HMACValidator) RequireHMACResolver(resolver func(*http.Request) (string, bool)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if resolver == nil {
				v.note(r.Context(), false, "secret_not_configured", v.now())
				writeAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "hmac secret resolver not configured")
				return
			}
			secretName, ok := resolver(r)
			if !ok || strings.TrimSpace(secretName) == "" {
				v.note(r.Context(), false, "provider_unknown", v.now())
				writeAuthError(w, http.StatusUnauthorized, "unknown_provider", "webhook provider not recognised")
				return
			}
			v.RequireHMAC(secretName)(next).ServeHTTP(w, r)
		})
	}
}

// verify walks the validation steps in order and stops at the first failure.
func (v *HMACValidator) verify(r *http.Request, secretName string) (*HMACMetadata, *authFailure) {
	ctx := r.Context()

	if secretName == "" {
		return nil, reject("secret_not_configured", http.StatusServiceUnavailable, "verification_unavailable", "hmac secret not configured")
	}
	secret, err := v.secretFor(ctx, secretName)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: hmac secret lookup failed: %v", err)
		}
		return nil, reject("secret_unavailable", http.StatusServiceUnavailable, "verification_unavailable", "hmac secret unavailable")
	}

	rawSignature := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	if rawSignature == "" {
		return nil, reject("signature_missing", http.StatusUnauthorized, "signature_missing", "signature header missing")
	}
	rawTimestamp := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	if rawTimestamp == "" {
		return nil, reject("timestamp_missing", http.StatusUnauthorized, "timestamp_missing", "signature timestamp missing")
	}
	timestamp, err := parseTimestamp(rawTimestamp)
	if err != nil {
		return nil, reject("timestamp_invalid", http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid")
	}
	if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return nil, reject("timestamp_skew", http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window")
	}
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return nil, reject("nonce_missing", http.StatusUnauthorized, "nonce_missing", "signature nonce missing")
	}

	body, err := snapshotBody(r)
	if err != nil {
		return nil, reject("body_unreadable", http.StatusBadRequest, "invalid_body", "unable to read body for signature verification")
	}
	signature, err := parseSignature(rawSignature)
	if err != nil {
		return nil, reject("signature_invalid", http.StatusUnauthorized, "signature_invalid", "signature encoding invalid")
	}

	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(canonicalRequest(r, body, rawTimestamp, nonce))
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return nil, reject("signature_mismatch", http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
	}

	if v.nonces == nil {
		return nil, reject("nonce_store_unavailable", http.StatusServiceUnavailable, "verification_unavailable", "nonce store unavailable")
	}
	expiry := timestamp.Add(v.nonceTTL)
	if expiry.Before(v.now()) {
		expiry = v.now().Add(v.nonceTTL)
	}
	fresh, err := v.nonces.UseNonce(ctx, secretName, nonce, expiry)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: nonce store error: %v", err)
		}
		return nil, reject("nonce_store_error", http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error")
	}
	if !fresh {
		return nil, reject("nonce_replay", http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce")
	}

	return &HMACMetadata{
		SecretName:   secretName,
		Timestamp:    timestamp,
		Nonce:        nonce,
		Signature:    signature,
		RawSignature: rawSignature,
	}, nil
}

func (v *HMACValidator) note(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
}

func (v *HMACValidator) secretFor(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}
	if cached, ok := v.secretCache.Load(name); ok {
		if secret, ok := cached.([]byte); ok && len(secret) > 0 {
			return secret, nil
		}
	}

	raw, err := v.provider.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, errors.New("auth: secret is empty")
	}
	secret := []byte(raw)
	v.secretCache.Store(name, secret)
	return secret, nil
}

// snapshotBody reads the body for hashing and rewinds it for the handler.
func snapshotBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// parseSignature accepts base64 or hex encoded signatures.
func parseSignature(value string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

// parseTimestamp accepts RFC3339 (with or without fractions) and
// unix seconds.
func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

// canonicalRequest is the newline-joined string both sides sign:
// METHOD, path, timestamp, nonce, and the hex body hash.
func canonicalRequest(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	bodyHash := sha256.Sum256(body)
	return []byte(strings.ToUpper(r.Method) + "\n" +
		path + "\n" +
		timestamp + "\n" +
		nonce + "\n" +
		hex.EncodeToString(bodyHash[:]))
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
		"status":  status,
	})
}
