package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/karatworks/api/internal/platform/auth"
	"github.com/karatworks/api/internal/platform/httpx"
)

const (
	defaultKeyHeader = "Idempotency-Key"
	replayHeaderName = "X-Idempotent-Replay"
)

// Logger is the printf-style sink used for persistence failures.
type Logger interface {
	Printf(format string, args ...any)
}

type middlewareConfig struct {
	header  string
	ttl     time.Duration
	methods map[string]struct{}
	clock   func() time.Time
	logger  Logger
}

// MiddlewareOption customises the middleware.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the header the key is read from.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.header = name
		}
	}
}

// WithTTL overrides how long completed responses stay replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithMethods restricts which HTTP methods are guarded.
func WithMethods(methods ...string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if len(methods) == 0 {
			return
		}
		cfg.methods = make(map[string]struct{}, len(methods))
		for _, method := range methods {
			if method = strings.ToUpper(strings.TrimSpace(method)); method != "" {
				cfg.methods[method] = struct{}{}
			}
		}
	}
}

// WithLogger injects a sink for store failures.
func WithLogger(logger Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) { cfg.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

func mutatingMethods() map[string]struct{} {
	return map[string]struct{}{
		http.MethodPost:   {},
		http.MethodPut:    {},
		http.MethodPatch:  {},
		http.MethodDelete: {},
	}
}

// Middleware guards mutating requests with Idempotency-Key semantics: a
// repeated key with the same request replays the stored response, a
// repeated key with a different request is rejected, and a key still being
// processed answers conflict.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	cfg := middlewareConfig{
		header:  defaultKeyHeader,
		ttl:     DefaultTTL,
		methods: mutatingMethods(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if len(cfg.methods) == 0 {
		cfg.methods = mutatingMethods()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, guarded := cfg.methods[r.Method]; !guarded {
				next.ServeHTTP(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_key_required", "missing idempotency key header", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_read_body_failed", "unable to read request body", http.StatusInternalServerError))
				return
			}

			caller := callerScope(r.Context())
			scoped := caller + "|" + key
			print := fingerprint(r, body, caller)
			now := cfg.clock().UTC()

			claim, err := store.Claim(r.Context(), scoped, print, now, cfg.ttl)
			if err != nil {
				if errors.Is(err, ErrKeyReused) {
					httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict))
					return
				}
				if cfg.logger != nil {
					cfg.logger.Printf("idempotency: claim failed for key %s: %v", key, err)
				}
				httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_store_error", "unable to process idempotency key", http.StatusInternalServerError))
				return
			}

			switch claim.Outcome {
			case OutcomeReplay:
				serveReplay(w, claim.Response)
				return
			case OutcomeInFlight:
				httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict))
				return
			}

			buffered := &bufferedWriter{header: make(http.Header)}
			next.ServeHTTP(buffered, r)

			stored := StoredResponse{
				Status: buffered.status(),
				Header: buffered.header.Clone(),
				Body:   buffered.body.Bytes(),
			}
			if err := store.Complete(r.Context(), scoped, print, stored, cfg.clock().UTC(), cfg.ttl); err != nil {
				if cfg.logger != nil {
					cfg.logger.Printf("idempotency: persisting response for key %s failed: %v", key, err)
				}
				if forgetErr := store.Forget(r.Context(), scoped); forgetErr != nil && cfg.logger != nil {
					cfg.logger.Printf("idempotency: releasing key %s failed: %v", key, forgetErr)
				}
				httpx.WriteError(r.Context(), w, httpx.NewError("idempotency_store_error", "unable to persist idempotency state", http.StatusInternalServerError))
				return
			}

			buffered.flush(w)
		})
	}
}

// bufferBody drains and restores the request body so it can be hashed and
// still reach the handler.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// callerScope names the requester a key belongs to. Webhook callers are
// identified by their HMAC secret; everything else shares one scope.
func callerScope(ctx context.Context) string {
	if meta, ok := auth.HMACMetadataFromContext(ctx); ok {
		if name := strings.TrimSpace(meta.SecretName); name != "" {
			return name
		}
	}
	return "anonymous"
}

func fingerprint(r *http.Request, body []byte, caller string) string {
	parts := []string{
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		r.Host,
		r.Header.Get("Content-Type"),
		caller,
	}
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		parts = append(parts, hex.EncodeToString(sum[:]))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func serveReplay(w http.ResponseWriter, resp StoredResponse) {
	for name, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set(replayHeaderName, "true")
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// bufferedWriter holds the handler's response until the claim is completed,
// so a failed persist never leaks a response that cannot be replayed.
type bufferedWriter struct {
	header     http.Header
	statusCode int
	body       bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.statusCode == 0 {
		b.statusCode = status
	}
}

func (b *bufferedWriter) Write(data []byte) (int, error) {
	if b.statusCode == 0 {
		b.statusCode = http.StatusOK
	}
	return b.body.Write(data)
}

func (b *bufferedWriter) status() int {
	if b.statusCode == 0 {
		return http.StatusOK
	}
	return b.statusCode
}

func (b *bufferedWriter) flush(w http.ResponseWriter) {
	dst := w.Header()
	for name, values := range b.header {
		dst[name] = values
	}
	w.WriteHeader(b.status())
	if b.body.Len() > 0 {
		_, _ = w.Write(b.body.Bytes())
	}
}
