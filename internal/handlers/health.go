package handlers

import (
	"context"
	"net/http"
	"time"
)

// ReadinessChecker reports whether a downstream dependency is reachable.
type ReadinessChecker func(ctx context.Context) error

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	startedAt time.Time
	checks    map[string]ReadinessChecker
}

// HealthOption customises health handler construction.
type HealthOption func(*HealthHandlers)

// WithReadinessCheck registers a named dependency check consulted by /readyz.
func WithReadinessCheck(name string, check ReadinessChecker) HealthOption {
	return func(h *HealthHandlers) {
		if name != "" && check != nil {
			h.checks[name] = check
		}
	}
}

// NewHealthHandlers constructs the probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		startedAt: time.Now(),
		checks:    make(map[string]ReadinessChecker),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Healthz responds as long as the process is serving requests.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(h.startedAt).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Readyz verifies registered dependency checks before reporting ready.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		writeJSONResponse(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "unavailable",
			"failures": failures,
		})
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"status": "ready"})
}
