package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/karatworks/api/internal/platform/requestctx"
)

const (
	maxCodeLen    = 80
	maxMessageLen = 512
	maxTraceLen   = 64
)

// Error is the JSON error envelope every handler returns.
type Error struct {
	Code      string
	Message   string
	Status    int
	RequestID string
	TraceID   string
	Details   map[string]any
}

// NewError builds an error envelope with the given code, message and status.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clean(code, maxCodeLen),
		Message: clean(message, maxMessageLen),
		Status:  status,
	}
}

// WithRequestID sets the request identifier on the error payload.
func (e Error) WithRequestID(id string) Error {
	e.RequestID = clean(id, maxCodeLen)
	return e
}

// WithTraceID sets the trace identifier on the error payload.
func (e Error) WithTraceID(id string) Error {
	e.TraceID = clean(id, maxTraceLen)
	return e
}

// WithDetails attaches additional JSON-serialisable metadata.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	e.Details = make(map[string]any, len(details))
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WriteError renders the envelope as JSON. Request and trace identifiers
// fall back to whatever the middleware stack recorded on the context.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}
	if err.RequestID == "" {
		err.RequestID = clean(middleware.GetReqID(ctx), maxCodeLen)
	}
	if err.TraceID == "" {
		err.TraceID = clean(requestctx.TraceID(ctx), maxTraceLen)
	}

	body := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  err.Status,
	}
	if err.RequestID != "" {
		body["request_id"] = err.RequestID
	}
	if err.TraceID != "" {
		body["trace_id"] = err.TraceID
	}
	for k, v := range err.Details {
		body[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(body)
}

// clean strips newlines and caps the length so header-derived values cannot
// smuggle log-breaking or oversized content into responses.
func clean(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if limit > 0 && len(value) > limit {
		value = value[:limit]
	}
	return value
}
