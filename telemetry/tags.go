// Package telemetry provides request tagging, metrics and an instrumented
// HTTP transport for the origin registry.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

// requestTagsKey is the context key for the request tags holder.
const requestTagsKey contextKey = "request_tags"

// RequestTags holds mutable request metadata that handlers can set for
// logging and metrics.
type RequestTags struct {
	// Operation is the registry operation served (get, announce, revoke,
	// refresh) or an internal endpoint name.
	Operation string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, &RequestTags{}))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetOperation sets the operation tag for logging and metrics.
func SetOperation(r *http.Request, op string) {
	if tags := GetTags(r); tags != nil {
		tags.Operation = op
	}
}
