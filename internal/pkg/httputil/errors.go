package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/sheetdash/internal/pkg/ctxlog"
)

// Error codes shared by all handlers.
const (
	CodeValidation      = "validation_error"
	CodeNotFound        = "not_found"
	CodeInvalidToken    = "invalid_token"
	CodeForbidden       = "forbidden"
	CodeTooManyRequests = "too_many_requests"
	CodeInternal        = "internal_error"
)

// ErrorMapping defines how a domain error maps to an HTTP response.
type ErrorMapping struct {
	Error   error
	Status  int
	Code    string
	Message string // if empty, uses err.Error()
}

// detailer is implemented by errors that carry structured details,
// such as per-field validation failures.
type detailer interface {
	Details() any
}

// HandleError maps a domain error to an HTTP response using provided mappings.
// If no mapping matches, logs the error and returns 500 Internal Server Error.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if errors.Is(err, m.Error) {
			msg := m.Message
			if msg == "" {
				msg = err.Error()
			}

			var d detailer
			if errors.As(err, &d) {
				ErrorWithDetails(w, m.Status, m.Code, msg, d.Details())
				return
			}
			Error(w, m.Status, m.Code, msg)
			return
		}
	}
	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, CodeInternal, "internal error")
}
