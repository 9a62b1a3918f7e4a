// Package middleware holds the HTTP middleware shared by every route:
// request ids, request-scoped logging, limits, rate limiting, metrics and
// security headers.
package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dukerupert/switchboard/internal/domain"
)

type contextKey string

// statusByCode covers the codes middleware produces. handler.ErrorResponse
// owns the full mapping; handler imports this package, so it cannot be
// reused here.
var statusByCode = map[string]int{
	domain.EINVALID:     http.StatusBadRequest,
	domain.ETOOLARGE:    http.StatusRequestEntityTooLarge,
	domain.ERATELIMIT:   http.StatusTooManyRequests,
	domain.EUNAVAILABLE: http.StatusServiceUnavailable,
}

// respondWithError writes err in the same envelope the handlers use.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.ErrorCode(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	message := domain.ErrorMessage(err)
	if status == http.StatusInternalServerError {
		message = "An internal error occurred. Please try again later."
	}

	logger := GetLogger(r.Context())
	attrs := []any{
		"error", err.Error(),
		"code", code,
		"status", status,
		"request_id", GetRequestID(r.Context()),
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request aborted by middleware", attrs...)
	} else {
		logger.Info("request rejected by middleware", attrs...)
	}

	if !acceptsJSON(r) {
		http.Error(w, message, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
}

func respondInternalError(w http.ResponseWriter, r *http.Request, err error) {
	respondWithError(w, r, domain.Internal(err, "", "An unexpected error occurred"))
}

func respondTooManyRequests(w http.ResponseWriter, r *http.Request) {
	respondWithError(w, r, domain.Errorf(domain.ERATELIMIT, "", "Too many requests"))
}

func respondTooLarge(w http.ResponseWriter, r *http.Request, message string) {
	respondWithError(w, r, domain.Errorf(domain.ETOOLARGE, "", "%s", message))
}

// acceptsJSON reports whether the client should get a JSON error body.
func acceptsJSON(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/webhooks/") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json") ||
		strings.Contains(r.Header.Get("Content-Type"), "application/json")
}
