// Package httpserver contains the HTTP handlers and middleware.
//
// It exposes the JSON API consumed by the Telegram bot front end and the
// admin surface, keeping HTTP concerns out of the use cases.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details any) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrUnauthorized):
		code = http.StatusUnauthorized
		codeStr = "UNAUTHORIZED"
	case errors.Is(err, domain.ErrProviderAuth):
		code = http.StatusBadGateway
		codeStr = "PROVIDER_AUTH"
	case errors.Is(err, domain.ErrProviderRateLimited):
		code = http.StatusServiceUnavailable
		codeStr = "PROVIDER_RATE_LIMITED"
	case errors.Is(err, domain.ErrProviderBadRequest):
		code = http.StatusBadRequest
		codeStr = "PROVIDER_BAD_REQUEST"
	case errors.Is(err, domain.ErrProviderUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "PROVIDER_UNAVAILABLE"
	case errors.Is(err, domain.ErrNoProvidersAvailable):
		code = http.StatusServiceUnavailable
		codeStr = "NO_PROVIDERS_AVAILABLE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
