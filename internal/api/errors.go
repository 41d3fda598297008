package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"bizfolio/internal/apperr"
	"bizfolio/internal/auth"
)

const (
	maxBodyBytes = 1 << 20

	msgGeneric         = "something went wrong"
	msgBadCredentials  = "invalid credentials"
	msgUnauthenticated = "authentication required"
	msgRateLimited     = "too many attempts, try again later"
)

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

// writeError renders err as the JSON error envelope. Messages depend only
// on the error kind, so they never reveal which resource or account exists.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	body := responseError{Code: kind.String(), Message: msgGeneric}

	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindUnauthenticated:
		status = http.StatusUnauthorized
		body.Message = msgUnauthenticated
		if errors.Is(err, auth.ErrInvalidCredentials) {
			body.Message = msgBadCredentials
		}
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindInvalidInput:
		status = http.StatusBadRequest
		body.Message = "invalid request"
		var fe *apperr.FieldError
		if errors.As(err, &fe) {
			body.Field = fe.Field
			body.Message = fmt.Sprintf("%s %s", fe.Field, fe.Message)
		}
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindRateLimited:
		status = http.StatusTooManyRequests
		body.Message = msgRateLimited
	default:
		log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
	}

	writeJSON(w, status, errorResponse{Error: body})
}

func forbidden(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, apperr.ErrForbidden)
}

// decodeJSON reads a single JSON object into dst, rejecting unknown fields
// and trailing data.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Invalid("body", "must be a single valid JSON object")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apperr.Invalid("body", "must be a single valid JSON object")
	}
	return nil
}
