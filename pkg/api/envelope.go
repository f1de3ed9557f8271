// Package api is the HTTP transport adapter. It parses requests, invokes the
// protocol engine and writes the shared response envelope; it holds no
// protocol logic of its own.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/formbridge/formbridge/pkg/contracts"
	"github.com/formbridge/formbridge/pkg/submission"
)

// statusFor maps envelope error types onto HTTP status codes.
func statusFor(env *submission.Envelope, success int) int {
	if env.Error == nil {
		return success
	}
	switch env.Error.Type {
	case contracts.ErrTypeMissing, contracts.ErrTypeInvalid,
		contracts.ErrTypeInvalidRequest, contracts.ErrTypeValidation:
		return http.StatusBadRequest
	case contracts.ErrTypeInvalidResumeToken, contracts.ErrTypeExpired:
		return http.StatusForbidden
	case contracts.ErrTypeNotFound:
		return http.StatusNotFound
	case contracts.ErrTypeConflict, contracts.ErrTypeNeedsApproval,
		contracts.ErrTypeCancelled, contracts.ErrTypeUploadPending:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeEnvelope serializes an operation envelope, picking the status from
// the error taxonomy.
func writeEnvelope(w http.ResponseWriter, env *submission.Envelope, success int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(env, success))
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("encode response envelope", "error", err)
	}
}

// writeFailure writes a transport-level failure (malformed body, rate limit)
// in the same envelope shape the engine uses.
func writeFailure(w http.ResponseWriter, status int, t contracts.ErrorType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(contracts.NewErrorEnvelope(t, msg))
}

// writeInternal hides the error from the client and logs it in full.
func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error",
		"path", r.URL.Path, "request_id", w.Header().Get("X-Request-ID"), "error", err)
	writeFailure(w, http.StatusInternalServerError, contracts.ErrTypeInternal,
		"an unexpected error occurred")
}
