package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"staykey.io/internal/access"
)

// notFoundMessage is deliberately uniform: expired, revoked, consumed and
// never-existed tokens are indistinguishable to outside callers.
const notFoundMessage = "not found"

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// handleAccessError maps core sentinel errors to HTTP statuses. Credential
// lookup failures collapse into one 404 so responses never reveal whether a
// token existed, expired, was revoked or was already used.
func handleAccessError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, access.ErrInvalidInput), errors.Is(err, access.ErrUnknownRole):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, access.ErrInvalidSession):
		writeError(w, r, http.StatusUnauthorized, "invalid session")
	case errors.Is(err, access.ErrForbidden), errors.Is(err, access.ErrTenantMismatch):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, access.ErrNotFound),
		errors.Is(err, access.ErrExpired),
		errors.Is(err, access.ErrRevoked),
		errors.Is(err, access.ErrAlreadyConsumed),
		errors.Is(err, access.ErrInvalidTenant):
		writeError(w, r, http.StatusNotFound, notFoundMessage)
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
