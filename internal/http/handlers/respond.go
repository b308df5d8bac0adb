package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/conversation"
	"github.com/wolfman30/careline/pkg/logging"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps a domain error onto an HTTP status. Access denial is also
// used for scoped lookups that miss, so existence never leaks.
func writeError(w http.ResponseWriter, logger *logging.Logger, r *http.Request, err error) {
	var (
		ve *conversation.ValidationError
		ge *conversation.GatewayError
	)
	switch {
	case errors.As(err, &ve):
		jsonError(w, ve.Error(), http.StatusBadRequest)
	case conversation.IsAccessDenied(err):
		jsonError(w, "access denied", http.StatusForbidden)
	case errors.Is(err, conversation.ErrNoAccessibleGroup):
		jsonError(w, "no accessible group for this conversation", http.StatusBadRequest)
	case errors.Is(err, conversation.ErrNotFound), errors.Is(err, access.ErrUnknownUser):
		jsonError(w, "not found", http.StatusNotFound)
	case errors.Is(err, conversation.ErrNothingToUndo):
		jsonError(w, "nothing to undo", http.StatusConflict)
	case errors.Is(err, conversation.ErrClosed):
		jsonError(w, "conversation is closed", http.StatusConflict)
	case errors.Is(err, conversation.ErrConflict):
		jsonError(w, "conflict", http.StatusConflict)
	case errors.As(err, &ge):
		logger.Warn("ai gateway failed", "path", r.URL.Path, "op", ge.Op, "error", err)
		if errors.Is(err, conversation.ErrEmptyGeneration) {
			jsonError(w, conversation.ErrEmptyGeneration.Error()+", please try again", http.StatusBadGateway)
			return
		}
		jsonError(w, "AI service unavailable, please try again", http.StatusBadGateway)
	default:
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return conversation.Invalid("body", "malformed JSON")
	}
	return nil
}

func callerFrom(w http.ResponseWriter, r *http.Request) (access.Caller, bool) {
	caller, ok := access.CallerFromContext(r.Context())
	if !ok {
		jsonError(w, "unauthorized", http.StatusUnauthorized)
	}
	return caller, ok
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, conversation.Invalid(name, "must be a positive integer")
	}
	return id, nil
}

func queryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, conversation.Invalid(name, "must be a non-negative integer")
	}
	return v, nil
}
