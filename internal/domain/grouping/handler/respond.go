package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/FACorreiaa/grocery-tracker/internal/domain/grouping"
)

// maxBodyBytes caps request bodies; bulk requests stay well below it
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, grouping.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, grouping.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, grouping.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, grouping.ErrConflict), errors.Is(err, grouping.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, grouping.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *GroupingHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	// the client went away; nobody reads the response
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		return
	}

	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), Retryable: grouping.IsTransient(err)}

	var vErr *grouping.ValidationError
	if errors.As(err, &vErr) {
		resp.Field = vErr.Field
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("grouping request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err),
		)
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}

// writeMutation answers 200 when every attempted statement succeeded, 207 when one
// scope was written and the other failed, and the error status otherwise
func (h *GroupingHandler) writeMutation(w http.ResponseWriter, result grouping.MutationResult) {
	status := http.StatusOK
	switch err := result.Err(); {
	case err == nil:
	case result.Partial():
		status = http.StatusMultiStatus
	default:
		status = statusFor(err)
	}
	writeJSON(w, status, toMutation(result))
}

// writeBulk answers 200 when no item failed, 207 on a mix, and the first
// failure's status when nothing succeeded
func (h *GroupingHandler) writeBulk(w http.ResponseWriter, result grouping.BulkResult) {
	status := http.StatusOK
	switch {
	case len(result.Failed) == 0:
	case result.Partial():
		status = http.StatusMultiStatus
	default:
		status = statusFor(result.Failed[0].Err())
	}
	writeJSON(w, status, result)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &grouping.ValidationError{Field: "body", Message: "request body is required"}
		}
		return &grouping.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}
