package api

import (
	"errors"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/internal/attribution"
	apperrors "github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/errors"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// writeError maps err to its status code. Internal failures are logged and
// reported without detail.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatusCode(err)
	body := errorBody{Error: err.Error()}

	var verr *attribution.ValidationError
	if errors.As(err, &verr) {
		body.Error = "invalid request"
		body.Fields = verr.Fields
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		body.Error = appErr.Message
	}
	switch status {
	case http.StatusInternalServerError:
		h.logger.Error("request failed", "error", err)
		body.Error = "internal error"
	case http.StatusRequestTimeout:
		body.Error = "attribution timed out"
	}
	h.writeJSON(w, status, body)
}
