package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apierrors "github.com/scttfrdmn/agenkit/incident-go/adapter/errors"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierrors.AsAPIError(err)
	if apiErr.Status >= http.StatusInternalServerError {
		span := trace.SpanFromContext(r.Context())
		span.RecordError(err)
		span.SetStatus(codes.Error, apiErr.Message)
		s.logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path, "code", apiErr.Code, "error", err)
	}
	s.writeJSON(w, apiErr.Status, apiErr)
}

// decode reads a JSON body into dst. An empty body leaves dst untouched.
// Malformed bodies are recorded as validation failures.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if s.config.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var tooLarge *http.MaxBytesError
	reason := "malformed JSON body"
	if errors.As(err, &tooLarge) {
		reason = fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)
	}
	return s.invalid(r, reason, err)
}

// invalid records a validation failure and returns the matching API error.
func (s *Server) invalid(r *http.Request, reason string, err error) error {
	s.app.Audit.ValidationFailure(r.Context(), s.clientAddr(r), r.URL.Path, reason)
	return apierrors.NewInvalidRequestError(reason, err)
}
