package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/lazypower/strata/internal/apperr"
)

// ErrorBody is the JSON document returned for every failed request.
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Kind      string `json:"kind"`
	Retriable bool   `json:"retriable"`
}

// StatusOf maps a classified error to its HTTP status.
func StatusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.InvalidInput:
		return http.StatusBadRequest
	case apperr.Dependency:
		if errors.Is(err, apperr.ErrCompressionTimeout) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	kind := apperr.KindOf(err)

	entry := s.logger.WithError(err).
		WithField("action", "http_error").
		WithField("path", r.URL.Path).
		WithField("code", apperr.CodeOf(err)).
		WithField("request_id", middleware.GetReqID(r.Context()))
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}

	writeJSON(w, status, ErrorBody{
		Error:     err.Error(),
		Code:      apperr.CodeOf(err),
		Kind:      kind.String(),
		Retriable: apperr.Retriable(err),
	})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperr.Wrap(apperr.ErrInvalidInput, err, "invalid json")
}

func queryBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, apperr.New(apperr.ErrInvalidInput, "%s: %q is not a boolean", name, v)
	}
	return b, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.New(apperr.ErrInvalidInput, "%s: %q is not an integer", name, v)
	}
	return n, nil
}

func queryFloat(r *http.Request, name string) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, apperr.New(apperr.ErrInvalidInput, "%s: %q is not a number", name, v)
	}
	return f, nil
}
