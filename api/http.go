// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

const jsonContentType = "application/json; charset=utf-8"

type httpError struct {
	cause  error
	status int
}

func (e *httpError) Error() string {
	return e.cause.Error()
}

// HTTPError creates an error with the given status code.
func HTTPError(cause error, status int) error {
	return &httpError{
		cause:  cause,
		status: status,
	}
}

// BadRequest creates a 400 error.
func BadRequest(cause error) error {
	return HTTPError(cause, http.StatusBadRequest)
}

// NotFound creates a 404 error.
func NotFound(cause error) error {
	return HTTPError(cause, http.StatusNotFound)
}

// HandlerFunc is like http.HandlerFunc, but returns an error.
// If the returned error is an *httpError, its status code and message
// go out as a JSON error body; anything else becomes a 500.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

type errorBody struct {
	Error string `json:"error"`
}

// wrapHandlerFunc converts a HandlerFunc to http.HandlerFunc.
func wrapHandlerFunc(f HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := f(w, r)
		if err == nil {
			return
		}
		status := http.StatusInternalServerError
		if he, ok := err.(*httpError); ok {
			status = he.status
		}
		w.Header().Set("Content-Type", jsonContentType)
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(&errorBody{Error: err.Error()})
	}
}

// parseJSON parses a request body as JSON, rejecting unknown fields.
func parseJSON(r io.Reader, v interface{}) error {
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// writeJSON writes v as the response body.
func writeJSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", jsonContentType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return errors.Wrap(err, "encode response")
	}
	return nil
}
