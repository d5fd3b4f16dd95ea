// Package herr carries handler errors from HTTP handlers to the response.
package herr

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error is returned by handlers. HTTPMessage is written to the client;
// Error and Desc are only logged.
type Error struct {
	Error       error
	HTTPMessage string
	Desc        string
	Code        int
}

// Wrap adapts a handler returning *Error to http.Handler.
type Wrap func(w http.ResponseWriter, r *http.Request) *Error

func (fn Wrap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if e := fn(w, r); e != nil {
		Write(w, r, e)
	}
}

// Write logs e and sends its public message as plain text.
func Write(w http.ResponseWriter, r *http.Request, e *Error) {
	attrs := []any{"desc", e.Desc, "httpMessage", e.HTTPMessage, "code", e.Code, "path", r.URL.Path}
	if e.Error != nil {
		attrs = append(attrs, "error", e.Error)
	}
	if e.Code >= http.StatusInternalServerError {
		slog.Error("Error in handler", attrs...)
	} else {
		slog.Warn("Request rejected", attrs...)
	}
	http.Error(w, e.HTTPMessage, e.Code)
}

// New builds an Error with an explicit public message.
func New(code int, msg string, err error, desc string) *Error {
	return &Error{
		HTTPMessage: msg,
		Desc:        desc,
		Code:        code,
		Error:       err,
	}
}

func Internal(err error, desc string) *Error {
	return New(http.StatusInternalServerError, "Internal server error", err, desc)
}

func BadRequest(msg string, desc string) *Error {
	return New(http.StatusBadRequest, msg, nil, desc)
}

func Unauthorized(err error, desc string) *Error {
	return New(http.StatusUnauthorized, "Unauthorized", err, desc)
}

// JSON writes v with the given status code.
func JSON(w http.ResponseWriter, code int, v any) *Error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
	return nil
}
