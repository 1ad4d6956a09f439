package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cryptdrive/drivedl/internal/errors"
)

// Error is returned whenever the server rejects a request.
type Error struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error %d (HTTP %d): %v", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("unexpected HTTP response (%d): %v", e.StatusCode, http.StatusText(e.StatusCode))
}

// HTTPStatus returns the HTTP status code of the response.
func (e *Error) HTTPStatus() int {
	return e.StatusCode
}

// newError reads the error envelope of a failed response, if there is one.
func newError(resp *http.Response) *Error {
	e := &Error{StatusCode: resp.StatusCode}

	var envelope struct {
		Code  int    `json:"Code"`
		Error string `json:"Error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&envelope); err == nil {
		e.Code = envelope.Code
		e.Message = envelope.Error
	}
	return e
}

// IsNotExist returns true if the error was caused by a missing resource.
func IsNotExist(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}

// IsPermanentError reports whether retrying the request cannot succeed. The
// server rejected the request with a 4xx status other than timeout or rate
// limiting.
func IsPermanentError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}
