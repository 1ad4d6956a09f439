package telemetry

import (
	"context"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
)

// ErrorCategory classifies the error that ended a download attempt.
type ErrorCategory string

const (
	ServerError         ErrorCategory = "server_error"
	NetworkError        ErrorCategory = "network_error"
	DecryptionError     ErrorCategory = "decryption_error"
	IntegrityError      ErrorCategory = "integrity_error"
	RateLimited         ErrorCategory = "rate_limited"
	HTTPClientSideError ErrorCategory = "http_client_side_error"
	UnknownError        ErrorCategory = "unknown"
)

// decryptionFailure is implemented by errors raised when block content
// cannot be decrypted.
type decryptionFailure interface {
	DecryptionFailure() bool
}

// Categorize returns the category of err, or the empty category for nil.
func Categorize(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	var df decryptionFailure
	if errors.As(err, &df) && df.DecryptionFailure() {
		return DecryptionError
	}

	if errors.IsIntegrity(err) {
		return IntegrityError
	}

	switch status := drive.HTTPStatus(err); {
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status >= 400 && status < 500:
		return HTTPClientSideError
	case status >= 500 && status < 600:
		return ServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, context.DeadlineExceeded) {
		return NetworkError
	}

	return UnknownError
}
